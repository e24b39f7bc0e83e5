package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/TranVPhu/FaceRecognize/internal/types"
)

var ErrNotFound = errors.New("identity not found")

// Store is the PostgreSQL identity registry. Embeddings live in a pgvector
// column next to the metadata; the vector index is rebuilt from here.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string, dim int) (*Store, error) {
	if dim <= 0 {
		dim = 512
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool, dim: dim}, nil
}

// initSchema creates the vector extension and the identities table if they
// don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			name_folded TEXT NOT NULL,
			grp TEXT NOT NULL DEFAULT '',
			embedding VECTOR(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS identities_name_folded_idx ON identities (name_folded);
	`, dim)
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Dim returns the embedding dimension of the schema.
func (s *Store) Dim() int { return s.dim }

func toVector(v []float64) pgvector.Vector {
	f := make([]float32, len(v))
	for i, x := range v {
		f[i] = float32(x)
	}
	return pgvector.NewVector(f)
}

func fromVector(v pgvector.Vector) []float64 {
	s := v.Slice()
	out := make([]float64, len(s))
	for i, x := range s {
		out[i] = float64(x)
	}
	return out
}

func (s *Store) checkDim(embedding []float64) error {
	if embedding != nil && len(embedding) != s.dim {
		return fmt.Errorf("embedding has %d dimensions, registry expects %d", len(embedding), s.dim)
	}
	return nil
}

const selectIdentity = `SELECT id, name, grp, embedding, created_at FROM identities`

func scanIdentity(row pgx.Row) (types.IdentityRecord, error) {
	var (
		rec types.IdentityRecord
		vec *pgvector.Vector
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Group, &vec, &rec.CreatedAt); err != nil {
		return rec, err
	}
	if vec != nil {
		rec.Embedding = fromVector(*vec)
	}
	return rec, nil
}

// GetAll returns every identity ordered by id, embeddings included.
func (s *Store) GetAll(ctx context.Context) ([]types.IdentityRecord, error) {
	rows, err := s.pool.Query(ctx, selectIdentity+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.IdentityRecord
	for rows.Next() {
		rec, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns one identity or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (types.IdentityRecord, error) {
	rec, err := scanIdentity(s.pool.QueryRow(ctx, selectIdentity+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return rec, err
}

// FindByName returns identities whose name contains query, ignoring case
// and diacritics. The query is matched literally.
func (s *Store) FindByName(ctx context.Context, query string) ([]types.IdentityRecord, error) {
	rows, err := s.pool.Query(ctx, selectIdentity+` WHERE strpos(name_folded, $1) > 0 ORDER BY id`, FoldName(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.IdentityRecord
	for rows.Next() {
		rec, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Add inserts a new identity and returns its id. embedding may be nil.
func (s *Store) Add(ctx context.Context, name, group string, embedding []float64) (int64, error) {
	if err := s.checkDim(embedding); err != nil {
		return 0, err
	}
	name = NormalizeName(name)
	var vec *pgvector.Vector
	if embedding != nil {
		v := toVector(embedding)
		vec = &v
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO identities (name, name_folded, grp, embedding)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, name, FoldName(name), NormalizeName(group), vec).Scan(&id)
	return id, err
}

// Update changes name and group.
func (s *Store) Update(ctx context.Context, id int64, name, group string) error {
	name = NormalizeName(name)
	tag, err := s.pool.Exec(ctx, `
		UPDATE identities SET name = $1, name_folded = $2, grp = $3, updated_at = $4 WHERE id = $5
	`, name, FoldName(name), NormalizeName(group), time.Now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// UpdateEmbedding replaces the stored embedding.
func (s *Store) UpdateEmbedding(ctx context.Context, id int64, embedding []float64) error {
	if err := s.checkDim(embedding); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE identities SET embedding = $1, updated_at = NOW() WHERE id = $2`, toVector(embedding), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// Delete removes one identity.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// DeleteMany removes several identities in one transaction and returns the
// ids that existed.
func (s *Store) DeleteMany(ctx context.Context, ids []int64) ([]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `DELETE FROM identities WHERE id = ANY($1) RETURNING id`, ids)
	if err != nil {
		return nil, err
	}
	deleted, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	return deleted, tx.Commit(ctx)
}

// Reset drops all application tables and recreates the schema.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS identities CASCADE`); err != nil {
		return err
	}
	return initSchema(ctx, s.pool, s.dim)
}
