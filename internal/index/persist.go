package index

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
)

const (
	// IndexFile holds the normalized vectors.
	IndexFile = "faces.index"
	// MappingFile holds the ordered id list, one id per index slot.
	MappingFile = "faces.ids.json"

	blobVersion   = 1
	flagZstd      = 1 << 0
	blobHeaderLen = 4 + 2 + 2 + 4 + 4 + 4
)

var blobMagic = [4]byte{'F', 'R', 'I', 'X'}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Blob layout (little endian):
//
//	magic "FRIX" | version u16 | flags u16 | dim u32 | count u32 | crc32(ids json) u32 | payload
//
// payload is count*dim float32 values, zstd-compressed when flagZstd is set.
// The checksum ties the blob to the exact mapping file it was written with.

// save writes both artifacts. The mapping goes first; a crash between the two
// writes leaves a checksum mismatch that load rejects.
func save(dir string, s *Snapshot, compress bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	ids := s.ids
	if ids == nil {
		ids = []int64{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode id mapping: %w", err)
	}

	payload := make([]byte, 4*len(s.vectors))
	for i, v := range s.vectors {
		binary.LittleEndian.PutUint32(payload[4*i:], math.Float32bits(v))
	}
	var flags uint16
	if compress {
		payload = zstdEncoder.EncodeAll(payload, nil)
		flags |= flagZstd
	}

	var buf bytes.Buffer
	buf.Grow(blobHeaderLen + len(payload))
	buf.Write(blobMagic[:])
	binary.Write(&buf, binary.LittleEndian, uint16(blobVersion))
	binary.Write(&buf, binary.LittleEndian, flags)
	binary.Write(&buf, binary.LittleEndian, uint32(s.dim))
	binary.Write(&buf, binary.LittleEndian, uint32(len(s.ids)))
	binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(idsJSON))
	buf.Write(payload)

	if err := renameio.WriteFile(filepath.Join(dir, MappingFile), idsJSON, 0o644); err != nil {
		return fmt.Errorf("write id mapping: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, IndexFile), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write index blob: %w", err)
	}
	return nil
}

// load reads both artifacts and checks that they belong together.
func load(dir string) (*Snapshot, error) {
	blob, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, fmt.Errorf("read index blob: %w", err)
	}
	idsJSON, err := os.ReadFile(filepath.Join(dir, MappingFile))
	if err != nil {
		return nil, fmt.Errorf("read id mapping: %w", err)
	}

	if len(blob) < blobHeaderLen || !bytes.Equal(blob[:4], blobMagic[:]) {
		return nil, fmt.Errorf("%w: bad blob header", ErrCorrupt)
	}
	r := bytes.NewReader(blob[4:blobHeaderLen])
	var (
		version, flags  uint16
		dim, count, sum uint32
	)
	for _, f := range []any{&version, &flags, &dim, &count, &sum} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	if version != blobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrCorrupt, version)
	}

	var ids []int64
	if err := json.Unmarshal(idsJSON, &ids); err != nil {
		return nil, fmt.Errorf("%w: id mapping: %v", ErrCorrupt, err)
	}
	if uint32(len(ids)) != count {
		return nil, fmt.Errorf("%w: blob holds %d vectors, mapping holds %d ids", ErrCorrupt, count, len(ids))
	}
	if crc32.ChecksumIEEE(idsJSON) != sum {
		return nil, fmt.Errorf("%w: mapping checksum does not match blob", ErrCorrupt)
	}

	payload := blob[blobHeaderLen:]
	if flags&flagZstd != 0 {
		payload, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
		}
	}
	n := int(count) * int(dim)
	if len(payload) != 4*n {
		return nil, fmt.Errorf("%w: payload is %d bytes, want %d", ErrCorrupt, len(payload), 4*n)
	}
	vectors := make([]float32, n)
	for i := range vectors {
		vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
	}
	return &Snapshot{dim: int(dim), vectors: vectors, ids: ids}, nil
}

// artifactsMissing reports whether neither artifact exists yet.
func artifactsMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
