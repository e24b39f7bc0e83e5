package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/TranVPhu/FaceRecognize/internal/index"
	"github.com/TranVPhu/FaceRecognize/internal/store"
	"github.com/TranVPhu/FaceRecognize/internal/stream"
	"github.com/TranVPhu/FaceRecognize/internal/types"
)

// IdentityRequest is the body of create and update calls.
type IdentityRequest struct {
	Name      string    `json:"name"`
	Group     string    `json:"group"`
	Embedding []float64 `json:"embedding,omitempty"`
}

// BatchDeleteRequest lists identities to delete in one index rebuild.
type BatchDeleteRequest struct {
	IDs []int64 `json:"ids"`
}

type SeekRequest struct {
	Frame int `json:"frame"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	snap := s.coord.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"identities": snap.Len(),
		"indexed":    s.idx.Stats().Count,
		"loaded_at":  snap.TakenAt(),
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid identity id")
		return 0, false
	}
	return id, true
}

// registryError maps coordinator errors to status codes.
func (s *Server) registryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, index.ErrDimensionMismatch), errors.Is(err, index.ErrZeroVector):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("registry operation failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeIdentity(w http.ResponseWriter, r *http.Request) (IdentityRequest, bool) {
	var req IdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return req, false
	}
	return req, true
}

func (s *Server) listIdentities(w http.ResponseWriter, r *http.Request) {
	var (
		err error
		out []types.IdentityRecord
	)
	if name := r.URL.Query().Get("name"); name != "" {
		out, err = s.coord.Find(r.Context(), name)
	} else {
		out, err = s.coord.List(r.Context())
	}
	if err != nil {
		s.registryError(w, err)
		return
	}
	if out == nil {
		out = []types.IdentityRecord{}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) getIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.coord.Get(r.Context(), id)
	if err != nil {
		s.registryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) createIdentity(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeIdentity(w, r)
	if !ok {
		return
	}
	rec, err := s.coord.Add(r.Context(), req.Name, req.Group, req.Embedding)
	if err != nil {
		s.registryError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) updateIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, ok := decodeIdentity(w, r)
	if !ok {
		return
	}
	if err := s.coord.Update(r.Context(), id, req.Name, req.Group, req.Embedding); err != nil {
		s.registryError(w, err)
		return
	}
	rec, err := s.coord.Get(r.Context(), id)
	if err != nil {
		s.registryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.coord.Delete(r.Context(), id); err != nil {
		s.registryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteIdentities(w http.ResponseWriter, r *http.Request) {
	var req BatchDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		respondError(w, http.StatusBadRequest, "ids are required")
		return
	}
	deleted, err := s.coord.DeleteMany(r.Context(), req.IDs)
	if err != nil {
		s.registryError(w, err)
		return
	}
	if deleted == nil {
		deleted = []int64{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) indexStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.idx.Stats())
}

func (s *Server) rebuildIndex(w http.ResponseWriter, r *http.Request) {
	n, err := s.coord.Rebuild(r.Context())
	if err != nil {
		s.log.Error("index rebuild failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) listStreams(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := sortedStatuses(s.streams)
	s.mu.RUnlock()
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) streamOr404(w http.ResponseWriter, r *http.Request) (Stream, bool) {
	st, ok := s.stream(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "stream not found")
	}
	return st, ok
}

func (s *Server) getStream(w http.ResponseWriter, r *http.Request) {
	if st, ok := s.streamOr404(w, r); ok {
		respondJSON(w, http.StatusOK, st.Status())
	}
}

func (s *Server) seekStream(w http.ResponseWriter, r *http.Request) {
	st, ok := s.streamOr404(w, r)
	if !ok {
		return
	}
	var req SeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	honored, err := st.Seek(req.Frame)
	switch {
	case errors.Is(err, stream.ErrNotSeekable), errors.Is(err, stream.ErrStopped):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"honored": honored, "status": st.Status()})
}

func (s *Server) pauseStream(w http.ResponseWriter, r *http.Request) {
	if st, ok := s.streamOr404(w, r); ok {
		st.Pause()
		respondJSON(w, http.StatusOK, st.Status())
	}
}

func (s *Server) resumeStream(w http.ResponseWriter, r *http.Request) {
	if st, ok := s.streamOr404(w, r); ok {
		st.Resume()
		respondJSON(w, http.StatusOK, st.Status())
	}
}
