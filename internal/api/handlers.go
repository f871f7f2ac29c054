package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/alekkss/avito/internal/listing"
	"github.com/alekkss/avito/internal/report"
	"github.com/alekkss/avito/internal/store"
)

const (
	defaultListingLimit = 50
	maxListingLimit     = 500
	storeTimeout        = 3 * time.Second
)

// Reader is the read-only slice of the listing store the server needs.
type Reader interface {
	Raw(ctx context.Context, id string) (listing.RawListing, error)
	AllNormalized(ctx context.Context) ([]listing.NormalizedListing, error)
	CountRaw(ctx context.Context) (int, error)
	CountNormalized(ctx context.Context) (int, error)
}

type statsDTO struct {
	Raw        int `json:"raw"`
	Normalized int `json:"normalized"`
	Pending    int `json:"pending"`
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if _, err := s.reader.CountRaw(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) currentRun(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.progress.Snapshot())
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if !s.requireReader(w) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	raw, err := s.reader.CountRaw(ctx)
	if err != nil {
		s.logger.Error("count raw failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count listings")
		return
	}
	normalized, err := s.reader.CountNormalized(ctx)
	if err != nil {
		s.logger.Error("count normalized failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count listings")
		return
	}
	writeJSON(w, http.StatusOK, statsDTO{Raw: raw, Normalized: normalized, Pending: max(raw-normalized, 0)})
}

// listNormalized handles GET /v1/listings?category=&limit=&offset=.
func (s *Server) listNormalized(w http.ResponseWriter, r *http.Request) {
	if !s.requireReader(w) {
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultListingLimit, maxListingLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	items, err := s.reader.AllNormalized(ctx)
	if err != nil {
		s.logger.Error("list normalized failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list listings")
		return
	}
	if category := strings.TrimSpace(r.URL.Query().Get("category")); category != "" {
		filtered := items[:0]
		for _, it := range items {
			if strings.EqualFold(it.Category, category) {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	total := len(items)
	start := min(offset, total)
	end := min(start+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    total,
		"listings": items[start:end],
	})
}

func (s *Server) getRaw(w http.ResponseWriter, r *http.Request) {
	if !s.requireReader(w) {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "listing_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "listing_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	item, err := s.reader.Raw(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "listing not found")
			return
		}
		s.logger.Error("get listing failed", zap.String("listing_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load listing")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listing": item})
}

// downloadReport streams the spreadsheet built from every normalized listing.
func (s *Server) downloadReport(w http.ResponseWriter, r *http.Request) {
	if !s.requireReader(w) {
		return
	}
	items, err := s.reader.AllNormalized(r.Context())
	if err != nil {
		s.logger.Error("load report rows failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build report")
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusNotFound, "nothing to export")
		return
	}
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="avito_report.xlsx"`)
	if err := report.WriteTo(w, items); err != nil {
		s.logger.Error("stream report failed", zap.Error(err))
	}
}

func (s *Server) requireReader(w http.ResponseWriter) bool {
	if s.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "listing store unavailable")
		return false
	}
	return true
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
