package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/statcache/internal/statcache"
)

const (
	historyTimeout      = 3 * time.Second
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type entryDTO struct {
	Key          string           `json:"key"`
	Source       statcache.Source `json:"source"`
	FetchedAt    time.Time        `json:"fetched_at"`
	TTLMinutes   int              `json:"ttl_minutes"`
	Stale        bool             `json:"stale"`
	AgeSeconds   int64            `json:"age_seconds"`
	RequestedKey string           `json:"requested_key,omitempty"`
	Data         json.RawMessage  `json:"data"`
}

func (s *Server) toDTO(entry statcache.Entry) entryDTO {
	now := s.clock.Now()
	return entryDTO{
		Key:        entry.Key,
		Source:     entry.Source,
		FetchedAt:  entry.FetchedAt,
		TTLMinutes: entry.TTLMinutes,
		Stale:      entry.Source == statcache.SourceStale || !entry.IsFresh(now),
		AgeSeconds: int64(entry.Age(now) / time.Second),
		Data:       entry.Payload,
	}
}

// getEntry handles GET /v1/entries/{key}: 200 with the entry, 404 when no
// data exists, 422 for a key that can never be fetched, 504 when the request
// deadline passes first.
func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	entry, err := s.lookup.GetOrRefresh(r.Context(), key)
	if err != nil {
		s.writeLookupError(w, r, key, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toDTO(entry))
}

// getTodayPredlist serves today's prediction list, falling back to the most
// recent list in the store when today's is unavailable.
func (s *Server) getTodayPredlist(w http.ResponseWriter, r *http.Request) {
	key := statcache.TodayKey(statcache.KindPredictionList, s.clock.Now())
	entry, err := s.lookup.GetOrRefresh(r.Context(), key)
	if err == nil {
		writeJSON(w, http.StatusOK, s.toDTO(entry))
		return
	}
	if r.Context().Err() == nil && errors.Is(err, statcache.ErrNotFound) {
		if latest, ok := statcache.LatestKey(s.store.ListKeys(), statcache.KindPredictionList); ok {
			if fallback, ok := s.store.Get(latest); ok {
				s.logger.Info("serving latest prediction list",
					zap.String("requested", key),
					zap.String("served", latest),
				)
				dto := s.toDTO(fallback.WithSource(statcache.SourceStale))
				dto.RequestedKey = key
				writeJSON(w, http.StatusOK, dto)
				return
			}
		}
	}
	s.writeLookupError(w, r, key, err)
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, key string, err error) {
	status := lookupStatus(r.Context(), err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("lookup failed", zap.String("key", key), zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func lookupStatus(ctx context.Context, err error) int {
	switch {
	case ctx.Err() != nil:
		return http.StatusGatewayTimeout
	case errors.Is(err, statcache.ErrFetchFatal):
		return http.StatusUnprocessableEntity
	case errors.Is(err, statcache.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) listKeys(w http.ResponseWriter, _ *http.Request) {
	keys := s.store.ListKeys()
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":       keys,
		"count":      len(keys),
		"refreshing": s.lookup.RefreshingKeys(),
	})
}

// inspectKey handles GET /debug/keys/{key}?history=N. It never triggers a refresh.
func (s *Server) inspectKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	entry, ok := s.store.Inspect(key)
	refreshing := s.lookup.Refreshing(key)
	if !ok && !refreshing {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	resp := map[string]any{
		"key":        key,
		"refreshing": refreshing,
	}
	if ok {
		resp["entry"] = s.toDTO(entry)
	}
	if s.history != nil {
		limit, err := parseLimit(r.URL.Query().Get("history"), defaultHistoryLimit, maxHistoryLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), historyTimeout)
		defer cancel()
		records, err := s.history.RecentRefreshes(ctx, key, limit)
		if err != nil {
			s.logger.Warn("refresh history unavailable", zap.String("key", key), zap.Error(err))
		} else {
			resp["history"] = records
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) summary(w http.ResponseWriter, _ *http.Request) {
	keys := s.store.ListKeys()
	todayKey := statcache.TodayKey(statcache.KindPredictionList, s.clock.Now())
	_, hasToday := s.store.Inspect(todayKey)
	writeJSON(w, http.StatusOK, map[string]any{
		"keys_count":         len(keys),
		"has_today_predlist": hasToday,
		"today_key":          todayKey,
		"mode":               s.lookup.Mode(),
		"refreshing_count":   len(s.lookup.RefreshingKeys()),
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event feed disabled")
		return
	}
	events := s.events.Events(r.URL.Query().Get("key"))
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func parseLimit(raw string, def, maxLimit int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("history must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}
