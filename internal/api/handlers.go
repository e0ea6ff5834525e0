// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package api

import (
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/tomtom215/sessionwatch/internal/history"
	"github.com/tomtom215/sessionwatch/internal/logging"
	"github.com/tomtom215/sessionwatch/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// maxHistoryLimit caps a single history page.
const maxHistoryLimit = 1000

type healthResponse struct {
	Status          string `json:"status"`
	TrackedSessions int    `json:"tracked_sessions"`
	PushFellBack    bool   `json:"push_fell_back"`
	HistoryEntries  int64  `json:"history_entries"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:          "ok",
		TrackedSessions: s.store.Len(),
	}
	if s.push != nil {
		resp.PushFellBack = s.push.FellBack()
	}

	count, err := s.history.Count(r.Context())
	if err != nil {
		logging.Warn().Err(err).Msg("Health check could not count history entries")
		resp.Status = "degraded"
	} else {
		resp.HistoryEntries = count
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleActivity returns the sessions currently tracked by the
// reconciler, including latch state and accumulated counters.
func (s *Server) handleActivity(w http.ResponseWriter, _ *http.Request) {
	sessions := s.store.All()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	filter, err := historyFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	entries, err := s.history.ListEntries(r.Context(), filter)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list history entries")
		writeError(w, http.StatusInternalServerError, "query_failed", "failed to query history")
		return
	}

	total, err := s.history.Count(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to count history entries")
		writeError(w, http.StatusInternalServerError, "query_failed", "failed to query history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
		"entries": entries,
	})
}

func historyFilterFromQuery(r *http.Request) (history.Filter, error) {
	q := r.URL.Query()
	filter := history.Filter{
		Username: q.Get("user"),
	}

	if mt := q.Get("media_type"); mt != "" {
		switch models.MediaType(mt) {
		case models.MediaTypeMovie, models.MediaTypeEpisode, models.MediaTypeTrack:
			filter.MediaType = models.MediaType(mt)
		default:
			return filter, errInvalidParam("media_type", mt)
		}
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			return filter, errInvalidParam("limit", raw)
		}
		filter.Limit = n
	}

	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, errInvalidParam("offset", raw)
		}
		filter.Offset = n
	}

	return filter, nil
}

type paramError struct {
	name, value string
}

func errInvalidParam(name, value string) error { return &paramError{name: name, value: value} }

func (e *paramError) Error() string {
	return "invalid value " + strconv.Quote(e.value) + " for parameter " + strconv.Quote(e.name)
}

// handleHistoryRemap applies an old->new rating key rewrite after a Plex
// library rescan renumbered media items.
func (s *Server) handleHistoryRemap(w http.ResponseWriter, r *http.Request) {
	var remap models.RatingKeyRemap
	if err := json.NewDecoder(r.Body).Decode(&remap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}
	if err := validate.Struct(remap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_remap", err.Error())
		return
	}

	rows, err := s.history.RemapRatingKeys(r.Context(), remap)
	if err != nil {
		logging.Error().Err(err).Str("media_type", string(remap.MediaType)).Msg("Rating key remap failed")
		writeError(w, http.StatusInternalServerError, "remap_failed", "failed to remap rating keys")
		return
	}

	logging.Info().
		Str("media_type", string(remap.MediaType)).
		Int("mappings", len(remap.Mapping)).
		Int64("rows", rows).
		Msg("Remapped rating keys")
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows_updated": rows})
}

// handleHistoryPurge deletes all history rows. The confirm=true query
// parameter is required so the endpoint cannot be triggered by a stray
// DELETE.
func (s *Server) handleHistoryPurge(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeError(w, http.StatusBadRequest, "confirmation_required", "pass confirm=true to purge all history")
		return
	}

	rows, err := s.history.PurgeAll(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("History purge failed")
		writeError(w, http.StatusInternalServerError, "purge_failed", "failed to purge history")
		return
	}

	logging.Info().Int64("rows", rows).Msg("Purged playback history")
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows_deleted": rows})
}
