// Package api exposes the item lifecycle over HTTP for clients that share
// content and answer follow-up questions, plus an MCP server for agent
// access. Shares land as items; jobs are enqueued so the workers enrich them
// asynchronously.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/sift/internal/item"
	"github.com/kalambet/sift/internal/storage"
)

const (
	maxBodySize      = 10 << 20 // 10MB
	defaultListLimit = 50
	maxListLimit     = 200
)

type AppDeps struct {
	Store storage.Store
	Token string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/items", handleCreateItem(deps))
		r.Get("/items", handleListItems(deps))
		r.Get("/items/{id}", handleGetItem(deps))
		r.Delete("/items/{id}", handleDeleteItem(deps))
		r.Post("/items/{id}/notes", handleCreateNote(deps))
		r.Get("/items/{id}/notes", handleListNotes(deps))
		r.Delete("/items/{id}/follow-up", handleDismissFollowUp(deps))
		r.Post("/items/{id}/hide", handleSetHidden(deps, true))
		r.Post("/items/{id}/unhide", handleSetHidden(deps, false))
		r.Get("/jobs/stats", handleJobStats(deps))
		r.Post("/jobs/{id}/retry", handleRetryJob(deps))
	})

	return r
}

type CreateItemRequest struct {
	Owner   string `json:"owner"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Title   string `json:"title"`
}

// handleCreateItem stores a share and queues its enrichment: analysis first,
// normalization alongside. The normalize job may run before analysis
// completes; it then fails with missing_analysis and the manager re-queues it.
func handleCreateItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req CreateItemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Owner == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner is required")
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		if req.Type == "" {
			req.Type = string(item.TypeText)
		}

		it := item.Item{
			ID:      uuid.New().String(),
			Owner:   req.Owner,
			Type:    item.Type(req.Type),
			Content: req.Content,
			Title:   req.Title,
			Status:  item.StatusNew,
		}
		if err := deps.Store.CreateItem(it); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating item: %v", err)
			return
		}

		for _, jobType := range []string{storage.JobAnalysis, storage.JobNormalize} {
			if _, err := deps.Store.Enqueue(it.ID, it.Owner, jobType, ""); err != nil && !errors.Is(err, storage.ErrDuplicateJob) {
				httpError(w, http.StatusInternalServerError, "api_error", "enqueueing %s: %v", jobType, err)
				return
			}
		}

		created, err := deps.Store.GetItem(it.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading created item: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleListItems(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := item.Status(r.URL.Query().Get("status"))
		if status == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "status query parameter is required")
			return
		}
		if !status.Known() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}

		limit := defaultListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", raw)
				return
			}
			if limit > maxListLimit {
				limit = maxListLimit
			}
		}

		items, err := deps.Store.ItemsByStatus(status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing items: %v", err)
			return
		}
		if items == nil {
			items = []item.Item{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

func handleGetItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		it, err := deps.Store.GetItem(chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "item not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "reading item: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, it)
	}
}

func handleDeleteItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := item.StatusSoftDeleted
		if err := deps.Store.UpdateItem(chi.URLParam(r, "id"), storage.ItemUpdate{Status: &status}); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "item not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "deleting item: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type CreateNoteRequest struct {
	Text      string `json:"text"`
	ImagePath string `json:"image_path"`
	NoteType  string `json:"note_type"`
}

// handleCreateNote attaches a note. A follow-up note on an item waiting in
// follow_up triggers the re-analysis job; on any other status the note is
// just stored.
func handleCreateNote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		it, err := deps.Store.GetItem(chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "item not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "reading item: %v", err)
			return
		}

		var req CreateNoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.NoteType == "" {
			req.NoteType = string(item.NoteContext)
		}

		n := item.Note{
			ID:        uuid.New().String(),
			ItemID:    it.ID,
			Owner:     it.Owner,
			Text:      req.Text,
			ImagePath: req.ImagePath,
			NoteType:  item.NoteType(req.NoteType),
		}
		if !n.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "note needs text or an image")
			return
		}
		if err := deps.Store.CreateNote(n); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating note: %v", err)
			return
		}

		if n.NoteType == item.NoteFollowUp && it.Status == item.StatusFollowUp {
			_, err := deps.Store.Enqueue(it.ID, it.Owner, storage.JobFollowUp, `{"source":"note"}`)
			if err != nil && !errors.Is(err, storage.ErrDuplicateJob) {
				httpError(w, http.StatusInternalServerError, "api_error", "enqueueing follow-up: %v", err)
				return
			}
		}

		writeJSON(w, http.StatusCreated, n)
	}
}

func handleListNotes(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := deps.Store.GetItem(chi.URLParam(r, "id")); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "item not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "reading item: %v", err)
			return
		}

		notes, err := deps.Store.Notes(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing notes: %v", err)
			return
		}
		if notes == nil {
			notes = []item.Note{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"notes": notes})
	}
}

// handleDismissFollowUp closes an open question without an answer: the item
// moves straight to processed.
func handleDismissFollowUp(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		it, err := deps.Store.GetItem(chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "item not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "reading item: %v", err)
			return
		}
		if it.Status != item.StatusFollowUp {
			httpError(w, http.StatusConflict, "invalid_request_error", "item is not waiting on a follow-up")
			return
		}

		status := item.StatusProcessed
		next := "done"
		if err := deps.Store.UpdateItem(it.ID, storage.ItemUpdate{Status: &status, NextStep: &next}); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "dismissing follow-up: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSetHidden(deps AppDeps, hidden bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.UpdateItem(chi.URLParam(r, "id"), storage.ItemUpdate{Hidden: &hidden}); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "item not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "updating item: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleJobStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.JobCounts()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting jobs: %v", err)
			return
		}
		stats := map[string]any{"jobs": counts}

		if owner := r.URL.Query().Get("owner"); owner != "" {
			itemCounts, err := deps.Store.ItemCountsByStatus(owner)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "counting items: %v", err)
				return
			}
			stats["items"] = itemCounts
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleRetryJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.ResetJob(chi.URLParam(r, "id")); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "job not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "retrying job: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
