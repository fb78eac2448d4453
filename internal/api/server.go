// Package api exposes a small ops surface: health, task inspection,
// campaign progress and a manual re-run trigger. Campaign CRUD itself
// belongs to the admin backend, not this service.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sendflow/internal/campaign"
	"sendflow/internal/queue"
	"sendflow/internal/store"
)

type Server struct {
	r     *chi.Mux
	store *store.Store
	queue queue.Repository
}

func NewServer(st *store.Store, q queue.Repository) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, queue: q}

	r.Get("/health", s.health)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Get("/api/campaigns/{id}", s.getCampaign)
	r.Post("/api/campaigns/{id}/process", s.processCampaign)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.queue.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, map[string]any{
		"id":          t.ID,
		"kind":        t.Kind,
		"state":       t.State,
		"group":       t.Group,
		"next_run_at": t.NextRunAt.Format(time.RFC3339),
		"error":       t.Error,
	})
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", 400)
		return
	}
	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	eligible, err := s.store.CountEligibleContacts(r.Context(), c.ContactListID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	delivered, err := s.store.CountDelivered(r.Context(), c.ID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	pending, err := s.store.CountConfirmationRequested(r.Context(), c.ID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	records, err := s.store.CountShipping(r.Context(), c.ID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	resp := map[string]any{
		"id":     c.ID,
		"name":   c.Name,
		"status": c.Status,
		"stats": map[string]int{
			"eligible":             eligible,
			"records":              records,
			"delivered":            delivered,
			"confirmation_pending": pending,
		},
	}
	if c.ScheduledAt != nil {
		resp["scheduled_at"] = c.ScheduledAt.Format(time.RFC3339)
	}
	if c.CompletedAt != nil {
		resp["completed_at"] = c.CompletedAt.Format(time.RFC3339)
	}
	writeJSON(w, 200, resp)
}

type processResp struct {
	TaskID string `json:"task_id"`
}

// processCampaign enqueues an immediate re-run of the expansion step. Safe
// to call on a partially dispatched campaign: preparation is idempotent.
func (s *Server) processCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", 400)
		return
	}
	if _, err := s.store.GetCampaign(r.Context(), id); err != nil {
		http.Error(w, "not found", 404)
		return
	}
	payload, err := json.Marshal(map[string]int64{"campaign_id": id, "delay_ms": 0})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	taskID, err := s.queue.Enqueue(r.Context(), campaign.TaskProcess, payload, queue.Options{DeleteOnComplete: true})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, processResp{TaskID: taskID})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
