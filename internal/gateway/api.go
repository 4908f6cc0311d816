package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"channelhub/internal/domain"
	"channelhub/internal/queue"

	"github.com/google/uuid"
)

const maxBodySize = 1 << 20 // 1MB

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET "+s.cfg.MetricsPath, s.metrics.Handler())
	}

	mux.HandleFunc("GET /api/channels", s.handleListChannels)
	mux.HandleFunc("GET /api/channels/{id}", s.handleGetChannel)
	mux.HandleFunc("POST /api/channels/{id}/start", s.handleStartChannel)
	mux.HandleFunc("POST /api/channels/{id}/stop", s.handleStopChannel)
	mux.HandleFunc("GET /api/bots", s.handleBots)

	if s.queue != nil {
		mux.HandleFunc("POST /api/pubsub", s.handleCreateRecord)
		mux.HandleFunc("GET /api/pubsub/active", s.handleActiveRecords)
		mux.HandleFunc("GET /api/pubsub/{id}", s.handleGetRecord)
		mux.HandleFunc("POST /api/pubsub/{id}/complete", s.handleCompleteRecord)
		mux.HandleFunc("POST /api/orders", s.handleCreateOrder)
	}
	if s.orders != nil {
		mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	}
	if s.messages != nil {
		mux.HandleFunc("GET /api/messages", s.handleFindMessage)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.size(),
		"channels":    len(s.registry.List()),
	})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ch, ok := s.registry.Snapshot(id)
	if !ok {
		s.writeError(w, &domain.NotFoundError{Kind: "channel", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleStartChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.registry.Start(id)
	ch, _ := s.registry.Snapshot(id)
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleStopChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.registry.Stop(id) {
		s.writeError(w, &domain.NotFoundError{Kind: "channel", ID: id})
		return
	}
	ch, _ := s.registry.Snapshot(id)
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Bots())
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var req queue.CreateRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.queue.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleActiveRecords(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseTaskKind(r.URL.Query().Get("kind"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	recs, err := s.queue.GetActive(r.Context(), kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.PubSubRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCompleteRecord(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseTaskKind(r.URL.Query().Get("kind"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.queue.MarkComplete(r.Context(), r.PathValue("id"), kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// orderCreated is the response of POST /api/orders.
type orderCreated struct {
	Order  *domain.Order       `json:"order,omitempty"`
	Record domain.PubSubRecord `json:"record"`
}

// handleCreateOrder ingests a work item: the order and its queue record are
// created under one id, generated when the caller sends none.
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req queue.CreateRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	rec, err := s.queue.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := orderCreated{Record: rec}
	if s.orders != nil {
		order, err := s.orders.GetOrder(r.Context(), rec.ID)
		if err != nil {
			s.logger.Warn("read back order failed", "id", rec.ID, "err", err)
		} else {
			resp.Order = order
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleFindMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.messages.FindByRequestID(r.Context(), r.URL.Query().Get("requestId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return &domain.ValidationError{Field: "body", Reason: "unreadable or too large"}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &domain.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case domain.IsValidation(err):
		status = http.StatusBadRequest
	case domain.IsNotFound(err):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", "err", err)
	}
	msg := err.Error()
	var pe *domain.PersistenceError
	if errors.As(err, &pe) {
		msg = pe.Op + " failed"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
