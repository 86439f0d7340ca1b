package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"blemesh-relay/internal/relay"
	"blemesh-relay/internal/store"
	"blemesh-relay/internal/transport"
)

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status.Current())
}

func (s *Server) handleAPIListMessages(w http.ResponseWriter, r *http.Request) {
	var (
		msgs []*store.QueuedMessage
		err  error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := store.MessageStatus(raw)
		switch st {
		case store.StatusPending, store.StatusSending, store.StatusRetrying, store.StatusFailed, store.StatusDelivered:
		default:
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status: " + raw})
			return
		}
		msgs, err = s.queue.ListByStatus(st)
	} else {
		msgs, err = s.queue.List()
	}
	if err != nil {
		s.logger.Error("list messages", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if msgs == nil {
		msgs = []*store.QueuedMessage{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

type enqueueRequest struct {
	ID         string `json:"id,omitempty"`
	Recipient  string `json:"recipient"`
	Content    string `json:"content"`
	Priority   string `json:"priority,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	Relay      *struct {
		HopCount int `json:"hop_count"`
		TTL      int `json:"ttl"`
	} `json:"relay,omitempty"`
}

func (s *Server) handleAPIEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Recipient == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "recipient is required"})
		return
	}

	msg := &store.QueuedMessage{
		ID:           req.ID,
		RecipientKey: req.Recipient,
		Content:      []byte(req.Content),
		MaxRetries:   req.MaxRetries,
	}
	if req.Priority != "" {
		p, err := store.ParsePriority(req.Priority)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		msg.Priority = p
	}
	if req.Relay != nil {
		msg.IsRelay = true
		msg.Relay = &store.RelayMetadata{
			HopCount: req.Relay.HopCount,
			TTL:      req.Relay.TTL,
		}
	}

	queued, err := s.coord.Enqueue(msg)
	switch {
	case errors.Is(err, store.ErrDuplicateID):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "duplicate message id"})
		return
	case errors.Is(err, relay.ErrTTLExceeded):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "relay hop budget exceeded"})
		return
	case err != nil:
		s.logger.Error("enqueue message", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusCreated, queued)
}

func (s *Server) handleAPIGetMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msg, err := s.queue.Get(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "message not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleAPIRemoveMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.coord.RemoveMessage(id) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "message not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRetryMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.coord.RetryMessage(id) {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "message not found or not in failed state"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRetryAll(w http.ResponseWriter, r *http.Request) {
	count := s.coord.RetryAllMessages()
	s.writeJSON(w, http.StatusOK, map[string]int{"retried": count})
}

type setPriorityRequest struct {
	Priority string `json:"priority"`
}

func (s *Server) handleAPISetPriority(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req setPriorityRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	p, err := store.ParsePriority(req.Priority)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if !s.coord.SetPriority(id, p) {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "message not found or not reprioritizable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "priority": p.String()})
}

func (s *Server) handleAPIScanStatus(w http.ResponseWriter, r *http.Request) {
	if s.scan == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "scanning disabled"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.scan.Status())
}

func (s *Server) handleAPITriggerScan(w http.ResponseWriter, r *http.Request) {
	if s.scan == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "scanning disabled"})
		return
	}
	accepted := s.scan.CanOverride()
	s.scan.TriggerManualScan()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"accepted": accepted,
	})
}

func (s *Server) handleAPIPeers(w http.ResponseWriter, r *http.Request) {
	peers := []transport.Peer{}
	if s.peers != nil {
		if p := s.peers.Peers(); p != nil {
			peers = p
		}
	}
	s.writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
