package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/nugget/persona-agent/internal/agent"
)

// maxTurnBody bounds the request body of a turn.
const maxTurnBody = 1 << 20

// TurnRequest is the body of POST /v1/turn.
type TurnRequest struct {
	Message   string               `json:"message"`
	History   []agent.HistoryEntry `json:"history,omitempty"`
	SessionID string               `json:"session_id,omitempty"`
	Model     string               `json:"model,omitempty"`
}

// TurnResponse is the body returned by POST /v1/turn.
type TurnResponse struct {
	agent.TurnResult
	ResponseHTML string `json:"response_html"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		s.errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTurnBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	res, err := s.runner.RunTurn(r.Context(), agent.Request{
		Message:   req.Message,
		History:   req.History,
		SessionID: req.SessionID,
		Model:     req.Model,
	})

	status := http.StatusOK
	if err != nil {
		if !errors.Is(err, agent.ErrModelUnavailable) || res == nil {
			s.logger.Error("turn failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "turn failed")
			return
		}
		status = http.StatusServiceUnavailable
	}

	resp := TurnResponse{TurnResult: *res, ResponseHTML: s.renderHTML(res.Response)}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, resp, s.logger)
}

// renderHTML converts the reply's markdown for rich clients. A render
// failure leaves the field empty; the plain response is still usable.
func (s *Server) renderHTML(text string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		s.logger.Debug("markdown render failed", "error", err)
		return ""
	}
	return buf.String()
}
