package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chatwire/session-gateway/internal/dispatch"
	"github.com/chatwire/session-gateway/internal/domain"
	"github.com/chatwire/session-gateway/internal/http/response"
	"github.com/chatwire/session-gateway/internal/orchestrator"

	"github.com/go-chi/chi/v5"
)

// SessionHandler maps the HTTP surface onto orchestrator commands. It never
// mutates session state itself.
type SessionHandler struct {
	orch   *orchestrator.Orchestrator
	recent dispatch.RecentEventsStore
}

func NewSessionHandler(orch *orchestrator.Orchestrator, recent dispatch.RecentEventsStore) *SessionHandler {
	return &SessionHandler{orch: orch, recent: recent}
}

type createSessionRequest struct {
	ID string `json:"id"`
}

type sendMessageResponse struct {
	MessageID string `json:"message_id"`
}

func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, r, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON", nil)
			return
		}
	}
	sess, err := h.orch.CreateSession(r.Context(), req.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, sess)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.orch.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, sess)
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.orch.ListSessions())
}

func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON", nil)
		return
	}
	messageID, err := h.orch.SendMessage(r.Context(), chi.URLParam(r, "id"), payload)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, sendMessageResponse{MessageID: messageID})
}

func (h *SessionHandler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.recent.List(r.Context())
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to list recent events", nil)
		return
	}
	if events == nil {
		events = []dispatch.Envelope{}
	}
	response.JSON(w, r, http.StatusOK, events)
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var transportErr *domain.TransportError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		response.Error(w, r, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found", nil)
	case errors.Is(err, domain.ErrAlreadyExists):
		response.Error(w, r, http.StatusConflict, "SESSION_EXISTS", "a session with this id already exists", nil)
	case errors.Is(err, domain.ErrTimeout):
		response.Error(w, r, http.StatusGatewayTimeout, "TIMEOUT", "the operation did not complete within its bound", nil)
	case errors.Is(err, domain.ErrNotConnected):
		response.Error(w, r, http.StatusConflict, "NOT_CONNECTED", "session is not connected", nil)
	case errors.As(err, &transportErr):
		response.Error(w, r, http.StatusBadGateway, "TRANSPORT_FAILURE", transportErr.Error(), nil)
	default:
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
