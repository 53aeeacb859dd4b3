package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/spaquet/convoguard/internal/conversation"
	"github.com/spaquet/convoguard/internal/convstore"
	"github.com/spaquet/convoguard/internal/monitor"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type handlers struct {
	store   *convstore.Store
	mgr     *conversation.Manager
	mon     *monitor.Service
	version string
	log     *slog.Logger
}

type errorBody struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	Reason         string `json:"reason,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	CallID         string `json:"call_id,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP. Anything untyped is an
// internal error and its details stay out of the response body.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if ie, ok := conversation.AsIntegrityError(err); ok {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: errorBody{
			Code:           "conversation_integrity",
			Message:        ie.Error(),
			Reason:         ie.Reason,
			ConversationID: ie.ConversationID,
		}})
		return
	}
	if re, ok := conversation.AsRejectError(err); ok {
		writeJSON(w, http.StatusConflict, errorEnvelope{Error: errorBody{
			Code:    "turn_rejected",
			Message: re.Error(),
			Reason:  re.Reason,
			CallID:  re.CallID,
		}})
		return
	}
	if errors.Is(err, conversation.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorEnvelope{Error: errorBody{
			Code:    "not_found",
			Message: "resource not found",
		}})
		return
	}

	h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: errorBody{
		Code:    "internal",
		Message: "internal error",
	}})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{
		Code:    "bad_request",
		Message: msg,
	}})
}

func pageSize(r *http.Request) int {
	limit := defaultPageSize
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit
}

type createConversationRequest struct {
	Title  string `json:"title"`
	UserID string `json:"user_id"`
}

func (h *handlers) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		badRequest(w, "missing user_id")
		return
	}

	conv, err := h.mgr.CreateConversation(r.Context(), req.Title, conversation.Actor{UserID: req.UserID})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *handlers) handleListConversations(w http.ResponseWriter, r *http.Request) {
	cursor, ok := convstore.DecodeCursor(r.URL.Query().Get("cursor"))
	if !ok {
		badRequest(w, "invalid cursor")
		return
	}

	convs, next, err := h.store.ListConversations(r.Context(), pageSize(r), cursor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": convs,
		"next_cursor":   next,
	})
}

func (h *handlers) handleInspect(w http.ResponseWriter, r *http.Request) {
	diag, err := h.mgr.Inspect(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

type recordTurnRequest struct {
	UserID     string `json:"user_id"`
	Role       string `json:"role"`
	Text       string `json:"text"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolCalls  []struct {
		CallID   string          `json:"call_id"`
		ToolName string          `json:"tool_name"`
		Args     json.RawMessage `json:"args,omitempty"`
	} `json:"tool_calls,omitempty"`
}

func (h *handlers) handleRecordTurn(w http.ResponseWriter, r *http.Request) {
	var req recordTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		badRequest(w, "missing user_id")
		return
	}
	if strings.TrimSpace(req.Role) == "" {
		badRequest(w, "missing role")
		return
	}

	turn := convstore.Turn{
		Role:        req.Role,
		ToolCallID:  req.ToolCallID,
		TextContent: req.Text,
	}
	var requests []convstore.ToolCallRequest
	for _, tc := range req.ToolCalls {
		args := "{}"
		if len(tc.Args) > 0 {
			args = string(tc.Args)
		}
		requests = append(requests, convstore.ToolCallRequest{
			CallID:   tc.CallID,
			ToolName: tc.ToolName,
			ArgsJSON: args,
		})
	}

	receipt, err := h.mgr.RecordTurn(r.Context(), r.PathValue("id"), turn, requests, conversation.Actor{UserID: req.UserID})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if conv == nil {
		h.writeError(w, r, conversation.ErrNotFound)
		return
	}

	var turns []convstore.Turn
	if raw := strings.TrimSpace(r.URL.Query().Get("after_id")); raw != "" {
		afterID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(w, "invalid after_id")
			return
		}
		turns, err = h.store.ListTurnsSince(r.Context(), id, afterID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	} else {
		turns, err = h.store.ListRecentTurns(r.Context(), id, pageSize(r))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

type checkpointView struct {
	Name            string `json:"name"`
	MessageCount    int64  `json:"message_count"`
	ToolCallCount   int64  `json:"tool_call_count"`
	ConvState       string `json:"conv_state"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

func (h *handlers) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if conv == nil {
		h.writeError(w, r, conversation.ErrNotFound)
		return
	}

	cps, err := h.store.ListCheckpoints(r.Context(), id, pageSize(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// Snapshot payloads never leave the store through this API.
	views := make([]checkpointView, 0, len(cps))
	for _, cp := range cps {
		views = append(views, checkpointView{
			Name:            cp.Name,
			MessageCount:    cp.MessageCount,
			ToolCallCount:   cp.ToolCallCount,
			ConvState:       cp.ConvState,
			CreatedAtUnixMs: cp.CreatedAtUnixMs,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": views})
}

type restoreRequest struct {
	UserID         string `json:"user_id"`
	CheckpointName string `json:"checkpoint_name,omitempty"`
}

func (h *handlers) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		badRequest(w, "missing user_id")
		return
	}

	id := r.PathValue("id")
	if err := h.mgr.ForceRestore(r.Context(), id, req.CheckpointName, conversation.Actor{UserID: req.UserID}); err != nil {
		h.writeError(w, r, err)
		return
	}
	diag, err := h.mgr.Inspect(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

func (h *handlers) handleReset(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		badRequest(w, "missing user_id")
		return
	}

	id := r.PathValue("id")
	if err := h.mgr.Reset(r.Context(), id, conversation.Actor{UserID: req.UserID}); err != nil {
		h.writeError(w, r, err)
		return
	}
	diag, err := h.mgr.Inspect(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"version": h.version,
	}
	if h.mon != nil {
		resp["host"] = h.mon.Snapshot(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}
