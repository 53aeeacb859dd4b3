package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaquet/convoguard/internal/conversation"
	"github.com/spaquet/convoguard/internal/convstore"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := convstore.Open(filepath.Join(t.TempDir(), "convoguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mgr := conversation.NewManager(store, conversation.Policy{}, log)

	srv := NewServer(store, mgr, nil, "test", "127.0.0.1:0", log)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func createTestConversation(t *testing.T, ts *httptest.Server) string {
	t.Helper()

	resp := postJSON(t, ts.URL+"/api/conversations", map[string]any{
		"title":   "test",
		"user_id": "user_1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decode[convstore.Conversation](t, resp)
	require.NotEmpty(t, conv.ConversationID)
	return conv.ConversationID
}

func TestCreateAndInspectConversation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	id := createTestConversation(t, ts)

	resp, err := http.Get(ts.URL + "/api/conversations/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	diag := decode[conversation.Diagnostics](t, resp)
	assert.Equal(t, convstore.StateStable, diag.State)
	assert.Zero(t, diag.MessageCount)
}

func TestCreateConversationRequiresUser(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/conversations", map[string]any{"title": "anon"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecordTurnFlow(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	id := createTestConversation(t, ts)
	turnsURL := fmt.Sprintf("%s/api/conversations/%s/turns", ts.URL, id)

	resp := postJSON(t, turnsURL, map[string]any{
		"user_id": "user_1",
		"role":    "user",
		"text":    "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	receipt := decode[conversation.Receipt](t, resp)
	assert.Equal(t, convstore.StateStable, receipt.State)

	// Assistant issues a tool call: the conversation goes pending.
	resp = postJSON(t, turnsURL, map[string]any{
		"user_id": "user_1",
		"role":    "assistant",
		"text":    "let me check",
		"tool_calls": []map[string]any{
			{"call_id": "call_1", "tool_name": "search", "args": map[string]any{"q": "go"}},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	receipt = decode[conversation.Receipt](t, resp)
	assert.Equal(t, convstore.StatePending, receipt.State)

	resp = postJSON(t, turnsURL, map[string]any{
		"user_id":      "user_1",
		"role":         "tool",
		"tool_call_id": "call_1",
		"text":         `{"result":"ok"}`,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	receipt = decode[conversation.Receipt](t, resp)
	assert.Equal(t, convstore.StateStable, receipt.State)
}

func TestDuplicateToolResultConflicts(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	id := createTestConversation(t, ts)
	turnsURL := fmt.Sprintf("%s/api/conversations/%s/turns", ts.URL, id)

	resp := postJSON(t, turnsURL, map[string]any{
		"user_id": "user_1",
		"role":    "assistant",
		"tool_calls": []map[string]any{
			{"call_id": "call_1", "tool_name": "search"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := map[string]any{
		"user_id":      "user_1",
		"role":         "tool",
		"tool_call_id": "call_1",
		"text":         "ok",
	}
	resp = postJSON(t, turnsURL, result)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, turnsURL, result)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	envelope := decode[errorEnvelope](t, resp)
	assert.Equal(t, "turn_rejected", envelope.Error.Code)
	assert.Equal(t, conversation.ReasonDuplicateToolCallID, envelope.Error.Reason)
	assert.Equal(t, "call_1", envelope.Error.CallID)
}

func TestInspectMissingIs404(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/conversations/conv_missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	envelope := decode[errorEnvelope](t, resp)
	assert.Equal(t, "not_found", envelope.Error.Code)
}

func TestHistoryAndCheckpointViews(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	id := createTestConversation(t, ts)
	turnsURL := fmt.Sprintf("%s/api/conversations/%s/turns", ts.URL, id)

	for _, text := range []string{"one", "two"} {
		resp := postJSON(t, turnsURL, map[string]any{
			"user_id": "user_1",
			"role":    "user",
			"text":    text,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := http.Get(turnsURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	history := decode[struct {
		Turns []convstore.Turn `json:"turns"`
	}](t, resp)
	require.Len(t, history.Turns, 2)
	assert.Equal(t, "one", history.Turns[0].TextContent)

	resp, err = http.Get(fmt.Sprintf("%s/api/conversations/%s/checkpoints", ts.URL, id))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cps := decode[struct {
		Checkpoints []checkpointView `json:"checkpoints"`
	}](t, resp)
	require.NotEmpty(t, cps.Checkpoints)
	// The view never carries snapshot contents.
	raw, err := json.Marshal(cps)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "snapshot")
}

func TestResetEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	id := createTestConversation(t, ts)
	turnsURL := fmt.Sprintf("%s/api/conversations/%s/turns", ts.URL, id)

	resp := postJSON(t, turnsURL, map[string]any{
		"user_id": "user_1",
		"role":    "user",
		"text":    "wipe me",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, fmt.Sprintf("%s/api/conversations/%s/reset", ts.URL, id), map[string]any{
		"user_id": "operator",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	diag := decode[conversation.Diagnostics](t, resp)
	assert.Equal(t, convstore.StateStable, diag.State)
	assert.Zero(t, diag.MessageCount)
}
