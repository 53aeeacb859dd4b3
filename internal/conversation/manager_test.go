package conversation

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaquet/convoguard/internal/convstore"
)

func newTestManager(t *testing.T, policy Policy) (*Manager, *convstore.Store) {
	t.Helper()

	store, err := convstore.Open(filepath.Join(t.TempDir(), "convoguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(store, policy, log), store
}

func createConversation(t *testing.T, m *Manager) string {
	t.Helper()

	conv, err := m.CreateConversation(context.Background(), "test", Actor{UserID: "user_1"})
	require.NoError(t, err)
	require.NotNil(t, conv)
	return conv.ConversationID
}

func userTurn(text string) convstore.Turn {
	return convstore.Turn{Role: convstore.RoleUser, TextContent: text}
}

func assistantCall(callIDs ...string) (convstore.Turn, []convstore.ToolCallRequest) {
	reqs := make([]convstore.ToolCallRequest, 0, len(callIDs))
	for _, id := range callIDs {
		reqs = append(reqs, convstore.ToolCallRequest{CallID: id, ToolName: "search", ArgsJSON: "{}"})
	}
	return convstore.Turn{Role: convstore.RoleAssistant, TextContent: "working"}, reqs
}

func toolResult(callID string) convstore.Turn {
	return convstore.Turn{Role: convstore.RoleTool, ToolCallID: callID, TextContent: "ok"}
}

func TestRecordTurnHappyPath(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Policy{})
	ctx := context.Background()
	actor := Actor{UserID: "user_1"}

	id := createConversation(t, m)

	// First turn: stable, and the very first checkpoint is captured.
	receipt, err := m.RecordTurn(ctx, id, userTurn("hello"), nil, actor)
	require.NoError(t, err)
	assert.Equal(t, convstore.StateStable, receipt.State)
	assert.True(t, receipt.CheckpointCreated)

	// Assistant issues a tool call: pending, recovery context opened.
	turn, reqs := assistantCall("call_1")
	receipt, err = m.RecordTurn(ctx, id, turn, reqs, actor)
	require.NoError(t, err)
	assert.Equal(t, convstore.StatePending, receipt.State)

	has, err := store.HasRecoveryContext(ctx, id)
	require.NoError(t, err)
	assert.True(t, has)

	// Result lands: stable again, recovery context resolved.
	receipt, err = m.RecordTurn(ctx, id, toolResult("call_1"), nil, actor)
	require.NoError(t, err)
	assert.Equal(t, convstore.StateStable, receipt.State)

	has, err = store.HasRecoveryContext(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)

	diag, err := m.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, convstore.StateStable, diag.State)
	assert.EqualValues(t, 3, diag.MessageCount)
	assert.False(t, diag.OpenRecovery)
	assert.Greater(t, diag.LastStableAtUnixMs, int64(0))
}

func TestCheckpointDebounce(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Policy{CheckpointMinTurnDelta: 3})
	ctx := context.Background()
	actor := Actor{UserID: "user_1"}

	id := createConversation(t, m)

	receipt, err := m.RecordTurn(ctx, id, userTurn("one"), nil, actor)
	require.NoError(t, err)
	assert.True(t, receipt.CheckpointCreated, "first stable turn captures")

	receipt, err = m.RecordTurn(ctx, id, userTurn("two"), nil, actor)
	require.NoError(t, err)
	assert.False(t, receipt.CheckpointCreated, "inside the debounce window")

	receipt, err = m.RecordTurn(ctx, id, userTurn("three"), nil, actor)
	require.NoError(t, err)
	assert.False(t, receipt.CheckpointCreated)

	receipt, err = m.RecordTurn(ctx, id, userTurn("four"), nil, actor)
	require.NoError(t, err)
	assert.True(t, receipt.CheckpointCreated, "delta reached")
}

func TestRecordTurnRejectsDuplicateResult(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Policy{})
	ctx := context.Background()
	actor := Actor{UserID: "user_1"}

	id := createConversation(t, m)

	turn, reqs := assistantCall("call_1")
	_, err := m.RecordTurn(ctx, id, turn, reqs, actor)
	require.NoError(t, err)
	_, err = m.RecordTurn(ctx, id, toolResult("call_1"), nil, actor)
	require.NoError(t, err)

	_, err = m.RecordTurn(ctx, id, toolResult("call_1"), nil, actor)
	re, ok := AsRejectError(err)
	require.True(t, ok, "want RejectError, got %v", err)
	assert.Equal(t, ReasonDuplicateToolCallID, re.Reason)
	assert.Equal(t, "call_1", re.CallID)

	// The rejected append must not be persisted and the conversation stays
	// stable.
	count, err := store.CountActiveTurns(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	diag, err := m.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, convstore.StateStable, diag.State)
}

func TestRecordTurnRejectsOrphanResult(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Policy{})
	ctx := context.Background()
	actor := Actor{UserID: "user_1"}

	id := createConversation(t, m)

	_, err := m.RecordTurn(ctx, id, toolResult("call_nobody_asked"), nil, actor)
	re, ok := AsRejectError(err)
	require.True(t, ok, "want RejectError, got %v", err)
	assert.Equal(t, ReasonOrphanedToolResult, re.Reason)
}

func TestRecordTurnRejectsDuplicateRequestID(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Policy{})
	ctx := context.Background()
	actor := Actor{UserID: "user_1"}

	id := createConversation(t, m)

	turn, reqs := assistantCall("call_1")
	_, err := m.RecordTurn(ctx, id, turn, reqs, actor)
	require.NoError(t, err)

	turn2, reqs2 := assistantCall("call_1")
	_, err = m.RecordTurn(ctx, id, turn2, reqs2, actor)
	re, ok := AsRejectError(err)
	require.True(t, ok, "want RejectError, got %v", err)
	assert.Equal(t, ReasonDuplicateToolCallID, re.Reason)
}

func TestPromoteAbandonsTailBatch(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Policy{GraceWindow: time.Minute})
	ctx := context.Background()
	actor := Actor{UserID: "user_1"}

	id := createConversation(t, m)

	turn, reqs := assistantCall("call_1", "call_2")
	receipt, err := m.RecordTurn(ctx, id, turn, reqs, actor)
	require.NoError(t, err)
	require.Equal(t, convstore.StatePending, receipt.State)

	// Inside the grace window promotion is a no-op.
	receipt, err = m.PromotePending(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, convstore.StatePending, receipt.State)

	// Past the grace window the dangling batch is the log tail, so repair
	// abandons the calls and the conversation returns to stable.
	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	receipt, err = m.PromotePending(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, convstore.StateStable, receipt.State)
	assert.True(t, receipt.Repaired)

	open, err := store.ListOpenToolCallRequests(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, open)

	has, err := store.HasRecoveryContext(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPromoteRestoresWhenConfigured(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Policy{GraceWindow: time.Minute, RepairStrategy: RepairStrategyRestore})
	ctx := context.Background()
	actor := Actor{UserID: "user_1"}

	id := createConversation(t, m)

	// Stable prefix with a checkpoint.
	_, err := m.RecordTurn(ctx, id, userTurn("hello"), nil, actor)
	require.NoError(t, err)

	// Partially answered batch: one of two calls lands.
	turn, reqs := assistantCall("call_a", "call_b")
	_, err = m.RecordTurn(ctx, id, turn, reqs, actor)
	require.NoError(t, err)
	_, err = m.RecordTurn(ctx, id, toolResult("call_a"), nil, actor)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	receipt, err := m.PromotePending(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, convstore.StateStable, receipt.State)
	assert.True(t, receipt.Repaired)

	// The log is back to the checkpointed prefix.
	count, err := store.CountActiveTurns(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestRepairRefusesToDiscardUserTurns(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Policy{GraceWindow: time.Minute, RepairStrategy: RepairStrategyRestore})
	ctx := context.Background()
	actor := Actor{UserID: "user_1"}

	id := createConversation(t, m)

	_, err := m.RecordTurn(ctx, id, userTurn("hello"), nil, actor)
	require.NoError(t, err)

	turn, reqs := assistantCall("call_a")
	_, err = m.RecordTurn(ctx, id, turn, reqs, actor)
	require.NoError(t, err)

	// User keeps talking past the dangling batch; restoring the checkpoint
	// would discard that turn, which default policy refuses.
	_, err = m.RecordTurn(ctx, id, userTurn("are you there?"), nil, actor)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	_, err = m.PromotePending(ctx, id)
	ie, ok := AsIntegrityError(err)
	require.True(t, ok, "want IntegrityError, got %v", err)
	assert.Equal(t, ReasonWouldDiscardUserContent, ie.Reason)

	diag, err := m.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, convstore.StateCorrupted, diag.State)
	assert.Equal(t, ReasonWouldDiscardUserContent, diag.CorruptReason)
}

func TestRepairDiscardsUserTurnsWhenAllowed(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Policy{
		GraceWindow:           time.Minute,
		RepairStrategy:        RepairStrategyRestore,
		AllowDiscardUserTurns: true,
	})
	ctx := context.Background()
	actor := Actor{UserID: "user_1"}

	id := createConversation(t, m)

	_, err := m.RecordTurn(ctx, id, userTurn("hello"), nil, actor)
	require.NoError(t, err)

	turn, reqs := assistantCall("call_a")
	_, err = m.RecordTurn(ctx, id, turn, reqs, actor)
	require.NoError(t, err)
	_, err = m.RecordTurn(ctx, id, userTurn("still here"), nil, actor)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	receipt, err := m.PromotePending(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, convstore.StateStable, receipt.State)

	count, err := store.CountActiveTurns(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestNoCheckpointMeansCorrupted(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Policy{GraceWindow: time.Minute})
	ctx := context.Background()
	actor := Actor{UserID: "user_1"}

	id := createConversation(t, m)

	// The dangling batch is the very first activity: no checkpoint exists,
	// and the user talks past it so abandoning the tail is not legal.
	turn, reqs := assistantCall("call_a")
	_, err := m.RecordTurn(ctx, id, turn, reqs, actor)
	require.NoError(t, err)
	_, err = m.RecordTurn(ctx, id, userTurn("hello?"), nil, actor)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	_, err = m.PromotePending(ctx, id)
	ie, ok := AsIntegrityError(err)
	require.True(t, ok, "want IntegrityError, got %v", err)
	assert.Equal(t, ReasonNoCheckpoint, ie.Reason)

	// Once corrupted, appends fail with the typed error until an operator
	// intervenes.
	_, err = m.RecordTurn(ctx, id, userTurn("anyone?"), nil, actor)
	ie, ok = AsIntegrityError(err)
	require.True(t, ok, "want IntegrityError, got %v", err)
	assert.Equal(t, id, ie.ConversationID)

	// Reset is the way out.
	require.NoError(t, m.Reset(ctx, id, actor))
	diag, err := m.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, convstore.StateStable, diag.State)
	assert.EqualValues(t, 0, diag.MessageCount)

	_, err = m.RecordTurn(ctx, id, userTurn("fresh start"), nil, actor)
	require.NoError(t, err)
}

func TestForceRestore(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Policy{})
	ctx := context.Background()
	actor := Actor{UserID: "operator"}

	id := createConversation(t, m)

	_, err := m.RecordTurn(ctx, id, userTurn("hello"), nil, actor)
	require.NoError(t, err)

	_, err = m.RecordTurn(ctx, id, userTurn("scribble"), nil, actor)
	require.NoError(t, err)

	require.NoError(t, m.ForceRestore(ctx, id, "latest", actor))

	diag, err := m.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, convstore.StateStable, diag.State)

	// Restoring to an unknown checkpoint is a not-found error.
	err = m.ForceRestore(ctx, id, "cp_99999999", actor)
	assert.ErrorIs(t, err, ErrNotFound)

	// Restore on a missing conversation likewise.
	err = m.ForceRestore(ctx, "conv_missing", "latest", actor)
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := store.CountActiveTurns(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count, "restore truncates back to the checkpoint")
}

func TestResetDropsCheckpoints(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Policy{CheckpointMinTurnDelta: 1})
	ctx := context.Background()
	actor := Actor{UserID: "user_1"}

	id := createConversation(t, m)

	for _, text := range []string{"one", "two", "three"} {
		_, err := m.RecordTurn(ctx, id, userTurn(text), nil, actor)
		require.NoError(t, err)
	}
	cpCount, err := store.CountCheckpoints(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 3, cpCount)

	require.NoError(t, m.Reset(ctx, id, actor))

	// Pre-reset checkpoints describe discarded states; none may survive, and a
	// restore attempt must say so instead of resurfacing a stale watermark.
	cpCount, err = store.CountCheckpoints(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 0, cpCount)

	err = m.ForceRestore(ctx, id, "latest", actor)
	assert.ErrorIs(t, err, ErrNotFound)

	// A fresh capture after the reset describes the live log, not the old one.
	receipt, err := m.RecordTurn(ctx, id, userTurn("fresh"), nil, actor)
	require.NoError(t, err)
	assert.True(t, receipt.CheckpointCreated)

	cp, err := store.LatestCheckpoint(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cp)
	count, err := store.CountActiveTurns(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, count, cp.MessageCount)
}

func TestBlockedResultLeavesRequestDangling(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Policy{})
	ctx := context.Background()
	actor := Actor{UserID: "user_1"}

	id := createConversation(t, m)

	turn, reqs := assistantCall("call_1")
	_, err := m.RecordTurn(ctx, id, turn, reqs, actor)
	require.NoError(t, err)

	// A moderation-blocked result does not pair with the request: the
	// conversation stays pending, not stable.
	blocked := convstore.Turn{Role: convstore.RoleTool, ToolCallID: "call_1", Blocked: true, TextContent: "redacted"}
	receipt, err := m.RecordTurn(ctx, id, blocked, nil, actor)
	require.NoError(t, err)
	assert.Equal(t, convstore.StatePending, receipt.State)

	open, err := store.ListOpenToolCallRequests(ctx, id)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "call_1", open[0].CallID)

	has, err := store.HasRecoveryContext(ctx, id)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestConcurrentDuplicateResults(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Policy{})
	ctx := context.Background()
	actor := Actor{UserID: "user_1"}

	id := createConversation(t, m)

	turn, reqs := assistantCall("call_1")
	_, err := m.RecordTurn(ctx, id, turn, reqs, actor)
	require.NoError(t, err)

	// Two identical results race; the per-conversation lock serializes them so
	// exactly one lands and the other is rejected as a duplicate.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.RecordTurn(ctx, id, toolResult("call_1"), nil, actor)
		}(i)
	}
	wg.Wait()

	var accepted, rejected int
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		re, ok := AsRejectError(err)
		require.True(t, ok, "want RejectError, got %v", err)
		assert.Equal(t, ReasonDuplicateToolCallID, re.Reason)
		rejected++
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, rejected)

	count, err := store.CountActiveTurns(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	diag, err := m.Inspect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, convstore.StateStable, diag.State)
}

func TestInspectMissingConversation(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Policy{})

	_, err := m.Inspect(context.Background(), "conv_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
