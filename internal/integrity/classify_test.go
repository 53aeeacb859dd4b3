package integrity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/spaquet/convoguard/internal/convstore"
)

func set(ids ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func TestClassify(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	grace := 2 * time.Minute
	fresh := now.Add(-30 * time.Second).UnixMilli()
	stale := now.Add(-10 * time.Minute).UnixMilli()

	tests := []struct {
		name        string
		in          Input
		wantVerdict Verdict
		wantReason  Reason
		wantCalls   []string
	}{
		{
			name: "empty log is stable",
			in: Input{
				Now:         now,
				GraceWindow: grace,
			},
			wantVerdict: VerdictStable,
		},
		{
			name: "paired call and result is stable",
			in: Input{
				Turns: []convstore.Turn{
					{ID: 1, Role: convstore.RoleUser, TextContent: "hi"},
					{ID: 2, Role: convstore.RoleAssistant},
					{ID: 3, Role: convstore.RoleTool, ToolCallID: "call_1"},
				},
				Requests: []convstore.ToolCallRequest{
					{TurnID: 2, CallID: "call_1", CreatedAtUnixMs: fresh},
				},
				AnsweredCallIDs: set("call_1"),
				KnownCallIDs:    set("call_1"),
				Now:             now,
				GraceWindow:     grace,
			},
			wantVerdict: VerdictStable,
		},
		{
			name: "unanswered call inside grace is pending",
			in: Input{
				Turns: []convstore.Turn{
					{ID: 2, Role: convstore.RoleAssistant},
				},
				Requests: []convstore.ToolCallRequest{
					{TurnID: 2, CallID: "call_1", CreatedAtUnixMs: fresh},
				},
				AnsweredCallIDs: set(),
				KnownCallIDs:    set("call_1"),
				Now:             now,
				GraceWindow:     grace,
			},
			wantVerdict: VerdictPending,
			wantReason:  ReasonDanglingToolCall,
			wantCalls:   []string{"call_1"},
		},
		{
			name: "unanswered call past grace is repairable",
			in: Input{
				Turns: []convstore.Turn{
					{ID: 2, Role: convstore.RoleAssistant},
				},
				Requests: []convstore.ToolCallRequest{
					{TurnID: 2, CallID: "call_1", CreatedAtUnixMs: stale},
				},
				AnsweredCallIDs: set(),
				KnownCallIDs:    set("call_1"),
				Now:             now,
				GraceWindow:     grace,
			},
			wantVerdict: VerdictRepairable,
			wantReason:  ReasonDanglingToolCall,
			wantCalls:   []string{"call_1"},
		},
		{
			name: "partially answered batch past grace is incomplete",
			in: Input{
				Turns: []convstore.Turn{
					{ID: 2, Role: convstore.RoleAssistant},
					{ID: 3, Role: convstore.RoleTool, ToolCallID: "call_a"},
				},
				Requests: []convstore.ToolCallRequest{
					{TurnID: 2, CallID: "call_a", CreatedAtUnixMs: stale},
					{TurnID: 2, CallID: "call_b", CreatedAtUnixMs: stale},
				},
				AnsweredCallIDs: set("call_a"),
				KnownCallIDs:    set("call_a", "call_b"),
				Now:             now,
				GraceWindow:     grace,
			},
			wantVerdict: VerdictRepairable,
			wantReason:  ReasonIncompleteBatch,
			wantCalls:   []string{"call_b"},
		},
		{
			name: "duplicate tool results are corrupt",
			in: Input{
				Turns: []convstore.Turn{
					{ID: 2, Role: convstore.RoleAssistant},
					{ID: 3, Role: convstore.RoleTool, ToolCallID: "call_1"},
					{ID: 4, Role: convstore.RoleTool, ToolCallID: "call_1"},
				},
				Requests: []convstore.ToolCallRequest{
					{TurnID: 2, CallID: "call_1", CreatedAtUnixMs: fresh},
				},
				AnsweredCallIDs: set("call_1"),
				KnownCallIDs:    set("call_1"),
				Now:             now,
				GraceWindow:     grace,
			},
			wantVerdict: VerdictCorrupt,
			wantReason:  ReasonDuplicateToolCall,
			wantCalls:   []string{"call_1"},
		},
		{
			name: "tool result without a request is corrupt",
			in: Input{
				Turns: []convstore.Turn{
					{ID: 3, Role: convstore.RoleTool, ToolCallID: "call_ghost"},
				},
				AnsweredCallIDs: set("call_ghost"),
				KnownCallIDs:    set(),
				Now:             now,
				GraceWindow:     grace,
			},
			wantVerdict: VerdictCorrupt,
			wantReason:  ReasonOrphanedToolResult,
			wantCalls:   []string{"call_ghost"},
		},
		{
			name: "result recorded before the checkpoint still counts",
			in: Input{
				// Suffix holds only the latest user turn; the request and its
				// answer predate the checkpoint watermark.
				Turns: []convstore.Turn{
					{ID: 9, Role: convstore.RoleUser, TextContent: "next"},
				},
				Requests: []convstore.ToolCallRequest{
					{TurnID: 2, CallID: "call_old", CreatedAtUnixMs: stale},
				},
				AnsweredCallIDs: set("call_old"),
				KnownCallIDs:    set("call_old"),
				Now:             now,
				GraceWindow:     grace,
			},
			wantVerdict: VerdictStable,
		},
		{
			name: "abandoned requests are ignored",
			in: Input{
				Turns: []convstore.Turn{
					{ID: 2, Role: convstore.RoleAssistant},
				},
				Requests: []convstore.ToolCallRequest{
					{TurnID: 2, CallID: "call_1", CreatedAtUnixMs: stale, Abandoned: true},
				},
				AnsweredCallIDs: set(),
				KnownCallIDs:    set("call_1"),
				Now:             now,
				GraceWindow:     grace,
			},
			wantVerdict: VerdictStable,
		},
		{
			name: "blocked duplicate results do not corrupt",
			in: Input{
				Turns: []convstore.Turn{
					{ID: 3, Role: convstore.RoleTool, ToolCallID: "call_1"},
					{ID: 4, Role: convstore.RoleTool, ToolCallID: "call_1", Blocked: true},
				},
				Requests: []convstore.ToolCallRequest{
					{TurnID: 2, CallID: "call_1", CreatedAtUnixMs: fresh},
				},
				AnsweredCallIDs: set("call_1"),
				KnownCallIDs:    set("call_1"),
				Now:             now,
				GraceWindow:     grace,
			},
			wantVerdict: VerdictStable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Classify(tt.in)
			assert.Equal(t, tt.wantVerdict, got.Verdict)
			if tt.wantReason != ReasonNone {
				assert.Equal(t, tt.wantReason, got.Reason)
			}
			if tt.wantCalls != nil {
				assert.Equal(t, tt.wantCalls, got.AffectedCallIDs)
			}
		})
	}
}

func TestClassifyOldestUnanswered(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	older := now.Add(-90 * time.Second).UnixMilli()
	newer := now.Add(-10 * time.Second).UnixMilli()

	got := Classify(Input{
		Requests: []convstore.ToolCallRequest{
			{TurnID: 2, CallID: "call_new", CreatedAtUnixMs: newer},
			{TurnID: 2, CallID: "call_old", CreatedAtUnixMs: older},
		},
		AnsweredCallIDs: set(),
		KnownCallIDs:    set("call_new", "call_old"),
		Now:             now,
		GraceWindow:     2 * time.Minute,
	})

	assert.Equal(t, VerdictPending, got.Verdict)
	assert.Equal(t, older, got.OldestUnansweredUnixMs)
	assert.Equal(t, []string{"call_new", "call_old"}, got.AffectedCallIDs)
}
