// Package integrity classifies the structural health of a conversation's turn
// log. Classification is a pure function over an in-memory view of the log
// suffix; it performs no I/O and has no clock of its own.
package integrity

import (
	"sort"
	"strings"
	"time"

	"github.com/spaquet/convoguard/internal/convstore"
)

type Verdict string

const (
	// VerdictStable: the suffix satisfies every pairing invariant.
	VerdictStable Verdict = "stable"
	// VerdictPending: unanswered tool calls exist but are still inside the
	// grace window. Readable as stable, not checkpointable.
	VerdictPending Verdict = "pending"
	// VerdictRepairable: drift that automated repair can resolve.
	VerdictRepairable Verdict = "repairable"
	// VerdictCorrupt: a violation that cannot be fixed by waiting or retrying.
	VerdictCorrupt Verdict = "corrupt"
)

type Reason string

const (
	ReasonNone               Reason = ""
	ReasonDuplicateToolCall  Reason = "duplicate_tool_call_id"
	ReasonOrphanedToolResult Reason = "orphaned_tool_result"
	ReasonDanglingToolCall   Reason = "dangling_tool_call"
	ReasonIncompleteBatch    Reason = "incomplete_tool_batch"
)

// Input is the material the validator classifies.
//
// Turns is the active (non-superseded) suffix of the log since the last
// checkpoint watermark, in ascending order. Requests is every non-abandoned
// tool-call request of the conversation. AnsweredCallIDs and KnownCallIDs are
// conversation-wide so results recorded before the checkpoint still count.
type Input struct {
	Turns           []convstore.Turn
	Requests        []convstore.ToolCallRequest
	AnsweredCallIDs map[string]struct{}
	KnownCallIDs    map[string]struct{}

	Now         time.Time
	GraceWindow time.Duration
}

type Report struct {
	Verdict Verdict
	Reason  Reason

	// AffectedCallIDs lists the tool-call identifiers behind a repairable or
	// corrupt verdict.
	AffectedCallIDs []string

	// OldestUnansweredUnixMs is the creation time of the oldest unanswered
	// request, 0 when none. Lets callers schedule the grace-window promotion.
	OldestUnansweredUnixMs int64
}

// Classify applies the pairing rules to the suffix.
//
// Corruption is declared only for violations that cannot be retried away
// (duplicate identifiers, orphaned results). Anything resolvable by waiting or
// re-asking the provider is at worst repairable.
func Classify(in Input) Report {
	if in.GraceWindow <= 0 {
		in.GraceWindow = 2 * time.Minute
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}

	// Rule 1: no two tool turns share a call identifier.
	seen := map[string]struct{}{}
	for _, t := range in.Turns {
		if t.Blocked || t.Role != convstore.RoleTool {
			continue
		}
		id := strings.TrimSpace(t.ToolCallID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			return Report{Verdict: VerdictCorrupt, Reason: ReasonDuplicateToolCall, AffectedCallIDs: []string{id}}
		}
		seen[id] = struct{}{}
	}

	// Rule 2: every tool turn answers a request that exists.
	for _, t := range in.Turns {
		if t.Blocked || t.Role != convstore.RoleTool {
			continue
		}
		id := strings.TrimSpace(t.ToolCallID)
		if id == "" {
			continue
		}
		if _, ok := in.KnownCallIDs[id]; !ok {
			return Report{Verdict: VerdictCorrupt, Reason: ReasonOrphanedToolResult, AffectedCallIDs: []string{id}}
		}
	}

	// Rules 3 and 4: unanswered requests are tolerated inside the grace
	// window, repairable past it. A partially answered batch gets the
	// incomplete-batch reason; a fully unanswered one is merely dangling.
	unanswered := make([]convstore.ToolCallRequest, 0, len(in.Requests))
	answeredByTurn := map[int64]int{}
	totalByTurn := map[int64]int{}
	for _, req := range in.Requests {
		if req.Abandoned {
			continue
		}
		id := strings.TrimSpace(req.CallID)
		if id == "" {
			continue
		}
		totalByTurn[req.TurnID]++
		if _, ok := in.AnsweredCallIDs[id]; ok {
			answeredByTurn[req.TurnID]++
			continue
		}
		unanswered = append(unanswered, req)
	}

	if len(unanswered) == 0 {
		return Report{Verdict: VerdictStable}
	}

	oldest := int64(0)
	expired := make([]convstore.ToolCallRequest, 0, len(unanswered))
	cutoff := in.Now.Add(-in.GraceWindow).UnixMilli()
	for _, req := range unanswered {
		if oldest == 0 || req.CreatedAtUnixMs < oldest {
			oldest = req.CreatedAtUnixMs
		}
		if req.CreatedAtUnixMs <= cutoff {
			expired = append(expired, req)
		}
	}

	if len(expired) == 0 {
		return Report{Verdict: VerdictPending, Reason: ReasonDanglingToolCall, AffectedCallIDs: callIDs(unanswered), OldestUnansweredUnixMs: oldest}
	}

	reason := ReasonDanglingToolCall
	for _, req := range expired {
		if answeredByTurn[req.TurnID] > 0 && answeredByTurn[req.TurnID] < totalByTurn[req.TurnID] {
			reason = ReasonIncompleteBatch
			break
		}
	}
	return Report{Verdict: VerdictRepairable, Reason: reason, AffectedCallIDs: callIDs(expired), OldestUnansweredUnixMs: oldest}
}

func callIDs(reqs []convstore.ToolCallRequest) []string {
	out := make([]string, 0, len(reqs))
	for _, req := range reqs {
		id := strings.TrimSpace(req.CallID)
		if id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
