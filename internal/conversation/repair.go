package conversation

import (
	"context"

	"github.com/spaquet/convoguard/internal/convstore"
	"github.com/spaquet/convoguard/internal/integrity"
)

type repairOutcome struct {
	repaired           bool
	failReason         string
	abandonedCalls     []string
	restoredCheckpoint string
}

// repair resolves a repairable conversation. Two tactics, tried in policy
// order:
//
//   - abandon: mark the expired tool-call requests abandoned so the validator
//     stops counting them. Only legal when the dangling batch is the tail of
//     the log; abandoning calls with conversation recorded after them would
//     leave the log claiming work happened on state that was never
//     established.
//   - restore: roll back to the last checkpoint taken before the first
//     affected batch. Refused when no such checkpoint exists or when the
//     rollback would discard user-authored turns (unless policy allows it).
//
// A repair that cannot proceed by either tactic returns repaired=false with
// the reason; the caller declares the conversation corrupted.
func (m *Manager) repair(ctx context.Context, conversationID string, report integrity.Report) (repairOutcome, error) {
	affected := make(map[string]struct{}, len(report.AffectedCallIDs))
	for _, id := range report.AffectedCallIDs {
		affected[id] = struct{}{}
	}

	requests, err := m.store.ListOpenToolCallRequests(ctx, conversationID)
	if err != nil {
		return repairOutcome{}, err
	}

	// Assistant turns that issued the affected calls, and every call id those
	// turns issued (answered or not) so their results still count as tail.
	batchTurns := make(map[int64]struct{})
	var firstBatchTurnID int64
	for _, req := range requests {
		if _, ok := affected[req.CallID]; !ok {
			continue
		}
		batchTurns[req.TurnID] = struct{}{}
		if firstBatchTurnID == 0 || req.TurnID < firstBatchTurnID {
			firstBatchTurnID = req.TurnID
		}
	}
	if firstBatchTurnID == 0 {
		// Nothing to repair; the expired requests vanished under us.
		return repairOutcome{repaired: true}, nil
	}
	batchCalls := make(map[string]struct{})
	for _, req := range requests {
		if _, ok := batchTurns[req.TurnID]; ok {
			batchCalls[req.CallID] = struct{}{}
		}
	}

	if m.policy.RepairStrategy == RepairStrategyAbandon {
		tail, err := m.batchIsTail(ctx, conversationID, firstBatchTurnID, batchTurns, batchCalls)
		if err != nil {
			return repairOutcome{}, err
		}
		if tail {
			if _, err := m.store.MarkToolCallRequestsAbandoned(ctx, conversationID, report.AffectedCallIDs); err != nil {
				return repairOutcome{}, err
			}
			return repairOutcome{repaired: true, abandonedCalls: report.AffectedCallIDs}, nil
		}
	}

	return m.repairByRestore(ctx, conversationID, firstBatchTurnID)
}

// batchIsTail reports whether every active turn recorded at or after the first
// affected assistant turn belongs to the dangling batch itself: the batch
// turns, tool results answering the batch's calls, and blocked turns.
func (m *Manager) batchIsTail(ctx context.Context, conversationID string, firstBatchTurnID int64, batchTurns map[int64]struct{}, batchCalls map[string]struct{}) (bool, error) {
	turns, err := m.store.ListTurnsSince(ctx, conversationID, firstBatchTurnID-1)
	if err != nil {
		return false, err
	}
	for _, t := range turns {
		if t.Blocked {
			continue
		}
		if _, ok := batchTurns[t.ID]; ok {
			continue
		}
		if t.Role == convstore.RoleTool {
			if _, ok := batchCalls[t.ToolCallID]; ok {
				continue
			}
		}
		return false, nil
	}
	return true, nil
}

func (m *Manager) repairByRestore(ctx context.Context, conversationID string, firstBatchTurnID int64) (repairOutcome, error) {
	cp, err := m.store.LatestCheckpointBefore(ctx, conversationID, firstBatchTurnID)
	if err != nil {
		return repairOutcome{}, err
	}
	if cp == nil {
		return repairOutcome{failReason: ReasonNoCheckpoint}, nil
	}

	if !m.policy.AllowDiscardUserTurns {
		later, err := m.store.ListTurnsSince(ctx, conversationID, cp.TurnsMaxID)
		if err != nil {
			return repairOutcome{}, err
		}
		for _, t := range later {
			if t.Role == convstore.RoleUser && !t.Blocked {
				return repairOutcome{failReason: ReasonWouldDiscardUserContent}, nil
			}
		}
	}

	if _, err := m.store.RestoreCheckpoint(ctx, conversationID, cp.Name, m.policy.RestoreMode == RestoreModeDelete); err != nil {
		return repairOutcome{}, err
	}
	return repairOutcome{repaired: true, restoredCheckpoint: cp.Name}, nil
}
