package conversation

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/spaquet/convoguard/internal/auditlog"
	"github.com/spaquet/convoguard/internal/convstore"
	"github.com/spaquet/convoguard/internal/integrity"
)

// Repair strategies.
const (
	RepairStrategyAbandon = "abandon"
	RepairStrategyRestore = "restore"
)

// Restore modes for truncation beyond a checkpoint.
const (
	RestoreModeSupersede = "supersede"
	RestoreModeDelete    = "delete"
)

// Policy carries the tunable integrity knobs. Zero values fall back to
// conservative defaults; the exact durations are deployment policy, not
// invariants.
type Policy struct {
	GraceWindow            time.Duration
	RecoveryTTL            time.Duration
	CheckpointMinTurnDelta int64
	CheckpointRetention    int
	RepairStrategy         string
	RestoreMode            string
	AllowDiscardUserTurns  bool
}

func (p Policy) withDefaults() Policy {
	if p.GraceWindow <= 0 {
		p.GraceWindow = 2 * time.Minute
	}
	if p.RecoveryTTL <= 0 {
		p.RecoveryTTL = p.GraceWindow
	}
	if p.CheckpointMinTurnDelta <= 0 {
		p.CheckpointMinTurnDelta = 4
	}
	if p.CheckpointRetention <= 0 {
		p.CheckpointRetention = 20
	}
	switch strings.TrimSpace(p.RepairStrategy) {
	case RepairStrategyRestore:
		p.RepairStrategy = RepairStrategyRestore
	default:
		p.RepairStrategy = RepairStrategyAbandon
	}
	switch strings.TrimSpace(p.RestoreMode) {
	case RestoreModeDelete:
		p.RestoreMode = RestoreModeDelete
	default:
		p.RestoreMode = RestoreModeSupersede
	}
	return p
}

// Actor identifies who is acting. It is always passed explicitly; the manager
// keeps no ambient current-user state.
type Actor struct {
	UserID string
}

// Receipt is the outcome of a successful RecordTurn.
type Receipt struct {
	State             string `json:"state"`
	CheckpointCreated bool   `json:"checkpoint_created"`
	Repaired          bool   `json:"repaired,omitempty"`
}

// Diagnostics is the read-only health view of a conversation.
type Diagnostics struct {
	ConversationID     string `json:"conversation_id"`
	State              string `json:"state"`
	Status             string `json:"status"`
	CorruptReason      string `json:"corrupt_reason,omitempty"`
	LastStableAtUnixMs int64  `json:"last_stable_at_unix_ms"`
	OpenRecovery       bool   `json:"open_recovery"`
	MessageCount       int64  `json:"message_count"`
	CheckpointCount    int64  `json:"checkpoint_count"`
}

// Manager is the conversation state machine. It is the only component other
// subsystems call to mutate a conversation; every mutation runs under that
// conversation's lock so the validator never classifies a log that another
// in-flight append is mutating.
type Manager struct {
	store  *convstore.Store
	policy Policy
	log    *slog.Logger
	locks  *lockTable
	audit  *auditlog.Store

	now func() time.Time
}

func NewManager(store *convstore.Store, policy Policy, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:  store,
		policy: policy.withDefaults(),
		log:    log,
		locks:  newLockTable(),
		now:    time.Now,
	}
}

// GraceWindow reports the configured pending grace window.
func (m *Manager) GraceWindow() time.Duration {
	if m == nil {
		return 0
	}
	return m.policy.GraceWindow
}

// SetAuditLog attaches an optional audit trail. Repairs, restores, resets and
// corruption declarations are recorded there; a nil store disables auditing.
func (m *Manager) SetAuditLog(audit *auditlog.Store) {
	if m == nil {
		return
	}
	m.audit = audit
}

func newConversationID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return "conv_" + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// CreateConversation registers a new, empty conversation in the stable state.
func (m *Manager) CreateConversation(ctx context.Context, title string, actor Actor) (*convstore.Conversation, error) {
	if m == nil || m.store == nil {
		return nil, errors.New("manager not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c := convstore.Conversation{
		ConversationID: newConversationID(),
		OwnerUserID:    strings.TrimSpace(actor.UserID),
		Title:          strings.TrimSpace(title),
		Status:         convstore.StatusActive,
		ConvState:      convstore.StateStable,
	}
	if err := m.store.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	return m.store.GetConversation(ctx, c.ConversationID)
}

// RecordTurn appends a turn to the conversation log, classifies the result and
// transitions conversation state accordingly.
//
// Appends that would violate a hard invariant (duplicate tool-call id, orphan
// tool result) are rejected synchronously with a RejectError and nothing is
// persisted. Corruption discovered after the append surfaces as an
// IntegrityError; valid appends never error.
func (m *Manager) RecordTurn(ctx context.Context, conversationID string, turn convstore.Turn, requests []convstore.ToolCallRequest, actor Actor) (Receipt, error) {
	if m == nil || m.store == nil {
		return Receipt{}, errors.New("manager not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Receipt{}, errors.New("missing conversation_id")
	}
	turn.Role = strings.TrimSpace(turn.Role)
	turn.ToolCallID = strings.TrimSpace(turn.ToolCallID)
	if !convstore.ValidRole(turn.Role) {
		return Receipt{}, fmt.Errorf("invalid turn role: %q", turn.Role)
	}
	if turn.Role == convstore.RoleTool && turn.ToolCallID == "" {
		return Receipt{}, &RejectError{Reason: "tool turn missing tool_call_id"}
	}

	release := m.locks.Acquire(conversationID)
	defer release()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Receipt{}, err
	}
	if conv == nil {
		return Receipt{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if conv.ConvState == convstore.StateCorrupted {
		reason := strings.TrimSpace(conv.CorruptReason)
		if reason == "" {
			reason = ReasonConversationCorrupted
		}
		return Receipt{}, &IntegrityError{ConversationID: conversationID, Reason: reason}
	}

	// Structural prechecks: catch hard violations at the write boundary so
	// they are rejected instead of persisted and then declared corrupt. The
	// schema's uniqueness constraints back these up against races.
	known, err := m.store.KnownCallIDs(ctx, conversationID)
	if err != nil {
		return Receipt{}, err
	}
	if turn.Role == convstore.RoleTool {
		if _, ok := known[turn.ToolCallID]; !ok {
			return Receipt{}, &RejectError{Reason: ReasonOrphanedToolResult, CallID: turn.ToolCallID}
		}
		answered, err := m.store.AnsweredCallIDs(ctx, conversationID)
		if err != nil {
			return Receipt{}, err
		}
		if _, dup := answered[turn.ToolCallID]; dup {
			return Receipt{}, &RejectError{Reason: ReasonDuplicateToolCallID, CallID: turn.ToolCallID}
		}
	}
	for _, req := range requests {
		id := strings.TrimSpace(req.CallID)
		if id == "" {
			return Receipt{}, &RejectError{Reason: "tool-call request missing call_id"}
		}
		if _, dup := known[id]; dup {
			return Receipt{}, &RejectError{Reason: ReasonDuplicateToolCallID, CallID: id}
		}
	}

	if _, err := m.store.AppendTurn(ctx, conversationID, turn, requests); err != nil {
		if errors.Is(err, convstore.ErrDuplicate) {
			// Lost a race despite the precheck; the unique index is the
			// authority (two concurrent results for one call id: exactly one
			// wins).
			return Receipt{}, &RejectError{Reason: ReasonDuplicateToolCallID, CallID: turn.ToolCallID}
		}
		return Receipt{}, err
	}

	report, err := m.classify(ctx, conversationID)
	if err != nil {
		return Receipt{}, err
	}
	return m.applyReport(ctx, conversationID, report, actor)
}

// PromotePending lazily re-evaluates a pending or repairing conversation. The
// sweeper calls this so grace windows elapse even when no user activity
// touches the conversation.
func (m *Manager) PromotePending(ctx context.Context, conversationID string) (Receipt, error) {
	if m == nil || m.store == nil {
		return Receipt{}, errors.New("manager not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Receipt{}, errors.New("missing conversation_id")
	}

	release := m.locks.Acquire(conversationID)
	defer release()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Receipt{}, err
	}
	if conv == nil {
		return Receipt{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	switch conv.ConvState {
	case convstore.StatePending, convstore.StateRepairing:
	default:
		return Receipt{State: conv.ConvState}, nil
	}

	report, err := m.classify(ctx, conversationID)
	if err != nil {
		return Receipt{}, err
	}
	return m.applyReport(ctx, conversationID, report, Actor{UserID: conv.OwnerUserID})
}

// ForceRestore is the operator-driven recovery path: restore the conversation
// to a named checkpoint (or "latest") regardless of current state, including
// corrupted.
func (m *Manager) ForceRestore(ctx context.Context, conversationID string, checkpointName string, actor Actor) error {
	if m == nil || m.store == nil {
		return errors.New("manager not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	checkpointName = strings.TrimSpace(checkpointName)
	if conversationID == "" {
		return errors.New("missing conversation_id")
	}

	release := m.locks.Acquire(conversationID)
	defer release()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	if checkpointName == "" || checkpointName == "latest" {
		cp, err := m.store.LatestCheckpoint(ctx, conversationID)
		if err != nil {
			return err
		}
		if cp == nil {
			return fmt.Errorf("no checkpoint to restore: %w", ErrNotFound)
		}
		checkpointName = cp.Name
	}

	cp, err := m.store.RestoreCheckpoint(ctx, conversationID, checkpointName, m.policy.RestoreMode == RestoreModeDelete)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checkpoint %s: %w", checkpointName, ErrNotFound)
		}
		return err
	}
	if _, err := m.store.DeleteRecoveryContexts(ctx, conversationID); err != nil {
		return err
	}

	m.log.Info("conversation force-restored",
		"conversation_id", conversationID,
		"checkpoint", cp.Name,
		"message_count", cp.MessageCount,
		"actor", strings.TrimSpace(actor.UserID),
	)
	m.audit.Append(auditlog.Entry{
		Action:         auditlog.ActionForceRestore,
		ConversationID: conversationID,
		ActorUserID:    strings.TrimSpace(actor.UserID),
		Checkpoint:     cp.Name,
		Detail:         map[string]any{"message_count": cp.MessageCount},
	})
	return nil
}

// Reset clears the conversation log entirely and returns the conversation to
// the stable state. Operator action of last resort; superseded turns are kept
// for audit under the default restore mode.
func (m *Manager) Reset(ctx context.Context, conversationID string, actor Actor) error {
	if m == nil || m.store == nil {
		return errors.New("manager not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("missing conversation_id")
	}

	release := m.locks.Acquire(conversationID)
	defer release()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	superseded, err := m.store.MarkTurnsSuperseded(ctx, conversationID, 0)
	if err != nil {
		return err
	}
	if _, err := m.store.AbandonRequestsAfterTurn(ctx, conversationID, 0); err != nil {
		return err
	}
	// Checkpoints describe states the reset discarded; keeping them would let a
	// later restore resurface a watermark into superseded turns.
	if _, err := m.store.DeleteCheckpoints(ctx, conversationID); err != nil {
		return err
	}
	if _, err := m.store.DeleteRecoveryContexts(ctx, conversationID); err != nil {
		return err
	}
	if err := m.store.SetConversationState(ctx, conversationID, convstore.StateStable, "", m.now().UnixMilli()); err != nil {
		return err
	}

	m.log.Info("conversation reset",
		"conversation_id", conversationID,
		"superseded_turns", superseded,
		"actor", strings.TrimSpace(actor.UserID),
	)
	m.audit.Append(auditlog.Entry{
		Action:         auditlog.ActionReset,
		ConversationID: conversationID,
		ActorUserID:    strings.TrimSpace(actor.UserID),
		Detail:         map[string]any{"superseded_turns": superseded},
	})
	return nil
}

// Inspect returns the diagnostics view. Read-only; takes no lock.
func (m *Manager) Inspect(ctx context.Context, conversationID string) (Diagnostics, error) {
	out := Diagnostics{}
	if m == nil || m.store == nil {
		return out, errors.New("manager not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return out, errors.New("missing conversation_id")
	}

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return out, err
	}
	if conv == nil {
		return out, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	count, err := m.store.CountActiveTurns(ctx, conversationID)
	if err != nil {
		return out, err
	}
	cpCount, err := m.store.CountCheckpoints(ctx, conversationID)
	if err != nil {
		return out, err
	}
	openRecovery, err := m.store.HasRecoveryContext(ctx, conversationID)
	if err != nil {
		return out, err
	}

	return Diagnostics{
		ConversationID:     conv.ConversationID,
		State:              conv.ConvState,
		Status:             conv.Status,
		CorruptReason:      conv.CorruptReason,
		LastStableAtUnixMs: conv.LastStableAtUnixMs,
		OpenRecovery:       openRecovery,
		MessageCount:       count,
		CheckpointCount:    cpCount,
	}, nil
}

// classify builds the validator input for the active suffix since the last
// checkpoint and runs it.
func (m *Manager) classify(ctx context.Context, conversationID string) (integrity.Report, error) {
	var after int64
	cp, err := m.store.LatestCheckpoint(ctx, conversationID)
	if err != nil {
		return integrity.Report{}, err
	}
	if cp != nil {
		after = cp.TurnsMaxID
	}

	turns, err := m.store.ListTurnsSince(ctx, conversationID, after)
	if err != nil {
		return integrity.Report{}, err
	}
	requests, err := m.store.ListOpenToolCallRequests(ctx, conversationID)
	if err != nil {
		return integrity.Report{}, err
	}
	answered, err := m.store.AnsweredCallIDs(ctx, conversationID)
	if err != nil {
		return integrity.Report{}, err
	}
	known, err := m.store.KnownCallIDs(ctx, conversationID)
	if err != nil {
		return integrity.Report{}, err
	}

	return integrity.Classify(integrity.Input{
		Turns:           turns,
		Requests:        requests,
		AnsweredCallIDs: answered,
		KnownCallIDs:    known,
		Now:             m.now(),
		GraceWindow:     m.policy.GraceWindow,
	}), nil
}

type recoveryPayload struct {
	OutstandingCallIDs []string `json:"outstanding_call_ids"`
	MessageCount       int64    `json:"message_count"`
	OpenedAtUnixMs     int64    `json:"opened_at_unix_ms"`
}

// applyReport drives the state machine off a classification.
func (m *Manager) applyReport(ctx context.Context, conversationID string, report integrity.Report, actor Actor) (Receipt, error) {
	switch report.Verdict {
	case integrity.VerdictStable:
		return m.transitionStable(ctx, conversationID, false)

	case integrity.VerdictPending:
		if err := m.store.SetConversationState(ctx, conversationID, convstore.StatePending, "", 0); err != nil {
			return Receipt{}, err
		}
		count, err := m.store.CountActiveTurns(ctx, conversationID)
		if err != nil {
			return Receipt{}, err
		}
		payload, _ := json.Marshal(recoveryPayload{
			OutstandingCallIDs: report.AffectedCallIDs,
			MessageCount:       count,
			OpenedAtUnixMs:     m.now().UnixMilli(),
		})
		if _, err := m.store.OpenRecoveryContext(ctx, conversationID, actor.UserID, string(payload), m.policy.RecoveryTTL); err != nil {
			return Receipt{}, err
		}
		m.log.Debug("conversation pending",
			"conversation_id", conversationID,
			"outstanding_calls", len(report.AffectedCallIDs),
		)
		return Receipt{State: convstore.StatePending}, nil

	case integrity.VerdictRepairable:
		if err := m.store.SetConversationState(ctx, conversationID, convstore.StateRepairing, "", 0); err != nil {
			return Receipt{}, err
		}
		outcome, err := m.repair(ctx, conversationID, report)
		if err != nil {
			return Receipt{}, err
		}
		if !outcome.repaired {
			return m.transitionCorrupted(ctx, conversationID, outcome.failReason)
		}
		m.log.Info("conversation repaired",
			"conversation_id", conversationID,
			"reason", string(report.Reason),
			"abandoned_calls", len(outcome.abandonedCalls),
			"restored_checkpoint", outcome.restoredCheckpoint,
		)
		action := auditlog.ActionRepairAbandon
		if outcome.restoredCheckpoint != "" {
			action = auditlog.ActionRepairRestore
		}
		m.audit.Append(auditlog.Entry{
			Action:         action,
			ConversationID: conversationID,
			ActorUserID:    strings.TrimSpace(actor.UserID),
			Checkpoint:     outcome.restoredCheckpoint,
			Reason:         string(report.Reason),
			Detail:         map[string]any{"abandoned_calls": len(outcome.abandonedCalls)},
		})
		receipt, err := m.transitionStable(ctx, conversationID, true)
		receipt.Repaired = true
		return receipt, err

	case integrity.VerdictCorrupt:
		return m.transitionCorrupted(ctx, conversationID, string(report.Reason))

	default:
		return Receipt{}, fmt.Errorf("unknown verdict: %s", report.Verdict)
	}
}

// transitionStable marks the conversation stable, resolves any open recovery
// context, and captures a checkpoint subject to the debounce policy (always
// when forceCheckpoint, e.g. right after a repair).
func (m *Manager) transitionStable(ctx context.Context, conversationID string, forceCheckpoint bool) (Receipt, error) {
	if _, err := m.store.DeleteRecoveryContexts(ctx, conversationID); err != nil {
		return Receipt{}, err
	}
	if err := m.store.SetConversationState(ctx, conversationID, convstore.StateStable, "", m.now().UnixMilli()); err != nil {
		return Receipt{}, err
	}

	created, err := m.maybeCheckpoint(ctx, conversationID, forceCheckpoint)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{State: convstore.StateStable, CheckpointCreated: created}, nil
}

// maybeCheckpoint captures a checkpoint unless the debounce policy says the
// log has not moved enough since the last one.
func (m *Manager) maybeCheckpoint(ctx context.Context, conversationID string, force bool) (bool, error) {
	count, err := m.store.CountActiveTurns(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if count == 0 {
		// Empty conversations are stable without a checkpoint.
		return false, nil
	}
	if !force {
		cp, err := m.store.LatestCheckpoint(ctx, conversationID)
		if err != nil {
			return false, err
		}
		if cp != nil && count-cp.MessageCount < m.policy.CheckpointMinTurnDelta {
			return false, nil
		}
	}

	_, created, err := m.store.CreateCheckpoint(ctx, conversationID, convstore.StateStable, "")
	if err != nil {
		return false, err
	}
	if created {
		if _, err := m.store.PruneCheckpoints(ctx, conversationID, m.policy.CheckpointRetention); err != nil {
			return created, err
		}
	}
	return created, nil
}

func (m *Manager) transitionCorrupted(ctx context.Context, conversationID string, reason string) (Receipt, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonConversationCorrupted
	}
	// The recovery context is no longer relevant once corruption is declared.
	if _, err := m.store.DeleteRecoveryContexts(ctx, conversationID); err != nil {
		return Receipt{}, err
	}
	if err := m.store.SetConversationState(ctx, conversationID, convstore.StateCorrupted, reason, 0); err != nil {
		return Receipt{}, err
	}
	m.log.Warn("conversation corrupted",
		"conversation_id", conversationID,
		"reason", reason,
	)
	m.audit.Append(auditlog.Entry{
		Action:         auditlog.ActionCorrupted,
		Status:         "failure",
		ConversationID: conversationID,
		Reason:         reason,
	})
	return Receipt{}, &IntegrityError{ConversationID: conversationID, Reason: reason}
}
