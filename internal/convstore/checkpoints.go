package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// snapshotTailLimit caps how many tail turns a checkpoint snapshot serializes.
const snapshotTailLimit = 50

// Checkpoint is an immutable record of a conversation at a point confirmed
// structurally valid.
//
// checkpoint_name is derived deterministically from message_count
// (see CheckpointName), which makes capture idempotent per
// (conversation, message_count): a second capture at the same count hits the
// uniqueness constraint and is treated as success.
type Checkpoint struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	Name           string `json:"checkpoint_name"`

	MessageCount  int64  `json:"message_count"`
	ToolCallCount int64  `json:"tool_call_count"`
	ConvState     string `json:"conv_state"`

	// TurnsMaxID is the restore watermark: the highest turn id included.
	TurnsMaxID int64 `json:"turns_max_id"`

	SnapshotJSON string `json:"snapshot_json"`
	ContextJSON  string `json:"context_json,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

type snapshotTurn struct {
	ID              int64  `json:"id"`
	Role            string `json:"role"`
	ToolCallID      string `json:"tool_call_id,omitempty"`
	Blocked         bool   `json:"blocked,omitempty"`
	TextContent     string `json:"text_content"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// CheckpointName derives the deterministic name for a capture at the given
// message count.
func CheckpointName(messageCount int64) string {
	if messageCount < 0 {
		messageCount = 0
	}
	return fmt.Sprintf("cp_%08d", messageCount)
}

// CreateCheckpoint captures the current conversation state under the
// deterministic name for its message count. Counts, watermark and snapshot are
// all read inside one transaction so a concurrent append cannot skew them.
//
// Returns the captured (or pre-existing) checkpoint and whether a new row was
// written.
func (s *Store) CreateCheckpoint(ctx context.Context, conversationID string, convState string, contextJSON string) (Checkpoint, bool, error) {
	out := Checkpoint{}
	if s == nil || s.db == nil {
		return out, false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return out, false, errors.New("invalid request")
	}
	convState = normalizeConvState(convState)
	contextJSON = strings.TrimSpace(contextJSON)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var messageCount int64
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(1) FROM turns WHERE conversation_id = ? AND superseded = 0
`, conversationID).Scan(&messageCount); err != nil {
		return out, false, err
	}

	var toolCallCount int64
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(1) FROM tool_call_requests WHERE conversation_id = ? AND abandoned = 0
`, conversationID).Scan(&toolCallCount); err != nil {
		return out, false, err
	}

	var turnsMaxID int64
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(id), 0) FROM turns WHERE conversation_id = ? AND superseded = 0
`, conversationID).Scan(&turnsMaxID); err != nil {
		return out, false, err
	}

	// Serialize the tail of the log, enough to resume.
	rows, err := tx.QueryContext(ctx, `
SELECT id, role, tool_call_id, blocked, text_content, created_at_unix_ms
FROM turns
WHERE conversation_id = ? AND superseded = 0
ORDER BY id DESC
LIMIT ?
`, conversationID, snapshotTailLimit)
	if err != nil {
		return out, false, err
	}
	tail := []snapshotTurn{}
	for rows.Next() {
		var st snapshotTurn
		var callID sql.NullString
		var blocked int
		if err := rows.Scan(&st.ID, &st.Role, &callID, &blocked, &st.TextContent, &st.CreatedAtUnixMs); err != nil {
			_ = rows.Close()
			return out, false, err
		}
		if callID.Valid {
			st.ToolCallID = strings.TrimSpace(callID.String)
		}
		st.Blocked = blocked != 0
		tail = append(tail, st)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return out, false, err
	}
	_ = rows.Close()

	// Reverse to ASC order.
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}
	snapBytes, err := json.Marshal(tail)
	if err != nil {
		return out, false, err
	}
	snapshotJSON := strings.TrimSpace(string(snapBytes))
	if snapshotJSON == "" {
		snapshotJSON = "[]"
	}

	name := CheckpointName(messageCount)
	now := time.Now().UnixMilli()

	created := true
	if _, err := tx.ExecContext(ctx, `
INSERT INTO checkpoints(
  conversation_id, checkpoint_name, message_count, tool_call_count,
  conv_state, turns_max_id, snapshot_json, context_json, created_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
`, conversationID, name, messageCount, toolCallCount, convState, turnsMaxID, snapshotJSON, contextJSON, now); err != nil {
		if errors.Is(mapUniqueErr(err), ErrDuplicate) {
			// Idempotency: a checkpoint already exists at this message count.
			created = false
		} else {
			return out, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return out, false, err
	}

	if !created {
		existing, err := s.GetCheckpoint(ctx, conversationID, name)
		if err != nil {
			return out, false, err
		}
		if existing == nil {
			return out, false, errors.New("checkpoint vanished during capture")
		}
		return *existing, false, nil
	}

	out = Checkpoint{
		ConversationID:  conversationID,
		Name:            name,
		MessageCount:    messageCount,
		ToolCallCount:   toolCallCount,
		ConvState:       convState,
		TurnsMaxID:      turnsMaxID,
		SnapshotJSON:    snapshotJSON,
		ContextJSON:     contextJSON,
		CreatedAtUnixMs: now,
	}
	return out, true, nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, conversationID string) (*Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("invalid request")
	}
	return s.queryCheckpoint(ctx, `
SELECT id, conversation_id, checkpoint_name, message_count, tool_call_count,
       conv_state, turns_max_id, snapshot_json, context_json, created_at_unix_ms
FROM checkpoints
WHERE conversation_id = ?
ORDER BY created_at_unix_ms DESC, id DESC
LIMIT 1
`, conversationID)
}

// LatestCheckpointBefore returns the newest checkpoint whose watermark is below
// the given turn id, or nil if none qualifies.
func (s *Store) LatestCheckpointBefore(ctx context.Context, conversationID string, turnID int64) (*Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("invalid request")
	}
	return s.queryCheckpoint(ctx, `
SELECT id, conversation_id, checkpoint_name, message_count, tool_call_count,
       conv_state, turns_max_id, snapshot_json, context_json, created_at_unix_ms
FROM checkpoints
WHERE conversation_id = ? AND turns_max_id < ?
ORDER BY turns_max_id DESC, id DESC
LIMIT 1
`, conversationID, turnID)
}

func (s *Store) GetCheckpoint(ctx context.Context, conversationID string, name string) (*Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	name = strings.TrimSpace(name)
	if conversationID == "" || name == "" {
		return nil, errors.New("invalid request")
	}
	return s.queryCheckpoint(ctx, `
SELECT id, conversation_id, checkpoint_name, message_count, tool_call_count,
       conv_state, turns_max_id, snapshot_json, context_json, created_at_unix_ms
FROM checkpoints
WHERE conversation_id = ? AND checkpoint_name = ?
`, conversationID, name)
}

func (s *Store) ListCheckpoints(ctx context.Context, conversationID string, limit int) ([]Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("invalid request")
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, checkpoint_name, message_count, tool_call_count,
       conv_state, turns_max_id, snapshot_json, context_json, created_at_unix_ms
FROM checkpoints
WHERE conversation_id = ?
ORDER BY created_at_unix_ms DESC, id DESC
LIMIT ?
`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Checkpoint{}
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(
			&cp.ID,
			&cp.ConversationID,
			&cp.Name,
			&cp.MessageCount,
			&cp.ToolCallCount,
			&cp.ConvState,
			&cp.TurnsMaxID,
			&cp.SnapshotJSON,
			&cp.ContextJSON,
			&cp.CreatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) CountCheckpoints(ctx context.Context, conversationID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0, errors.New("invalid request")
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM checkpoints WHERE conversation_id = ?
`, conversationID).Scan(&n)
	return n, err
}

// RestoreCheckpoint truncates the turn log back to the checkpoint watermark.
//
// With hardDelete false (the default policy), turns beyond the watermark are
// marked superseded so history stays auditable; with hardDelete true they are
// removed. Requests dangling beyond the watermark are marked abandoned either
// way. Checkpoints captured after the restored one are dropped since they
// describe states that no longer exist.
func (s *Store) RestoreCheckpoint(ctx context.Context, conversationID string, name string, hardDelete bool) (*Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	name = strings.TrimSpace(name)
	if conversationID == "" || name == "" {
		return nil, errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var cp Checkpoint
	err = tx.QueryRowContext(ctx, `
SELECT id, conversation_id, checkpoint_name, message_count, tool_call_count,
       conv_state, turns_max_id, snapshot_json, context_json, created_at_unix_ms
FROM checkpoints
WHERE conversation_id = ? AND checkpoint_name = ?
`, conversationID, name).Scan(
		&cp.ID,
		&cp.ConversationID,
		&cp.Name,
		&cp.MessageCount,
		&cp.ToolCallCount,
		&cp.ConvState,
		&cp.TurnsMaxID,
		&cp.SnapshotJSON,
		&cp.ContextJSON,
		&cp.CreatedAtUnixMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, err
	}

	if hardDelete {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM turns WHERE conversation_id = ? AND id > ?
`, conversationID, cp.TurnsMaxID); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM tool_call_requests WHERE conversation_id = ? AND turn_id > ?
`, conversationID, cp.TurnsMaxID); err != nil {
			return nil, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
UPDATE turns SET superseded = 1
WHERE conversation_id = ? AND superseded = 0 AND id > ?
`, conversationID, cp.TurnsMaxID); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE tool_call_requests SET abandoned = 1
WHERE conversation_id = ? AND abandoned = 0 AND turn_id > ?
`, conversationID, cp.TurnsMaxID); err != nil {
			return nil, err
		}
	}

	// Requests attached to surviving turns but never answered within the
	// restored range are dangling again; leave them to the validator, except
	// those the checkpoint itself recorded as abandoned are already flagged.

	// Drop checkpoints that describe discarded states.
	if _, err := tx.ExecContext(ctx, `
DELETE FROM checkpoints
WHERE conversation_id = ? AND turns_max_id > ?
`, conversationID, cp.TurnsMaxID); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
UPDATE conversations
SET conv_state = ?, corrupt_reason = '', last_stable_at_unix_ms = ?, updated_at_unix_ms = ?
WHERE conversation_id = ?
`, StateStable, now, now, conversationID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// DeleteCheckpoints removes every checkpoint of the conversation. A cleared
// log has no point-in-time worth restoring to, and stale rows would otherwise
// collide with post-reset captures under the sequential naming scheme.
func (s *Store) DeleteCheckpoints(ctx context.Context, conversationID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0, errors.New("invalid request")
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM checkpoints WHERE conversation_id = ?
`, conversationID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneCheckpoints keeps the newest `keep` checkpoints per conversation and
// returns the number removed.
func (s *Store) PruneCheckpoints(ctx context.Context, conversationID string, keep int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0, errors.New("invalid request")
	}
	if keep <= 0 {
		keep = 20
	}
	if keep > 200 {
		keep = 200
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM checkpoints
WHERE id IN (
  SELECT id
  FROM checkpoints
  WHERE conversation_id = ?
  ORDER BY created_at_unix_ms DESC, id DESC
  LIMIT -1 OFFSET ?
)
`, conversationID, keep)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) queryCheckpoint(ctx context.Context, query string, args ...any) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&cp.ID,
		&cp.ConversationID,
		&cp.Name,
		&cp.MessageCount,
		&cp.ToolCallCount,
		&cp.ConvState,
		&cp.TurnsMaxID,
		&cp.SnapshotJSON,
		&cp.ContextJSON,
		&cp.CreatedAtUnixMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.SnapshotJSON = strings.TrimSpace(cp.SnapshotJSON)
	if cp.SnapshotJSON == "" {
		cp.SnapshotJSON = "[]"
	}
	return &cp, nil
}
