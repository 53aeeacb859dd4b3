package convstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type Turn struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`

	// ToolCallID is set only on tool-role turns and names the request it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	Blocked    bool `json:"blocked,omitempty"`
	Superseded bool `json:"superseded,omitempty"`

	TextContent string `json:"text_content"`
	TurnJSON    string `json:"turn_json,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

type ToolCallRequest struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	TurnID         int64  `json:"turn_id"`

	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	ArgsJSON string `json:"args_json"`

	Abandoned bool `json:"abandoned,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

// AppendTurn inserts a turn and its tool-call requests and bumps the
// conversation's updated_at in the same transaction.
//
// Uniqueness of (conversation, tool_call_id) on turns and of
// (conversation, call_id) on requests is enforced by the schema; violations
// surface as ErrDuplicate so the caller can reject the append synchronously.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, turn Turn, requests []ToolCallRequest) (int64, error) {
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

	turn.Role = strings.TrimSpace(turn.Role)
	turn.ToolCallID = strings.TrimSpace(turn.ToolCallID)
	turn.TextContent = strings.TrimSpace(turn.TextContent)
	turn.TurnJSON = strings.TrimSpace(turn.TurnJSON)
	if !ValidRole(turn.Role) {
		return 0, errors.New("invalid turn role")
	}
	if turn.Role == RoleTool && turn.ToolCallID == "" {
		return 0, errors.New("tool turn missing tool_call_id")
	}
	if turn.Role != RoleTool && turn.ToolCallID != "" {
		return 0, errors.New("tool_call_id set on non-tool turn")
	}
	if len(requests) > 0 && turn.Role != RoleAssistant {
		return 0, errors.New("tool-call requests allowed only on assistant turns")
	}

	now := time.Now().UnixMilli()
	if turn.CreatedAtUnixMs <= 0 {
		turn.CreatedAtUnixMs = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure the conversation exists.
	var exists int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(1) FROM conversations WHERE conversation_id = ?
`, conversationID).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, sql.ErrNoRows
	}

	var callID any
	if turn.ToolCallID != "" {
		callID = turn.ToolCallID
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO turns(
  conversation_id, role, tool_call_id, blocked, superseded,
  text_content, turn_json, created_at_unix_ms
) VALUES(?, ?, ?, ?, 0, ?, ?, ?)
`,
		conversationID,
		turn.Role,
		callID,
		boolToInt(turn.Blocked),
		turn.TextContent,
		turn.TurnJSON,
		turn.CreatedAtUnixMs,
	)
	if err != nil {
		return 0, mapUniqueErr(err)
	}
	turnID, _ := res.LastInsertId()

	for _, req := range requests {
		req.CallID = strings.TrimSpace(req.CallID)
		if req.CallID == "" {
			return 0, errors.New("tool-call request missing call_id")
		}
		if req.CreatedAtUnixMs <= 0 {
			req.CreatedAtUnixMs = turn.CreatedAtUnixMs
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tool_call_requests(
  conversation_id, turn_id, call_id, tool_name, args_json, abandoned, created_at_unix_ms
) VALUES(?, ?, ?, ?, ?, 0, ?)
`,
			conversationID,
			turnID,
			req.CallID,
			strings.TrimSpace(req.ToolName),
			strings.TrimSpace(req.ArgsJSON),
			req.CreatedAtUnixMs,
		); err != nil {
			return 0, mapUniqueErr(err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE conversations SET updated_at_unix_ms = ? WHERE conversation_id = ?
`, now, conversationID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return turnID, nil
}

// ListTurnsSince returns non-superseded turns with id > afterID in ascending order.
func (s *Store) ListTurnsSince(ctx context.Context, conversationID string, afterID int64) ([]Turn, error) {
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
	if afterID < 0 {
		afterID = 0
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, tool_call_id, blocked, superseded,
       text_content, turn_json, created_at_unix_ms
FROM turns
WHERE conversation_id = ? AND superseded = 0 AND id > ?
ORDER BY id ASC
`, conversationID, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTurns(rows)
}

// ListRecentTurns returns the latest non-superseded turns in ascending order.
func (s *Store) ListRecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
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
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, tool_call_id, blocked, superseded,
       text_content, turn_json, created_at_unix_ms
FROM turns
WHERE conversation_id = ? AND superseded = 0
ORDER BY id DESC
LIMIT ?
`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tmp, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to ASC order.
	out := make([]Turn, 0, len(tmp))
	for i := len(tmp) - 1; i >= 0; i-- {
		out = append(out, tmp[i])
	}
	return out, nil
}

// CountActiveTurns returns the number of non-superseded turns.
func (s *Store) CountActiveTurns(ctx context.Context, conversationID string) (int64, error) {
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
SELECT COUNT(1) FROM turns WHERE conversation_id = ? AND superseded = 0
`, conversationID).Scan(&n)
	return n, err
}

// MarkTurnsSuperseded soft-removes every non-superseded turn with id > afterID
// and returns the number of turns affected.
func (s *Store) MarkTurnsSuperseded(ctx context.Context, conversationID string, afterID int64) (int64, error) {
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
	if afterID < 0 {
		afterID = 0
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE turns SET superseded = 1
WHERE conversation_id = ? AND superseded = 0 AND id > ?
`, conversationID, afterID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AnsweredCallIDs returns the set of tool-call identifiers already answered by
// a non-superseded tool turn. Moderation-blocked results do not count: the
// request stays dangling until a real result arrives or it is abandoned.
func (s *Store) AnsweredCallIDs(ctx context.Context, conversationID string) (map[string]struct{}, error) {
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

	rows, err := s.db.QueryContext(ctx, `
SELECT tool_call_id
FROM turns
WHERE conversation_id = ? AND superseded = 0 AND blocked = 0 AND tool_call_id IS NOT NULL
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		id = strings.TrimSpace(id)
		if id != "" {
			out[id] = struct{}{}
		}
	}
	return out, rows.Err()
}

// KnownCallIDs returns the set of every tool-call identifier ever requested in
// the conversation, including abandoned requests.
func (s *Store) KnownCallIDs(ctx context.Context, conversationID string) (map[string]struct{}, error) {
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

	rows, err := s.db.QueryContext(ctx, `
SELECT call_id FROM tool_call_requests WHERE conversation_id = ?
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		id = strings.TrimSpace(id)
		if id != "" {
			out[id] = struct{}{}
		}
	}
	return out, rows.Err()
}

// ListOpenToolCallRequests returns all non-abandoned requests, oldest first.
func (s *Store) ListOpenToolCallRequests(ctx context.Context, conversationID string) ([]ToolCallRequest, error) {
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

	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, turn_id, call_id, tool_name, args_json, abandoned, created_at_unix_ms
FROM tool_call_requests
WHERE conversation_id = ? AND abandoned = 0
ORDER BY id ASC
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ToolCallRequest{}
	for rows.Next() {
		var r ToolCallRequest
		var abandoned int
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.TurnID, &r.CallID, &r.ToolName, &r.ArgsJSON, &abandoned, &r.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		r.Abandoned = abandoned != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkToolCallRequestsAbandoned flags the given call ids as abandoned and
// returns the number of requests affected.
func (s *Store) MarkToolCallRequestsAbandoned(ctx context.Context, conversationID string, callIDs []string) (int64, error) {
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
	if len(callIDs) == 0 {
		return 0, nil
	}

	args := make([]any, 0, 1+len(callIDs))
	args = append(args, conversationID)
	marks := make([]string, 0, len(callIDs))
	for _, id := range callIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		marks = append(marks, "?")
		args = append(args, id)
	}
	if len(marks) == 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE tool_call_requests SET abandoned = 1
WHERE conversation_id = ? AND abandoned = 0 AND call_id IN (`+strings.Join(marks, ",")+`)
`, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AbandonRequestsAfterTurn flags all non-abandoned requests attached to turns
// beyond the watermark. Used during checkpoint restore.
func (s *Store) AbandonRequestsAfterTurn(ctx context.Context, conversationID string, turnsMaxID int64) (int64, error) {
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
	if turnsMaxID < 0 {
		turnsMaxID = 0
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE tool_call_requests SET abandoned = 1
WHERE conversation_id = ? AND abandoned = 0 AND turn_id > ?
`, conversationID, turnsMaxID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	out := []Turn{}
	for rows.Next() {
		var t Turn
		var callID sql.NullString
		var blocked, superseded int
		if err := rows.Scan(
			&t.ID,
			&t.ConversationID,
			&t.Role,
			&callID,
			&blocked,
			&superseded,
			&t.TextContent,
			&t.TurnJSON,
			&t.CreatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		if callID.Valid {
			t.ToolCallID = strings.TrimSpace(callID.String)
		}
		t.Blocked = blocked != 0
		t.Superseded = superseded != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
