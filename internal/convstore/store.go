package convstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed persistence layer for conversations, their
// append-only turn logs, tool-call requests, checkpoints and recovery contexts.
//
// Notes:
//   - A single conversation is the unit of serialization; callers are expected to
//     hold the per-conversation lock around read-classify-write sequences.
//   - WAL is enabled to support concurrent reads while writing.
type Store struct {
	db *sql.DB
}

// ErrDuplicate is returned when an insert violates a uniqueness constraint
// (duplicate tool-call identifier or checkpoint name).
var ErrDuplicate = errors.New("duplicate record")

// Conversation lifecycle status, independent of integrity state.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusError    = "error"
)

// Integrity states maintained by the state manager.
const (
	StateStable    = "stable"
	StatePending   = "pending"
	StateRepairing = "repairing"
	StateCorrupted = "corrupted"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Conversation struct {
	ConversationID string `json:"conversation_id"`
	OwnerUserID    string `json:"owner_user_id"`
	Title          string `json:"title"`

	Status        string `json:"status"`
	ConvState     string `json:"conv_state"`
	CorruptReason string `json:"corrupt_reason,omitempty"`

	LastStableAtUnixMs  int64 `json:"last_stable_at_unix_ms"`
	LastCleanupAtUnixMs int64 `json:"last_cleanup_at_unix_ms"`
	CreatedAtUnixMs     int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs     int64 `json:"updated_at_unix_ms"`
}

type ConversationsCursor struct {
	UpdatedAtUnixMs int64
	ConversationID  string
}

// EncodeCursor encodes a cursor as a URL-safe base64 string.
func EncodeCursor(c ConversationsCursor) string {
	if c.UpdatedAtUnixMs <= 0 || strings.TrimSpace(c.ConversationID) == "" {
		return ""
	}
	raw := fmt.Sprintf("%d:%s", c.UpdatedAtUnixMs, strings.TrimSpace(c.ConversationID))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(raw string) (ConversationsCursor, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ConversationsCursor{}, true
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return ConversationsCursor{}, false
	}
	parts := strings.SplitN(string(b), ":", 2)
	if len(parts) != 2 {
		return ConversationsCursor{}, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || ms <= 0 {
		return ConversationsCursor{}, false
	}
	id := strings.TrimSpace(parts[1])
	if id == "" {
		return ConversationsCursor{}, false
	}
	return ConversationsCursor{UpdatedAtUnixMs: ms, ConversationID: id}, true
}

func normalizeStatus(status string) string {
	status = strings.TrimSpace(status)
	switch status {
	case StatusActive, StatusArchived, StatusError:
		return status
	default:
		return StatusActive
	}
}

func normalizeConvState(state string) string {
	state = strings.TrimSpace(state)
	switch state {
	case StateStable, StatePending, StateRepairing, StateCorrupted:
		return state
	default:
		return StateStable
	}
}

// ValidRole reports whether role is one of the supported turn roles.
func ValidRole(role string) bool {
	switch strings.TrimSpace(role) {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	default:
		return false
	}
}

func (s *Store) CreateConversation(ctx context.Context, c Conversation) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.ConversationID = strings.TrimSpace(c.ConversationID)
	c.OwnerUserID = strings.TrimSpace(c.OwnerUserID)
	c.Title = strings.TrimSpace(c.Title)
	c.Status = normalizeStatus(c.Status)
	c.ConvState = normalizeConvState(c.ConvState)
	if c.ConversationID == "" {
		return errors.New("invalid conversation")
	}

	now := time.Now().UnixMilli()
	if c.CreatedAtUnixMs <= 0 {
		c.CreatedAtUnixMs = now
	}
	if c.UpdatedAtUnixMs <= 0 {
		c.UpdatedAtUnixMs = c.CreatedAtUnixMs
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(
  conversation_id, owner_user_id, title,
  status, conv_state, corrupt_reason,
  last_stable_at_unix_ms, last_cleanup_at_unix_ms,
  created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		c.ConversationID,
		c.OwnerUserID,
		c.Title,
		c.Status,
		c.ConvState,
		strings.TrimSpace(c.CorruptReason),
		c.LastStableAtUnixMs,
		c.LastCleanupAtUnixMs,
		c.CreatedAtUnixMs,
		c.UpdatedAtUnixMs,
	)
	return mapUniqueErr(err)
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
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

	var c Conversation
	err := s.db.QueryRowContext(ctx, `
SELECT conversation_id, owner_user_id, title,
       status, conv_state, corrupt_reason,
       last_stable_at_unix_ms, last_cleanup_at_unix_ms,
       created_at_unix_ms, updated_at_unix_ms
FROM conversations
WHERE conversation_id = ?
`, conversationID).Scan(
		&c.ConversationID,
		&c.OwnerUserID,
		&c.Title,
		&c.Status,
		&c.ConvState,
		&c.CorruptReason,
		&c.LastStableAtUnixMs,
		&c.LastCleanupAtUnixMs,
		&c.CreatedAtUnixMs,
		&c.UpdatedAtUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListConversations(ctx context.Context, limit int, cursor ConversationsCursor) ([]Conversation, string, error) {
	if s == nil || s.db == nil {
		return nil, "", errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	args := []any{}
	where := ""
	if cursor.UpdatedAtUnixMs > 0 && strings.TrimSpace(cursor.ConversationID) != "" {
		where = "WHERE (updated_at_unix_ms < ? OR (updated_at_unix_ms = ? AND conversation_id < ?))"
		args = append(args, cursor.UpdatedAtUnixMs, cursor.UpdatedAtUnixMs, strings.TrimSpace(cursor.ConversationID))
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
SELECT conversation_id, owner_user_id, title,
       status, conv_state, corrupt_reason,
       last_stable_at_unix_ms, last_cleanup_at_unix_ms,
       created_at_unix_ms, updated_at_unix_ms
FROM conversations
%s
ORDER BY updated_at_unix_ms DESC, conversation_id DESC
LIMIT ?
`, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]Conversation, 0, limit)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(
			&c.ConversationID,
			&c.OwnerUserID,
			&c.Title,
			&c.Status,
			&c.ConvState,
			&c.CorruptReason,
			&c.LastStableAtUnixMs,
			&c.LastCleanupAtUnixMs,
			&c.CreatedAtUnixMs,
			&c.UpdatedAtUnixMs,
		); err != nil {
			return nil, "", err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if len(out) == 0 {
		return out, "", nil
	}
	last := out[len(out)-1]
	next := EncodeCursor(ConversationsCursor{UpdatedAtUnixMs: last.UpdatedAtUnixMs, ConversationID: last.ConversationID})
	return out, next, nil
}

// SetConversationState updates the integrity state. corruptReason is stored only
// for the corrupted state and cleared otherwise. lastStableAtUnixMs is written
// only when > 0.
func (s *Store) SetConversationState(ctx context.Context, conversationID string, state string, corruptReason string, lastStableAtUnixMs int64) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("invalid request")
	}
	state = normalizeConvState(state)
	corruptReason = strings.TrimSpace(corruptReason)
	if state != StateCorrupted {
		corruptReason = ""
	}

	now := time.Now().UnixMilli()
	var res sql.Result
	var err error
	if lastStableAtUnixMs > 0 {
		res, err = s.db.ExecContext(ctx, `
UPDATE conversations
SET conv_state = ?, corrupt_reason = ?, last_stable_at_unix_ms = ?, updated_at_unix_ms = ?
WHERE conversation_id = ?
`, state, corruptReason, lastStableAtUnixMs, now, conversationID)
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE conversations
SET conv_state = ?, corrupt_reason = ?, updated_at_unix_ms = ?
WHERE conversation_id = ?
`, state, corruptReason, now, conversationID)
	}
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) SetConversationStatus(ctx context.Context, conversationID string, status string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("invalid request")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE conversations
SET status = ?, updated_at_unix_ms = ?
WHERE conversation_id = ?
`, normalizeStatus(status), time.Now().UnixMilli(), conversationID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ArchiveConversation retires a conversation from active use. Archived
// conversations keep their log and checkpoints.
func (s *Store) ArchiveConversation(ctx context.Context, conversationID string) error {
	return s.SetConversationStatus(ctx, conversationID, StatusArchived)
}

// TouchCleanup records the time of the last sweeper pass over the conversation.
func (s *Store) TouchCleanup(ctx context.Context, conversationID string, atUnixMs int64) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("invalid request")
	}
	if atUnixMs <= 0 {
		atUnixMs = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE conversations
SET last_cleanup_at_unix_ms = ?
WHERE conversation_id = ?
`, atUnixMs, conversationID)
	return err
}

func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM recovery_contexts WHERE conversation_id = ?`,
		`DELETE FROM checkpoints WHERE conversation_id = ?`,
		`DELETE FROM tool_call_requests WHERE conversation_id = ?`,
		`DELETE FROM turns WHERE conversation_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, conversationID); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// ListConversationsInState returns conversation ids currently in the given
// integrity state, oldest update first. Used by the sweeper.
func (s *Store) ListConversationsInState(ctx context.Context, state string, limit int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT conversation_id
FROM conversations
WHERE conv_state = ?
ORDER BY updated_at_unix_ms ASC, conversation_id ASC
LIMIT ?
`, normalizeConvState(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

// ListPendingOlderThan returns ids of pending conversations whose last append
// happened before cutoff. A pending conversation that is still inside the
// grace window never qualifies, so the sweeper can skip it without
// classifying.
func (s *Store) ListPendingOlderThan(ctx context.Context, cutoffUnixMs int64, limit int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT conversation_id
FROM conversations
WHERE conv_state = ? AND updated_at_unix_ms < ?
ORDER BY updated_at_unix_ms ASC, conversation_id ASC
LIMIT ?
`, StatePending, cutoffUnixMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

func mapUniqueErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "unique") {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS conversations (
  conversation_id TEXT PRIMARY KEY,
  owner_user_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'active',
  conv_state TEXT NOT NULL DEFAULT 'stable',
  corrupt_reason TEXT NOT NULL DEFAULT '',
  last_stable_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  last_cleanup_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at_unix_ms DESC, conversation_id DESC);
CREATE INDEX IF NOT EXISTS idx_conversations_state ON conversations(conv_state, updated_at_unix_ms ASC);

CREATE TABLE IF NOT EXISTS turns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  conversation_id TEXT NOT NULL,
  role TEXT NOT NULL,
  tool_call_id TEXT,
  blocked INTEGER NOT NULL DEFAULT 0,
  superseded INTEGER NOT NULL DEFAULT 0,
  text_content TEXT NOT NULL DEFAULT '',
  turn_json TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(conversation_id, tool_call_id)
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id ASC);

CREATE TABLE IF NOT EXISTS tool_call_requests (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  conversation_id TEXT NOT NULL,
  turn_id INTEGER NOT NULL,
  call_id TEXT NOT NULL,
  tool_name TEXT NOT NULL DEFAULT '',
  args_json TEXT NOT NULL DEFAULT '',
  abandoned INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(conversation_id, call_id)
);
CREATE INDEX IF NOT EXISTS idx_tool_call_requests_turn ON tool_call_requests(conversation_id, turn_id ASC);

CREATE TABLE IF NOT EXISTS checkpoints (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  conversation_id TEXT NOT NULL,
  checkpoint_name TEXT NOT NULL,
  message_count INTEGER NOT NULL,
  tool_call_count INTEGER NOT NULL,
  conv_state TEXT NOT NULL DEFAULT 'stable',
  turns_max_id INTEGER NOT NULL DEFAULT 0,
  snapshot_json TEXT NOT NULL DEFAULT '',
  context_json TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(conversation_id, checkpoint_name)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_conversation ON checkpoints(conversation_id, created_at_unix_ms DESC, id DESC);

CREATE TABLE IF NOT EXISTS recovery_contexts (
  recovery_id TEXT PRIMARY KEY,
  owner_user_id TEXT NOT NULL DEFAULT '',
  conversation_id TEXT NOT NULL,
  payload_json TEXT NOT NULL DEFAULT '',
  expires_at_unix_ms INTEGER NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  UNIQUE(conversation_id, owner_user_id)
);
CREATE INDEX IF NOT EXISTS idx_recovery_contexts_expiry ON recovery_contexts(expires_at_unix_ms ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
