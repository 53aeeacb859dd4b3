package convstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// RecoveryContext is a short-lived record describing an interrupted operation
// (typically a tool call that was issued but never answered). It exists only
// during the window between the interruption and its resolution or expiry.
type RecoveryContext struct {
	RecoveryID     string `json:"recovery_id"`
	OwnerUserID    string `json:"owner_user_id"`
	ConversationID string `json:"conversation_id"`

	PayloadJSON string `json:"payload_json"`

	ExpiresAtUnixMs int64 `json:"expires_at_unix_ms"`
	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

func newRecoveryID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return "rc_" + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// OpenRecoveryContext opens a recovery context for (conversation, owner) or, if
// one is already active, refreshes it: TTL extended, payload replaced. At most
// one open context exists per pair so there is never ambiguity about which
// recovery attempt is authoritative.
func (s *Store) OpenRecoveryContext(ctx context.Context, conversationID string, ownerUserID string, payloadJSON string, ttl time.Duration) (RecoveryContext, error) {
	out := RecoveryContext{}
	if s == nil || s.db == nil {
		return out, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	ownerUserID = strings.TrimSpace(ownerUserID)
	payloadJSON = strings.TrimSpace(payloadJSON)
	if conversationID == "" {
		return out, errors.New("invalid request")
	}
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	now := time.Now().UnixMilli()
	expires := now + ttl.Milliseconds()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing RecoveryContext
	err = tx.QueryRowContext(ctx, `
SELECT recovery_id, owner_user_id, conversation_id, payload_json,
       expires_at_unix_ms, created_at_unix_ms, updated_at_unix_ms
FROM recovery_contexts
WHERE conversation_id = ? AND owner_user_id = ?
`, conversationID, ownerUserID).Scan(
		&existing.RecoveryID,
		&existing.OwnerUserID,
		&existing.ConversationID,
		&existing.PayloadJSON,
		&existing.ExpiresAtUnixMs,
		&existing.CreatedAtUnixMs,
		&existing.UpdatedAtUnixMs,
	)
	switch {
	case err == nil:
		// Refresh rather than duplicate.
		if _, err := tx.ExecContext(ctx, `
UPDATE recovery_contexts
SET payload_json = ?, expires_at_unix_ms = ?, updated_at_unix_ms = ?
WHERE recovery_id = ?
`, payloadJSON, expires, now, existing.RecoveryID); err != nil {
			return out, err
		}
		out = existing
		out.PayloadJSON = payloadJSON
		out.ExpiresAtUnixMs = expires
		out.UpdatedAtUnixMs = now
	case errors.Is(err, sql.ErrNoRows):
		out = RecoveryContext{
			RecoveryID:      newRecoveryID(),
			OwnerUserID:     ownerUserID,
			ConversationID:  conversationID,
			PayloadJSON:     payloadJSON,
			ExpiresAtUnixMs: expires,
			CreatedAtUnixMs: now,
			UpdatedAtUnixMs: now,
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO recovery_contexts(
  recovery_id, owner_user_id, conversation_id, payload_json,
  expires_at_unix_ms, created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?)
`, out.RecoveryID, out.OwnerUserID, out.ConversationID, out.PayloadJSON, out.ExpiresAtUnixMs, out.CreatedAtUnixMs, out.UpdatedAtUnixMs); err != nil {
			return RecoveryContext{}, mapUniqueErr(err)
		}
	default:
		return out, err
	}

	if err := tx.Commit(); err != nil {
		return RecoveryContext{}, err
	}
	return out, nil
}

// FindRecoveryContext returns the open context for (conversation, owner), or
// nil when none exists.
func (s *Store) FindRecoveryContext(ctx context.Context, conversationID string, ownerUserID string) (*RecoveryContext, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	ownerUserID = strings.TrimSpace(ownerUserID)
	if conversationID == "" {
		return nil, errors.New("invalid request")
	}

	var rc RecoveryContext
	err := s.db.QueryRowContext(ctx, `
SELECT recovery_id, owner_user_id, conversation_id, payload_json,
       expires_at_unix_ms, created_at_unix_ms, updated_at_unix_ms
FROM recovery_contexts
WHERE conversation_id = ? AND owner_user_id = ?
`, conversationID, ownerUserID).Scan(
		&rc.RecoveryID,
		&rc.OwnerUserID,
		&rc.ConversationID,
		&rc.PayloadJSON,
		&rc.ExpiresAtUnixMs,
		&rc.CreatedAtUnixMs,
		&rc.UpdatedAtUnixMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

// HasRecoveryContext reports whether any open context exists for the
// conversation, regardless of owner.
func (s *Store) HasRecoveryContext(ctx context.Context, conversationID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return false, errors.New("invalid request")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM recovery_contexts WHERE conversation_id = ?
`, conversationID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResolveRecoveryContext deletes the context once the pending operation has
// completed or been repaired.
func (s *Store) ResolveRecoveryContext(ctx context.Context, recoveryID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	recoveryID = strings.TrimSpace(recoveryID)
	if recoveryID == "" {
		return errors.New("invalid request")
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM recovery_contexts WHERE recovery_id = ?
`, recoveryID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteRecoveryContexts removes every open context for the conversation.
func (s *Store) DeleteRecoveryContexts(ctx context.Context, conversationID string) (int64, error) {
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
DELETE FROM recovery_contexts WHERE conversation_id = ?
`, conversationID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteExpiredRecoveryContexts removes contexts whose expiry has passed and
// returns the number removed.
func (s *Store) DeleteExpiredRecoveryContexts(ctx context.Context, nowUnixMs int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if nowUnixMs <= 0 {
		nowUnixMs = time.Now().UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM recovery_contexts WHERE expires_at_unix_ms <= ?
`, nowUnixMs)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
