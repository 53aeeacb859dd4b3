package conversation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a conversation or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// Integrity failure reason codes surfaced to the boundary.
const (
	ReasonConversationCorrupted     = "conversation_corrupted"
	ReasonDuplicateToolCallID       = "duplicate_tool_call_id"
	ReasonOrphanedToolResult        = "orphaned_tool_result"
	ReasonNoCheckpoint              = "no_checkpoint"
	ReasonWouldDiscardUserContent   = "repair_would_discard_user_content"
	ReasonUnrepairableDanglingCalls = "unrepairable_dangling_calls"
)

// IntegrityError is the single typed error that crosses the subsystem
// boundary. The HTTP layer maps it deterministically to a generic failure
// response carrying the machine-readable reason; snapshot contents never
// travel with it.
type IntegrityError struct {
	ConversationID string
	Reason         string
}

func (e *IntegrityError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "unknown"
	}
	return fmt.Sprintf("conversation integrity failure: %s (conversation %s)", reason, strings.TrimSpace(e.ConversationID))
}

// AsIntegrityError unwraps err into an IntegrityError if one is in the chain.
func AsIntegrityError(err error) (*IntegrityError, bool) {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// RejectError reports an append rejected synchronously at the write boundary
// because it would violate a hard invariant. Nothing was persisted and the
// conversation state is unchanged.
type RejectError struct {
	Reason string
	CallID string
}

func (e *RejectError) Error() string {
	if strings.TrimSpace(e.CallID) != "" {
		return fmt.Sprintf("turn rejected: %s (call %s)", e.Reason, e.CallID)
	}
	return fmt.Sprintf("turn rejected: %s", e.Reason)
}

// AsRejectError unwraps err into a RejectError if one is in the chain.
func AsRejectError(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
