package convstore

import (
	"context"
	"testing"
	"time"
)

func TestOpenRecoveryContextRefreshes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateConversation(t, s, "conv_rc")

	first, err := s.OpenRecoveryContext(ctx, "conv_rc", "user_1", `{"n":1}`, time.Minute)
	if err != nil {
		t.Fatalf("OpenRecoveryContext: %v", err)
	}
	if first.RecoveryID == "" {
		t.Fatal("recovery_id not assigned")
	}

	second, err := s.OpenRecoveryContext(ctx, "conv_rc", "user_1", `{"n":2}`, time.Hour)
	if err != nil {
		t.Fatalf("OpenRecoveryContext refresh: %v", err)
	}
	if second.RecoveryID != first.RecoveryID {
		t.Fatalf("refresh created a new context: %q vs %q", second.RecoveryID, first.RecoveryID)
	}
	if second.PayloadJSON != `{"n":2}` {
		t.Fatalf("payload=%q, want refreshed payload", second.PayloadJSON)
	}
	if second.ExpiresAtUnixMs <= first.ExpiresAtUnixMs {
		t.Fatal("refresh did not extend the TTL")
	}

	found, err := s.FindRecoveryContext(ctx, "conv_rc", "user_1")
	if err != nil {
		t.Fatalf("FindRecoveryContext: %v", err)
	}
	if found == nil || found.RecoveryID != first.RecoveryID {
		t.Fatalf("found=%+v, want the single refreshed context", found)
	}
}

func TestRecoveryContextPerOwner(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateConversation(t, s, "conv_rco")

	if _, err := s.OpenRecoveryContext(ctx, "conv_rco", "user_1", "{}", time.Minute); err != nil {
		t.Fatalf("OpenRecoveryContext user_1: %v", err)
	}
	if _, err := s.OpenRecoveryContext(ctx, "conv_rco", "user_2", "{}", time.Minute); err != nil {
		t.Fatalf("OpenRecoveryContext user_2: %v", err)
	}

	n, err := s.DeleteRecoveryContexts(ctx, "conv_rco")
	if err != nil {
		t.Fatalf("DeleteRecoveryContexts: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted=%d, want 2", n)
	}

	has, err := s.HasRecoveryContext(ctx, "conv_rco")
	if err != nil {
		t.Fatalf("HasRecoveryContext: %v", err)
	}
	if has {
		t.Fatal("contexts remain after delete")
	}
}

func TestResolveRecoveryContext(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateConversation(t, s, "conv_rr")

	rc, err := s.OpenRecoveryContext(ctx, "conv_rr", "user_1", "{}", time.Minute)
	if err != nil {
		t.Fatalf("OpenRecoveryContext: %v", err)
	}
	if err := s.ResolveRecoveryContext(ctx, rc.RecoveryID); err != nil {
		t.Fatalf("ResolveRecoveryContext: %v", err)
	}

	// Resolving again fails: the context is gone.
	if err := s.ResolveRecoveryContext(ctx, rc.RecoveryID); err == nil {
		t.Fatal("expected error resolving an already-resolved context")
	}
}

func TestDeleteExpiredRecoveryContexts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateConversation(t, s, "conv_re1")
	mustCreateConversation(t, s, "conv_re2")

	short, err := s.OpenRecoveryContext(ctx, "conv_re1", "user_1", "{}", time.Millisecond)
	if err != nil {
		t.Fatalf("OpenRecoveryContext short: %v", err)
	}
	if _, err := s.OpenRecoveryContext(ctx, "conv_re2", "user_1", "{}", time.Hour); err != nil {
		t.Fatalf("OpenRecoveryContext long: %v", err)
	}

	n, err := s.DeleteExpiredRecoveryContexts(ctx, short.ExpiresAtUnixMs+1)
	if err != nil {
		t.Fatalf("DeleteExpiredRecoveryContexts: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted=%d, want 1", n)
	}

	has, err := s.HasRecoveryContext(ctx, "conv_re2")
	if err != nil {
		t.Fatalf("HasRecoveryContext: %v", err)
	}
	if !has {
		t.Fatal("unexpired context was deleted")
	}
}
