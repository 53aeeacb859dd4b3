// Package sweeper runs the periodic expiry pass: recovery contexts past
// their TTL are deleted and pending conversations whose grace window elapsed
// while nobody was talking get re-evaluated, so promotion does not wait for
// the next user turn.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/spaquet/convoguard/internal/conversation"
	"github.com/spaquet/convoguard/internal/convstore"
)

const promoteBatchSize = 200

// Report summarizes one sweep pass.
type Report struct {
	ExpiredContexts int64 `json:"expired_contexts"`
	Promoted        int   `json:"promoted"`
	Repaired        int   `json:"repaired"`
	Corrupted       int   `json:"corrupted"`
}

// Sweeper owns the cron loop. RunOnce can also be called directly (CLI sweep
// command, tests).
type Sweeper struct {
	store *convstore.Store
	mgr   *conversation.Manager
	log   *slog.Logger

	cron     *cron.Cron
	schedule string

	ctx    context.Context
	cancel context.CancelFunc
}

func New(store *convstore.Store, mgr *conversation.Manager, schedule string, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = "@every 1m"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		store:    store,
		mgr:      mgr,
		log:      log,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		schedule: schedule,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the sweep job and starts the cron loop.
func (s *Sweeper) Start() error {
	if s == nil || s.store == nil || s.mgr == nil {
		return errors.New("sweeper not initialized")
	}
	_, err := s.cron.AddFunc(s.schedule, func() {
		report, err := s.RunOnce(s.ctx)
		if err != nil {
			s.log.Error("sweep failed", "error", err)
			return
		}
		if report.ExpiredContexts > 0 || report.Promoted > 0 {
			s.log.Info("sweep complete",
				"expired_contexts", report.ExpiredContexts,
				"promoted", report.Promoted,
				"repaired", report.Repaired,
				"corrupted", report.Corrupted,
			)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts the cron loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	if s.cron != nil {
		done := s.cron.Stop()
		<-done.Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// RunOnce performs a single sweep pass. Per-conversation failures are logged
// and counted, never propagated; only store-level failures abort the pass.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	if s == nil || s.store == nil || s.mgr == nil {
		return report, errors.New("sweeper not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	expired, err := s.store.DeleteExpiredRecoveryContexts(ctx, time.Now().UnixMilli())
	if err != nil {
		return report, err
	}
	report.ExpiredContexts = expired

	// Pending conversations still inside the grace window cannot be promoted;
	// filter them out in SQL. Repairing ones are always re-evaluated so an
	// interrupted repair resumes.
	cutoff := time.Now().Add(-s.mgr.GraceWindow()).UnixMilli()
	pending, err := s.store.ListPendingOlderThan(ctx, cutoff, promoteBatchSize)
	if err != nil {
		return report, err
	}
	repairing, err := s.store.ListConversationsInState(ctx, convstore.StateRepairing, promoteBatchSize)
	if err != nil {
		return report, err
	}

	for _, ids := range [][]string{pending, repairing} {
		for _, id := range ids {
			receipt, err := s.mgr.PromotePending(ctx, id)
			if err != nil {
				if ie, ok := conversation.AsIntegrityError(err); ok {
					// Expected terminal outcome for unrepairable logs.
					report.Corrupted++
					s.log.Warn("sweep declared conversation corrupted",
						"conversation_id", ie.ConversationID,
						"reason", ie.Reason,
					)
					continue
				}
				s.log.Error("sweep promotion failed", "conversation_id", id, "error", err)
				continue
			}
			if receipt.State == convstore.StateStable {
				report.Promoted++
				if receipt.Repaired {
					report.Repaired++
				}
			}
			if err := s.store.TouchCleanup(ctx, id, time.Now().UnixMilli()); err != nil {
				s.log.Error("sweep cleanup mark failed", "conversation_id", id, "error", err)
			}
		}
	}

	return report, nil
}
