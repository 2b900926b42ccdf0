// Package sweep runs the time-based expiration lifecycle: reminders at 30
// minutes idle, abandonment with draft at 60, draft purge past the recovery
// window. It acts purely on elapsed time, independent of the FSM, and takes
// the same per-user lock as the message pipeline so it can never race an
// in-flight message.
package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/obralink/foreman/internal/arbiter"
	"github.com/obralink/foreman/internal/fsm"
	"github.com/obralink/foreman/internal/userlock"
	"github.com/obralink/foreman/pkg/models"
)

// DefaultInterval is how often the sweep runs.
const DefaultInterval = time.Minute

// Store is the slice of the session store the sweeper reads and bookmarks.
type Store interface {
	ReminderCandidates(ctx context.Context) ([]*models.Session, error)
	AbandonCandidates(ctx context.Context) ([]*models.Session, error)
	MarkReminderSent(ctx context.Context, sessionID string) error
	SessionByID(ctx context.Context, sessionID string) (*models.Session, error)
	PurgeExpiredDrafts(ctx context.Context) (int64, error)
	AbandonAfter() time.Duration
}

// Abandoner closes a session along legal FSM edges. Satisfied by
// arbiter.Processor, so sweep closures produce the same audit records and
// drafts as user-driven ones.
type Abandoner interface {
	Abandon(ctx context.Context, sess *models.Session, finalTrigger func(models.SessionState) fsm.Trigger) (*fsm.Result, error)
}

// ReminderFunc surfaces a non-destructive idle reminder to the user. The
// session itself stays untouched.
type ReminderFunc func(ctx context.Context, sess *models.Session)

// Recorder counts sweep closures.
type Recorder interface {
	RecordSweepClosure(ctx context.Context)
}

// Sweeper periodically applies the expiration tiers.
type Sweeper struct {
	store     Store
	abandoner Abandoner
	locks     *userlock.Locks
	remind    ReminderFunc
	recorder  Recorder
	interval  time.Duration
}

// New creates a sweeper. remind and recorder may be nil.
func New(store Store, abandoner Abandoner, locks *userlock.Locks, remind ReminderFunc, recorder Recorder, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		store:     store,
		abandoner: abandoner,
		locks:     locks,
		remind:    remind,
		recorder:  recorder,
		interval:  interval,
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("Expiration sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiration sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all three tiers.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepAbandons(ctx)
	s.sweepReminders(ctx)
	if purged, err := s.store.PurgeExpiredDrafts(ctx); err != nil {
		log.Warn().Err(err).Msg("Draft purge failed")
	} else if purged > 0 {
		log.Info().Int64("purged", purged).Msg("Expired drafts purged")
	}
}

// sweepAbandons soft-closes sessions idle past the abandon tier.
func (s *Sweeper) sweepAbandons(ctx context.Context) {
	candidates, err := s.store.AbandonCandidates(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Abandon candidate listing failed")
		return
	}
	for _, sess := range candidates {
		s.abandonOne(ctx, sess)
	}
}

// abandonOne re-checks idle time under the user's lock before acting: a
// message may have landed between the listing and the lock.
func (s *Sweeper) abandonOne(ctx context.Context, sess *models.Session) {
	release, err := s.locks.Acquire(ctx, sess.UserID)
	if err != nil {
		// Busy user means live traffic; the next pass will retry.
		log.Debug().Str("user", sess.UserID).Msg("Sweep skipped busy user")
		return
	}
	defer release()

	fresh, err := s.store.SessionByID(ctx, sess.ID)
	if err != nil || fresh == nil || !fresh.Active() {
		return
	}
	if fresh.IdleSince(time.Now()) < s.store.AbandonAfter() {
		return
	}

	if _, err := s.abandoner.Abandon(ctx, fresh, arbiter.TimeoutTrigger); err != nil {
		log.Error().Err(err).Str("session", fresh.ID).Msg("Sweep abandon failed")
		return
	}
	if s.recorder != nil {
		s.recorder.RecordSweepClosure(ctx)
	}
	log.Info().
		Str("session", fresh.ID).
		Str("user", fresh.UserID).
		Msg("Idle session abandoned with draft")
}

// sweepReminders surfaces one reminder per idle session past the first tier.
func (s *Sweeper) sweepReminders(ctx context.Context) {
	candidates, err := s.store.ReminderCandidates(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Reminder candidate listing failed")
		return
	}
	for _, sess := range candidates {
		if s.remind != nil {
			s.remind(ctx, sess)
		}
		if err := s.store.MarkReminderSent(ctx, sess.ID); err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Msg("Reminder bookmark failed")
		}
	}
}
