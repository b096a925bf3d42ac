package worker

import (
	"context"
	"time"

	"checkout-service/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SessionAbandoner expires payment sessions that never got a result.
type SessionAbandoner interface {
	AbandonStaleSessions(ctx context.Context, maxAge time.Duration) (int64, error)
}

// AttemptPruner drops idle in-memory checkout attempts.
type AttemptPruner interface {
	Prune(maxAge time.Duration) int
}

// SessionSweeper periodically abandons stale payment sessions and prunes
// idle checkout attempts.
type SessionSweeper struct {
	cron       *cron.Cron
	sessions   SessionAbandoner
	attempts   AttemptPruner
	sessionAge time.Duration
	attemptAge time.Duration
	jobTimeout time.Duration
	logger     *zap.Logger
}

// NewSessionSweeper creates a sweeper. attempts may be nil.
func NewSessionSweeper(sessions SessionAbandoner, attempts AttemptPruner, sessionAge, attemptAge time.Duration) *SessionSweeper {
	return &SessionSweeper{
		cron:       cron.New(),
		sessions:   sessions,
		attempts:   attempts,
		sessionAge: sessionAge,
		attemptAge: attemptAge,
		jobTimeout: 30 * time.Second,
		logger:     util.GetLogger(),
	}
}

// Start schedules the sweep (a robfig/cron expression such as
// "@every 1m") and starts the scheduler.
func (s *SessionSweeper) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() {
		s.logger.Debug("Running: payment session sweep")
		s.Sweep(context.Background())
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Session sweeper started", zap.String("schedule", schedule))
	return nil
}

// Stop stops the scheduler and waits for a running sweep.
func (s *SessionSweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Session sweeper stopped")
}

// Sweep runs one pass.
func (s *SessionSweeper) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	abandoned, err := s.sessions.AbandonStaleSessions(ctx, s.sessionAge)
	if err != nil {
		s.logger.Error("Failed to abandon stale payment sessions", zap.Error(err))
	} else if abandoned > 0 {
		util.SessionsSweptTotal.Add(float64(abandoned))
		s.logger.Info("Abandoned stale payment sessions", zap.Int64("count", abandoned))
	}

	if s.attempts != nil && s.attemptAge > 0 {
		if pruned := s.attempts.Prune(s.attemptAge); pruned > 0 {
			s.logger.Debug("Pruned idle checkout attempts", zap.Int("count", pruned))
		}
	}
}
