package experiment

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// schedulerConcurrency bounds how many tests are analyzed in parallel per
// sweep so a tick never monopolizes the process.
const schedulerConcurrency = 4

// scheduler periodically re-analyzes running tests and auto-stops those with
// a stop recommendation, and purges results of finished tests past the
// retention window. It is the only component that autonomously mutates test
// state, and it always does so through the engine's StopTest.
type scheduler struct {
	engine    *Engine
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

func newScheduler(engine *Engine, interval, retention time.Duration, logger *zap.Logger) *scheduler {
	return &scheduler{
		engine:    engine,
		interval:  interval,
		retention: retention,
		logger:    logger.With(zap.String("component", "scheduler")),
		done:      make(chan struct{}),
	}
}

// start launches the ticker loop. The loop stops when the parent context is
// cancelled or stop is called.
func (s *scheduler) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

func (s *scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweep analyzes every running test with bounded parallelism. Per-test
// failures are logged and swallowed so one broken test cannot starve the
// rest.
func (s *scheduler) sweep(ctx context.Context) {
	running, err := s.engine.store.ListTests(ctx, StatusRunning)
	if err != nil {
		s.logger.Warn("failed to list running tests", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(schedulerConcurrency)
	for _, test := range running {
		testID := test.ID
		g.Go(func() error {
			s.engine.autoAnalyze(gctx, testID)
			return nil
		})
	}
	_ = g.Wait()

	if s.retention > 0 {
		s.purgeExpired(ctx)
	}
}

// purgeExpired removes result rows of finished tests older than the
// retention window. Tests themselves are never deleted.
func (s *scheduler) purgeExpired(ctx context.Context) {
	finished, err := s.engine.store.ListTests(ctx, StatusCompleted, StatusCancelled)
	if err != nil {
		s.logger.Warn("failed to list finished tests", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-s.retention)
	for _, test := range finished {
		removed, err := s.engine.store.PurgeResults(ctx, test.ID, cutoff)
		if err != nil {
			s.logger.Warn("retention purge failed",
				zap.String("test_id", test.ID), zap.Error(err))
			continue
		}
		if removed > 0 {
			s.logger.Info("purged expired results",
				zap.String("test_id", test.ID),
				zap.Int64("removed", removed))
		}
	}
}

// stop cancels the loop and waits for the current sweep to finish.
func (s *scheduler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}
