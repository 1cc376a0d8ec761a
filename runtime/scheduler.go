// Package runtime drives the engine's background work: scheduled sync
// passes, write-triggered sync debouncing, storage cleanup and deferred
// embedding.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/stm/stm"
)

const (
	// debounceDelay batches bursts of writes into one sync pass.
	debounceDelay = 10 * time.Second

	cleanupInterval = 15 * time.Minute
	reembedInterval = time.Minute
	reembedBatch    = 64
)

// Scheduler runs the engine's periodic maintenance loops.
type Scheduler struct {
	engine *stm.Engine
	logger zerolog.Logger
}

// NewScheduler wires a scheduler to an initialized engine.
func NewScheduler(engine *stm.Engine, logger zerolog.Logger) (*Scheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	return &Scheduler{
		engine: engine,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Start runs the maintenance loops until ctx is cancelled. Blocks; run in
// a goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	cfg := s.engine.Config()
	schedule, err := cfg.ResolveSchedule()
	if err != nil {
		return fmt.Errorf("invalid sync schedule: %w", err)
	}

	s.logger.Info().
		Bool("autoSync", cfg.AutoSync).
		Dur("syncInterval", cfg.SyncInterval).
		Msg("Starting scheduler")

	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()
	reembedTicker := time.NewTicker(reembedInterval)
	defer reembedTicker.Stop()

	// The debounce timer arms when a write requests sync and is pushed
	// back by further writes until the burst settles.
	debounce := time.NewTimer(debounceDelay)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	syncTimer := time.NewTimer(time.Until(schedule.Next(time.Now())))
	defer syncTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped: context cancelled")
			return nil

		case <-syncTimer.C:
			s.runSync(ctx)
			syncTimer.Reset(time.Until(schedule.Next(time.Now())))

		case <-s.engine.SyncRequests():
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(debounceDelay)

		case <-debounce.C:
			s.runSync(ctx)

		case <-cleanupTicker.C:
			s.runCleanup(ctx)

		case <-reembedTicker.C:
			s.runReembed(ctx)
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	if !s.engine.Config().AutoSync {
		return
	}
	summary, err := s.engine.Sync(ctx)
	if err != nil {
		if stm.IsOffline(err) {
			s.logger.Debug().Msg("Sync skipped: offline")
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error().Err(err).Msg("Scheduled sync failed")
		return
	}
	s.logger.Debug().
		Int("uploaded", summary.Uploaded).
		Int("downloaded", summary.Downloaded).
		Msg("Scheduled sync completed")
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	result, err := s.engine.Cleanup(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Cleanup pass failed")
		return
	}
	if result.Deleted > 0 || result.Errors > 0 {
		s.logger.Info().Int("deleted", result.Deleted).Int("errors", result.Errors).Msg("Cleanup pass completed")
	}
}

func (s *Scheduler) runReembed(ctx context.Context) {
	n, err := s.engine.ReembedPending(ctx, reembedBatch)
	if err != nil {
		s.logger.Error().Err(err).Msg("Re-embed pass failed")
		return
	}
	if n > 0 {
		s.logger.Debug().Int("embedded", n).Msg("Attached deferred embeddings")
	}
}
