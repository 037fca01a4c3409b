// Package scheduler drives the round lifecycle on a fixed tick: close
// due rounds, settle due rounds (auto-resolving via the oracle), and
// void rounds that sat in grace past their deadline.
package scheduler

import (
	"context"
	"time"

	"github.com/duskline/updown-core/internal/round"
	"github.com/duskline/updown-core/pkg/logging"
)

// Config configures a Scheduler.
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig returns the scheduler's default tick interval.
func DefaultConfig() Config {
	return Config{PollInterval: time.Minute}
}

// Scheduler ticks the round Engine's lifecycle operations.
type Scheduler struct {
	rounds *round.Engine
	cfg    Config
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler over a round Engine.
func New(rounds *round.Engine, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		rounds: rounds,
		cfg:    cfg,
		log:    logging.Default().Component("scheduler"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start launches the tick loop as a background goroutine.
func (s *Scheduler) Start() {
	go s.run()
	s.log.Info("scheduler started", "poll_interval", s.cfg.PollInterval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.done
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	if err := s.rounds.LockDue(s.ctx); err != nil {
		s.log.Warn("failed to lock due rounds", "error", err)
	}
	if err := s.rounds.SettleDue(s.ctx); err != nil {
		s.log.Warn("failed to settle due rounds", "error", err)
	}
	if err := s.rounds.VoidGraceElapsed(s.ctx); err != nil {
		s.log.Warn("failed to void grace-elapsed rounds", "error", err)
	}
}
