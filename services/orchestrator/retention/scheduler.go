// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retention deletes activity records once they age out.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
)

// Purger deletes activity records older than a cutoff. *store.SQLStore
// satisfies it.
type Purger interface {
	PurgeActivity(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls the sweep.
//
// # Fields
//
//   - MaxAge: Records older than this are deleted. Zero disables retention.
//   - Interval: Time between sweeps. Default: 1 hour.
//   - Timeout: Bound on a single sweep. Default: 1 minute.
type Config struct {
	MaxAge   time.Duration `yaml:"max_age"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Enabled reports whether a sweep should run at all.
func (c Config) Enabled() bool { return c.MaxAge > 0 }

// Result summarises one sweep.
type Result struct {
	Cutoff  time.Time
	Deleted int64
	Elapsed time.Duration
}

// Scheduler runs sweeps on a ticker.
//
// # Description
//
// Start runs one sweep immediately, then one per Interval, until Stop or
// the start context ends. A failing sweep is logged and the next one runs
// on schedule.
//
// # Thread Safety
//
// Start, Stop and RunNow are safe for concurrent use. Stop waits for an
// in-progress sweep.
type Scheduler struct {
	purger  Purger
	config  Config
	metrics *observability.ChatMetrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler applies defaults to cfg. metrics may be nil.
func NewScheduler(purger Purger, cfg Config, metrics *observability.ChatMetrics, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		purger:  purger,
		config:  cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Start launches the sweep loop. It fails if the scheduler is already
// running or retention is disabled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled() {
		return errors.New("retention is disabled (max_age is zero)")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("retention scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})

	s.logger.Info("Activity retention scheduler starting",
		"max_age", s.config.MaxAge.String(),
		"interval", s.config.Interval.String(),
	)
	s.wg.Add(1)
	go s.runLoop(ctx, s.done)
	return nil
}

// Stop ends the loop and waits for it. Safe to call when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.done)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Activity retention scheduler stopped")
}

// RunNow performs one sweep outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) (Result, error) {
	started := s.now()
	cutoff := started.Add(-s.config.MaxAge)

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	n, err := s.purger.PurgeActivity(ctx, cutoff)
	if err != nil {
		return Result{Cutoff: cutoff}, fmt.Errorf("retention sweep: %w", err)
	}
	s.metrics.RecordActivityPurged(n)
	return Result{Cutoff: cutoff, Deleted: n, Elapsed: s.now().Sub(started)}, nil
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	res, err := s.RunNow(ctx)
	if err != nil {
		s.logger.Error("Activity retention sweep failed", "error", err)
		return
	}
	if res.Deleted == 0 {
		s.logger.Debug("Activity retention sweep found nothing to delete")
		return
	}
	s.logger.Info("Activity retention sweep completed",
		"deleted", res.Deleted,
		"cutoff", res.Cutoff.Format(time.RFC3339),
		"duration_ms", res.Elapsed.Milliseconds(),
	)
}
