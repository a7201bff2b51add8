// Package scheduler runs the periodic ConnectServer jobs: the catalog
// liveness tick, the idle-client sweep and a periodic stats line.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mu-connect/connectserver/internal/network"
	"github.com/mu-connect/connectserver/internal/serverlist"
	"github.com/mu-connect/connectserver/internal/util"
)

const (
	MainProcInterval  = time.Second
	IdleSweepInterval = 5 * time.Second
	StatsInterval     = 5 * time.Minute
)

// Catalog is the part of the server catalog the scheduler drives.
type Catalog interface {
	MainProc()
	Stats() serverlist.Stats
}

// Options tunes the scheduler. Zero intervals take the package defaults.
type Options struct {
	IdleTimeout       time.Duration
	MainProcInterval  time.Duration
	IdleSweepInterval time.Duration
	StatsInterval     time.Duration
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	catalog  Catalog
	registry *network.Registry
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler over catalog and registry.
func NewScheduler(catalog Catalog, registry *network.Registry, opts Options) *Scheduler {
	if opts.MainProcInterval <= 0 {
		opts.MainProcInterval = MainProcInterval
	}
	if opts.IdleSweepInterval <= 0 {
		opts.IdleSweepInterval = IdleSweepInterval
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = StatsInterval
	}
	return &Scheduler{
		catalog:  catalog,
		registry: registry,
		opts:     opts,
		now:      time.Now,
		logger:   util.ComponentLogger("scheduler"),
	}
}

// Start launches every task and blocks until ctx is cancelled and the
// tasks have returned.
func (s *Scheduler) Start(ctx context.Context) {
	tasks := []struct {
		name     string
		interval time.Duration
		fn       func()
	}{
		{"catalog_tick", s.opts.MainProcInterval, s.catalog.MainProc},
		{"stats", s.opts.StatsInterval, s.logStats},
	}
	if s.opts.IdleTimeout > 0 {
		tasks = append(tasks, struct {
			name     string
			interval time.Duration
			fn       func()
		}{"idle_sweep", s.opts.IdleSweepInterval, func() { s.SweepIdle() }})
	}

	for _, task := range tasks {
		task := task
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(task.interval)
			defer ticker.Stop()

			s.logger.Debug().Str("task", task.name).Dur("interval", task.interval).Msg("task scheduled")
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					task.fn()
				}
			}
		}()
	}

	s.logger.Info().Int("tasks", len(tasks)).Msg("scheduler started")
	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// SweepIdle closes every session silent for longer than the idle
// timeout and returns how many were closed.
func (s *Scheduler) SweepIdle() int {
	if s.opts.IdleTimeout <= 0 {
		return 0
	}
	now := s.now()
	closed := 0
	for _, sess := range s.registry.Sessions() {
		if !sess.IsTimedOut(now, s.opts.IdleTimeout) {
			continue
		}
		s.logger.Info().
			Int("slot", sess.Handle().Slot).
			Str("ip", sess.IP()).
			Dur("idle", now.Sub(sess.LastActivity())).
			Msg("closing idle client")
		sess.Close()
		closed++
	}
	return closed
}

func (s *Scheduler) logStats() {
	stats := s.catalog.Stats()
	s.logger.Info().
		Int("clients", s.registry.Count()).
		Int("servers_alive", stats.Alive).
		Int("servers_visible", stats.Visible).
		Int("servers_total", stats.Total).
		Msg("periodic stats")
}
