// Package scheduler runs the periodic background work of the session
// server: world autosave and activity statistics.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxelnet-project/voxelnet/internal/config"
	"github.com/voxelnet-project/voxelnet/internal/events"
	"github.com/voxelnet-project/voxelnet/internal/network"
	"github.com/voxelnet-project/voxelnet/internal/world"
)

const callTimeout = 5 * time.Second

// Reactor serializes access to the session state.
type Reactor interface {
	Call(ctx context.Context, fn func(network.Hub)) error
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      config.WorldConfig
	eventBus *events.EventBus
	reactor  Reactor
	world    *world.World
	logger   zerolog.Logger
}

// NewScheduler creates a new task scheduler. eventBus may be nil.
func NewScheduler(cfg config.WorldConfig, eventBus *events.EventBus, reactor Reactor, w *world.World) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		eventBus: eventBus,
		reactor:  reactor,
		world:    w,
		logger:   log.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs every enabled task until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Int("autosave_sec", s.cfg.AutosaveIntervalSec).
		Int("stats_sec", s.cfg.StatsIntervalSec).
		Msg("scheduler started")

	if s.cfg.AutosaveIntervalSec > 0 {
		go s.every(ctx, time.Duration(s.cfg.AutosaveIntervalSec)*time.Second, func() {
			if err := s.Autosave(ctx); err != nil {
				s.logger.Error().Err(err).Msg("autosave failed")
			}
		})
	}
	if s.cfg.StatsIntervalSec > 0 {
		go s.every(ctx, time.Duration(s.cfg.StatsIntervalSec)*time.Second, func() {
			if err := s.CollectStats(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("stats collection failed")
			}
		})
	}

	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, task func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task()
		}
	}
}

// Autosave writes the world when it changed since the last save.
func (s *Scheduler) Autosave(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var (
		saved   bool
		blocks  int
		saveErr error
	)
	err := s.reactor.Call(ctx, func(network.Hub) {
		if !s.world.Dirty() {
			return
		}
		blocks = s.world.Count()
		saveErr = s.world.Save(ctx)
		saved = saveErr == nil
	})
	if err != nil {
		return err
	}
	if saveErr != nil {
		return saveErr
	}
	if !saved {
		return nil
	}

	s.logger.Debug().Int("blocks", blocks).Msg("world autosaved")
	s.emit(events.EventWorldSaved, events.StatsPayload{Blocks: blocks})
	return nil
}

// CollectStats logs a snapshot of server activity and publishes it.
func (s *Scheduler) CollectStats(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var payload events.StatsPayload
	err := s.reactor.Call(ctx, func(h network.Hub) {
		st := h.Stats()
		payload = events.StatsPayload{
			Peers:  st.Peers,
			Queued: st.Queued,
			Blocks: s.world.Count(),
			Uptime: st.Uptime,
		}
	})
	if err != nil {
		return err
	}
	payload.Goroutines = runtime.NumGoroutine()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.logger.Info().
		Int("peers", payload.Peers).
		Int("queued", payload.Queued).
		Int("blocks", payload.Blocks).
		Int("goroutines", payload.Goroutines).
		Str("heap", formatBytes(int64(mem.HeapAlloc))).
		Dur("uptime", payload.Uptime.Truncate(time.Second)).
		Msg("stats")

	s.emit(events.EventStats, payload)
	return nil
}

func (s *Scheduler) emit(t events.EventType, payload interface{}) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Emit(context.Background(), events.Event{Type: t, Source: "scheduler", Payload: payload})
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
