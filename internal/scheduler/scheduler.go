// Package scheduler drives the recurring update check cycle.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"mangabot/internal/checkpoint"
	"mangabot/internal/fanout"
	"mangabot/internal/model"
	"mangabot/internal/notify"
	"mangabot/internal/source"
	"mangabot/internal/storage"
)

const (
	// DefaultInterval is the gap between cycle triggers.
	DefaultInterval = 10 * time.Minute
	// DefaultCycleTimeout bounds one cycle's polling and fan-out work. It is
	// shorter than the interval so a slow cycle cannot pile up behind the
	// next trigger.
	DefaultCycleTimeout = 9 * time.Minute
)

// Scheduler runs the update check on a fixed interval. At most one cycle runs
// at a time; triggers that fire while a cycle is still running are skipped.
type Scheduler struct {
	store        storage.Storage
	sources      *source.Registry
	notifier     notify.Notifier
	fanout       *fanout.Processor
	cp           *checkpoint.Checkpoint
	log          *slog.Logger
	interval     time.Duration
	cycleTimeout time.Duration
	now          func() time.Time
	stopped      atomic.Bool
	running      sync.Mutex
}

// New creates a Scheduler with default timing.
func New(store storage.Storage, sources *source.Registry, notifier notify.Notifier, fan *fanout.Processor, cp *checkpoint.Checkpoint, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:        store,
		sources:      sources,
		notifier:     notifier,
		fanout:       fan,
		cp:           cp,
		log:          log,
		interval:     DefaultInterval,
		cycleTimeout: DefaultCycleTimeout,
		now:          time.Now,
	}
}

// SetInterval overrides the trigger interval.
func (s *Scheduler) SetInterval(d time.Duration) { s.interval = d }

// SetCycleTimeout overrides the per-cycle deadline.
func (s *Scheduler) SetCycleTimeout(d time.Duration) { s.cycleTimeout = d }

// SetNow overrides the clock (useful for testing).
func (s *Scheduler) SetNow(now func() time.Time) { s.now = now }

// Stop requests that no further cycles start. An in-flight cycle finishes
// normally, including its checkpoint persist.
func (s *Scheduler) Stop() { s.stopped.Store(true) }

// Stopped reports whether a stop was requested.
func (s *Scheduler) Stopped() bool { return s.stopped.Load() }

// Run blocks until ctx is cancelled, running one cycle immediately and then
// one per interval. Overlapping triggers are skipped, so cycles never run
// concurrently.
func (s *Scheduler) Run(ctx context.Context) {
	job := func() {
		if s.stopped.Load() || ctx.Err() != nil {
			return
		}
		s.RunCycle(ctx)
	}

	job()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc("@every "+s.interval.String(), job); err != nil {
		s.log.Error("schedule update check", "error", err)
		return
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
}

// RunCycle executes one full update check cycle. Cycles never overlap: a
// call made while another cycle is in flight, from any entry point, is a
// no-op.
func (s *Scheduler) RunCycle(ctx context.Context) {
	if !s.running.TryLock() {
		s.log.Info("update check already running, skipping")
		return
	}
	defer s.running.Unlock()

	// The cycle-start time becomes the next checkpoint: everything released
	// while this cycle runs falls into the next cycle's window.
	cycleStart := s.now().UTC()
	lastCheckpoint := s.cp.Last()

	s.log.Info("starting update check", "since", lastCheckpoint)

	channels, err := s.reachableChannels(ctx)
	if err != nil {
		s.log.Error("compute reachable destinations", "error", err)
		return
	}

	cycleCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	events, err := s.pollSources(cycleCtx, lastCheckpoint, channels)
	if err != nil {
		s.log.Error("poll sources", "error", err)
		return
	}
	s.dispatch(cycleCtx, events)

	// The checkpoint advances whether or not fan-out hit the deadline; a
	// failed flush leaves the stored value untouched for the next restart.
	s.cp.Set(cycleStart)
	if err := s.cp.Flush(ctx); err != nil {
		s.log.Error("persist checkpoint", "error", err)
	}

	s.log.Info("update check finished", "events", len(events), "checkpoint", cycleStart)
}

// reachableChannels filters active destinations down to the channels the
// notifier can still resolve.
func (s *Scheduler) reachableChannels(ctx context.Context) ([]int64, error) {
	dests, err := s.store.ActiveDestinations(ctx)
	if err != nil {
		return nil, err
	}
	var channels []int64
	for _, d := range dests {
		if s.notifier.Reachable(ctx, d.GroupID, d.ChannelID) {
			channels = append(channels, d.ChannelID)
		} else {
			s.log.Debug("destination unreachable", "group_id", d.GroupID, "channel_id", d.ChannelID)
		}
	}
	return channels, nil
}

// pollSources polls every active source concurrently. A failing provider is
// logged and contributes no events; it never affects its siblings. A storage
// fault is different: the scan window cannot be trusted, so it aborts the
// cycle before the checkpoint moves.
func (s *Scheduler) pollSources(ctx context.Context, since time.Time, channels []int64) ([]model.UpdateEvent, error) {
	sourceIDs, err := s.store.ActiveSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}

	var mu sync.Mutex
	var events []model.UpdateEvent
	var storeErr error
	var wg sync.WaitGroup
	for _, sourceID := range sourceIDs {
		sourceID := sourceID
		provider, ok := s.sources.Get(sourceID)
		if !ok {
			s.log.Warn("no provider registered", "source_id", sourceID)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracked, err := s.store.ActiveEntriesBySource(ctx, sourceID, channels)
			if err != nil {
				mu.Lock()
				if storeErr == nil {
					storeErr = fmt.Errorf("group entries for %s: %w", sourceID, err)
				}
				mu.Unlock()
				return
			}
			if len(tracked) == 0 {
				return
			}
			found, err := provider.Poll(ctx, since, tracked)
			if err != nil {
				s.log.Error("poll source", "source_id", sourceID, "error", err)
				return
			}
			mu.Lock()
			events = append(events, found...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if storeErr != nil {
		return nil, storeErr
	}
	return events, nil
}

// dispatch groups events by destination group and fans them out, one task per
// group, bounded by the cycle deadline.
func (s *Scheduler) dispatch(ctx context.Context, events []model.UpdateEvent) {
	if len(events) == 0 {
		return
	}

	byGroup := make(map[int64][]model.UpdateEvent)
	for _, event := range events {
		byGroup[event.Entry.GroupID] = append(byGroup[event.Entry.GroupID], event)
	}

	var g errgroup.Group
	for groupID, groupEvents := range byGroup {
		groupID, groupEvents := groupID, groupEvents
		g.Go(func() error {
			if err := s.fanout.ProcessGroup(ctx, groupID, groupEvents); err != nil {
				s.log.Error("fan out group", "group_id", groupID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
