package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"mangabot/internal/checkpoint"
	"mangabot/internal/fanout"
	"mangabot/internal/model"
	"mangabot/internal/notify"
	"mangabot/internal/source"
	"mangabot/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider records poll boundaries and returns a canned event per tracked
// entry.
type fakeProvider struct {
	name    string
	pollErr error

	mu         sync.Mutex
	sinceSeen  []time.Time
	pollCalls  int
	blockUntil <-chan struct{}
	polling    chan struct{} // closed when the first Poll starts
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) MatchURL(string) bool { return false }

func (f *fakeProvider) Resolve(_ context.Context, url string) (string, error) { return url, nil }

func (f *fakeProvider) Validate(*model.TrackedEntry, json.RawMessage) error { return nil }

func (f *fakeProvider) Poll(ctx context.Context, since time.Time, tracked map[string][]*model.TrackedEntry) ([]model.UpdateEvent, error) {
	f.mu.Lock()
	f.pollCalls++
	if f.pollCalls == 1 && f.polling != nil {
		close(f.polling)
	}
	f.sinceSeen = append(f.sinceSeen, since)
	f.mu.Unlock()

	if f.blockUntil != nil {
		select {
		case <-f.blockUntil:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.pollErr != nil {
		return nil, f.pollErr
	}

	var events []model.UpdateEvent
	for _, entries := range tracked {
		for _, entry := range entries {
			events = append(events, model.UpdateEvent{Entry: entry, Title: "update", Message: "new release"})
		}
	}
	return events, nil
}

// stubNotifier accepts everything and counts created threads.
type stubNotifier struct {
	mu          sync.Mutex
	nextID      int64
	created     int
	unreachable map[int64]bool
	blockCreate bool
}

func (s *stubNotifier) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *stubNotifier) Reachable(_ context.Context, _ int64, channelID int64) bool {
	return !s.unreachable[channelID]
}

func (s *stubNotifier) CanCreateThreads(context.Context, int64, int64, bool) error { return nil }

func (s *stubNotifier) Send(context.Context, int64, int64, notify.Content) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id(), nil
}

func (s *stubNotifier) CreateThread(ctx context.Context, _, _ int64, _ string, _ bool) (int64, error) {
	if s.blockCreate {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	return s.id(), nil
}

func (s *stubNotifier) CreateThreadFromMessage(context.Context, int64, int64, int64, string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	return s.id(), nil
}

func (s *stubNotifier) SendInThread(context.Context, int64, int64, notify.Content) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id(), nil
}

func (s *stubNotifier) AddRecipient(context.Context, int64, int64, int64, bool) error { return nil }
func (s *stubNotifier) Pin(context.Context, int64, int64) error                       { return nil }
func (s *stubNotifier) Archive(context.Context, int64, int64) error                   { return nil }
func (s *stubNotifier) OpenThreads(context.Context, int64) ([]notify.ThreadInfo, error) {
	return nil, nil
}

type fixture struct {
	store    *storage.SQLite
	registry *source.Registry
	notifier *stubNotifier
	cp       *checkpoint.Checkpoint
	sched    *Scheduler
}

func newFixture(t *testing.T, providers ...source.Provider) *fixture {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cp, err := checkpoint.Load(context.Background(), store)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}

	registry := source.NewRegistry()
	for _, p := range providers {
		registry.Register(p)
	}

	notifier := &stubNotifier{}
	proc := fanout.New(store, notifier, discardLogger(), 0)
	sched := New(store, registry, notifier, proc, cp, discardLogger())
	return &fixture{store: store, registry: registry, notifier: notifier, cp: cp, sched: sched}
}

func (f *fixture) addEntry(t *testing.T, sourceID string, groupID, channelID int64, item string) *model.TrackedEntry {
	t.Helper()
	entry := &model.TrackedEntry{GroupID: groupID, ChannelID: channelID, CreatorID: 1, ItemID: item, SourceID: sourceID}
	if _, err := f.store.GetOrCreateEntry(context.Background(), entry); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	return entry
}

func TestRunCycleAdvancesCheckpoint(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	f := newFixture(t, provider)
	f.addEntry(t, "fake", 10, 11, "a")

	cycleStart := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f.sched.SetNow(func() time.Time { return cycleStart })

	f.sched.RunCycle(context.Background())

	// The first poll runs from the default boundary.
	if len(provider.sinceSeen) != 1 || !provider.sinceSeen[0].Equal(time.Unix(1650600000, 0).UTC()) {
		t.Fatalf("unexpected poll boundaries %v", provider.sinceSeen)
	}
	if f.notifier.created != 1 {
		t.Errorf("expected 1 thread, got %d", f.notifier.created)
	}

	// The persisted boundary is the cycle start, not the poll time.
	raw, ok, err := f.store.GetMeta(context.Background(), "last_updated")
	if err != nil || !ok {
		t.Fatalf("get checkpoint: %v (ok=%v)", err, ok)
	}
	if string(raw) != "1785585600" {
		t.Errorf("expected checkpoint 1785585600, got %s", raw)
	}

	// The next cycle polls from the previous cycle's start.
	next := cycleStart.Add(10 * time.Minute)
	f.sched.SetNow(func() time.Time { return next })
	f.sched.RunCycle(context.Background())
	if len(provider.sinceSeen) != 2 || !provider.sinceSeen[1].Equal(cycleStart) {
		t.Fatalf("unexpected poll boundaries %v", provider.sinceSeen)
	}
}

func TestProviderFailureIsIsolated(t *testing.T) {
	failing := &fakeProvider{name: "broken", pollErr: errors.New("api down")}
	healthy := &fakeProvider{name: "healthy"}
	f := newFixture(t, failing, healthy)
	f.addEntry(t, "broken", 10, 11, "a")
	f.addEntry(t, "healthy", 10, 11, "b")

	f.sched.RunCycle(context.Background())

	// The healthy provider still delivers and the checkpoint still advances.
	if f.notifier.created != 1 {
		t.Errorf("expected 1 thread from the healthy source, got %d", f.notifier.created)
	}
	if _, ok, _ := f.store.GetMeta(context.Background(), "last_updated"); !ok {
		t.Error("expected checkpoint to be persisted despite the failing source")
	}
}

func TestUnreachableChannelSkipped(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	f := newFixture(t, provider)
	f.addEntry(t, "fake", 10, 11, "a")
	f.addEntry(t, "fake", 20, 21, "a")
	f.notifier.unreachable = map[int64]bool{21: true}

	f.sched.RunCycle(context.Background())

	// Only the reachable destination produced a thread.
	if f.notifier.created != 1 {
		t.Errorf("expected 1 thread, got %d", f.notifier.created)
	}
}

func TestPausedEntriesNotPolled(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	f := newFixture(t, provider)
	entry := f.addEntry(t, "fake", 10, 11, "a")
	now := time.Now().UTC()
	if err := f.store.SetPaused(context.Background(), entry.ID, &now); err != nil {
		t.Fatalf("pause: %v", err)
	}

	f.sched.RunCycle(context.Background())

	if provider.pollCalls != 0 {
		t.Errorf("expected no polls for a fully paused source, got %d", provider.pollCalls)
	}
	if f.notifier.created != 0 {
		t.Errorf("expected no threads, got %d", f.notifier.created)
	}
}

func TestCycleTimeoutStillPersistsCheckpoint(t *testing.T) {
	block := make(chan struct{})
	provider := &fakeProvider{name: "slow", blockUntil: block}
	f := newFixture(t, provider)
	f.addEntry(t, "slow", 10, 11, "a")
	f.sched.SetCycleTimeout(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.sched.RunCycle(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		close(block)
		t.Fatal("cycle did not stop at the deadline")
	}

	// A deadline during polling still counts as a completed cycle.
	if _, ok, _ := f.store.GetMeta(context.Background(), "last_updated"); !ok {
		t.Error("expected checkpoint to be persisted after a timed-out cycle")
	}
}

func TestOverlappingCycleSkipped(t *testing.T) {
	block := make(chan struct{})
	provider := &fakeProvider{name: "slow", blockUntil: block, polling: make(chan struct{})}
	f := newFixture(t, provider)
	f.addEntry(t, "slow", 10, 11, "a")

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.sched.RunCycle(context.Background())
	}()

	select {
	case <-provider.polling:
	case <-time.After(5 * time.Second):
		close(block)
		t.Fatal("first cycle never started polling")
	}

	// A manual trigger while the first cycle is still polling is a no-op.
	f.sched.RunCycle(context.Background())

	provider.mu.Lock()
	calls := provider.pollCalls
	provider.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected the overlapping cycle to be skipped, got %d polls", calls)
	}

	close(block)
	<-done

	// Only the first cycle ran and it still persisted its checkpoint.
	if _, ok, _ := f.store.GetMeta(context.Background(), "last_updated"); !ok {
		t.Error("expected the first cycle to persist its checkpoint")
	}
}

// faultStore injects storage failures into an otherwise working store.
type faultStore struct {
	storage.Storage
	sourcesErr error
	entriesErr error
}

func (f *faultStore) ActiveSources(ctx context.Context) ([]string, error) {
	if f.sourcesErr != nil {
		return nil, f.sourcesErr
	}
	return f.Storage.ActiveSources(ctx)
}

func (f *faultStore) ActiveEntriesBySource(ctx context.Context, sourceID string, channels []int64) (map[string][]*model.TrackedEntry, error) {
	if f.entriesErr != nil {
		return nil, f.entriesErr
	}
	return f.Storage.ActiveEntriesBySource(ctx, sourceID, channels)
}

func TestStorageFaultLeavesCheckpointUntouched(t *testing.T) {
	tests := []struct {
		name  string
		fault func(*faultStore)
	}{
		{
			name:  "listing active sources fails",
			fault: func(fs *faultStore) { fs.sourcesErr = errors.New("db locked") },
		},
		{
			name:  "grouping entries fails",
			fault: func(fs *faultStore) { fs.entriesErr = errors.New("db locked") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{name: "fake"}
			f := newFixture(t, provider)
			f.addEntry(t, "fake", 10, 11, "a")

			fs := &faultStore{Storage: f.store}
			tt.fault(fs)
			sched := New(fs, f.registry, f.notifier, fanout.New(fs, f.notifier, discardLogger(), 0), f.cp, discardLogger())

			sched.RunCycle(context.Background())

			// The scan window was never covered, so the boundary must not move.
			if _, ok, _ := f.store.GetMeta(context.Background(), "last_updated"); ok {
				t.Error("expected no checkpoint after a storage fault")
			}
			if f.notifier.created != 0 {
				t.Errorf("expected no threads, got %d", f.notifier.created)
			}
		})
	}
}

func TestCycleTimeoutBoundsFanOut(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	f := newFixture(t, provider)
	f.addEntry(t, "fake", 10, 11, "a")
	f.notifier.blockCreate = true
	f.sched.SetCycleTimeout(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.sched.RunCycle(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not stop at the deadline")
	}

	// Delivery failed at the deadline, but the cycle itself completed.
	if _, ok, _ := f.store.GetMeta(context.Background(), "last_updated"); !ok {
		t.Error("expected checkpoint to be persisted after a timed-out fan-out")
	}
	if f.notifier.created != 0 {
		t.Errorf("expected no threads from the blocked notifier, got %d", f.notifier.created)
	}
}

func TestStopPreventsNewCycles(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	f := newFixture(t, provider)
	f.addEntry(t, "fake", 10, 11, "a")

	f.sched.Stop()
	if !f.sched.Stopped() {
		t.Fatal("expected stopped state")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.sched.Run(ctx)
	}()
	cancel()
	<-done

	if provider.pollCalls != 0 {
		t.Errorf("expected no cycles after stop, got %d polls", provider.pollCalls)
	}
}
