// Package fanout delivers update events to their destination groups, keeping
// the number of open notification threads per group under a cap.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"mangabot/internal/model"
	"mangabot/internal/notify"
	"mangabot/internal/storage"
)

// DefaultMaxThreads is the per-group cap on open notification threads.
const DefaultMaxThreads = 1000

// Processor fans update events out to destination groups. Calls for the same
// group are serialized; calls for different groups may run concurrently.
type Processor struct {
	store      storage.Storage
	notifier   notify.Notifier
	log        *slog.Logger
	maxThreads int

	mu    sync.Mutex
	locks map[int64]*sync.Mutex // grows with distinct groups seen; bounded by destination cardinality
}

// New creates a Processor. maxThreads <= 0 selects the default cap.
func New(store storage.Storage, notifier notify.Notifier, log *slog.Logger, maxThreads int) *Processor {
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	return &Processor{
		store:      store,
		notifier:   notifier,
		log:        log,
		maxThreads: maxThreads,
		locks:      make(map[int64]*sync.Mutex),
	}
}

func (p *Processor) groupLock(groupID int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[groupID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[groupID] = lock
	}
	return lock
}

// ProcessGroup delivers a non-empty batch of events that all target the same
// group. When the batch would push the group over the thread cap, the least
// recently active threads are archived first; if fewer threads are
// reclaimable than needed, only as many events as could be freed are
// processed and the rest are dropped for this cycle.
func (p *Processor) ProcessGroup(ctx context.Context, groupID int64, events []model.UpdateEvent) error {
	if len(events) == 0 {
		return errors.New("empty event batch")
	}

	lock := p.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	open, err := p.notifier.OpenThreads(ctx, groupID)
	if err != nil {
		return fmt.Errorf("list open threads: %w", err)
	}

	if len(open)+len(events) > p.maxThreads {
		overflow := len(open) + len(events) - p.maxThreads
		reclaimed := p.reclaim(ctx, groupID, open, overflow)
		if reclaimed < overflow {
			dropped := len(events) - reclaimed
			p.log.Warn("dropping events over thread cap",
				"group_id", groupID, "dropped", dropped, "reclaimed", reclaimed)
			events = events[:reclaimed]
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, event := range events {
		event := event
		g.Go(func() error {
			if err := p.deliver(gctx, event); err != nil {
				p.log.Error("deliver event",
					"group_id", groupID, "entry_id", event.Entry.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// reclaim archives up to want threads, stalest first, and returns how many
// were archived. Threads with no recorded activity are treated as stalest.
func (p *Processor) reclaim(ctx context.Context, groupID int64, open []notify.ThreadInfo, want int) int {
	sort.SliceStable(open, func(i, j int) bool {
		a, b := open[i], open[j]
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.Before(b.LastActivity)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if want > len(open) {
		want = len(open)
	}

	archived := 0
	for _, thread := range open[:want] {
		notice := notify.Content{Text: "Archiving this thread to free capacity for new updates."}
		if _, err := p.notifier.SendInThread(ctx, groupID, thread.ID, notice); err != nil {
			p.log.Warn("send closing notice", "group_id", groupID, "thread_id", thread.ID, "error", err)
		}
		if err := p.notifier.Archive(ctx, groupID, thread.ID); err != nil {
			p.log.Error("archive thread", "group_id", groupID, "thread_id", thread.ID, "error", err)
			continue
		}
		archived++
	}
	return archived
}

// deliver creates the notification thread for one event, posts its content,
// brings in subscribers, posts the action panel and records the thread.
func (p *Processor) deliver(ctx context.Context, event model.UpdateEvent) error {
	entry := event.Entry
	content := notify.Content{Text: event.Message, Embed: event.Embed}

	var threadID int64
	var err error
	if entry.MessageFirst {
		var messageID int64
		messageID, err = p.notifier.Send(ctx, entry.GroupID, entry.ChannelID, content)
		if err != nil {
			return fmt.Errorf("send origin message: %w", err)
		}
		threadID, err = p.notifier.CreateThreadFromMessage(ctx, entry.GroupID, entry.ChannelID, messageID, event.Title)
		if err != nil {
			return fmt.Errorf("create thread from message: %w", err)
		}
	} else {
		threadID, err = p.notifier.CreateThread(ctx, entry.GroupID, entry.ChannelID, event.Title, entry.PrivateThread)
		if err != nil {
			return fmt.Errorf("create thread: %w", err)
		}
		if _, err := p.notifier.SendInThread(ctx, entry.GroupID, threadID, content); err != nil {
			return fmt.Errorf("send update: %w", err)
		}
	}

	pings, err := p.store.ListPings(ctx, entry.ID)
	if err != nil {
		return fmt.Errorf("list pings: %w", err)
	}
	for _, ping := range pings {
		if err := p.notifier.AddRecipient(ctx, entry.GroupID, threadID, ping.TargetID, ping.IsGroup); err != nil {
			p.log.Warn("add recipient",
				"entry_id", entry.ID, "target_id", ping.TargetID, "error", err)
		}
	}

	panel := notify.Content{
		Text: fmt.Sprintf("Entry ID: %d\n\nThread actions", entry.ID),
		Buttons: []notify.Button{
			{Label: "Subscribe", Data: fmt.Sprintf("subscribe_id_%d", entry.ID)},
			{Label: "Unsubscribe", Data: fmt.Sprintf("unsubscribe_id_%d", entry.ID)},
			{Label: "Pause", Data: fmt.Sprintf("pause_id_%d", entry.ID)},
			{Label: "Unpause", Data: fmt.Sprintf("unpause_id_%d", entry.ID)},
		},
	}
	panelID, err := p.notifier.SendInThread(ctx, entry.GroupID, threadID, panel)
	if err != nil {
		return fmt.Errorf("send action panel: %w", err)
	}
	if err := p.notifier.Pin(ctx, entry.GroupID, panelID); err != nil {
		if !errors.Is(err, notify.ErrPermission) {
			p.log.Warn("pin action panel", "entry_id", entry.ID, "error", err)
		}
	}

	if err := p.store.CreateThread(ctx, &model.ThreadRecord{ThreadID: threadID, EntryID: entry.ID}); err != nil {
		return fmt.Errorf("record thread: %w", err)
	}
	return nil
}
