package bot

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"mangabot/internal/apperr"
	"mangabot/internal/config"
	"mangabot/internal/model"
	"mangabot/internal/notify"
	"mangabot/internal/source"
	"mangabot/internal/storage"
)

// --- mocks ---

type sentMsg struct {
	ChatID int64
	Text   string
}

type mockAPI struct {
	mu     sync.Mutex
	sent   []sentMsg
	admins map[int64]bool
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.mu.Lock()
		m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text})
		m.mu.Unlock()
	}
	return tgbotapi.Message{}, nil
}

func (m *mockAPI) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (m *mockAPI) GetChatMember(cfg tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	status := "member"
	if m.admins[cfg.UserID] {
		status = "administrator"
	}
	return tgbotapi.ChatMember{Status: status}, nil
}

func (m *mockAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(tgbotapi.UpdatesChannel)
}

func (m *mockAPI) StopReceivingUpdates() {}

func (m *mockAPI) allTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.Text
	}
	return out
}

func (m *mockAPI) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

func (m *mockAPI) containsText(substr string) bool {
	for _, text := range m.allTexts() {
		if strings.Contains(text, substr) {
			return true
		}
	}
	return false
}

// stubNotifier accepts all deliveries; CanCreateThreads can be forced to fail.
type stubNotifier struct {
	canCreateErr error
	threads      []notify.ThreadInfo
	archived     []int64
}

func (s *stubNotifier) Reachable(context.Context, int64, int64) bool { return true }

func (s *stubNotifier) CanCreateThreads(context.Context, int64, int64, bool) error {
	return s.canCreateErr
}

func (s *stubNotifier) Send(context.Context, int64, int64, notify.Content) (int64, error) {
	return 1, nil
}

func (s *stubNotifier) CreateThread(context.Context, int64, int64, string, bool) (int64, error) {
	return 1, nil
}

func (s *stubNotifier) CreateThreadFromMessage(context.Context, int64, int64, int64, string) (int64, error) {
	return 1, nil
}

func (s *stubNotifier) SendInThread(context.Context, int64, int64, notify.Content) (int64, error) {
	return 1, nil
}

func (s *stubNotifier) AddRecipient(context.Context, int64, int64, int64, bool) error { return nil }
func (s *stubNotifier) Pin(context.Context, int64, int64) error                       { return nil }

func (s *stubNotifier) Archive(_ context.Context, _ int64, threadID int64) error {
	s.archived = append(s.archived, threadID)
	return nil
}

func (s *stubNotifier) OpenThreads(context.Context, int64) ([]notify.ThreadInfo, error) {
	return s.threads, nil
}

type stubChecker struct {
	ran     chan struct{}
	stopped bool
}

func (s *stubChecker) RunCycle(context.Context) { close(s.ran) }
func (s *stubChecker) Stop()                    { s.stopped = true }
func (s *stubChecker) Stopped() bool            { return s.stopped }

// fakeSource resolves URLs under https://fake.example/ to their last path
// segment.
type fakeSource struct{}

func (fakeSource) Name() string { return "fake" }

func (fakeSource) MatchURL(u string) bool { return strings.HasPrefix(u, "https://fake.example/") }

func (fakeSource) Resolve(_ context.Context, u string) (string, error) {
	item := strings.TrimPrefix(u, "https://fake.example/")
	if item == "missing" {
		return "", apperr.Newf(apperr.CodeSourceNotFound, "series %s", item)
	}
	return item, nil
}

func (fakeSource) Poll(context.Context, time.Time, map[string][]*model.TrackedEntry) ([]model.UpdateEvent, error) {
	return nil, nil
}

func (fakeSource) Validate(_ *model.TrackedEntry, config json.RawMessage) error {
	if strings.Contains(string(config), "bad") {
		return apperr.Newf(apperr.CodeInvalidConfig, "bad value")
	}
	return nil
}

// --- helpers ---

func newTestBot(t *testing.T) (*Bot, *mockAPI, *stubNotifier, *storage.SQLite) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := source.NewRegistry()
	registry.Register(fakeSource{})

	api := &mockAPI{admins: make(map[int64]bool)}
	notifier := &stubNotifier{}
	b := &Bot{
		api:      api,
		store:    store,
		sources:  registry,
		notifier: notifier,
		checker:  &stubChecker{ran: make(chan struct{})},
		cfg:      &config.Config{},
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return b, api, notifier, store
}

func commandMessage(chatID, userID int64, text string) *tgbotapi.Message {
	cmd, _, _ := strings.Cut(text, " ")
	return &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: userID},
		Chat:      &tgbotapi.Chat{ID: chatID},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}
}

func seedEntry(t *testing.T, store *storage.SQLite, groupID, creatorID int64, item string) *model.TrackedEntry {
	t.Helper()
	entry := &model.TrackedEntry{GroupID: groupID, ChannelID: groupID, CreatorID: creatorID, ItemID: item, SourceID: "fake"}
	if _, err := store.GetOrCreateEntry(context.Background(), entry); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	return entry
}

// --- tests ---

const (
	groupChat = int64(-100200)
	userAlice = int64(42)
	userBob   = int64(43)
)

func TestHandleTrackCreatesAndSubscribes(t *testing.T) {
	b, api, _, store := newTestBot(t)
	ctx := context.Background()

	b.handleCommand(ctx, commandMessage(groupChat, userAlice, "/track https://fake.example/series-a"))

	entries, err := store.ListEntriesByGroup(ctx, groupChat)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.ItemID != "series-a" || entry.SourceID != "fake" || entry.CreatorID != userAlice {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.ChannelID != groupChat {
		t.Errorf("expected channel to default to the chat, got %d", entry.ChannelID)
	}

	// Tracking subscribes the creator immediately.
	n, err := store.CountPings(ctx, entry.ID)
	if err != nil {
		t.Fatalf("count pings: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 ping, got %d", n)
	}
	if !api.containsText("Added a new entry") {
		t.Errorf("missing creation reply in %v", api.allTexts())
	}
	if !api.containsText("Added to the ping list") {
		t.Errorf("missing subscription reply in %v", api.allTexts())
	}

	// Tracking the same URL again hits the existing entry.
	api.reset()
	b.handleCommand(ctx, commandMessage(groupChat, userAlice, "/track https://fake.example/series-a"))
	if api.containsText("Added a new entry") {
		t.Errorf("duplicate track recreated the entry: %v", api.allTexts())
	}
	if !api.containsText("already pinged") {
		t.Errorf("missing already-pinged reply in %v", api.allTexts())
	}
}

func TestHandleTrackRejectsPrivateFirst(t *testing.T) {
	b, api, _, store := newTestBot(t)
	ctx := context.Background()

	b.handleCommand(ctx, commandMessage(groupChat, userAlice, "/track https://fake.example/x first private"))

	if !api.containsText("cannot be sent first for private threads") {
		t.Errorf("missing conflict reply in %v", api.allTexts())
	}
	entries, _ := store.ListEntriesByGroup(ctx, groupChat)
	if len(entries) != 0 {
		t.Errorf("conflicting options still created an entry")
	}
}

func TestHandleTrackPrivateNeedsAdmin(t *testing.T) {
	b, api, _, _ := newTestBot(t)
	ctx := context.Background()

	b.handleCommand(ctx, commandMessage(groupChat, userAlice, "/track https://fake.example/x private"))
	if !api.containsText("[errno 1]") {
		t.Errorf("expected a caller-permission error, got %v", api.allTexts())
	}

	api.reset()
	api.admins[userAlice] = true
	b.handleCommand(ctx, commandMessage(groupChat, userAlice, "/track https://fake.example/x private"))
	if !api.containsText("Added a new entry") {
		t.Errorf("admin track failed: %v", api.allTexts())
	}
}

func TestHandleTrackBotPermissionCheckedBeforeMutation(t *testing.T) {
	b, api, notifier, store := newTestBot(t)
	ctx := context.Background()
	notifier.canCreateErr = apperr.New(apperr.CodeBotPermission)

	b.handleCommand(ctx, commandMessage(groupChat, userAlice, "/track https://fake.example/x"))

	if !api.containsText("[errno 3]") {
		t.Errorf("expected a bot-permission error, got %v", api.allTexts())
	}
	entries, _ := store.ListEntriesByGroup(ctx, groupChat)
	if len(entries) != 0 {
		t.Errorf("permission failure still created an entry")
	}
}

func TestHandleTrackUnknownSource(t *testing.T) {
	b, api, _, _ := newTestBot(t)

	b.handleCommand(context.Background(), commandMessage(groupChat, userAlice, "/track ftp://nowhere"))
	if !api.containsText("Could not find a source") {
		t.Errorf("expected no-source reply, got %v", api.allTexts())
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	b, api, _, store := newTestBot(t)
	ctx := context.Background()
	entry := seedEntry(t, store, groupChat, userAlice, "series-a")

	b.handleCommand(ctx, commandMessage(groupChat, userBob, "/subscribe 1"))
	if !api.containsText("Added to the ping list") {
		t.Fatalf("missing subscription reply in %v", api.allTexts())
	}

	api.reset()
	b.handleCommand(ctx, commandMessage(groupChat, userBob, "/subscribe 1"))
	if !api.containsText("already pinged") {
		t.Errorf("missing already-pinged reply in %v", api.allTexts())
	}

	n, _ := store.CountPings(ctx, entry.ID)
	if n != 1 {
		t.Errorf("expected 1 ping, got %d", n)
	}
}

func TestSubscribeOthersNeedsManage(t *testing.T) {
	b, api, _, store := newTestBot(t)
	ctx := context.Background()
	seedEntry(t, store, groupChat, userAlice, "series-a")

	// Bob may not subscribe someone else to Alice's entry.
	b.handleCommand(ctx, commandMessage(groupChat, userBob, "/subscribe 1 555"))
	if !api.containsText("[errno 1]") {
		t.Errorf("expected a caller-permission error, got %v", api.allTexts())
	}

	// The creator may.
	api.reset()
	b.handleCommand(ctx, commandMessage(groupChat, userAlice, "/subscribe 1 555"))
	if !api.containsText("Added to the ping list") {
		t.Errorf("creator subscribe failed: %v", api.allTexts())
	}
}

func TestLastUnsubscribeSoftDeletes(t *testing.T) {
	b, api, _, store := newTestBot(t)
	ctx := context.Background()
	entry := seedEntry(t, store, groupChat, userAlice, "series-a")
	if _, _, err := store.GetOrCreatePing(ctx, entry.ID, userBob, false); err != nil {
		t.Fatalf("seed ping: %v", err)
	}

	b.handleCommand(ctx, commandMessage(groupChat, userBob, "/unsubscribe 1"))

	if !api.containsText("Removed from the ping list") {
		t.Errorf("missing removal reply in %v", api.allTexts())
	}
	if !api.containsText("Deactivated entry") {
		t.Errorf("missing deactivation reply in %v", api.allTexts())
	}
	got, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if got.Deleted == nil {
		t.Error("expected entry to be soft-deleted")
	}
}

func TestResubscribeReactivatesAndTransfersCreator(t *testing.T) {
	b, api, _, store := newTestBot(t)
	ctx := context.Background()
	entry := seedEntry(t, store, groupChat, userAlice, "series-a")
	if err := store.SoftDeleteEntry(ctx, entry.ID, time.Now().UTC()); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	b.handleCommand(ctx, commandMessage(groupChat, userBob, "/subscribe 1"))

	if !api.containsText("Reactivated entry") {
		t.Errorf("missing reactivation reply in %v", api.allTexts())
	}
	if !api.containsText("you are now its creator") {
		t.Errorf("missing creator transfer reply in %v", api.allTexts())
	}
	got, _ := store.GetEntry(ctx, entry.ID)
	if got.Deleted != nil {
		t.Error("expected entry reactivated")
	}
	if got.CreatorID != userBob {
		t.Errorf("expected creator %d, got %d", userBob, got.CreatorID)
	}
}

func TestPauseRequiresManage(t *testing.T) {
	b, api, _, store := newTestBot(t)
	ctx := context.Background()
	entry := seedEntry(t, store, groupChat, userAlice, "series-a")

	b.handleCommand(ctx, commandMessage(groupChat, userBob, "/pause 1"))
	if !api.containsText("[errno 1]") {
		t.Errorf("expected a caller-permission error, got %v", api.allTexts())
	}

	api.reset()
	b.handleCommand(ctx, commandMessage(groupChat, userAlice, "/pause 1"))
	if !api.containsText("Paused entry 1") {
		t.Errorf("creator pause failed: %v", api.allTexts())
	}
	got, _ := store.GetEntry(ctx, entry.ID)
	if got.Paused == nil {
		t.Fatal("expected paused marker")
	}

	api.reset()
	b.handleCommand(ctx, commandMessage(groupChat, userAlice, "/unpause 1"))
	got, _ = store.GetEntry(ctx, entry.ID)
	if got.Paused != nil {
		t.Error("expected paused marker cleared")
	}
}

func TestHandleCustomize(t *testing.T) {
	b, api, _, store := newTestBot(t)
	ctx := context.Background()
	entry := seedEntry(t, store, groupChat, userAlice, "series-a")

	b.handleCommand(ctx, commandMessage(groupChat, userAlice, `/customize 1 {"mode":"fine"}`))
	if !api.containsText("Customizations applied") {
		t.Fatalf("customize failed: %v", api.allTexts())
	}
	got, _ := store.GetEntry(ctx, entry.ID)
	if string(got.ExtraConfig) != `{"mode":"fine"}` {
		t.Errorf("unexpected stored config %s", got.ExtraConfig)
	}

	// Invalid JSON is rejected before it reaches the provider.
	api.reset()
	b.handleCommand(ctx, commandMessage(groupChat, userAlice, "/customize 1 {broken"))
	if !api.containsText("[errno 7]") {
		t.Errorf("expected an invalid-config error, got %v", api.allTexts())
	}

	// Provider-rejected config is also an errno 7.
	api.reset()
	b.handleCommand(ctx, commandMessage(groupChat, userAlice, `/customize 1 {"mode":"bad"}`))
	if !api.containsText("[errno 7]") {
		t.Errorf("expected an invalid-config error, got %v", api.allTexts())
	}

	// A bare id resets to the source defaults.
	api.reset()
	b.handleCommand(ctx, commandMessage(groupChat, userAlice, "/customize 1"))
	if !api.containsText("reset to default") {
		t.Errorf("expected reset reply, got %v", api.allTexts())
	}
	got, _ = store.GetEntry(ctx, entry.ID)
	if got.ExtraConfig != nil {
		t.Errorf("expected config cleared, got %s", got.ExtraConfig)
	}
}

func TestHandleCleanupArchivesThreads(t *testing.T) {
	b, api, notifier, _ := newTestBot(t)
	notifier.threads = []notify.ThreadInfo{{ID: 11}, {ID: 12}}
	api.admins[userAlice] = true

	b.handleCommand(context.Background(), commandMessage(groupChat, userAlice, "/cleanup"))

	if len(notifier.archived) != 2 {
		t.Errorf("expected 2 archived threads, got %v", notifier.archived)
	}
	if !api.containsText("Archived 2 thread(s)") {
		t.Errorf("missing summary reply in %v", api.allTexts())
	}

	// Non-admins are refused.
	api.reset()
	notifier.archived = nil
	b.handleCommand(context.Background(), commandMessage(groupChat, userBob, "/cleanup"))
	if len(notifier.archived) != 0 {
		t.Error("non-admin cleanup archived threads")
	}
	if !api.containsText("[errno 1]") {
		t.Errorf("expected a caller-permission error, got %v", api.allTexts())
	}
}

func TestHandleCheckRunsACycle(t *testing.T) {
	b, api, _, _ := newTestBot(t)
	checker := b.checker.(*stubChecker)
	api.admins[userAlice] = true

	b.handleCommand(context.Background(), commandMessage(groupChat, userAlice, "/check"))

	select {
	case <-checker.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("checker cycle did not run")
	}
}

func TestHandleStopChecks(t *testing.T) {
	b, api, _, _ := newTestBot(t)
	checker := b.checker.(*stubChecker)
	api.admins[userAlice] = true

	b.handleCommand(context.Background(), commandMessage(groupChat, userAlice, "/stopchecks"))
	if !checker.stopped {
		t.Fatal("expected stop request")
	}
	if !api.containsText("stop after the current cycle") {
		t.Errorf("missing stop reply in %v", api.allTexts())
	}

	api.reset()
	b.handleCommand(context.Background(), commandMessage(groupChat, userAlice, "/stopchecks"))
	if !api.containsText("already stopping") {
		t.Errorf("missing already-stopping reply in %v", api.allTexts())
	}
}

func TestCallbackSubscribe(t *testing.T) {
	b, api, _, store := newTestBot(t)
	ctx := context.Background()
	entry := seedEntry(t, store, groupChat, userAlice, "series-a")

	query := &tgbotapi.CallbackQuery{
		ID:      "q1",
		From:    &tgbotapi.User{ID: userBob},
		Data:    "subscribe_id_1",
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: groupChat}},
	}
	b.handleCallback(ctx, query)

	n, _ := store.CountPings(ctx, entry.ID)
	if n != 1 {
		t.Errorf("expected 1 ping after button press, got %d", n)
	}
	if !api.containsText("Added to the ping list") {
		t.Errorf("missing subscription reply in %v", api.allTexts())
	}
}

func TestUnknownEntryIsCodedError(t *testing.T) {
	b, api, _, _ := newTestBot(t)

	b.handleCommand(context.Background(), commandMessage(groupChat, userAlice, "/subscribe 99"))
	if !api.containsText("[errno 2]") {
		t.Errorf("expected an unknown-entry error, got %v", api.allTexts())
	}
}
