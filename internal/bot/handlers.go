package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"mangabot/internal/apperr"
	"mangabot/internal/model"
	"mangabot/internal/source"
	"mangabot/internal/storage"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to Manga Release Bot!

Track manga across sources and get a discussion thread for every new release.

Quick start:
1. /track <url> — start tracking a series
2. /subscribe <id> — get pinged for new releases
3. /list — show tracked entries

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Tracking:
/track <url> [channel_id] [first] [private] — track a series ("first" posts before opening the thread, "private" opens private threads)
/list — show tracked entries in this group
/info <id> — entry details
/pause <id> — pause update checks for an entry
/unpause <id> — resume update checks
/customize <id> <json> — set per-entry source options

Subscriptions:
/subscribe <id> [target_id [group]] — get pinged on new releases
/unsubscribe <id> [target_id [group]] — stop getting pinged

Maintenance (admins):
/cleanup — archive all bot threads in this group
/check — run an update check now
/stopchecks — stop checking after the current cycle`)
}

func (b *Bot) handleTrack(ctx context.Context, msg *tgbotapi.Message, args string) {
	chatID := msg.Chat.ID
	parsed, err := ParseTrackArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if parsed.Private && parsed.MessageFirst {
		b.reply(chatID, "A message cannot be sent first for private threads.")
		return
	}
	channelID := parsed.ChannelID
	if channelID == 0 {
		channelID = chatID
	}

	provider, ok := b.sources.Match(parsed.URL)
	if !ok {
		b.reply(chatID, fmt.Sprintf("Could not find a source for %s.", parsed.URL))
		return
	}

	// Permission faults surface before any state is mutated.
	if parsed.Private && !b.isAdmin(chatID, msg.From.ID) {
		b.replyErr(chatID, apperr.Newf(apperr.CodeCallerPermission, "private threads need admin rights"))
		return
	}
	if err := b.notifier.CanCreateThreads(ctx, chatID, channelID, parsed.Private); err != nil {
		b.replyErr(chatID, apperr.Newf(apperr.CodeBotPermission, "%v", err))
		return
	}

	itemID, err := provider.Resolve(ctx, parsed.URL)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}

	entry := &model.TrackedEntry{
		GroupID:       chatID,
		ChannelID:     channelID,
		CreatorID:     msg.From.ID,
		ItemID:        itemID,
		SourceID:      provider.Name(),
		MessageFirst:  parsed.MessageFirst,
		PrivateThread: parsed.Private,
		ExtraConfig:   defaultConfigFor(provider),
	}
	created, err := b.store.GetOrCreateEntry(ctx, entry)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	if created || entry.Deleted != nil {
		b.reply(chatID, fmt.Sprintf("Added a new entry for update checking (ID %d).", entry.ID))
	}

	replies, err := b.subscribeTarget(ctx, entry.ID, msg.From.ID, msg.From.ID, false)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	for _, r := range replies {
		b.reply(chatID, r)
	}
}

func defaultConfigFor(provider source.Provider) json.RawMessage {
	if provider.Name() != "mangadex" {
		return nil
	}
	raw, err := json.Marshal(source.DefaultMangaDexConfig())
	if err != nil {
		return nil
	}
	return raw
}

func (b *Bot) handleSubscribe(ctx context.Context, msg *tgbotapi.Message, args string) {
	chatID := msg.Chat.ID
	parsed, err := ParseTargetArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /subscribe <id> [target_id [group]]")
		return
	}
	targetID := parsed.TargetID
	if targetID == 0 {
		targetID = msg.From.ID
	}
	if targetID != msg.From.ID || parsed.IsGroup {
		if err := b.checkManage(ctx, chatID, parsed.EntryID, msg.From.ID); err != nil {
			b.replyErr(chatID, err)
			return
		}
	}
	replies, err := b.subscribeTarget(ctx, parsed.EntryID, msg.From.ID, targetID, parsed.IsGroup)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	for _, r := range replies {
		b.reply(chatID, r)
	}
}

func (b *Bot) handleUnsubscribe(ctx context.Context, msg *tgbotapi.Message, args string) {
	chatID := msg.Chat.ID
	parsed, err := ParseTargetArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /unsubscribe <id> [target_id [group]]")
		return
	}
	targetID := parsed.TargetID
	if targetID == 0 {
		targetID = msg.From.ID
	}
	if targetID != msg.From.ID || parsed.IsGroup {
		if err := b.checkManage(ctx, chatID, parsed.EntryID, msg.From.ID); err != nil {
			b.replyErr(chatID, err)
			return
		}
	}
	replies, err := b.unsubscribeTarget(ctx, parsed.EntryID, msg.From.ID, targetID, parsed.IsGroup)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	for _, r := range replies {
		b.reply(chatID, r)
	}
}

func (b *Bot) handlePause(ctx context.Context, msg *tgbotapi.Message, args string) {
	chatID := msg.Chat.ID
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /pause <id>")
		return
	}
	if err := b.checkManage(ctx, chatID, id, msg.From.ID); err != nil {
		b.replyErr(chatID, err)
		return
	}
	reply, err := b.pauseEntry(ctx, id)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, reply)
}

func (b *Bot) handleUnpause(ctx context.Context, msg *tgbotapi.Message, args string) {
	chatID := msg.Chat.ID
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /unpause <id>")
		return
	}
	if err := b.checkManage(ctx, chatID, id, msg.From.ID); err != nil {
		b.replyErr(chatID, err)
		return
	}
	reply, err := b.unpauseEntry(ctx, id)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, reply)
}

func (b *Bot) handleCustomize(ctx context.Context, msg *tgbotapi.Message, args string) {
	chatID := msg.Chat.ID
	id, raw, err := ParseCustomizeArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if err := b.checkManage(ctx, chatID, id, msg.From.ID); err != nil {
		b.replyErr(chatID, err)
		return
	}
	entry, err := b.entryForUpdate(ctx, id)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	provider, ok := b.sources.Get(entry.SourceID)
	if !ok {
		b.replyErr(chatID, apperr.Newf(apperr.CodeInvalidConfig, "source %s is not available", entry.SourceID))
		return
	}

	if raw == "" {
		// Reset to the source defaults.
		config := defaultConfigFor(provider)
		if err := b.store.UpdateEntryConfig(ctx, id, config); err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.reply(chatID, fmt.Sprintf("Customizations for entry %d were reset to default.", id))
		return
	}

	if !json.Valid([]byte(raw)) {
		b.replyErr(chatID, apperr.Newf(apperr.CodeInvalidConfig, "contents are not valid JSON"))
		return
	}
	if err := provider.Validate(entry, json.RawMessage(raw)); err != nil {
		b.replyErr(chatID, err)
		return
	}
	if err := b.store.UpdateEntryConfig(ctx, id, json.RawMessage(raw)); err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Customizations applied to entry %d.", id))
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	entries, err := b.store.ListEntriesByGroup(ctx, chatID)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	counts := make(map[int64]int, len(entries))
	for _, e := range entries {
		n, err := b.store.CountPings(ctx, e.ID)
		if err != nil {
			continue
		}
		counts[e.ID] = n
	}
	b.reply(chatID, FormatEntryList(entries, counts))
}

func (b *Bot) handleInfo(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /info <id>")
		return
	}
	entry, err := b.store.GetEntry(ctx, id)
	if err != nil || entry.GroupID != chatID {
		b.reply(chatID, fmt.Sprintf("Entry %d not found.", id))
		return
	}
	pings, _ := b.store.ListPings(ctx, id)
	b.reply(chatID, FormatEntryInfo(entry, pings))
}

func (b *Bot) handleCleanup(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !b.isAdmin(chatID, msg.From.ID) {
		b.replyErr(chatID, apperr.New(apperr.CodeCallerPermission))
		return
	}
	threads, err := b.notifier.OpenThreads(ctx, chatID)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	archived := 0
	for _, thread := range threads {
		notice := fmt.Sprintf("Cleaning up thread (cleanup requested by user %d).", msg.From.ID)
		if _, err := b.notifier.SendInThread(ctx, chatID, thread.ID, notifyContent(notice)); err != nil {
			b.log.Warn("cleanup notice", "thread_id", thread.ID, "error", err)
		}
		if err := b.notifier.Archive(ctx, chatID, thread.ID); err != nil {
			b.log.Error("cleanup archive", "thread_id", thread.ID, "error", err)
			continue
		}
		archived++
	}
	b.reply(chatID, fmt.Sprintf("Done. Archived %d thread(s).", archived))
}

func (b *Bot) handleCheck(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !b.isAdmin(chatID, msg.From.ID) {
		b.replyErr(chatID, apperr.New(apperr.CodeCallerPermission))
		return
	}
	b.reply(chatID, "Running an update check now.")
	go b.checker.RunCycle(context.WithoutCancel(ctx))
}

func (b *Bot) handleStopChecks(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !b.isAdmin(chatID, msg.From.ID) {
		b.replyErr(chatID, apperr.New(apperr.CodeCallerPermission))
		return
	}
	if b.checker.Stopped() {
		b.reply(chatID, "Update checks are already stopping.")
		return
	}
	b.checker.Stop()
	b.reply(chatID, "Update checks will stop after the current cycle.")
}

// checkManage loads the entry and verifies the actor may manage it.
func (b *Bot) checkManage(ctx context.Context, chatID, entryID, actorID int64) error {
	entry, err := b.store.GetEntry(ctx, entryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.Newf(apperr.CodeUnknownEntry, "entry %d", entryID)
		}
		return err
	}
	if entry.GroupID != chatID {
		return apperr.Newf(apperr.CodeUnknownEntry, "entry %d", entryID)
	}
	return b.requireManage(entry, actorID)
}

// replyErr renders coded errors to the user and hides infrastructure errors
// behind a generic message.
func (b *Bot) replyErr(chatID int64, err error) {
	var coded *apperr.Error
	if errors.As(err, &coded) {
		b.reply(chatID, coded.Error())
		return
	}
	b.log.Error("command failed", "chat_id", chatID, "error", err)
	b.reply(chatID, "Something went wrong, please try again later.")
}
