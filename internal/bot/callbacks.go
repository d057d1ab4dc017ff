package bot

import (
	"context"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"mangabot/internal/notify"
)

func notifyContent(text string) notify.Content {
	return notify.Content{Text: text}
}

// handleCallback processes inline button presses from thread action panels.
func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		b.log.Warn("answer callback", "error", err)
	}
	if query.Message == nil {
		return
	}
	chatID := query.Message.Chat.ID
	actorID := query.From.ID

	entryID, action, ok := parseCallbackData(query.Data)
	if !ok {
		return
	}

	var replies []string
	var err error
	switch action {
	case "subscribe":
		replies, err = b.subscribeTarget(ctx, entryID, actorID, actorID, false)
	case "unsubscribe":
		replies, err = b.unsubscribeTarget(ctx, entryID, actorID, actorID, false)
	case "pause":
		var reply string
		if err = b.checkManage(ctx, chatID, entryID, actorID); err == nil {
			reply, err = b.pauseEntry(ctx, entryID)
		}
		replies = []string{reply}
	case "unpause":
		var reply string
		if err = b.checkManage(ctx, chatID, entryID, actorID); err == nil {
			reply, err = b.unpauseEntry(ctx, entryID)
		}
		replies = []string{reply}
	default:
		return
	}

	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	for _, r := range replies {
		if r != "" {
			b.reply(chatID, r)
		}
	}
}

// parseCallbackData splits "subscribe_id_42" style button data.
func parseCallbackData(data string) (entryID int64, action string, ok bool) {
	idx := strings.LastIndex(data, "_id_")
	if idx < 0 {
		return 0, "", false
	}
	id, err := strconv.ParseInt(data[idx+len("_id_"):], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, data[:idx], true
}
