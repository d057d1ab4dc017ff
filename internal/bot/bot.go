// Package bot implements the Telegram command front-end.
package bot

import (
	"context"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"mangabot/internal/config"
	"mangabot/internal/notify"
	"mangabot/internal/source"
	"mangabot/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Checker is the scheduler surface the bot controls.
type Checker interface {
	RunCycle(ctx context.Context)
	Stop()
	Stopped() bool
}

// Bot handles user commands and inline button presses.
type Bot struct {
	api      telegramAPI
	store    storage.Storage
	sources  *source.Registry
	notifier notify.Notifier
	checker  Checker
	cfg      *config.Config
	log      *slog.Logger
}

// New creates a Bot on top of an already connected Telegram client. The
// client is shared with the notifier, which is why the bot does not open its
// own connection.
func New(api *tgbotapi.BotAPI, store storage.Storage, sources *source.Registry, notifier notify.Notifier, checker Checker, cfg *config.Config, log *slog.Logger) *Bot {
	return &Bot{
		api:      api,
		store:    store,
		sources:  sources,
		notifier: notifier,
		checker:  checker,
		cfg:      cfg,
		log:      log,
	}
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "track":
		b.handleTrack(ctx, msg, args)
	case "subscribe":
		b.handleSubscribe(ctx, msg, args)
	case "unsubscribe":
		b.handleUnsubscribe(ctx, msg, args)
	case "pause":
		b.handlePause(ctx, msg, args)
	case "unpause":
		b.handleUnpause(ctx, msg, args)
	case "customize":
		b.handleCustomize(ctx, msg, args)
	case "list":
		b.handleList(ctx, chatID)
	case "info":
		b.handleInfo(ctx, chatID, args)
	case "cleanup":
		b.handleCleanup(ctx, msg)
	case "check":
		b.handleCheck(ctx, msg)
	case "stopchecks":
		b.handleStopChecks(ctx, msg)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

// isAdmin reports whether the user can administer the chat. Direct chats have
// no admins; their single user always passes.
func (b *Bot) isAdmin(chatID, userID int64) bool {
	if chatID > 0 {
		return true
	}
	member, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		b.log.Warn("get chat member", "chat_id", chatID, "user_id", userID, "error", err)
		return false
	}
	return member.Status == "creator" || member.Status == "administrator"
}
