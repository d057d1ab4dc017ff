package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"mangabot/internal/bot"
	"mangabot/internal/checkpoint"
	"mangabot/internal/config"
	"mangabot/internal/fanout"
	"mangabot/internal/notify"
	"mangabot/internal/scheduler"
	"mangabot/internal/source"
	"mangabot/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cp, err := checkpoint.Load(ctx, store)
	if err != nil {
		log.Error("load checkpoint", "error", err)
		os.Exit(1)
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Error("create bot api", "error", err)
		os.Exit(1)
	}

	notifier := notify.NewTelegram(api, store, log)
	registry := newRegistry(cfg)
	proc := fanout.New(store, notifier, log, cfg.MaxThreadsPerGroup)

	sched := scheduler.New(store, registry, notifier, proc, cp, log)
	sched.SetInterval(cfg.CheckInterval)
	sched.SetCycleTimeout(cfg.CycleTimeout)

	b := bot.New(api, store, registry, notifier, sched, cfg, log)

	log.Info("starting bot", "username", api.Self.UserName)

	go sched.Run(ctx)

	b.Run(ctx)

	log.Info("bot stopped")
}

// newRegistry wires up all release sources. The RSS provider matches any
// http(s) URL, so it registers last.
func newRegistry(cfg *config.Config) *source.Registry {
	client := http.DefaultClient
	registry := source.NewRegistry()
	registry.Register(source.NewMangaDex(client, cfg.MangaDexURL))
	for _, guya := range source.GuyaFamily(client) {
		registry.Register(guya)
	}
	registry.Register(source.NewRSS(client))
	return registry
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
