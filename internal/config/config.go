// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	BotToken           string
	DatabasePath       string
	LogLevel           string
	CheckInterval      time.Duration
	CycleTimeout       time.Duration
	MaxThreadsPerGroup int
	MangaDexURL        string
	AllowedUsers       []int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("BOT_TOKEN is required")
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/bot.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	checkInterval, err := minutesEnv("CHECK_INTERVAL_MINUTES", 10)
	if err != nil {
		return nil, err
	}
	cycleTimeout, err := minutesEnv("CYCLE_TIMEOUT_MINUTES", 9)
	if err != nil {
		return nil, err
	}

	maxThreads := 1000
	if raw := os.Getenv("MAX_THREADS_PER_GROUP"); raw != "" {
		maxThreads, err = strconv.Atoi(raw)
		if err != nil || maxThreads < 1 {
			return nil, fmt.Errorf("invalid MAX_THREADS_PER_GROUP %q", raw)
		}
	}

	mangadexURL := os.Getenv("MANGADEX_URL")
	if mangadexURL == "" {
		mangadexURL = "https://api.mangadex.org"
	}

	var allowedUsers []int64
	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			allowedUsers = append(allowedUsers, uid)
		}
	}

	return &Config{
		BotToken:           token,
		DatabasePath:       dbPath,
		LogLevel:           logLevel,
		CheckInterval:      checkInterval,
		CycleTimeout:       cycleTimeout,
		MaxThreadsPerGroup: maxThreads,
		MangaDexURL:        mangadexURL,
		AllowedUsers:       allowedUsers,
	}, nil
}

func minutesEnv(key string, def int) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(def) * time.Minute, nil
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes < 1 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return time.Duration(minutes) * time.Minute, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
