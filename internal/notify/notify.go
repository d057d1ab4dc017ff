// Package notify defines the outbound delivery capability: creating and
// archiving notification threads, posting content, mentioning subscribers.
package notify

import (
	"context"
	"errors"
	"time"

	"mangabot/internal/model"
)

// ErrPermission is returned when the chat denies an operation (for example
// pinning without rights). Callers may treat it as non-fatal.
var ErrPermission = errors.New("missing chat permission")

// Button is one inline action button attached to a message.
type Button struct {
	Label string
	Data  string
}

// Content is a message payload: plain text, an optional rich block and
// optional action buttons.
type Content struct {
	Text    string
	Embed   *model.Embed
	Buttons []Button
}

// ThreadInfo describes one open notification thread in a group. A zero
// LastActivity means no activity signal is available.
type ThreadInfo struct {
	ID           int64
	EntryID      int64
	CreatedAt    time.Time
	LastActivity time.Time
}

// Notifier is the chat transport the fan-out stage delivers through.
type Notifier interface {
	// Reachable reports whether the destination can currently be resolved.
	Reachable(ctx context.Context, groupID, channelID int64) bool
	// CanCreateThreads checks thread-creation permissions before any mutation.
	CanCreateThreads(ctx context.Context, groupID, channelID int64, private bool) error
	// Send posts content to a channel and returns the message id.
	Send(ctx context.Context, groupID, channelID int64, c Content) (int64, error)
	// CreateThread opens a new thread in a channel and returns the thread id.
	CreateThread(ctx context.Context, groupID, channelID int64, title string, private bool) (int64, error)
	// CreateThreadFromMessage opens a thread attached to an existing message.
	CreateThreadFromMessage(ctx context.Context, groupID, channelID, messageID int64, title string) (int64, error)
	// SendInThread posts content into a thread and returns the message id.
	SendInThread(ctx context.Context, groupID, threadID int64, c Content) (int64, error)
	// AddRecipient brings a subscriber into a thread: users are added or
	// mentioned directly, group targets get a callout message.
	AddRecipient(ctx context.Context, groupID, threadID, targetID int64, isGroup bool) error
	// Pin pins a message; returns ErrPermission when the chat denies it.
	Pin(ctx context.Context, groupID, messageID int64) error
	// Archive closes a thread, keeping its history inspectable.
	Archive(ctx context.Context, groupID, threadID int64) error
	// OpenThreads lists the open notification threads owned by the bot in a
	// group.
	OpenThreads(ctx context.Context, groupID int64) ([]ThreadInfo, error)
}
