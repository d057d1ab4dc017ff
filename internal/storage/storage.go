// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"mangabot/internal/model"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	// Entries.
	GetEntry(ctx context.Context, id int64) (*model.TrackedEntry, error)
	GetOrCreateEntry(ctx context.Context, entry *model.TrackedEntry) (created bool, err error)
	UpdateEntryConfig(ctx context.Context, id int64, config json.RawMessage) error
	SetPaused(ctx context.Context, id int64, pausedAt *time.Time) error
	SoftDeleteEntry(ctx context.Context, id int64, when time.Time) error
	// ReactivateEntry clears the deleted marker and, unless the reactivating
	// target is a group, transfers entry ownership to it. Both changes are
	// applied in one transaction.
	ReactivateEntry(ctx context.Context, id int64, targetID int64, isGroup bool) error
	DeleteEntry(ctx context.Context, id int64) error
	ListEntriesByGroup(ctx context.Context, groupID int64) ([]model.TrackedEntry, error)

	// Active-entry queries used by the update cycle.
	ActiveDestinations(ctx context.Context) ([]model.Destination, error)
	ActiveSources(ctx context.Context) ([]string, error)
	ActiveEntriesBySource(ctx context.Context, sourceID string, channels []int64) (map[string][]*model.TrackedEntry, error)

	// Pings.
	GetOrCreatePing(ctx context.Context, entryID, targetID int64, isGroup bool) (ping *model.Ping, created bool, err error)
	DeletePing(ctx context.Context, entryID, targetID int64, isGroup bool) (deleted bool, err error)
	ListPings(ctx context.Context, entryID int64) ([]model.Ping, error)
	CountPings(ctx context.Context, entryID int64) (int, error)

	// Threads.
	CreateThread(ctx context.Context, t *model.ThreadRecord) error
	ListThreadsByGroup(ctx context.Context, groupID int64) ([]model.ThreadRecord, error)

	// Metadata key-value store.
	GetMeta(ctx context.Context, key string) (json.RawMessage, bool, error)
	SetMeta(ctx context.Context, key string, value json.RawMessage) error

	Close() error
}
