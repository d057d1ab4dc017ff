// Package model defines the domain types used across the application.
package model

import (
	"encoding/json"
	"time"
)

// WildcardItemID matches every resource a source knows about, including
// resources that appear after the subscription was created.
const WildcardItemID = "*"

// TrackedEntry represents a remote resource being watched for new releases,
// together with the destination it is delivered to.
type TrackedEntry struct {
	ID            int64
	GroupID       int64
	ChannelID     int64
	CreatorID     int64
	ItemID        string
	SourceID      string
	ExtraConfig   json.RawMessage
	MessageFirst  bool
	PrivateThread bool
	Deleted       *time.Time
	Paused        *time.Time
	CreatedAt     time.Time
}

// Active reports whether the entry should be included in update checks.
func (e *TrackedEntry) Active() bool {
	return e.Deleted == nil && e.Paused == nil
}

// Ping is a single (entry, recipient) pairing entitled to notification delivery.
type Ping struct {
	ID       int64
	EntryID  int64
	TargetID int64
	IsGroup  bool
}

// ThreadRecord links a notification thread to the entry it was created for.
type ThreadRecord struct {
	ThreadID  int64
	EntryID   int64
	CreatedAt time.Time
}

// Destination identifies a (group, channel) pair that receives notifications.
type Destination struct {
	GroupID   int64
	ChannelID int64
}

// Embed is an optional rich content block attached to an update event.
type Embed struct {
	Title    string
	URL      string
	ImageURL string
	Time     time.Time
}

// UpdateEvent is a single new release discovered by a source provider.
// It is consumed exactly once by the fan-out stage and never persisted.
type UpdateEvent struct {
	Entry   *TrackedEntry
	Title   string
	Embed   *Embed
	Message string
}
