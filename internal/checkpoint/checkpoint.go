// Package checkpoint manages the last-successful-scan timestamp.
//
// The value is read once at cycle start and flushed once at cycle end; only
// the scheduler touches it, so no locking is needed beyond the scheduler's
// own single-cycle guarantee.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const metaKey = "last_updated"

// defaultEpoch is the sentinel used on first run, before any cycle completed.
const defaultEpoch int64 = 1650600000

// Store is the subset of persistence the checkpoint needs.
type Store interface {
	GetMeta(ctx context.Context, key string) (json.RawMessage, bool, error)
	SetMeta(ctx context.Context, key string, value json.RawMessage) error
}

// Checkpoint holds the last-scan boundary in memory and flushes it to the
// store on demand. A failed flush keeps the value dirty so a later flush
// retries; until a flush succeeds the stored value is the old one.
type Checkpoint struct {
	store       Store
	lastUpdated int64
	dirty       bool
}

// Load reads the checkpoint from the store, defaulting on first run.
func Load(ctx context.Context, store Store) (*Checkpoint, error) {
	raw, ok, err := store.GetMeta(ctx, metaKey)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	c := &Checkpoint{store: store, lastUpdated: defaultEpoch}
	if ok {
		if err := json.Unmarshal(raw, &c.lastUpdated); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
	}
	return c, nil
}

// Last returns the current in-memory boundary.
func (c *Checkpoint) Last() time.Time {
	return time.Unix(c.lastUpdated, 0).UTC()
}

// Set advances the in-memory boundary and marks it for flushing.
func (c *Checkpoint) Set(t time.Time) {
	c.lastUpdated = t.Unix()
	c.dirty = true
}

// Flush writes the boundary to the store if it changed since the last
// successful flush.
func (c *Checkpoint) Flush(ctx context.Context) error {
	if !c.dirty {
		return nil
	}
	value, err := json.Marshal(c.lastUpdated)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := c.store.SetMeta(ctx, metaKey, value); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	c.dirty = false
	return nil
}
