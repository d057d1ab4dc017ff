package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mangabot/internal/apperr"
	"mangabot/internal/model"
	"mangabot/internal/storage"
)

// subscribeTarget adds target to the ping list of an entry, reactivating the
// entry when it was soft-deleted. Reactivation by a non-group target also
// promotes that target to entry creator. Returns the messages to show the
// caller.
func (b *Bot) subscribeTarget(ctx context.Context, entryID, actorID, targetID int64, isGroup bool) ([]string, error) {
	entry, err := b.store.GetEntry(ctx, entryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Newf(apperr.CodeUnknownEntry, "entry %d", entryID)
		}
		return nil, err
	}

	_, created, err := b.store.GetOrCreatePing(ctx, entryID, targetID, isGroup)
	if err != nil {
		return nil, err
	}

	var replies []string
	switch {
	case created:
		replies = append(replies, fmt.Sprintf("Added to the ping list for entry %d.", entryID))
	case actorID == targetID:
		replies = append(replies, fmt.Sprintf("You are already pinged for entry %d!", entryID))
	default:
		replies = append(replies, fmt.Sprintf("They are already pinged for entry %d!", entryID))
	}

	if entry.Deleted != nil {
		if err := b.store.ReactivateEntry(ctx, entryID, targetID, isGroup); err != nil {
			return nil, err
		}
		replies = append(replies, fmt.Sprintf("Reactivated entry %d for update checking.", entryID))
		if !isGroup {
			replies = append(replies,
				"As the first subscriber to reactivate this entry, you are now its creator.")
		}
	}
	return replies, nil
}

// unsubscribeTarget removes target from the ping list; when the last ping is
// gone the entry is soft-deleted.
func (b *Bot) unsubscribeTarget(ctx context.Context, entryID, actorID, targetID int64, isGroup bool) ([]string, error) {
	if _, err := b.store.GetEntry(ctx, entryID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Newf(apperr.CodeUnknownEntry, "entry %d", entryID)
		}
		return nil, err
	}

	deleted, err := b.store.DeletePing(ctx, entryID, targetID, isGroup)
	if err != nil {
		return nil, err
	}

	var replies []string
	switch {
	case deleted:
		replies = append(replies, fmt.Sprintf("Removed from the ping list for entry %d.", entryID))
	case actorID == targetID:
		replies = append(replies, fmt.Sprintf("You were not being pinged for entry %d.", entryID))
	default:
		replies = append(replies, fmt.Sprintf("They were not being pinged for entry %d.", entryID))
	}

	remaining, err := b.store.CountPings(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if remaining == 0 {
		if err := b.store.SoftDeleteEntry(ctx, entryID, time.Now().UTC()); err != nil {
			return nil, err
		}
		replies = append(replies, fmt.Sprintf(
			"Deactivated entry %d. To reactivate, at least one user or group must subscribe again.", entryID))
	}
	return replies, nil
}

// pauseEntry sets the paused marker on an entry.
func (b *Bot) pauseEntry(ctx context.Context, entryID int64) (string, error) {
	entry, err := b.entryForUpdate(ctx, entryID)
	if err != nil {
		return "", err
	}
	if entry.Paused != nil {
		return "This entry is already paused.", nil
	}
	now := time.Now().UTC()
	if err := b.store.SetPaused(ctx, entryID, &now); err != nil {
		return "", err
	}
	return fmt.Sprintf("Paused entry %d.", entryID), nil
}

// unpauseEntry clears the paused marker on an entry.
func (b *Bot) unpauseEntry(ctx context.Context, entryID int64) (string, error) {
	entry, err := b.entryForUpdate(ctx, entryID)
	if err != nil {
		return "", err
	}
	if entry.Paused == nil {
		return "This entry is not paused.", nil
	}
	if err := b.store.SetPaused(ctx, entryID, nil); err != nil {
		return "", err
	}
	return fmt.Sprintf("Unpaused entry %d.", entryID), nil
}

func (b *Bot) entryForUpdate(ctx context.Context, entryID int64) (*model.TrackedEntry, error) {
	entry, err := b.store.GetEntry(ctx, entryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Newf(apperr.CodeUnknownEntry, "entry %d", entryID)
		}
		return nil, err
	}
	return entry, nil
}

// requireManage checks that the actor may manage an entry: chat admins and
// the entry creator qualify.
func (b *Bot) requireManage(entry *model.TrackedEntry, actorID int64) error {
	if actorID == entry.CreatorID || b.isAdmin(entry.GroupID, actorID) {
		return nil
	}
	return apperr.Newf(apperr.CodeCallerPermission, "not an admin and not the entry creator")
}
