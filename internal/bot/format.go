package bot

import (
	"fmt"
	"strings"

	"mangabot/internal/model"
)

func entryStatus(e *model.TrackedEntry) string {
	switch {
	case e.Deleted != nil:
		return "deactivated"
	case e.Paused != nil:
		return "paused"
	default:
		return "active"
	}
}

// FormatEntryList formats the tracked entries of a group for display.
func FormatEntryList(entries []model.TrackedEntry, pingCounts map[int64]int) string {
	if len(entries) == 0 {
		return "No tracked entries yet. Use /track <url> to add one."
	}
	var b strings.Builder
	b.WriteString("Tracked entries:\n")
	for i := range entries {
		e := &entries[i]
		fmt.Fprintf(&b, "\n#%d %s:%s [%s]\n", e.ID, e.SourceID, e.ItemID, entryStatus(e))
		fmt.Fprintf(&b, "   %d subscriber(s)\n", pingCounts[e.ID])
	}
	return b.String()
}

// FormatEntryInfo formats detailed information about a single entry.
func FormatEntryInfo(e *model.TrackedEntry, pings []model.Ping) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s:%s [%s]\n", e.ID, e.SourceID, e.ItemID, entryStatus(e))
	fmt.Fprintf(&b, "Channel: %d\n", e.ChannelID)
	fmt.Fprintf(&b, "Creator: %d\n", e.CreatorID)
	if e.MessageFirst {
		b.WriteString("Delivery: message first, then thread\n")
	} else {
		b.WriteString("Delivery: thread first\n")
	}
	if e.PrivateThread {
		b.WriteString("Threads: private\n")
	}
	if len(e.ExtraConfig) > 0 {
		fmt.Fprintf(&b, "Config: %s\n", string(e.ExtraConfig))
	}
	if len(pings) == 0 {
		b.WriteString("\nNo subscribers.")
		return b.String()
	}
	b.WriteString("\nSubscribers:\n")
	for _, p := range pings {
		kind := "user"
		if p.IsGroup {
			kind = "group"
		}
		fmt.Fprintf(&b, "  %s %d\n", kind, p.TargetID)
	}
	return b.String()
}
