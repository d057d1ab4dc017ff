package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// TrackArgs holds the parsed arguments of the /track command.
type TrackArgs struct {
	URL          string
	ChannelID    int64 // 0 means the current chat
	MessageFirst bool
	Private      bool
}

// ParseTrackArgs parses "/track <url> [channel_id] [first] [private]".
func ParseTrackArgs(args string) (TrackArgs, error) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		return TrackArgs{}, fmt.Errorf("usage: /track <url> [channel_id] [first] [private]")
	}
	parsed := TrackArgs{URL: parts[0]}
	for _, part := range parts[1:] {
		switch part {
		case "first":
			parsed.MessageFirst = true
		case "private":
			parsed.Private = true
		default:
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return TrackArgs{}, fmt.Errorf("unknown option %q", part)
			}
			parsed.ChannelID = id
		}
	}
	return parsed, nil
}

// TargetArgs holds the parsed arguments of /subscribe and /unsubscribe.
type TargetArgs struct {
	EntryID  int64
	TargetID int64 // 0 means the caller
	IsGroup  bool
}

// ParseTargetArgs parses "<entry_id> [target_id [group]]".
func ParseTargetArgs(args string) (TargetArgs, error) {
	parts := strings.Fields(args)
	if len(parts) == 0 || len(parts) > 3 {
		return TargetArgs{}, fmt.Errorf("usage: <entry_id> [target_id [group]]")
	}
	entryID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return TargetArgs{}, fmt.Errorf("invalid entry ID %q", parts[0])
	}
	parsed := TargetArgs{EntryID: entryID}
	if len(parts) >= 2 {
		parsed.TargetID, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return TargetArgs{}, fmt.Errorf("invalid target ID %q", parts[1])
		}
	}
	if len(parts) == 3 {
		if parts[2] != "group" {
			return TargetArgs{}, fmt.Errorf("unknown option %q", parts[2])
		}
		parsed.IsGroup = true
	}
	return parsed, nil
}

// ParseIDArg parses a single numeric ID argument.
func ParseIDArg(args string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ID %q", args)
	}
	return id, nil
}

// ParseCustomizeArgs parses "<entry_id> <json>" where the JSON may contain
// spaces.
func ParseCustomizeArgs(args string) (int64, string, error) {
	idPart, rest, found := strings.Cut(strings.TrimSpace(args), " ")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("usage: /customize <entry_id> <json>")
	}
	if !found || strings.TrimSpace(rest) == "" {
		return id, "", nil
	}
	return id, strings.TrimSpace(rest), nil
}
