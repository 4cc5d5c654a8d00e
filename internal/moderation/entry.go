package moderation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid"
)

var (
	// ErrInvalidEntry indicates a moderation entry missing required fields.
	ErrInvalidEntry = errors.New("moderation: invalid entry")
	// ErrUnknownAction indicates an action outside the supported set.
	ErrUnknownAction = errors.New("moderation: unknown action")
	// ErrDuplicateEntry indicates an append reusing an existing entry id.
	ErrDuplicateEntry = errors.New("moderation: duplicate entry id")
)

// Action is what a moderation entry does to its target.
type Action string

const (
	ActionBan   Action = "ban"
	ActionUnban Action = "unban"
	ActionOp    Action = "op"
	ActionDeop  Action = "deop"
	ActionKick  Action = "kick"
)

// ParseAction validates raw input.
func ParseAction(raw string) (Action, error) {
	action := Action(strings.ToLower(strings.TrimSpace(raw)))
	switch action {
	case ActionBan, ActionUnban, ActionOp, ActionDeop, ActionKick:
		return action, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
}

// kind groups actions that overwrite each other for the same target.
func (a Action) kind() string {
	switch a {
	case ActionBan, ActionUnban:
		return "ban"
	case ActionOp, ActionDeop:
		return "op"
	default:
		return ""
	}
}

// Entry is one immutable moderation event.
type Entry struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Action    Action `json:"action"`
	Target    string `json:"target"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (e Entry) validate() error {
	if strings.TrimSpace(e.Channel) == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidEntry)
	}
	if strings.ContainsAny(e.Channel, ": ") {
		return fmt.Errorf("%w: channel %q contains a reserved character", ErrInvalidEntry, e.Channel)
	}
	if strings.TrimSpace(e.Target) == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.Actor) == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidEntry)
	}
	if _, err := ParseAction(string(e.Action)); err != nil {
		return err
	}
	if e.ID != "" {
		if _, err := ulid.Parse(e.ID); err != nil {
			return fmt.Errorf("%w: id %q is not a ulid", ErrInvalidEntry, e.ID)
		}
	}
	return nil
}

// after reports whether e sorts after other on (timestamp, id).
func (e Entry) after(other Entry) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp > other.Timestamp
	}
	return e.ID > other.ID
}

func encodeEntry(entry Entry) (string, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func decodeEntry(value string) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal([]byte(value), &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}
