package moderation

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/authority"
	"github.com/MarcoPoloResearchLab/concord/internal/state"
	"github.com/oklog/ulid"
)

// Store is the slice of the fact store the log writes through.
type Store interface {
	Put(key, value, actor string, clock uint64) (state.Op, error)
	Register(key string) (state.RegisterValue, bool)
	Keys(prefix string) []string
}

// LogConfig describes the inputs required to build a Log.
type LogConfig struct {
	Store     Store
	Validator *authority.Validator
	Clock     func() time.Time
	Entropy   io.Reader
}

// Log is the append-only moderation log kept under modaction:{channel}:{ulid} keys. Like the document it
// writes to, it has a single owner.
type Log struct {
	store     Store
	validator *authority.Validator
	clock     func() time.Time
	entropy   io.Reader
}

// AppendResult reports a stored entry and whether its actor was authorized at append time.
type AppendResult struct {
	Entry      Entry
	Authorized bool
	Op         state.Op
}

// NewLog validates cfg and constructs a Log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Store == nil {
		return nil, errors.New("moderation: store is required")
	}
	if cfg.Validator == nil {
		return nil, errors.New("moderation: validator is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	entropy := cfg.Entropy
	if entropy == nil {
		entropy = ulid.Monotonic(rand.Reader, 0)
	}
	return &Log{store: cfg.Store, validator: cfg.Validator, clock: clock, entropy: entropy}, nil
}

// Append stores entry. Authority is checked but not enforced: an unauthorized entry is still stored and
// left for Fold to exclude.
func (l *Log) Append(entry Entry) (AppendResult, error) {
	entry.Channel = state.NormalizeName(entry.Channel)
	if err := entry.validate(); err != nil {
		return AppendResult{}, err
	}
	now := l.clock().UTC()
	if entry.Timestamp == 0 {
		entry.Timestamp = now.UnixMilli()
	}
	if entry.ID == "" {
		id, err := ulid.New(ulid.Timestamp(now), l.entropy)
		if err != nil {
			return AppendResult{}, fmt.Errorf("moderation: generate id: %w", err)
		}
		entry.ID = id.String()
	}

	authorized := l.validator.CanWrite(entry.Actor, authority.KeyspaceModAction, entry.Channel)
	value, err := encodeEntry(entry)
	if err != nil {
		return AppendResult{}, fmt.Errorf("moderation: encode entry: %w", err)
	}
	op, err := l.store.Put(state.ModActionKey(entry.Channel, entry.ID), value, entry.Actor, 0)
	if err != nil {
		if errors.Is(err, state.ErrAlreadySet) {
			return AppendResult{}, fmt.Errorf("%w: %s", ErrDuplicateEntry, entry.ID)
		}
		return AppendResult{}, err
	}
	return AppendResult{Entry: entry, Authorized: authorized, Op: op}, nil
}

// Entries returns every decodable entry of channel in ulid order.
func (l *Log) Entries(channel string) []Entry {
	keys := l.store.Keys(state.ScopePrefix(state.FamilyModAction, channel))
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		register, ok := l.store.Register(key)
		if !ok {
			continue
		}
		entry, err := decodeEntry(register.Value)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Fold computes the effective moderation state of channel from the stored log.
func (l *Log) Fold(channel string) Result {
	return Fold(channel, l.Entries(channel), l.validator.Facts())
}

// OpStatus reports the folded operator verdict for actor in channel.
func (l *Log) OpStatus(actor, channel string) (int64, bool, bool) {
	return l.Fold(state.NormalizeName(channel)).OpStatus(actor)
}

// EntryFromKey decodes the entry stored under a modaction key, for change notifications.
func EntryFromKey(store Store, key string) (Entry, bool) {
	register, ok := store.Register(key)
	if !ok {
		return Entry{}, false
	}
	entry, err := decodeEntry(register.Value)
	if err != nil {
		return Entry{}, false
	}
	return entry, true
}
