package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DefaultDedupeCapacity bounds the seen-cache of each origin.
const DefaultDedupeCapacity = 10_000

// DefaultOriginCapacity bounds how many origins keep a seen-cache. The least recently active origin is
// forgotten first.
const DefaultOriginCapacity = 1_024

// ErrInvalidEvent indicates an event missing its id or kind.
var ErrInvalidEvent = errors.New("eventbus: invalid event")

// Kind is the type of a real-time event.
type Kind string

const (
	KindMessage         Kind = "message"
	KindNotice          Kind = "notice"
	KindTyping          Kind = "typing"
	KindReaction        Kind = "reaction"
	KindJoin            Kind = "join"
	KindPart            Kind = "part"
	KindPresenceRefresh Kind = "presence_refresh"
)

// ID is an origin-scoped event identifier.
type ID struct {
	Origin  string `json:"origin"`
	Counter uint64 `json:"counter"`
}

// String renders the id as "origin:counter".
func (id ID) String() string {
	return id.Origin + ":" + strconv.FormatUint(id.Counter, 10)
}

// ParseID parses the form produced by String.
func ParseID(raw string) (ID, error) {
	index := strings.LastIndex(raw, ":")
	if index <= 0 {
		return ID{}, fmt.Errorf("%w: id %q", ErrInvalidEvent, raw)
	}
	counter, err := strconv.ParseUint(raw[index+1:], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: id %q", ErrInvalidEvent, raw)
	}
	return ID{Origin: raw[:index], Counter: counter}, nil
}

// Event is one ephemeral real-time occurrence. Handlers treat events as idempotent set transitions.
type Event struct {
	ID        ID              `json:"id"`
	Kind      Kind            `json:"kind"`
	Channel   string          `json:"channel,omitempty"`
	Nick      string          `json:"nick,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Text      string          `json:"text,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

func (e Event) validate() error {
	if e.ID.Origin == "" || e.ID.Counter == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	switch e.Kind {
	case KindMessage, KindNotice, KindTyping, KindReaction, KindJoin, KindPart, KindPresenceRefresh:
		return nil
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidEvent, e.Kind)
	}
}

// Handler applies a remote event locally.
type Handler func(ctx context.Context, from string, event Event)

// Relayer floods an event to every connected peer except one.
type Relayer interface {
	RelayExcept(ctx context.Context, event Event, except string) int
}

// Config describes the inputs required to build a Bus.
type Config struct {
	Origin         string
	DedupeCapacity int
	OriginCapacity int
	Clock          func() time.Time
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Bus assigns ids to local events and dedupes and relays remote ones.
type Bus struct {
	origin   string
	capacity int
	clock    func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
	counter  atomic.Uint64

	mu      sync.Mutex
	seen    *lru.Cache[string, *lru.Cache[uint64, struct{}]]
	handler Handler
	relayer Relayer
}

// New constructs a Bus. The counter starts at the current wall-clock microseconds so ids stay unique
// across restarts without persistence.
func New(cfg Config) (*Bus, error) {
	if strings.TrimSpace(cfg.Origin) == "" {
		return nil, errors.New("eventbus: origin is required")
	}
	capacity := cfg.DedupeCapacity
	if capacity <= 0 {
		capacity = DefaultDedupeCapacity
	}
	originCapacity := cfg.OriginCapacity
	if originCapacity <= 0 {
		originCapacity = DefaultOriginCapacity
	}
	seen, err := lru.New[string, *lru.Cache[uint64, struct{}]](originCapacity)
	if err != nil {
		return nil, fmt.Errorf("eventbus: origin cache: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := &Bus{
		origin:   cfg.Origin,
		capacity: capacity,
		clock:    clock,
		logger:   logger,
		metrics:  cfg.Metrics,
		seen:     seen,
	}
	bus.counter.Store(uint64(clock().UnixMicro()))
	return bus, nil
}

// Origin returns the local origin id.
func (b *Bus) Origin() string {
	return b.origin
}

// SetHandler installs the local application callback for remote events.
func (b *Bus) SetHandler(handler Handler) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

// SetRelayer installs the peer fan-out.
func (b *Bus) SetRelayer(relayer Relayer) {
	b.mu.Lock()
	b.relayer = relayer
	b.mu.Unlock()
}

// Publish stamps a locally originated event with the next id and floods it to every peer. The caller
// applies the event locally; the handler only sees remote events.
func (b *Bus) Publish(ctx context.Context, event Event) (Event, error) {
	event.ID = ID{Origin: b.origin, Counter: b.counter.Add(1)}
	if event.Timestamp == 0 {
		event.Timestamp = b.clock().UTC().UnixMilli()
	}
	if err := event.validate(); err != nil {
		return Event{}, err
	}
	b.markSeen(event.ID)
	b.metrics.EventPublished(string(event.Kind))

	if relayer := b.currentRelayer(); relayer != nil {
		b.metrics.EventRelayed(relayer.RelayExcept(ctx, event, ""))
	}
	return event, nil
}

// Receive handles an event that arrived from peer from. It returns false when the event was a duplicate
// or our own echo.
func (b *Bus) Receive(ctx context.Context, from string, event Event) (bool, error) {
	if err := event.validate(); err != nil {
		b.metrics.EventReceived("invalid")
		return false, err
	}
	if event.ID.Origin == b.origin || !b.markSeen(event.ID) {
		b.metrics.EventReceived("duplicate")
		return false, nil
	}
	b.metrics.EventReceived("new")

	b.mu.Lock()
	handler := b.handler
	relayer := b.relayer
	b.mu.Unlock()

	if handler != nil {
		handler(ctx, from, event)
	}
	if relayer != nil {
		relayed := relayer.RelayExcept(ctx, event, from)
		b.metrics.EventRelayed(relayed)
		b.logger.Debug("event relayed",
			zap.String("event_id", event.ID.String()),
			zap.String("from", from),
			zap.Int("peers", relayed),
		)
	}
	return true, nil
}

// Seen reports whether id is in the dedupe cache.
func (b *Bus) Seen(id ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cache, ok := b.seen.Peek(id.Origin)
	return ok && cache.Contains(id.Counter)
}

// markSeen records id and reports whether it was new.
func (b *Bus) markSeen(id ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cache, ok := b.seen.Get(id.Origin)
	if !ok {
		created, err := lru.New[uint64, struct{}](b.capacity)
		if err != nil {
			b.logger.Error("dedupe cache", zap.Error(err))
			return true
		}
		cache = created
		b.seen.Add(id.Origin, cache)
	}
	if cache.Contains(id.Counter) {
		return false
	}
	cache.Add(id.Counter, struct{}{})
	return true
}

// Origins reports how many origins currently keep a seen-cache.
func (b *Bus) Origins() int {
	return b.seen.Len()
}

func (b *Bus) currentRelayer() Relayer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.relayer
}
