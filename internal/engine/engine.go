package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/authority"
	"github.com/MarcoPoloResearchLab/concord/internal/eventbus"
	"github.com/MarcoPoloResearchLab/concord/internal/metrics"
	"github.com/MarcoPoloResearchLab/concord/internal/moderation"
	"github.com/MarcoPoloResearchLab/concord/internal/notify"
	"github.com/MarcoPoloResearchLab/concord/internal/presence"
	"github.com/MarcoPoloResearchLab/concord/internal/state"
	"go.uber.org/zap"
)

// DefaultCommandQueue bounds the owner goroutine's inbound command queue.
const DefaultCommandQueue = 1024

// Publisher floods locally originated events to peers.
type Publisher interface {
	Publish(ctx context.Context, event eventbus.Event) (eventbus.Event, error)
}

// Config describes the inputs required to build an Engine.
type Config struct {
	Replica      string
	Presence     *presence.Tracker
	Events       Publisher
	Notifier     *notify.Dispatcher
	CommandQueue int
	Clock        func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type command struct {
	run  func()
	done chan struct{}
}

// Engine is the single owner of the state document and the moderation log. Every read and write of
// either runs on the goroutine started by Run, in the order commands arrive.
type Engine struct {
	replica   string
	document  *state.Document
	validator *authority.Validator
	log       *moderation.Log
	presence  *presence.Tracker
	events    Publisher
	notifier  *notify.Dispatcher
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics

	commands chan command
	stopped  chan struct{}
	stopOnce sync.Once

	triggerMu sync.Mutex
	trigger   func()
}

// New constructs an Engine. Nothing is processed until Run starts.
func New(cfg Config) (*Engine, error) {
	if strings.TrimSpace(cfg.Replica) == "" {
		return nil, errors.New("engine: replica is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := cfg.Presence
	if tracker == nil {
		tracker = presence.NewTracker(presence.Config{Clock: clock, Logger: logger})
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewDispatcher(0)
	}
	queue := cfg.CommandQueue
	if queue <= 0 {
		queue = DefaultCommandQueue
	}

	document, err := state.NewDocument(state.DocumentConfig{Replica: cfg.Replica, Clock: clock})
	if err != nil {
		return nil, err
	}
	validator := authority.NewValidator(document)
	moderationLog, err := moderation.NewLog(moderation.LogConfig{Store: document, Validator: validator, Clock: clock})
	if err != nil {
		return nil, err
	}
	validator.SetOverlay(moderationLog)

	return &Engine{
		replica:   cfg.Replica,
		document:  document,
		validator: validator,
		log:       moderationLog,
		presence:  tracker,
		events:    cfg.Events,
		notifier:  notifier,
		clock:     clock,
		logger:    logger,
		metrics:   cfg.Metrics,
		commands:  make(chan command, queue),
		stopped:   make(chan struct{}),
	}, nil
}

// Replica returns the local replica identity.
func (e *Engine) Replica() string {
	return e.replica
}

// Presence returns the presence tracker the engine maintains.
func (e *Engine) Presence() *presence.Tracker {
	return e.presence
}

// Notifier returns the change notification dispatcher.
func (e *Engine) Notifier() *notify.Dispatcher {
	return e.notifier
}

// SetEvents installs the event publisher after construction.
func (e *Engine) SetEvents(events Publisher) {
	e.triggerMu.Lock()
	e.events = events
	e.triggerMu.Unlock()
}

// SetSyncTrigger installs the callback that schedules a sync round after a local write.
func (e *Engine) SetSyncTrigger(trigger func()) {
	e.triggerMu.Lock()
	e.trigger = trigger
	e.triggerMu.Unlock()
}

// Run processes commands until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer e.stopOnce.Do(func() { close(e.stopped) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case next := <-e.commands:
			next.run()
			close(next.done)
		}
	}
}

// submit runs fn on the owner goroutine and waits for it to finish.
func (e *Engine) submit(ctx context.Context, fn func()) error {
	next := command{run: fn, done: make(chan struct{})}
	select {
	case e.commands <- next:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
	select {
	case <-next.done:
		return nil
	case <-e.stopped:
		select {
		case <-next.done:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (e *Engine) afterLocalWrite() {
	e.triggerMu.Lock()
	trigger := e.trigger
	e.triggerMu.Unlock()
	if trigger != nil {
		trigger()
	}
}

func (e *Engine) publisher() Publisher {
	e.triggerMu.Lock()
	defer e.triggerMu.Unlock()
	return e.events
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// validateName checks a channel or nick for characters the flat key layout reserves.
func validateName(kind, raw string) (string, error) {
	name := state.NormalizeName(raw)
	if name == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidRequest, kind)
	}
	if strings.ContainsAny(name, ": \t\r\n") {
		return "", fmt.Errorf("%w: %s %q contains a reserved character", ErrInvalidRequest, kind, name)
	}
	return name, nil
}
