package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Kind names a change notification.
type Kind string

const (
	KindTopicChanged       Kind = "topic_changed"
	KindFounderSet         Kind = "founder_set"
	KindMemberJoined       Kind = "member_joined"
	KindMemberLeft         Kind = "member_left"
	KindBanAdded           Kind = "ban_added"
	KindBanRemoved         Kind = "ban_removed"
	KindOpGranted          Kind = "op_granted"
	KindOpRevoked          Kind = "op_revoked"
	KindNickClaimed        Kind = "nick_claimed"
	KindPolicyChanged      Kind = "policy_changed"
	KindModerationAppended Kind = "moderation_appended"
	KindMessage            Kind = "message"
	KindTyping             Kind = "typing"
	KindReaction           Kind = "reaction"
)

// AllChannels subscribes to notifications of every channel.
const AllChannels = "*"

const defaultBufferSize = 16

// Notification describes one observable change. Channel is empty for nick-scoped changes.
type Notification struct {
	Kind      Kind            `json:"kind"`
	Channel   string          `json:"channel,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Value     string          `json:"value,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Dispatcher fans notifications out to per-channel subscribers. Slow subscribers miss notifications
// rather than stall the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Notification
}

// NewDispatcher constructs a Dispatcher with the given per-subscriber buffer.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers for notifications of channel, or of every channel with AllChannels. The
// subscription ends when ctx is done or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, channel string) (<-chan Notification, func()) {
	if channel == "" {
		ch := make(chan Notification)
		close(ch)
		return ch, func() {}
	}
	current := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Notification, d.bufferSize),
	}
	d.register(channel, current)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(channel, current.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return current.stream, cleanup
}

// Publish delivers notification to the channel's subscribers and to AllChannels subscribers.
func (d *Dispatcher) Publish(notification Notification) {
	if notification.Kind == "" {
		return
	}
	d.mu.RLock()
	targets := make([]*subscriber, 0)
	for _, key := range []string{notification.Channel, AllChannels} {
		if key == "" {
			continue
		}
		for _, current := range d.subscribers[key] {
			targets = append(targets, current)
		}
	}
	d.mu.RUnlock()
	for _, current := range targets {
		select {
		case current.stream <- notification:
		default:
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, group := range d.subscribers {
		total += len(group)
	}
	return total
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(channel string, current *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[channel]; !ok {
		d.subscribers[channel] = make(map[int64]*subscriber)
	}
	d.subscribers[channel][current.id] = current
}

func (d *Dispatcher) unregister(channel string, subscriberID int64) {
	d.mu.Lock()
	group := d.subscribers[channel]
	if group != nil {
		delete(group, subscriberID)
		if len(group) == 0 {
			delete(d.subscribers, channel)
		}
	}
	d.mu.Unlock()
}
