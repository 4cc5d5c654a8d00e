package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/state"
	"go.uber.org/zap"
)

// DefaultTTL is the lease lifetime used when none is configured.
const DefaultTTL = 90 * time.Second

// Lease asserts that nick is in channel through origin until LastSeen+TTL.
type Lease struct {
	Channel  string        `json:"channel"`
	Nick     string        `json:"nick"`
	Origin   string        `json:"origin"`
	LastSeen time.Time     `json:"last_seen"`
	TTL      time.Duration `json:"ttl"`
}

// Live reports whether the lease has not expired at now.
func (l Lease) Live(now time.Time) bool {
	return now.Sub(l.LastSeen) < l.TTL
}

// Member is one present user of a channel.
type Member struct {
	Nick   string `json:"nick"`
	Origin string `json:"origin"`
}

type leaseKey struct {
	channel string
	nick    string
	origin  string
}

// Config describes the inputs required to build a Tracker.
type Config struct {
	TTL    time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
}

// Tracker keeps presence as expiring leases. Absence never needs a message: a lease that is not refreshed
// simply stops counting.
type Tracker struct {
	mu     sync.RWMutex
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger
	leases map[leaseKey]Lease
}

// NewTracker constructs a Tracker.
func NewTracker(cfg Config) *Tracker {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{ttl: ttl, clock: clock, logger: logger, leases: make(map[leaseKey]Lease)}
}

// TTL returns the configured lease lifetime.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Join creates or renews the lease for (channel, nick, origin).
func (t *Tracker) Join(channel, nick, origin string) Lease {
	return t.upsert(channel, nick, origin)
}

// Refresh renews a lease. It creates the lease when missing so a refresh from a peer that reconnected
// restores presence without a separate join.
func (t *Tracker) Refresh(channel, nick, origin string) Lease {
	return t.upsert(channel, nick, origin)
}

func (t *Tracker) upsert(channel, nick, origin string) Lease {
	key := leaseKey{channel: state.NormalizeName(channel), nick: state.NormalizeName(nick), origin: origin}
	lease := Lease{Channel: key.channel, Nick: key.nick, Origin: origin, LastSeen: t.clock(), TTL: t.ttl}
	t.mu.Lock()
	t.leases[key] = lease
	t.mu.Unlock()
	return lease
}

// Leave drops a lease and reports whether it was live.
func (t *Tracker) Leave(channel, nick, origin string) bool {
	key := leaseKey{channel: state.NormalizeName(channel), nick: state.NormalizeName(nick), origin: origin}
	now := t.clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	lease, ok := t.leases[key]
	delete(t.leases, key)
	return ok && lease.Live(now)
}

// IsPresent reports whether any origin holds a live lease for nick in channel.
func (t *Tracker) IsPresent(channel, nick string) bool {
	channel = state.NormalizeName(channel)
	nick = state.NormalizeName(nick)
	now := t.clock()
	t.mu.RLock()
	defer t.mu.RUnlock()
	for key, lease := range t.leases {
		if key.channel == channel && key.nick == nick && lease.Live(now) {
			return true
		}
	}
	return false
}

// Members returns the live members of channel sorted by nick.
func (t *Tracker) Members(channel string) []Member {
	channel = state.NormalizeName(channel)
	now := t.clock()
	t.mu.RLock()
	members := make([]Member, 0)
	for key, lease := range t.leases {
		if key.channel == channel && lease.Live(now) {
			members = append(members, Member{Nick: key.nick, Origin: key.origin})
		}
	}
	t.mu.RUnlock()
	sort.Slice(members, func(i, j int) bool {
		if members[i].Nick != members[j].Nick {
			return members[i].Nick < members[j].Nick
		}
		return members[i].Origin < members[j].Origin
	})
	return members
}

// DropOrigin removes every lease from origin, returning how many were removed.
func (t *Tracker) DropOrigin(origin string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for key := range t.leases {
		if key.origin == origin {
			delete(t.leases, key)
			dropped++
		}
	}
	return dropped
}

// Sweep reclaims expired leases. Correctness never depends on it.
func (t *Tracker) Sweep() int {
	now := t.clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	swept := 0
	for key, lease := range t.leases {
		if !lease.Live(now) {
			delete(t.leases, key)
			swept++
		}
	}
	return swept
}

// LocalLeases returns the live leases owned by origin.
func (t *Tracker) LocalLeases(origin string) []Lease {
	now := t.clock()
	t.mu.RLock()
	leases := make([]Lease, 0)
	for key, lease := range t.leases {
		if key.origin == origin && lease.Live(now) {
			leases = append(leases, lease)
		}
	}
	t.mu.RUnlock()
	sort.Slice(leases, func(i, j int) bool {
		if leases[i].Channel != leases[j].Channel {
			return leases[i].Channel < leases[j].Channel
		}
		return leases[i].Nick < leases[j].Nick
	})
	return leases
}

// Len returns the number of stored leases, live or not.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.leases)
}

// RefreshConfig describes the periodic local refresh.
type RefreshConfig struct {
	Origin string
	// Publish announces a renewed local lease to peers.
	Publish func(ctx context.Context, lease Lease)
	// OnSweep receives the number of leases reclaimed by each sweep.
	OnSweep func(swept int)
}

// Run renews the leases of Origin every TTL/3, publishing each renewal, and sweeps expired leases on the
// same cadence. It returns when ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, cfg RefreshConfig) error {
	interval := t.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, lease := range t.LocalLeases(cfg.Origin) {
				renewed := t.Refresh(lease.Channel, lease.Nick, lease.Origin)
				if cfg.Publish != nil {
					cfg.Publish(ctx, renewed)
				}
			}
			swept := t.Sweep()
			if swept > 0 {
				t.logger.Debug("presence sweep", zap.Int("swept", swept))
			}
			if cfg.OnSweep != nil {
				cfg.OnSweep(swept)
			}
		}
	}
}
