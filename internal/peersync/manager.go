package peersync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/eventbus"
	"github.com/MarcoPoloResearchLab/concord/internal/identity"
	"github.com/MarcoPoloResearchLab/concord/internal/metrics"
	"github.com/MarcoPoloResearchLab/concord/internal/state"
	"go.uber.org/zap"
)

const (
	// DefaultQueueSize bounds each peer's outbound queue.
	DefaultQueueSize = 256
	// DefaultTickInterval is the cadence of sync rounds without local changes.
	DefaultTickInterval = time.Second
)

// StateOwner is the single owner of the state document, reached by message passing.
type StateOwner interface {
	PeerConnected(ctx context.Context, peer string) error
	PeerDisconnected(ctx context.Context, peer string) error
	RemovePeer(ctx context.Context, peer string) error
	RequestFullState(ctx context.Context, peer string) error
	GenerateDelta(ctx context.Context, peer string) (*state.Delta, error)
	MergeDelta(ctx context.Context, peer string, delta *state.Delta) (state.MergeResult, error)
}

// Sender delivers frames on the transport.
type Sender interface {
	Send(ctx context.Context, peer identity.PeerID, payload []byte) error
	Disconnect(peer identity.PeerID)
}

// EventSink receives event frames.
type EventSink interface {
	Receive(ctx context.Context, from string, event eventbus.Event) (bool, error)
}

// PresenceDropper clears the presence leases of a departed origin.
type PresenceDropper interface {
	DropOrigin(origin string) int
}

// NameRecorder remembers the display name each identity last announced.
type NameRecorder interface {
	RecordName(ctx context.Context, peer identity.PeerID, name string) (previous string, changed bool, err error)
}

// Config describes the inputs required to build a Manager.
type Config struct {
	LocalName    string
	State        StateOwner
	Sender       Sender
	Events       EventSink
	Presence     PresenceDropper
	Names        NameRecorder
	QueueSize    int
	TickInterval time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID          identity.PeerID `json:"id"`
	DisplayName string          `json:"display_name"`
	QueueDepth  int             `json:"queue_depth"`
}

type session struct {
	peer        identity.PeerID
	queue       chan []byte
	stop        context.CancelFunc
	displayName string
	overflowed  atomic.Bool
}

// Manager exchanges state deltas and events with connected peers. Peers are keyed by cryptographic
// identity only; announced names are display metadata.
type Manager struct {
	localName    string
	state        StateOwner
	sender       Sender
	events       EventSink
	presence     PresenceDropper
	names        NameRecorder
	queueSize    int
	tickInterval time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
	kick         chan struct{}

	mu       sync.Mutex
	baseCtx  context.Context
	sessions map[identity.PeerID]*session
}

// NewManager validates cfg and constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.State == nil {
		return nil, errors.New("peersync: state owner is required")
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		localName:    cfg.LocalName,
		state:        cfg.State,
		sender:       cfg.Sender,
		events:       cfg.Events,
		presence:     cfg.Presence,
		names:        cfg.Names,
		queueSize:    queueSize,
		tickInterval: tickInterval,
		logger:       logger,
		metrics:      cfg.Metrics,
		kick:         make(chan struct{}, 1),
		baseCtx:      context.Background(),
		sessions:     make(map[identity.PeerID]*session),
	}, nil
}

// SetSender installs the transport after construction; the transport and the manager reference each other.
func (m *Manager) SetSender(sender Sender) {
	m.mu.Lock()
	m.sender = sender
	m.mu.Unlock()
}

func (m *Manager) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseCtx
}

func (m *Manager) currentSender() Sender {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sender
}

// OnPeerConnected opens a session: a bounded queue drained by its own writer, a hello, and an
// immediate sync round.
func (m *Manager) OnPeerConnected(peer identity.PeerID) {
	ctx := m.context()
	writerCtx, stop := context.WithCancel(ctx)
	current := &session{peer: peer, queue: make(chan []byte, m.queueSize), stop: stop}

	m.mu.Lock()
	if previous, ok := m.sessions[peer]; ok {
		previous.stop()
	}
	m.sessions[peer] = current
	connected := len(m.sessions)
	m.mu.Unlock()
	m.metrics.PeersConnected(connected)

	go m.writeLoop(writerCtx, current)

	if err := m.state.PeerConnected(ctx, peer.String()); err != nil {
		m.logger.Warn("peer connect bookkeeping failed", zap.String("peer", peer.Short()), zap.Error(err))
	}
	if hello, err := EncodeFrame(Frame{Type: FrameHello, ServerName: m.localName}); err == nil {
		m.enqueue(current, hello)
	}
	m.Kick()
}

// OnPeerDisconnected closes the session, clears the peer's presence leases and keeps its SyncState.
func (m *Manager) OnPeerDisconnected(peer identity.PeerID) {
	m.closeSession(peer, nil)
}

// closeSession is idempotent; a non-nil expected session only closes that exact session.
func (m *Manager) closeSession(peer identity.PeerID, expected *session) {
	m.mu.Lock()
	current, ok := m.sessions[peer]
	if !ok || (expected != nil && current != expected) {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, peer)
	connected := len(m.sessions)
	m.mu.Unlock()

	current.stop()
	m.metrics.PeersConnected(connected)
	if m.presence != nil {
		dropped := m.presence.DropOrigin(peer.String())
		if dropped > 0 {
			m.logger.Info("presence cleared for departed peer", zap.String("peer", peer.Short()), zap.Int("leases", dropped))
		}
	}
	if err := m.state.PeerDisconnected(m.context(), peer.String()); err != nil {
		m.logger.Warn("peer disconnect bookkeeping failed", zap.String("peer", peer.Short()), zap.Error(err))
	}
}

// RemovePeer forgets a peer that left the configuration, including its SyncState.
func (m *Manager) RemovePeer(ctx context.Context, peer identity.PeerID) error {
	if sender := m.currentSender(); sender != nil {
		sender.Disconnect(peer)
	}
	m.closeSession(peer, nil)
	return m.state.RemovePeer(ctx, peer.String())
}

// OnPeerMessage handles one inbound frame. Bad frames are logged and counted; the link stays up.
func (m *Manager) OnPeerMessage(peer identity.PeerID, payload []byte) {
	ctx := m.context()
	frame, err := DecodeFrame(payload)
	if err != nil {
		m.rejectFrame(peer, "decode", err)
		return
	}

	switch frame.Type {
	case FrameHello:
		m.handleHello(ctx, peer, frame.ServerName)
	case FrameDelta:
		m.handleDelta(ctx, peer, frame.Delta)
	case FrameEvent:
		if m.events == nil {
			return
		}
		if _, err := m.events.Receive(ctx, peer.String(), *frame.Event); err != nil {
			m.rejectFrame(peer, "event", err)
		}
	case FrameSyncRequest:
		if err := m.state.RequestFullState(ctx, peer.String()); err != nil {
			m.logger.Warn("full state request failed", zap.String("peer", peer.Short()), zap.Error(err))
			return
		}
		m.Kick()
	}
}

func (m *Manager) rejectFrame(peer identity.PeerID, reason string, err error) {
	m.metrics.FrameMalformed(reason)
	m.logger.Warn("peer frame rejected",
		zap.String("peer", peer.Short()),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func (m *Manager) handleHello(ctx context.Context, peer identity.PeerID, name string) {
	m.mu.Lock()
	if current, ok := m.sessions[peer]; ok {
		current.displayName = name
	}
	m.mu.Unlock()

	if m.names == nil {
		return
	}
	previous, changed, err := m.names.RecordName(ctx, peer, name)
	if err != nil {
		m.logger.Warn("display name not recorded", zap.String("peer", peer.Short()), zap.Error(err))
		return
	}
	if changed {
		m.metrics.DisplayNameConflict()
		m.logger.Warn("peer announced a different display name",
			zap.String("peer", peer.Short()),
			zap.String("previous_name", previous),
			zap.String("server_name", name),
		)
	}
}

func (m *Manager) handleDelta(ctx context.Context, peer identity.PeerID, delta *state.Delta) {
	if delta.From != peer.String() {
		m.metrics.DeltaReceived(false, 0)
		m.rejectFrame(peer, "sender_mismatch", ErrMalformedFrame)
		return
	}
	result, err := m.state.MergeDelta(ctx, peer.String(), delta)
	if err != nil {
		m.metrics.DeltaReceived(false, 0)
		m.rejectFrame(peer, "delta", err)
		return
	}
	m.metrics.DeltaReceived(true, len(result.Changed))
	if result.HasGaps {
		if request, err := EncodeFrame(Frame{Type: FrameSyncRequest}); err == nil {
			m.send(peer, request)
		}
	}
	m.Kick()
}

// Kick schedules a sync round without waiting for the next tick.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Tick asks the state owner for a delta per connected peer and queues the non-empty ones.
func (m *Manager) Tick(ctx context.Context) {
	for _, peer := range m.connected() {
		delta, err := m.state.GenerateDelta(ctx, peer.String())
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("delta generation failed", zap.String("peer", peer.Short()), zap.Error(err))
			}
			continue
		}
		if delta == nil {
			continue
		}
		payload, err := EncodeFrame(Frame{Type: FrameDelta, Delta: delta})
		if err != nil {
			m.logger.Error("delta encoding failed", zap.String("peer", peer.Short()), zap.Error(err))
			continue
		}
		if m.send(peer, payload) {
			m.metrics.DeltaSent(delta.IsFull())
		}
	}
}

// Run drives sync rounds until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		case <-m.kick:
			m.Tick(ctx)
		}
	}
}

// RelayExcept floods an event to every connected peer other than except.
func (m *Manager) RelayExcept(_ context.Context, event eventbus.Event, except string) int {
	payload, err := EncodeFrame(Frame{Type: FrameEvent, Event: &event})
	if err != nil {
		m.logger.Error("event encoding failed", zap.Error(err))
		return 0
	}
	relayed := 0
	for _, peer := range m.connected() {
		if peer.String() == except {
			continue
		}
		if m.send(peer, payload) {
			relayed++
		}
	}
	return relayed
}

// Peers describes the connected peers sorted by identity.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]PeerInfo, 0, len(m.sessions))
	for peer, current := range m.sessions {
		peers = append(peers, PeerInfo{ID: peer, DisplayName: current.displayName, QueueDepth: len(current.queue)})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (m *Manager) connected() []identity.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]identity.PeerID, 0, len(m.sessions))
	for peer := range m.sessions {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (m *Manager) send(peer identity.PeerID, payload []byte) bool {
	m.mu.Lock()
	current, ok := m.sessions[peer]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.enqueue(current, payload)
}

// enqueue never blocks. A full queue disconnects that peer alone.
func (m *Manager) enqueue(current *session, payload []byte) bool {
	select {
	case current.queue <- payload:
		return true
	default:
	}
	if !current.overflowed.CompareAndSwap(false, true) {
		return false
	}
	m.metrics.QueueOverflow()
	m.logger.Warn("peer outbound queue full, disconnecting",
		zap.String("peer", current.peer.Short()),
		zap.Int("queue_size", m.queueSize),
	)
	if sender := m.currentSender(); sender != nil {
		sender.Disconnect(current.peer)
	}
	go m.closeSession(current.peer, current)
	return false
}

func (m *Manager) writeLoop(ctx context.Context, current *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-current.queue:
			sender := m.currentSender()
			if sender == nil {
				continue
			}
			if err := sender.Send(ctx, current.peer, payload); err != nil {
				m.logger.Debug("peer send failed", zap.String("peer", current.peer.Short()), zap.Error(err))
			}
		}
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, current := range m.sessions {
		sessions = append(sessions, current)
	}
	m.mu.Unlock()
	for _, current := range sessions {
		current.stop()
	}
}
