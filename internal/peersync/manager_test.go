package peersync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/eventbus"
	"github.com/MarcoPoloResearchLab/concord/internal/identity"
	"github.com/MarcoPoloResearchLab/concord/internal/presence"
	"github.com/MarcoPoloResearchLab/concord/internal/state"
	"github.com/stretchr/testify/require"
)

type lockedDocument struct {
	mu       sync.Mutex
	document *state.Document
}

func newLockedDocument(t *testing.T, replica identity.PeerID) *lockedDocument {
	t.Helper()
	document, err := state.NewDocument(state.DocumentConfig{Replica: replica.String()})
	require.NoError(t, err)
	return &lockedDocument{document: document}
}

func (l *lockedDocument) with(fn func(document *state.Document)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.document)
}

func (l *lockedDocument) PeerConnected(_ context.Context, peer string) error {
	l.with(func(document *state.Document) { document.PeerConnected(peer) })
	return nil
}

func (l *lockedDocument) PeerDisconnected(_ context.Context, peer string) error {
	l.with(func(document *state.Document) { document.PeerDisconnected(peer) })
	return nil
}

func (l *lockedDocument) RemovePeer(_ context.Context, peer string) error {
	l.with(func(document *state.Document) { document.RemovePeer(peer) })
	return nil
}

func (l *lockedDocument) RequestFullState(_ context.Context, peer string) error {
	l.with(func(document *state.Document) { document.RequestFullState(peer) })
	return nil
}

func (l *lockedDocument) GenerateDelta(_ context.Context, peer string) (*state.Delta, error) {
	var delta *state.Delta
	l.with(func(document *state.Document) { delta = document.GenerateDelta(peer) })
	return delta, nil
}

func (l *lockedDocument) MergeDelta(_ context.Context, peer string, delta *state.Delta) (state.MergeResult, error) {
	var (
		result state.MergeResult
		err    error
	)
	l.with(func(document *state.Document) {
		result.Changed, err = document.MergeFrom(peer, delta)
		result.HasGaps = document.HasGaps()
	})
	return result, err
}

func (l *lockedDocument) get(key string) (string, bool) {
	var (
		value string
		ok    bool
	)
	l.with(func(document *state.Document) { value, ok = document.Get(key) })
	return value, ok
}

type capturingSender struct {
	mu           sync.Mutex
	frames       map[identity.PeerID][]Frame
	disconnected []identity.PeerID
	block        map[identity.PeerID]chan struct{}
}

func newCapturingSender() *capturingSender {
	return &capturingSender{frames: make(map[identity.PeerID][]Frame), block: make(map[identity.PeerID]chan struct{})}
}

func (c *capturingSender) Send(ctx context.Context, peer identity.PeerID, payload []byte) error {
	c.mu.Lock()
	gate := c.block[peer]
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := DecodeFrame(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.frames[peer] = append(c.frames[peer], frame)
	c.mu.Unlock()
	return nil
}

func (c *capturingSender) Disconnect(peer identity.PeerID) {
	c.mu.Lock()
	c.disconnected = append(c.disconnected, peer)
	c.mu.Unlock()
}

func (c *capturingSender) framesFor(peer identity.PeerID) []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames[peer]...)
}

func (c *capturingSender) disconnects() []identity.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]identity.PeerID(nil), c.disconnected...)
}

type memoryNames struct {
	mu    sync.Mutex
	names map[identity.PeerID]string
}

func (n *memoryNames) RecordName(_ context.Context, peer identity.PeerID, name string) (string, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	previous, known := n.names[peer]
	n.names[peer] = name
	return previous, known && previous != name, nil
}

func mustPeerID(t *testing.T) identity.PeerID {
	t.Helper()
	key, err := identity.GenerateKey()
	require.NoError(t, err)
	return key.ID
}

func mustManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	manager, err := NewManager(cfg)
	require.NoError(t, err)
	return manager
}

func mustFrame(t *testing.T, frame Frame) []byte {
	t.Helper()
	payload, err := EncodeFrame(frame)
	require.NoError(t, err)
	return payload
}

func TestDisplayNamesNeverSplitSyncState(t *testing.T) {
	local := mustPeerID(t)
	remote := mustPeerID(t)
	document := newLockedDocument(t, local)
	names := &memoryNames{names: make(map[identity.PeerID]string)}
	manager := mustManager(t, Config{LocalName: "irc.local", State: document, Sender: newCapturingSender(), Names: names})

	manager.OnPeerConnected(remote)
	manager.OnPeerMessage(remote, mustFrame(t, Frame{Type: FrameHello, ServerName: "irc.example.net"}))
	manager.OnPeerMessage(remote, mustFrame(t, Frame{Type: FrameHello, ServerName: "irc.impostor.net"}))

	var peers []string
	document.with(func(d *state.Document) { peers = d.SyncPeers() })
	require.Equal(t, []string{remote.String()}, peers)

	info := manager.Peers()
	require.Len(t, info, 1)
	require.Equal(t, "irc.impostor.net", info[0].DisplayName)
}

func TestMalformedFramesKeepSessionAlive(t *testing.T) {
	local := mustPeerID(t)
	remote := mustPeerID(t)
	sender := newCapturingSender()
	manager := mustManager(t, Config{State: newLockedDocument(t, local), Sender: sender})
	manager.OnPeerConnected(remote)

	manager.OnPeerMessage(remote, []byte("{not json"))
	manager.OnPeerMessage(remote, []byte(`{"type":"teleport"}`))
	manager.OnPeerMessage(remote, []byte(`{"type":"delta"}`))
	manager.OnPeerMessage(remote, mustFrame(t, Frame{Type: FrameDelta, Delta: &state.Delta{From: "someone-else"}}))

	require.Empty(t, sender.disconnects())
	require.Len(t, manager.Peers(), 1)
}

func TestQueueOverflowDisconnectsOnlyThatPeer(t *testing.T) {
	local := mustPeerID(t)
	slow := mustPeerID(t)
	fast := mustPeerID(t)
	sender := newCapturingSender()
	sender.block[slow] = make(chan struct{})
	manager := mustManager(t, Config{State: newLockedDocument(t, local), Sender: sender, QueueSize: 2})

	manager.OnPeerConnected(slow)
	manager.OnPeerConnected(fast)

	event := eventbus.Event{ID: eventbus.ID{Origin: local.String(), Counter: 1}, Kind: eventbus.KindMessage}
	for attempt := 0; attempt < 6; attempt++ {
		event.ID.Counter++
		manager.RelayExcept(context.Background(), event, fast.String())
	}

	require.Eventually(t, func() bool {
		disconnects := sender.disconnects()
		return len(disconnects) == 1 && disconnects[0] == slow
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		peers := manager.Peers()
		return len(peers) == 1 && peers[0].ID == fast
	}, time.Second, 5*time.Millisecond)

	close(sender.block[slow])
}

func TestDisconnectClearsPresenceAndKeepsSyncState(t *testing.T) {
	local := mustPeerID(t)
	remote := mustPeerID(t)
	document := newLockedDocument(t, local)
	tracker := presence.NewTracker(presence.Config{})
	manager := mustManager(t, Config{State: document, Sender: newCapturingSender(), Presence: tracker})

	manager.OnPeerConnected(remote)
	tracker.Join("#general", "alice", remote.String())
	tracker.Join("#general", "bob", local.String())

	manager.OnPeerDisconnected(remote)
	manager.OnPeerDisconnected(remote)

	require.False(t, tracker.IsPresent("#general", "alice"))
	require.True(t, tracker.IsPresent("#general", "bob"))
	var known bool
	document.with(func(d *state.Document) { _, known = d.SyncStateOf(remote.String()) })
	require.True(t, known)
	require.Empty(t, manager.Peers())
}

func TestTickSendsHelloThenDelta(t *testing.T) {
	local := mustPeerID(t)
	remote := mustPeerID(t)
	document := newLockedDocument(t, local)
	document.with(func(d *state.Document) {
		_, err := d.Put(state.TopicKey("#general"), "hello", "did:plc:alice", 0)
		require.NoError(t, err)
	})
	sender := newCapturingSender()
	manager := mustManager(t, Config{LocalName: "irc.local", State: document, Sender: sender})

	manager.OnPeerConnected(remote)
	manager.Tick(context.Background())
	manager.Tick(context.Background())

	require.Eventually(t, func() bool { return len(sender.framesFor(remote)) == 2 }, time.Second, 5*time.Millisecond)
	frames := sender.framesFor(remote)
	require.Equal(t, FrameHello, frames[0].Type)
	require.Equal(t, "irc.local", frames[0].ServerName)
	require.Equal(t, FrameDelta, frames[1].Type)
	require.Len(t, frames[1].Delta.Ops, 1)
}

func TestReplacedSessionResendsUndeliveredDelta(t *testing.T) {
	local := mustPeerID(t)
	remote := mustPeerID(t)
	document := newLockedDocument(t, local)
	document.with(func(d *state.Document) {
		_, err := d.Put(state.TopicKey("#general"), "hello", "did:plc:alice", 0)
		require.NoError(t, err)
	})
	sender := newCapturingSender()
	gate := make(chan struct{})
	sender.block[remote] = gate
	manager := mustManager(t, Config{LocalName: "irc.local", State: document, Sender: sender})

	manager.OnPeerConnected(remote)
	manager.Tick(context.Background())
	manager.OnPeerConnected(remote)
	close(gate)
	manager.Tick(context.Background())

	require.Eventually(t, func() bool {
		for _, frame := range sender.framesFor(remote) {
			if frame.Type == FrameDelta && len(frame.Delta.Ops) == 1 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSyncRequestTriggersFullState(t *testing.T) {
	local := mustPeerID(t)
	remote := mustPeerID(t)
	sender := newCapturingSender()
	manager := mustManager(t, Config{State: newLockedDocument(t, local), Sender: sender})
	manager.OnPeerConnected(remote)

	manager.OnPeerMessage(remote, mustFrame(t, Frame{Type: FrameSyncRequest}))
	manager.Tick(context.Background())

	require.Eventually(t, func() bool {
		for _, frame := range sender.framesFor(remote) {
			if frame.Type == FrameDelta && frame.Delta.IsFull() {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

type loopbackSender struct {
	mu      sync.Mutex
	from    identity.PeerID
	targets map[identity.PeerID]*Manager
}

func (l *loopbackSender) Send(_ context.Context, peer identity.PeerID, payload []byte) error {
	l.mu.Lock()
	target := l.targets[peer]
	l.mu.Unlock()
	if target != nil {
		target.OnPeerMessage(l.from, payload)
	}
	return nil
}

func (l *loopbackSender) Disconnect(identity.PeerID) {}

func TestTwoManagersConverge(t *testing.T) {
	idA := mustPeerID(t)
	idB := mustPeerID(t)
	documentA := newLockedDocument(t, idA)
	documentB := newLockedDocument(t, idB)
	documentA.with(func(d *state.Document) {
		_, err := d.Put(state.TopicKey("#general"), "hello", "did:plc:alice", 1)
		require.NoError(t, err)
	})
	documentB.with(func(d *state.Document) {
		_, err := d.Put(state.TopicKey("#general"), "world", "did:plc:bob", 2)
		require.NoError(t, err)
	})

	senderA := &loopbackSender{from: idA, targets: make(map[identity.PeerID]*Manager)}
	senderB := &loopbackSender{from: idB, targets: make(map[identity.PeerID]*Manager)}
	managerA := mustManager(t, Config{LocalName: "a", State: documentA, Sender: senderA, TickInterval: 10 * time.Millisecond})
	managerB := mustManager(t, Config{LocalName: "b", State: documentB, Sender: senderB, TickInterval: 10 * time.Millisecond})
	senderA.targets[idB] = managerB
	senderB.targets[idA] = managerA

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = managerA.Run(ctx) }()
	go func() { _ = managerB.Run(ctx) }()
	managerA.OnPeerConnected(idB)
	managerB.OnPeerConnected(idA)

	require.Eventually(t, func() bool {
		topicA, _ := documentA.get(state.TopicKey("#general"))
		topicB, _ := documentB.get(state.TopicKey("#general"))
		return topicA == "world" && topicB == "world"
	}, 2*time.Second, 10*time.Millisecond)
}
