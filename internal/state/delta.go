package state

import (
	"sort"
	"strings"
)

// SetState is the transferable form of one add-wins set element.
type SetState struct {
	Adds    []SetTag `json:"adds,omitempty"`
	Removed []Dot    `json:"removed,omitempty"`
}

// FullState carries every register and set entry of a document.
type FullState struct {
	Registers map[string]RegisterValue `json:"registers"`
	Sets      map[string]SetState      `json:"sets"`
	Compacted VersionVector            `json:"compacted,omitempty"`
}

// Delta is one sync message: the sender's version vector plus whatever the recipient lacks.
type Delta struct {
	From string        `json:"from"`
	Have VersionVector `json:"have"`
	Ops  []Op          `json:"ops,omitempty"`
	Full *FullState    `json:"full,omitempty"`
}

// MergeResult reports the outcome of merging one delta.
type MergeResult struct {
	Changed []string
	HasGaps bool
}

// IsFull reports whether the delta is a full-state transfer.
func (d *Delta) IsFull() bool {
	return d != nil && d.Full != nil
}

func (d *Delta) validate() error {
	if d == nil {
		return errInvalidOp("empty delta")
	}
	if strings.TrimSpace(d.From) == "" {
		return errInvalidOp("missing sender")
	}
	for _, op := range d.Ops {
		if err := op.validate(); err != nil {
			return err
		}
	}
	if d.Full != nil {
		for rawKey := range d.Full.Registers {
			class, err := ClassOf(rawKey)
			if err != nil {
				return err
			}
			if class != ClassRegister {
				return errInvalidOp("register entry for set key " + rawKey)
			}
		}
		for rawKey := range d.Full.Sets {
			class, err := ClassOf(rawKey)
			if err != nil {
				return err
			}
			if class != ClassAddWinsSet {
				return errInvalidOp("set entry for register key " + rawKey)
			}
		}
	}
	return nil
}

// SyncState records what one peer is known to hold.
type SyncState struct {
	// Acked is the peer's own version vector as last reported by it.
	Acked VersionVector `json:"acked"`
	// Sent is everything handed to the transport since the last disconnect.
	Sent VersionVector `json:"-"`
	// Advertised is the version vector we last told the peer about; nil until the first delta of a session.
	Advertised VersionVector `json:"-"`
	NeedsFull  bool          `json:"-"`
	Connected  bool          `json:"-"`
}

func newSyncState() *SyncState {
	return &SyncState{Acked: make(VersionVector), Sent: make(VersionVector)}
}

func (s *SyncState) clone() SyncState {
	return SyncState{
		Acked:      s.Acked.Clone(),
		Sent:       s.Sent.Clone(),
		Advertised: s.Advertised.Clone(),
		NeedsFull:  s.NeedsFull,
		Connected:  s.Connected,
	}
}

func (d *Document) syncState(peer string) *SyncState {
	st, ok := d.peers[peer]
	if !ok {
		st = newSyncState()
		d.peers[peer] = st
	}
	return st
}

// PeerConnected ensures a SyncState exists for peer and marks it connected. Sends of an earlier session
// are forgotten, since a replaced link may have dropped them without a disconnect.
func (d *Document) PeerConnected(peer string) {
	st := d.syncState(peer)
	st.Connected = true
	st.Sent = st.Acked.Clone()
	st.Advertised = nil
}

// PeerDisconnected keeps the SyncState but forgets in-flight sends, so the next session resends from what
// the peer acknowledged.
func (d *Document) PeerDisconnected(peer string) {
	st, ok := d.peers[peer]
	if !ok {
		return
	}
	st.Connected = false
	st.Sent = st.Acked.Clone()
	st.Advertised = nil
}

// RemovePeer discards the SyncState of a peer that left the configuration.
func (d *Document) RemovePeer(peer string) {
	delete(d.peers, peer)
}

// RequestFullState makes the next delta for peer a full-state transfer.
func (d *Document) RequestFullState(peer string) {
	d.syncState(peer).NeedsFull = true
}

// SyncPeers returns the identities with a SyncState, sorted.
func (d *Document) SyncPeers() []string {
	peers := make([]string, 0, len(d.peers))
	for peer := range d.peers {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// SyncStateOf returns a copy of the SyncState kept for peer.
func (d *Document) SyncStateOf(peer string) (SyncState, bool) {
	st, ok := d.peers[peer]
	if !ok {
		return SyncState{}, false
	}
	return st.clone(), true
}

// HasGaps reports whether ops are parked behind a missing sequence.
func (d *Document) HasGaps() bool {
	return len(d.pending) > 0
}

// GenerateDelta returns what peer lacks, or nil when the peer already holds everything and has seen our
// current version vector.
func (d *Document) GenerateDelta(peer string) *Delta {
	st := d.syncState(peer)
	base := st.Acked.Merge(st.Sent)

	if st.NeedsFull || d.beyondHorizon(base) {
		st.NeedsFull = false
		st.Sent = base.Merge(d.vv)
		st.Advertised = d.vv.Clone()
		return &Delta{From: d.replica, Have: d.vv.Clone(), Full: d.fullState()}
	}

	ops := d.opsSince(base)
	if len(ops) == 0 && st.Advertised != nil && st.Advertised.Equal(d.vv) {
		return nil
	}
	st.Sent = base.Merge(d.vv)
	st.Advertised = d.vv.Clone()
	return &Delta{From: d.replica, Have: d.vv.Clone(), Ops: ops}
}

func (d *Document) beyondHorizon(base VersionVector) bool {
	for replica, seq := range d.compacted {
		if seq > base.Get(replica) {
			return true
		}
	}
	return false
}

func (d *Document) opsSince(base VersionVector) []Op {
	ops := make([]Op, 0)
	for replica, logged := range d.history {
		floor := base.Get(replica)
		for _, entry := range logged {
			if entry.op.Dot.Seq > floor {
				ops = append(ops, entry.op)
			}
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Dot.Less(ops[j].Dot) })
	return ops
}

func (d *Document) fullState() *FullState {
	full := &FullState{
		Registers: make(map[string]RegisterValue, len(d.registers)),
		Sets:      make(map[string]SetState, len(d.sets)),
		Compacted: d.compacted.Clone(),
	}
	for key, value := range d.registers {
		full.Registers[key] = value
	}
	for key, element := range d.sets {
		full.Sets[key] = SetState{Adds: element.liveTags(), Removed: element.removedDots()}
	}
	return full
}

// Merge applies a delta without attributing it to a peer.
func (d *Document) Merge(delta *Delta) ([]string, error) {
	if err := delta.validate(); err != nil {
		return nil, err
	}
	return d.merge(delta), nil
}

// MergeFrom applies a delta received from peer and records the peer's version vector. An invalid delta is
// rejected whole and leaves the document untouched.
func (d *Document) MergeFrom(peer string, delta *Delta) ([]string, error) {
	if err := delta.validate(); err != nil {
		return nil, err
	}
	st := d.syncState(peer)
	if delta.Have.Covers(st.Acked) {
		st.Acked = st.Acked.Merge(delta.Have)
	} else {
		// The peer lost state it once acknowledged.
		st.Acked = delta.Have.Clone()
		st.Sent = delta.Have.Clone()
		st.Advertised = nil
	}
	return d.merge(delta), nil
}

func (d *Document) merge(delta *Delta) []string {
	changed := make(map[string]struct{})
	if delta.Full != nil {
		for _, key := range d.mergeFull(delta.Full, delta.Have) {
			changed[key] = struct{}{}
		}
	}
	ops := append([]Op(nil), delta.Ops...)
	sort.Slice(ops, func(i, j int) bool { return ops[i].Dot.Less(ops[j].Dot) })
	for _, op := range ops {
		for _, key := range d.applyRemote(op) {
			changed[key] = struct{}{}
		}
	}

	keys := make([]string, 0, len(changed))
	for key := range changed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (d *Document) mergeFull(full *FullState, have VersionVector) []string {
	changed := make([]string, 0)
	for key, value := range full.Registers {
		if value.Clock > d.lamport {
			d.lamport = value.Clock
		}
		if d.mergeRegister(key, value) {
			changed = append(changed, key)
		}
	}
	for key, remote := range full.Sets {
		element := d.setElement(key)
		before := visibleSet(element)
		element.remove(remote.Removed)
		for _, tag := range remote.Adds {
			if tag.Clock > d.lamport {
				d.lamport = tag.Clock
			}
			element.add(tag)
		}
		if before != visibleSet(element) {
			changed = append(changed, key)
		}
	}

	// Entries above our contiguous prefix arrived inside the full state, not as ops, so there is
	// no history to serve for them.
	for replica, seq := range have {
		if seq <= d.vv.Get(replica) {
			continue
		}
		d.vv[replica] = seq
		if seq > d.compacted.Get(replica) {
			d.compacted[replica] = seq
		}
		if replica == d.replica && seq > d.seq {
			d.seq = seq
		}
		d.prunePending(replica)
		changed = append(changed, d.drainPending(replica)...)
	}
	return changed
}

func (d *Document) drainPending(replica string) []string {
	parked, ok := d.pending[replica]
	if !ok {
		return nil
	}
	next, ok := parked[d.vv.Get(replica)+1]
	if !ok {
		return nil
	}
	delete(parked, next.Dot.Seq)
	return d.applyRemote(next)
}
