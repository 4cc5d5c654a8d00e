package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const snapshotFormatVersion = 1

// ErrSnapshotVersion indicates a snapshot written by an incompatible format.
var ErrSnapshotVersion = errors.New("state: unsupported snapshot version")

// Snapshot is the durable form of a Document. Op history is not included; after a restore every replica
// counts as compacted up to the restored version vector.
type Snapshot struct {
	Version       int                      `json:"version"`
	Replica       string                   `json:"replica"`
	Lamport       uint64                   `json:"lamport"`
	Seq           uint64                   `json:"seq"`
	VersionVector VersionVector            `json:"version_vector"`
	Registers     map[string]RegisterValue `json:"registers"`
	Sets          map[string]SetState      `json:"sets"`
	PeerAcks      map[string]VersionVector `json:"peer_acks,omitempty"`
	TakenAt       time.Time                `json:"taken_at"`
}

// Snapshot captures the document.
func (d *Document) Snapshot() *Snapshot {
	full := d.fullState()
	acks := make(map[string]VersionVector, len(d.peers))
	for peer, st := range d.peers {
		acks[peer] = st.Acked.Clone()
	}
	return &Snapshot{
		Version:       snapshotFormatVersion,
		Replica:       d.replica,
		Lamport:       d.lamport,
		Seq:           d.seq,
		VersionVector: d.vv.Clone(),
		Registers:     full.Registers,
		Sets:          full.Sets,
		PeerAcks:      acks,
		TakenAt:       d.clock().UTC(),
	}
}

// Restore replaces the document contents with snapshot.
func (d *Document) Restore(snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("state: nil snapshot")
	}
	if snapshot.Version != snapshotFormatVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, snapshot.Version)
	}
	for rawKey := range snapshot.Registers {
		if class, err := ClassOf(rawKey); err != nil || class != ClassRegister {
			return fmt.Errorf("state: snapshot register %q: %w", rawKey, ErrInvalidKey)
		}
	}
	for rawKey := range snapshot.Sets {
		if class, err := ClassOf(rawKey); err != nil || class != ClassAddWinsSet {
			return fmt.Errorf("state: snapshot set %q: %w", rawKey, ErrInvalidKey)
		}
	}

	d.registers = make(map[string]RegisterValue, len(snapshot.Registers))
	for key, value := range snapshot.Registers {
		d.registers[key] = value
	}
	d.sets = make(map[string]*setElement, len(snapshot.Sets))
	for key, remote := range snapshot.Sets {
		element := newSetElement()
		element.remove(remote.Removed)
		for _, tag := range remote.Adds {
			element.add(tag)
		}
		d.sets[key] = element
	}
	d.vv = snapshot.VersionVector.Clone()
	d.compacted = snapshot.VersionVector.Clone()
	d.history = make(map[string][]loggedOp)
	d.pending = make(map[string]map[uint64]Op)
	d.lamport = snapshot.Lamport
	d.seq = snapshot.Seq
	if own := d.vv.Get(d.replica); own > d.seq {
		d.seq = own
	}
	d.peers = make(map[string]*SyncState, len(snapshot.PeerAcks))
	for peer, acked := range snapshot.PeerAcks {
		st := newSyncState()
		st.Acked = acked.Clone()
		st.Sent = acked.Clone()
		d.peers[peer] = st
	}
	return nil
}

// EncodeSnapshot serialises a snapshot to JSON.
func EncodeSnapshot(snapshot *Snapshot) ([]byte, error) {
	return json.Marshal(snapshot)
}

// DecodeSnapshot parses JSON produced by EncodeSnapshot.
func DecodeSnapshot(payload []byte) (*Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("state: decode snapshot: %w", err)
	}
	if snapshot.Version != snapshotFormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrSnapshotVersion, snapshot.Version)
	}
	return &snapshot, nil
}

// CompactionResult summarises one Compact call.
type CompactionResult struct {
	DroppedOps int
	Retained   int
}

// Compact drops op history applied before horizon. Peers whose acknowledged state falls below the dropped
// range receive a full-state transfer on their next delta.
func (d *Document) Compact(horizon time.Time) CompactionResult {
	var result CompactionResult
	for replica, logged := range d.history {
		cut := 0
		for cut < len(logged) && logged[cut].appliedAt.Before(horizon) {
			cut++
		}
		if cut > 0 {
			last := logged[cut-1].op.Dot.Seq
			if last > d.compacted.Get(replica) {
				d.compacted[replica] = last
			}
			result.DroppedOps += cut
		}
		remaining := append([]loggedOp(nil), logged[cut:]...)
		if len(remaining) == 0 {
			delete(d.history, replica)
		} else {
			d.history[replica] = remaining
		}
		result.Retained += len(remaining)
	}
	return result
}

// CompactedVersion returns a copy of the compaction version vector.
func (d *Document) CompactedVersion() VersionVector {
	return d.compacted.Clone()
}
