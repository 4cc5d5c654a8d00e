package state

import (
	"sort"
)

// Dot identifies one mutation: the replica that made it and that replica's sequence number.
type Dot struct {
	Replica string `json:"r"`
	Seq     uint64 `json:"s"`
}

// Less orders dots by replica, then sequence.
func (d Dot) Less(other Dot) bool {
	if d.Replica != other.Replica {
		return d.Replica < other.Replica
	}
	return d.Seq < other.Seq
}

// VersionVector maps a replica to the highest contiguous sequence applied from it.
type VersionVector map[string]uint64

// Get returns the sequence recorded for replica.
func (vv VersionVector) Get(replica string) uint64 {
	if vv == nil {
		return 0
	}
	return vv[replica]
}

// Clone returns an independent copy.
func (vv VersionVector) Clone() VersionVector {
	clone := make(VersionVector, len(vv))
	for replica, seq := range vv {
		clone[replica] = seq
	}
	return clone
}

// Merge returns the pointwise maximum of both vectors.
func (vv VersionVector) Merge(other VersionVector) VersionVector {
	merged := vv.Clone()
	for replica, seq := range other {
		if seq > merged[replica] {
			merged[replica] = seq
		}
	}
	return merged
}

// Covers reports whether vv has seen everything other has.
func (vv VersionVector) Covers(other VersionVector) bool {
	for replica, seq := range other {
		if vv.Get(replica) < seq {
			return false
		}
	}
	return true
}

// Equal reports whether both vectors record the same sequences (zero entries ignored).
func (vv VersionVector) Equal(other VersionVector) bool {
	return vv.Covers(other) && other.Covers(vv)
}

// Contains reports whether the dot is already covered.
func (vv VersionVector) Contains(dot Dot) bool {
	return dot.Seq <= vv.Get(dot.Replica)
}

// RegisterValue is the state of a last-writer-wins register.
type RegisterValue struct {
	Value     string `json:"value,omitempty"`
	Clock     uint64 `json:"clock"`
	Actor     string `json:"actor"`
	Dot       Dot    `json:"dot"`
	Deleted   bool   `json:"deleted,omitempty"`
	WrittenAt int64  `json:"written_at"`
}

// Wins reports whether v supersedes other: higher (clock, actor) wins, the dot breaks exact ties.
func (v RegisterValue) Wins(other RegisterValue) bool {
	if v.Clock != other.Clock {
		return v.Clock > other.Clock
	}
	if v.Actor != other.Actor {
		return v.Actor > other.Actor
	}
	return other.Dot.Less(v.Dot)
}

// SetTag is one add of an element to an add-wins set.
type SetTag struct {
	Dot     Dot    `json:"dot"`
	Value   string `json:"value,omitempty"`
	Clock   uint64 `json:"clock"`
	Actor   string `json:"actor"`
	AddedAt int64  `json:"added_at"`
}

type setElement struct {
	adds    map[Dot]SetTag
	removed map[Dot]struct{}
}

func newSetElement() *setElement {
	return &setElement{adds: make(map[Dot]SetTag), removed: make(map[Dot]struct{})}
}

func (e *setElement) present() bool {
	return len(e.adds) > 0
}

func (e *setElement) add(tag SetTag) {
	if _, tombstoned := e.removed[tag.Dot]; tombstoned {
		return
	}
	e.adds[tag.Dot] = tag
}

func (e *setElement) remove(dots []Dot) {
	for _, dot := range dots {
		delete(e.adds, dot)
		e.removed[dot] = struct{}{}
	}
}

func (e *setElement) liveTags() []SetTag {
	tags := make([]SetTag, 0, len(e.adds))
	for _, tag := range e.adds {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Dot.Less(tags[j].Dot) })
	return tags
}

func (e *setElement) removedDots() []Dot {
	dots := make([]Dot, 0, len(e.removed))
	for dot := range e.removed {
		dots = append(dots, dot)
	}
	sort.Slice(dots, func(i, j int) bool { return dots[i].Less(dots[j]) })
	return dots
}

// winningTag picks the tag whose value represents the element.
func (e *setElement) winningTag() (SetTag, bool) {
	var best SetTag
	found := false
	for _, tag := range e.adds {
		candidate := RegisterValue{Clock: tag.Clock, Actor: tag.Actor, Dot: tag.Dot}
		current := RegisterValue{Clock: best.Clock, Actor: best.Actor, Dot: best.Dot}
		if !found || candidate.Wins(current) {
			best = tag
			found = true
		}
	}
	return best, found
}

// OpKind enumerates replicated mutations.
type OpKind string

const (
	// OpAssign writes a register value.
	OpAssign OpKind = "assign"
	// OpClear writes a register tombstone.
	OpClear OpKind = "clear"
	// OpAdd adds a tag to a set element.
	OpAdd OpKind = "add"
	// OpRemove tombstones the observed tags of a set element.
	OpRemove OpKind = "remove"
)

// Op is one replicated mutation; ops are the unit of delta sync.
type Op struct {
	Dot     Dot    `json:"dot"`
	Kind    OpKind `json:"kind"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Clock   uint64 `json:"clock"`
	Actor   string `json:"actor"`
	At      int64  `json:"at"`
	Removed []Dot  `json:"removed,omitempty"`
}

func (op Op) validate() error {
	if op.Dot.Replica == "" || op.Dot.Seq == 0 {
		return errInvalidOp("missing dot")
	}
	key, err := ParseKey(op.Key)
	if err != nil {
		return err
	}
	switch op.Kind {
	case OpAssign, OpClear:
		if key.Class() != ClassRegister {
			return errInvalidOp("register op on set key " + op.Key)
		}
	case OpAdd, OpRemove:
		if key.Class() != ClassAddWinsSet {
			return errInvalidOp("set op on register key " + op.Key)
		}
	default:
		return errInvalidOp("unknown kind " + string(op.Kind))
	}
	return nil
}
