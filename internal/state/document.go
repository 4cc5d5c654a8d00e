package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrAlreadySet indicates a write to a set-once key that already holds a live value.
	ErrAlreadySet = errors.New("state: key already set")
	// ErrImmutable indicates a remove of a key family that cannot be removed.
	ErrImmutable = errors.New("state: key is immutable")
	// ErrNotFound indicates a remove of a key without a live value.
	ErrNotFound = errors.New("state: key not found")
	// ErrInvalidDelta indicates a sync delta that cannot be applied.
	ErrInvalidDelta = errors.New("state: invalid delta")
	// ErrMissingReplica indicates a document constructed without a replica identity.
	ErrMissingReplica = errors.New("state: replica id is required")
)

func errInvalidOp(detail string) error {
	return fmt.Errorf("%w: %s", ErrInvalidDelta, detail)
}

// DocumentConfig describes the inputs required to build a Document.
type DocumentConfig struct {
	Replica string
	Clock   func() time.Time
}

type loggedOp struct {
	op        Op
	appliedAt time.Time
}

// Document is the flat namespaced fact store. It has exactly one writer: it is not safe for
// concurrent use and is owned by the engine goroutine.
type Document struct {
	replica   string
	clock     func() time.Time
	lamport   uint64
	seq       uint64
	registers map[string]RegisterValue
	sets      map[string]*setElement
	vv        VersionVector
	compacted VersionVector
	history   map[string][]loggedOp
	pending   map[string]map[uint64]Op
	peers     map[string]*SyncState
}

// NewDocument constructs an empty Document for the given replica.
func NewDocument(cfg DocumentConfig) (*Document, error) {
	if strings.TrimSpace(cfg.Replica) == "" {
		return nil, ErrMissingReplica
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Document{
		replica:   cfg.Replica,
		clock:     clock,
		registers: make(map[string]RegisterValue),
		sets:      make(map[string]*setElement),
		vv:        make(VersionVector),
		compacted: make(VersionVector),
		history:   make(map[string][]loggedOp),
		pending:   make(map[string]map[uint64]Op),
		peers:     make(map[string]*SyncState),
	}, nil
}

// Replica returns the identity used for local dots.
func (d *Document) Replica() string {
	return d.replica
}

// VersionVector returns a copy of the applied version vector.
func (d *Document) VersionVector() VersionVector {
	return d.vv.Clone()
}

// Lamport returns the current logical clock.
func (d *Document) Lamport() uint64 {
	return d.lamport
}

// Put writes value under key. Registers take the value directly; set keys gain a fresh tag.
// A zero clock means "next local logical time".
func (d *Document) Put(rawKey, value, actor string, clock uint64) (Op, error) {
	key, err := ParseKey(rawKey)
	if err != nil {
		return Op{}, err
	}
	rules := families[key.Family]
	if rules.setOnce {
		if _, live := d.registerValue(rawKey); live {
			return Op{}, fmt.Errorf("%w: %s", ErrAlreadySet, rawKey)
		}
	}

	kind := OpAssign
	if key.Class() == ClassAddWinsSet {
		kind = OpAdd
	}
	op := d.nextOp(kind, rawKey, actor, clock)
	op.Value = value
	d.applyLocal(op)
	return op, nil
}

// Remove deletes key. Registers receive a tombstone; set keys tombstone every tag observed locally,
// so a concurrent add elsewhere survives.
func (d *Document) Remove(rawKey, actor string) (Op, error) {
	key, err := ParseKey(rawKey)
	if err != nil {
		return Op{}, err
	}
	if !families[key.Family].removable {
		return Op{}, fmt.Errorf("%w: %s", ErrImmutable, rawKey)
	}

	if key.Class() == ClassRegister {
		if _, live := d.registerValue(rawKey); !live {
			return Op{}, fmt.Errorf("%w: %s", ErrNotFound, rawKey)
		}
		op := d.nextOp(OpClear, rawKey, actor, 0)
		d.applyLocal(op)
		return op, nil
	}

	element, ok := d.sets[rawKey]
	if !ok || !element.present() {
		return Op{}, fmt.Errorf("%w: %s", ErrNotFound, rawKey)
	}
	op := d.nextOp(OpRemove, rawKey, actor, 0)
	for _, tag := range element.liveTags() {
		op.Removed = append(op.Removed, tag.Dot)
	}
	d.applyLocal(op)
	return op, nil
}

// Get returns the visible value of key.
func (d *Document) Get(rawKey string) (string, bool) {
	if value, live := d.registerValue(rawKey); live {
		return value.Value, true
	}
	if element, ok := d.sets[rawKey]; ok {
		if tag, found := element.winningTag(); found {
			return tag.Value, true
		}
	}
	return "", false
}

// Register returns the live register entry for key, including provenance.
func (d *Document) Register(rawKey string) (RegisterValue, bool) {
	return d.registerValue(rawKey)
}

// SetTags returns the live tags of a set key ordered by dot.
func (d *Document) SetTags(rawKey string) []SetTag {
	element, ok := d.sets[rawKey]
	if !ok {
		return nil
	}
	return element.liveTags()
}

// Keys returns every visible key with the prefix, sorted.
func (d *Document) Keys(prefix string) []string {
	keys := make([]string, 0)
	for key, value := range d.registers {
		if !value.Deleted && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	for key, element := range d.sets {
		if element.present() && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Members returns the member component of every visible key in family within scope.
func (d *Document) Members(family Family, scope string) []string {
	prefix := ScopePrefix(family, scope)
	keys := d.Keys(prefix)
	members := make([]string, 0, len(keys))
	for _, key := range keys {
		members = append(members, strings.TrimPrefix(key, prefix))
	}
	return members
}

// KeyCount returns the number of visible keys.
func (d *Document) KeyCount() int {
	return len(d.Keys(""))
}

func (d *Document) registerValue(rawKey string) (RegisterValue, bool) {
	value, ok := d.registers[rawKey]
	if !ok || value.Deleted {
		return RegisterValue{}, false
	}
	return value, true
}

func (d *Document) nextOp(kind OpKind, rawKey, actor string, clock uint64) Op {
	if clock == 0 {
		clock = d.lamport + 1
	}
	if clock > d.lamport {
		d.lamport = clock
	}
	d.seq++
	return Op{
		Dot:   Dot{Replica: d.replica, Seq: d.seq},
		Kind:  kind,
		Key:   rawKey,
		Clock: clock,
		Actor: actor,
		At:    d.clock().UTC().UnixMilli(),
	}
}

func (d *Document) applyLocal(op Op) {
	d.apply(op)
	d.record(op)
	d.vv[op.Dot.Replica] = op.Dot.Seq
}

// applyRemote applies a replicated op respecting per-replica sequence order. It returns the
// keys whose visible state changed, including any parked ops the op unblocked.
func (d *Document) applyRemote(op Op) []string {
	replica := op.Dot.Replica
	current := d.vv.Get(replica)
	if op.Dot.Seq <= current {
		return nil
	}
	if op.Dot.Seq > current+1 {
		parked, ok := d.pending[replica]
		if !ok {
			parked = make(map[uint64]Op)
			d.pending[replica] = parked
		}
		parked[op.Dot.Seq] = op
		return nil
	}

	changed := make([]string, 0, 1)
	next := op
	for {
		if d.apply(next) {
			changed = append(changed, next.Key)
		}
		d.record(next)
		d.vv[replica] = next.Dot.Seq
		parked := d.pending[replica]
		following, ok := parked[next.Dot.Seq+1]
		if !ok {
			break
		}
		delete(parked, next.Dot.Seq+1)
		next = following
	}
	d.prunePending(replica)
	if replica == d.replica && d.vv[replica] > d.seq {
		d.seq = d.vv[replica]
	}
	return changed
}

func (d *Document) prunePending(replica string) {
	parked := d.pending[replica]
	applied := d.vv.Get(replica)
	for seq := range parked {
		if seq <= applied {
			delete(parked, seq)
		}
	}
	if len(parked) == 0 {
		delete(d.pending, replica)
	}
}

// apply folds op into the materialised state and reports whether the visible state changed.
func (d *Document) apply(op Op) bool {
	if op.Clock > d.lamport {
		d.lamport = op.Clock
	}
	switch op.Kind {
	case OpAssign, OpClear:
		candidate := RegisterValue{
			Value:     op.Value,
			Clock:     op.Clock,
			Actor:     op.Actor,
			Dot:       op.Dot,
			Deleted:   op.Kind == OpClear,
			WrittenAt: op.At,
		}
		return d.mergeRegister(op.Key, candidate)
	case OpAdd:
		element := d.setElement(op.Key)
		before := visibleSet(element)
		element.add(SetTag{Dot: op.Dot, Value: op.Value, Clock: op.Clock, Actor: op.Actor, AddedAt: op.At})
		return before != visibleSet(element)
	case OpRemove:
		element := d.setElement(op.Key)
		before := visibleSet(element)
		element.remove(op.Removed)
		return before != visibleSet(element)
	}
	return false
}

func (d *Document) mergeRegister(rawKey string, candidate RegisterValue) bool {
	existing, ok := d.registers[rawKey]
	if ok && !candidate.Wins(existing) {
		return false
	}
	d.registers[rawKey] = candidate
	if !ok {
		return !candidate.Deleted
	}
	return existing.Deleted != candidate.Deleted || existing.Value != candidate.Value
}

func (d *Document) setElement(rawKey string) *setElement {
	element, ok := d.sets[rawKey]
	if !ok {
		element = newSetElement()
		d.sets[rawKey] = element
	}
	return element
}

type setVisibility struct {
	present bool
	value   string
}

func visibleSet(element *setElement) setVisibility {
	tag, found := element.winningTag()
	return setVisibility{present: found, value: tag.Value}
}

func (d *Document) record(op Op) {
	d.history[op.Dot.Replica] = append(d.history[op.Dot.Replica], loggedOp{op: op, appliedAt: d.clock()})
}
