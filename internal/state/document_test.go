package state

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func mustDocument(t *testing.T, replica string) *Document {
	t.Helper()
	document, err := NewDocument(DocumentConfig{Replica: replica})
	if err != nil {
		t.Fatalf("unexpected document error: %v", err)
	}
	return document
}

func mustPut(t *testing.T, document *Document, key, value, actor string, clock uint64) Op {
	t.Helper()
	op, err := document.Put(key, value, actor, clock)
	if err != nil {
		t.Fatalf("put %s failed: %v", key, err)
	}
	return op
}

func mustMergeFrom(t *testing.T, document *Document, peer string, delta *Delta) []string {
	t.Helper()
	changed, err := document.MergeFrom(peer, delta)
	if err != nil {
		t.Fatalf("merge from %s failed: %v", peer, err)
	}
	return changed
}

// syncUntilSettled exchanges deltas both ways until neither side has anything to send.
func syncUntilSettled(t *testing.T, left, right *Document) {
	t.Helper()
	for round := 0; round < 10; round++ {
		toRight := left.GenerateDelta(right.Replica())
		if toRight != nil {
			mustMergeFrom(t, right, left.Replica(), toRight)
		}
		toLeft := right.GenerateDelta(left.Replica())
		if toLeft != nil {
			mustMergeFrom(t, left, right.Replica(), toLeft)
		}
		if toRight == nil && toLeft == nil {
			return
		}
	}
	t.Fatalf("documents did not settle")
}

func TestNewDocumentRequiresReplica(testContext *testing.T) {
	if _, err := NewDocument(DocumentConfig{Replica: "  "}); !errors.Is(err, ErrMissingReplica) {
		testContext.Fatalf("expected missing replica error, got %v", err)
	}
}

func TestConcurrentTopicConvergesToHigherClock(testContext *testing.T) {
	serverA := mustDocument(testContext, "server-a")
	serverB := mustDocument(testContext, "server-b")

	mustPut(testContext, serverA, TopicKey("#general"), "hello", "did:plc:alice", 1)
	mustPut(testContext, serverB, TopicKey("#general"), "world", "did:plc:bob", 2)

	syncUntilSettled(testContext, serverA, serverB)

	for _, document := range []*Document{serverA, serverB} {
		topic, ok := document.Get(TopicKey("#general"))
		if !ok || topic != "world" {
			testContext.Fatalf("%s: expected topic world, got %q (present=%v)", document.Replica(), topic, ok)
		}
	}
}

func TestEqualClockTieBreaksOnActor(testContext *testing.T) {
	serverA := mustDocument(testContext, "server-a")
	serverB := mustDocument(testContext, "server-b")

	mustPut(testContext, serverA, TopicKey("#general"), "from alice", "did:plc:alice", 5)
	mustPut(testContext, serverB, TopicKey("#general"), "from bob", "did:plc:bob", 5)
	syncUntilSettled(testContext, serverA, serverB)

	topicA, _ := serverA.Get(TopicKey("#general"))
	topicB, _ := serverB.Get(TopicKey("#general"))
	if topicA != "from bob" || topicB != "from bob" {
		testContext.Fatalf("expected lexically greater actor to win, got %q and %q", topicA, topicB)
	}
}

func TestConcurrentFoundersConvergeToSingleValue(testContext *testing.T) {
	serverA := mustDocument(testContext, "server-a")
	serverB := mustDocument(testContext, "server-b")

	mustPut(testContext, serverA, FounderKey("#new"), "did:plc:alice", "did:plc:alice", 0)
	mustPut(testContext, serverB, FounderKey("#new"), "did:plc:bob", "did:plc:bob", 0)
	syncUntilSettled(testContext, serverA, serverB)

	founderA, okA := serverA.Get(FounderKey("#new"))
	founderB, okB := serverB.Get(FounderKey("#new"))
	if !okA || !okB || founderA != founderB {
		testContext.Fatalf("expected one founder on both sides, got %q and %q", founderA, founderB)
	}
}

func TestFounderIsSetOnceLocally(testContext *testing.T) {
	document := mustDocument(testContext, "server-a")
	mustPut(testContext, document, FounderKey("#new"), "did:plc:alice", "did:plc:alice", 0)
	if _, err := document.Put(FounderKey("#new"), "did:plc:mallory", "did:plc:mallory", 0); !errors.Is(err, ErrAlreadySet) {
		testContext.Fatalf("expected already set error, got %v", err)
	}
	if _, err := document.Remove(FounderKey("#new"), "did:plc:alice"); !errors.Is(err, ErrImmutable) {
		testContext.Fatalf("expected immutable error, got %v", err)
	}
}

func TestPutRejectsUnknownFamily(testContext *testing.T) {
	document := mustDocument(testContext, "server-a")
	if _, err := document.Put("channel:#general", "x", "did:plc:alice", 0); !errors.Is(err, ErrUnknownKeyFamily) {
		testContext.Fatalf("expected unknown family error, got %v", err)
	}
	if _, err := document.Put("op:#general", "x", "did:plc:alice", 0); !errors.Is(err, ErrInvalidKey) {
		testContext.Fatalf("expected invalid key error for member-less op key, got %v", err)
	}
}

func TestRemoveWritesRegisterTombstone(testContext *testing.T) {
	serverA := mustDocument(testContext, "server-a")
	serverB := mustDocument(testContext, "server-b")
	mustPut(testContext, serverA, NickOwnerKey("alice"), "did:plc:alice", "did:plc:alice", 0)
	syncUntilSettled(testContext, serverA, serverB)

	if _, err := serverB.Remove(NickOwnerKey("alice"), "did:plc:alice"); err != nil {
		testContext.Fatalf("remove failed: %v", err)
	}
	syncUntilSettled(testContext, serverA, serverB)

	if _, ok := serverA.Get(NickOwnerKey("alice")); ok {
		testContext.Fatalf("expected tombstone to replicate")
	}
	if _, err := serverA.Remove(NickOwnerKey("alice"), "did:plc:alice"); !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected not found for removed key, got %v", err)
	}
}

func TestConcurrentAddSurvivesRemove(testContext *testing.T) {
	serverA := mustDocument(testContext, "server-a")
	serverB := mustDocument(testContext, "server-b")
	key := OpKey("#general", "did:plc:carol")

	mustPut(testContext, serverA, key, `{"granted_by":"did:plc:alice"}`, "did:plc:alice", 0)
	syncUntilSettled(testContext, serverA, serverB)

	if _, err := serverB.Remove(key, "did:plc:bob"); err != nil {
		testContext.Fatalf("remove failed: %v", err)
	}
	mustPut(testContext, serverA, key, `{"granted_by":"did:plc:alice"}`, "did:plc:alice", 0)
	syncUntilSettled(testContext, serverA, serverB)

	for _, document := range []*Document{serverA, serverB} {
		if _, ok := document.Get(key); !ok {
			testContext.Fatalf("%s: expected concurrent add to survive", document.Replica())
		}
		if tags := document.SetTags(key); len(tags) != 1 {
			testContext.Fatalf("%s: expected exactly the unobserved tag to survive, got %d", document.Replica(), len(tags))
		}
	}

	if _, err := serverB.Remove(key, "did:plc:bob"); err != nil {
		testContext.Fatalf("causal remove failed: %v", err)
	}
	syncUntilSettled(testContext, serverA, serverB)
	if _, ok := serverA.Get(key); ok {
		testContext.Fatalf("expected causally later remove to win")
	}
}

func TestMergeIsIdempotent(testContext *testing.T) {
	serverA := mustDocument(testContext, "server-a")
	serverB := mustDocument(testContext, "server-b")
	mustPut(testContext, serverA, TopicKey("#general"), "hello", "did:plc:alice", 0)
	mustPut(testContext, serverA, BanKey("#general", "did:plc:evil"), "{}", "did:plc:alice", 0)

	delta := serverA.GenerateDelta(serverB.Replica())
	if delta == nil {
		testContext.Fatalf("expected delta")
	}
	first := mustMergeFrom(testContext, serverB, serverA.Replica(), delta)
	if len(first) != 2 {
		testContext.Fatalf("expected two changed keys, got %v", first)
	}
	second := mustMergeFrom(testContext, serverB, serverA.Replica(), delta)
	if len(second) != 0 {
		testContext.Fatalf("expected duplicate merge to change nothing, got %v", second)
	}
	if !serverB.VersionVector().Equal(serverA.VersionVector()) {
		testContext.Fatalf("expected version vectors to match")
	}
}

func TestGenerateDeltaSettles(testContext *testing.T) {
	serverA := mustDocument(testContext, "server-a")
	serverB := mustDocument(testContext, "server-b")
	mustPut(testContext, serverA, TopicKey("#general"), "hello", "did:plc:alice", 0)
	syncUntilSettled(testContext, serverA, serverB)

	if delta := serverA.GenerateDelta(serverB.Replica()); delta != nil {
		testContext.Fatalf("expected settled peer to receive nothing, got %+v", delta)
	}
	mustPut(testContext, serverA, TopicKey("#general"), "again", "did:plc:alice", 0)
	delta := serverA.GenerateDelta(serverB.Replica())
	if delta == nil || len(delta.Ops) != 1 {
		testContext.Fatalf("expected exactly the new op, got %+v", delta)
	}
}

func TestOutOfOrderOpsWaitForGap(testContext *testing.T) {
	serverA := mustDocument(testContext, "server-a")
	serverB := mustDocument(testContext, "server-b")
	mustPut(testContext, serverA, TopicKey("#one"), "1", "did:plc:alice", 0)
	mustPut(testContext, serverA, TopicKey("#two"), "2", "did:plc:alice", 0)
	mustPut(testContext, serverA, TopicKey("#three"), "3", "did:plc:alice", 0)
	delta := serverA.GenerateDelta(serverB.Replica())

	late := &Delta{From: delta.From, Have: delta.Have, Ops: delta.Ops[1:]}
	if changed := mustMergeFrom(testContext, serverB, serverA.Replica(), late); len(changed) != 0 {
		testContext.Fatalf("expected parked ops to stay invisible, got %v", changed)
	}
	if !serverB.HasGaps() {
		testContext.Fatalf("expected a recorded gap")
	}

	early := &Delta{From: delta.From, Have: delta.Have, Ops: delta.Ops[:1]}
	changed := mustMergeFrom(testContext, serverB, serverA.Replica(), early)
	if len(changed) != 3 {
		testContext.Fatalf("expected gap fill to release all three keys, got %v", changed)
	}
	if serverB.HasGaps() {
		testContext.Fatalf("expected gap to be closed")
	}
}

func TestInvalidDeltaIsRejectedWhole(testContext *testing.T) {
	serverB := mustDocument(testContext, "server-b")
	delta := &Delta{
		From: "server-a",
		Have: VersionVector{"server-a": 2},
		Ops: []Op{
			{Dot: Dot{Replica: "server-a", Seq: 1}, Kind: OpAssign, Key: TopicKey("#general"), Value: "hi", Clock: 1},
			{Dot: Dot{Replica: "server-a", Seq: 2}, Kind: OpAdd, Key: TopicKey("#other"), Value: "bad", Clock: 2},
		},
	}
	if _, err := serverB.MergeFrom("server-a", delta); !errors.Is(err, ErrInvalidDelta) {
		testContext.Fatalf("expected invalid delta error, got %v", err)
	}
	if _, ok := serverB.Get(TopicKey("#general")); ok {
		testContext.Fatalf("expected no partial application")
	}
	if _, known := serverB.SyncStateOf("server-a"); known {
		testContext.Fatalf("expected rejected frame to leave sync state untouched")
	}
}

func TestDisconnectRewindsInFlightSends(testContext *testing.T) {
	serverA := mustDocument(testContext, "server-a")
	mustPut(testContext, serverA, TopicKey("#general"), "hello", "did:plc:alice", 0)
	serverA.PeerConnected("server-b")

	if delta := serverA.GenerateDelta("server-b"); delta == nil {
		testContext.Fatalf("expected initial delta")
	}
	if delta := serverA.GenerateDelta("server-b"); delta != nil {
		testContext.Fatalf("expected in-flight ops not to be resent within one session")
	}

	serverA.PeerDisconnected("server-b")
	if _, known := serverA.SyncStateOf("server-b"); !known {
		testContext.Fatalf("expected sync state to survive disconnect")
	}
	delta := serverA.GenerateDelta("server-b")
	if delta == nil || len(delta.Ops) != 1 {
		testContext.Fatalf("expected unacknowledged op to be resent, got %+v", delta)
	}

	serverA.RemovePeer("server-b")
	if _, known := serverA.SyncStateOf("server-b"); known {
		testContext.Fatalf("expected sync state to be removed")
	}
}

func TestReconnectWithoutDisconnectResendsDroppedOps(testContext *testing.T) {
	serverA := mustDocument(testContext, "server-a")
	serverB := mustDocument(testContext, "server-b")
	serverA.PeerConnected(serverB.Replica())
	mustPut(testContext, serverA, TopicKey("#general"), "hello", "did:plc:alice", 0)

	if dropped := serverA.GenerateDelta(serverB.Replica()); dropped == nil {
		testContext.Fatalf("expected a delta for the first session")
	}
	serverA.PeerConnected(serverB.Replica())

	syncUntilSettled(testContext, serverA, serverB)
	if topic, ok := serverB.Get(TopicKey("#general")); !ok || topic != "hello" {
		testContext.Fatalf("expected dropped op to reach server-b, got %q (present=%v)", topic, ok)
	}
}

func TestCompactionForcesFullStateTransfer(testContext *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	serverA, err := NewDocument(DocumentConfig{Replica: "server-a", Clock: func() time.Time { return now }})
	if err != nil {
		testContext.Fatalf("unexpected document error: %v", err)
	}
	mustPut(testContext, serverA, TopicKey("#general"), "hello", "did:plc:alice", 0)
	mustPut(testContext, serverA, OpKey("#general", "did:plc:alice"), "{}", "did:plc:alice", 0)

	result := serverA.Compact(now.Add(time.Second))
	if result.DroppedOps != 2 || result.Retained != 0 {
		testContext.Fatalf("unexpected compaction result %+v", result)
	}

	serverC := mustDocument(testContext, "server-c")
	delta := serverA.GenerateDelta(serverC.Replica())
	if !delta.IsFull() {
		testContext.Fatalf("expected full-state delta for a peer behind the horizon")
	}
	mustMergeFrom(testContext, serverC, serverA.Replica(), delta)
	if topic, _ := serverC.Get(TopicKey("#general")); topic != "hello" {
		testContext.Fatalf("expected topic from full state, got %q", topic)
	}
	if _, ok := serverC.Get(OpKey("#general", "did:plc:alice")); !ok {
		testContext.Fatalf("expected op fact from full state")
	}
	if !serverC.VersionVector().Equal(serverA.VersionVector()) {
		testContext.Fatalf("expected version vector to adopt the sender's")
	}
	syncUntilSettled(testContext, serverA, serverC)
}

func TestRequestFullStateOverridesDelta(testContext *testing.T) {
	serverA := mustDocument(testContext, "server-a")
	serverB := mustDocument(testContext, "server-b")
	mustPut(testContext, serverA, TopicKey("#general"), "hello", "did:plc:alice", 0)
	syncUntilSettled(testContext, serverA, serverB)

	serverA.RequestFullState(serverB.Replica())
	if delta := serverA.GenerateDelta(serverB.Replica()); !delta.IsFull() {
		testContext.Fatalf("expected requested full state")
	}
}

func TestOwnSequenceAdvancesPastReplicatedHistory(testContext *testing.T) {
	original := mustDocument(testContext, "server-a")
	mirror := mustDocument(testContext, "server-b")
	mustPut(testContext, original, TopicKey("#one"), "1", "did:plc:alice", 0)
	mustPut(testContext, original, TopicKey("#two"), "2", "did:plc:alice", 0)
	syncUntilSettled(testContext, original, mirror)

	rebuilt := mustDocument(testContext, "server-a")
	syncUntilSettled(testContext, rebuilt, mirror)
	op := mustPut(testContext, rebuilt, TopicKey("#three"), "3", "did:plc:alice", 0)
	if op.Dot.Seq != 3 {
		testContext.Fatalf("expected local sequence to continue at 3, got %d", op.Dot.Seq)
	}
}

func TestMembersListsScopedKeys(testContext *testing.T) {
	document := mustDocument(testContext, "server-a")
	mustPut(testContext, document, BanKey("#General", "did:plc:evil"), "{}", "did:plc:alice", 0)
	mustPut(testContext, document, BanKey("#general", "did:plc:worse"), "{}", "did:plc:alice", 0)
	mustPut(testContext, document, BanKey("#other", "did:plc:elsewhere"), "{}", "did:plc:alice", 0)

	members := document.Members(FamilyBan, "#general")
	if len(members) != 2 || members[0] != "did:plc:evil" || members[1] != "did:plc:worse" {
		testContext.Fatalf("unexpected members %v", members)
	}
}

type inFlightDelta struct {
	from  int
	to    int
	delta *Delta
}

// documentFacts flattens every visible key with its value and live tag dots.
func documentFacts(document *Document) map[string]string {
	facts := make(map[string]string)
	for _, key := range document.Keys("") {
		value, _ := document.Get(key)
		for _, tag := range document.SetTags(key) {
			value += fmt.Sprintf("|%s/%d", tag.Dot.Replica, tag.Dot.Seq)
		}
		facts[key] = value
	}
	return facts
}

func TestRandomizedConcurrentWritesConverge(testContext *testing.T) {
	for _, seed := range []int64{1, 7, 42, 2024, 99991} {
		runConvergenceScenario(testContext, seed)
	}
}

func runConvergenceScenario(testContext *testing.T, seed int64) {
	testContext.Helper()
	rng := rand.New(rand.NewSource(seed))
	replicas := []*Document{
		mustDocument(testContext, "server-a"),
		mustDocument(testContext, "server-b"),
		mustDocument(testContext, "server-c"),
	}
	for _, left := range replicas {
		for _, right := range replicas {
			if left != right {
				left.PeerConnected(right.Replica())
			}
		}
	}
	registerKeys := []string{TopicKey("#general"), TopicKey("#ops"), PolicyKey("#general"), NickOwnerKey("alice")}
	setKeys := []string{OpKey("#general", "did:plc:bob"), BanKey("#general", "did:plc:evil"), BanKey("#ops", "did:plc:spam")}
	founderKeys := []string{FounderKey("#general"), FounderKey("#ops")}
	actors := []string{"did:plc:alice", "did:plc:bob", "did:plc:carol"}

	var network []inFlightDelta
	deliver := func(message inFlightDelta) {
		mustMergeFrom(testContext, replicas[message.to], replicas[message.from].Replica(), message.delta)
	}
	ignore := func(err error, allowed error) {
		if err != nil && !errors.Is(err, allowed) {
			testContext.Fatalf("seed %d: unexpected error: %v", seed, err)
		}
	}

	for step := 0; step < 400; step++ {
		index := rng.Intn(len(replicas))
		document := replicas[index]
		actor := actors[rng.Intn(len(actors))]
		value := fmt.Sprintf("v%d", step)
		switch choice := rng.Intn(10); {
		case choice < 2:
			mustPut(testContext, document, registerKeys[rng.Intn(len(registerKeys))], value, actor, uint64(rng.Intn(3)))
		case choice == 2:
			_, err := document.Remove(registerKeys[rng.Intn(len(registerKeys))], actor)
			ignore(err, ErrNotFound)
		case choice == 3:
			mustPut(testContext, document, setKeys[rng.Intn(len(setKeys))], value, actor, 0)
		case choice == 4:
			_, err := document.Remove(setKeys[rng.Intn(len(setKeys))], actor)
			ignore(err, ErrNotFound)
		case choice == 5:
			_, err := document.Put(founderKeys[rng.Intn(len(founderKeys))], actor, actor, 0)
			ignore(err, ErrAlreadySet)
		case choice == 6:
			mustPut(testContext, document, ModActionKey("#general", fmt.Sprintf("%s-%04d", document.Replica(), step)), value, actor, 0)
		case choice < 9:
			to := (index + 1 + rng.Intn(len(replicas)-1)) % len(replicas)
			if delta := document.GenerateDelta(replicas[to].Replica()); delta != nil {
				network = append(network, inFlightDelta{from: index, to: to, delta: delta})
			}
		default:
			rng.Shuffle(len(network), func(i, j int) { network[i], network[j] = network[j], network[i] })
			pending := network[:0]
			for _, message := range network {
				switch rng.Intn(4) {
				case 0:
					pending = append(pending, message)
				case 1:
					deliver(message)
				case 2:
					deliver(message)
					deliver(message)
				default:
					// Lost with its link; the replacement link starts a new session.
					replicas[message.from].PeerConnected(replicas[message.to].Replica())
				}
			}
			network = pending
		}
	}

	rng.Shuffle(len(network), func(i, j int) { network[i], network[j] = network[j], network[i] })
	for _, message := range network {
		deliver(message)
	}

	settled := false
	for round := 0; round < 20 && !settled; round++ {
		settled = true
		for from, left := range replicas {
			for to, right := range replicas {
				if from == to {
					continue
				}
				if delta := left.GenerateDelta(right.Replica()); delta != nil {
					settled = false
					deliver(inFlightDelta{from: from, to: to, delta: delta})
				}
			}
		}
	}
	if !settled {
		testContext.Fatalf("seed %d: replicas did not settle", seed)
	}

	expected := documentFacts(replicas[0])
	for _, document := range replicas[1:] {
		if !document.VersionVector().Equal(replicas[0].VersionVector()) {
			testContext.Fatalf("seed %d: %s version vector differs", seed, document.Replica())
		}
		actual := documentFacts(document)
		if len(actual) != len(expected) {
			testContext.Fatalf("seed %d: %s holds %d keys, expected %d", seed, document.Replica(), len(actual), len(expected))
		}
		for key, value := range expected {
			if actual[key] != value {
				testContext.Fatalf("seed %d: %s key %s = %q, expected %q", seed, document.Replica(), key, actual[key], value)
			}
		}
	}
}
