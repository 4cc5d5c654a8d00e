package moderation

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/authority"
	"github.com/MarcoPoloResearchLab/concord/internal/state"
	"github.com/stretchr/testify/require"
)

const (
	channelName   = "#general"
	founderActor  = "did:plc:founder"
	operatorActor = "did:plc:operator"
	visitorActor  = "did:plc:visitor"
	evilTarget    = "did:plc:evil"
)

type replica struct {
	document  *state.Document
	validator *authority.Validator
	log       *Log
	now       time.Time
}

func newReplica(t *testing.T, name string) *replica {
	t.Helper()
	document, err := state.NewDocument(state.DocumentConfig{Replica: name})
	require.NoError(t, err)
	r := &replica{document: document, validator: authority.NewValidator(document), now: time.UnixMilli(1_000)}
	r.log, err = NewLog(LogConfig{Store: document, Validator: r.validator, Clock: func() time.Time { return r.now }})
	require.NoError(t, err)
	return r
}

func (r *replica) putFact(t *testing.T, key, actor string, fact any) {
	t.Helper()
	value, err := state.EncodeFact(fact)
	require.NoError(t, err)
	_, err = r.document.Put(key, value, actor, 0)
	require.NoError(t, err)
}

func (r *replica) found(t *testing.T) {
	t.Helper()
	r.putFact(t, state.FounderKey(channelName), founderActor, state.FounderFact{Actor: founderActor, FoundedAt: 1})
}

func (r *replica) appendAt(t *testing.T, at int64, action Action, actor, target string) AppendResult {
	t.Helper()
	r.now = time.UnixMilli(at)
	result, err := r.log.Append(Entry{Channel: channelName, Action: action, Target: target, Actor: actor})
	require.NoError(t, err)
	return result
}

func settle(t *testing.T, left, right *replica) {
	t.Helper()
	for round := 0; round < 10; round++ {
		toRight := left.document.GenerateDelta(right.document.Replica())
		if toRight != nil {
			_, err := right.document.MergeFrom(left.document.Replica(), toRight)
			require.NoError(t, err)
		}
		toLeft := right.document.GenerateDelta(left.document.Replica())
		if toLeft != nil {
			_, err := left.document.MergeFrom(right.document.Replica(), toLeft)
			require.NoError(t, err)
		}
		if toRight == nil && toLeft == nil {
			return
		}
	}
	require.FailNow(t, "replicas did not settle")
}

func TestConcurrentBanAndLaterUnbanFoldToNotBanned(t *testing.T) {
	serverA := newReplica(t, "server-a")
	serverB := newReplica(t, "server-b")
	serverA.found(t)
	serverA.putFact(t, state.OpKey(channelName, operatorActor), founderActor, state.OpGrantFact{GrantedBy: founderActor, GrantedAt: 5})
	settle(t, serverA, serverB)

	serverA.appendAt(t, 10, ActionBan, founderActor, evilTarget)
	serverB.appendAt(t, 12, ActionUnban, operatorActor, evilTarget)
	settle(t, serverA, serverB)

	for _, r := range []*replica{serverA, serverB} {
		result := r.log.Fold(channelName)
		require.False(t, result.IsBanned(evilTarget))
		require.Empty(t, result.Excluded)
		require.Len(t, r.log.Entries(channelName), 2)
	}
}

func TestUnauthorizedAppendIsStoredButExcluded(t *testing.T) {
	server := newReplica(t, "server-a")
	server.found(t)

	appended := server.appendAt(t, 20, ActionBan, visitorActor, evilTarget)
	require.False(t, appended.Authorized)
	require.NotEmpty(t, appended.Entry.ID)

	result := server.log.Fold(channelName)
	require.False(t, result.IsBanned(evilTarget))
	require.Equal(t, []string{appended.Entry.ID}, result.Excluded)

	server.putFact(t, state.OpKey(channelName, visitorActor), founderActor, state.OpGrantFact{GrantedBy: founderActor, GrantedAt: 30})
	result = server.log.Fold(channelName)
	require.False(t, result.IsBanned(evilTarget), "a grant after the entry must not authorize it")
}

func TestLateSyncedGrantAuthorizesSoftAppend(t *testing.T) {
	serverA := newReplica(t, "server-a")
	serverB := newReplica(t, "server-b")
	serverA.found(t)
	settle(t, serverA, serverB)

	serverA.putFact(t, state.OpKey(channelName, operatorActor), founderActor, state.OpGrantFact{GrantedBy: founderActor, GrantedAt: 50})
	appended := serverB.appendAt(t, 60, ActionBan, operatorActor, evilTarget)
	require.False(t, appended.Authorized)
	require.False(t, serverB.log.Fold(channelName).IsBanned(evilTarget))

	settle(t, serverA, serverB)
	require.True(t, serverA.log.Fold(channelName).IsBanned(evilTarget))
	require.True(t, serverB.log.Fold(channelName).IsBanned(evilTarget))
}

func TestFoldDerivedOperatorStatus(t *testing.T) {
	server := newReplica(t, "server-a")
	server.found(t)

	server.appendAt(t, 10, ActionOp, founderActor, operatorActor)
	server.appendAt(t, 11, ActionBan, operatorActor, evilTarget)
	server.appendAt(t, 12, ActionDeop, founderActor, operatorActor)
	late := server.appendAt(t, 13, ActionUnban, operatorActor, evilTarget)

	result := server.log.Fold(channelName)
	require.True(t, result.IsBanned(evilTarget))
	require.Empty(t, result.Ops)
	require.Equal(t, []string{late.Entry.ID}, result.Excluded)
}

func TestLoggedDeopOverridesStandingOpFact(t *testing.T) {
	server := newReplica(t, "server-a")
	server.found(t)
	server.putFact(t, state.OpKey(channelName, operatorActor), founderActor, state.OpGrantFact{GrantedBy: founderActor, GrantedAt: 5})
	server.validator.SetOverlay(server.log)

	server.appendAt(t, 10, ActionDeop, founderActor, operatorActor)
	late := server.appendAt(t, 11, ActionBan, operatorActor, evilTarget)
	require.False(t, late.Authorized)

	result := server.log.Fold(channelName)
	require.False(t, result.IsBanned(evilTarget))
	require.Equal(t, []string{late.Entry.ID}, result.Excluded)
	decision, decided := result.Op(operatorActor)
	require.True(t, decided)
	require.Equal(t, ActionDeop, decision.Action)
	_, undecided := result.Ban("did:plc:nobody")
	require.False(t, undecided)
	require.False(t, server.validator.IsOperator(operatorActor, channelName))
}

func TestFoldIgnoresReplayOrder(t *testing.T) {
	server := newReplica(t, "server-a")
	server.found(t)
	server.appendAt(t, 10, ActionBan, founderActor, evilTarget)
	server.appendAt(t, 11, ActionOp, founderActor, operatorActor)
	server.appendAt(t, 12, ActionBan, operatorActor, "did:plc:spammer")
	server.appendAt(t, 13, ActionUnban, operatorActor, evilTarget)
	server.appendAt(t, 14, ActionKick, visitorActor, operatorActor)

	entries := server.log.Entries(channelName)
	expected := Fold(channelName, entries, server.validator)
	require.Equal(t, []string{"did:plc:spammer"}, expected.Bans)
	require.Equal(t, []string{operatorActor}, expected.Ops)

	shuffler := rand.New(rand.NewSource(7))
	for attempt := 0; attempt < 20; attempt++ {
		shuffled := append([]Entry(nil), entries...)
		shuffler.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		require.Equal(t, expected, Fold(channelName, shuffled, server.validator))
	}
}

func TestAppendRejectsMalformedEntries(t *testing.T) {
	server := newReplica(t, "server-a")

	_, err := server.log.Append(Entry{Channel: channelName, Action: "smite", Target: evilTarget, Actor: founderActor})
	require.ErrorIs(t, err, ErrUnknownAction)

	_, err = server.log.Append(Entry{Channel: channelName, Action: ActionBan, Actor: founderActor})
	require.ErrorIs(t, err, ErrInvalidEntry)

	_, err = server.log.Append(Entry{ID: "not-a-ulid", Channel: channelName, Action: ActionBan, Target: evilTarget, Actor: founderActor})
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestAppendRejectsDuplicateID(t *testing.T) {
	server := newReplica(t, "server-a")
	first := server.appendAt(t, 10, ActionBan, founderActor, evilTarget)

	_, err := server.log.Append(first.Entry)
	require.ErrorIs(t, err, ErrDuplicateEntry)
}

type pendingDelta struct {
	from  *replica
	to    *replica
	delta *state.Delta
}

func TestRandomizedModerationConverges(t *testing.T) {
	for _, seed := range []int64{3, 11, 500, 8191} {
		rng := rand.New(rand.NewSource(seed))
		replicas := []*replica{newReplica(t, "server-a"), newReplica(t, "server-b"), newReplica(t, "server-c")}
		for _, r := range replicas {
			r.validator.SetOverlay(r.log)
		}
		actors := []string{founderActor, operatorActor, visitorActor, "did:plc:rival"}
		targets := []string{evilTarget, operatorActor, visitorActor}
		actions := []Action{ActionBan, ActionUnban, ActionOp, ActionDeop, ActionKick}

		var network []pendingDelta
		deliver := func(message pendingDelta) {
			_, err := message.to.document.MergeFrom(message.from.document.Replica(), message.delta)
			require.NoError(t, err)
		}

		for step := 0; step < 300; step++ {
			r := replicas[rng.Intn(len(replicas))]
			actor := actors[rng.Intn(len(actors))]
			switch choice := rng.Intn(8); {
			case choice == 0:
				value, err := state.EncodeFact(state.FounderFact{Actor: actor, FoundedAt: int64(rng.Intn(20))})
				require.NoError(t, err)
				_, err = r.document.Put(state.FounderKey(channelName), value, actor, 0)
				if err != nil {
					require.ErrorIs(t, err, state.ErrAlreadySet)
				}
			case choice == 1:
				target := targets[rng.Intn(len(targets))]
				if rng.Intn(2) == 0 {
					r.putFact(t, state.OpKey(channelName, target), actor, state.OpGrantFact{GrantedBy: actor, GrantedAt: int64(rng.Intn(100))})
				} else if _, err := r.document.Remove(state.OpKey(channelName, target), actor); err != nil {
					require.True(t, errors.Is(err, state.ErrNotFound))
				}
			case choice < 5:
				r.appendAt(t, int64(rng.Intn(100)+1), actions[rng.Intn(len(actions))], actor, targets[rng.Intn(len(targets))])
			case choice < 7:
				to := replicas[rng.Intn(len(replicas))]
				if to == r {
					continue
				}
				if delta := r.document.GenerateDelta(to.document.Replica()); delta != nil {
					network = append(network, pendingDelta{from: r, to: to, delta: delta})
				}
			default:
				rng.Shuffle(len(network), func(i, j int) { network[i], network[j] = network[j], network[i] })
				for _, message := range network {
					deliver(message)
					if rng.Intn(3) == 0 {
						deliver(message)
					}
				}
				network = nil
			}
		}
		rng.Shuffle(len(network), func(i, j int) { network[i], network[j] = network[j], network[i] })
		for _, message := range network {
			deliver(message)
		}
		for round := 0; round < 3; round++ {
			for _, left := range replicas {
				for _, right := range replicas {
					if left != right {
						settle(t, left, right)
					}
				}
			}
		}

		expected := replicas[0].log.Fold(channelName)
		expectedFounder, expectedFounded := replicas[0].validator.Founder(channelName)
		for _, r := range replicas[1:] {
			require.Equal(t, expected, r.log.Fold(channelName), "seed %d", seed)
			founder, founded := r.validator.Founder(channelName)
			require.Equal(t, expectedFounded, founded, "seed %d", seed)
			require.Equal(t, expectedFounder, founder, "seed %d", seed)
			for _, actor := range actors {
				require.Equal(t,
					replicas[0].validator.IsOperator(actor, channelName),
					r.validator.IsOperator(actor, channelName),
					"seed %d actor %s", seed, actor)
			}
		}
	}
}
