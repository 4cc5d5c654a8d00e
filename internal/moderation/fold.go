package moderation

import (
	"sort"
)

// Authority is what Fold needs to know about standing operator facts.
type Authority interface {
	IsFounder(actor, channel string) bool
	GrantedAt(actor, channel string) (int64, bool)
}

// Result is the effective moderation state of one channel.
type Result struct {
	Bans     []string `json:"bans"`
	Ops      []string `json:"ops"`
	Excluded []string `json:"excluded"`
	Applied  int      `json:"applied"`

	decisions map[foldKey]Entry
}

// IsBanned reports whether target is banned in the result.
func (r Result) IsBanned(target string) bool {
	index := sort.SearchStrings(r.Bans, target)
	return index < len(r.Bans) && r.Bans[index] == target
}

// Ban returns the counted ban or unban entry that decides target. The second result is false when the
// log holds no counted entry for target.
func (r Result) Ban(target string) (Entry, bool) {
	entry, ok := r.decisions[foldKey{kind: "ban", target: target}]
	return entry, ok
}

// Op returns the counted op or deop entry that decides target.
func (r Result) Op(target string) (Entry, bool) {
	entry, ok := r.decisions[foldKey{kind: "op", target: target}]
	return entry, ok
}

// OpStatus reports the operator verdict of the log for target: the grant time, whether target is an
// operator, and whether the log decided it at all.
func (r Result) OpStatus(target string) (int64, bool, bool) {
	entry, ok := r.Op(target)
	if !ok {
		return 0, false, false
	}
	if entry.Action != ActionOp {
		return 0, false, true
	}
	return entry.Timestamp, true, true
}

type foldKey struct {
	kind   string
	target string
}

// Fold replays entries in ulid order. An entry counts only when its actor is the founder, holds an op
// fact granted at or before the entry's timestamp, or holds op status derived earlier in the same replay.
// Once the replay has counted an op or deop entry for an actor, that verdict replaces the actor's op fact.
// For each target the counted entry with the greatest (timestamp, id) wins. The input order is irrelevant.
// authority must answer from facts alone.
func Fold(channel string, entries []Entry, authority Authority) Result {
	ordered := append([]Entry(nil), entries...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	winners := make(map[foldKey]Entry)
	derivedOps := make(map[string]bool)
	result := Result{Bans: []string{}, Ops: []string{}, Excluded: []string{}, decisions: winners}

	for _, entry := range ordered {
		if !authorizedAt(channel, entry, authority, derivedOps) {
			result.Excluded = append(result.Excluded, entry.ID)
			continue
		}
		result.Applied++
		kind := entry.Action.kind()
		if kind == "" {
			continue
		}
		key := foldKey{kind: kind, target: entry.Target}
		if current, ok := winners[key]; ok && current.after(entry) {
			continue
		}
		winners[key] = entry
		if kind == "op" {
			derivedOps[entry.Target] = entry.Action == ActionOp
		}
	}

	for key, entry := range winners {
		switch entry.Action {
		case ActionBan:
			result.Bans = append(result.Bans, key.target)
		case ActionOp:
			result.Ops = append(result.Ops, key.target)
		}
	}
	sort.Strings(result.Bans)
	sort.Strings(result.Ops)
	return result
}

func authorizedAt(channel string, entry Entry, authority Authority, derivedOps map[string]bool) bool {
	if authority != nil && authority.IsFounder(entry.Actor, channel) {
		return true
	}
	if derived, decided := derivedOps[entry.Actor]; decided {
		return derived
	}
	if authority == nil {
		return false
	}
	grantedAt, ok := authority.GrantedAt(entry.Actor, channel)
	return ok && grantedAt <= entry.Timestamp
}
