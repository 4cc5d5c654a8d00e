package authority

import (
	"strings"

	"github.com/MarcoPoloResearchLab/concord/internal/state"
)

// Keyspace names a family of facts an actor may try to write.
type Keyspace string

const (
	KeyspaceFounder   Keyspace = "founder"
	KeyspaceTopic     Keyspace = "topic"
	KeyspaceOp        Keyspace = "op"
	KeyspaceBan       Keyspace = "ban"
	KeyspacePolicy    Keyspace = "policy"
	KeyspaceModAction Keyspace = "modaction"
	KeyspaceNickOwner Keyspace = "nick_owner"
)

// Reader is the read-only view of the fact store the validator consults.
type Reader interface {
	Register(key string) (state.RegisterValue, bool)
	SetTags(key string) []state.SetTag
}

// Overlay supplies operator verdicts decided by the moderation log. A decided verdict takes precedence
// over the op facts of the same actor.
type Overlay interface {
	OpStatus(actor, channel string) (grantedAt int64, operator bool, decided bool)
}

// Validator answers whether an actor may write a keyspace, using facts as currently folded.
type Validator struct {
	reader  Reader
	overlay Overlay
}

// NewValidator constructs a Validator over reader.
func NewValidator(reader Reader) *Validator {
	return &Validator{reader: reader}
}

// SetOverlay installs the source of log-decided operator verdicts.
func (v *Validator) SetOverlay(overlay Overlay) {
	v.overlay = overlay
}

// Facts returns a validator over the same reader that ignores the overlay.
func (v *Validator) Facts() *Validator {
	return &Validator{reader: v.reader}
}

// Founder returns the founder of channel.
func (v *Validator) Founder(channel string) (state.FounderFact, bool) {
	entry, ok := v.reader.Register(state.FounderKey(channel))
	if !ok {
		return state.FounderFact{}, false
	}
	fact, err := state.DecodeFact[state.FounderFact](entry.Value)
	if err != nil || fact.Actor == "" {
		fact = state.FounderFact{Actor: entry.Value}
	}
	if fact.FoundedAt == 0 {
		fact.FoundedAt = entry.WrittenAt
	}
	return fact, true
}

// IsFounder reports whether actor founded channel.
func (v *Validator) IsFounder(actor, channel string) bool {
	founder, ok := v.Founder(channel)
	return ok && actor != "" && founder.Actor == actor
}

// IsOperator reports whether actor is the founder or holds operator status. A verdict of the overlay
// replaces the op fact.
func (v *Validator) IsOperator(actor, channel string) bool {
	if actor == "" {
		return false
	}
	if v.IsFounder(actor, channel) {
		return true
	}
	if v.overlay != nil {
		if _, operator, decided := v.overlay.OpStatus(actor, channel); decided {
			return operator
		}
	}
	return len(v.reader.SetTags(state.OpKey(channel, actor))) > 0
}

// GrantedAt returns the earliest time from which actor's current operator status holds, in unix
// milliseconds. Founders hold it from the founding time.
func (v *Validator) GrantedAt(actor, channel string) (int64, bool) {
	if founder, ok := v.Founder(channel); ok && founder.Actor == actor {
		return founder.FoundedAt, true
	}
	factGrant, hasFact := v.factGrantedAt(actor, channel)
	if v.overlay != nil {
		if grantedAt, operator, decided := v.overlay.OpStatus(actor, channel); decided {
			if !operator {
				return 0, false
			}
			if hasFact && factGrant < grantedAt {
				return factGrant, true
			}
			return grantedAt, true
		}
	}
	return factGrant, hasFact
}

func (v *Validator) factGrantedAt(actor, channel string) (int64, bool) {
	tags := v.reader.SetTags(state.OpKey(channel, actor))
	if len(tags) == 0 {
		return 0, false
	}
	earliest := int64(0)
	for index, tag := range tags {
		grantedAt := tag.AddedAt
		if fact, err := state.DecodeFact[state.OpGrantFact](tag.Value); err == nil && fact.GrantedAt != 0 {
			grantedAt = fact.GrantedAt
		}
		if index == 0 || grantedAt < earliest {
			earliest = grantedAt
		}
	}
	return earliest, true
}

// Policy returns the channel policy, or the zero policy when none is set.
func (v *Validator) Policy(channel string) state.PolicyFact {
	entry, ok := v.reader.Register(state.PolicyKey(channel))
	if !ok {
		return state.PolicyFact{}
	}
	fact, err := state.DecodeFact[state.PolicyFact](entry.Value)
	if err != nil {
		return state.PolicyFact{}
	}
	return fact
}

// NickOwner returns the actor owning nick.
func (v *Validator) NickOwner(nick string) (string, bool) {
	entry, ok := v.reader.Register(state.NickOwnerKey(nick))
	if !ok {
		return "", false
	}
	fact, err := state.DecodeFact[state.NickOwnerFact](entry.Value)
	if err != nil || fact.Actor == "" {
		return entry.Value, true
	}
	return fact.Actor, true
}

// CanWrite reports whether actor may write keyspace in channel. For KeyspaceNickOwner the channel
// argument is the nick.
func (v *Validator) CanWrite(actor string, keyspace Keyspace, channel string) bool {
	if strings.TrimSpace(actor) == "" {
		return false
	}
	switch keyspace {
	case KeyspaceFounder:
		_, founded := v.Founder(channel)
		return !founded
	case KeyspaceTopic:
		if v.IsOperator(actor, channel) {
			return true
		}
		return !v.Policy(channel).TopicLocked
	case KeyspaceOp, KeyspaceBan, KeyspacePolicy, KeyspaceModAction:
		return v.IsOperator(actor, channel)
	case KeyspaceNickOwner:
		owner, owned := v.NickOwner(channel)
		return !owned || owner == actor
	default:
		return false
	}
}
