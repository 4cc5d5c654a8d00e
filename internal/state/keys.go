package state

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKey indicates that a document key is malformed.
	ErrInvalidKey = errors.New("state: invalid key")
	// ErrUnknownKeyFamily indicates that a key prefix does not name a known fact family.
	ErrUnknownKeyFamily = errors.New("state: unknown key family")
)

const keySeparator = ":"

// Class is the conflict-resolution class of a key family.
type Class int

const (
	// ClassRegister resolves concurrent writes by last-writer-wins.
	ClassRegister Class = iota + 1
	// ClassAddWinsSet keeps concurrently added tags alive over concurrent removes.
	ClassAddWinsSet
)

func (c Class) String() string {
	switch c {
	case ClassRegister:
		return "lww_register"
	case ClassAddWinsSet:
		return "add_wins_set"
	default:
		return "unknown"
	}
}

// Family names a key prefix.
type Family string

const (
	FamilyTopic     Family = "topic"
	FamilyFounder   Family = "founder"
	FamilyNickOwner Family = "nick_owner"
	FamilyPolicy    Family = "policy"
	FamilyModAction Family = "modaction"
	FamilyOp        Family = "op"
	FamilyBan       Family = "ban"
)

type familySpec struct {
	class     Class
	hasMember bool
	setOnce   bool
	removable bool
}

// The class of a family is fixed here and nowhere else.
var families = map[Family]familySpec{
	FamilyTopic:     {class: ClassRegister, removable: true},
	FamilyFounder:   {class: ClassRegister, setOnce: true},
	FamilyNickOwner: {class: ClassRegister, removable: true},
	FamilyPolicy:    {class: ClassRegister, removable: true},
	FamilyModAction: {class: ClassRegister, hasMember: true, setOnce: true},
	FamilyOp:        {class: ClassAddWinsSet, hasMember: true, removable: true},
	FamilyBan:       {class: ClassAddWinsSet, hasMember: true, removable: true},
}

// Key is a parsed document key: "family:scope" or "family:scope:member".
type Key struct {
	Family Family
	Scope  string
	Member string
}

// ParseKey splits a raw key and validates its family.
func ParseKey(raw string) (Key, error) {
	familyPart, rest, found := strings.Cut(raw, keySeparator)
	if !found || rest == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	family := Family(familyPart)
	rules, known := families[family]
	if !known {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownKeyFamily, familyPart)
	}
	if !rules.hasMember {
		return Key{Family: family, Scope: rest}, nil
	}
	scope, member, found := strings.Cut(rest, keySeparator)
	if !found || scope == "" || member == "" {
		return Key{}, fmt.Errorf("%w: %q requires scope and member", ErrInvalidKey, raw)
	}
	return Key{Family: family, Scope: scope, Member: member}, nil
}

// String renders the key back into its flat form.
func (k Key) String() string {
	if k.Member == "" {
		return string(k.Family) + keySeparator + k.Scope
	}
	return string(k.Family) + keySeparator + k.Scope + keySeparator + k.Member
}

// Class returns the conflict class of the key's family.
func (k Key) Class() Class {
	return families[k.Family].class
}

// ClassOf returns the conflict class for a raw key.
func ClassOf(raw string) (Class, error) {
	key, err := ParseKey(raw)
	if err != nil {
		return 0, err
	}
	return key.Class(), nil
}

// NormalizeName lowercases channel names and nicks so keys compare case-insensitively.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// TopicKey returns "topic:{channel}".
func TopicKey(channel string) string {
	return Key{Family: FamilyTopic, Scope: NormalizeName(channel)}.String()
}

// FounderKey returns "founder:{channel}".
func FounderKey(channel string) string {
	return Key{Family: FamilyFounder, Scope: NormalizeName(channel)}.String()
}

// NickOwnerKey returns "nick_owner:{nick}".
func NickOwnerKey(nick string) string {
	return Key{Family: FamilyNickOwner, Scope: NormalizeName(nick)}.String()
}

// PolicyKey returns "policy:{channel}".
func PolicyKey(channel string) string {
	return Key{Family: FamilyPolicy, Scope: NormalizeName(channel)}.String()
}

// OpKey returns "op:{channel}:{actor}".
func OpKey(channel, actor string) string {
	return Key{Family: FamilyOp, Scope: NormalizeName(channel), Member: actor}.String()
}

// BanKey returns "ban:{channel}:{target}".
func BanKey(channel, target string) string {
	return Key{Family: FamilyBan, Scope: NormalizeName(channel), Member: target}.String()
}

// ModActionKey returns "modaction:{channel}:{id}".
func ModActionKey(channel, id string) string {
	return Key{Family: FamilyModAction, Scope: NormalizeName(channel), Member: id}.String()
}

// ScopePrefix returns the prefix shared by every member key of a family within a scope.
func ScopePrefix(family Family, scope string) string {
	return string(family) + keySeparator + NormalizeName(scope) + keySeparator
}
