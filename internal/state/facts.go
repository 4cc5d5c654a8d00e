package state

import (
	"encoding/json"
	"fmt"
)

// TopicFact is the value stored under topic:{channel}.
type TopicFact struct {
	Text  string `json:"text"`
	SetBy string `json:"set_by"`
	SetAt int64  `json:"set_at"`
}

// FounderFact is the value stored under founder:{channel}.
type FounderFact struct {
	Actor     string `json:"actor"`
	FoundedAt int64  `json:"founded_at"`
}

// OpGrantFact is the tag payload stored under op:{channel}:{actor}.
type OpGrantFact struct {
	GrantedBy string `json:"granted_by"`
	GrantedAt int64  `json:"granted_at"`
}

// BanFact is the tag payload stored under ban:{channel}:{target}.
type BanFact struct {
	SetBy  string `json:"set_by"`
	Reason string `json:"reason,omitempty"`
	SetAt  int64  `json:"set_at"`
}

// PolicyFact is the value stored under policy:{channel}.
type PolicyFact struct {
	TopicLocked bool   `json:"topic_locked"`
	SetBy       string `json:"set_by"`
	SetAt       int64  `json:"set_at"`
}

// NickOwnerFact is the value stored under nick_owner:{nick}.
type NickOwnerFact struct {
	Actor     string `json:"actor"`
	ClaimedAt int64  `json:"claimed_at"`
}

// EncodeFact renders a fact payload as a document value.
func EncodeFact(fact any) (string, error) {
	payload, err := json.Marshal(fact)
	if err != nil {
		return "", fmt.Errorf("state: encode fact: %w", err)
	}
	return string(payload), nil
}

// DecodeFact parses a document value into a fact payload.
func DecodeFact[T any](value string) (T, error) {
	var fact T
	if err := json.Unmarshal([]byte(value), &fact); err != nil {
		return fact, fmt.Errorf("state: decode fact: %w", err)
	}
	return fact, nil
}
