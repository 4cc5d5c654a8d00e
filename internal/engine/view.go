package engine

import (
	"context"
	"sort"

	"github.com/MarcoPoloResearchLab/concord/internal/moderation"
	"github.com/MarcoPoloResearchLab/concord/internal/presence"
	"github.com/MarcoPoloResearchLab/concord/internal/state"
)

// BanView is one live ban fact.
type BanView struct {
	Target string `json:"target"`
	SetBy  string `json:"set_by"`
	Reason string `json:"reason,omitempty"`
	SetAt  int64  `json:"set_at"`
}

// ChannelView is the converged state of one channel as seen by this replica.
type ChannelView struct {
	Channel    string             `json:"channel"`
	Founder    *state.FounderFact `json:"founder,omitempty"`
	Topic      *state.TopicFact   `json:"topic,omitempty"`
	Policy     state.PolicyFact   `json:"policy"`
	Operators  []string           `json:"operators"`
	Bans       []BanView          `json:"bans"`
	Moderation moderation.Result  `json:"moderation"`
	Members    []presence.Member  `json:"members"`
}

// ChannelView reads the facts, the folded moderation log and the live members of channel.
func (e *Engine) ChannelView(ctx context.Context, channel string) (ChannelView, error) {
	channel, err := validateName("channel", channel)
	if err != nil {
		return ChannelView{}, err
	}
	view := ChannelView{Channel: channel}
	err = e.submit(ctx, func() {
		if founder, ok := e.validator.Founder(channel); ok {
			view.Founder = &founder
		}
		if register, ok := e.document.Register(state.TopicKey(channel)); ok {
			topic, decodeErr := state.DecodeFact[state.TopicFact](register.Value)
			if decodeErr != nil {
				topic = state.TopicFact{Text: register.Value, SetBy: register.Actor, SetAt: register.WrittenAt}
			}
			view.Topic = &topic
		}
		view.Policy = e.validator.Policy(channel)
		folded := e.log.Fold(channel)
		view.Moderation = folded
		view.Operators = make([]string, 0)
		for _, target := range mergeTargets(e.document.Members(state.FamilyOp, channel), folded.Ops) {
			if e.isOperator(channel, target, folded) {
				view.Operators = append(view.Operators, target)
			}
		}
		view.Bans = make([]BanView, 0)
		for _, target := range mergeTargets(e.document.Members(state.FamilyBan, channel), folded.Bans) {
			if !e.isBanned(channel, target, folded) {
				continue
			}
			ban := BanView{Target: target}
			if entry, decided := folded.Ban(target); decided {
				ban.SetBy = entry.Actor
				ban.Reason = entry.Reason
				ban.SetAt = entry.Timestamp
			} else if value, ok := e.document.Get(state.BanKey(channel, target)); ok {
				if fact, decodeErr := state.DecodeFact[state.BanFact](value); decodeErr == nil {
					ban.SetBy = fact.SetBy
					ban.Reason = fact.Reason
					ban.SetAt = fact.SetAt
				}
			}
			view.Bans = append(view.Bans, ban)
		}
	})
	if err != nil {
		return ChannelView{}, err
	}
	view.Members = e.presence.Members(channel)
	return view, nil
}

// mergeTargets returns the sorted union of the given target lists.
func mergeTargets(lists ...[]string) []string {
	seen := make(map[string]struct{})
	merged := make([]string, 0)
	for _, list := range lists {
		for _, target := range list {
			if _, ok := seen[target]; ok {
				continue
			}
			seen[target] = struct{}{}
			merged = append(merged, target)
		}
	}
	sort.Strings(merged)
	return merged
}

// ModerationLog returns the stored moderation entries of channel in id order.
func (e *Engine) ModerationLog(ctx context.Context, channel string) ([]moderation.Entry, error) {
	channel, err := validateName("channel", channel)
	if err != nil {
		return nil, err
	}
	var entries []moderation.Entry
	if err := e.submit(ctx, func() { entries = e.log.Entries(channel) }); err != nil {
		return nil, err
	}
	return entries, nil
}

// KeyCount returns the number of visible document keys.
func (e *Engine) KeyCount(ctx context.Context) (int, error) {
	count := 0
	if err := e.submit(ctx, func() { count = e.document.KeyCount() }); err != nil {
		return 0, err
	}
	return count, nil
}
