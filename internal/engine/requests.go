package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/concord/internal/authority"
	"github.com/MarcoPoloResearchLab/concord/internal/eventbus"
	"github.com/MarcoPoloResearchLab/concord/internal/moderation"
	"github.com/MarcoPoloResearchLab/concord/internal/notify"
	"github.com/MarcoPoloResearchLab/concord/internal/presence"
	"github.com/MarcoPoloResearchLab/concord/internal/state"
	"go.uber.org/zap"
)

// JoinResult describes an accepted join.
type JoinResult struct {
	Channel string         `json:"channel"`
	Nick    string         `json:"nick"`
	Founded bool           `json:"founded"`
	Lease   presence.Lease `json:"lease"`
}

// ModeChange is an IRC-style channel mode: "+o"/"-o" and "+b"/"-b" take a target, "+t"/"-t" locks the topic.
type ModeChange struct {
	Mode   string `json:"mode"`
	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ParseModeChange validates a mode string and its target.
func ParseModeChange(mode, target, reason string) (ModeChange, error) {
	change := ModeChange{Mode: strings.TrimSpace(mode), Target: strings.TrimSpace(target), Reason: strings.TrimSpace(reason)}
	if _, _, err := change.parse(); err != nil {
		return ModeChange{}, err
	}
	return change, nil
}

func (m ModeChange) parse() (bool, byte, error) {
	if len(m.Mode) != 2 || (m.Mode[0] != '+' && m.Mode[0] != '-') {
		return false, 0, fmt.Errorf("%w: mode %q", ErrInvalidRequest, m.Mode)
	}
	adding := m.Mode[0] == '+'
	letter := m.Mode[1]
	switch letter {
	case 'o', 'b':
		if strings.TrimSpace(m.Target) == "" {
			return false, 0, fmt.Errorf("%w: mode %s requires a target", ErrInvalidRequest, m.Mode)
		}
	case 't':
	default:
		return false, 0, fmt.Errorf("%w: unsupported mode %q", ErrInvalidRequest, m.Mode)
	}
	return adding, letter, nil
}

// ModeResult reports an applied mode change and the moderation entry it logged, if any.
type ModeResult struct {
	Change ModeChange        `json:"change"`
	Entry  *moderation.Entry `json:"entry,omitempty"`
}

func requireActor(operation, actor string) (string, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "", newServiceError(operation, "missing_actor", fmt.Errorf("%w: actor is required", ErrInvalidRequest))
	}
	return actor, nil
}

// RequestJoin admits nick into channel. The first joiner of an unfounded channel becomes its founder.
func (e *Engine) RequestJoin(ctx context.Context, actor, channel, nick string) (JoinResult, error) {
	actor, err := requireActor(opRequestJoin, actor)
	if err != nil {
		return JoinResult{}, err
	}
	if channel, err = validateName("channel", channel); err != nil {
		return JoinResult{}, newServiceError(opRequestJoin, "invalid_channel", err)
	}
	if nick, err = validateName("nick", nick); err != nil {
		return JoinResult{}, newServiceError(opRequestJoin, "invalid_nick", err)
	}

	result := JoinResult{Channel: channel, Nick: nick}
	var refusal error
	err = e.submit(ctx, func() {
		if refusal = e.admit(opRequestJoin, actor, channel, nick); refusal != nil {
			return
		}
		if !e.validator.CanWrite(actor, authority.KeyspaceFounder, channel) {
			return
		}
		value, encodeErr := state.EncodeFact(state.FounderFact{Actor: actor, FoundedAt: e.now().UnixMilli()})
		if encodeErr != nil {
			e.logError(opRequestJoin, "encode_founder", encodeErr)
			return
		}
		op, putErr := e.document.Put(state.FounderKey(channel), value, actor, 0)
		if putErr != nil {
			if !errors.Is(putErr, state.ErrAlreadySet) {
				e.logError(opRequestJoin, "put_founder", putErr, zap.String("channel", channel))
			}
			return
		}
		result.Founded = true
		e.notifyKeys([]string{op.Key}, e.replica)
	})
	if err != nil {
		return JoinResult{}, newServiceError(opRequestJoin, "unavailable", err)
	}
	if refusal != nil {
		return JoinResult{}, refusal
	}

	result.Lease = e.presence.Join(channel, nick, e.replica)
	e.metrics.PresenceLeases(e.presence.Len())
	e.notifier.Publish(notify.Notification{
		Kind:      notify.KindMemberJoined,
		Channel:   channel,
		Subject:   nick,
		Actor:     actor,
		Origin:    e.replica,
		Timestamp: e.now(),
	})
	e.publish(ctx, eventbus.Event{Kind: eventbus.KindJoin, Channel: channel, Nick: nick, Actor: actor})
	if result.Founded {
		e.afterLocalWrite()
	}
	return result, nil
}

// RequestPart removes nick from channel. It reports whether nick was present.
func (e *Engine) RequestPart(ctx context.Context, actor, channel, nick string) (bool, error) {
	actor, err := requireActor(opRequestPart, actor)
	if err != nil {
		return false, err
	}
	if channel, err = validateName("channel", channel); err != nil {
		return false, newServiceError(opRequestPart, "invalid_channel", err)
	}
	if nick, err = validateName("nick", nick); err != nil {
		return false, newServiceError(opRequestPart, "invalid_nick", err)
	}
	var refusal error
	err = e.submit(ctx, func() {
		if owner, owned := e.validator.NickOwner(nick); owned && owner != actor {
			refusal = newServiceError(opRequestPart, "nick_owned", ErrNickOwned)
		}
	})
	if err != nil {
		return false, newServiceError(opRequestPart, "unavailable", err)
	}
	if refusal != nil {
		return false, refusal
	}

	if !e.presence.Leave(channel, nick, e.replica) {
		return false, nil
	}
	e.metrics.PresenceLeases(e.presence.Len())
	e.notifier.Publish(notify.Notification{
		Kind:      notify.KindMemberLeft,
		Channel:   channel,
		Subject:   nick,
		Actor:     actor,
		Origin:    e.replica,
		Timestamp: e.now(),
	})
	e.publish(ctx, eventbus.Event{Kind: eventbus.KindPart, Channel: channel, Nick: nick, Actor: actor})
	return true, nil
}

// RequestTopicChange sets the channel topic; an empty topic clears it.
func (e *Engine) RequestTopicChange(ctx context.Context, actor, channel, topic string) (state.TopicFact, error) {
	actor, err := requireActor(opRequestTopic, actor)
	if err != nil {
		return state.TopicFact{}, err
	}
	if channel, err = validateName("channel", channel); err != nil {
		return state.TopicFact{}, newServiceError(opRequestTopic, "invalid_channel", err)
	}
	fact := state.TopicFact{Text: strings.TrimSpace(topic), SetBy: actor}
	var refusal error
	err = e.submit(ctx, func() {
		if !e.validator.CanWrite(actor, authority.KeyspaceTopic, channel) {
			refusal = newServiceError(opRequestTopic, "not_authorized", ErrNotAuthorized)
			return
		}
		fact.SetAt = e.now().UnixMilli()
		key := state.TopicKey(channel)
		if fact.Text == "" {
			if _, removeErr := e.document.Remove(key, actor); removeErr != nil {
				if !errors.Is(removeErr, state.ErrNotFound) {
					refusal = newServiceError(opRequestTopic, "clear_failed", removeErr)
				}
				return
			}
			e.notifyKeys([]string{key}, e.replica)
			return
		}
		value, encodeErr := state.EncodeFact(fact)
		if encodeErr != nil {
			refusal = newServiceError(opRequestTopic, "encode_failed", encodeErr)
			return
		}
		if _, putErr := e.document.Put(key, value, actor, 0); putErr != nil {
			refusal = newServiceError(opRequestTopic, "put_failed", putErr)
			return
		}
		e.notifyKeys([]string{key}, e.replica)
	})
	if err != nil {
		return state.TopicFact{}, newServiceError(opRequestTopic, "unavailable", err)
	}
	if refusal != nil {
		return state.TopicFact{}, refusal
	}
	e.afterLocalWrite()
	return fact, nil
}

// RequestModeChange applies a mode change. Authority is enforced; op and ban changes are also logged.
func (e *Engine) RequestModeChange(ctx context.Context, actor, channel string, change ModeChange) (ModeResult, error) {
	actor, err := requireActor(opRequestMode, actor)
	if err != nil {
		return ModeResult{}, err
	}
	if channel, err = validateName("channel", channel); err != nil {
		return ModeResult{}, newServiceError(opRequestMode, "invalid_channel", err)
	}
	adding, letter, err := change.parse()
	if err != nil {
		return ModeResult{}, newServiceError(opRequestMode, "invalid_mode", err)
	}

	result := ModeResult{Change: change}
	var refusal error
	err = e.submit(ctx, func() {
		keyspace := authority.KeyspacePolicy
		switch letter {
		case 'o':
			keyspace = authority.KeyspaceOp
		case 'b':
			keyspace = authority.KeyspaceBan
		}
		if !e.validator.CanWrite(actor, keyspace, channel) {
			refusal = newServiceError(opRequestMode, "not_authorized", ErrNotAuthorized)
			return
		}

		now := e.now().UnixMilli()
		var (
			key    string
			fact   any
			action moderation.Action
		)
		switch letter {
		case 'o':
			key = state.OpKey(channel, change.Target)
			fact = state.OpGrantFact{GrantedBy: actor, GrantedAt: now}
			action = moderation.ActionOp
			if !adding {
				action = moderation.ActionDeop
			}
		case 'b':
			key = state.BanKey(channel, change.Target)
			fact = state.BanFact{SetBy: actor, Reason: change.Reason, SetAt: now}
			action = moderation.ActionBan
			if !adding {
				action = moderation.ActionUnban
			}
		default:
			key = state.PolicyKey(channel)
			fact = state.PolicyFact{TopicLocked: adding, SetBy: actor, SetAt: now}
			adding = true
		}

		changed, writeErr := e.writeFact(key, fact, actor, adding)
		if writeErr != nil {
			refusal = newServiceError(opRequestMode, "write_failed", writeErr)
			return
		}
		if action != "" {
			appended, appendErr := e.log.Append(moderation.Entry{
				Channel: channel,
				Action:  action,
				Target:  change.Target,
				Actor:   actor,
				Reason:  change.Reason,
			})
			if appendErr != nil {
				e.logError(opRequestMode, "append_failed", appendErr, zap.String("channel", channel))
			} else {
				e.metrics.ModerationAppended(appended.Authorized)
				result.Entry = &appended.Entry
				changed = append(changed, appended.Op.Key)
			}
		}
		e.notifyKeys(changed, e.replica)
	})
	if err != nil {
		return ModeResult{}, newServiceError(opRequestMode, "unavailable", err)
	}
	if refusal != nil {
		return ModeResult{}, refusal
	}
	e.afterLocalWrite()
	return result, nil
}

// RequestModerationAction appends entry to the moderation log. The append is soft: an unauthorized entry
// is stored and reported, and only an authorized one also changes the matching fact.
func (e *Engine) RequestModerationAction(ctx context.Context, entry moderation.Entry) (moderation.AppendResult, error) {
	if _, err := requireActor(opRequestModeration, entry.Actor); err != nil {
		return moderation.AppendResult{}, err
	}
	var (
		result  moderation.AppendResult
		refusal error
	)
	err := e.submit(ctx, func() {
		appended, appendErr := e.log.Append(entry)
		if appendErr != nil {
			reason := "invalid_entry"
			if errors.Is(appendErr, moderation.ErrDuplicateEntry) {
				reason = "duplicate_entry"
			}
			refusal = newServiceError(opRequestModeration, reason, appendErr)
			return
		}
		result = appended
		e.metrics.ModerationAppended(appended.Authorized)
		changed := []string{appended.Op.Key}
		if appended.Authorized {
			changed = append(changed, e.applyEntry(appended.Entry)...)
		} else {
			e.logger.Info("unauthorized moderation entry stored",
				zap.String("channel", appended.Entry.Channel),
				zap.String("actor", appended.Entry.Actor),
				zap.String("action", string(appended.Entry.Action)),
			)
		}
		e.notifyKeys(changed, e.replica)
	})
	if err != nil {
		return moderation.AppendResult{}, newServiceError(opRequestModeration, "unavailable", err)
	}
	if refusal != nil {
		return moderation.AppendResult{}, refusal
	}
	e.afterLocalWrite()
	return result, nil
}

// RequestNickClaim records actor as the owner of nick.
func (e *Engine) RequestNickClaim(ctx context.Context, actor, nick string) (state.NickOwnerFact, error) {
	actor, err := requireActor(opRequestNickClaim, actor)
	if err != nil {
		return state.NickOwnerFact{}, err
	}
	if nick, err = validateName("nick", nick); err != nil {
		return state.NickOwnerFact{}, newServiceError(opRequestNickClaim, "invalid_nick", err)
	}
	var (
		fact    state.NickOwnerFact
		written bool
		refusal error
	)
	err = e.submit(ctx, func() {
		if !e.validator.CanWrite(actor, authority.KeyspaceNickOwner, nick) {
			refusal = newServiceError(opRequestNickClaim, "nick_owned", ErrNickOwned)
			return
		}
		key := state.NickOwnerKey(nick)
		if register, ok := e.document.Register(key); ok {
			if existing, decodeErr := state.DecodeFact[state.NickOwnerFact](register.Value); decodeErr == nil && existing.Actor == actor {
				fact = existing
				return
			}
		}
		fact = state.NickOwnerFact{Actor: actor, ClaimedAt: e.now().UnixMilli()}
		value, encodeErr := state.EncodeFact(fact)
		if encodeErr != nil {
			refusal = newServiceError(opRequestNickClaim, "encode_failed", encodeErr)
			return
		}
		if _, putErr := e.document.Put(key, value, actor, 0); putErr != nil {
			refusal = newServiceError(opRequestNickClaim, "put_failed", putErr)
			return
		}
		written = true
		e.notifyKeys([]string{key}, e.replica)
	})
	if err != nil {
		return state.NickOwnerFact{}, newServiceError(opRequestNickClaim, "unavailable", err)
	}
	if refusal != nil {
		return state.NickOwnerFact{}, refusal
	}
	if written {
		e.afterLocalWrite()
	}
	return fact, nil
}

// RequestMessage publishes a chat event from a present nick. Messages are relayed, never stored.
func (e *Engine) RequestMessage(ctx context.Context, actor, channel, nick string, kind eventbus.Kind, text string) (eventbus.Event, error) {
	actor, err := requireActor(opRequestMessage, actor)
	if err != nil {
		return eventbus.Event{}, err
	}
	if channel, err = validateName("channel", channel); err != nil {
		return eventbus.Event{}, newServiceError(opRequestMessage, "invalid_channel", err)
	}
	if nick, err = validateName("nick", nick); err != nil {
		return eventbus.Event{}, newServiceError(opRequestMessage, "invalid_nick", err)
	}
	switch kind {
	case eventbus.KindMessage, eventbus.KindNotice, eventbus.KindTyping, eventbus.KindReaction:
	default:
		return eventbus.Event{}, newServiceError(opRequestMessage, "invalid_kind", fmt.Errorf("%w: kind %q", ErrInvalidRequest, kind))
	}
	if !e.presence.IsPresent(channel, nick) {
		return eventbus.Event{}, newServiceError(opRequestMessage, "not_present", fmt.Errorf("%w: %s is not in %s", ErrInvalidRequest, nick, channel))
	}
	var refusal error
	err = e.submit(ctx, func() {
		refusal = e.admit(opRequestMessage, actor, channel, nick)
	})
	if err != nil {
		return eventbus.Event{}, newServiceError(opRequestMessage, "unavailable", err)
	}
	if refusal != nil {
		return eventbus.Event{}, refusal
	}

	event := eventbus.Event{Kind: kind, Channel: channel, Nick: nick, Actor: actor, Text: text, Timestamp: e.now().UnixMilli()}
	if published, ok := e.publish(ctx, event); ok {
		event = published
	}
	e.notifyEvent(event, e.replica)
	return event, nil
}

// admit refuses owned nicks and banned actors. It runs on the owner goroutine.
func (e *Engine) admit(operation, actor, channel, nick string) error {
	if owner, owned := e.validator.NickOwner(nick); owned && owner != actor {
		return newServiceError(operation, "nick_owned", ErrNickOwned)
	}
	if e.banned(channel, actor, nick) {
		return newServiceError(operation, "banned", ErrBanned)
	}
	return nil
}

// banned reports whether actor or nick is banned from channel. It runs on the owner goroutine.
func (e *Engine) banned(channel, actor, nick string) bool {
	folded := e.log.Fold(channel)
	for _, target := range []string{actor, nick} {
		if e.isBanned(channel, target, folded) {
			return true
		}
	}
	return false
}

// isBanned prefers the folded verdict for target and falls back to the ban fact when the log has not
// decided it.
func (e *Engine) isBanned(channel, target string, folded moderation.Result) bool {
	if entry, decided := folded.Ban(target); decided {
		return entry.Action == moderation.ActionBan
	}
	return len(e.document.SetTags(state.BanKey(channel, target))) > 0
}

// isOperator applies the same precedence to op grants. Founders are not included.
func (e *Engine) isOperator(channel, target string, folded moderation.Result) bool {
	if entry, decided := folded.Op(target); decided {
		return entry.Action == moderation.ActionOp
	}
	return len(e.document.SetTags(state.OpKey(channel, target))) > 0
}

// writeFact puts fact under key, or removes key when adding is false. A missing key on removal is not an
// error. It returns the keys written.
func (e *Engine) writeFact(key string, fact any, actor string, adding bool) ([]string, error) {
	if !adding {
		if _, err := e.document.Remove(key, actor); err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return []string{key}, nil
	}
	value, err := state.EncodeFact(fact)
	if err != nil {
		return nil, err
	}
	if _, err := e.document.Put(key, value, actor, 0); err != nil {
		return nil, err
	}
	return []string{key}, nil
}

// applyEntry mirrors an authorized moderation entry into the fact families. The mirror serves readers of
// the facts alone; enforcement goes through the fold. It runs on the owner goroutine.
func (e *Engine) applyEntry(entry moderation.Entry) []string {
	var (
		key    string
		fact   any
		adding bool
	)
	switch entry.Action {
	case moderation.ActionBan, moderation.ActionUnban:
		key = state.BanKey(entry.Channel, entry.Target)
		fact = state.BanFact{SetBy: entry.Actor, Reason: entry.Reason, SetAt: entry.Timestamp}
		adding = entry.Action == moderation.ActionBan
	case moderation.ActionOp, moderation.ActionDeop:
		key = state.OpKey(entry.Channel, entry.Target)
		fact = state.OpGrantFact{GrantedBy: entry.Actor, GrantedAt: entry.Timestamp}
		adding = entry.Action == moderation.ActionOp
	case moderation.ActionKick:
		e.kick(entry, e.replica)
		return nil
	default:
		return nil
	}
	changed, err := e.writeFact(key, fact, entry.Actor, adding)
	if err != nil {
		e.logError(opRequestModeration, "apply_failed", err, zap.String("entry_id", entry.ID))
		return nil
	}
	return changed
}

// kick drops every lease of the target nick in the entry's channel.
func (e *Engine) kick(entry moderation.Entry, origin string) {
	nick := state.NormalizeName(entry.Target)
	for _, member := range e.presence.Members(entry.Channel) {
		if member.Nick != nick {
			continue
		}
		if e.presence.Leave(entry.Channel, member.Nick, member.Origin) {
			e.notifier.Publish(notify.Notification{
				Kind:      notify.KindMemberLeft,
				Channel:   entry.Channel,
				Subject:   member.Nick,
				Actor:     entry.Actor,
				Value:     string(moderation.ActionKick),
				Origin:    origin,
				Timestamp: e.now(),
			})
		}
	}
}

func (e *Engine) publish(ctx context.Context, event eventbus.Event) (eventbus.Event, bool) {
	events := e.publisher()
	if events == nil {
		return event, false
	}
	published, err := events.Publish(ctx, event)
	if err != nil {
		e.logger.Warn("event not published", zap.String("kind", string(event.Kind)), zap.Error(err))
		return event, false
	}
	return published, true
}
