package engine

import (
	"context"

	"github.com/MarcoPoloResearchLab/concord/internal/eventbus"
	"github.com/MarcoPoloResearchLab/concord/internal/moderation"
	"github.com/MarcoPoloResearchLab/concord/internal/notify"
	"github.com/MarcoPoloResearchLab/concord/internal/presence"
	"github.com/MarcoPoloResearchLab/concord/internal/state"
)

// notifyKeys publishes one notification per changed key, read back from the document. It runs on the
// owner goroutine.
func (e *Engine) notifyKeys(keys []string, origin string) {
	now := e.now()
	for _, raw := range keys {
		key, err := state.ParseKey(raw)
		if err != nil {
			continue
		}
		notification := notify.Notification{Channel: key.Scope, Origin: origin, Timestamp: now}
		register, live := e.document.Register(raw)
		switch key.Family {
		case state.FamilyTopic:
			notification.Kind = notify.KindTopicChanged
			if live {
				notification.Actor = register.Actor
				notification.Value = register.Value
				if fact, err := state.DecodeFact[state.TopicFact](register.Value); err == nil {
					notification.Value = fact.Text
				}
			}
		case state.FamilyFounder:
			notification.Kind = notify.KindFounderSet
			if founder, ok := e.validator.Founder(key.Scope); ok {
				notification.Subject = founder.Actor
				notification.Actor = founder.Actor
			}
		case state.FamilyNickOwner:
			notification.Kind = notify.KindNickClaimed
			notification.Channel = ""
			notification.Subject = key.Scope
			if owner, ok := e.validator.NickOwner(key.Scope); ok {
				notification.Actor = owner
			}
		case state.FamilyPolicy:
			notification.Kind = notify.KindPolicyChanged
			policy := e.validator.Policy(key.Scope)
			notification.Actor = policy.SetBy
			notification.Value = "-t"
			if policy.TopicLocked {
				notification.Value = "+t"
			}
		case state.FamilyModAction:
			notification.Kind = notify.KindModerationAppended
			if entry, ok := moderation.EntryFromKey(e.document, raw); ok {
				notification.Subject = entry.Target
				notification.Actor = entry.Actor
				notification.Value = string(entry.Action)
			}
		case state.FamilyOp:
			notification.Subject = key.Member
			notification.Kind = notify.KindOpRevoked
			if tags := e.document.SetTags(raw); len(tags) > 0 {
				notification.Kind = notify.KindOpGranted
				notification.Actor = tags[len(tags)-1].Actor
			}
		case state.FamilyBan:
			notification.Subject = key.Member
			notification.Kind = notify.KindBanRemoved
			if tags := e.document.SetTags(raw); len(tags) > 0 {
				notification.Kind = notify.KindBanAdded
				notification.Actor = tags[len(tags)-1].Actor
				if fact, err := state.DecodeFact[state.BanFact](tags[len(tags)-1].Value); err == nil {
					notification.Value = fact.Reason
				}
			}
		default:
			continue
		}
		e.notifier.Publish(notification)
	}
	if len(keys) > 0 {
		e.metrics.StateKeys(e.document.KeyCount())
	}
}

// notifyEvent forwards a chat event to notification subscribers.
func (e *Engine) notifyEvent(event eventbus.Event, origin string) {
	notification := notify.Notification{
		Channel:   event.Channel,
		Subject:   event.Nick,
		Actor:     event.Actor,
		Value:     event.Text,
		Origin:    origin,
		Data:      event.Data,
		Timestamp: e.now(),
	}
	switch event.Kind {
	case eventbus.KindMessage, eventbus.KindNotice:
		notification.Kind = notify.KindMessage
	case eventbus.KindTyping:
		notification.Kind = notify.KindTyping
	case eventbus.KindReaction:
		notification.Kind = notify.KindReaction
	default:
		return
	}
	e.notifier.Publish(notification)
}

// HandleEvent applies a remote event locally. Presence events are set transitions keyed by the event's
// origin, so replays are harmless.
func (e *Engine) HandleEvent(_ context.Context, _ string, event eventbus.Event) {
	origin := event.ID.Origin
	switch event.Kind {
	case eventbus.KindJoin:
		if event.Channel == "" || event.Nick == "" {
			return
		}
		wasPresent := e.presence.IsPresent(event.Channel, event.Nick)
		e.presence.Join(event.Channel, event.Nick, origin)
		e.metrics.PresenceLeases(e.presence.Len())
		if !wasPresent {
			e.notifier.Publish(notify.Notification{
				Kind:      notify.KindMemberJoined,
				Channel:   state.NormalizeName(event.Channel),
				Subject:   state.NormalizeName(event.Nick),
				Actor:     event.Actor,
				Origin:    origin,
				Timestamp: e.now(),
			})
		}
	case eventbus.KindPart:
		if event.Channel == "" || event.Nick == "" {
			return
		}
		if e.presence.Leave(event.Channel, event.Nick, origin) {
			e.metrics.PresenceLeases(e.presence.Len())
			e.notifier.Publish(notify.Notification{
				Kind:      notify.KindMemberLeft,
				Channel:   state.NormalizeName(event.Channel),
				Subject:   state.NormalizeName(event.Nick),
				Actor:     event.Actor,
				Origin:    origin,
				Timestamp: e.now(),
			})
		}
	case eventbus.KindPresenceRefresh:
		if event.Channel == "" || event.Nick == "" {
			return
		}
		e.presence.Refresh(event.Channel, event.Nick, origin)
	default:
		e.notifyEvent(event, origin)
	}
}

// PublishPresence announces a renewed local lease to peers.
func (e *Engine) PublishPresence(ctx context.Context, lease presence.Lease) {
	e.publish(ctx, eventbus.Event{Kind: eventbus.KindPresenceRefresh, Channel: lease.Channel, Nick: lease.Nick})
}
