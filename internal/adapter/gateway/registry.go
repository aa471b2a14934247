package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"wirebot/internal/domain"
)

type payloadCodec struct {
	decode func(raw json.RawMessage) (any, error)
	encode func(data any) ([]byte, error)
}

type registryKey struct {
	op    domain.OpCode
	event string
}

// registry maps every payload this client understands to its codec. It is
// built at init and never mutated.
var registry = map[registryKey]payloadCodec{
	{op: domain.OpHeartbeat}:           valueCodec[domain.Heartbeat](),
	{op: domain.OpIdentify}:            valueCodec[domain.Identify](),
	{op: domain.OpPresenceUpdate}:      valueCodec[discordgo.UpdateStatusData](),
	{op: domain.OpVoiceStateUpdate}:    valueCodec[domain.VoiceStateUpdate](),
	{op: domain.OpResume}:              valueCodec[domain.Resume](),
	{op: domain.OpRequestGuildMembers}: valueCodec[domain.RequestGuildMembers](),
	{op: domain.OpInvalidSession}:      valueCodec[domain.InvalidSession](),
	{op: domain.OpHello}:               valueCodec[domain.Hello](),

	dispatchKey(domain.EventTypeReady):             pointerCodec[discordgo.Ready](),
	dispatchKey(domain.EventTypeResumed):           pointerCodec[discordgo.Resumed](),
	dispatchKey(domain.EventTypeMessageCreate):     pointerCodec[discordgo.MessageCreate](),
	dispatchKey(domain.EventTypeMessageUpdate):     pointerCodec[discordgo.MessageUpdate](),
	dispatchKey(domain.EventTypeMessageDelete):     pointerCodec[discordgo.MessageDelete](),
	dispatchKey(domain.EventTypeGuildCreate):       pointerCodec[discordgo.GuildCreate](),
	dispatchKey(domain.EventTypeGuildDelete):       pointerCodec[discordgo.GuildDelete](),
	dispatchKey(domain.EventTypeTypingStart):       pointerCodec[discordgo.TypingStart](),
	dispatchKey(domain.EventTypePresenceUpdate):    pointerCodec[discordgo.PresenceUpdate](),
	dispatchKey(domain.EventTypeInteractionCreate): pointerCodec[discordgo.InteractionCreate](),
}

func dispatchKey(t domain.EventType) registryKey {
	return registryKey{op: domain.OpDispatch, event: string(t)}
}

// lookup finds the codec for an (op, event) pair. Only dispatch frames are
// keyed by event name.
func lookup(op domain.OpCode, event string) (payloadCodec, bool) {
	if op != domain.OpDispatch {
		event = ""
	}
	c, ok := registry[registryKey{op: op, event: event}]
	return c, ok
}

// Registered reports whether frames with this (op, event) pair decode to a
// typed payload.
func Registered(op domain.OpCode, event string) bool {
	_, ok := lookup(op, event)
	return ok
}

// valueCodec decodes into a T value. A null payload yields the zero T, which
// is meaningful for heartbeats and invalid-session flags.
func valueCodec[T any]() payloadCodec {
	return payloadCodec{
		decode: func(raw json.RawMessage) (any, error) {
			var v T
			if isNull(raw) {
				return v, nil
			}
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		encode: func(data any) ([]byte, error) {
			switch v := data.(type) {
			case T:
				return json.Marshal(v)
			case *T:
				return json.Marshal(v)
			}
			var zero T
			return nil, fmt.Errorf("payload is %T, want %T", data, zero)
		},
	}
}

// pointerCodec decodes into a *T. A null payload yields nil Data.
func pointerCodec[T any]() payloadCodec {
	return payloadCodec{
		decode: func(raw json.RawMessage) (any, error) {
			if isNull(raw) {
				return nil, nil
			}
			v := new(T)
			if err := json.Unmarshal(raw, v); err != nil {
				return nil, err
			}
			return v, nil
		},
		encode: func(data any) ([]byte, error) {
			switch v := data.(type) {
			case *T:
				return json.Marshal(v)
			case T:
				return json.Marshal(&v)
			}
			return nil, fmt.Errorf("payload is %T, want *%T", data, *new(T))
		},
	}
}
