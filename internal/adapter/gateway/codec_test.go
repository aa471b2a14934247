package gateway

import (
	"encoding/json"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wirebot/internal/domain"
)

func seqPtr(n int64) *int64 { return &n }

// message builds a dispatch message payload. discordgo always decodes
// components into a non-nil slice, so the expected value carries an empty one.
func message(id, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:         id,
		ChannelID:  "c1",
		Content:    content,
		Author:     &discordgo.User{ID: "u1", Username: "someone"},
		Components: []discordgo.MessageComponent{},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	idle := 0
	channel := "c1"
	query := "ab"
	tests := []struct {
		name string
		msg  domain.Message
	}{
		{"heartbeat", domain.Message{Op: domain.OpHeartbeat, Data: domain.Heartbeat{Sequence: seqPtr(42)}}},
		{"heartbeat null", domain.Message{Op: domain.OpHeartbeat, Data: domain.Heartbeat{}}},
		{"identify", domain.Message{Op: domain.OpIdentify, Data: domain.Identify{
			Token:          "tok",
			Properties:     domain.IdentifyProperties{OS: "linux", Browser: "wirebot", Device: "wirebot"},
			LargeThreshold: 250,
			Shard:          &[2]int{0, 1},
			Intents:        discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages,
		}}},
		{"presence", domain.Message{Op: domain.OpPresenceUpdate, Data: discordgo.UpdateStatusData{
			IdleSince: &idle, Status: "online",
		}}},
		{"voice state", domain.Message{Op: domain.OpVoiceStateUpdate, Data: domain.VoiceStateUpdate{
			GuildID: "g1", ChannelID: &channel, SelfDeaf: true,
		}}},
		{"resume", domain.Message{Op: domain.OpResume, Data: domain.Resume{Token: "tok", SessionID: "abc", Sequence: 9}}},
		{"request members", domain.Message{Op: domain.OpRequestGuildMembers, Data: domain.RequestGuildMembers{
			GuildID: "g1", Query: &query, Limit: 10,
		}}},
		{"invalid session", domain.Message{Op: domain.OpInvalidSession, Data: domain.InvalidSession{Resumable: true}}},
		{"hello", domain.Message{Op: domain.OpHello, Data: domain.Hello{HeartbeatInterval: 41250}}},
		{"ready", domain.Message{Op: domain.OpDispatch, Sequence: seqPtr(1), Event: "READY", Data: &discordgo.Ready{
			Version: 10, SessionID: "abc123", User: &discordgo.User{ID: "1", Username: "bot"},
		}}},
		{"resumed", domain.Message{Op: domain.OpDispatch, Sequence: seqPtr(2), Event: "RESUMED", Data: &discordgo.Resumed{}}},
		{"typing", domain.Message{Op: domain.OpDispatch, Sequence: seqPtr(3), Event: "TYPING_START", Data: &discordgo.TypingStart{
			UserID: "u", ChannelID: "c", Timestamp: 1700000000,
		}}},
		{"message create", domain.Message{Op: domain.OpDispatch, Sequence: seqPtr(4), Event: "MESSAGE_CREATE", Data: &discordgo.MessageCreate{
			Message: message("m1", "!ping"),
		}}},
		{"message update", domain.Message{Op: domain.OpDispatch, Sequence: seqPtr(5), Event: "MESSAGE_UPDATE", Data: &discordgo.MessageUpdate{
			Message: message("m1", "!pong"),
		}}},
		{"message delete", domain.Message{Op: domain.OpDispatch, Sequence: seqPtr(6), Event: "MESSAGE_DELETE", Data: &discordgo.MessageDelete{
			Message: message("m1", ""),
		}}},
		{"guild create", domain.Message{Op: domain.OpDispatch, Sequence: seqPtr(7), Event: "GUILD_CREATE", Data: &discordgo.GuildCreate{
			Guild: &discordgo.Guild{ID: "g1", Name: "guild", MemberCount: 3},
		}}},
		{"guild delete", domain.Message{Op: domain.OpDispatch, Sequence: seqPtr(8), Event: "GUILD_DELETE", Data: &discordgo.GuildDelete{
			Guild: &discordgo.Guild{ID: "g1", Unavailable: true},
		}}},
		{"presence update", domain.Message{Op: domain.OpDispatch, Sequence: seqPtr(9), Event: "PRESENCE_UPDATE", Data: &discordgo.PresenceUpdate{
			Presence: discordgo.Presence{User: &discordgo.User{ID: "u1"}, Status: discordgo.StatusIdle},
			GuildID:  "g1",
		}}},
		{"interaction create", domain.Message{Op: domain.OpDispatch, Sequence: seqPtr(10), Event: "INTERACTION_CREATE", Data: &discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				ID:    "i1",
				AppID: "a1",
				Type:  discordgo.InteractionApplicationCommand,
				Data:  discordgo.ApplicationCommandInteractionData{ID: "cmd1", Name: "ping"},
				Token: "itok",
			},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Op, got.Op)
			assert.Equal(t, tt.msg.Sequence, got.Sequence)
			assert.Equal(t, tt.msg.Event, got.Event)
			assert.Equal(t, tt.msg.Data, got.Data)
		})
	}
}

func TestCodecMessageCreate(t *testing.T) {
	frame := `{"op":0,"s":4,"t":"MESSAGE_CREATE","d":{"id":"m1","channel_id":"c1","content":"!ping","author":{"id":"u1","username":"someone"}}}`
	msg, err := Decode([]byte(frame))
	require.NoError(t, err)

	mc, ok := msg.Data.(*discordgo.MessageCreate)
	require.True(t, ok)
	assert.Equal(t, "m1", mc.ID)
	assert.Equal(t, "!ping", mc.Content)
	assert.Equal(t, "u1", mc.Author.ID)
}

func TestCodecEnvelopeShape(t *testing.T) {
	b, err := Encode(domain.Message{Op: domain.OpHeartbeat, Data: domain.Heartbeat{Sequence: seqPtr(251)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":1,"d":251,"s":null,"t":null}`, string(b))

	b, err = Encode(domain.Message{Op: domain.OpInvalidSession, Data: domain.InvalidSession{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":9,"d":false,"s":null,"t":null}`, string(b))

	b, err = Encode(domain.Message{Op: domain.OpReconnect})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":7,"d":null,"s":null,"t":null}`, string(b))
}

func TestCodecUnknownPairsPassThrough(t *testing.T) {
	tests := []string{
		`{"op":0,"s":12,"t":"CHANNEL_PINS_UPDATE","d":{"channel_id":"c"}}`,
		`{"op":11}`,
		`{"op":42,"d":{"anything":[1,2,3]}}`,
	}
	for _, frame := range tests {
		msg, err := Decode([]byte(frame))
		require.NoError(t, err, frame)
		assert.Nil(t, msg.Data, frame)
	}

	msg, err := Decode([]byte(tests[0]))
	require.NoError(t, err)
	assert.Equal(t, "CHANNEL_PINS_UPDATE", msg.Event)
	assert.Equal(t, int64(12), *msg.Sequence)
	assert.JSONEq(t, `{"channel_id":"c"}`, string(msg.Raw))

	b, err := Encode(msg)
	require.NoError(t, err)
	assert.JSONEq(t, tests[0], string(b))
}

func TestCodecNullPayloads(t *testing.T) {
	msg, err := Decode([]byte(`{"op":9,"d":null}`))
	require.NoError(t, err)
	assert.Equal(t, domain.InvalidSession{Resumable: false}, msg.Data)

	msg, err = Decode([]byte(`{"op":1,"d":null}`))
	require.NoError(t, err)
	assert.Equal(t, domain.Heartbeat{}, msg.Data)

	msg, err = Decode([]byte(`{"op":0,"t":"GUILD_DELETE","d":null}`))
	require.NoError(t, err)
	assert.Nil(t, msg.Data)
}

func TestCodecMalformedInput(t *testing.T) {
	tests := []string{
		``,
		`not json`,
		`{"op":10,"d":`,
		`{"d":{}}`,
		`{"op":10,"d":{"heartbeat_interval":"soon"}}`,
		`{"op":0,"t":"READY","d":{"session_id":7}}`,
	}
	for _, frame := range tests {
		_, err := Decode([]byte(frame))
		assert.ErrorIs(t, err, domain.ErrDecode, frame)
	}
}

func TestCodecRejectsMismatchedPayload(t *testing.T) {
	_, err := Encode(domain.Message{Op: domain.OpResume, Data: domain.Hello{HeartbeatInterval: 1}})
	assert.ErrorIs(t, err, domain.ErrEncode)

	_, err = Encode(domain.Message{Op: domain.OpDispatch, Event: "UNKNOWN", Data: make(chan int)})
	assert.ErrorIs(t, err, domain.ErrEncode)
}

func TestCodecAcceptsPointerPayloads(t *testing.T) {
	b, err := Encode(domain.Message{Op: domain.OpResume, Data: &domain.Resume{Token: "t", SessionID: "s", Sequence: 1}})
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &env))
	assert.JSONEq(t, `{"token":"t","session_id":"s","seq":1}`, string(env["d"]))
}

func TestCodecRoundTripCoversRegistry(t *testing.T) {
	covered := map[string]bool{
		"READY": true, "RESUMED": true, "TYPING_START": true,
		"MESSAGE_CREATE": true, "MESSAGE_UPDATE": true, "MESSAGE_DELETE": true,
		"GUILD_CREATE": true, "GUILD_DELETE": true, "PRESENCE_UPDATE": true,
		"INTERACTION_CREATE": true,
	}
	for key := range registry {
		if key.op != domain.OpDispatch {
			continue
		}
		assert.True(t, covered[key.event], "no round-trip case for %s", key.event)
	}
}

func TestRegistered(t *testing.T) {
	assert.True(t, Registered(domain.OpHello, ""))
	assert.True(t, Registered(domain.OpHello, "IGNORED"))
	assert.True(t, Registered(domain.OpDispatch, "MESSAGE_CREATE"))
	assert.False(t, Registered(domain.OpDispatch, "CHANNEL_PINS_UPDATE"))
	assert.False(t, Registered(domain.OpHeartbeatACK, ""))
}
