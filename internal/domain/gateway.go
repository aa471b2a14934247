package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/discordgo"
)

// OpCode identifies the kind of gateway payload.
type OpCode int

const (
	OpDispatch            OpCode = 0
	OpHeartbeat           OpCode = 1
	OpIdentify            OpCode = 2
	OpPresenceUpdate      OpCode = 3
	OpVoiceStateUpdate    OpCode = 4
	OpResume              OpCode = 6
	OpReconnect           OpCode = 7
	OpRequestGuildMembers OpCode = 8
	OpInvalidSession      OpCode = 9
	OpHello               OpCode = 10
	OpHeartbeatACK        OpCode = 11
)

var opNames = map[OpCode]string{
	OpDispatch:            "DISPATCH",
	OpHeartbeat:           "HEARTBEAT",
	OpIdentify:            "IDENTIFY",
	OpPresenceUpdate:      "PRESENCE_UPDATE",
	OpVoiceStateUpdate:    "VOICE_STATE_UPDATE",
	OpResume:              "RESUME",
	OpReconnect:           "RECONNECT",
	OpRequestGuildMembers: "REQUEST_GUILD_MEMBERS",
	OpInvalidSession:      "INVALID_SESSION",
	OpHello:               "HELLO",
	OpHeartbeatACK:        "HEARTBEAT_ACK",
}

func (o OpCode) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return "UNKNOWN"
}

// Message is one decoded gateway frame.
//
// Data holds the typed payload when the (Op, Event) pair is known to the
// registry and nil otherwise. Raw always carries the undecoded "d" field.
type Message struct {
	Op       OpCode
	Sequence *int64
	Event    string
	Data     any
	Raw      json.RawMessage
}

// MessageChunk is one fragment of a possibly multi-fragment websocket message.
// Binary is set for fragments of a compressed binary message.
type MessageChunk struct {
	Bytes   []byte
	IsFinal bool
	Binary  bool
}

// Hello is the payload of OpHello.
type Hello struct {
	HeartbeatInterval uint64 `json:"heartbeat_interval"`
}

// Interval returns the heartbeat period as a duration.
func (h Hello) Interval() time.Duration {
	return time.Duration(h.HeartbeatInterval) * time.Millisecond
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify is the payload of OpIdentify.
type Identify struct {
	Token          string                      `json:"token"`
	Properties     IdentifyProperties          `json:"properties"`
	Compress       bool                        `json:"compress"`
	LargeThreshold int                         `json:"large_threshold"`
	Shard          *[2]int                     `json:"shard,omitempty"`
	Presence       *discordgo.UpdateStatusData `json:"presence,omitempty"`
	Intents        discordgo.Intent            `json:"intents"`
}

// Resume is the payload of OpResume.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// Heartbeat is the payload of OpHeartbeat: the last seen sequence number or null.
type Heartbeat struct {
	Sequence *int64
}

func (h Heartbeat) MarshalJSON() ([]byte, error) {
	if h.Sequence == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*h.Sequence)
}

func (h *Heartbeat) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		h.Sequence = nil
		return nil
	}
	var seq int64
	if err := json.Unmarshal(b, &seq); err != nil {
		return err
	}
	h.Sequence = &seq
	return nil
}

// InvalidSession is the payload of OpInvalidSession.
type InvalidSession struct {
	Resumable bool
}

func (s InvalidSession) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Resumable)
}

func (s *InvalidSession) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		s.Resumable = false
		return nil
	}
	return json.Unmarshal(b, &s.Resumable)
}

// VoiceStateUpdate is the payload of OpVoiceStateUpdate.
type VoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// RequestGuildMembers is the payload of OpRequestGuildMembers.
type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// SocketState is the tri-state of a gateway socket.
type SocketState int32

const (
	SocketConnecting SocketState = iota
	SocketOpen
	SocketClosed
)

func (s SocketState) String() string {
	switch s {
	case SocketConnecting:
		return "connecting"
	case SocketOpen:
		return "open"
	default:
		return "closed"
	}
}

// FrameType is the websocket data frame type.
type FrameType int

const (
	FrameText FrameType = iota + 1
	FrameBinary
)

// ReceiveResult describes one Socket.Receive call.
type ReceiveResult struct {
	Count   int
	IsFinal bool
	Type    FrameType
}

// Socket is a single streaming, full-duplex, message-framed connection.
// A Socket is single use: once aborted every method returns ErrSocketDisposed.
type Socket interface {
	Connect(ctx context.Context, uri string) error
	Receive(ctx context.Context, buf []byte) (ReceiveResult, error)
	Send(ctx context.Context, p []byte, typ FrameType, isFinal bool) error
	Abort() error
	State() SocketState
}

// SessionCheckpoint is the resumable position of a gateway session.
type SessionCheckpoint struct {
	SessionID string
	Sequence  int64
	UpdatedAt time.Time
}

// SessionStore persists session checkpoints across process restarts.
type SessionStore interface {
	Load(ctx context.Context) (*SessionCheckpoint, error) // nil, nil when empty
	Save(ctx context.Context, cp SessionCheckpoint) error
	Clear(ctx context.Context) error
}
