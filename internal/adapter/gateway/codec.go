package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"wirebot/internal/domain"
)

// envelope is the JSON shape of every gateway frame.
type envelope struct {
	Op    *domain.OpCode  `json:"op"`
	Data  json.RawMessage `json:"d"`
	Seq   *int64          `json:"s"`
	Event *string         `json:"t"`
}

// Encode serializes msg into a gateway frame. Payloads of registered
// (op, event) pairs are type-checked against the registry; any other Data is
// marshaled as-is, and a message without Data falls back to Raw.
func Encode(msg domain.Message) ([]byte, error) {
	op := msg.Op
	env := envelope{Op: &op, Seq: msg.Sequence}
	if msg.Event != "" {
		event := msg.Event
		env.Event = &event
	}

	switch {
	case msg.Data != nil:
		var (
			raw []byte
			err error
		)
		if c, ok := lookup(msg.Op, msg.Event); ok {
			raw, err = c.encode(msg.Data)
		} else {
			raw, err = json.Marshal(msg.Data)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: op %s: %v", domain.ErrEncode, msg.Op, err)
		}
		env.Data = raw
	case len(msg.Raw) > 0:
		env.Data = msg.Raw
	}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: op %s: %v", domain.ErrEncode, msg.Op, err)
	}
	return b, nil
}

// Decode parses one complete gateway frame. An unregistered (op, event) pair
// decodes with nil Data; only malformed input is an error.
func Decode(b []byte) (domain.Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	if env.Op == nil {
		return domain.Message{}, fmt.Errorf("%w: missing op", domain.ErrDecode)
	}

	msg := domain.Message{Op: *env.Op, Sequence: env.Seq, Raw: env.Data}
	if env.Event != nil {
		msg.Event = *env.Event
	}

	c, ok := lookup(msg.Op, msg.Event)
	if !ok {
		return msg, nil
	}
	data, err := c.decode(env.Data)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: op %s event %q: %v", domain.ErrDecode, msg.Op, msg.Event, err)
	}
	msg.Data = data
	return msg, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
