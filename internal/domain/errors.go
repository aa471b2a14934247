package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the gateway layer.
var (
	ErrConnection         = fmt.Errorf("gateway connection failed")
	ErrSocketDisposed     = fmt.Errorf("socket already disposed")
	ErrSocketNotOpen      = fmt.Errorf("socket is not open")
	ErrDecode             = fmt.Errorf("gateway payload decode failed")
	ErrEncode             = fmt.Errorf("gateway payload encode failed")
	ErrChannelClosed      = fmt.Errorf("channel closed")
	ErrTransmitterStopped = fmt.Errorf("transmitter stopped: %w", context.Canceled)
	ErrHeartbeatNotAcked  = fmt.Errorf("heartbeat not acknowledged")
	ErrNotRunning         = fmt.Errorf("gateway engine not running")
	ErrFatalClose         = fmt.Errorf("gateway closed the connection permanently")
	ErrBusClosed          = fmt.Errorf("event bus closed")

	// Configuration errors.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")

	// Session store errors.
	ErrSessionStore = fmt.Errorf("session store operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Engine.Restart")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CloseError reports a close frame received from the gateway.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("gateway closed connection: %d %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("gateway closed connection: %d", e.Code)
}

func (e *CloseError) Unwrap() error { return ErrConnection }

// Gateway close codes that change how the engine recovers.
const (
	CloseAuthenticationFailed = 4004
	CloseInvalidSeq           = 4007
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// IsFatalClose reports whether err carries a close code after which reconnecting
// cannot succeed without operator intervention.
func IsFatalClose(err error) bool {
	var ce *CloseError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return true
	}
	return false
}

// IsResumableFailure reports whether a connection fault still permits resuming
// the current session.
func IsResumableFailure(err error) bool {
	var ce *CloseError
	if !errors.As(err, &ce) {
		return true
	}
	switch ce.Code {
	case CloseInvalidSeq, CloseSessionTimedOut:
		return false
	}
	return !IsFatalClose(err)
}

// IsCancellation reports whether err is the cooperative stop signal rather than a fault.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeConnection         ErrorCode = "CONNECTION"
	CodeSocketDisposed     ErrorCode = "SOCKET_DISPOSED"
	CodeSocketNotOpen      ErrorCode = "SOCKET_NOT_OPEN"
	CodeDecode             ErrorCode = "DECODE"
	CodeEncode             ErrorCode = "ENCODE"
	CodeChannelClosed      ErrorCode = "CHANNEL_CLOSED"
	CodeTransmitterStopped ErrorCode = "TRANSMITTER_STOPPED"
	CodeHeartbeatNotAcked  ErrorCode = "HEARTBEAT_NOT_ACKED"
	CodeNotRunning         ErrorCode = "NOT_RUNNING"
	CodeFatalClose         ErrorCode = "FATAL_CLOSE"
	CodeBusClosed          ErrorCode = "BUS_CLOSED"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeSessionStore       ErrorCode = "SESSION_STORE"
	CodeCanceled           ErrorCode = "CANCELED"
)

// sentinelCodes is checked in order; more specific sentinels come first.
var sentinelCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrFatalClose, CodeFatalClose},
	{ErrSocketDisposed, CodeSocketDisposed},
	{ErrSocketNotOpen, CodeSocketNotOpen},
	{ErrTransmitterStopped, CodeTransmitterStopped},
	{ErrConnection, CodeConnection},
	{ErrDecode, CodeDecode},
	{ErrEncode, CodeEncode},
	{ErrChannelClosed, CodeChannelClosed},
	{ErrHeartbeatNotAcked, CodeHeartbeatNotAcked},
	{ErrNotRunning, CodeNotRunning},
	{ErrBusClosed, CodeBusClosed},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrDecryption, CodeDecryption},
	{ErrSessionStore, CodeSessionStore},
	{context.Canceled, CodeCanceled},
}

// ErrorCodeOf returns the ErrorCode for err, or CodeUnknown.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, sc := range sentinelCodes {
		if errors.Is(err, sc.err) {
			return sc.code
		}
	}
	return CodeUnknown
}
