package gateway

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrHelloTimeout         = errors.New("no hello received within connect timeout")
	ErrHeartbeatTimeout     = errors.New("heartbeat not acknowledged before deadline")
	ErrAuthenticationFailed = errors.New("gateway authentication failed")
	ErrDecoderClosed        = errors.New("transport decoder closed")
	ErrSendBufferFull       = errors.New("outbound send buffer full")

	// ErrIdentifyRejected reports an invalid-session answer to an identify,
	// which the gateway uses for permanent rejections such as bad intents.
	ErrIdentifyRejected = fmt.Errorf("gateway rejected identify: %w", ErrAuthenticationFailed)
)

// FatalError is a permanent gateway rejection carried by a close code.
// Shards receiving one stop reconnecting and report it once.
type FatalError struct {
	Code   int
	Reason string
}

func (e *FatalError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway closed permanently with code %d", e.Code)
	}
	return fmt.Sprintf("gateway closed permanently with code %d: %s", e.Code, e.Reason)
}

// Unwrap maps the authentication close code onto ErrAuthenticationFailed so
// callers can match it with errors.Is.
func (e *FatalError) Unwrap() error {
	if e.Code == CloseAuthenticationFailed {
		return ErrAuthenticationFailed
	}
	return nil
}
