// Package transport is the satellite's connection to Home Assistant.
//
// [Client] speaks the Home Assistant websocket API: it authenticates with a
// long-lived access token, correlates request ids with their result
// messages, routes subscription events to their handlers, and carries the
// binary audio frames of a pipeline run. When the connection drops it
// reconnects with exponential backoff and notifies [Client.OnReconnect]
// listeners once the new connection is authenticated.
//
// Subscriptions do not survive a reconnect. Owners re-subscribe from their
// reconnect hook.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a request is issued while no
	// authenticated connection exists, or when the connection drops before
	// the reply arrives.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned after [Client.Close].
	ErrClosed = errors.New("transport: closed")

	// ErrAuthInvalid is returned by [Client.Run] when Home Assistant rejects
	// the access token. It is not retried.
	ErrAuthInvalid = errors.New("transport: authentication rejected")
)

// ResultError is a failed result message.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("transport: home assistant error %s: %s", e.Code, e.Message)
}

// Fields are the command-specific members of a request. The id and type
// members are filled in by the transport.
type Fields map[string]any

// EventHandler receives the event member of each subscription message. It
// is called on the connection's read goroutine and must not block.
type EventHandler func(event json.RawMessage)

// Unsubscribe ends a subscription. It is safe to call more than once and
// after the connection that created the subscription is gone.
type Unsubscribe func(ctx context.Context) error

// Caller issues request/response commands.
type Caller interface {
	Call(ctx context.Context, msgType string, fields Fields) (json.RawMessage, error)
}

// Subscriber opens long-lived event subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, msgType string, fields Fields, handler EventHandler) (Unsubscribe, error)
}

// Conn is the full connection surface used by the satellite session.
type Conn interface {
	Caller
	Subscriber
	SendBinary(ctx context.Context, data []byte) error
	OnReconnect(fn func()) (remove func())
}
