// Package mock provides an in-memory [transport.Conn] for tests.
//
// Every call and subscription is recorded. Tests drive the system under test
// by emitting events into recorded subscriptions and by firing reconnects.
package mock

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/voicesat/internal/transport"
)

var _ transport.Conn = (*Conn)(nil)

// Call records one request.
type Call struct {
	Type   string
	Fields transport.Fields
}

// Subscription records one subscribe request.
type Subscription struct {
	ID      int
	Type    string
	Fields  transport.Fields
	handler transport.EventHandler

	mu     sync.Mutex
	active bool
}

// Active reports whether the subscription has not been unsubscribed.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Emit marshals event and delivers it to the handler on the calling
// goroutine. Inactive subscriptions drop the event.
func (s *Subscription) Emit(event any) {
	if !s.Active() {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		panic("mock: marshal event: " + err.Error())
	}
	s.handler(data)
}

// Conn is a scripted transport. Configure the exported fields before use.
type Conn struct {
	// Results maps a command type to its result payload.
	Results map[string]json.RawMessage

	// Errors maps a command type to the error returned by Call or Subscribe.
	Errors map[string]error

	// OnSubscribe runs after a subscription is recorded and before Subscribe
	// returns. Tests use it to emit the first events of a run.
	OnSubscribe func(s *Subscription)

	// BinaryErr is returned by SendBinary.
	BinaryErr error

	mu      sync.Mutex
	calls   []Call
	subs    []*Subscription
	binary  [][]byte
	nextID  int
	hooks   map[int]func()
	hookSeq int

	// CallCountUnsubscribe counts unsubscribe invocations.
	CallCountUnsubscribe int
}

func (c *Conn) errFor(msgType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Errors == nil {
		return nil
	}
	return c.Errors[msgType]
}

// SetError sets or clears (err == nil) the error for msgType.
func (c *Conn) SetError(msgType string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Errors == nil {
		c.Errors = make(map[string]error)
	}
	if err == nil {
		delete(c.Errors, msgType)
		return
	}
	c.Errors[msgType] = err
}

// Call records the request and returns the scripted result or error.
func (c *Conn) Call(_ context.Context, msgType string, fields transport.Fields) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Type: msgType, Fields: maps.Clone(fields)})
	c.mu.Unlock()
	if err := c.errFor(msgType); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Results[msgType], nil
}

// Subscribe records the subscription and returns its unsubscribe function.
func (c *Conn) Subscribe(_ context.Context, msgType string, fields transport.Fields, handler transport.EventHandler) (transport.Unsubscribe, error) {
	if err := c.errFor(msgType); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.nextID++
	s := &Subscription{ID: c.nextID, Type: msgType, Fields: maps.Clone(fields), handler: handler, active: true}
	c.subs = append(c.subs, s)
	hook := c.OnSubscribe
	c.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return func(context.Context) error {
		c.mu.Lock()
		c.CallCountUnsubscribe++
		c.mu.Unlock()
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		return nil
	}, nil
}

// SendBinary records data.
func (c *Conn) SendBinary(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.BinaryErr != nil {
		return c.BinaryErr
	}
	c.binary = append(c.binary, slices.Clone(data))
	return nil
}

// OnReconnect registers fn for [Conn.Reconnect].
func (c *Conn) OnReconnect(fn func()) func() {
	c.mu.Lock()
	if c.hooks == nil {
		c.hooks = make(map[int]func())
	}
	c.hookSeq++
	id := c.hookSeq
	c.hooks[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.hooks, id)
		c.mu.Unlock()
	}
}

// Reconnect drops every subscription and runs the reconnect hooks
// synchronously.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	for _, s := range c.subs {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}
	hooks := make([]func(), 0, len(c.hooks))
	for _, id := range slices.Sorted(maps.Keys(c.hooks)) {
		hooks = append(hooks, c.hooks[id])
	}
	c.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

// Calls returns every recorded call of msgType, or all calls when msgType
// is empty.
func (c *Conn) Calls(msgType string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if msgType == "" || call.Type == msgType {
			out = append(out, call)
		}
	}
	return out
}

// Subscriptions returns every recorded subscription of msgType.
func (c *Conn) Subscriptions(msgType string) []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Subscription
	for _, s := range c.subs {
		if s.Type == msgType {
			out = append(out, s)
		}
	}
	return out
}

// Last returns the most recent subscription of msgType, or nil.
func (c *Conn) Last(msgType string) *Subscription {
	subs := c.Subscriptions(msgType)
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

// ActiveCount returns the number of live subscriptions of msgType.
func (c *Conn) ActiveCount(msgType string) int {
	n := 0
	for _, s := range c.Subscriptions(msgType) {
		if s.Active() {
			n++
		}
	}
	return n
}

// Binary returns every binary frame sent.
func (c *Conn) Binary() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.binary)
}
