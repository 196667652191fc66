// Package cdp is a minimal Chrome DevTools protocol client: enough to
// drive the storefront pages and observe network responses, nothing more.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("cdp: connection closed")

// Event is a protocol notification (a message without an id).
type Event struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

type envelope struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *protoError     `json:"error,omitempty"`
}

type protoError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *protoError) Error() string {
	return fmt.Sprintf("cdp: %s (code %d)", e.Message, e.Code)
}

type pendingCall struct {
	ch chan envelope
}

type subscriber struct {
	ch chan Event
}

// Client multiplexes calls and events over one DevTools websocket.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]pendingCall
	subs    map[*subscriber]struct{}
	closed  bool
}

// Dial connects to a DevTools websocket endpoint and starts the read pump.
func Dial(ctx context.Context, wsURL string) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// DevTools responses (DOM snapshots) can be large.
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 1 << 20,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", wsURL, err)
	}

	c := &Client{
		conn:    conn,
		pending: map[int64]pendingCall{},
		subs:    map[*subscriber]struct{}{},
	}
	go c.readPump()
	return c, nil
}

func (c *Client) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown()
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[warn] cdp: bad frame: %v", err)
			continue
		}

		if env.ID != 0 {
			c.mu.Lock()
			p, ok := c.pending[env.ID]
			if ok {
				delete(c.pending, env.ID)
			}
			c.mu.Unlock()
			if ok {
				p.ch <- env
			}
			continue
		}

		if env.Method == "" {
			continue
		}
		ev := Event{SessionID: env.SessionID, Method: env.Method, Params: env.Params}
		c.mu.Lock()
		for s := range c.subs {
			select {
			case s.ch <- ev:
			default:
				// A stalled subscriber must not block the pump.
			}
		}
		c.mu.Unlock()
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, p := range c.pending {
		delete(c.pending, id)
		close(p.ch)
	}
	for s := range c.subs {
		delete(c.subs, s)
		close(s.ch)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}

// Close tears down the websocket; in-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

// Call invokes a protocol method and decodes its result into out (which
// may be nil). sessionID targets an attached page session; empty means
// the browser-level session.
func (c *Client) Call(ctx context.Context, sessionID, method string, params, out any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("cdp: marshal %s params: %w", method, err)
		}
		raw = b
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	p := pendingCall{ch: make(chan envelope, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	req := envelope{ID: id, SessionID: sessionID, Method: method, Params: raw}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("cdp: write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case env, ok := <-p.ch:
		if !ok {
			return ErrClosed
		}
		if env.Error != nil {
			return fmt.Errorf("%s: %w", method, env.Error)
		}
		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return fmt.Errorf("cdp: decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Subscribe returns a channel of all protocol events and a cancel func.
// Events arriving while the buffer is full are dropped.
func (c *Client) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subs[s]; ok {
			delete(c.subs, s)
			close(s.ch)
		}
		c.mu.Unlock()
	}
	return s.ch, cancel
}
