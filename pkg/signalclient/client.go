// Package signalclient is a Go client for the rillcast signaling gateway.
// Every request is a future resolved exactly once, by its response or by the
// connection going away.
package signalclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrConnectionClosed rejects requests outstanding when the connection drops.
var ErrConnectionClosed = errors.New("signalclient: connection closed")

// RequestError is a failure reported by the gateway.
type RequestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Code returns the gateway error code carried by err, if any.
func Code(err error) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Code
	}
	return ""
}

// Event is a server push.
type Event struct {
	Name string
	Data json.RawMessage
}

func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

type Options struct {
	// Token is sent as a bearer token. Empty connects anonymously.
	Token       string
	EventBuffer int
	Logger      *zap.SugaredLogger
}

type frame struct {
	ID    *uint64         `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *RequestError   `json:"error,omitempty"`
}

type outgoing struct {
	ID    *uint64     `json:"id,omitempty"`
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type result struct {
	data json.RawMessage
	err  error
}

type Client struct {
	conn   *websocket.Conn
	logger *zap.SugaredLogger
	nextID atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan result
	closed  bool

	events chan Event
	done   chan struct{}
}

// Dial connects to the gateway at rawURL (ws:// or wss://).
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}

	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	c := &Client{
		conn:    conn,
		logger:  opts.Logger,
		pending: make(map[uint64]chan result),
		events:  make(chan Event, opts.EventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debugw("gateway connection closed", "error", err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warnw("dropping malformed frame", "error", err)
			continue
		}

		if f.ID != nil && f.Event == "" {
			c.settle(*f.ID, f)
			continue
		}

		select {
		case c.events <- Event{Name: f.Event, Data: f.Data}:
		default:
			c.logger.Warnw("event buffer full, dropping event", "event", f.Event)
		}
	}
}

func (c *Client) settle(id uint64, f frame) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}

	if !f.OK {
		reqErr := f.Error
		if reqErr == nil {
			reqErr = &RequestError{Code: "UNKNOWN", Message: "request failed"}
		}
		ch <- result{err: reqErr}
		return
	}
	ch <- result{data: f.Data}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan result)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: ErrConnectionClosed}
	}
	close(c.events)
	close(c.done)
	c.conn.Close()
}

// Request sends event and waits for its response. out, when non-nil,
// receives the response data.
func (c *Client) Request(ctx context.Context, event string, data interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(outgoing{ID: &id, Event: event, Data: data}); err != nil {
		c.forget(id)
		return err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if out != nil && len(r.data) > 0 {
			if err := json.Unmarshal(r.data, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", event, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

// Notify sends a request without an id. The gateway answers only through
// push events.
func (c *Client) Notify(event string, data interface{}) error {
	return c.write(outgoing{Event: event, Data: data})
}

func (c *Client) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Events delivers server pushes in arrival order. It is closed when the
// connection drops.
func (c *Client) Events() <-chan Event {
	return c.events
}

// WaitEvent returns the next push named name. Pushes with other names
// received in the meantime are discarded.
func (c *Client) WaitEvent(ctx context.Context, name string) (Event, error) {
	for {
		select {
		case evt, ok := <-c.events:
			if !ok {
				return Event{}, ErrConnectionClosed
			}
			if evt.Name == name {
				return evt, nil
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. Outstanding requests fail with
// ErrConnectionClosed.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
