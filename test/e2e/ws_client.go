package e2e

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

// WSEvent is one decoded frame received from the server.
type WSEvent struct {
	Type     string
	Raw      []byte
	Parsed   map[string]any
	Received time.Time
}

func (e WSEvent) Seq() int64 {
	if v, ok := e.Parsed["seq"].(float64); ok {
		return int64(v)
	}
	return 0
}

func (e WSEvent) SessionID() string { return e.str("session_id") }
func (e WSEvent) EventID() string   { return e.str("event_id") }
func (e WSEvent) StepID() string    { return e.str("step_id") }

func (e WSEvent) ShowContent() string { return e.str("show_content") }

func (e WSEvent) ContentString() string { return e.str("content") }

func (e WSEvent) ContentMap() map[string]any {
	m, _ := e.Parsed["content"].(map[string]any)
	return m
}

func (e WSEvent) MetaString(key string) string {
	md, _ := e.Parsed["metadata"].(map[string]any)
	s, _ := md[key].(string)
	return s
}

func (e WSEvent) MetaInt(key string) int64 {
	md, _ := e.Parsed["metadata"].(map[string]any)
	if v, ok := md[key].(float64); ok {
		return int64(v)
	}
	return 0
}

func (e WSEvent) MetaBool(key string) bool {
	md, _ := e.Parsed["metadata"].(map[string]any)
	b, _ := md[key].(bool)
	return b
}

func (e WSEvent) str(key string) string {
	s, _ := e.Parsed[key].(string)
	return s
}

// WSClient is a test WebSocket client that records every received event.
type WSClient struct {
	t    *testing.T
	conn *websocket.Conn

	mu     sync.Mutex
	events []WSEvent
	closed bool
}

// WSConnect dials the server's WebSocket endpoint and starts collecting
// events.
func WSConnect(t *testing.T, url string) *WSClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err, "websocket dial %s", url)
	conn.SetReadLimit(1 << 22)

	c := &WSClient{t: t, conn: conn}
	go c.readLoop()
	t.Cleanup(c.Close)
	return c
}

func (c *WSClient) readLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return
		}
		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue
		}
		event, _ := parsed["event"].(string)
		c.mu.Lock()
		c.events = append(c.events, WSEvent{
			Type:     event,
			Raw:      data,
			Parsed:   parsed,
			Received: time.Now(),
		})
		c.mu.Unlock()
	}
}

// Send marshals and writes one frame.
func (c *WSClient) Send(frame map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))
}

// SendRaw writes an arbitrary payload, used for bad-frame tests.
func (c *WSClient) SendRaw(data []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))
}

// Events returns a snapshot of everything received so far.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WSEvent, len(c.events))
	copy(out, c.events)
	return out
}

// EventsByType filters the received events.
func (c *WSClient) EventsByType(event string) []WSEvent {
	var out []WSEvent
	for _, e := range c.Events() {
		if e.Type == event {
			out = append(out, e)
		}
	}
	return out
}

// WaitForEvent blocks until the first event of the given type arrives.
func (c *WSClient) WaitForEvent(event string) WSEvent {
	c.t.Helper()
	return c.WaitFor(event, nil)
}

// WaitFor blocks until an event of the given type matching the
// predicate arrives. A nil predicate matches any; an empty event type
// matches every type.
func (c *WSClient) WaitFor(event string, match func(WSEvent) bool) WSEvent {
	c.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		candidates := c.Events()
		if event != "" {
			candidates = c.EventsByType(event)
		}
		for _, e := range candidates {
			if match == nil || match(e) {
				return e
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	c.t.Fatalf("timed out waiting for event %s (received %v)", event, c.typeSummary())
	return WSEvent{}
}

// WaitForN blocks until at least n events of the type arrived.
func (c *WSClient) WaitForN(event string, n int) []WSEvent {
	c.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.EventsByType(event); len(evs) >= n {
			return evs
		}
		time.Sleep(25 * time.Millisecond)
	}
	c.t.Fatalf("timed out waiting for %d × %s (received %v)", n, event, c.typeSummary())
	return nil
}

func (c *WSClient) typeSummary() map[string]int {
	summary := make(map[string]int)
	for _, e := range c.Events() {
		summary[e.Type]++
	}
	return summary
}

// Close tears the client connection down.
func (c *WSClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.conn.Close(websocket.StatusNormalClosure, "test done")
}
