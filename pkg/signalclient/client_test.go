package signalclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbound struct {
	ID    *uint64         `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// fakeGateway answers "echo" with its data, "fail" with an error, pushes a
// "tick" event on "notify" and drops the connection on "hangup".
func fakeGateway(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req inbound
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Event {
			case "echo":
				conn.WriteJSON(map[string]interface{}{"id": *req.ID, "ok": true, "data": req.Data})
			case "fail":
				conn.WriteJSON(map[string]interface{}{
					"id":    *req.ID,
					"ok":    false,
					"error": map[string]string{"code": "NOT_FOUND", "message": "transport not found"},
				})
			case "notify":
				conn.WriteJSON(map[string]interface{}{"event": "tick", "data": map[string]int{"n": 1}})
			case "hangup":
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_RequestResolves(t *testing.T) {
	c := dial(t, fakeGateway(t))

	var out map[string]string
	require.NoError(t, c.Request(context.Background(), "echo", map[string]string{"streamId": "s1"}, &out))
	assert.Equal(t, "s1", out["streamId"])
}

func TestClient_RequestError(t *testing.T) {
	c := dial(t, fakeGateway(t))

	err := c.Request(context.Background(), "fail", map[string]string{}, nil)
	require.Error(t, err)
	assert.Equal(t, "NOT_FOUND", Code(err))
	assert.Contains(t, err.Error(), "transport not found")
}

func TestClient_PushEvents(t *testing.T) {
	c := dial(t, fakeGateway(t))

	require.NoError(t, c.Notify("notify", nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evt, err := c.WaitEvent(ctx, "tick")
	require.NoError(t, err)

	var body map[string]int
	require.NoError(t, evt.Decode(&body))
	assert.Equal(t, 1, body["n"])
}

func TestClient_DropRejectsOutstanding(t *testing.T) {
	c := dial(t, fakeGateway(t))

	// The gateway never answers "hangup"; the request fails when the
	// connection goes away.
	err := c.Request(context.Background(), "hangup", nil, nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the drop")
	}
	assert.ErrorIs(t, c.Request(context.Background(), "echo", nil, nil), ErrConnectionClosed)

	_, err = c.WaitEvent(context.Background(), "tick")
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClient_ContextCancel(t *testing.T) {
	c := dial(t, fakeGateway(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Request(ctx, "silence", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCode_NonGatewayError(t *testing.T) {
	assert.Equal(t, "", Code(ErrConnectionClosed))
}
