package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/DoyleJ11/whiteboard-backend/internal/hub"
)

type client struct {
	t *testing.T
	c *websocket.Conn
}

func setupServer(t *testing.T) string {
	t.Helper()
	h := hub.NewHub(context.Background(), hub.Options{})
	srv := httptest.NewServer(Handler(h, Options{}))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return &client{t: t, c: c}
}

func (c *client) sendRaw(b string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(c.t, c.c.Write(ctx, websocket.MessageText, []byte(b)))
}

func (c *client) send(event string, data any) {
	c.t.Helper()
	b, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(c.t, err)
	c.sendRaw(string(b))
}

func (c *client) readRaw() []byte {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, b, err := c.c.Read(ctx)
	require.NoError(c.t, err)
	return b
}

func (c *client) expect(event string) json.RawMessage {
	c.t.Helper()
	var f struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	b := c.readRaw()
	require.NoError(c.t, json.Unmarshal(b, &f))
	require.Equal(c.t, event, f.Event, "frame: %s", b)
	return f.Data
}

func (c *client) expectError(msg string) {
	c.t.Helper()
	var n struct{ Message string }
	require.NoError(c.t, json.Unmarshal(c.expect("error"), &n))
	assert.Equal(c.t, msg, n.Message)
}

func TestSession_FullRoomFlow(t *testing.T) {
	url := setupServer(t)
	a, b := dial(t, url), dial(t, url)

	a.send("create-room", map[string]any{"roomId": "abc123", "displayName": "alice", "roomType": "public"})
	var created struct {
		RoomID     string `json:"roomId"`
		Permission string `json:"permission"`
	}
	require.NoError(t, json.Unmarshal(a.expect("room-created"), &created))
	assert.Equal(t, "ABC123", created.RoomID)
	assert.Equal(t, "edit", created.Permission)

	b.send("join-room", map[string]any{"roomId": "ABC123", "displayName": "bob"})
	b.expect("join-request-pending")
	var req struct {
		Request struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"request"`
	}
	require.NoError(t, json.Unmarshal(a.expect("join-request"), &req))
	assert.Equal(t, "bob", req.Request.DisplayName)

	a.send("respond-join-request", map[string]any{"requestId": req.Request.ID, "approved": true, "roomId": "ABC123"})
	b.expect("join-request-approved")
	b.expect("drawing")
	b.expect("chat-history")
	a.expect("join-request-responded")
	a.expect("user-joined")

	drawing := `{"event":"drawing","data":[ {"id":"r1","type":"rect","x":1.0,"y":2} ]}`
	a.sendRaw(drawing)
	assert.Equal(t, drawing, string(b.readRaw()))

	b.send("canvas-update", map[string]any{"canvasData": []any{}})
	a.expect("canvas-data")

	b.send("clear-canvas", map[string]any{})
	a.expect("clear-canvas")
	b.expect("clear-canvas")

	b.send("chat-message", map[string]any{"message": "hi", "displayName": "bob"})
	a.expect("chat-message")
	b.expect("chat-message")

	b.send("user-typing", map[string]any{"displayName": "bob", "isTyping": true})
	a.expect("user-typing")

	require.NoError(t, b.c.Close(websocket.StatusNormalClosure, ""))
	var left struct {
		Members []json.RawMessage `json:"members"`
	}
	require.NoError(t, json.Unmarshal(a.expect("user-left"), &left))
	assert.Len(t, left.Members, 1)
}

func TestSession_Errors(t *testing.T) {
	url := setupServer(t)
	a, b := dial(t, url), dial(t, url)

	a.sendRaw(`{not json`)
	a.expectError("bad json")

	a.send("teleport", nil)
	a.expectError("unknown event")

	a.send("create-room", map[string]any{"roomId": "abc", "displayName": "alice"})
	a.expectError("Invalid room ID")

	a.send("create-room", map[string]any{"roomId": "ABC123", "displayName": "  "})
	a.expectError("Invalid display name")

	// Unbound room events are dropped without a reply.
	a.sendRaw(`{"event":"drawing","data":[]}`)
	a.send("create-room", map[string]any{"roomId": "ABC123", "displayName": "alice"})
	a.expect("room-created")

	b.send("create-room", map[string]any{"roomId": "abc123", "displayName": "bob"})
	b.expectError("Room already exists")

	b.send("join-room", map[string]any{"roomId": "ZZZ999", "displayName": "bob"})
	b.expect("room-not-found")

	b.send("respond-join-request", map[string]any{"requestId": "x", "approved": true, "roomId": "ABC123"})
	b.expectError("Only the room creator can respond to join requests")

	a.send("respond-join-request", map[string]any{"requestId": "nope", "approved": true, "roomId": "ABC123"})
	a.expectError("Join request not found")
}

func TestSession_RejectedRequesterStaysUnbound(t *testing.T) {
	url := setupServer(t)
	a, b := dial(t, url), dial(t, url)

	a.send("create-room", map[string]any{"roomId": "REJ001", "displayName": "alice"})
	a.expect("room-created")

	b.send("join-room", map[string]any{"roomId": "rej001", "displayName": "bob"})
	b.expect("join-request-pending")
	var req struct {
		Request struct{ ID string } `json:"request"`
	}
	require.NoError(t, json.Unmarshal(a.expect("join-request"), &req))

	a.send("respond-join-request", map[string]any{"requestId": req.Request.ID, "approved": false})
	b.expect("join-request-rejected")
	a.expect("join-request-responded")

	b.send("chat-message", map[string]any{"message": "let me in"})
	a.send("chat-message", map[string]any{"message": "no"})
	var m struct{ Message string }
	require.NoError(t, json.Unmarshal(a.expect("chat-message"), &m))
	assert.Equal(t, "no", m.Message)
}

func TestOriginHosts(t *testing.T) {
	got := originHosts([]string{"http://localhost:5173", "*", "example.com"})
	assert.Equal(t, []string{"localhost:5173", "*", "example.com"}, got)
}

func TestSession_MembershipPayloadKeys(t *testing.T) {
	url := setupServer(t)
	a, b := dial(t, url), dial(t, url)

	keys := func(raw json.RawMessage) map[string]json.RawMessage {
		t.Helper()
		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	}

	a.send("create-room", map[string]any{"roomId": "KEYS01", "displayName": "alice", "roomType": "public"})
	created := keys(a.expect("room-created"))
	assert.Contains(t, created, "members")
	assert.NotContains(t, created, "users")
	assert.Contains(t, keys(created["room"]), "members")

	b.send("join-room", map[string]any{"roomId": "KEYS01", "displayName": "bob"})
	b.expect("join-request-pending")
	var req struct {
		Request struct{ ID string } `json:"request"`
	}
	require.NoError(t, json.Unmarshal(a.expect("join-request"), &req))

	a.send("respond-join-request", map[string]any{"requestId": req.Request.ID, "approved": true})
	assert.Contains(t, keys(b.expect("join-request-approved")), "members")
	b.expect("drawing")
	b.expect("chat-history")
	a.expect("join-request-responded")
	joined := keys(a.expect("user-joined"))
	assert.Contains(t, joined, "user")
	assert.Contains(t, joined, "members")

	require.NoError(t, b.c.Close(websocket.StatusNormalClosure, ""))
	left := keys(a.expect("user-left"))
	assert.Contains(t, left, "userId")
	assert.Contains(t, left, "members")
}
