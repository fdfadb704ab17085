package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/tether/internal/events"
)

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func write(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
}

func invocations(t *testing.T, msg Message) []Invocation {
	t.Helper()
	require.Equal(t, MessageTypeInvocation, msg.Type)
	var invs []Invocation
	require.NoError(t, json.Unmarshal(msg.Properties, &invs))
	return invs
}

func TestObserversReplayHistoryOnConnect(t *testing.T) {
	obs := NewObservers(DevProperties{App: "app", Stage: "dev", Region: "us-east-1"}, 25, nil)
	defer obs.Stop()

	obs.Add(Invocation{ID: "r1", Source: "api", Start: 1})
	obs.Add(Invocation{ID: "r2", Source: "worker", Start: 2})

	srv := httptest.NewServer(obs)
	defer srv.Close()
	conn := dial(t, srv, nil)

	hello := read(t, conn)
	require.Equal(t, MessageTypeCLIDev, hello.Type)
	var dev DevProperties
	require.NoError(t, json.Unmarshal(hello.Properties, &dev))
	assert.Equal(t, DevProperties{App: "app", Stage: "dev", Region: "us-east-1"}, dev)

	first := invocations(t, read(t, conn))
	second := invocations(t, read(t, conn))
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, "r1", first[0].ID)
	assert.Equal(t, "r2", second[0].ID)
	assert.NotNil(t, first[0].Logs)
	assert.NotNil(t, first[0].Errors)

	// Registration happens before the replay is flushed, so live updates
	// follow the history.
	require.True(t, obs.Update("r1", func(inv *Invocation) {
		inv.Logs = append(inv.Logs, LogLine{ID: "l1", Timestamp: 3, Message: "hello"})
	}))

	live := invocations(t, read(t, conn))
	require.Len(t, live, 1)
	assert.Equal(t, "r1", live[0].ID)
	require.Len(t, live[0].Logs, 1)
	assert.Equal(t, "hello", live[0].Logs[0].Message)
}

func TestObserversUpdate(t *testing.T) {
	obs := NewObservers(DevProperties{}, 25, nil)
	defer obs.Stop()

	assert.False(t, obs.Update("missing", func(*Invocation) {}))

	obs.Add(Invocation{ID: "r1", Source: "api", Start: 10})
	require.True(t, obs.Update("r1", func(inv *Invocation) {
		inv.Output = json.RawMessage(`{"ok":true}`)
		inv.Finish(25)
	}))

	assert.False(t, obs.Update("r1", func(inv *Invocation) { inv.Output = nil }), "finished invocations are immutable")

	got := obs.Invocations()
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"ok":true}`, string(got[0].Output))
	require.NotNil(t, got[0].Report)
	assert.Equal(t, int64(15), got[0].Report.Duration)
}

func TestObserversAddReplacesAndTrims(t *testing.T) {
	obs := NewObservers(DevProperties{}, 3, nil)
	defer obs.Stop()

	for _, id := range []string{"a", "b", "c", "d"} {
		obs.Add(Invocation{ID: id, Source: "api"})
	}
	obs.Add(Invocation{ID: "c", Source: "api", Start: 99})

	got := obs.Invocations()
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
	assert.Equal(t, int64(99), got[1].Start)
	assert.Equal(t, "d", got[2].ID)
}

func TestObserversClear(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   []string
	}{
		{name: "single source", source: "api", want: []string{"w1"}},
		{name: "unknown source", source: "other", want: []string{"a1", "w1", "a2"}},
		{name: "all", source: ClearAll, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := NewObservers(DevProperties{}, 25, nil)
			defer obs.Stop()

			obs.Add(Invocation{ID: "a1", Source: "api"})
			obs.Add(Invocation{ID: "w1", Source: "worker"})
			obs.Add(Invocation{ID: "a2", Source: "api"})

			obs.Clear(tt.source)

			var ids []string
			for _, inv := range obs.Invocations() {
				ids = append(ids, inv.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestObserversLogClearedFromClient(t *testing.T) {
	obs := NewObservers(DevProperties{}, 25, nil)
	defer obs.Stop()

	obs.Add(Invocation{ID: "a1", Source: "api"})
	obs.Add(Invocation{ID: "w1", Source: "worker"})

	srv := httptest.NewServer(obs)
	defer srv.Close()
	conn := dial(t, srv, nil)

	read(t, conn)
	read(t, conn)
	read(t, conn)

	msg, err := NewMessage(MessageTypeLogCleared, LogClearedProperties{Source: "api"})
	require.NoError(t, err)
	write(t, conn, msg)

	require.Eventually(t, func() bool { return len(obs.Invocations()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "w1", obs.Invocations()[0].ID)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := NewHub(HubConfig{Kind: "test", AllowedOrigins: []string{"localhost:3000", "*.example.com"}})
	defer hub.Stop()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.test")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, hub.Count())
}

func TestHubOriginAllowList(t *testing.T) {
	hub := NewHub(HubConfig{AllowedOrigins: []string{"localhost:3000", "*.example.com"}})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://LOCALHOST:3000", true},
		{"https://console.example.com", true},
		{"http://localhost:3001", false},
		{"http://example.com", false},
		{"not a url", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, hub.originAllowed(tt.origin, "127.0.0.1:13557"))
		})
	}
}

func TestHubDefaultOrigins(t *testing.T) {
	hub := NewHub(HubConfig{})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:8080", true},
		{"http://[::1]:3000", true},
		{"http://dev.internal:13557", true},
		{"https://evil.example", false},
		{"http://localhost.evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, hub.originAllowed(tt.origin, "dev.internal:13557"))
		})
	}
}

func TestHubBroadcastAndStop(t *testing.T) {
	hub := NewHub(HubConfig{Kind: "test"})

	srv := httptest.NewServer(hub)
	defer srv.Close()

	a := dial(t, srv, nil)
	b := dial(t, srv, nil)
	require.Eventually(t, func() bool { return hub.Count() == 2 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(Message{Type: "ping"})
	assert.Equal(t, "ping", read(t, a).Type)
	assert.Equal(t, "ping", read(t, b).Type)

	hub.Stop()
	assert.Zero(t, hub.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := a.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

type fakeSource struct {
	mu  sync.Mutex
	doc []byte
}

func (f *fakeSource) Observe(fn func(doc []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.doc)
}

func TestStateStreamSnapshotThenPatches(t *testing.T) {
	bus := events.NewBus()
	source := &fakeSource{doc: []byte(`{"app":"app","live":false}`)}
	stream := NewStateStream(bus, source, []string{"localhost:3000"})
	defer stream.Stop()

	srv := httptest.NewServer(stream)
	defer srv.Close()
	conn := dial(t, srv, http.Header{"Origin": {"http://localhost:3000"}})

	snap := read(t, conn)
	require.Equal(t, MessageTypeStateSnapshot, snap.Type)
	assert.JSONEq(t, `{"app":"app","live":false}`, string(snap.Properties))

	bus.Publish(events.TypeLocalPatches, events.PatchesProperties{
		{Op: "replace", Path: "/live", Value: json.RawMessage("true")},
	})

	msg := read(t, conn)
	require.Equal(t, MessageTypeStatePatches, msg.Type)
	var ops []events.PatchOperation
	require.NoError(t, json.Unmarshal(msg.Properties, &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "/live", ops[0].Path)
}
