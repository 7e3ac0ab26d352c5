package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/chatgate"
	"github.com/luciancaetano/chatgate/client"
	"github.com/luciancaetano/chatgate/internal/auth"
	"github.com/luciancaetano/chatgate/internal/store"
	"github.com/luciancaetano/chatgate/ws"
)

type harness struct {
	gw    *ws.Gateway
	store *store.Memory
	url   string
	http  *httptest.Server
}

func newHarness(t *testing.T, users ...store.User) *harness {
	t.Helper()
	mem := store.NewMemory()
	for _, u := range users {
		mem.Put(u)
	}

	opts := ws.DefaultOptions()
	opts.Store = mem
	opts.Admission = ws.NoRateLimit()
	opts.CheckOrigin = ws.AllOrigins()
	opts.EventIngress = true
	opts.EventsToken = "secret"
	opts.Registerer = prometheus.NewRegistry()
	gw, err := ws.New(opts)
	require.NoError(t, err)

	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Stop(ctx)
		ts.Close()
	})
	return &harness{
		gw:    gw,
		store: mem,
		url:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/gateway",
		http:  ts,
	}
}

func (h *harness) connect(t *testing.T, opts client.Options) (*client.Conn, chatgate.Hello) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := client.Dial(ctx, h.url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	hello, err := conn.Hello(ctx)
	require.NoError(t, err)
	return conn, hello
}

// expect reads dispatches until one named event whose data satisfies match
// arrives.
func expect(t *testing.T, conn *client.Conn, event string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		env, err := conn.Next(ctx)
		require.NoError(t, err, "waiting for %s", event)
		if env.Event != event {
			continue
		}
		var data map[string]any
		require.NoError(t, json.Unmarshal(env.Data, &data))
		if match == nil || match(data) {
			return data
		}
	}
}

// expectNothing fails if any dispatch arrives within d. The connection is
// unusable afterwards.
func expectNothing(t *testing.T, conn *client.Conn, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	env, err := conn.Next(ctx)
	require.Error(t, err, "unexpected %s", env.Event)
}

func userIs(id string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["user_id"] == id }
}

func TestHello(t *testing.T) {
	h := newHarness(t, store.User{ID: "alice", Name: "Alice", RoomID: "general", Permissions: chatgate.PermissionManageRooms})

	_, hello := h.connect(t, client.Options{
		UserID:   "alice",
		Intents:  chatgate.IntentMessages | chatgate.IntentRooms,
		Presence: chatgate.PresenceAway,
	})

	assert.Len(t, hello.SessionID, 32)
	assert.Equal(t, "alice", hello.UserID)
	assert.Equal(t, "Alice", hello.Name)
	assert.Equal(t, "general", hello.RoomID)
	assert.Equal(t, chatgate.PermissionManageRooms, hello.Permissions)
	assert.Equal(t, chatgate.PresenceAway, hello.Presence)
	assert.Equal(t, chatgate.IntentMessages|chatgate.IntentRooms, hello.Intents)
	assert.Positive(t, hello.HeartbeatInterval)
	assert.Equal(t, 1, h.gw.Sessions())
}

func TestHelloWithRealHeaders(t *testing.T) {
	h := newHarness(t)
	conn, hello := h.connect(t, client.Options{UserID: "bob", UseHeaders: true})
	assert.Equal(t, "bob", hello.UserID)
	assert.Equal(t, chatgate.PresenceOnline, hello.Presence)
	assert.Equal(t, hello.SessionID, conn.SessionID())
}

func TestMessageFanOut(t *testing.T) {
	h := newHarness(t,
		store.User{ID: "a", RoomID: "R"},
		store.User{ID: "b", RoomID: "R2"},
		store.User{ID: "c", RoomID: "R"},
	)
	a, _ := h.connect(t, client.Options{UserID: "a", Intents: chatgate.IntentMessages})
	b, _ := h.connect(t, client.Options{UserID: "b", Intents: chatgate.IntentMessages})
	c, _ := h.connect(t, client.Options{UserID: "c"})

	require.NoError(t, h.gw.Publish(context.Background(), chatgate.Event{
		Type: chatgate.EventMessageCreated,
		Data: json.RawMessage(`{"id":"m1","room_id":"R","content":"hello"}`),
	}))

	got := expect(t, a, chatgate.EventMessageCreated, nil)
	assert.Equal(t, "hello", got["content"])
	expectNothing(t, b, 200*time.Millisecond)
	expectNothing(t, c, 200*time.Millisecond)
}

func TestPresenceLifecycle(t *testing.T) {
	h := newHarness(t)
	watcher, _ := h.connect(t, client.Options{UserID: "watcher", Intents: chatgate.IntentUsers})

	dave, _ := h.connect(t, client.Options{UserID: "dave"})
	got := expect(t, watcher, chatgate.EventPresenceUpdated, userIs("dave"))
	assert.Equal(t, "online", got["presence"])

	require.NoError(t, dave.UpdatePresence(chatgate.PresenceBusy))
	got = expect(t, watcher, chatgate.EventPresenceUpdated, userIs("dave"))
	assert.Equal(t, "busy", got["presence"])

	u, err := h.store.User(context.Background(), "dave")
	require.NoError(t, err)
	assert.Equal(t, chatgate.PresenceBusy, u.Presence)

	require.NoError(t, dave.Close())
	got = expect(t, watcher, chatgate.EventPresenceUpdated, userIs("dave"))
	assert.Equal(t, "offline", got["presence"])
}

func TestSecondSessionKeepsPresence(t *testing.T) {
	h := newHarness(t)
	first, _ := h.connect(t, client.Options{UserID: "erin"})
	_, hello := h.connect(t, client.Options{UserID: "erin", Presence: chatgate.PresenceAway})
	assert.Equal(t, chatgate.PresenceOnline, hello.Presence, "only the first session sets presence")

	require.NoError(t, first.Close())
	time.Sleep(100 * time.Millisecond)
	u, err := h.store.User(context.Background(), "erin")
	require.NoError(t, err)
	assert.Equal(t, chatgate.PresenceOnline, u.Presence)
}

func TestTypingUsesViewerRoom(t *testing.T) {
	h := newHarness(t,
		store.User{ID: "typer", RoomID: "R"},
		store.User{ID: "peer", RoomID: "R"},
	)
	typer, _ := h.connect(t, client.Options{UserID: "typer", Intents: chatgate.IntentMessages})
	peer, _ := h.connect(t, client.Options{UserID: "peer", Intents: chatgate.IntentMessages})

	require.NoError(t, typer.Typing(true, ""))
	got := expect(t, peer, chatgate.EventTypingStarted, userIs("typer"))
	assert.Equal(t, "R", got["room_id"])

	require.NoError(t, typer.Typing(false, "R"))
	expect(t, peer, chatgate.EventTypingStopped, userIs("typer"))
	expectNothing(t, typer, 200*time.Millisecond)
}

func TestBanClosesSessions(t *testing.T) {
	h := newHarness(t)
	mod, _ := h.connect(t, client.Options{UserID: "mod", Intents: chatgate.IntentModeration})
	bad, _ := h.connect(t, client.Options{UserID: "bad"})

	require.NoError(t, h.gw.Publish(context.Background(), chatgate.Event{
		Type: chatgate.EventBanCreated,
		Data: json.RawMessage(`{"user_id":"bad"}`),
	}))
	expect(t, mod, chatgate.EventBanCreated, userIs("bad"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := bad.Next(ctx)
	require.ErrorIs(t, err, client.ErrClosed)
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, chatgate.CloseBanned, ce.Code)
}

func TestResumeDeliversMissedEvents(t *testing.T) {
	h := newHarness(t)
	conn, hello := h.connect(t, client.Options{UserID: "frank", Intents: chatgate.IntentRooms})
	require.NoError(t, conn.Close())
	// Offline is written once both loops of the session have ended.
	require.Eventually(t, func() bool {
		u, err := h.store.User(context.Background(), "frank")
		return err == nil && u.Presence == chatgate.PresenceOffline
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, h.gw.Publish(context.Background(), chatgate.Event{
		Type: chatgate.EventRoomCreated,
		Data: json.RawMessage(`{"id":"r9"}`),
	}))

	var resumed *client.Conn
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c, _, err := client.Dial(ctx, h.url, client.Options{UserID: "frank", SessionID: hello.SessionID})
		if err != nil {
			return false
		}
		resumed = c
		return true
	}, 3*time.Second, 20*time.Millisecond, "session stays resumable")
	t.Cleanup(func() { _ = resumed.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env, err := resumed.ReadEnvelope(ctx)
	require.NoError(t, err)
	assert.Equal(t, chatgate.EventRoomCreated, env.Event, "no second hello")
	assert.Equal(t, hello.SessionID, resumed.SessionID())
	assert.Equal(t, 1, h.gw.Sessions())
}

func TestResumeByOtherUserIsRejected(t *testing.T) {
	h := newHarness(t)
	conn, hello := h.connect(t, client.Options{UserID: "gina"})
	require.NoError(t, conn.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, resp, err := client.Dial(ctx, h.url, client.Options{UserID: "mallory", SessionID: hello.SessionID})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEventIngress(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t, client.Options{UserID: "hank", Intents: chatgate.IntentRooms})

	req, err := http.NewRequest(http.MethodPost, h.http.URL+"/internal/events",
		strings.NewReader(`{"type":"ROOM_UPDATED","data":{"id":"r1","name":"lobby"}}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	got := expect(t, conn, chatgate.EventRoomUpdated, nil)
	assert.Equal(t, "lobby", got["name"])
}

func TestPublishRejectsUnknownEvents(t *testing.T) {
	h := newHarness(t)
	err := h.gw.Publish(context.Background(), chatgate.Event{Type: "SOMETHING_ELSE"})
	assert.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.connect(t, client.Options{UserID: "ivy"})

	resp, err := http.Get(h.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(strings.Builder)
	_, _ = io.Copy(buf, resp.Body)
	assert.Contains(t, buf.String(), "chatgate_sessions_running 1")
}

func TestJWTAuthenticator(t *testing.T) {
	secret := []byte("s3cret")
	token, err := auth.JWT{Secret: secret}.Issue("jay", time.Minute)
	require.NoError(t, err)

	a := ws.JWTAuthenticator(secret, time.Second)
	r := httptest.NewRequest(http.MethodGet, "/gateway", nil)
	r.Header.Set(chatgate.HeaderAuthorization, "Bearer "+token)
	id, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "jay", id)

	r.Header.Set(chatgate.HeaderAuthorization, "Bearer "+token+"x")
	_, err = a.Authenticate(r)
	assert.Error(t, err)
}
