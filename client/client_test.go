package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/chatgate"
	"github.com/luciancaetano/chatgate/internal/handshake"
	"github.com/luciancaetano/chatgate/internal/protocol"
)

// fakeGateway upgrades one connection, records the request headers after
// extracting smuggled ones and hands the server side of the socket to serve.
func fakeGateway(t *testing.T, serve func(*websocket.Conn)) (string, <-chan http.Header) {
	t.Helper()
	headers := make(chan http.Header, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := handshake.Extract(r, handshake.Options{})
		headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, handshake.ResponseHeader(res))
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http"), headers
}

func write(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestDialSmugglesMetadata(t *testing.T) {
	tests := []struct {
		name       string
		useHeaders bool
	}{
		{"sub-protocol", false},
		{"real headers", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, headers := fakeGateway(t, func(conn *websocket.Conn) {
				_, _, _ = conn.ReadMessage()
			})

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			conn, _, err := Dial(ctx, url, Options{
				Token:      "tok",
				SessionID:  "abc",
				Intents:    chatgate.IntentRooms | chatgate.IntentModeration,
				Presence:   chatgate.PresenceBusy,
				Headers:    map[string]string{"X-Client": "test"},
				UseHeaders: tt.useHeaders,
			})
			require.NoError(t, err)
			defer conn.Close()

			h := <-headers
			assert.Equal(t, "Bearer tok", h.Get(chatgate.HeaderAuthorization))
			assert.Equal(t, "abc", h.Get(chatgate.HeaderSessionID))
			assert.Equal(t, "10", h.Get(chatgate.HeaderIntents))
			assert.Equal(t, "busy", h.Get(chatgate.HeaderPresence))
			assert.Equal(t, "test", h.Get("X-Client"))
			assert.Empty(t, h.Get("Sec-Websocket-Protocol"), "marker is consumed")
			assert.Equal(t, "abc", conn.SessionID())
		})
	}
}

func TestHelloSkipsEarlierDispatches(t *testing.T) {
	url, _ := fakeGateway(t, func(conn *websocket.Conn) {
		env, _ := protocol.NewDispatch(chatgate.EventRoomCreated, map[string]string{"id": "r1"})
		write(t, conn, env)
		hello, _ := protocol.NewHello(chatgate.Hello{SessionID: "s1", UserID: "u1", HeartbeatInterval: 54000})
		write(t, conn, hello)
		env, _ = protocol.NewDispatch(chatgate.EventRoomRemoved, map[string]string{"id": "r1"})
		write(t, conn, env)
		_, _, _ = conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := Dial(ctx, url, Options{UserID: "u1"})
	require.NoError(t, err)
	defer conn.Close()

	hello, err := conn.Hello(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", hello.SessionID)
	assert.EqualValues(t, 54000, hello.HeartbeatInterval)
	assert.Equal(t, "s1", conn.SessionID())

	env, err := conn.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, chatgate.EventRoomRemoved, env.Event)
}

func TestSendActions(t *testing.T) {
	got := make(chan protocol.Envelope, 3)
	url, _ := fakeGateway(t, func(conn *websocket.Conn) {
		for i := 0; i < 3; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				return
			}
			got <- env
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := Dial(ctx, url, Options{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.UpdatePresence(chatgate.PresenceAway))
	require.NoError(t, conn.Typing(true, "R"))
	require.NoError(t, conn.Typing(false, ""))

	want := []struct {
		event string
		data  string
	}{
		{chatgate.ActionUpdatePresence, `{"presence":"away"}`},
		{chatgate.ActionStartTyping, `{"room_id":"R"}`},
		{chatgate.ActionStopTyping, `{}`},
	}
	for _, w := range want {
		select {
		case env := <-got:
			assert.Equal(t, protocol.Dispatch, env.Operation)
			assert.Equal(t, w.event, env.Event)
			assert.JSONEq(t, w.data, string(env.Data))
		case <-time.After(2 * time.Second):
			t.Fatalf("%s not received", w.event)
		}
	}
}

func TestReadReportsCloseCode(t *testing.T) {
	url, _ := fakeGateway(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(chatgate.CloseBanned, chatgate.ErrBanned)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := Dial(ctx, url, Options{})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ReadEnvelope(ctx)
	require.ErrorIs(t, err, ErrClosed)
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, chatgate.CloseBanned, ce.Code)
	assert.Equal(t, chatgate.ErrBanned, ce.Text)
}

func TestDialFailureReturnsResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, chatgate.ErrUnauthorized, http.StatusUnauthorized)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), Options{UserID: "u1"})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
