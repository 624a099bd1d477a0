package gameclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/banankicks/donutbets-render/internal/auth"
)

var testUpgrader = websocket.Upgrader{}

// gatewayServer runs a scripted fake gateway. The session callback receives
// the upgraded connection after the login frame was consumed.
func gatewayServer(t *testing.T, session func(conn *websocket.Conn, login loginFrame)) Options {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session" {
			http.NotFound(w, r)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var login loginFrame
		if err := conn.ReadJSON(&login); err != nil {
			t.Errorf("read login: %v", err)
			return
		}
		session(conn, login)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return Options{
		Host:    host,
		Port:    port,
		Version: "1.20.1",
		Credentials: auth.Credentials{
			Kind:     auth.AccountMojang,
			Username: "BotOne",
			Password: "hunter2",
		},
	}
}

func nextEvent(t *testing.T, c Client) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event from gateway")
		return Event{}
	}
}

// holdOpen keeps the server side alive until the client hangs up.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestDialSendsLoginAndStreamsEvents(t *testing.T) {
	logins := make(chan loginFrame, 1)
	opts := gatewayServer(t, func(conn *websocket.Conn, login loginFrame) {
		logins <- login
		_ = conn.WriteJSON(map[string]any{"event": "spawn"})
		_ = conn.WriteJSON(map[string]any{"event": "chat", "player": "Steve", "text": "hello"})
		_ = conn.WriteJSON(map[string]any{"event": "player_joined", "player": "Alex"})
		holdOpen(conn)
	})

	client, err := WSDialer{}.Dial(context.Background(), opts)
	require.NoError(t, err)
	defer client.Close()

	login := <-logins
	require.Equal(t, "login", login.Op)
	require.Equal(t, "BotOne", login.Username)
	require.Equal(t, "mojang", login.Account)
	require.Equal(t, "1.20.1", login.Version)

	require.Equal(t, EventSpawned, nextEvent(t, client).Kind)

	chat := nextEvent(t, client)
	require.Equal(t, EventChatLine, chat.Kind)
	require.Equal(t, "Steve", chat.Player)
	require.Equal(t, "hello", chat.Text)

	joined := nextEvent(t, client)
	require.Equal(t, EventPresence, joined.Kind)
	require.Equal(t, "Alex", joined.Player)
	require.True(t, joined.Joined)
}

func TestChatReachesGateway(t *testing.T) {
	chats := make(chan actionFrame, 1)
	opts := gatewayServer(t, func(conn *websocket.Conn, _ loginFrame) {
		for {
			var frame actionFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Op == "chat" {
				chats <- frame
			}
		}
	})

	client, err := WSDialer{}.Dial(context.Background(), opts)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Chat("/msg DonutBets hi"))

	select {
	case frame := <-chats:
		require.Equal(t, "/msg DonutBets hi", frame.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("chat frame never arrived")
	}
}

func TestQueryPosition(t *testing.T) {
	opts := gatewayServer(t, func(conn *websocket.Conn, _ loginFrame) {
		for {
			var frame actionFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Op == "query" && frame.What == "position" {
				_ = conn.WriteJSON(map[string]any{
					"seq":      frame.Seq,
					"ok":       true,
					"position": Position{X: 10, Y: 64, Z: -5},
				})
			}
		}
	})

	client, err := WSDialer{}.Dial(context.Background(), opts)
	require.NoError(t, err)
	defer client.Close()

	pos, err := client.ReadPosition(context.Background())
	require.NoError(t, err)
	require.Equal(t, Position{X: 10, Y: 64, Z: -5}, pos)
}

func TestQueryErrorReply(t *testing.T) {
	opts := gatewayServer(t, func(conn *websocket.Conn, _ loginFrame) {
		for {
			var frame actionFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Op == "query" {
				_ = conn.WriteJSON(map[string]any{
					"seq":   frame.Seq,
					"ok":    false,
					"error": "bot not in world",
				})
			}
		}
	})

	client, err := WSDialer{}.Dial(context.Background(), opts)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.ReadVitals(context.Background())
	require.ErrorContains(t, err, "bot not in world")
}

func TestKickedEndsStream(t *testing.T) {
	opts := gatewayServer(t, func(conn *websocket.Conn, _ loginFrame) {
		_ = conn.WriteJSON(map[string]any{"event": "kicked", "reason": "You are banned"})
		holdOpen(conn)
	})

	client, err := WSDialer{}.Dial(context.Background(), opts)
	require.NoError(t, err)
	defer client.Close()

	ev := nextEvent(t, client)
	require.Equal(t, EventDisconnected, ev.Kind)
	require.Equal(t, "kicked", ev.Reason)
	require.Equal(t, "You are banned", ev.Detail)

	_, ok := <-client.Events()
	require.False(t, ok, "stream must close after the terminal event")
}

func TestAuthFailedEndsStream(t *testing.T) {
	opts := gatewayServer(t, func(conn *websocket.Conn, _ loginFrame) {
		_ = conn.WriteJSON(map[string]any{"event": "auth_failed", "reason": "invalid session"})
		holdOpen(conn)
	})

	client, err := WSDialer{}.Dial(context.Background(), opts)
	require.NoError(t, err)
	defer client.Close()

	ev := nextEvent(t, client)
	require.Equal(t, EventDisconnected, ev.Kind)
	require.Equal(t, "auth_rejected", ev.Reason)
}

func TestTerminalEventSurvivesFullBuffer(t *testing.T) {
	opts := gatewayServer(t, func(conn *websocket.Conn, _ loginFrame) {
		// Overflow the client's event buffer, then hang up without a
		// terminal frame.
		for i := 0; i < 100; i++ {
			_ = conn.WriteJSON(map[string]any{"event": "chat", "player": "Steve", "text": "spam"})
		}
		_ = conn.Close()
	})

	client, err := WSDialer{}.Dial(context.Background(), opts)
	require.NoError(t, err)
	defer client.Close()

	// Do not consume until the server side is gone and the buffer is full.
	time.Sleep(500 * time.Millisecond)

	sawTerminal := false
	for ev := range client.Events() {
		if ev.Kind == EventDisconnected {
			sawTerminal = true
		}
	}
	require.True(t, sawTerminal, "terminal event lost when the buffer was full")
}

func TestActionsAfterClose(t *testing.T) {
	opts := gatewayServer(t, func(conn *websocket.Conn, _ loginFrame) {
		holdOpen(conn)
	})

	client, err := WSDialer{}.Dial(context.Background(), opts)
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	require.ErrorIs(t, client.Chat("hi"), ErrNotConnected)
	_, err = client.ReadPosition(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestDialUnreachableGateway(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := WSDialer{}.Dial(ctx, Options{Host: "127.0.0.1", Port: 1})
	require.Error(t, err)
}
