package gameclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banankicks/donutbets-render/internal/logging"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 10 * time.Second
	queryTimeout = 10 * time.Second
)

// WSDialer opens sessions against the companion gateway over websocket.
type WSDialer struct{}

// Dial connects, sends the login frame and hands back a live client. World
// join is reported later through the event stream, not by Dial.
func (WSDialer) Dial(ctx context.Context, opts Options) (Client, error) {
	url := fmt.Sprintf("ws://%s:%d/session", opts.Host, opts.Port)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)

	c := &wsClient{
		conn:    conn,
		events:  make(chan Event, 64),
		pending: make(map[uint32]chan queryReply),
		log:     logging.ForComponent(logging.CompGame),
	}

	if err := c.writeJSON(loginFrame{
		Op:       "login",
		Username: opts.Credentials.Username,
		Account:  string(opts.Credentials.Kind),
		Password: opts.Credentials.Password,
		Token:    opts.Credentials.Token,
		Version:  opts.Version,
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send login: %w", err)
	}

	c.startPing()
	go c.readLoop()
	return c, nil
}

type wsClient struct {
	conn *websocket.Conn
	log  *slog.Logger

	events chan Event

	wmu sync.Mutex // serializes websocket writes

	seq     uint32
	mu      sync.Mutex // guards pending
	pending map[uint32]chan queryReply

	closed   atomic.Bool
	pingStop chan struct{}
	endOnce  sync.Once
}

type loginFrame struct {
	Op       string `json:"op"`
	Username string `json:"username"`
	Account  string `json:"account"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	Version  string `json:"version"`
}

type actionFrame struct {
	Op   string  `json:"op"`
	Seq  uint32  `json:"seq,omitempty"`
	Text string  `json:"text,omitempty"`
	What string  `json:"what,omitempty"`
	X    float64 `json:"x,omitempty"`
	Y    float64 `json:"y,omitempty"`
	Z    float64 `json:"z,omitempty"`
}

// gatewayFrame is every inbound message shape folded into one struct; the
// gateway tags events with "event" and query replies with "seq".
type gatewayFrame struct {
	Event  string    `json:"event,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Player string    `json:"player,omitempty"`
	Text   string    `json:"text,omitempty"`
	Seq    uint32    `json:"seq,omitempty"`
	OK     bool      `json:"ok,omitempty"`
	Error  string    `json:"error,omitempty"`
	Pos    *Position `json:"position,omitempty"`
	Vit    *Vitals   `json:"vitals,omitempty"`
}

type queryReply struct {
	frame gatewayFrame
	err   error
}

func (c *wsClient) Events() <-chan Event { return c.events }

func (c *wsClient) Chat(text string) error {
	return c.writeJSON(actionFrame{Op: "chat", Text: text})
}

func (c *wsClient) MoveTo(p Position) error {
	return c.writeJSON(actionFrame{Op: "move", X: p.X, Y: p.Y, Z: p.Z})
}

func (c *wsClient) LookAt(p Position) error {
	return c.writeJSON(actionFrame{Op: "look", X: p.X, Y: p.Y, Z: p.Z})
}

func (c *wsClient) ReadPosition(ctx context.Context) (Position, error) {
	frame, err := c.query(ctx, "position")
	if err != nil {
		return Position{}, err
	}
	if frame.Pos == nil {
		return Position{}, fmt.Errorf("gateway reply missing position")
	}
	return *frame.Pos, nil
}

func (c *wsClient) ReadVitals(ctx context.Context) (Vitals, error) {
	frame, err := c.query(ctx, "vitals")
	if err != nil {
		return Vitals{}, err
	}
	if frame.Vit == nil {
		return Vitals{}, fmt.Errorf("gateway reply missing vitals")
	}
	return *frame.Vit, nil
}

func (c *wsClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.stopPing()
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
		time.Now().Add(500*time.Millisecond))
	c.wmu.Unlock()
	return c.conn.Close()
}

// query sends a seq-tagged request and waits for the matching reply.
func (c *wsClient) query(ctx context.Context, what string) (gatewayFrame, error) {
	if c.closed.Load() {
		return gatewayFrame{}, ErrNotConnected
	}
	seq := atomic.AddUint32(&c.seq, 1)
	ch := make(chan queryReply, 1)

	c.mu.Lock()
	c.pending[seq] = ch
	c.mu.Unlock()

	if err := c.writeJSON(actionFrame{Op: "query", Seq: seq, What: what}); err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return gatewayFrame{}, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return gatewayFrame{}, r.err
		}
		if !r.frame.OK {
			return gatewayFrame{}, fmt.Errorf("gateway query %s: %s", what, r.frame.Error)
		}
		return r.frame, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return gatewayFrame{}, ctx.Err()
	case <-time.After(queryTimeout):
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return gatewayFrame{}, fmt.Errorf("gateway query %s: timeout", what)
	}
}

func (c *wsClient) writeJSON(v any) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) readLoop() {
	endReason := "transport_ended"
	endDetail := ""

	defer func() {
		c.closed.Store(true)
		c.stopPing()
		_ = c.conn.Close()
		c.failPending(fmt.Errorf("connection lost"))
		c.end(endReason, endDetail)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				endDetail = err.Error()
			}
			return
		}

		var frame gatewayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn("bad gateway frame", "err", err)
			continue
		}

		// Seq-tagged query replies never hit the event stream.
		if frame.Seq != 0 {
			c.mu.Lock()
			ch, ok := c.pending[frame.Seq]
			if ok {
				delete(c.pending, frame.Seq)
			}
			c.mu.Unlock()
			if ok {
				ch <- queryReply{frame: frame}
			}
			continue
		}

		switch frame.Event {
		case "spawn":
			c.emit(Event{Kind: EventSpawned})
		case "chat":
			c.emit(Event{Kind: EventChatLine, Player: frame.Player, Text: frame.Text})
		case "player_joined":
			c.emit(Event{Kind: EventPresence, Player: frame.Player, Joined: true})
		case "player_left":
			c.emit(Event{Kind: EventPresence, Player: frame.Player, Joined: false})
		case "kicked":
			endReason, endDetail = "kicked", frame.Reason
			return
		case "auth_failed":
			endReason, endDetail = "auth_rejected", frame.Reason
			return
		case "end":
			return
		default:
			c.log.Debug("unhandled gateway event", "event", frame.Event)
		}
	}
}

// end emits the terminal disconnect event exactly once and closes the
// stream. The terminal event must never be lost to a full buffer; the
// readLoop has exited by now, so dropping buffered entries to make room is
// safe.
func (c *wsClient) end(reason, detail string) {
	c.endOnce.Do(func() {
		ev := Event{Kind: EventDisconnected, Reason: reason, Detail: detail}
		for {
			select {
			case c.events <- ev:
				close(c.events)
				return
			default:
				select {
				case <-c.events:
				default:
				}
			}
		}
	})
}

func (c *wsClient) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event stream full, dropping", "kind", ev.Kind)
	}
}

func (c *wsClient) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for seq, ch := range c.pending {
		ch <- queryReply{err: err}
		delete(c.pending, seq)
	}
}

func (c *wsClient) startPing() {
	stop := make(chan struct{})
	c.mu.Lock()
	c.pingStop = stop
	c.mu.Unlock()
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.wmu.Lock()
				_ = c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout))
				c.wmu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (c *wsClient) stopPing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
}
