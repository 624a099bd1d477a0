package bot

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/banankicks/donutbets-render/internal/auth"
	"github.com/banankicks/donutbets-render/internal/config"
	"github.com/banankicks/donutbets-render/internal/gameclient"
	"github.com/banankicks/donutbets-render/internal/logging"
)

// helloDelay and greetDelay pace chat so the bot doesn't talk before the
// server finishes the join sequence.
const (
	helloDelay = 2 * time.Second
	greetDelay = 1 * time.Second
)

// Driver wraps one gateway session for one bot: dial, bounded spawn wait,
// gated action methods and the event subscriber loop.
type Driver struct {
	name    string
	target  config.ServerTarget
	dialer  gameclient.Dialer
	opts    gameclient.Options
	timeout time.Duration
	interp  *Interpreter
	limiter *rate.Limiter
	log     *slog.Logger

	mu      sync.Mutex
	client  gameclient.Client
	spawned bool

	disc chan string // buffered 1; carries the disconnect description
}

// NewDriver prepares a driver; no connection is made until Dial.
func NewDriver(name string, target config.ServerTarget, dialer gameclient.Dialer, opts gameclient.Options, settings config.BotSettings, interp *Interpreter) *Driver {
	chatRate := settings.ChatRatePerSec
	if chatRate <= 0 {
		chatRate = 1
	}
	return &Driver{
		name:    name,
		target:  target,
		dialer:  dialer,
		opts:    opts,
		timeout: settings.ConnectTimeout(),
		interp:  interp,
		limiter: rate.NewLimiter(rate.Limit(chatRate), 3),
		log:     logging.ForComponent(logging.CompBot).With(slog.String("bot", name)),
		disc:    make(chan string, 1),
	}
}

// Dial opens the gateway connection and sends the login. World join is
// confirmed later by AwaitSpawn.
func (d *Driver) Dial(ctx context.Context) error {
	client, err := d.dialer.Dial(ctx, d.opts)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.client = client
	d.mu.Unlock()
	return nil
}

// AwaitSpawn blocks until the session reaches the world-joined state, the
// bounded wait expires, or the gateway reports a kick/auth error. On success
// it starts the event subscriber loop.
func (d *Driver) AwaitSpawn(ctx context.Context) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return gameclient.ErrNotConnected
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				return ErrTransportEnded
			}
			switch ev.Kind {
			case gameclient.EventSpawned:
				d.mu.Lock()
				d.spawned = true
				d.mu.Unlock()
				go d.eventLoop(client.Events())
				d.announce()
				return nil
			case gameclient.EventDisconnected:
				return disconnectError(ev)
			default:
				// pre-spawn chatter, ignore
			}
		case <-timer.C:
			_ = client.Close()
			return ErrConnectTimeout
		case <-ctx.Done():
			_ = client.Close()
			return ctx.Err()
		}
	}
}

func disconnectError(ev gameclient.Event) error {
	switch ev.Reason {
	case "kicked":
		return &KickedError{Reason: ev.Detail}
	case "auth_rejected":
		return auth.ErrAuthRejected
	default:
		return ErrTransportEnded
	}
}

// Disconnected yields the disconnect description once the live session ends.
func (d *Driver) Disconnected() <-chan string {
	return d.disc
}

// eventLoop is the single subscriber for the session's remaining events.
func (d *Driver) eventLoop(events <-chan gameclient.Event) {
	for ev := range events {
		switch ev.Kind {
		case gameclient.EventChatLine:
			d.handleChat(ev.Player, ev.Text)
		case gameclient.EventPresence:
			if ev.Joined {
				d.log.Debug("player joined", "player", ev.Player)
			} else {
				d.log.Debug("player left", "player", ev.Player)
			}
		case gameclient.EventDisconnected:
			d.mu.Lock()
			d.spawned = false
			d.mu.Unlock()
			desc := ev.Reason
			if ev.Detail != "" {
				desc = ev.Reason + ": " + ev.Detail
			}
			select {
			case d.disc <- desc:
			default:
			}
			return
		}
	}

	// Stream closed without a terminal event; treat it as a transport drop
	// so the supervisor's reconnect policy engages.
	d.mu.Lock()
	d.spawned = false
	d.mu.Unlock()
	select {
	case d.disc <- ErrTransportEnded.Error():
	default:
	}
}

func (d *Driver) handleChat(player, text string) {
	if player == d.opts.Credentials.Username {
		return // own messages
	}
	d.log.Info("chat", "player", player, "text", text)

	if d.interp != nil {
		d.interp.HandleLine(context.Background(), text)
	}

	lower := strings.ToLower(text)
	if player != "" && (strings.Contains(lower, "hello") || strings.Contains(lower, "hi")) {
		reply := "Hello " + player + "! I'm " + d.name + ", a DonutBets bot running on " + d.target.Name + "."
		time.AfterFunc(greetDelay, func() {
			_ = d.SendChat(reply)
		})
	}
}

// announce sends the post-spawn online message.
func (d *Driver) announce() {
	msg := "/msg DonutBets Bot is online via " + d.target.Name + "!"
	time.AfterFunc(helloDelay, func() {
		_ = d.SendChat(msg)
	})
}

// SendChat sends one chat line, rate limited. NotConnected outside the
// spawned state.
func (d *Driver) SendChat(text string) error {
	d.mu.Lock()
	client, spawned := d.client, d.spawned
	d.mu.Unlock()
	if client == nil || !spawned {
		return gameclient.ErrNotConnected
	}
	if !d.limiter.Allow() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return client.Chat(text)
}

// MoveTo asks the gateway to path the bot to a world coordinate.
func (d *Driver) MoveTo(p gameclient.Position) error {
	client, err := d.liveClient()
	if err != nil {
		return err
	}
	return client.MoveTo(p)
}

// LookAt turns the bot toward a world coordinate.
func (d *Driver) LookAt(p gameclient.Position) error {
	client, err := d.liveClient()
	if err != nil {
		return err
	}
	return client.LookAt(p)
}

// ReadPosition reads the bot's current coordinate.
func (d *Driver) ReadPosition(ctx context.Context) (gameclient.Position, error) {
	client, err := d.liveClient()
	if err != nil {
		return gameclient.Position{}, err
	}
	return client.ReadPosition(ctx)
}

// ReadVitals reads the bot's health snapshot.
func (d *Driver) ReadVitals(ctx context.Context) (gameclient.Vitals, error) {
	client, err := d.liveClient()
	if err != nil {
		return gameclient.Vitals{}, err
	}
	return client.ReadVitals(ctx)
}

func (d *Driver) liveClient() (gameclient.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil || !d.spawned {
		return nil, gameclient.ErrNotConnected
	}
	return d.client, nil
}

// Close tears down the underlying connection.
func (d *Driver) Close() {
	d.mu.Lock()
	client := d.client
	d.spawned = false
	d.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}
