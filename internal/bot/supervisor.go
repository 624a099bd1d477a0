package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/banankicks/donutbets-render/internal/auth"
	"github.com/banankicks/donutbets-render/internal/config"
	"github.com/banankicks/donutbets-render/internal/gameclient"
	"github.com/banankicks/donutbets-render/internal/logging"
)

// State is the connection lifecycle state of one bot session.
type State string

const (
	StateIdle               State = "idle"
	StateConnecting         State = "connecting"
	StateAuthenticating     State = "authenticating"
	StateActive             State = "active"
	StateDisconnected       State = "disconnected"
	StateReconnectScheduled State = "reconnect_scheduled"
	StateStopped            State = "stopped"
)

// ErrAlreadyStarted is returned by Start on a supervisor that is running.
var ErrAlreadyStarted = errors.New("supervisor already started")

// SupervisorConfig wires one supervised session.
type SupervisorConfig struct {
	Name        string
	Record      auth.Record
	Target      config.ServerTarget
	GameHost    string
	GamePort    int
	GameVersion string
	Settings    config.BotSettings
	Dialer      gameclient.Dialer
	Sink        RequestSink
}

// Supervisor owns one bot session's connect/reconnect lifecycle. Connect and
// auth failures are absorbed into the reconnect policy; only an explicit Stop
// or attempt exhaustion is terminal. The attempt counter resets only on a
// fresh explicit Start, never on a successful reconnect.
type Supervisor struct {
	cfg SupervisorConfig
	log *slog.Logger

	mu        sync.Mutex
	state     State
	attempts  uint
	lastError string
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	driver    *Driver
}

// NewSupervisor builds a supervisor in the idle state.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Settings.MaxReconnectAttempts <= 0 {
		cfg.Settings.MaxReconnectAttempts = 5
	}
	return &Supervisor{
		cfg:   cfg,
		state: StateIdle,
		log:   logging.ForComponent(logging.CompBot).With(slog.String("bot", cfg.Name)),
	}
}

// Start launches the supervision loop. The first connect attempt happens in
// the background; failures surface through State/LastError, not here.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.attempts = 0
	s.lastError = ""
	s.state = StateConnecting
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	return nil
}

// Stop cancels any in-flight connect or scheduled reconnect, releases the
// connection and waits for the loop to exit. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.state = StateStopped
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the failed-attempt counter.
func (s *Supervisor) Attempts() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// LastError returns the most recent session error, if any.
func (s *Supervisor) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Driver returns the live driver while the session is active, else nil.
func (s *Supervisor) Driver() *Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil
	}
	return s.driver
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.state = StateStopped
		s.driver = nil
		s.mu.Unlock()
		close(done)
	}()

	max := uint(s.cfg.Settings.MaxReconnectAttempts)
	delay := s.cfg.Settings.ReconnectDelay()

	for {
		s.setState(StateConnecting)
		err := s.attempt(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// attempt returns nil only when the context ended mid-session
			return
		}

		s.mu.Lock()
		s.lastError = err.Error()
		s.attempts++
		attempts := s.attempts
		s.state = StateDisconnected
		s.mu.Unlock()

		s.log.Warn("session ended", "err", err, "attempt", attempts, "max", max)

		if attempts >= max {
			s.log.Error("max reconnection attempts reached", "attempts", attempts)
			return
		}

		s.setState(StateReconnectScheduled)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// attempt runs one full connect/authenticate/active cycle and returns the
// error that ended it. A nil return means the context was cancelled.
func (s *Supervisor) attempt(ctx context.Context) error {
	creds, err := auth.Resolve(s.cfg.Record)
	if err != nil {
		return err
	}
	s.log.Info("connecting", "target", s.cfg.Target.Name, "login", string(s.cfg.Record.LoginType), "username", creds.Username)

	interp := NewInterpreter(s.cfg.Name, s.cfg.Target.ID, s.cfg.Sink)
	driver := NewDriver(s.cfg.Name, s.cfg.Target, s.cfg.Dialer, gameclient.Options{
		Host:        s.cfg.GameHost,
		Port:        s.cfg.GamePort,
		Version:     s.cfg.GameVersion,
		Credentials: creds,
	}, s.cfg.Settings, interp)

	if err := driver.Dial(ctx); err != nil {
		return err
	}
	s.setState(StateAuthenticating)

	if err := driver.AwaitSpawn(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	s.mu.Lock()
	s.driver = driver
	s.state = StateActive
	s.mu.Unlock()
	s.log.Info("spawned in the world", "target", s.cfg.Target.Name)

	select {
	case <-ctx.Done():
		driver.Close()
		return nil
	case desc := <-driver.Disconnected():
		s.mu.Lock()
		s.driver = nil
		s.mu.Unlock()
		return errors.New(desc)
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
