// Package fleet owns the keyed collection of bot session supervisors and the
// credential cache, and serializes control actions per bot name.
package fleet

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/banankicks/donutbets-render/internal/auth"
	"github.com/banankicks/donutbets-render/internal/bot"
	"github.com/banankicks/donutbets-render/internal/config"
	"github.com/banankicks/donutbets-render/internal/credstore"
	"github.com/banankicks/donutbets-render/internal/gameclient"
	"github.com/banankicks/donutbets-render/internal/logging"
)

// Fleet operation errors, returned synchronously to the control plane.
var (
	ErrUnknownBot     = errors.New("bot not found")
	ErrAlreadyRunning = errors.New("bot is already running")
	ErrNotRunning     = errors.New("bot is not running")
)

// StatusView is the external status snapshot for one bot.
type StatusView struct {
	Name           string `json:"name"`
	Connected      bool   `json:"connected"`
	Server         string `json:"server"`
	ServerName     string `json:"server_name"`
	LoginType      string `json:"login_type"`
	PlayerUsername string `json:"player_username"`
	Created        string `json:"created"`
	State          string `json:"state,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// ServerView annotates a ServerTarget with the current flag.
type ServerView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Port    int    `json:"port"`
	Current bool   `json:"current"`
}

// Manager is the fleet manager. All mutating operations on the same bot name
// are serialized; operations on distinct names are independent.
type Manager struct {
	cfg     *config.Config
	current config.ServerTarget
	store   *credstore.Store
	dialer  gameclient.Dialer
	sink    bot.RequestSink
	log     *slog.Logger

	credMu sync.RWMutex
	creds  map[string]auth.Record

	sessMu   sync.Mutex
	sessions map[string]*bot.Supervisor

	namesMu sync.Mutex
	names   map[string]*nameLock
}

// nameLock is one per-name critical section, reference counted so entries
// for departed bots do not accumulate.
type nameLock struct {
	mu   sync.Mutex
	refs int
}

// New builds a manager and primes the credential cache from the snapshot.
func New(cfg *config.Config, store *credstore.Store, dialer gameclient.Dialer, sink bot.RequestSink) (*Manager, error) {
	current, ok := cfg.CurrentServer()
	if !ok {
		return nil, fmt.Errorf("unknown current server %q", cfg.CurrentServerID)
	}
	creds, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load credential snapshot: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		current:  current,
		store:    store,
		dialer:   dialer,
		sink:     sink,
		log:      logging.ForComponent(logging.CompFleet),
		creds:    creds,
		sessions: make(map[string]*bot.Supervisor),
		names:    make(map[string]*nameLock),
	}, nil
}

// CurrentServer returns the target this process serves.
func (m *Manager) CurrentServer() config.ServerTarget {
	return m.current
}

// lockName acquires the per-name critical section. No fleet-wide lock is
// held while a bot starts or stops.
func (m *Manager) lockName(name string) func() {
	m.namesMu.Lock()
	l, ok := m.names[name]
	if !ok {
		l = &nameLock{}
		m.names[name] = l
	}
	l.refs++
	m.namesMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.namesMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.names, name)
		}
		m.namesMu.Unlock()
	}
}

// Start creates and launches a session for name. Fails with ErrUnknownBot
// when no credential record is cached and ErrAlreadyRunning when a
// non-stopped session exists.
func (m *Manager) Start(name string) error {
	unlock := m.lockName(name)
	defer unlock()

	m.credMu.RLock()
	rec, ok := m.creds[name]
	m.credMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBot, name)
	}

	m.sessMu.Lock()
	if sup, exists := m.sessions[name]; exists {
		if sup.State() != bot.StateStopped {
			m.sessMu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
		}
		// Exhausted supervisor still in the map; a fresh start replaces it.
		delete(m.sessions, name)
	}
	m.sessMu.Unlock()

	m.log.Info("starting bot", "bot", name, "server", m.current.Name, "login", string(rec.LoginType))

	sup := bot.NewSupervisor(bot.SupervisorConfig{
		Name:        name,
		Record:      rec,
		Target:      m.current,
		GameHost:    m.cfg.GameHost,
		GamePort:    m.cfg.GamePort,
		GameVersion: m.cfg.GameVersion,
		Settings:    m.cfg.Bot,
		Dialer:      m.dialer,
		Sink:        m.sink,
	})
	if err := sup.Start(); err != nil {
		return err
	}

	m.sessMu.Lock()
	m.sessions[name] = sup
	m.sessMu.Unlock()

	m.persistStatus(name, true)
	return nil
}

// Stop halts the session for name and removes it from the live map.
func (m *Manager) Stop(name string) error {
	unlock := m.lockName(name)
	defer unlock()

	m.sessMu.Lock()
	sup, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.sessMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}

	m.log.Info("stopping bot", "bot", name, "server", m.current.Name)
	sup.Stop()

	m.persistStatus(name, false)
	return nil
}

// persistStatus writes connected/server back to the credential cache and
// snapshot so the operator backend sees the change.
func (m *Manager) persistStatus(name string, connected bool) {
	m.credMu.Lock()
	rec, ok := m.creds[name]
	if ok {
		rec.Connected = connected
		if connected {
			rec.Server = m.current.ID
		}
		m.creds[name] = rec
	}
	copied := make(map[string]auth.Record, len(m.creds))
	for k, v := range m.creds {
		copied[k] = v
	}
	m.credMu.Unlock()

	if err := m.store.Save(copied); err != nil {
		m.log.Warn("persist credential snapshot", "err", err)
	}
}

// Status reports the status view for one bot. Missing credential records
// degrade to unknown fields rather than failing.
func (m *Manager) Status(name string) StatusView {
	m.credMu.RLock()
	rec, hasRec := m.creds[name]
	m.credMu.RUnlock()

	m.sessMu.Lock()
	sup, running := m.sessions[name]
	m.sessMu.Unlock()

	view := StatusView{
		Name:       name,
		Server:     m.current.ID,
		ServerName: m.current.Name,
		LoginType:  "unknown",
	}
	if hasRec {
		if rec.LoginType != "" {
			view.LoginType = string(rec.LoginType)
		}
		view.PlayerUsername = rec.PlayerUsername
		view.Created = rec.Created
		if rec.Server != "" {
			view.Server = rec.Server
		}
	}
	if running {
		state := sup.State()
		view.Connected = state != bot.StateStopped
		view.State = string(state)
		view.LastError = sup.LastError()
	}
	return view
}

// ListAll snapshots status for every cached credential key, running or not.
func (m *Manager) ListAll() map[string]StatusView {
	m.credMu.RLock()
	names := make([]string, 0, len(m.creds))
	for name := range m.creds {
		names = append(names, name)
	}
	m.credMu.RUnlock()

	out := make(map[string]StatusView, len(names))
	for _, name := range names {
		out[name] = m.Status(name)
	}
	return out
}

// Servers lists the static server set with the current one flagged.
func (m *Manager) Servers() []ServerView {
	out := make([]ServerView, 0, len(m.cfg.Servers))
	for _, s := range m.cfg.Servers {
		out = append(out, ServerView{
			ID:      s.ID,
			Name:    s.Name,
			Port:    s.Port,
			Current: s.ID == m.current.ID,
		})
	}
	return out
}

// SyncCredentials replaces the cached credential map wholesale.
// Already-running sessions keep their original records.
func (m *Manager) SyncCredentials(bots map[string]auth.Record) error {
	if bots == nil {
		bots = map[string]auth.Record{}
	}
	m.credMu.Lock()
	m.creds = bots
	copied := make(map[string]auth.Record, len(bots))
	for k, v := range bots {
		copied[k] = v
	}
	m.credMu.Unlock()

	m.log.Info("credentials synced", "bots", len(bots))
	return m.store.Save(copied)
}

// SetCredential stores one record (start_bot with inline bot_data).
func (m *Manager) SetCredential(name string, rec auth.Record) error {
	m.credMu.Lock()
	m.creds[name] = rec
	copied := make(map[string]auth.Record, len(m.creds))
	for k, v := range m.creds {
		copied[k] = v
	}
	m.credMu.Unlock()

	return m.store.Save(copied)
}

// ReloadFromStore refreshes the cache from the snapshot file. Used when the
// snapshot changed outside this process.
func (m *Manager) ReloadFromStore() error {
	creds, err := m.store.Load()
	if err != nil {
		return err
	}
	m.credMu.Lock()
	m.creds = creds
	m.credMu.Unlock()
	m.log.Info("credential snapshot reloaded", "bots", len(creds))
	return nil
}

// ActiveCount reports how many live sessions exist. Sessions that exhausted
// their reconnect budget settle in the stopped state and do not count.
func (m *Manager) ActiveCount() int {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	n := 0
	for _, sup := range m.sessions {
		if sup.State() != bot.StateStopped {
			n++
		}
	}
	return n
}

// StopAll halts every live session; used on shutdown.
func (m *Manager) StopAll() {
	m.sessMu.Lock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	m.sessMu.Unlock()

	for _, name := range names {
		if err := m.Stop(name); err != nil && !errors.Is(err, ErrNotRunning) {
			m.log.Warn("stop bot on shutdown", "bot", name, "err", err)
		}
	}
}
