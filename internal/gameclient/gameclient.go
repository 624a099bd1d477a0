// Package gameclient is the narrow capability surface over the external
// game-client gateway. The wire-level game protocol (packet framing, world
// model, pathfinding) lives behind the gateway; this package only drives it.
package gameclient

import (
	"context"
	"errors"

	"github.com/banankicks/donutbets-render/internal/auth"
)

// EventKind tags the session event stream.
type EventKind string

const (
	EventSpawned      EventKind = "spawned"
	EventDisconnected EventKind = "disconnected"
	EventChatLine     EventKind = "chat"
	EventPresence     EventKind = "presence"
)

// Event is one entry in a session's event stream. Fields beyond Kind are
// populated per kind.
type Event struct {
	Kind EventKind

	// EventDisconnected
	Reason string
	Detail string

	// EventChatLine
	Player string
	Text   string

	// EventPresence
	Joined bool
}

// Position is a world coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vitals is the bot's health snapshot.
type Vitals struct {
	Health     float64 `json:"health"`
	Food       float64 `json:"food"`
	Saturation float64 `json:"saturation"`
}

// Options locate and authenticate one gateway session.
type Options struct {
	Host        string
	Port        int
	Version     string
	Credentials auth.Credentials
}

// ErrNotConnected is returned by actions issued outside the spawned state.
var ErrNotConnected = errors.New("not connected")

// Client is one live gateway session. Events() yields the session's event
// stream; the channel is closed when the session ends. After the session
// ends the handle is unusable and a new Dial is required.
type Client interface {
	// Events returns the session event stream. The first EventSpawned marks
	// world join; EventDisconnected fires at most once.
	Events() <-chan Event

	Chat(text string) error
	MoveTo(p Position) error
	LookAt(p Position) error
	ReadPosition(ctx context.Context) (Position, error)
	ReadVitals(ctx context.Context) (Vitals, error)

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Dialer opens gateway sessions. The production implementation speaks
// websocket to the companion gateway; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, opts Options) (Client, error)
}
