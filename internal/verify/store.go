// Package verify persists pending verification requests (in-game "tpa"
// notifications) for the external adjudication process. The core only
// appends; resolution happens elsewhere.
package verify

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Request statuses. The core writes only StatusPending.
const (
	StatusPending  = "pending"
	StatusResolved = "resolved"
)

// Request is one recorded verification notification.
type Request struct {
	ID         int64  `json:"id"`
	FromPlayer string `json:"from_player"`
	ToBot      string `json:"to_bot"`
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"`
	ServerID   string `json:"server"`
}

// Store is the SQLite-backed append-only request log.
type Store struct {
	sqlDB *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS verification_requests (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	from_player TEXT NOT NULL,
	to_bot      TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	server_id   TEXT NOT NULL
);
`

// Open opens (creating if needed) the request log at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append records one pending request and returns it with its assigned id.
func (s *Store) Append(ctx context.Context, fromPlayer, toBot, serverID string) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	req := Request{
		FromPlayer: fromPlayer,
		ToBot:      toBot,
		Timestamp:  time.Now().Unix(),
		Status:     StatusPending,
		ServerID:   serverID,
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO verification_requests (from_player, to_bot, timestamp, status, server_id)
		 VALUES (?, ?, ?, ?, ?)`,
		req.FromPlayer, req.ToBot, req.Timestamp, req.Status, req.ServerID)
	if err != nil {
		return Request{}, fmt.Errorf("insert request: %w", err)
	}
	req.ID, err = res.LastInsertId()
	if err != nil {
		return Request{}, fmt.Errorf("request id: %w", err)
	}
	return req, nil
}

// List returns every recorded request in insertion order.
func (s *Store) List(ctx context.Context) ([]Request, error) {
	return s.list(ctx,
		`SELECT id, from_player, to_bot, timestamp, status, server_id
		 FROM verification_requests ORDER BY id`)
}

// ListPending returns unresolved requests in insertion order.
func (s *Store) ListPending(ctx context.Context) ([]Request, error) {
	return s.list(ctx,
		`SELECT id, from_player, to_bot, timestamp, status, server_id
		 FROM verification_requests WHERE status = 'pending' ORDER BY id`)
}

func (s *Store) list(ctx context.Context, query string) ([]Request, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.ID, &r.FromPlayer, &r.ToBot, &r.Timestamp, &r.Status, &r.ServerID); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
