package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	queryCreateLocks = `CREATE TABLE IF NOT EXISTS named_locks (
	name TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	expires_ms INTEGER NOT NULL
)`
	queryTryLock = `INSERT INTO named_locks (name, token, expires_ms) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET token = excluded.token, expires_ms = excluded.expires_ms
WHERE named_locks.expires_ms <= ? OR named_locks.token = excluded.token`
	querySteal = `INSERT INTO named_locks (name, token, expires_ms) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET token = excluded.token, expires_ms = excluded.expires_ms`
	queryUnlock = `DELETE FROM named_locks WHERE name = ? AND token = ?`
	queryHeld   = `SELECT COUNT(*) FROM named_locks WHERE name = ? AND token = ? AND expires_ms > ?`
)

const (
	minPoll = 5 * time.Millisecond
	maxPoll = 100 * time.Millisecond
)

// SQLite is a Manager whose locks are rows in a SQLite database, so that
// several processes sharing the database file share the locks.
type SQLite struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
	log zerolog.Logger
}

// OpenSQLite opens the database file at path and prepares it for locking.
func OpenSQLite(ctx context.Context, path string, ttl time.Duration, logger zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open lock database: %w", err)
	}
	// One connection keeps the pragmas below in force.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s, err := NewSQLite(ctx, db, ttl, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite uses an already open database.
func NewSQLite(ctx context.Context, db *sql.DB, ttl time.Duration, logger zerolog.Logger) (*SQLite, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if _, err := db.ExecContext(ctx, queryCreateLocks); err != nil {
		return nil, fmt.Errorf("create lock table: %w", err)
	}
	return &SQLite{
		db:  db,
		ttl: ttl,
		now: time.Now,
		log: logger.With().Str("component", "sqlite-lock").Logger(),
	}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) NewLock(name string) Lock {
	return &sqliteLock{s: s, name: name, token: uuid.NewString()}
}

type sqliteLock struct {
	s     *SQLite
	name  string
	token string
}

func (l *sqliteLock) Name() string { return l.name }

func (l *sqliteLock) TryLock(ctx context.Context) bool {
	now := l.s.now()
	res, err := l.s.db.ExecContext(ctx, queryTryLock, l.name, l.token, now.Add(l.s.ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		l.s.log.Warn().Err(err).Str("lock", l.name).Msg("try lock")
		return false
	}
	n, err := res.RowsAffected()
	return err == nil && n == 1
}

func (l *sqliteLock) LockTimedWait(ctx context.Context, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	poll := minPoll
	for {
		if l.TryLock(ctx) {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if poll > remaining {
			poll = remaining
		}
		timer := time.NewTimer(poll)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
		poll *= 2
		if poll > maxPoll {
			poll = maxPoll
		}
	}
}

func (l *sqliteLock) Steal(ctx context.Context) error {
	_, err := l.s.db.ExecContext(ctx, querySteal, l.name, l.token, l.s.now().Add(l.s.ttl).UnixMilli())
	return err
}

func (l *sqliteLock) Unlock(ctx context.Context) {
	if _, err := l.s.db.ExecContext(context.WithoutCancel(ctx), queryUnlock, l.name, l.token); err != nil {
		l.s.log.Warn().Err(err).Str("lock", l.name).Msg("unlock")
	}
}

func (l *sqliteLock) Held() bool {
	var n int
	err := l.s.db.QueryRowContext(context.Background(), queryHeld, l.name, l.token, l.s.now().UnixMilli()).Scan(&n)
	return err == nil && n == 1
}
