package cache

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	queryCreateTable = `CREATE TABLE IF NOT EXISTS rewrite0_cache (
	cache_key TEXT PRIMARY KEY,
	cache_value BYTEA NOT NULL,
	updated_ms BIGINT NOT NULL
)`
	queryFetch  = `SELECT cache_value FROM rewrite0_cache WHERE cache_key = ?`
	queryUpsert = `INSERT INTO rewrite0_cache (cache_key, cache_value, updated_ms) VALUES (?, ?, ?)
ON CONFLICT (cache_key) DO UPDATE SET cache_value = excluded.cache_value, updated_ms = excluded.updated_ms`
	queryDelete = `DELETE FROM rewrite0_cache WHERE cache_key = ?`
)

// ErrPingFailed is returned by NewSQL when the database cannot be reached.
var ErrPingFailed = errors.New("ping returned error")

// SQL is a Backend over a database/sql handle. The same schema works on
// Postgres (github.com/lib/pq) and SQLite (github.com/glebarez/go-sqlite).
type SQL struct {
	db     *sql.DB
	driver string
	now    func() time.Time

	fetch, upsert, del string

	health *health
}

// NewSQL pings db and creates the cache table if needed. driver selects the
// placeholder dialect and must be DriverPostgres or DriverSQLite.
func NewSQL(ctx context.Context, db *sql.DB, driver string, logger zerolog.Logger) (*SQL, error) {
	if db == nil {
		return nil, ValidationError{Reason: "nil db"}
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, ValidationError{Reason: "unsupported sql driver " + strconv.Quote(driver)}
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}
	if _, err := db.ExecContext(ctx, queryCreateTable); err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "sql-cache").Str("driver", driver).Logger()
	return &SQL{
		db:     db,
		driver: driver,
		now:    time.Now,
		fetch:  rebind(driver, queryFetch),
		upsert: rebind(driver, queryUpsert),
		del:    rebind(driver, queryDelete),
		health: newHealth(logger),
	}, nil
}

// rebind rewrites ? placeholders to $N for Postgres.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) Name() string  { return "SQL(" + s.driver + ")" }
func (s *SQL) Healthy() bool { return s.health.healthy() }

func (s *SQL) Get(ctx context.Context, key string) ([]byte, bool) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.fetch, key).Scan(&value)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.health.fail("get", err)
		}
		return nil, false
	}
	s.health.ok()
	return value, true
}

func (s *SQL) Put(ctx context.Context, key string, value []byte) {
	if _, err := s.db.ExecContext(ctx, s.upsert, key, value, s.now().UnixMilli()); err != nil {
		s.health.fail("put", err)
		return
	}
	s.health.ok()
}

func (s *SQL) Delete(ctx context.Context, key string) {
	if _, err := s.db.ExecContext(ctx, s.del, key); err != nil {
		s.health.fail("delete", err)
	}
}
