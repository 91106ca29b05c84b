package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteSchema holds every chain in one events table. The global id gives
// append order across sessions; seq is the position inside a session.
// The tips table is the compare-and-swap target for appends.
const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id   TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		ts         TEXT NOT NULL,
		run_id     TEXT NOT NULL DEFAULT '',
		type       TEXT NOT NULL,
		data       TEXT NOT NULL DEFAULT '{}',
		prev_hash  TEXT NOT NULL,
		hash       TEXT NOT NULL,
		UNIQUE (session_id, seq),
		UNIQUE (session_id, prev_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);

	CREATE TABLE IF NOT EXISTS tips (
		session_id TEXT PRIMARY KEY,
		seq        INTEGER NOT NULL,
		hash       TEXT NOT NULL,
		ts         TEXT NOT NULL
	);
`

// sqliteStore keeps the ledger in a single SQLite file in WAL mode, so the
// API server and CLI readers can share it with one writer at a time.
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the ledger database at path.
func OpenSQLite(ctx context.Context, path string) (Store, error) {
	if path == "" {
		return nil, errors.New("sqlite storage needs a path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite ledger %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Tip(ctx context.Context, sessionID string) (Tip, error) {
	var (
		seq  int64
		hash string
		ts   string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT seq, hash, ts FROM tips WHERE session_id = ?", sessionID,
	).Scan(&seq, &hash, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Tip{Hash: GenesisHash}, nil
	}
	if err != nil {
		return Tip{}, storageErr(ctx, "reading tip", err)
	}
	t, err := ParseTime(ts)
	if err != nil {
		return Tip{}, fmt.Errorf("%w: tip of %s has bad ts %q", ErrUnavailable, sessionID, ts)
	}
	return Tip{Hash: hash, Seq: uint64(seq), Timestamp: t}, nil
}

// Commit advances the tip first and inserts the event second, inside one
// transaction. Starting with a write means SQLite takes the write lock
// before reading, so a concurrent appender waits on busy_timeout and then
// sees zero rows affected instead of a stale snapshot.
func (s *sqliteStore) Commit(ctx context.Context, expected string, ev Event) error {
	r, err := toRow(ev)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(ctx, "beginning append", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if expected == GenesisHash && r.Seq == 1 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO tips (session_id, seq, hash, ts) VALUES (?, ?, ?, ?)
			 ON CONFLICT(session_id) DO NOTHING`,
			r.SessionID, r.Seq, r.Hash, r.TS)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE tips SET seq = ?, hash = ?, ts = ?
			 WHERE session_id = ? AND hash = ? AND seq = ?`,
			r.Seq, r.Hash, r.TS, r.SessionID, expected, r.Seq-1)
	}
	if err != nil {
		return storageErr(ctx, "advancing tip", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storageErr(ctx, "advancing tip", err)
	} else if n == 0 {
		return fmt.Errorf("%w: session %s moved past %s", ErrAppendConflict, r.SessionID, expected)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (event_id, session_id, seq, ts, run_id, type, data, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.SessionID, r.Seq, r.TS, r.RunID, r.Type, r.Data, r.PrevHash, r.Hash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %v", ErrAppendConflict, err)
		}
		return storageErr(ctx, "inserting event", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr(ctx, "committing append", err)
	}
	return nil
}

func (s *sqliteStore) Range(ctx context.Context, f Filter) ([]Event, error) {
	matchType, exact, err := typeMatcher(f.Type)
	if err != nil {
		return nil, err
	}
	query, args := rangeQuery(f, exact, func(int) string { return "?" })

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(ctx, "querying events", err)
	}
	defer rows.Close()

	limit := effectiveLimit(f.Limit)
	var events []Event
	for n := 0; rows.Next(); n++ {
		if n%scanCheckEvery == 0 {
			if err := ctxErr(ctx); err != nil {
				return nil, err
			}
		}
		var r row
		var seq int64
		if err := rows.Scan(&seq, &r.EventID, &r.TS, &r.SessionID, &r.RunID, &r.Type, &r.Data, &r.PrevHash, &r.Hash); err != nil {
			return nil, storageErr(ctx, "scanning event", err)
		}
		r.Seq = uint64(seq)
		if !exact && !matchType(r.Type) {
			continue
		}
		events = append(events, r.event())
		if len(events) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(ctx, "reading events", err)
	}
	return events, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// rangeQuery builds the SELECT for a filter. ph renders the n-th (1-based)
// placeholder so SQLite and Postgres share the same builder. A glob type
// cannot be pushed down, so the caller filters and limits in Go instead.
func rangeQuery(f Filter, exactType bool, ph func(int) string) (string, []any) {
	var b strings.Builder
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		b.WriteString(" AND ")
		b.WriteString(strings.Replace(clause, "?", ph(len(args)), 1))
	}

	b.WriteString("SELECT seq, event_id, ts, session_id, run_id, type, data, prev_hash, hash FROM events WHERE 1=1")
	if f.SessionID != "" {
		add("session_id = ?", f.SessionID)
	}
	if f.RunID != "" {
		add("run_id = ?", f.RunID)
	}
	if f.AfterSeq > 0 {
		add("seq > ?", int64(f.AfterSeq))
	}
	if !f.Since.IsZero() {
		add("ts >= ?", FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		add("ts <= ?", FormatTime(f.Until))
	}
	if exactType {
		add("type = ?", f.Type)
	}
	b.WriteString(" ORDER BY id")
	if exactType || f.Type == "" {
		args = append(args, effectiveLimit(f.Limit))
		b.WriteString(" LIMIT " + ph(len(args)))
	}
	return b.String(), args
}

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// storageErr classifies a driver error. A failure caused by the caller's
// deadline is a timeout; anything else means the store is unavailable.
func storageErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, ctx.Err())
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
