package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS events (
		id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		event_id   TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		seq        BIGINT NOT NULL,
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
		seq        BIGINT NOT NULL,
		hash       TEXT NOT NULL,
		ts         TEXT NOT NULL
	);
`

// postgresStore shares the SQLite layout. data is TEXT rather than JSONB so
// the stored canonical bytes come back exactly as written.
type postgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres storage needs a dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: pinging postgres: %w", ErrUnavailable, err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating postgres schema: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (s *postgresStore) Tip(ctx context.Context, sessionID string) (Tip, error) {
	var (
		seq  int64
		hash string
		ts   string
	)
	err := s.pool.QueryRow(ctx,
		"SELECT seq, hash, ts FROM tips WHERE session_id = $1", sessionID,
	).Scan(&seq, &hash, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
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

// Commit uses the same tip-first transaction as SQLite. The conditional
// UPDATE takes the row lock, so a concurrent appender blocks until this
// transaction ends and then matches zero rows.
func (s *postgresStore) Commit(ctx context.Context, expected string, ev Event) error {
	r, err := toRow(ev)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr(ctx, "beginning append", err)
	}
	defer tx.Rollback(ctx)

	var tag pgconn.CommandTag
	if expected == GenesisHash && r.Seq == 1 {
		tag, err = tx.Exec(ctx,
			`INSERT INTO tips (session_id, seq, hash, ts) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id) DO NOTHING`,
			r.SessionID, int64(r.Seq), r.Hash, r.TS)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE tips SET seq = $1, hash = $2, ts = $3
			 WHERE session_id = $4 AND hash = $5 AND seq = $6`,
			int64(r.Seq), r.Hash, r.TS, r.SessionID, expected, int64(r.Seq-1))
	}
	if err != nil {
		return storageErr(ctx, "advancing tip", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s moved past %s", ErrAppendConflict, r.SessionID, expected)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO events (event_id, session_id, seq, ts, run_id, type, data, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.EventID, r.SessionID, int64(r.Seq), r.TS, r.RunID, r.Type, r.Data, r.PrevHash, r.Hash)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrAppendConflict, err)
		}
		return storageErr(ctx, "inserting event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr(ctx, "committing append", err)
	}
	return nil
}

func (s *postgresStore) Range(ctx context.Context, f Filter) ([]Event, error) {
	matchType, exact, err := typeMatcher(f.Type)
	if err != nil {
		return nil, err
	}
	query, args := rangeQuery(f, exact, pgPlaceholder)

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
