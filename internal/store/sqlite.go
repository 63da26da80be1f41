package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mailnag/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetAck(ctx context.Context, dayKey string) (AckRecord, bool, error) {
	var (
		rec          AckRecord
		state        string
		shownMS      int64
		deadlineMS   int64
		sourceColumn string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, shown_at, deadline_at, source FROM ack_records WHERE day_key = ?`, dayKey,
	).Scan(&state, &shownMS, &deadlineMS, &sourceColumn)
	if errors.Is(err, sql.ErrNoRows) {
		return AckRecord{}, false, nil
	}
	if err != nil {
		return AckRecord{}, false, err
	}
	rec.State = AckState(state)
	rec.ShownAt = time.UnixMilli(shownMS)
	rec.DeadlineAt = time.UnixMilli(deadlineMS)
	rec.Source = Source(sourceColumn)
	return rec, true, nil
}

func (s *sqliteStore) PutAck(ctx context.Context, dayKey string, rec AckRecord) error {
	if strings.TrimSpace(dayKey) == "" {
		return errors.New("empty day key")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ack_records(day_key, state, shown_at, deadline_at, source) VALUES(?,?,?,?,?)
		 ON CONFLICT(day_key) DO UPDATE SET
		   state=excluded.state, shown_at=excluded.shown_at,
		   deadline_at=excluded.deadline_at, source=excluded.source`,
		dayKey, string(rec.State), rec.ShownAt.UnixMilli(), rec.DeadlineAt.UnixMilli(), string(rec.Source),
	)
	return err
}

func (s *sqliteStore) AllAcks(ctx context.Context) (map[string]AckRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day_key, state, shown_at, deadline_at, source FROM ack_records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]AckRecord{}
	for rows.Next() {
		var (
			key        string
			state      string
			shownMS    int64
			deadlineMS int64
			source     string
		)
		if err := rows.Scan(&key, &state, &shownMS, &deadlineMS, &source); err != nil {
			return nil, err
		}
		out[key] = AckRecord{
			State:      AckState(state),
			ShownAt:    time.UnixMilli(shownMS),
			DeadlineAt: time.UnixMilli(deadlineMS),
			Source:     Source(source),
		}
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteAck(ctx context.Context, dayKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ack_records WHERE day_key = ?`, dayKey)
	return err
}

func (s *sqliteStore) GetCount(ctx context.Context, identity string) (CountEntry, bool, error) {
	var (
		cnt        int
		capturedMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT cnt, captured_at FROM count_cache WHERE identity = ?`, identity,
	).Scan(&cnt, &capturedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return CountEntry{}, false, nil
	}
	if err != nil {
		return CountEntry{}, false, err
	}
	return CountEntry{Count: cnt, CapturedAt: time.UnixMilli(capturedMS)}, true, nil
}

func (s *sqliteStore) PutCount(ctx context.Context, identity string, e CountEntry) error {
	if strings.TrimSpace(identity) == "" {
		return errors.New("empty identity")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO count_cache(identity, cnt, captured_at) VALUES(?,?,?)
		 ON CONFLICT(identity) DO UPDATE SET cnt=excluded.cnt, captured_at=excluded.captured_at`,
		identity, e.Count, e.CapturedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetBackoff(ctx context.Context, class BackoffClass) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM backoff WHERE class = ?`, string(class)).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) PutBackoff(ctx context.Context, class BackoffClass, until time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backoff(class, until) VALUES(?,?)
		 ON CONFLICT(class) DO UPDATE SET until=excluded.until`,
		string(class), until.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ClearBackoff(ctx context.Context, class BackoffClass) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM backoff WHERE class = ?`, string(class))
	return err
}

func (s *sqliteStore) GetIdentity(ctx context.Context) (string, bool, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `SELECT email FROM identity_cache WHERE id = 1`).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if email == "" {
		return "", false, nil
	}
	return email, true, nil
}

func (s *sqliteStore) PutIdentity(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_cache(id, email) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email`, email)
	return err
}

func (s *sqliteStore) ClearIdentity(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM identity_cache WHERE id = 1`)
	return err
}

func (s *sqliteStore) LegacyKeys(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM legacy`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteLegacy(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM legacy WHERE key = ?`, k); err != nil {
			return err
		}
	}
	return nil
}
