package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "raspimon/pkg/logx"
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
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
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

// WritePoints inserts pts in a single transaction.
func (s *sqliteStore) WritePoints(ctx context.Context, pts []Point) (err error) {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(pts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO points(topic, ts, value) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range pts {
		b, merr := json.Marshal(p.Value)
		if merr != nil {
			return fmt.Errorf("point %s: %w", p.Topic, merr)
		}
		if _, err = stmt.ExecContext(ctx, p.Topic, p.Time.UnixMilli(), string(b)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Query(ctx context.Context, topic string, from, to time.Time) ([]Point, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, value FROM points WHERE topic = ? AND ts >= ? AND ts < ? ORDER BY ts, rowid`,
		topic, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var (
			ms  int64
			raw string
		)
		if err := rows.Scan(&ms, &raw); err != nil {
			return nil, err
		}
		p := Point{Topic: topic, Time: time.UnixMilli(ms).UTC()}
		if err := json.Unmarshal([]byte(raw), &p.Value); err != nil {
			s.log.Warn("corrupt point skipped", logx.String("topic", topic), logx.Int64("ts", ms), logx.Err(err))
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
