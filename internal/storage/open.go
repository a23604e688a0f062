package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "raspimon/pkg/logx"
)

// Store persists points. Implementations are safe for concurrent use.
type Store interface {
	WritePoints(ctx context.Context, pts []Point) error
	// Query returns the points of topic with from <= Time < to, oldest first.
	Query(ctx context.Context, topic string, from, to time.Time) ([]Point, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
