package storage

import (
	"errors"
	"time"

	"github.com/spf13/afero"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Fs backs the file driver. Nil means the OS filesystem.
	Fs afero.Fs
}

// Point is one persisted reading. Value round-trips through JSON, so numbers
// come back as float64 and slices as []any.
type Point struct {
	Topic string    `json:"topic"`
	Time  time.Time `json:"ts"`
	Value any       `json:"value"`
}
