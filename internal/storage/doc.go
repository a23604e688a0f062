// Package storage persists readings as time-stamped points.
//
// Drivers:
//   - "file": JSON Lines, one file per UTC day, on an afero filesystem
//   - "sqlite": a single SQLite database in WAL mode
package storage
