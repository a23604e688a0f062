package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	logx "raspimon/pkg/logx"
)

const day = 24 * time.Hour

// fileStore appends points as JSON Lines, one file per UTC day:
//
//	<prefix>.2024-03-10.jsonl
//
// Only the file of the most recent day written stays open.
type fileStore struct {
	log    logx.Logger
	fs     afero.Fs
	prefix string

	mu     sync.Mutex
	closed bool
	cur    afero.File
	curDay string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, fs: fs, prefix: filepath.Join(dir, base)}, nil
}

func (s *fileStore) dayPath(d string) string { return s.prefix + "." + d + ".jsonl" }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	return err
}

func (s *fileStore) WritePoints(ctx context.Context, pts []Point) error {
	if len(pts) == 0 {
		return nil
	}
	sorted := make([]Point, len(pts))
	copy(sorted, pts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, p := range sorted {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.Time = p.Time.UTC()
		if err := s.rotateLocked(p.Time.Format(time.DateOnly)); err != nil {
			return err
		}
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := s.cur.Write(append(b, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) rotateLocked(d string) error {
	if s.cur != nil && s.curDay == d {
		return nil
	}
	if s.cur != nil {
		if err := s.cur.Close(); err != nil {
			s.log.Warn("closing day file failed", logx.String("day", s.curDay), logx.Err(err))
		}
		s.cur = nil
	}
	f, err := s.fs.OpenFile(s.dayPath(d), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.cur, s.curDay = f, d
	s.log.Debug("day file opened", logx.String("day", d))
	return nil
}

func (s *fileStore) Query(ctx context.Context, topic string, from, to time.Time) ([]Point, error) {
	if !from.Before(to) {
		return nil, nil
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	var out []Point
	for d := from.UTC().Truncate(day); d.Before(to); d = d.Add(day) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pts, err := s.readDay(d.Format(time.DateOnly), topic, from, to)
		if err != nil {
			return nil, err
		}
		out = append(out, pts...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (s *fileStore) readDay(d, topic string, from, to time.Time) ([]Point, error) {
	f, err := s.fs.Open(s.dayPath(d))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Point
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		var p Point
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			// A torn last line after a crash.
			continue
		}
		if p.Topic != topic || p.Time.Before(from) || !p.Time.Before(to) {
			continue
		}
		out = append(out, p)
	}
	return out, sc.Err()
}
