package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"raspimon/internal/eventbus"
	rtsup "raspimon/internal/runtime/supervisor"
	"raspimon/internal/storage"
	"raspimon/internal/task/scheduler"
	logx "raspimon/pkg/logx"
)

type PointConfig struct {
	Pattern string
	// Flush is the write interval. Default 1m.
	Flush time.Duration
	Clock clockwork.Clock
}

// PointStats is shown in status output.
type PointStats struct {
	Pending   int       `json:"pending"`
	Written   uint64    `json:"written"`
	Dropped   uint64    `json:"dropped"`
	Failures  uint64    `json:"failures"`
	LastFlush time.Time `json:"last_flush"`
	LastErr   string    `json:"last_err,omitempty"`
}

// PointHub writes every reading as a point.
type PointHub struct {
	cfg   PointConfig
	store storage.Store
	bus   eventbus.Bus
	sched *scheduler.Scheduler
	log   logx.Logger

	mu     sync.Mutex
	buf    []storage.Point
	stats  PointStats
	handle scheduler.Handle
	sup    *rtsup.Supervisor
	ch     <-chan eventbus.Event
	unsub  func()

	flushMu sync.Mutex
}

func NewPointHub(cfg PointConfig, store storage.Store, bus eventbus.Bus, sched *scheduler.Scheduler, log logx.Logger) *PointHub {
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	if cfg.Flush <= 0 {
		cfg.Flush = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &PointHub{cfg: cfg, store: store, bus: bus, sched: sched, log: log.With(logx.String("comp", "hub.points"))}
}

func (h *PointHub) Start(ctx context.Context) error {
	if h.store == nil {
		return storage.ErrDisabled
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sup != nil {
		return nil
	}
	handle, err := h.sched.RepeatEvery(h.cfg.Flush, h.Flush, scheduler.WithName("hub:points.flush"))
	if err != nil {
		return fmt.Errorf("point hub: %w", err)
	}
	h.handle = handle
	h.ch, h.unsub = h.bus.Subscribe(subscribeBuffer)
	h.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(h.log))
	consume(h.sup, "hub.points.consume", h.ch, h.cfg.Pattern, h.add)
	h.log.Info("point hub started", logx.String("pattern", h.cfg.Pattern), logx.Duration("flush", h.cfg.Flush))
	return nil
}

func (h *PointHub) add(r eventbus.Reading) {
	h.mu.Lock()
	if len(h.buf) >= maxPending {
		h.buf = h.buf[1:]
		h.stats.Dropped++
	}
	h.buf = append(h.buf, storage.Point{Topic: r.Topic, Time: r.Time, Value: r.Value})
	h.mu.Unlock()
}

// Flush writes the buffered points. It is the scheduler job.
func (h *PointHub) Flush(ctx context.Context) error {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()

	h.mu.Lock()
	pts := h.buf
	h.buf = nil
	h.mu.Unlock()
	if len(pts) == 0 {
		return nil
	}

	err := h.store.WritePoints(ctx, pts)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.LastFlush = h.cfg.Clock.Now()
	if err != nil {
		h.stats.Failures++
		h.stats.LastErr = err.Error()
		// Keep order: failed batch first.
		merged := append(pts, h.buf...)
		if over := len(merged) - maxPending; over > 0 {
			merged = merged[over:]
			h.stats.Dropped += uint64(over)
		}
		h.buf = merged
		return fmt.Errorf("point hub: write %d points: %w", len(pts), err)
	}
	h.stats.Written += uint64(len(pts))
	h.stats.LastErr = ""
	h.log.Debug("points written", logx.Int("n", len(pts)))
	return nil
}

// Stop unsubscribes and writes what is left.
func (h *PointHub) Stop(ctx context.Context) error {
	h.mu.Lock()
	sup, unsub, ch, handle := h.sup, h.unsub, h.ch, h.handle
	h.sup, h.unsub, h.ch = nil, nil, nil
	h.mu.Unlock()
	if sup == nil {
		return nil
	}

	h.sched.Cancel(handle)
	serr := sup.Stop(ctx)
	unsub()
	drain(ch, h.cfg.Pattern, h.add)

	ferr := h.Flush(ctx)
	h.log.Info("point hub stopped")
	return errors.Join(serr, ferr)
}

func (h *PointHub) Stats() PointStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stats
	st.Pending = len(h.buf)
	return st
}
