package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"raspimon/internal/eventbus"
	rtsup "raspimon/internal/runtime/supervisor"
	"raspimon/internal/storage/docstore"
	"raspimon/internal/task/scheduler"
	logx "raspimon/pkg/logx"
)

type SeriesConfig struct {
	Pattern string
	// Period is the document span. Default 1h.
	Period time.Duration
	Clock  clockwork.Clock
}

type seriesKey struct {
	topic string
	base  int64 // unix milli
}

type sample struct {
	delta int64
	value any
}

// SeriesStats is shown in status output.
type SeriesStats struct {
	Groups    int       `json:"groups"`
	Samples   int       `json:"samples"`
	Documents uint64    `json:"documents"`
	Failures  uint64    `json:"failures"`
	Dropped   uint64    `json:"dropped"`
	LastFlush time.Time `json:"last_flush"`
	LastErr   string    `json:"last_err,omitempty"`
}

// SeriesHub groups readings by topic and period and writes one document per
// group once its period is over. The flush job runs one twelfth of a period
// after every boundary.
type SeriesHub struct {
	cfg   SeriesConfig
	store docstore.Store
	bus   eventbus.Bus
	sched *scheduler.Scheduler
	log   logx.Logger

	mu      sync.Mutex
	groups  map[seriesKey][]sample
	pending int
	stats   SeriesStats
	handle  scheduler.Handle
	sup     *rtsup.Supervisor
	ch      <-chan eventbus.Event
	unsub   func()

	flushMu sync.Mutex
}

func NewSeriesHub(cfg SeriesConfig, store docstore.Store, bus eventbus.Bus, sched *scheduler.Scheduler, log logx.Logger) *SeriesHub {
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &SeriesHub{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		sched:  sched,
		log:    log.With(logx.String("comp", "hub.series")),
		groups: map[seriesKey][]sample{},
	}
}

func (h *SeriesHub) Start(ctx context.Context) error {
	if h.store == nil {
		return docstore.ErrDisabled
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sup != nil {
		return nil
	}
	handle, err := h.sched.RepeatAtBoundaryWithOffset(h.cfg.Period, h.cfg.Period/12, h.Flush,
		scheduler.WithName("hub:series.flush"))
	if err != nil {
		return fmt.Errorf("series hub: %w", err)
	}
	h.handle = handle
	h.ch, h.unsub = h.bus.Subscribe(subscribeBuffer)
	h.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(h.log))
	consume(h.sup, "hub.series.consume", h.ch, h.cfg.Pattern, h.add)
	h.log.Info("series hub started", logx.String("pattern", h.cfg.Pattern), logx.Duration("period", h.cfg.Period))
	return nil
}

func (h *SeriesHub) baseOf(ms int64) int64 {
	p := h.cfg.Period.Milliseconds()
	b := ms - ms%p
	if ms%p < 0 {
		b -= p
	}
	return b
}

func (h *SeriesHub) add(r eventbus.Reading) {
	ms := r.Time.UnixMilli()
	k := seriesKey{topic: r.Topic, base: h.baseOf(ms)}
	h.mu.Lock()
	if h.pending >= maxPending {
		h.stats.Dropped++
		h.mu.Unlock()
		return
	}
	h.groups[k] = append(h.groups[k], sample{delta: ms - k.base, value: r.Value})
	h.pending++
	h.mu.Unlock()
}

// Flush writes every group whose period has ended. It is the scheduler job.
func (h *SeriesHub) Flush(ctx context.Context) error {
	cur := h.baseOf(h.cfg.Clock.Now().UnixMilli())
	return h.flush(ctx, func(k seriesKey) bool { return k.base < cur })
}

func (h *SeriesHub) flush(ctx context.Context, ready func(seriesKey) bool) error {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()

	h.mu.Lock()
	taken := map[seriesKey][]sample{}
	for k, ss := range h.groups {
		if ready(k) {
			taken[k] = ss
			delete(h.groups, k)
			h.pending -= len(ss)
		}
	}
	h.mu.Unlock()
	if len(taken) == 0 {
		return nil
	}

	docs := make([]docstore.SeriesDoc, 0, len(taken))
	for k, ss := range taken {
		sort.SliceStable(ss, func(i, j int) bool { return ss[i].delta < ss[j].delta })
		d := docstore.SeriesDoc{
			Topic:      k.topic,
			BaseTime:   time.UnixMilli(k.base).UTC(),
			DeltaTimes: make([]int64, len(ss)),
			Values:     make([]any, len(ss)),
		}
		for i, s := range ss {
			d.DeltaTimes[i], d.Values[i] = s.delta, s.value
		}
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].BaseTime.Equal(docs[j].BaseTime) {
			return docs[i].BaseTime.Before(docs[j].BaseTime)
		}
		return docs[i].Topic < docs[j].Topic
	})

	err := h.store.UpsertSeries(ctx, docs)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.LastFlush = h.cfg.Clock.Now()
	if err != nil {
		h.stats.Failures++
		h.stats.LastErr = err.Error()
		for k, ss := range taken {
			h.groups[k] = append(ss, h.groups[k]...)
			h.pending += len(ss)
		}
		return fmt.Errorf("series hub: write %d documents: %w", len(docs), err)
	}
	h.stats.Documents += uint64(len(docs))
	h.stats.LastErr = ""
	h.log.Info("series documents flushed", logx.Int("docs", len(docs)))
	return nil
}

// Stop unsubscribes and writes every group, including the current period.
func (h *SeriesHub) Stop(ctx context.Context) error {
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

	ferr := h.flush(ctx, func(seriesKey) bool { return true })
	h.log.Info("series hub stopped")
	return errors.Join(serr, ferr)
}

func (h *SeriesHub) Stats() SeriesStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stats
	st.Groups = len(h.groups)
	st.Samples = h.pending
	return st
}
