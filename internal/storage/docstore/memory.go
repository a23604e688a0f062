package docstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memKey struct {
	topic string
	base  int64
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.Mutex
	docs map[memKey]*SeriesDoc
}

func NewMemory() *Memory { return &Memory{docs: map[memKey]*SeriesDoc{}} }

func (m *Memory) UpsertSeries(ctx context.Context, docs []SeriesDoc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		n := d.Len()
		if n == 0 {
			continue
		}
		k := memKey{topic: d.Topic, base: d.BaseTime.UnixMilli()}
		cur, ok := m.docs[k]
		if !ok {
			cur = &SeriesDoc{Topic: d.Topic, BaseTime: d.BaseTime.UTC()}
			m.docs[k] = cur
		}
		cur.DeltaTimes = append(cur.DeltaTimes, d.DeltaTimes[:n]...)
		cur.Values = append(cur.Values, d.Values[:n]...)
	}
	return nil
}

func (m *Memory) Series(ctx context.Context, topic string, from, to time.Time) ([]SeriesDoc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	var out []SeriesDoc
	for k, d := range m.docs {
		if k.topic != topic || d.BaseTime.Before(from) || !d.BaseTime.Before(to) {
			continue
		}
		cp := *d
		cp.DeltaTimes = append([]int64(nil), d.DeltaTimes...)
		cp.Values = append([]any(nil), d.Values...)
		out = append(out, cp)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BaseTime.Before(out[j].BaseTime) })
	return out, nil
}

// Len reports the number of stored documents.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *Memory) Close(context.Context) error { return nil }
