// Package docstore keeps readings grouped into one document per topic and
// period:
//
//	{
//	  "topic": "raspimon/<node>/energy/output_power",
//	  "basetime": ISODate("2024-03-10T13:00:00Z"),
//	  "delta_times": [12000, 72000, ...],
//	  "values": [412, 415, ...]
//	}
//
// delta_times are milliseconds since basetime.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "raspimon/pkg/logx"
)

var ErrDisabled = errors.New("docstore disabled")

// SeriesDoc is one (topic, basetime) group.
type SeriesDoc struct {
	Topic      string    `bson:"topic" json:"topic"`
	BaseTime   time.Time `bson:"basetime" json:"basetime"`
	DeltaTimes []int64   `bson:"delta_times" json:"delta_times"`
	Values     []any     `bson:"values" json:"values"`
}

// Len reports the number of samples, which is the shorter of both arrays.
func (d SeriesDoc) Len() int { return min(len(d.DeltaTimes), len(d.Values)) }

// Store persists series documents. Upserting a (topic, basetime) that exists
// appends to its arrays.
type Store interface {
	UpsertSeries(ctx context.Context, docs []SeriesDoc) error
	// Series returns documents of topic with from <= basetime < to, oldest first.
	Series(ctx context.Context, topic string, from, to time.Time) ([]SeriesDoc, error)
	Close(ctx context.Context) error
}

type Config struct {
	Driver     string // mongo | memory | none
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// Open initializes the configured store. It returns (nil, nil) when disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "docstore"), logx.String("driver", driver))
	switch driver {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(), nil
	case "mongo", "mongodb":
		return openMongo(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown docstore driver: %s", driver)
	}
}
