// Package hub moves readings from the bus into persistent stores.
//
// Hubs buffer in memory and write on scheduler jobs, so a slow store never
// blocks publishers. Readings that could not be written are kept for the
// next flush, up to a bound.
package hub

import (
	"context"

	"raspimon/internal/eventbus"
	rtsup "raspimon/internal/runtime/supervisor"
)

// DefaultPattern selects every reading.
const DefaultPattern = eventbus.TopicRoot + "/#"

const (
	subscribeBuffer = 512
	// maxPending bounds what is retained across failing flushes.
	maxPending = 100_000
)

// consume feeds matching readings to fn until ctx is done or the
// subscription closes.
func consume(sup *rtsup.Supervisor, name string, ch <-chan eventbus.Event, pattern string, fn func(eventbus.Reading)) {
	sup.Go0(name, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if r, ok := eventbus.AsReading(ev, pattern); ok {
					fn(r)
				}
			}
		}
	})
}

// drain hands over whatever is still buffered in ch after the consumer quit.
func drain(ch <-chan eventbus.Event, pattern string, fn func(eventbus.Reading)) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if r, ok := eventbus.AsReading(ev, pattern); ok {
				fn(r)
			}
		default:
			return
		}
	}
}
