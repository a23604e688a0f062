package eventbus

import (
	"strings"
	"time"
)

// TopicRoot prefixes every reading topic.
const TopicRoot = "raspimon"

// Reading is the payload of a reading event. Value is a number, a string or
// a slice of numbers; stores decide what they can persist.
type Reading struct {
	Topic string    `json:"topic"`
	Time  time.Time `json:"timestamp"`
	Value any       `json:"data"`
}

// Topic builds "raspimon/<node>/<name>".
func Topic(node, name string) string {
	node = strings.Trim(strings.TrimSpace(node), "/")
	name = strings.Trim(strings.TrimSpace(name), "/")
	if node == "" {
		node = "unknown"
	}
	return TopicRoot + "/" + node + "/" + name
}

// PublishReading publishes r with Type set to its topic.
func PublishReading(b Bus, r Reading) {
	if b == nil || r.Topic == "" {
		return
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	b.Publish(Event{Type: r.Topic, Time: r.Time, Data: r})
}

// Match reports whether topic matches an MQTT-style pattern.
// "+" matches exactly one level, a trailing "#" matches any remainder
// (including none).
func Match(pattern, topic string) bool {
	if pattern == "#" {
		return true
	}
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, p := range pp {
		if p == "#" {
			return i == len(pp)-1
		}
		if i >= len(tp) {
			return false
		}
		if p != "+" && p != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}

// AsReading extracts a Reading from ev when its topic matches pattern.
func AsReading(ev Event, pattern string) (Reading, bool) {
	r, ok := ev.Data.(Reading)
	if !ok || !Match(pattern, ev.Type) {
		return Reading{}, false
	}
	return r, true
}
