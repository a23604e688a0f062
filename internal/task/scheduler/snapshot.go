package scheduler

import (
	"sort"
	"time"
)

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Name:    s.name,
		Running: s.running,
		Now:     s.clock.Now().UTC(),
		Pending: len(s.queue),
		Live:    len(s.live),
	}
	jobs := make([]JobInfo, 0, len(s.queue))
	for _, e := range s.queue {
		_, c := s.cancelled[e.id]
		jobs = append(jobs, JobInfo{
			Handle:    e.id.String(),
			Name:      e.name,
			Policy:    e.policy,
			Next:      time.UnixMilli(e.at).UTC(),
			Repeat:    e.repeat,
			Cancelled: c,
		})
	}
	units := make([]UnitInfo, 0, len(s.units))
	for _, u := range s.units {
		select {
		case <-u.done:
			continue
		default:
		}
		units = append(units, UnitInfo{
			Handle:    u.handle.String(),
			Name:      u.name,
			FireTime:  time.UnixMilli(u.fireAt).UTC(),
			StartedAt: u.startedAt,
		})
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].Next.Equal(jobs[j].Next) {
			return jobs[i].Next.Before(jobs[j].Next)
		}
		return jobs[i].Name < jobs[j].Name
	})
	sort.Slice(units, func(i, j int) bool { return units[i].StartedAt.Before(units[j].StartedAt) })

	snap.Jobs = jobs
	snap.Units = units
	snap.Counters = Counters{
		Submitted: s.submitted.Load(),
		Fired:     s.fired.Load(),
		Failed:    s.failed.Load(),
		Panicked:  s.panicked.Load(),
		Skipped:   s.skipped.Load(),
		Drained:   s.drained.Load(),
	}
	return snap
}

// Healthy reports whether the dispatch loop is running. Used by the watchdog.
func (s *Scheduler) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.loopDone == nil {
		return false
	}
	select {
	case <-s.loopDone:
		return false
	default:
		return true
	}
}
