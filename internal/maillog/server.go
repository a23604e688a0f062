// Package maillog mails log messages on a per-level schedule.
//
// Every message is echoed to the local log. ALERT, WARNING and ERROR are
// mailed immediately by default; INFO accumulates in a daily digest and
// DEBUG is never mailed. Digests are flushed at the top of every hour, day
// and week.
package maillog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	rtsup "raspimon/internal/runtime/supervisor"
	"raspimon/internal/task/scheduler"
	logx "raspimon/pkg/logx"
)

const (
	serverName = "MailLoggerServer"
	listName   = "LIST"
	emptyBody  = "Empty queue"

	// maxQueued bounds every digest queue.
	maxQueued = 10_000
)

var periods = map[Schedule]time.Duration{
	Hourly: time.Hour,
	Daily:  scheduler.Day,
	Weekly: scheduler.Week,
}

type Config struct {
	Node     string
	Hostname string
	Routing  Routing
	// SendEmpty mails "Empty queue" when a digest has nothing to report.
	SendEmpty bool
	Clock     clockwork.Clock
}

// Message is one entry handed to the server.
type Message struct {
	Time     time.Time
	Level    Level
	Schedule Schedule
	Name     string
	Text     string
}

type queued struct {
	at   time.Time
	line string
}

// Stats is shown in status output.
type Stats struct {
	Queued   map[Schedule]int `json:"queued"`
	Sent     uint64           `json:"sent"`
	Failures uint64           `json:"failures"`
	Dropped  uint64           `json:"dropped"`
	LastErr  string           `json:"last_err,omitempty"`
}

// Server routes messages to the sender. It implements logx.Sink.
type Server struct {
	cfg    Config
	sender Sender
	sched  *scheduler.Scheduler
	log    logx.Logger

	mu      sync.Mutex
	routing Routing
	queues  map[Schedule][]queued
	handles []scheduler.Handle
	sup     *rtsup.Supervisor
	stats   Stats
}

func NewServer(cfg Config, sender Sender, sched *scheduler.Scheduler, log logx.Logger) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if cfg.Routing == nil {
		cfg.Routing = DefaultRouting()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if sender == nil {
		sender = LogSender{Log: log}
	}
	return &Server{
		cfg:     cfg,
		sender:  sender,
		sched:   sched,
		log:     log.With(logx.String("comp", "maillog")),
		routing: cfg.Routing,
		queues:  map[Schedule][]queued{},
	}
}

// Start registers the digest jobs and mails a STARTED alert.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	for _, sc := range Queued {
		h, err := s.sched.RepeatAtBoundary(periods[sc], func(ctx context.Context) error {
			return s.Flush(ctx, sc)
		}, scheduler.WithName("maillog:"+strings.ToLower(string(sc))))
		if err != nil {
			hs := s.handles
			s.handles = nil
			s.mu.Unlock()
			for _, h := range hs {
				s.sched.Cancel(h)
			}
			return fmt.Errorf("maillog: %w", err)
		}
		s.handles = append(s.handles, h)
	}
	s.mu.Unlock()

	s.Log(Alert, serverName, "Logging service STARTED")
	return nil
}

// Stop flushes every digest and mails a STOPPED alert. Instantaneous
// messages still in flight are awaited until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	// Submit delivers inline once sup is detached, so no unit is added
	// while Wait runs.
	s.mu.Lock()
	sup, hs := s.sup, s.handles
	s.sup, s.handles = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	for _, h := range hs {
		s.sched.Cancel(h)
	}

	var errs []error
	for _, sc := range Queued {
		errs = append(errs, s.Flush(ctx, sc))
	}
	msg := s.message(Alert, serverName, "Logging service STOPPED")
	s.echo(msg)
	errs = append(errs, s.deliver(ctx, s.subject(Instantaneously, serverName), s.format(msg)))

	if err := sup.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	sup.Cancel()
	return errors.Join(errs...)
}

// SetRouting swaps the level to schedule map at runtime.
func (s *Server) SetRouting(r Routing) {
	if r == nil {
		r = DefaultRouting()
	}
	s.mu.Lock()
	s.routing = r
	s.mu.Unlock()
}

// SetSendEmpty toggles empty digest mails at runtime.
func (s *Server) SetSendEmpty(v bool) {
	s.mu.Lock()
	s.cfg.SendEmpty = v
	s.mu.Unlock()
}

// Log routes text from name at level.
func (s *Server) Log(level Level, name, text string) {
	s.Submit(s.message(level, name, text))
}

// Forward implements logx.Sink.
func (s *Server) Forward(rec logx.Record) {
	name := rec.Component
	if name == "" {
		name = "raspimon"
	}
	text := rec.Message
	if len(rec.Fields) > 0 {
		text += " " + strings.Join(rec.Fields, " ")
	}
	msg := s.message(LevelOf(rec), name, text)
	if !rec.Time.IsZero() {
		msg.Time = rec.Time
	}
	s.Submit(msg)
}

func (s *Server) message(level Level, name, text string) Message {
	s.mu.Lock()
	sc, ok := s.routing[level]
	s.mu.Unlock()
	if !ok {
		sc = Instantaneously
	}
	return Message{Time: s.cfg.Clock.Now(), Level: level, Schedule: sc, Name: name, Text: text}
}

// Submit echoes msg locally and mails or queues it per its schedule.
func (s *Server) Submit(msg Message) {
	if msg.Time.IsZero() {
		msg.Time = s.cfg.Clock.Now()
	}
	s.echo(msg)
	line := s.format(msg)

	switch msg.Schedule {
	case Silently:
		return
	case Instantaneously:
		subject := s.subject(Instantaneously, msg.Name)
		s.mu.Lock()
		if sup := s.sup; sup != nil {
			sup.Go0("maillog.send", func(ctx context.Context) {
				_ = s.deliver(ctx, subject, line)
			})
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		// Not started or stopping: deliver inline.
		_ = s.deliver(context.Background(), subject, line)
	default:
		s.mu.Lock()
		q := s.queues[msg.Schedule]
		if len(q) >= maxQueued {
			q = q[1:]
			s.stats.Dropped++
		}
		s.queues[msg.Schedule] = append(q, queued{at: msg.Time, line: line})
		s.mu.Unlock()
	}
}

// Flush mails the digest of sc. It is the scheduler job of each queue.
func (s *Server) Flush(ctx context.Context, sc Schedule) error {
	s.mu.Lock()
	q := s.queues[sc]
	delete(s.queues, sc)
	sendEmpty := s.cfg.SendEmpty
	s.mu.Unlock()

	body := emptyBody
	if len(q) == 0 {
		if !sendEmpty {
			return nil
		}
	} else {
		sort.SliceStable(q, func(i, j int) bool { return q[i].at.Before(q[j].at) })
		lines := make([]string, len(q))
		for i, m := range q {
			lines[i] = m.line
		}
		body = strings.Join(lines, "\n")
	}

	err := s.deliver(ctx, s.subject(sc, listName), body)
	if err != nil && len(q) > 0 {
		// Requeue ahead of newer messages.
		s.mu.Lock()
		merged := append(q, s.queues[sc]...)
		if over := len(merged) - maxQueued; over > 0 {
			merged = merged[over:]
			s.stats.Dropped += uint64(over)
		}
		s.queues[sc] = merged
		s.mu.Unlock()
	}
	return err
}

func (s *Server) deliver(ctx context.Context, subject, body string) error {
	err := s.sender.Send(ctx, subject, body)
	s.mu.Lock()
	if err != nil {
		s.stats.Failures++
		s.stats.LastErr = err.Error()
	} else {
		s.stats.Sent++
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Error("mail delivery failed", logx.Local(), logx.String("subject", subject), logx.Err(err))
	}
	return err
}

// echo writes msg to the local log only, so it never loops back as a record.
func (s *Server) echo(msg Message) {
	fields := []logx.Field{logx.Local(), logx.String("level", string(msg.Level)), logx.String("schedule", string(msg.Schedule)), logx.String("name", msg.Name)}
	switch msg.Level {
	case Debug:
		s.log.Debug(msg.Text, fields...)
	case Info:
		s.log.Info(msg.Text, fields...)
	default:
		s.log.Warn(msg.Text, fields...)
	}
}

// format renders "<time> <host> <node> <LEVEL> <SCHEDULE>: <name>: <text>".
func (s *Server) format(m Message) string {
	text := strings.ReplaceAll(m.Text, "\n", `\n`)
	return fmt.Sprintf("%s %s %s %9s %17s: %s: %s",
		m.Time.Format(time.ANSIC), s.cfg.Hostname, s.cfg.Node, m.Level, m.Schedule, m.Name, text)
}

func (s *Server) subject(sc Schedule, name string) string {
	return fmt.Sprintf("MailLogger raspi %s - %s - %s", s.cfg.Node, name, sc)
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Queued = make(map[Schedule]int, len(Queued))
	for _, sc := range Queued {
		st.Queued[sc] = len(s.queues[sc])
	}
	return st
}
