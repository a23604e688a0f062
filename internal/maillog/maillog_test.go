package maillog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"raspimon/internal/task/scheduler"
	logx "raspimon/pkg/logx"
)

var epoch = time.Date(2024, 3, 10, 13, 37, 0, 0, time.UTC)

type mail struct{ subject, body string }

type fakeSender struct {
	mu   sync.Mutex
	fail bool
	ch   chan mail
}

func newFakeSender() *fakeSender { return &fakeSender{ch: make(chan mail, 16)} }

func (f *fakeSender) Send(_ context.Context, subject, body string) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("smtp down")
	}
	f.ch <- mail{subject, body}
	return nil
}

func (f *fakeSender) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func recvMail(t *testing.T, ch <-chan mail) mail {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mail")
	}
	return mail{}
}

func expectNoMail(t *testing.T, ch <-chan mail) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected mail %q", m.subject)
	case <-time.After(50 * time.Millisecond):
	}
}

func newServer(snd Sender, clk clockwork.Clock, sched *scheduler.Scheduler) *Server {
	return NewServer(Config{Node: "b827eb000001", Hostname: "pi", Clock: clk}, snd, sched, logx.Nop())
}

func TestFormatLine(t *testing.T) {
	t.Parallel()

	s := newServer(newFakeSender(), clockwork.NewFakeClockAt(epoch), nil)
	got := s.format(Message{Time: epoch, Level: Info, Schedule: Daily, Name: "prices", Text: "line1\nline2"})
	want := "Sun Mar 10 13:37:00 2024 pi b827eb000001 " +
		strings.Repeat(" ", 5) + "INFO " + strings.Repeat(" ", 12) + "DAILY: prices: line1\\nline2"
	if got != want {
		t.Fatalf("format:\n got %q\nwant %q", got, want)
	}
}

func TestInstantaneousAndDigest(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(epoch)
	snd := newFakeSender()
	s := newServer(snd, clk, nil)

	s.Log(Warning, "ipcheck", "my public IP address is 203.0.113.7")
	m := recvMail(t, snd.ch)
	if m.subject != "MailLogger raspi b827eb000001 - ipcheck - INSTANTANEOUSLY" {
		t.Fatalf("subject = %q", m.subject)
	}
	if !strings.HasSuffix(m.body, "ipcheck: my public IP address is 203.0.113.7") {
		t.Fatalf("body = %q", m.body)
	}

	s.Log(Debug, "hub", "never mailed")
	s.Submit(Message{Time: epoch.Add(time.Minute), Level: Info, Schedule: Daily, Name: "b", Text: "second"})
	s.Submit(Message{Time: epoch, Level: Info, Schedule: Daily, Name: "a", Text: "first"})
	expectNoMail(t, snd.ch)
	if q := s.Stats().Queued[Daily]; q != 2 {
		t.Fatalf("daily queue = %d", q)
	}

	if err := s.Flush(context.Background(), Daily); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	m = recvMail(t, snd.ch)
	if m.subject != "MailLogger raspi b827eb000001 - LIST - DAILY" {
		t.Fatalf("subject = %q", m.subject)
	}
	lines := strings.Split(m.body, "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "a: first") || !strings.HasSuffix(lines[1], "b: second") {
		t.Fatalf("digest not ordered by time: %q", m.body)
	}
}

func TestEmptyDigest(t *testing.T) {
	t.Parallel()

	snd := newFakeSender()
	s := newServer(snd, clockwork.NewFakeClockAt(epoch), nil)

	if err := s.Flush(context.Background(), Hourly); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	expectNoMail(t, snd.ch)

	s.SetSendEmpty(true)
	if err := s.Flush(context.Background(), Weekly); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if m := recvMail(t, snd.ch); m.body != "Empty queue" || !strings.HasSuffix(m.subject, "LIST - WEEKLY") {
		t.Fatalf("unexpected mail %+v", m)
	}
}

func TestFailedDigestIsRequeued(t *testing.T) {
	t.Parallel()

	snd := newFakeSender()
	s := newServer(snd, clockwork.NewFakeClockAt(epoch), nil)
	s.Submit(Message{Level: Info, Schedule: Hourly, Name: "x", Text: "kept"})

	snd.setFail(true)
	if err := s.Flush(context.Background(), Hourly); err == nil {
		t.Fatal("expected delivery error")
	}
	st := s.Stats()
	if st.Queued[Hourly] != 1 || st.Failures != 1 || st.LastErr == "" {
		t.Fatalf("stats after failure: %+v", st)
	}

	snd.setFail(false)
	if err := s.Flush(context.Background(), Hourly); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if m := recvMail(t, snd.ch); !strings.HasSuffix(m.body, "x: kept") {
		t.Fatalf("body = %q", m.body)
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(epoch)
	sched := scheduler.New(scheduler.Config{Name: "test", Clock: clk})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })

	snd := newFakeSender()
	s := newServer(snd, clk, sched)
	routing, err := ParseRouting(map[string]string{"info": "hourly"})
	if err != nil {
		t.Fatalf("ParseRouting: %v", err)
	}
	s.SetRouting(routing)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m := recvMail(t, snd.ch); !strings.Contains(m.body, "Logging service STARTED") ||
		!strings.HasSuffix(m.subject, "MailLoggerServer - INSTANTANEOUSLY") {
		t.Fatalf("start alert = %+v", m)
	}
	if got := len(sched.Snapshot().Jobs); got != 3 {
		t.Fatalf("digest jobs = %d, want 3", got)
	}

	s.Log(Info, "prices", "published 24 hours")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("scheduler never parked: %v", err)
	}
	clk.Advance(23 * time.Minute) // 14:00
	if m := recvMail(t, snd.ch); !strings.HasSuffix(m.subject, "LIST - HOURLY") || !strings.Contains(m.body, "published 24 hours") {
		t.Fatalf("hourly digest = %+v", m)
	}

	s.Log(Info, "prices", "pending at shutdown")
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m := recvMail(t, snd.ch); !strings.HasSuffix(m.subject, "LIST - HOURLY") || !strings.Contains(m.body, "pending at shutdown") {
		t.Fatalf("shutdown digest = %+v", m)
	}
	if m := recvMail(t, snd.ch); !strings.Contains(m.body, "Logging service STOPPED") {
		t.Fatalf("stop alert = %+v", m)
	}
	for _, j := range sched.Snapshot().Jobs {
		if !j.Cancelled {
			t.Fatalf("job %s still active after Stop", j.Name)
		}
	}
}

type countingSender struct{ n atomic.Int64 }

func (c *countingSender) Send(context.Context, string, string) error {
	c.n.Add(1)
	return nil
}

func TestAlertsDuringStopAreDelivered(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(epoch)
	sched := scheduler.New(scheduler.Config{Name: "test", Clock: clk})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })

	const rounds, alerts = 50, 200
	for round := 0; round < rounds; round++ {
		snd := &countingSender{}
		s := newServer(snd, clk, sched)
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("round %d: Start: %v", round, err)
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < alerts; i++ {
				s.Log(Alert, "ipcheck", "public address changed")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.Stop(ctx)
		cancel()
		wg.Wait()
		if err != nil {
			t.Fatalf("round %d: Stop: %v", round, err)
		}
		// STARTED, every alert and STOPPED.
		if got, want := snd.n.Load(), int64(alerts+2); got != want {
			t.Fatalf("round %d: sent %d mails, want %d", round, got, want)
		}
	}
}

func TestLevelOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rec  logx.Record
		want Level
	}{
		{logx.Record{Level: logx.LevelDebug}, Debug},
		{logx.Record{Level: logx.LevelInfo}, Info},
		{logx.Record{Level: logx.LevelWarn}, Warning},
		{logx.Record{Level: logx.LevelError}, Error},
		{logx.Record{Level: logx.LevelWarn, Alert: true}, Alert},
		{logx.Record{Level: logx.LevelInfo, Alert: true}, Alert},
	}
	for _, tt := range tests {
		if got := LevelOf(tt.rec); got != tt.want {
			t.Fatalf("LevelOf(%+v) = %s, want %s", tt.rec, got, tt.want)
		}
	}
}

func TestForwardUsesComponentAndFields(t *testing.T) {
	t.Parallel()

	snd := newFakeSender()
	s := newServer(snd, clockwork.NewFakeClockAt(epoch), nil)
	s.Forward(logx.Record{
		Time:      epoch,
		Level:     logx.LevelError,
		Component: "snmpmeter",
		Message:   "poll failed",
		Fields:    []string{"target=ups.local"},
	})
	m := recvMail(t, snd.ch)
	if !strings.HasSuffix(m.subject, "snmpmeter - INSTANTANEOUSLY") || !strings.HasSuffix(m.body, "snmpmeter: poll failed target=ups.local") {
		t.Fatalf("unexpected mail %+v", m)
	}
}

func TestParseRouting(t *testing.T) {
	t.Parallel()

	r, err := ParseRouting(map[string]string{"WARNING": "daily", "debug": "Weekly"})
	if err != nil {
		t.Fatalf("ParseRouting: %v", err)
	}
	if r[Warning] != Daily || r[Debug] != Weekly || r[Error] != Instantaneously {
		t.Fatalf("routing = %v", r)
	}
	for _, bad := range []map[string]string{{"TRACE": "DAILY"}, {"INFO": "MONTHLY"}} {
		if _, err := ParseRouting(bad); err == nil {
			t.Fatalf("ParseRouting(%v) should fail", bad)
		}
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}
	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(text, 10)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("split = %q", got)
	}
	long := splitText(strings.Repeat("x", 25), 10)
	if len(long) != 3 || long[2] != "xxxxx" {
		t.Fatalf("hard split = %q", long)
	}
}

func TestBuildMessage(t *testing.T) {
	t.Parallel()

	msg := string(buildMessage("pi@example.org", []string{"a@example.org", "b@example.org"}, "subj\ninjected", "l1\nl2"))
	for _, want := range []string{
		"From: pi@example.org\r\n",
		"To: a@example.org, b@example.org\r\n",
		"Subject: subj injected\r\n",
		"\r\n\r\nl1\r\nl2\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestTelegramSender(t *testing.T) {
	t.Parallel()

	type call struct {
		path string
		body map[string]any
	}
	calls := make(chan call, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		calls <- call{path: r.URL.Path, body: body}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer srv.Close()

	snd, err := NewTelegramSender(TelegramConfig{Token: "123:abc", ChatID: 42, APIURL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegramSender: %v", err)
	}
	if err := snd.Send(context.Background(), "MailLogger raspi n1 - x - INSTANTANEOUSLY", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	c := <-calls
	if !strings.HasSuffix(c.path, "/bot123:abc/sendMessage") {
		t.Fatalf("path = %q", c.path)
	}
	if text, _ := c.body["text"].(string); !strings.Contains(text, "hello") {
		t.Fatalf("text = %v", c.body["text"])
	}

	if _, err := NewTelegramSender(TelegramConfig{}); err == nil {
		t.Fatal("empty token should fail")
	}
}
