package maillog

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "raspimon/pkg/logx"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, subject, body string) error
}

// SMTPConfig holds credentials for SMTPSender. Password is never logged.
type SMTPConfig struct {
	Server   string
	Port     int
	User     string
	Password string
	From     string
	To       []string
	Timeout  time.Duration
}

// SMTPSender mails over implicit TLS (SMTPS).
type SMTPSender struct {
	cfg SMTPConfig
	// tlsConfig is swappable in tests.
	tlsConfig *tls.Config
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 465
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.From == "" {
		cfg.From = cfg.User
	}
	return &SMTPSender{cfg: cfg, tlsConfig: &tls.Config{ServerName: cfg.Server}}
}

func (s *SMTPSender) Send(ctx context.Context, subject, body string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(s.cfg.Server, strconv.Itoa(s.cfg.Port))
	d := tls.Dialer{NetDialer: &net.Dialer{}, Config: s.tlsConfig}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp: dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, s.cfg.Server)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp: handshake: %w", err)
	}
	defer c.Close()

	if s.cfg.User != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Server)); err != nil {
			return fmt.Errorf("smtp: auth: %w", err)
		}
	}
	if err := c.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp: mail from: %w", err)
	}
	for _, to := range s.cfg.To {
		if err := c.Rcpt(to); err != nil {
			return fmt.Errorf("smtp: rcpt %s: %w", to, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp: data: %w", err)
	}
	if _, err := w.Write(buildMessage(s.cfg.From, s.cfg.To, subject, body)); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: data close: %w", err)
	}
	return c.Quit()
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + strings.NewReplacer("\r", " ", "\n", " ").Replace(subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

// TelegramSender posts messages to one chat. It never polls for updates.
type TelegramSender struct {
	cfg TelegramConfig
	bot *tele.Bot
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{cfg: cfg, bot: b}, nil
}

func (t *TelegramSender) Send(ctx context.Context, subject, body string) error {
	chat := &tele.Chat{ID: t.cfg.ChatID}
	for i, chunk := range splitText(subject+"\n\n"+body, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: t.cfg.ThreadID}
		if _, err := t.bot.Send(chat, chunk, opt); err != nil {
			return fmt.Errorf("telegram: chunk %d: %w", i, err)
		}
	}
	return nil
}

const telegramTextLimit = 4000

// splitText splits long messages into chunks, preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// LogSender only writes to the local log. It is the fallback when no
// transport is configured.
type LogSender struct{ Log logx.Logger }

func (l LogSender) Send(_ context.Context, subject, body string) error {
	l.Log.Info(subject, logx.Local(), logx.String("body", body))
	return nil
}

// MultiSender delivers to every sender and joins their errors.
type MultiSender []Sender

func (m MultiSender) Send(ctx context.Context, subject, body string) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
