package app

import (
	"time"

	"raspimon/internal/config"
	"raspimon/internal/maillog"
	logx "raspimon/pkg/logx"
)

// mapMailSender builds the configured transports. With none configured,
// messages only reach the local log.
func mapMailSender(mc config.MailLogConfig, log logx.Logger) (maillog.Sender, error) {
	var senders maillog.MultiSender
	if s := mc.SMTP; s != nil {
		timeout, err := config.ParseDurationOrDefault("maillog.smtp.timeout", s.Timeout, 30*time.Second)
		if err != nil {
			return nil, err
		}
		senders = append(senders, maillog.NewSMTPSender(maillog.SMTPConfig{
			Server:   s.Server,
			Port:     s.Port,
			User:     s.User,
			Password: s.Password,
			From:     s.From,
			To:       s.To,
			Timeout:  timeout,
		}))
	}
	if t := mc.Telegram; t != nil {
		ts, err := maillog.NewTelegramSender(maillog.TelegramConfig{
			Token:    t.Token,
			ChatID:   t.ChatID,
			ThreadID: t.ThreadID,
		})
		if err != nil {
			return nil, err
		}
		senders = append(senders, ts)
	}
	switch len(senders) {
	case 0:
		return maillog.LogSender{Log: log}, nil
	case 1:
		return senders[0], nil
	}
	return senders, nil
}

// mapMailRouting returns the routing and the send_empty flag (default true).
func mapMailRouting(mc config.MailLogConfig) (maillog.Routing, bool, error) {
	r, err := maillog.ParseRouting(mc.Routing)
	if err != nil {
		return nil, false, err
	}
	sendEmpty := true
	if mc.SendEmpty != nil {
		sendEmpty = *mc.SendEmpty
	}
	return r, sendEmpty, nil
}

func mapLogging(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    lc.Forward.Enabled,
			MinLevel:   lc.Forward.MinLevel,
			RatePerSec: lc.Forward.RatePerSec,
		},
	}
}
