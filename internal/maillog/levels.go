package maillog

import (
	"fmt"
	"strings"

	logx "raspimon/pkg/logx"
)

type Level string

const (
	Debug   Level = "DEBUG"
	Info    Level = "INFO"
	Alert   Level = "ALERT"
	Warning Level = "WARNING"
	Error   Level = "ERROR"
)

var Levels = []Level{Debug, Info, Alert, Warning, Error}

// Schedule decides when a message is mailed.
type Schedule string

const (
	Silently        Schedule = "SILENTLY"
	Instantaneously Schedule = "INSTANTANEOUSLY"
	Hourly          Schedule = "HOURLY"
	Daily           Schedule = "DAILY"
	Weekly          Schedule = "WEEKLY"
)

// Queued are the schedules that accumulate messages.
var Queued = []Schedule{Hourly, Daily, Weekly}

// Routing maps every level to a schedule.
type Routing map[Level]Schedule

func DefaultRouting() Routing {
	return Routing{
		Debug:   Silently,
		Info:    Daily,
		Alert:   Instantaneously,
		Warning: Instantaneously,
		Error:   Instantaneously,
	}
}

func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	for _, v := range Levels {
		if v == l {
			return l, nil
		}
	}
	return "", fmt.Errorf("maillog: unknown level %q", s)
}

func ParseSchedule(s string) (Schedule, error) {
	sc := Schedule(strings.ToUpper(strings.TrimSpace(s)))
	switch sc {
	case Silently, Instantaneously, Hourly, Daily, Weekly:
		return sc, nil
	}
	return "", fmt.Errorf("maillog: unknown schedule %q", s)
}

// ParseRouting applies overrides on top of the default routing.
func ParseRouting(overrides map[string]string) (Routing, error) {
	r := DefaultRouting()
	for k, v := range overrides {
		l, err := ParseLevel(k)
		if err != nil {
			return nil, err
		}
		s, err := ParseSchedule(v)
		if err != nil {
			return nil, err
		}
		r[l] = s
	}
	return r, nil
}

// LevelOf maps a log record to a mail level. Alert records win over their
// log level.
func LevelOf(rec logx.Record) Level {
	switch {
	case rec.Alert:
		return Alert
	case rec.Level >= logx.LevelError:
		return Error
	case rec.Level >= logx.LevelWarn:
		return Warning
	case rec.Level >= logx.LevelInfo:
		return Info
	}
	return Debug
}
