package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "5s", want: 5000 * time.Millisecond},
		{in: "2m", want: 120000 * time.Millisecond},
		{in: "1h", want: 3600000 * time.Millisecond},
		{in: "1d", want: 86400000 * time.Millisecond},
		{in: "1w", want: 604800000 * time.Millisecond},
		{in: " 30s ", want: 30 * time.Second},
		{in: "0s", want: 0},
		{in: "1500", want: 1500 * time.Millisecond},
		{in: "5x", wantErr: true},
		{in: "", wantErr: true},
		{in: "s", wantErr: true},
		{in: "-5s", wantErr: true},
		{in: "+5s", wantErr: true},
		{in: "1.5h", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "99999999999999999w", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseDuration(%q): expected error, got %v", tc.in, got)
			}
			if !errors.Is(err, ErrInvalidDuration) {
				t.Fatalf("ParseDuration(%q): error %v is not ErrInvalidDuration", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDuration(%q): unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseDuration(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	cases := map[time.Duration]string{
		0:                       "0",
		5 * time.Second:         "5s",
		90 * time.Second:        "90s",
		time.Hour:               "1h",
		21 * time.Hour:          "21h",
		Day:                     "1d",
		2 * Week:                "2w",
		1500 * time.Millisecond: "1500",
	}
	for in, want := range cases {
		if got := FormatDuration(in); got != want {
			t.Fatalf("FormatDuration(%v)=%q want %q", in, got, want)
		}
		if in > 0 {
			back, err := ParseDuration(FormatDuration(in))
			if err != nil || back != in {
				t.Fatalf("round trip %v: got %v err=%v", in, back, err)
			}
		}
	}
}

func TestMustParseDuration(t *testing.T) {
	t.Parallel()

	if got := MustParseDuration("21h"); got != 21*time.Hour {
		t.Fatalf("MustParseDuration(21h) = %s", got)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("MustParseDuration did not panic on a bad literal")
		}
	}()
	MustParseDuration("soon")
}
