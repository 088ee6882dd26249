// Package logging builds the process logger and holds helpers for keeping
// mailbox identities out of log lines.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns the root logger. Development gets a console writer, everything else JSON.
func New(env, level string) zerolog.Logger {
	var w io.Writer = os.Stderr
	if env == "development" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return NewWithWriter(w, level)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// RedactEmail keeps the first and last character of each part of an address.
// "alice@example.com" becomes "a***e@e*****e.c*m".
func RedactEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}

	labels := strings.Split(s[at+1:], ".")
	for i, l := range labels {
		labels[i] = mask(l)
	}
	return mask(s[:at]) + "@" + strings.Join(labels, ".")
}

func mask(part string) string {
	if len(part) <= 1 {
		return "*"
	}
	return part[:1] + strings.Repeat("*", max(0, len(part)-2)) + part[len(part)-1:]
}
