package obs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stdout, "json")
)

func newLogger(w io.Writer, format string) zerolog.Logger {
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("service", "medgate").Logger()
}

// InitLogger sets the global level and output format ("json" or "console").
func InitLogger(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	loggerMu.Lock()
	logger = newLogger(os.Stdout, format)
	loggerMu.Unlock()
}

// Logger returns the shared structured logger used across the service.
func Logger() *zerolog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	return &l
}

// SetOutput redirects the shared logger to w (JSON format) and returns a
// function restoring the previous logger. Intended for tests.
func SetOutput(w io.Writer) func() {
	loggerMu.Lock()
	prev := logger
	logger = zerolog.New(w).With().Timestamp().Logger()
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// LogRequest emits a structured log line with common HTTP fields.
func LogRequest(method, path string, status int, d time.Duration, requestID string) {
	evt := Logger().Info()
	if status >= 500 {
		evt = Logger().Error()
	}
	evt.Str("type", "http").
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("duration", d).
		Str("request_id", requestID).
		Msg("request")
}
