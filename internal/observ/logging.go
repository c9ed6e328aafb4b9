package observ

import (
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// SetupLogger replaces the process logger. Level is a zerolog level name;
// unknown names fall back to info.
func SetupLogger(w io.Writer, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	logMu.Lock()
	logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	logMu.Unlock()
}

// Logger returns a component logger tagged with name.
func Logger(component string) zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger.With().Str("component", component).Logger()
}

// Log writes one structured event line. Keys are emitted in sorted order so
// log lines for the same event are stable.
func Log(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	emit(l.Info(), event, kv)
}

// Warn is Log at warn level.
func Warn(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	emit(l.Warn(), event, kv)
}

// Error is Log at error level with err attached.
func Error(event string, err error, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	emit(l.Error().Err(err), event, kv)
}

func emit(e *zerolog.Event, event string, kv map[string]any) {
	if e == nil {
		return
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e = e.Interface(k, kv[k])
	}
	e.Str("event", event).Send()
}
