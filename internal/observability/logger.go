package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type ctxKey string

const ctxKeyTurn ctxKey = "turn"

type turnFields struct {
	correlationID string
	userID        string
}

var (
	mu     sync.RWMutex
	logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
)

// Init replaces the process logger with a JSON logger at the given level.
func Init(w io.Writer, level string) *slog.Logger {
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
	mu.Lock()
	logger = l
	mu.Unlock()
	slog.SetDefault(l)
	return l
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// WithTurn stores the turn identity in the context so every log line of the
// turn carries it.
func WithTurn(ctx context.Context, correlationID, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyTurn, turnFields{correlationID: correlationID, userID: userID})
}

// FromContext returns the process logger with turn fields attached when present.
func FromContext(ctx context.Context) *slog.Logger {
	l := Logger()
	f, ok := ctx.Value(ctxKeyTurn).(turnFields)
	if !ok {
		return l
	}
	if f.correlationID != "" {
		l = l.With("correlation_id", f.correlationID)
	}
	if f.userID != "" {
		l = l.With("user_id", f.userID)
	}
	return l
}
