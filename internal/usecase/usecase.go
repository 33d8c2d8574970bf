// Package usecase holds the pipeline stages: intent classification, query
// analysis, dispatch, aggregation, answer generation and conversation memory.
package usecase

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"student-query-agent/internal/domain"
	"student-query-agent/internal/metrics"
)

// Completer is the text-completion capability. The reply may not be JSON.
type Completer interface {
	Complete(ctx context.Context, system string, messages []domain.ChatMessage) (string, error)
}

// Invoker hands a payload to another stage without waiting for it.
type Invoker interface {
	Invoke(ctx context.Context, target string, payload []byte) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

var tracer = otel.Tracer("student-query-agent/usecase")

// startStage opens a span for a pipeline stage and returns the function
// that closes it and records the stage duration.
func startStage(ctx context.Context, stage string) (context.Context, trace.Span, func()) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, stage, trace.WithAttributes(attribute.String("stage", stage)))
	return ctx, span, func() {
		metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
		span.End()
	}
}

// capabilityFailureReason labels a failed completion call for metrics.
func capabilityFailureReason(err error) string {
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return "rate_limited"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "capability_error"
}

// historyMessages converts the window into chat messages. The window is cut
// by record count, so assistant entries ahead of the first user entry are
// dropped to keep the conversation starting with a user message.
func historyMessages(turns []domain.ConversationTurn) []domain.ChatMessage {
	msgs := make([]domain.ChatMessage, 0, len(turns))
	for _, t := range turns {
		if !t.Role.Valid() || t.Content == "" {
			continue
		}
		if len(msgs) == 0 && t.Role == domain.RoleAssistant {
			continue
		}
		msgs = append(msgs, domain.ChatMessage{Role: string(t.Role), Content: t.Content})
	}
	return msgs
}
