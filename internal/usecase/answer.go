package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"student-query-agent/internal/domain"
	"student-query-agent/internal/metrics"
	"student-query-agent/internal/observability"
)

const defaultContextTurns = 4

// FinalAnswerStore persists the terminal answer of a turn.
type FinalAnswerStore interface {
	PutAnswer(ctx context.Context, ans domain.FinalAnswer) error
}

type AnswerGenerator struct {
	llm          Completer
	memory       *Memory
	answers      FinalAnswerStore
	contextTurns int
	now          func() time.Time
}

func NewAnswerGenerator(llm Completer, memory *Memory, answers FinalAnswerStore, contextTurns int) (*AnswerGenerator, error) {
	if llm == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	if memory == nil {
		return nil, errors.New("usecase: memory must not be nil")
	}
	if answers == nil {
		return nil, errors.New("usecase: final answer store must not be nil")
	}
	if contextTurns <= 0 {
		contextTurns = defaultContextTurns
	}
	return &AnswerGenerator{
		llm:          llm,
		memory:       memory,
		answers:      answers,
		contextTurns: contextTurns,
		now:          time.Now,
	}, nil
}

// Generate answers the bundle's question and closes the turn. A capability
// failure yields the apology text; it is never returned as an error.
func (g *AnswerGenerator) Generate(ctx context.Context, bundle domain.AggregatedBundle) (string, error) {
	bundle.CorrelationID = strings.TrimSpace(bundle.CorrelationID)
	bundle.UserID = strings.TrimSpace(bundle.UserID)
	bundle.Message = strings.TrimSpace(bundle.Message)
	if bundle.CorrelationID == "" || bundle.UserID == "" || bundle.Message == "" {
		return "", newError(ErrorInvalidInput, "incomplete_bundle", nil)
	}

	ctx = observability.WithTurn(ctx, bundle.CorrelationID, bundle.UserID)
	ctx, span, end := startStage(ctx, "answer")
	defer end()
	log := observability.FromContext(ctx)

	history := g.memory.RecentTurns(ctx, bundle.UserID, g.contextTurns)
	msgs := append(historyMessages(history), domain.ChatMessage{Role: string(domain.RoleUser), Content: bundle.Message})

	answer, err := g.llm.Complete(ctx, buildAnswerPrompt(bundle), msgs)
	answer = strings.TrimSpace(answer)
	if err == nil && answer == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		metrics.AnswerFallbacks.Inc()
		span.RecordError(err)
		log.Warn("answer generation failed, returning apology", "reason", capabilityFailureReason(err), "error", err)
		answer = fallbackAnswer(bundle.Message)
	}

	g.closeTurn(ctx, bundle.CorrelationID, bundle.UserID, bundle.Message, answer)
	return answer, nil
}

// closeTurn appends both sides of the exchange to memory and stores the
// final answer. Each write is independent and best-effort.
func (g *AnswerGenerator) closeTurn(ctx context.Context, correlationID, userID, question, answer string) {
	g.memory.Append(ctx, userID, correlationID, domain.RoleUser, question)
	g.memory.Append(ctx, userID, correlationID, domain.RoleAssistant, answer)

	err := g.answers.PutAnswer(ctx, domain.FinalAnswer{
		CorrelationID: correlationID,
		UserID:        userID,
		Question:      question,
		Answer:        answer,
		CreatedAt:     g.now().UTC(),
	})
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("answers").Inc()
		observability.FromContext(ctx).Warn("final answer write failed", "error", err)
	}
}
