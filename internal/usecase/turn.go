package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"student-query-agent/internal/domain"
	"student-query-agent/internal/metrics"
	"student-query-agent/internal/observability"
)

const defaultMaxMessageLength = 1000

type TurnStatus string

const (
	TurnComplete TurnStatus = "complete"
	TurnPending  TurnStatus = "pending"
)

// Routes a turn can take through the entry stage.
const (
	RouteSmallTalk      = "small_talk"
	RouteDirect         = "direct"
	RouteDispatched     = "dispatched"
	RouteFallbackDirect = "fallback_direct"
)

// DeadlineWatcher expires a dispatched turn at its deadline.
type DeadlineWatcher interface {
	Watch(correlationID string, deadline time.Time)
}

type TurnResult struct {
	CorrelationID string
	Status        TurnStatus
	Route         string
	// Answer is set when Status is TurnComplete.
	Answer string
}

// TurnService is the entry stage: it classifies the message and either
// answers it directly or dispatches the workers the analyzer asks for.
type TurnService struct {
	classifier   *IntentClassifier
	analyzer     *QueryAnalyzer
	dispatcher   *Dispatcher
	answers      *AnswerGenerator
	memory       *Memory
	watcher      DeadlineWatcher
	contextTurns int
	maxMessage   int
}

type TurnOption func(*TurnService)

// WithDeadlineWatcher arms an in-process timeout for every dispatched turn.
func WithDeadlineWatcher(w DeadlineWatcher) TurnOption {
	return func(s *TurnService) { s.watcher = w }
}

func WithContextTurns(n int) TurnOption {
	return func(s *TurnService) {
		if n > 0 {
			s.contextTurns = n
		}
	}
}

func WithMaxMessageLength(n int) TurnOption {
	return func(s *TurnService) {
		if n > 0 {
			s.maxMessage = n
		}
	}
}

func NewTurnService(classifier *IntentClassifier, analyzer *QueryAnalyzer, dispatcher *Dispatcher, answers *AnswerGenerator, memory *Memory, opts ...TurnOption) (*TurnService, error) {
	if classifier == nil || analyzer == nil || dispatcher == nil || answers == nil || memory == nil {
		return nil, errors.New("usecase: turn service dependencies must not be nil")
	}
	s := &TurnService{
		classifier:   classifier,
		analyzer:     analyzer,
		dispatcher:   dispatcher,
		answers:      answers,
		memory:       memory,
		contextTurns: defaultContextTurns,
		maxMessage:   defaultMaxMessageLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handle runs the entry stage for one turn. Only invalid input is returned
// as an error; every other failure still ends in a user-visible answer or a
// pending turn bounded by the aggregation timeout.
func (s *TurnService) Handle(ctx context.Context, req domain.TurnRequest) (TurnResult, error) {
	req = req.Normalize()
	if err := s.validate(req); err != nil {
		return TurnResult{}, err
	}

	ctx = observability.WithTurn(ctx, req.CorrelationID, req.UserID)
	ctx, _, end := startStage(ctx, "turn")
	defer end()
	log := observability.FromContext(ctx)

	history := s.memory.RecentTurns(ctx, req.UserID, s.contextTurns)

	if talk, ok := s.classifier.Classify(ctx, req.Message, history).(SmallTalk); ok {
		s.answers.closeTurn(ctx, req.CorrelationID, req.UserID, req.Message, talk.Response)
		return s.complete(ctx, req, RouteSmallTalk, talk.Response), nil
	}

	analysis := s.analyzer.Analyze(ctx, req.UserID, req.Message, history)
	if len(analysis.Requirements) == 0 {
		return s.answerDirect(ctx, req, RouteDirect)
	}

	receipt, err := s.dispatcher.Dispatch(ctx, req, analysis.Requirements)
	if err != nil {
		log.Error("dispatch failed, answering without data", "error", err)
		return s.answerDirect(ctx, req, RouteFallbackDirect)
	}
	if receipt.Registered && s.watcher != nil {
		s.watcher.Watch(req.CorrelationID, receipt.Deadline)
	}

	metrics.TurnsTotal.WithLabelValues(RouteDispatched).Inc()
	log.Info("turn pending on workers", "sources", receipt.Sources)
	return TurnResult{CorrelationID: req.CorrelationID, Status: TurnPending, Route: RouteDispatched}, nil
}

func (s *TurnService) answerDirect(ctx context.Context, req domain.TurnRequest, route string) (TurnResult, error) {
	answer, err := s.answers.Generate(ctx, domain.AggregatedBundle{
		CorrelationID: req.CorrelationID,
		UserID:        req.UserID,
		Message:       req.Message,
		Responses:     map[domain.Source]json.RawMessage{},
	})
	if err != nil {
		return TurnResult{}, err
	}
	return s.complete(ctx, req, route, answer), nil
}

func (s *TurnService) complete(ctx context.Context, req domain.TurnRequest, route, answer string) TurnResult {
	metrics.TurnsTotal.WithLabelValues(route).Inc()
	observability.FromContext(ctx).Info("turn answered", "route", route)
	return TurnResult{CorrelationID: req.CorrelationID, Status: TurnComplete, Route: route, Answer: answer}
}

func (s *TurnService) validate(req domain.TurnRequest) error {
	switch {
	case req.CorrelationID == "":
		return newError(ErrorInvalidInput, "missing_correlation_id", nil)
	case req.UserID == "":
		return newError(ErrorInvalidInput, "missing_user_id", nil)
	case req.Message == "":
		return newError(ErrorInvalidInput, "missing_message", nil)
	case utf8.RuneCountInString(req.Message) > s.maxMessage:
		return newError(ErrorInvalidInput, "message_too_long", nil)
	}
	return nil
}
