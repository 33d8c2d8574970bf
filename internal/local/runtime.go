// Package local wires every stage into one process. Stages still talk to
// each other through JSON payloads, the same way the deployed functions do.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"student-query-agent/internal/domain"
	"student-query-agent/internal/integrations/invoker"
	"student-query-agent/internal/observability"
	"student-query-agent/internal/repository"
	"student-query-agent/internal/usecase"
	"student-query-agent/internal/worker"
)

const (
	targetResult = "result"
	targetAnswer = "answer"
)

type Options struct {
	Classifier usecase.Completer
	Answerer   usecase.Completer
	// Fetcher serves every worker source. Defaults to worker.Demo.
	Fetcher worker.Fetcher
	// Silent sources are dispatched but never respond.
	Silent []domain.Source
	// Aggregations defaults to an in-memory store.
	Aggregations usecase.AggregationStore

	AggregationTimeout time.Duration
	ConversationTTL    time.Duration
	ContextTurns       int
	MaxMessageLength   int
}

// Runtime runs the whole pipeline in-process.
type Runtime struct {
	turns      *usecase.TurnService
	aggregator *usecase.Aggregator
	invoker    *invoker.Local
	answers    *repository.MemoryAnswers

	mu      sync.Mutex
	waiters map[string][]chan string
}

func New(opts Options) (*Runtime, error) {
	if opts.Classifier == nil || opts.Answerer == nil {
		return nil, errors.New("local: classifier and answerer completers are required")
	}
	if opts.Fetcher == nil {
		opts.Fetcher = worker.Demo{}
	}
	if opts.Aggregations == nil {
		opts.Aggregations = repository.NewMemoryAggregations()
	}

	r := &Runtime{
		invoker: invoker.NewLocal(),
		answers: repository.NewMemoryAnswers(),
		waiters: make(map[string][]chan string),
	}

	memory, err := usecase.NewMemory(repository.NewMemoryConversations(), opts.ConversationTTL)
	if err != nil {
		return nil, err
	}
	classifier, err := usecase.NewIntentClassifier(opts.Classifier)
	if err != nil {
		return nil, err
	}
	analyzer, err := usecase.NewQueryAnalyzer(opts.Classifier)
	if err != nil {
		return nil, err
	}
	dispatcher, err := usecase.NewDispatcher(opts.Aggregations, r.invoker, nil, opts.AggregationTimeout)
	if err != nil {
		return nil, err
	}
	generator, err := usecase.NewAnswerGenerator(opts.Answerer, memory, r.answers, opts.ContextTurns)
	if err != nil {
		return nil, err
	}
	r.aggregator, err = usecase.NewAggregator(opts.Aggregations, usecase.InvokeSink{Invoker: r.invoker, Target: targetAnswer})
	if err != nil {
		return nil, err
	}
	r.turns, err = usecase.NewTurnService(classifier, analyzer, dispatcher, generator, memory,
		usecase.WithDeadlineWatcher(r.aggregator),
		usecase.WithContextTurns(opts.ContextTurns),
		usecase.WithMaxMessageLength(opts.MaxMessageLength),
	)
	if err != nil {
		return nil, err
	}

	svc, err := worker.NewService(opts.Fetcher, worker.InvokeSink{Invoker: r.invoker, Target: targetResult})
	if err != nil {
		return nil, err
	}
	silent := make(map[domain.Source]bool, len(opts.Silent))
	for _, src := range opts.Silent {
		silent[src] = true
	}
	for _, src := range domain.Sources {
		if silent[src] {
			r.invoker.Register(string(src), func(context.Context, []byte) {})
			continue
		}
		r.invoker.Register(string(src), r.workerHandler(svc))
	}
	r.invoker.Register(targetResult, r.resultHandler)
	r.invoker.Register(targetAnswer, r.answerHandler(generator))
	return r, nil
}

// Ask runs one turn and waits for its final answer. A turn that was already
// answered returns the stored record without running again.
func (r *Runtime) Ask(ctx context.Context, req domain.TurnRequest) (domain.FinalAnswer, error) {
	req = req.Normalize()
	if ans, ok := r.answers.Answer(req.CorrelationID); ok {
		return ans, nil
	}
	done := r.expect(req.CorrelationID)
	defer r.forget(req.CorrelationID, done)

	res, err := r.turns.Handle(ctx, req)
	if err != nil {
		return domain.FinalAnswer{}, err
	}
	if res.Status == usecase.TurnPending {
		if ans, ok := r.answers.Answer(req.CorrelationID); ok {
			return ans, nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return domain.FinalAnswer{}, fmt.Errorf("local: waiting for %s: %w", req.CorrelationID, ctx.Err())
		}
	}

	ans, ok := r.answers.Answer(req.CorrelationID)
	if !ok {
		return domain.FinalAnswer{}, fmt.Errorf("local: no answer recorded for %s", req.CorrelationID)
	}
	return ans, nil
}

// Wait blocks until every in-flight stage invocation has returned.
func (r *Runtime) Wait() {
	r.invoker.Wait()
}

// Answers exposes the final answer records written so far.
func (r *Runtime) Answers() *repository.MemoryAnswers {
	return r.answers
}

func (r *Runtime) workerHandler(svc *worker.Service) invoker.Func {
	return func(ctx context.Context, payload []byte) {
		var inv domain.WorkerInvocation
		if err := json.Unmarshal(payload, &inv); err != nil {
			observability.FromContext(ctx).Error("decode worker invocation", "error", err)
			return
		}
		if err := svc.Handle(ctx, inv); err != nil {
			observability.FromContext(ctx).Error("worker failed", "source", inv.Source, "error", err)
		}
	}
}

func (r *Runtime) resultHandler(ctx context.Context, payload []byte) {
	var resp domain.WorkerResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		observability.FromContext(ctx).Error("decode worker response", "error", err)
		return
	}
	if _, err := r.aggregator.Submit(ctx, resp); err != nil {
		observability.FromContext(ctx).Error("worker response rejected", "source", resp.Source, "error", err)
	}
}

func (r *Runtime) answerHandler(gen *usecase.AnswerGenerator) invoker.Func {
	return func(ctx context.Context, payload []byte) {
		var bundle domain.AggregatedBundle
		if err := json.Unmarshal(payload, &bundle); err != nil {
			observability.FromContext(ctx).Error("decode bundle", "error", err)
			return
		}
		answer, err := gen.Generate(ctx, bundle)
		if err != nil {
			observability.FromContext(ctx).Error("answer generation failed", "error", err)
		}
		r.notify(bundle.CorrelationID, answer)
	}
}

func (r *Runtime) expect(correlationID string) chan string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan string, 1)
	r.waiters[correlationID] = append(r.waiters[correlationID], ch)
	return ch
}

func (r *Runtime) forget(correlationID string, ch chan string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiting := r.waiters[correlationID]
	for i, c := range waiting {
		if c == ch {
			waiting = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) == 0 {
		delete(r.waiters, correlationID)
		return
	}
	r.waiters[correlationID] = waiting
}

// notify wakes every Ask waiting on the turn.
func (r *Runtime) notify(correlationID, answer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.waiters[correlationID] {
		select {
		case ch <- answer:
		default:
		}
	}
}
