package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"student-query-agent/internal/domain"
	"student-query-agent/internal/metrics"
	"student-query-agent/internal/observability"
)

const defaultAggregationTimeout = 20 * time.Second

// AggregationStore is the fan-in state shared by the dispatcher and the
// aggregator. Every method is safe under concurrent callers for the same turn.
type AggregationStore interface {
	// Register creates the collecting state. It reports false and changes
	// nothing when the correlation id is already registered.
	Register(ctx context.Context, st domain.AggregationState) (bool, error)
	// Record stores a response and returns the updated state. It returns
	// domain.ErrTurnNotFound, domain.ErrTurnClosed or domain.ErrUnexpectedSource
	// when the response cannot be accepted.
	Record(ctx context.Context, resp domain.WorkerResponse) (domain.AggregationState, error)
	// Forward moves a collecting turn to a terminal status. Exactly one caller
	// per turn receives true.
	Forward(ctx context.Context, correlationID string, status domain.AggregationStatus) (domain.AggregationState, bool, error)
	// Expired lists collecting turns whose deadline is at or before now.
	Expired(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// DispatchReceipt describes what Dispatch did for one turn.
type DispatchReceipt struct {
	Sources  []domain.Source
	Deadline time.Time
	// Registered is false when the turn had already been dispatched.
	Registered bool
	Failed     []domain.Source
}

type Dispatcher struct {
	store   AggregationStore
	invoker Invoker
	target  func(domain.Source) string
	timeout time.Duration
	now     func() time.Time
}

// NewDispatcher builds a dispatcher. target maps a source to the name the
// invoker delivers to.
func NewDispatcher(store AggregationStore, invoker Invoker, target func(domain.Source) string, timeout time.Duration) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("usecase: aggregation store must not be nil")
	}
	if invoker == nil {
		return nil, errors.New("usecase: invoker must not be nil")
	}
	if target == nil {
		target = func(src domain.Source) string { return string(src) }
	}
	if timeout <= 0 {
		timeout = defaultAggregationTimeout
	}
	return &Dispatcher{store: store, invoker: invoker, target: target, timeout: timeout, now: time.Now}, nil
}

// Dispatch registers the expected sources and then fires one asynchronous
// invocation per distinct source. It does not wait for workers. A failed
// invocation is logged and left to the aggregation timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.TurnRequest, reqs []domain.WorkerRequirement) (DispatchReceipt, error) {
	ctx, span, end := startStage(ctx, "dispatcher")
	defer end()
	log := observability.FromContext(ctx)

	reqs = collapseRequirements(reqs)
	if len(reqs) == 0 {
		return DispatchReceipt{}, newError(ErrorInvalidInput, "no_workers", nil)
	}

	sources := make([]domain.Source, 0, len(reqs))
	for _, r := range reqs {
		sources = append(sources, r.Source)
	}
	receipt := DispatchReceipt{Sources: sources, Deadline: d.now().Add(d.timeout).UTC()}

	created, err := d.store.Register(ctx, domain.AggregationState{
		CorrelationID: req.CorrelationID,
		UserID:        req.UserID,
		Message:       req.Message,
		Expected:      sources,
		Status:        domain.AggregationCollecting,
		Deadline:      receipt.Deadline,
	})
	if err != nil {
		span.RecordError(err)
		return DispatchReceipt{}, newError(ErrorInternal, "aggregation_register_error", err)
	}
	if !created {
		log.Info("turn already dispatched, skipping worker invocations")
		return receipt, nil
	}
	receipt.Registered = true

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed = make(map[domain.Source]bool)
	)
	for _, r := range reqs {
		wg.Add(1)
		go func(r domain.WorkerRequirement) {
			defer wg.Done()
			if err := d.invoke(ctx, req, r); err != nil {
				metrics.DispatchesTotal.WithLabelValues(string(r.Source), "error").Inc()
				log.Error("worker invocation failed", "source", r.Source, "error", err)
				mu.Lock()
				failed[r.Source] = true
				mu.Unlock()
				return
			}
			metrics.DispatchesTotal.WithLabelValues(string(r.Source), "ok").Inc()
		}(r)
	}
	wg.Wait()

	for _, src := range sources {
		if failed[src] {
			receipt.Failed = append(receipt.Failed, src)
		}
	}
	log.Info("workers dispatched", "sources", sources, "failed", len(receipt.Failed), "deadline", receipt.Deadline)
	return receipt, nil
}

func (d *Dispatcher) invoke(ctx context.Context, req domain.TurnRequest, r domain.WorkerRequirement) error {
	payload, err := json.Marshal(domain.WorkerInvocation{
		CorrelationID: req.CorrelationID,
		UserID:        req.UserID,
		Message:       req.Message,
		Source:        r.Source,
		Params:        r.Params,
	})
	if err != nil {
		return fmt.Errorf("usecase: encode invocation: %w", err)
	}
	return d.invoker.Invoke(ctx, d.target(r.Source), payload)
}

// collapseRequirements keeps the first requirement of each known source.
func collapseRequirements(reqs []domain.WorkerRequirement) []domain.WorkerRequirement {
	seen := make(map[domain.Source]bool, len(reqs))
	out := make([]domain.WorkerRequirement, 0, len(reqs))
	for _, r := range reqs {
		if !r.Source.Valid() || seen[r.Source] {
			continue
		}
		seen[r.Source] = true
		out = append(out, r)
	}
	return out
}
