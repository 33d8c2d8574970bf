package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"student-query-agent/internal/domain"
	"student-query-agent/internal/metrics"
	"student-query-agent/internal/observability"
)

// BundleSink receives every forwarded bundle.
type BundleSink interface {
	Deliver(ctx context.Context, bundle domain.AggregatedBundle) error
}

type BundleSinkFunc func(ctx context.Context, bundle domain.AggregatedBundle) error

func (f BundleSinkFunc) Deliver(ctx context.Context, bundle domain.AggregatedBundle) error {
	return f(ctx, bundle)
}

// InvokeSink sends bundles to the answer stage through an Invoker.
type InvokeSink struct {
	Invoker Invoker
	Target  string
}

func (s InvokeSink) Deliver(ctx context.Context, bundle domain.AggregatedBundle) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("usecase: encode bundle: %w", err)
	}
	return s.Invoker.Invoke(ctx, s.Target, payload)
}

type SubmitOutcome string

const (
	// SubmitRecorded means the response was stored and the turn is still collecting.
	SubmitRecorded SubmitOutcome = "recorded"
	// SubmitForwarded means this response closed the turn and its bundle was delivered.
	SubmitForwarded SubmitOutcome = "forwarded"
	// SubmitLate means the turn was already forwarded and the response was dropped.
	SubmitLate SubmitOutcome = "late"
)

// Aggregator fans worker responses in by correlation id. A turn is forwarded
// once, either when every expected source has reported or when its deadline
// passes. Repeated responses for a source overwrite the earlier one (last
// write wins); this merge rule is provisional.
type Aggregator struct {
	store AggregationStore
	sink  BundleSink
	now   func() time.Time
}

func NewAggregator(store AggregationStore, sink BundleSink) (*Aggregator, error) {
	if store == nil {
		return nil, errors.New("usecase: aggregation store must not be nil")
	}
	if sink == nil {
		return nil, errors.New("usecase: bundle sink must not be nil")
	}
	return &Aggregator{store: store, sink: sink, now: time.Now}, nil
}

// Submit accepts one worker response.
func (a *Aggregator) Submit(ctx context.Context, resp domain.WorkerResponse) (SubmitOutcome, error) {
	resp.CorrelationID = strings.TrimSpace(resp.CorrelationID)
	ctx = observability.WithTurn(ctx, resp.CorrelationID, "")
	ctx, span, end := startStage(ctx, "aggregator")
	defer end()
	log := observability.FromContext(ctx)

	if err := validateResponse(resp); err != nil {
		metrics.WorkerResponsesTotal.WithLabelValues(sourceLabel(resp.Source), "rejected").Inc()
		return "", err
	}

	st, err := a.store.Record(ctx, resp)
	switch {
	case errors.Is(err, domain.ErrTurnClosed):
		metrics.WorkerResponsesTotal.WithLabelValues(sourceLabel(resp.Source), "late").Inc()
		log.Info("late worker response ignored", "source", resp.Source)
		return SubmitLate, nil
	case errors.Is(err, domain.ErrTurnNotFound):
		metrics.WorkerResponsesTotal.WithLabelValues(sourceLabel(resp.Source), "rejected").Inc()
		return "", newError(ErrorUnknownTurn, "unknown_correlation_id", err)
	case errors.Is(err, domain.ErrUnexpectedSource):
		metrics.WorkerResponsesTotal.WithLabelValues(sourceLabel(resp.Source), "rejected").Inc()
		return "", newError(ErrorInvalidInput, "unexpected_source", err)
	case err != nil:
		span.RecordError(err)
		return "", newError(ErrorInternal, "aggregation_record_error", err)
	}
	metrics.WorkerResponsesTotal.WithLabelValues(sourceLabel(resp.Source), string(resp.Status)).Inc()

	switch {
	case st.Complete():
		return a.forward(ctx, resp.CorrelationID, domain.AggregationComplete)
	case !a.now().Before(st.Deadline):
		return a.forward(ctx, resp.CorrelationID, domain.AggregationTimedOut)
	default:
		log.Debug("worker response recorded", "source", resp.Source, "outstanding", st.Outstanding())
		return SubmitRecorded, nil
	}
}

// Expire forwards the turn as timed out with whatever has arrived. It
// reports false when the turn was already forwarded.
func (a *Aggregator) Expire(ctx context.Context, correlationID string) (bool, error) {
	ctx = observability.WithTurn(ctx, correlationID, "")
	outcome, err := a.forward(ctx, correlationID, domain.AggregationTimedOut)
	if errors.Is(err, domain.ErrTurnNotFound) {
		return false, nil
	}
	return outcome == SubmitForwarded, err
}

// Sweep expires every collecting turn whose deadline is at or before now
// and returns how many it forwarded.
func (a *Aggregator) Sweep(ctx context.Context, now time.Time, limit int) (int, error) {
	ctx, span, end := startStage(ctx, "sweep")
	defer end()

	ids, err := a.store.Expired(ctx, now, limit)
	if err != nil {
		span.RecordError(err)
		return 0, newError(ErrorInternal, "aggregation_scan_error", err)
	}

	forwarded := 0
	var errs []error
	for _, id := range ids {
		ok, err := a.Expire(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
			continue
		}
		if ok {
			forwarded++
		}
	}
	if len(errs) > 0 {
		return forwarded, newError(ErrorInternal, "aggregation_sweep_error", errors.Join(errs...))
	}
	return forwarded, nil
}

// Watch expires the turn at deadline unless it completes first.
func (a *Aggregator) Watch(correlationID string, deadline time.Time) {
	time.AfterFunc(time.Until(deadline), func() {
		ctx := observability.WithTurn(context.Background(), correlationID, "")
		if _, err := a.Expire(ctx, correlationID); err != nil {
			observability.FromContext(ctx).Error("aggregation timeout failed", "error", err)
		}
	})
}

func (a *Aggregator) forward(ctx context.Context, correlationID string, status domain.AggregationStatus) (SubmitOutcome, error) {
	log := observability.FromContext(ctx)

	st, ok, err := a.store.Forward(ctx, correlationID, status)
	if errors.Is(err, domain.ErrTurnNotFound) {
		return "", err
	}
	if err != nil {
		return "", newError(ErrorInternal, "aggregation_forward_error", err)
	}
	if !ok {
		return SubmitLate, nil
	}

	metrics.AggregationsTotal.WithLabelValues(string(status)).Inc()
	if status == domain.AggregationTimedOut {
		log.Warn("aggregation timed out, forwarding partial bundle",
			"received", len(st.Results),
			"outstanding", st.Outstanding(),
		)
	} else {
		log.Info("aggregation complete", "received", len(st.Results))
	}

	if err := a.sink.Deliver(ctx, st.Bundle()); err != nil {
		log.Error("bundle delivery failed", "error", err)
		return "", newError(ErrorUpstream, "bundle_delivery_error", err)
	}
	return SubmitForwarded, nil
}

// sourceLabel bounds the metric label set to the known sources.
func sourceLabel(src domain.Source) string {
	if !src.Valid() {
		return "unknown"
	}
	return string(src)
}

func validateResponse(resp domain.WorkerResponse) error {
	if resp.CorrelationID == "" {
		return newError(ErrorInvalidInput, "missing_correlation_id", nil)
	}
	if !resp.Source.Valid() {
		return newError(ErrorInvalidInput, "unknown_source", fmt.Errorf("source %q", resp.Source))
	}
	if !resp.Status.Valid() {
		return newError(ErrorInvalidInput, "invalid_status", fmt.Errorf("status %q", resp.Status))
	}
	if len(resp.Data) > 0 && !json.Valid(resp.Data) {
		return newError(ErrorInvalidInput, "invalid_data", nil)
	}
	return nil
}
