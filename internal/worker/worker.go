// Package worker runs a data-retrieval worker: it fetches data for one
// invocation and reports the result to the aggregation stage.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"student-query-agent/internal/domain"
	"student-query-agent/internal/observability"
)

// Fetcher retrieves the data a source provides for one invocation.
type Fetcher interface {
	Fetch(ctx context.Context, inv domain.WorkerInvocation) (json.RawMessage, error)
}

// ResultSink receives worker responses.
type ResultSink interface {
	Deliver(ctx context.Context, resp domain.WorkerResponse) error
}

type ResultSinkFunc func(ctx context.Context, resp domain.WorkerResponse) error

func (f ResultSinkFunc) Deliver(ctx context.Context, resp domain.WorkerResponse) error {
	return f(ctx, resp)
}

type payloadInvoker interface {
	Invoke(ctx context.Context, target string, payload []byte) error
}

// InvokeSink sends responses to the aggregation stage through an invoker.
type InvokeSink struct {
	Invoker payloadInvoker
	Target  string
}

func (s InvokeSink) Deliver(ctx context.Context, resp domain.WorkerResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("worker: encode response: %w", err)
	}
	return s.Invoker.Invoke(ctx, s.Target, payload)
}

type Service struct {
	fetcher Fetcher
	sink    ResultSink
}

func NewService(fetcher Fetcher, sink ResultSink) (*Service, error) {
	if fetcher == nil {
		return nil, errors.New("worker: fetcher must not be nil")
	}
	if sink == nil {
		return nil, errors.New("worker: result sink must not be nil")
	}
	return &Service{fetcher: fetcher, sink: sink}, nil
}

// Handle fetches and reports. A fetch failure is reported as a response
// with status error so the turn can complete without waiting for the timeout.
func (s *Service) Handle(ctx context.Context, inv domain.WorkerInvocation) error {
	if inv.CorrelationID == "" || !inv.Source.Valid() {
		return fmt.Errorf("worker: invalid invocation for source %q", inv.Source)
	}
	ctx = observability.WithTurn(ctx, inv.CorrelationID, inv.UserID)
	log := observability.FromContext(ctx)

	resp := domain.WorkerResponse{CorrelationID: inv.CorrelationID, Source: inv.Source, Status: domain.WorkerStatusSuccess}
	data, err := s.fetcher.Fetch(ctx, inv)
	if err != nil {
		log.Warn("worker fetch failed", "source", inv.Source, "error", err)
		resp.Status = domain.WorkerStatusError
		data, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	resp.Data = data

	if err := s.sink.Deliver(ctx, resp); err != nil {
		return fmt.Errorf("worker: deliver %s response: %w", inv.Source, err)
	}
	return nil
}
