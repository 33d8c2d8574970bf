package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"student-query-agent/internal/observability"
)

const defaultSweepBatch = 50

type sweeper interface {
	Sweep(ctx context.Context, now time.Time, limit int) (int, error)
}

// SweepHandler forwards turns whose deadline passed without a late arrival.
// It runs on an EventBridge schedule.
type SweepHandler struct {
	aggregator sweeper
	batch      int
}

func NewSweepHandler(aggregator sweeper, batch int) (*SweepHandler, error) {
	if aggregator == nil {
		return nil, errors.New("handler: aggregator must not be nil")
	}
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &SweepHandler{aggregator: aggregator, batch: batch}, nil
}

func (h *SweepHandler) Handle(ctx context.Context, event events.CloudWatchEvent) error {
	now := event.Time
	if now.IsZero() {
		now = time.Now()
	}
	n, err := h.aggregator.Sweep(ctx, now, h.batch)
	if err != nil {
		return fmt.Errorf("handler: sweep: %w", err)
	}
	observability.FromContext(ctx).Info("sweep finished", "event_id", event.ID, "forwarded", n)
	return nil
}
