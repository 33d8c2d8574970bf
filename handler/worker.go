package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"

	"student-query-agent/internal/domain"
)

type workerService interface {
	Handle(ctx context.Context, inv domain.WorkerInvocation) error
}

// WorkerHandler runs data-retrieval worker invocations delivered either
// directly or as SNS notifications. Errors are returned to the runtime so
// the asynchronous invocation is retried.
type WorkerHandler struct {
	worker workerService
}

func NewWorkerHandler(worker workerService) (*WorkerHandler, error) {
	if worker == nil {
		return nil, errors.New("handler: worker service must not be nil")
	}
	return &WorkerHandler{worker: worker}, nil
}

func (h *WorkerHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var notification events.SNSEvent
	if err := json.Unmarshal(raw, &notification); err == nil && len(notification.Records) > 0 {
		var errs []error
		for _, rec := range notification.Records {
			var inv domain.WorkerInvocation
			if err := decodeEvent(json.RawMessage(rec.SNS.Message), &inv); err != nil {
				errs = append(errs, fmt.Errorf("message %s: %w", rec.SNS.MessageID, err))
				continue
			}
			if err := h.worker.Handle(ctx, inv); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	var inv domain.WorkerInvocation
	if err := decodeEvent(raw, &inv); err != nil {
		return err
	}
	return h.worker.Handle(ctx, inv)
}
