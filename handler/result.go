package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"student-query-agent/internal/domain"
	"student-query-agent/internal/observability"
	"student-query-agent/internal/usecase"
)

type resultSubmitter interface {
	Submit(ctx context.Context, resp domain.WorkerResponse) (usecase.SubmitOutcome, error)
}

type resultResponse struct {
	CorrelationID string `json:"correlationId"`
	Outcome       string `json:"outcome"`
}

// ResultHandler receives worker responses for the aggregator.
type ResultHandler struct {
	aggregator resultSubmitter
}

func NewResultHandler(aggregator resultSubmitter) (*ResultHandler, error) {
	if aggregator == nil {
		return nil, errors.New("handler: aggregator must not be nil")
	}
	return &ResultHandler{aggregator: aggregator}, nil
}

func (h *ResultHandler) Handle(ctx context.Context, raw json.RawMessage) (Response, error) {
	var resp domain.WorkerResponse
	if err := decodeEvent(raw, &resp); err != nil {
		return errorResponseFor(err), nil
	}

	outcome, err := h.aggregator.Submit(ctx, resp)
	if err != nil {
		observability.FromContext(ctx).Warn("worker response rejected",
			"correlation_id", resp.CorrelationID, "source", resp.Source, "error", err)
		return errorResponseFor(err), nil
	}
	return jsonResponse(http.StatusOK, resultResponse{CorrelationID: resp.CorrelationID, Outcome: string(outcome)}), nil
}
