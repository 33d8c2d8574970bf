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

type turnService interface {
	Handle(ctx context.Context, req domain.TurnRequest) (usecase.TurnResult, error)
}

type turnResponse struct {
	CorrelationID string `json:"correlationId"`
	Status        string `json:"status"`
	Answer        string `json:"answer,omitempty"`
}

type TurnHandler struct {
	turns turnService
}

func NewTurnHandler(turns turnService) (*TurnHandler, error) {
	if turns == nil {
		return nil, errors.New("handler: turn service must not be nil")
	}
	return &TurnHandler{turns: turns}, nil
}

// Handle answers 200 for a completed turn and 202 for a turn waiting on workers.
func (h *TurnHandler) Handle(ctx context.Context, raw json.RawMessage) (Response, error) {
	var req domain.TurnRequest
	if err := decodeEvent(raw, &req); err != nil {
		return errorResponseFor(err), nil
	}

	res, err := h.turns.Handle(ctx, req)
	if err != nil {
		observability.FromContext(ctx).Warn("turn rejected", "correlation_id", req.CorrelationID, "error", err)
		return errorResponseFor(err), nil
	}

	status := http.StatusOK
	if res.Status == usecase.TurnPending {
		status = http.StatusAccepted
	}
	return jsonResponse(status, turnResponse{
		CorrelationID: res.CorrelationID,
		Status:        string(res.Status),
		Answer:        res.Answer,
	}), nil
}
