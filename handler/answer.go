package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"student-query-agent/internal/domain"
	"student-query-agent/internal/usecase"
)

type answerGenerator interface {
	Generate(ctx context.Context, bundle domain.AggregatedBundle) (string, error)
}

type AnswerHandler struct {
	answers answerGenerator
}

func NewAnswerHandler(answers answerGenerator) (*AnswerHandler, error) {
	if answers == nil {
		return nil, errors.New("handler: answer generator must not be nil")
	}
	return &AnswerHandler{answers: answers}, nil
}

func (h *AnswerHandler) Handle(ctx context.Context, raw json.RawMessage) (Response, error) {
	var bundle domain.AggregatedBundle
	if err := decodeEvent(raw, &bundle); err != nil {
		return errorResponseFor(err), nil
	}

	answer, err := h.answers.Generate(ctx, bundle)
	if err != nil {
		return errorResponseFor(err), nil
	}
	return jsonResponse(http.StatusOK, turnResponse{
		CorrelationID: bundle.CorrelationID,
		Status:        string(usecase.TurnComplete),
		Answer:        answer,
	}), nil
}
