// Package handler adapts Lambda events to the pipeline stages.
package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"student-query-agent/internal/usecase"
)

type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type errorResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	Code    string `json:"code"`
}

var jsonHeaders = map[string]string{"Content-Type": "application/json"}

func jsonResponse(status int, v any) Response {
	body, err := json.Marshal(v)
	if err != nil {
		return Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    jsonHeaders,
			Body:       `{"message":"encode_error","status":"error","code":"INTERNAL_ERROR"}`,
		}
	}
	return Response{StatusCode: status, Headers: jsonHeaders, Body: string(body)}
}

// errorResponseFor maps a stage error to a status code and error body.
func errorResponseFor(err error) Response {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		ue = &usecase.Error{Code: usecase.ErrorInternal, Reason: "internal_error"}
	}
	return jsonResponse(statusFor(ue.Code), errorResponse{Message: ue.Reason, Status: "error", Code: string(ue.Code)})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnknownTurn:
		return http.StatusNotFound
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func invalidBody(err error) error {
	return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
}

// decodeEvent decodes a stage payload. Payloads wrapped in an API Gateway
// proxy event are unwrapped from its body first.
func decodeEvent(raw json.RawMessage, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return invalidBody(errors.New("empty event"))
	}
	var proxy struct {
		Body *string `json:"body"`
	}
	if err := json.Unmarshal(raw, &proxy); err == nil && proxy.Body != nil {
		raw = json.RawMessage(*proxy.Body)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return invalidBody(fmt.Errorf("decode event: %w", err))
	}
	return nil
}
