package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrTurnNotFound is returned when no aggregation was registered for a correlation id.
	ErrTurnNotFound = errors.New("aggregation: turn not found")
	// ErrTurnClosed is returned when a turn has already been forwarded.
	ErrTurnClosed = errors.New("aggregation: turn already forwarded")
	// ErrUnexpectedSource is returned when a response names a source the turn did not dispatch.
	ErrUnexpectedSource = errors.New("aggregation: source not expected for turn")
)

type AggregationStatus string

const (
	AggregationCollecting AggregationStatus = "collecting"
	AggregationComplete   AggregationStatus = "complete"
	AggregationTimedOut   AggregationStatus = "timed_out"
)

func (s AggregationStatus) Terminal() bool {
	return s == AggregationComplete || s == AggregationTimedOut
}

// WorkerResult is the stored part of a WorkerResponse.
type WorkerResult struct {
	Status WorkerStatus    `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// AggregationState is the fan-in record for one correlation id.
type AggregationState struct {
	CorrelationID string
	UserID        string
	Message       string
	Expected      []Source
	Results       map[Source]WorkerResult
	Status        AggregationStatus
	Deadline      time.Time
}

// Outstanding returns the expected sources that have not reported yet.
func (s AggregationState) Outstanding() []Source {
	var out []Source
	for _, src := range s.Expected {
		if _, ok := s.Results[src]; !ok {
			out = append(out, src)
		}
	}
	return out
}

// Complete reports whether every expected source has reported.
func (s AggregationState) Complete() bool {
	return len(s.Expected) > 0 && len(s.Outstanding()) == 0
}

// Bundle builds the merged result of the turn. Sources that reported an
// error are listed in Failed and contribute no data.
func (s AggregationState) Bundle() AggregatedBundle {
	b := AggregatedBundle{
		CorrelationID: s.CorrelationID,
		UserID:        s.UserID,
		Message:       s.Message,
		Responses:     make(map[Source]json.RawMessage, len(s.Results)),
		TimedOut:      s.Status == AggregationTimedOut,
	}
	for _, src := range Sources {
		res, ok := s.Results[src]
		if !ok {
			continue
		}
		if res.Status == WorkerStatusError {
			b.Failed = append(b.Failed, src)
			continue
		}
		b.Responses[src] = res.Data
	}
	return b
}

// AggregatedBundle is the merged set of worker results for one turn.
type AggregatedBundle struct {
	CorrelationID string                     `json:"correlationId"`
	UserID        string                     `json:"userId"`
	Message       string                     `json:"message"`
	Responses     map[Source]json.RawMessage `json:"responses"`
	Failed        []Source                   `json:"failed,omitempty"`
	TimedOut      bool                       `json:"timedOut,omitempty"`
}
