package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Source identifies a data-retrieval worker.
type Source string

const (
	SourceStudentData          Source = "GetStudentData"
	SourceStudentCourses       Source = "GetStudentCourses"
	SourceStudentCurrentDegree Source = "GetStudentCurrentDegree"
	SourceProgramDetails       Source = "GetProgramDetails"
)

// Sources lists every known worker in a stable order.
var Sources = []Source{
	SourceStudentData,
	SourceStudentCourses,
	SourceStudentCurrentDegree,
	SourceProgramDetails,
}

func (s Source) Valid() bool {
	for _, known := range Sources {
		if s == known {
			return true
		}
	}
	return false
}

// ParseSource maps a worker identifier to a Source.
func ParseSource(raw string) (Source, error) {
	s := Source(strings.TrimSpace(raw))
	if !s.Valid() {
		return "", fmt.Errorf("domain: unknown worker source %q", raw)
	}
	return s, nil
}

// WorkerRequirement names a worker the analyzer wants invoked for a turn.
type WorkerRequirement struct {
	Source Source         `json:"source"`
	Params map[string]any `json:"params,omitempty"`
}

// WorkerInvocation is the payload delivered to a worker.
type WorkerInvocation struct {
	CorrelationID string         `json:"correlationId"`
	UserID        string         `json:"userId"`
	Message       string         `json:"message"`
	Source        Source         `json:"source"`
	Params        map[string]any `json:"params,omitempty"`
}

type WorkerStatus string

const (
	WorkerStatusSuccess WorkerStatus = "success"
	WorkerStatusError   WorkerStatus = "error"
)

func (s WorkerStatus) Valid() bool {
	return s == WorkerStatusSuccess || s == WorkerStatusError
}

// WorkerResponse is a worker's result for one (correlationId, source) pair.
// Data is kept as raw JSON so numeric values survive untouched.
type WorkerResponse struct {
	CorrelationID string          `json:"correlationId"`
	Source        Source          `json:"source"`
	Data          json.RawMessage `json:"data,omitempty"`
	Status        WorkerStatus    `json:"status"`
}

// SortSources orders sources by their position in Sources and drops
// duplicates and unknown values.
func SortSources(in []Source) []Source {
	seen := make(map[Source]bool, len(in))
	for _, src := range in {
		seen[src] = true
	}
	out := make([]Source, 0, len(seen))
	for _, src := range Sources {
		if seen[src] {
			out = append(out, src)
		}
	}
	return out
}
