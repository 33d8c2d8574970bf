package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"student-query-agent/internal/domain"
)

var (
	demoGPA = map[string]float64{
		"1": 3.8,
		"2": 3.5,
		"3": 4.0,
		"4": 3.2,
		"5": 3.9,
	}
	demoNames = map[string]string{
		"1": "John Smith",
		"2": "Emma Johnson",
		"3": "Michael Brown",
		"4": "Sophia Davis",
		"5": "James Wilson",
	}
)

const (
	defaultDemoGPA  = 3.7
	defaultDemoName = "Demo Student"
)

// Demo serves static records for local runs.
type Demo struct {
	// GPA overrides the demo GPA table for the given student ids.
	GPA map[string]float64
}

func (d Demo) Fetch(_ context.Context, inv domain.WorkerInvocation) (json.RawMessage, error) {
	var record any
	switch inv.Source {
	case domain.SourceStudentData:
		record = map[string]any{
			"studentId": inv.UserID,
			"name":      lookup(demoNames, inv.UserID, defaultDemoName),
			"status":    "enrolled",
		}
	case domain.SourceStudentCourses:
		record = map[string]any{
			"studentId": inv.UserID,
			"gpa":       d.gpa(inv.UserID),
			"courses": []map[string]any{
				{"code": "CS101", "title": "Introduction to Programming", "credits": 4, "grade": "A"},
				{"code": "MATH201", "title": "Linear Algebra", "credits": 3, "grade": "B+"},
			},
		}
	case domain.SourceStudentCurrentDegree:
		record = map[string]any{
			"studentId":        inv.UserID,
			"degree":           "BSc Computer Science",
			"creditsCompleted": 96,
			"creditsRequired":  120,
		}
	case domain.SourceProgramDetails:
		record = map[string]any{
			"program":         "BSc Computer Science",
			"creditsRequired": 120,
			"coreCourses":     []string{"CS101", "CS201", "CS301"},
		}
	default:
		return nil, fmt.Errorf("worker: no demo data for source %q", inv.Source)
	}
	return json.Marshal(record)
}

func (d Demo) gpa(userID string) float64 {
	if v, ok := d.GPA[userID]; ok {
		return v
	}
	return lookup(demoGPA, userID, defaultDemoGPA)
}

func lookup[T any](m map[string]T, key string, fallback T) T {
	if v, ok := m[key]; ok {
		return v
	}
	return fallback
}
