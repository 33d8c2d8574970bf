package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"student-query-agent/internal/domain"
	"student-query-agent/internal/metrics"
	"student-query-agent/internal/observability"
)

// Analysis is the retrieval plan for one message. QuestionType and
// Complexity are informational only.
type Analysis struct {
	Requirements []domain.WorkerRequirement
	QuestionType string
	Complexity   string
	Fallback     bool
}

type analysisOutput struct {
	RequiredWorkers []domain.Source                  `json:"requiredWorkers"`
	Parameters      map[domain.Source]map[string]any `json:"parameters"`
	QuestionType    string                           `json:"questionType"`
	Complexity      string                           `json:"complexity"`
}

// DefaultRequirements is the plan used whenever analysis fails.
func DefaultRequirements() []domain.WorkerRequirement {
	return []domain.WorkerRequirement{
		{Source: domain.SourceStudentData},
		{Source: domain.SourceStudentCourses},
	}
}

type QueryAnalyzer struct {
	llm Completer
}

func NewQueryAnalyzer(llm Completer) (*QueryAnalyzer, error) {
	if llm == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	return &QueryAnalyzer{llm: llm}, nil
}

// Analyze never fails. An empty requirement list means the message can be
// answered without data.
func (a *QueryAnalyzer) Analyze(ctx context.Context, userID, message string, history []domain.ConversationTurn) Analysis {
	ctx, span, end := startStage(ctx, "analyzer")
	defer end()
	log := observability.FromContext(ctx)

	msgs := append(historyMessages(history), domain.ChatMessage{
		Role:    string(domain.RoleUser),
		Content: analysisUserMessage(userID, message),
	})
	raw, err := a.llm.Complete(ctx, buildAnalysisPrompt(), msgs)
	if err != nil {
		reason := capabilityFailureReason(err)
		metrics.ClassificationFallbacks.WithLabelValues("analyzer", reason).Inc()
		span.RecordError(err)
		log.Warn("query analysis unavailable, using default workers", "reason", reason, "error", err)
		return Analysis{Requirements: DefaultRequirements(), Fallback: true}
	}

	analysis, err := parseAnalysis(raw)
	if err != nil {
		metrics.ClassificationFallbacks.WithLabelValues("analyzer", "malformed_output").Inc()
		span.RecordError(err)
		log.Warn("query analysis output rejected, using default workers", "error", err)
		return Analysis{Requirements: DefaultRequirements(), Fallback: true}
	}

	log.Info("query analyzed",
		"question_type", analysis.QuestionType,
		"complexity", analysis.Complexity,
		"workers", len(analysis.Requirements),
	)
	return analysis
}

func parseAnalysis(raw string) (Analysis, error) {
	var out analysisOutput
	if err := decodeModelJSON(raw, analysisSchema, &out); err != nil {
		return Analysis{}, &ClassificationParseError{Stage: "analyzer", Err: err}
	}

	for src := range out.Parameters {
		if !src.Valid() {
			return Analysis{}, &ClassificationParseError{Stage: "analyzer", Err: fmt.Errorf("parameters for unknown worker %q", src)}
		}
	}

	seen := make(map[domain.Source]bool, len(out.RequiredWorkers))
	reqs := make([]domain.WorkerRequirement, 0, len(out.RequiredWorkers))
	for _, src := range out.RequiredWorkers {
		if seen[src] {
			continue
		}
		seen[src] = true
		reqs = append(reqs, domain.WorkerRequirement{Source: src, Params: out.Parameters[src]})
	}
	return Analysis{
		Requirements: reqs,
		QuestionType: strings.TrimSpace(out.QuestionType),
		Complexity:   strings.TrimSpace(out.Complexity),
	}, nil
}
