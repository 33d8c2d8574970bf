package usecase

import (
	"context"
	"errors"
	"strings"

	"student-query-agent/internal/domain"
	"student-query-agent/internal/metrics"
	"student-query-agent/internal/observability"
)

// Intent is the classifier's verdict: SmallTalk or NeedsAnalysis.
type Intent interface {
	isIntent()
}

// SmallTalk carries a reply that answers the message without any data.
type SmallTalk struct {
	Response string
}

// NeedsAnalysis routes the message to the query analyzer. Explanation is
// empty when the classifier fell back.
type NeedsAnalysis struct {
	Explanation string
}

func (SmallTalk) isIntent()     {}
func (NeedsAnalysis) isIntent() {}

type intentOutput struct {
	IsSmallTalk bool   `json:"isSmallTalk"`
	Response    string `json:"response"`
	Explanation string `json:"explanation"`
}

type IntentClassifier struct {
	llm Completer
}

func NewIntentClassifier(llm Completer) (*IntentClassifier, error) {
	if llm == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	return &IntentClassifier{llm: llm}, nil
}

// Classify never fails: capability errors and unusable output both yield
// NeedsAnalysis with an empty explanation.
func (c *IntentClassifier) Classify(ctx context.Context, message string, history []domain.ConversationTurn) Intent {
	ctx, span, end := startStage(ctx, "classifier")
	defer end()
	log := observability.FromContext(ctx)

	msgs := append(historyMessages(history), domain.ChatMessage{Role: string(domain.RoleUser), Content: message})
	raw, err := c.llm.Complete(ctx, buildIntentPrompt(), msgs)
	if err != nil {
		reason := capabilityFailureReason(err)
		metrics.ClassificationFallbacks.WithLabelValues("classifier", reason).Inc()
		span.RecordError(err)
		log.Warn("intent classification unavailable, routing to analysis", "reason", reason, "error", err)
		return NeedsAnalysis{}
	}

	intent, err := parseIntent(raw)
	if err != nil {
		metrics.ClassificationFallbacks.WithLabelValues("classifier", "malformed_output").Inc()
		span.RecordError(err)
		log.Warn("intent classification output rejected, routing to analysis", "error", err)
		return NeedsAnalysis{}
	}
	return intent
}

func parseIntent(raw string) (Intent, error) {
	var out intentOutput
	if err := decodeModelJSON(raw, intentSchema, &out); err != nil {
		return nil, &ClassificationParseError{Stage: "classifier", Err: err}
	}
	if !out.IsSmallTalk {
		return NeedsAnalysis{Explanation: strings.TrimSpace(out.Explanation)}, nil
	}
	response := strings.TrimSpace(out.Response)
	if response == "" {
		return nil, &ClassificationParseError{Stage: "classifier", Err: errors.New("small talk without response")}
	}
	return SmallTalk{Response: response}, nil
}
