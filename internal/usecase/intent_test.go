package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"student-query-agent/internal/domain"
)

func TestClassify_SmallTalk(t *testing.T) {
	llm := replies(`{"isSmallTalk":true,"response":"Hello! I'm the University Student Portal Assistant.","explanation":"greeting"}`)
	c, err := NewIntentClassifier(llm)
	require.NoError(t, err)

	got := c.Classify(context.Background(), "Hello", nil)
	require.Equal(t, SmallTalk{Response: "Hello! I'm the University Student Portal Assistant."}, got)
}

func TestClassify_NeedsAnalysis(t *testing.T) {
	c, err := NewIntentClassifier(replies("```json\n{\"isSmallTalk\":false,\"response\":\"\",\"explanation\":\"needs GPA\"}\n```"))
	require.NoError(t, err)

	got := c.Classify(context.Background(), "What's my GPA?", nil)
	require.Equal(t, NeedsAnalysis{Explanation: "needs GPA"}, got)
}

func TestClassify_FallsBackToNeedsAnalysis(t *testing.T) {
	cases := map[string]*scriptedLLM{
		"capability error":         failing(errors.New("connection reset")),
		"prose output":             replies("Hi there! How can I help?"),
		"wrong type":               replies(`{"isSmallTalk":"true"}`),
		"small talk without reply": replies(`{"isSmallTalk":true,"response":"  ","explanation":"greeting"}`),
		"unknown field":            replies(`{"isSmallTalk":false,"response":"","explanation":"","confidence":0.9}`),
		"missing explanation":      replies(`{"isSmallTalk":true,"response":"Hi there"}`),
		"missing response":         replies(`{"isSmallTalk":false,"explanation":"needs GPA"}`),
		"only the flag":            replies(`{"isSmallTalk":false}`),
	}
	for name, llm := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := NewIntentClassifier(llm)
			require.NoError(t, err)
			require.Equal(t, NeedsAnalysis{}, c.Classify(context.Background(), "Hello", nil))
		})
	}
}

func TestClassify_PassesHistoryBeforeMessage(t *testing.T) {
	llm := replies(`{"isSmallTalk":false,"response":"","explanation":"courses"}`)
	c, err := NewIntentClassifier(llm)
	require.NoError(t, err)

	history := []domain.ConversationTurn{
		{Role: domain.RoleUser, Content: "Hi", CreatedAt: baseTime},
		{Role: domain.RoleAssistant, Content: "Hello!", CreatedAt: baseTime.Add(time.Second)},
	}
	c.Classify(context.Background(), "And my courses?", history)

	require.Len(t, llm.messages, 1)
	require.Equal(t, []domain.ChatMessage{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello!"},
		{Role: "user", Content: "And my courses?"},
	}, llm.messages[0])
	require.Contains(t, llm.systems[0], "isSmallTalk")
}

func TestParseIntent_ReturnsClassificationParseError(t *testing.T) {
	_, err := parseIntent("nope")
	var perr *ClassificationParseError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, "classifier", perr.Stage)
}

func TestNewIntentClassifier_NilCompleter(t *testing.T) {
	_, err := NewIntentClassifier(nil)
	require.Error(t, err)
}

func TestParseIntent_RequiresEveryField(t *testing.T) {
	for _, raw := range []string{
		`{"isSmallTalk":true,"response":"Hi there"}`,
		`{"isSmallTalk":false}`,
		`{"response":"Hi","explanation":"greeting"}`,
	} {
		_, err := parseIntent(raw)
		var perr *ClassificationParseError
		require.True(t, errors.As(err, &perr), "input %s", raw)
	}
}
