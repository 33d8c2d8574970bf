package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"student-query-agent/internal/domain"
	"student-query-agent/internal/repository"
)

type recordingWatcher struct {
	mu      sync.Mutex
	watched map[string]time.Time
}

func (w *recordingWatcher) Watch(correlationID string, deadline time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched == nil {
		w.watched = map[string]time.Time{}
	}
	w.watched[correlationID] = deadline
}

type turnFixture struct {
	svc        *TurnService
	invoker    *recordingInvoker
	answers    *repository.MemoryAnswers
	memory     *Memory
	aggregates AggregationStore
	watcher    *recordingWatcher
	answerLLM  *scriptedLLM
}

func newTurnFixture(t *testing.T, classifierLLM, analyzerLLM, answerLLM *scriptedLLM, store AggregationStore) turnFixture {
	t.Helper()
	convs, answers, aggs := newMemoryStores()
	if store == nil {
		store = aggs
	}
	clock := &fixedClock{now: baseTime}
	memory := mustMemory(t, convs, clock)

	classifier, err := NewIntentClassifier(classifierLLM)
	require.NoError(t, err)
	analyzer, err := NewQueryAnalyzer(analyzerLLM)
	require.NoError(t, err)
	inv := newRecordingInvoker()
	dispatcher := mustDispatcher(t, store, inv)
	gen, err := NewAnswerGenerator(answerLLM, memory, answers, 4)
	require.NoError(t, err)
	gen.now = clock.Now

	watcher := &recordingWatcher{}
	svc, err := NewTurnService(classifier, analyzer, dispatcher, gen, memory,
		WithDeadlineWatcher(watcher),
		WithContextTurns(4),
		WithMaxMessageLength(100),
	)
	require.NoError(t, err)
	return turnFixture{svc: svc, invoker: inv, answers: answers, memory: memory, aggregates: store, watcher: watcher, answerLLM: answerLLM}
}

func TestHandle_SmallTalkAnswersDirectly(t *testing.T) {
	greeting := "Hello! I'm the University Student Portal Assistant. How can I help?"
	f := newTurnFixture(t,
		replies(`{"isSmallTalk":true,"response":"`+greeting+`","explanation":"greeting"}`),
		replies(`{"requiredWorkers":["GetStudentData"]}`),
		replies("unused"),
		nil,
	)
	ctx := context.Background()

	res, err := f.svc.Handle(ctx, domain.TurnRequest{CorrelationID: "abc", UserID: "42", Message: "Hello"})
	require.NoError(t, err)
	require.Equal(t, TurnResult{CorrelationID: "abc", Status: TurnComplete, Route: RouteSmallTalk, Answer: greeting}, res)

	require.Zero(t, f.invoker.count("fn-GetStudentData"))
	require.Zero(t, f.answerLLM.calls)

	turns := f.memory.RecentTurns(ctx, "42", 4)
	require.Len(t, turns, 2)
	require.Equal(t, domain.RoleAssistant, turns[1].Role)
	require.Equal(t, greeting, turns[1].Content)

	stored, ok := f.answers.Answer("abc")
	require.True(t, ok)
	require.Equal(t, greeting, stored.Answer)
}

func TestHandle_DispatchesAndStaysPending(t *testing.T) {
	f := newTurnFixture(t,
		replies(`{"isSmallTalk":false,"response":"","explanation":"needs GPA"}`),
		replies(`{"requiredWorkers":["GetStudentCourses"],"questionType":"gpa","complexity":"simple"}`),
		replies("unused"),
		nil,
	)

	res, err := f.svc.Handle(context.Background(), domain.TurnRequest{CorrelationID: " abc ", UserID: "42", Message: "What's my GPA?"})
	require.NoError(t, err)
	require.Equal(t, TurnResult{CorrelationID: "abc", Status: TurnPending, Route: RouteDispatched}, res)
	require.Equal(t, 1, f.invoker.count("fn-GetStudentCourses"))
	require.Equal(t, baseTime.Add(20*time.Second), f.watcher.watched["abc"])

	_, ok := f.answers.Answer("abc")
	require.False(t, ok)
}

func TestHandle_NoWorkersNeededAnswersWithEmptyBundle(t *testing.T) {
	answerLLM := replies("Office hours are listed in the student handbook.")
	f := newTurnFixture(t,
		replies(`{"isSmallTalk":false,"response":"","explanation":"needs records"}`),
		replies(`{"requiredWorkers":[]}`),
		answerLLM,
		nil,
	)

	res, err := f.svc.Handle(context.Background(), domain.TurnRequest{CorrelationID: "abc", UserID: "42", Message: "Where are office hours listed?"})
	require.NoError(t, err)
	require.Equal(t, TurnComplete, res.Status)
	require.Equal(t, RouteDirect, res.Route)
	require.Equal(t, "Office hours are listed in the student handbook.", res.Answer)
	require.Contains(t, answerLLM.systems[0], "no data was retrieved")
	require.Empty(t, f.invoker.payloads)
}

func TestHandle_RegistrationFailureFallsBackToDirectAnswer(t *testing.T) {
	f := newTurnFixture(t,
		replies(`{"isSmallTalk":false,"response":"","explanation":"needs records"}`),
		failing(errors.New("analyzer down")),
		replies("I couldn't reach your records right now."),
		failingRegister{repository.NewMemoryAggregations()},
	)

	res, err := f.svc.Handle(context.Background(), domain.TurnRequest{CorrelationID: "abc", UserID: "42", Message: "What's my GPA?"})
	require.NoError(t, err)
	require.Equal(t, RouteFallbackDirect, res.Route)
	require.Equal(t, TurnComplete, res.Status)
	require.Empty(t, f.watcher.watched)
}

func TestHandle_ClassifierFailureStillAnalyzes(t *testing.T) {
	f := newTurnFixture(t,
		failing(errors.New("timeout")),
		replies(`not json`),
		replies("unused"),
		nil,
	)

	res, err := f.svc.Handle(context.Background(), domain.TurnRequest{CorrelationID: "abc", UserID: "42", Message: "Hello"})
	require.NoError(t, err)
	require.Equal(t, TurnPending, res.Status)
	require.Equal(t, 1, f.invoker.count("fn-GetStudentData"))
	require.Equal(t, 1, f.invoker.count("fn-GetStudentCourses"))
}

func TestHandle_Validation(t *testing.T) {
	f := newTurnFixture(t, replies("x"), replies("x"), replies("x"), nil)
	ctx := context.Background()

	cases := []struct {
		req    domain.TurnRequest
		reason string
	}{
		{domain.TurnRequest{UserID: "42", Message: "hi"}, "missing_correlation_id"},
		{domain.TurnRequest{CorrelationID: "abc", Message: "hi"}, "missing_user_id"},
		{domain.TurnRequest{CorrelationID: "abc", UserID: "42", Message: "   "}, "missing_message"},
		{domain.TurnRequest{CorrelationID: "abc", UserID: "42", Message: strings.Repeat("é", 101)}, "message_too_long"},
	}
	for _, tc := range cases {
		_, err := f.svc.Handle(ctx, tc.req)
		expectError(t, err, ErrorInvalidInput, tc.reason)
	}

	_, err := f.svc.Handle(ctx, domain.TurnRequest{CorrelationID: "abc", UserID: "42", Message: strings.Repeat("é", 100)})
	require.NoError(t, err)
}

func TestNewTurnService_RequiresDependencies(t *testing.T) {
	_, err := NewTurnService(nil, nil, nil, nil, nil)
	require.Error(t, err)
}
