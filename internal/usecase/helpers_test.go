package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"student-query-agent/internal/domain"
	"student-query-agent/internal/repository"
)

type completion struct {
	out string
	err error
}

// scriptedLLM replies with its completions in order, repeating the last one.
type scriptedLLM struct {
	mu          sync.Mutex
	completions []completion
	calls       int
	systems     []string
	messages    [][]domain.ChatMessage
}

func (s *scriptedLLM) Complete(_ context.Context, system string, messages []domain.ChatMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systems = append(s.systems, system)
	s.messages = append(s.messages, messages)
	if len(s.completions) == 0 {
		return "", errors.New("no completion configured")
	}
	idx := s.calls
	if idx >= len(s.completions) {
		idx = len(s.completions) - 1
	}
	s.calls++
	return s.completions[idx].out, s.completions[idx].err
}

func replies(outs ...string) *scriptedLLM {
	llm := &scriptedLLM{}
	for _, o := range outs {
		llm.completions = append(llm.completions, completion{out: o})
	}
	return llm
}

func failing(err error) *scriptedLLM {
	return &scriptedLLM{completions: []completion{{err: err}}}
}

// recordingInvoker captures payloads by target and can fail chosen targets.
type recordingInvoker struct {
	mu       sync.Mutex
	payloads map[string][][]byte
	fail     map[string]error
	onInvoke func(target string)
}

func newRecordingInvoker() *recordingInvoker {
	return &recordingInvoker{payloads: map[string][][]byte{}, fail: map[string]error{}}
}

func (r *recordingInvoker) Invoke(_ context.Context, target string, payload []byte) error {
	if r.onInvoke != nil {
		r.onInvoke(target)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[target]; err != nil {
		return err
	}
	r.payloads[target] = append(r.payloads[target], payload)
	return nil
}

func (r *recordingInvoker) count(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads[target])
}

// bundleRecorder collects delivered bundles.
type bundleRecorder struct {
	mu      sync.Mutex
	bundles []domain.AggregatedBundle
	err     error
}

func (b *bundleRecorder) Deliver(_ context.Context, bundle domain.AggregatedBundle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.bundles = append(b.bundles, bundle)
	return nil
}

func (b *bundleRecorder) delivered() []domain.AggregatedBundle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.AggregatedBundle(nil), b.bundles...)
}

type failingConversations struct{}

func (failingConversations) PutTurn(context.Context, domain.ConversationTurn) error {
	return errors.New("dynamodb unavailable")
}

func (failingConversations) ListTurns(context.Context, string, time.Time) ([]domain.ConversationTurn, error) {
	return nil, errors.New("dynamodb unavailable")
}

type failingAnswers struct{}

func (failingAnswers) PutAnswer(context.Context, domain.FinalAnswer) error {
	return errors.New("dynamodb unavailable")
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustMemory(t *testing.T, store ConversationStore, clock *fixedClock) *Memory {
	t.Helper()
	m, err := NewMemory(store, 15*time.Minute)
	require.NoError(t, err)
	if clock != nil {
		m.now = clock.Now
	}
	return m
}

func newMemoryStores() (*repository.MemoryConversations, *repository.MemoryAnswers, *repository.MemoryAggregations) {
	return repository.NewMemoryConversations(), repository.NewMemoryAnswers(), repository.NewMemoryAggregations()
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	require.Error(t, err)
	var uerr *Error
	require.True(t, errors.As(err, &uerr), "expected *usecase.Error, got %T", err)
	require.Equal(t, code, uerr.Code)
	if reason != "" {
		require.Equal(t, reason, uerr.Reason)
	}
}
