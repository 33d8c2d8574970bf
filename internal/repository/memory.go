package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"student-query-agent/internal/domain"
)

// MemoryConversations is a process-local conversation store for the CLI and tests.
type MemoryConversations struct {
	mu    sync.Mutex
	turns map[string]map[string]domain.ConversationTurn
}

func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{turns: make(map[string]map[string]domain.ConversationTurn)}
}

func (m *MemoryConversations) PutTurn(_ context.Context, turn domain.ConversationTurn) error {
	if strings.TrimSpace(turn.UserID) == "" || strings.TrimSpace(turn.CorrelationID) == "" {
		return errors.New("repository: PutTurn: userId and correlationId are required")
	}
	if !turn.Role.Valid() {
		return fmt.Errorf("repository: PutTurn: invalid role %q", turn.Role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.turns[turn.UserID]
	if !ok {
		byKey = make(map[string]domain.ConversationTurn)
		m.turns[turn.UserID] = byKey
	}
	key := turnSK(turn.CorrelationID, turn.Role)
	if _, exists := byKey[key]; !exists {
		byKey[key] = turn
	}
	return nil
}

// ListTurns drops expired turns for the user as a side effect.
func (m *MemoryConversations) ListTurns(_ context.Context, userID string, now time.Time) ([]domain.ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ConversationTurn
	for key, turn := range m.turns[userID] {
		if turn.Expired(now) {
			delete(m.turns[userID], key)
			continue
		}
		out = append(out, turn)
	}
	sortTurns(out)
	return out, nil
}

// MemoryAnswers keeps final answers in a map keyed by correlation id.
type MemoryAnswers struct {
	mu      sync.RWMutex
	answers map[string]domain.FinalAnswer
}

func NewMemoryAnswers() *MemoryAnswers {
	return &MemoryAnswers{answers: make(map[string]domain.FinalAnswer)}
}

func (m *MemoryAnswers) PutAnswer(_ context.Context, ans domain.FinalAnswer) error {
	if strings.TrimSpace(ans.CorrelationID) == "" {
		return errors.New("repository: PutAnswer: correlationId is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.answers[ans.CorrelationID]; !exists {
		m.answers[ans.CorrelationID] = ans
	}
	return nil
}

// Answer returns the stored answer for correlationID.
func (m *MemoryAnswers) Answer(correlationID string) (domain.FinalAnswer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ans, ok := m.answers[correlationID]
	return ans, ok
}

// MemoryAggregations is a mutex-guarded aggregation store for single-process use.
type MemoryAggregations struct {
	mu     sync.Mutex
	states map[string]*domain.AggregationState
}

func NewMemoryAggregations() *MemoryAggregations {
	return &MemoryAggregations{states: make(map[string]*domain.AggregationState)}
}

func (m *MemoryAggregations) Register(_ context.Context, st domain.AggregationState) (bool, error) {
	if strings.TrimSpace(st.CorrelationID) == "" {
		return false, errors.New("repository: Register: correlationId is required")
	}
	expected := domain.SortSources(st.Expected)
	if len(expected) == 0 {
		return false, errors.New("repository: Register: expected sources are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.states[st.CorrelationID]; exists {
		return false, nil
	}
	m.states[st.CorrelationID] = &domain.AggregationState{
		CorrelationID: st.CorrelationID,
		UserID:        st.UserID,
		Message:       st.Message,
		Expected:      expected,
		Results:       map[domain.Source]domain.WorkerResult{},
		Status:        domain.AggregationCollecting,
		Deadline:      st.Deadline,
	}
	return true, nil
}

func (m *MemoryAggregations) Record(_ context.Context, resp domain.WorkerResponse) (domain.AggregationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[resp.CorrelationID]
	if !ok {
		return domain.AggregationState{}, domain.ErrTurnNotFound
	}
	if st.Status != domain.AggregationCollecting {
		return domain.AggregationState{}, domain.ErrTurnClosed
	}
	expected := false
	for _, src := range st.Expected {
		if src == resp.Source {
			expected = true
			break
		}
	}
	if !expected {
		return domain.AggregationState{}, domain.ErrUnexpectedSource
	}
	st.Results[resp.Source] = domain.WorkerResult{
		Status: resp.Status,
		Data:   append([]byte(nil), resp.Data...),
	}
	return cloneState(st), nil
}

func (m *MemoryAggregations) Forward(_ context.Context, correlationID string, status domain.AggregationStatus) (domain.AggregationState, bool, error) {
	if !status.Terminal() {
		return domain.AggregationState{}, false, fmt.Errorf("repository: Forward: %q is not a terminal status", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[correlationID]
	if !ok {
		return domain.AggregationState{}, false, domain.ErrTurnNotFound
	}
	if st.Status != domain.AggregationCollecting {
		return cloneState(st), false, nil
	}
	st.Status = status
	return cloneState(st), true, nil
}

func (m *MemoryAggregations) Expired(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, st := range m.states {
		if st.Status == domain.AggregationCollecting && !now.Before(st.Deadline) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func cloneState(st *domain.AggregationState) domain.AggregationState {
	out := *st
	out.Expected = append([]domain.Source(nil), st.Expected...)
	out.Results = maps.Clone(st.Results)
	return out
}
