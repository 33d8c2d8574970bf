package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"student-query-agent/internal/domain"
	"student-query-agent/internal/metrics"
	"student-query-agent/internal/observability"
)

const defaultConversationTTL = 15 * time.Minute

// ConversationStore persists conversation turns. ListTurns returns the
// user's unexpired turns ordered by createdAt.
type ConversationStore interface {
	PutTurn(ctx context.Context, turn domain.ConversationTurn) error
	ListTurns(ctx context.Context, userID string, now time.Time) ([]domain.ConversationTurn, error)
}

// Memory is the short-lived conversational window of each user. Its
// operations never fail the turn: write errors are logged and reads
// degrade to an empty window.
type Memory struct {
	store ConversationStore
	ttl   time.Duration
	now   func() time.Time
}

func NewMemory(store ConversationStore, ttl time.Duration) (*Memory, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if ttl <= 0 {
		ttl = defaultConversationTTL
	}
	return &Memory{store: store, ttl: ttl, now: time.Now}, nil
}

// Append records one turn. Expiry is fixed at write time and never renewed.
func (m *Memory) Append(ctx context.Context, userID, correlationID string, role domain.Role, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	now := m.now().UTC()
	err := m.store.PutTurn(ctx, domain.ConversationTurn{
		UserID:        userID,
		CorrelationID: correlationID,
		Role:          role,
		Content:       content,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	})
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("conversation").Inc()
		observability.FromContext(ctx).Warn("conversation append failed", "role", role, "error", err)
	}
}

// RecentTurns returns at most limit of the newest unexpired turns, oldest first.
func (m *Memory) RecentTurns(ctx context.Context, userID string, limit int) []domain.ConversationTurn {
	if limit <= 0 {
		return nil
	}
	now := m.now().UTC()
	turns, err := m.store.ListTurns(ctx, userID, now)
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("conversation_read").Inc()
		observability.FromContext(ctx).Warn("conversation read failed", "error", err)
		return []domain.ConversationTurn{}
	}

	visible := make([]domain.ConversationTurn, 0, len(turns))
	for _, t := range turns {
		if !t.Expired(now) {
			visible = append(visible, t)
		}
	}
	if len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}
	return visible
}
