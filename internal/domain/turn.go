package domain

import (
	"strings"
	"time"
)

// TurnRequest is the turn-entry event. CorrelationID joins every record
// produced while answering this message.
type TurnRequest struct {
	CorrelationID string `json:"correlationId"`
	UserID        string `json:"userId"`
	Message       string `json:"message"`
}

// Normalize returns a copy with surrounding whitespace removed from every field.
func (r TurnRequest) Normalize() TurnRequest {
	return TurnRequest{
		CorrelationID: strings.TrimSpace(r.CorrelationID),
		UserID:        strings.TrimSpace(r.UserID),
		Message:       strings.TrimSpace(r.Message),
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ConversationTurn is one entry of a user's short-lived conversation window.
// Records are written once and never updated.
type ConversationTurn struct {
	UserID        string    `json:"userId"`
	CorrelationID string    `json:"correlationId"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Expired reports whether the record is no longer visible at now.
func (t ConversationTurn) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// FinalAnswer is the terminal artifact of a turn.
type FinalAnswer struct {
	CorrelationID string    `json:"correlationId"`
	UserID        string    `json:"userId"`
	Question      string    `json:"question"`
	Answer        string    `json:"answer"`
	CreatedAt     time.Time `json:"createdAt"`
}
