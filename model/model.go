package model

import (
	"time"
)

// Role identifies who produced a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn as sent to the answer service.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is the per-call transcript and turn counter. Keyed by the
// gateway-assigned call SID; owned exclusively by the engine's store.
type Conversation struct {
	CallSID      string
	Messages     []Message
	Turns        int
	LastActivity time.Time
}

// PendingStatus represents the state of an in-flight turn.
type PendingStatus string

const (
	PendingWaiting PendingStatus = "waiting"
	PendingReady   PendingStatus = "ready"
	PendingFailed  PendingStatus = "failed"
)

// PendingTurn tracks one answer-service request that has not been consumed
// yet. At most one exists per call.
type PendingTurn struct {
	CallSID    string
	TurnNumber int
	Status     PendingStatus
	Answer     string
	FailReason string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// ConversationInfo is the content-free view of a conversation exposed by the
// debug snapshot.
type ConversationInfo struct {
	CallSID      string    `json:"call_sid"`
	Turns        int       `json:"turns"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}

// PendingInfo is the content-free view of a pending turn.
type PendingInfo struct {
	CallSID    string        `json:"call_sid"`
	TurnNumber int           `json:"turn_number"`
	Status     PendingStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

// StateSnapshot is a JSON-serializable snapshot of the in-memory state.
type StateSnapshot struct {
	Conversations []ConversationInfo `json:"conversations"`
	PendingTurns  []PendingInfo      `json:"pending_turns"`
	Timestamp     time.Time          `json:"timestamp"`
}
