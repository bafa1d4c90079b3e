package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/ushauri/voicegateway/model"
)

// ConversationStore holds the per-call transcript records. All state is
// in-memory and lives only for the duration of the process.
type ConversationStore struct {
	mu            sync.Mutex
	clock         Clock
	conversations map[string]*model.Conversation
}

// NewConversationStore creates an empty store driven by the given clock.
func NewConversationStore(clock Clock) *ConversationStore {
	return &ConversationStore{
		clock:         clock,
		conversations: make(map[string]*model.Conversation),
	}
}

// GetOrCreate ensures a record exists for callSID and reports whether it was
// created by this call.
func (s *ConversationStore) GetOrCreate(callSID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(callSID)
}

func (s *ConversationStore) getOrCreateLocked(callSID string) bool {
	if c, ok := s.conversations[callSID]; ok {
		c.LastActivity = s.clock.Now()
		return false
	}
	s.conversations[callSID] = &model.Conversation{
		CallSID:      callSID,
		LastActivity: s.clock.Now(),
	}
	return true
}

// Append adds a message to the transcript, creating the record if needed.
func (s *ConversationStore) Append(callSID string, role model.Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreateLocked(callSID)
	c := s.conversations[callSID]
	c.Messages = append(c.Messages, model.Message{Role: role, Content: content})
	c.LastActivity = s.clock.Now()
}

// Touch refreshes LastActivity and reports whether the record exists.
func (s *ConversationStore) Touch(callSID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[callSID]
	if !ok {
		return false
	}
	c.LastActivity = s.clock.Now()
	return true
}

// History returns a copy of the transcript for callSID.
func (s *ConversationStore) History(callSID string) ([]model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[callSID]
	if !ok {
		return nil, false
	}
	out := make([]model.Message, len(c.Messages))
	copy(out, c.Messages)
	return out, true
}

// NextTurn increments the turn counter and returns the new value, creating
// the record if needed.
func (s *ConversationStore) NextTurn(callSID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreateLocked(callSID)
	c := s.conversations[callSID]
	c.Turns++
	c.LastActivity = s.clock.Now()
	return c.Turns
}

// TurnCount returns the number of completed user turns for callSID.
func (s *ConversationStore) TurnCount(callSID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[callSID]
	if !ok {
		return 0
	}
	return c.Turns
}

// Len returns the number of live conversations.
func (s *ConversationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// SweepExpired removes every record whose LastActivity is older than ttl
// relative to now, returning the number removed.
func (s *ConversationStore) SweepExpired(now time.Time, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for sid, c := range s.conversations {
		if now.Sub(c.LastActivity) > ttl {
			delete(s.conversations, sid)
			removed++
		}
	}
	return removed
}

// Snapshot returns content-free metadata for every conversation, sorted by
// call SID for stable output.
func (s *ConversationStore) Snapshot() []model.ConversationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ConversationInfo, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, model.ConversationInfo{
			CallSID:      c.CallSID,
			Turns:        c.Turns,
			MessageCount: len(c.Messages),
			LastActivity: c.LastActivity,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallSID < out[j].CallSID })
	return out
}
