// Package session holds the ephemeral conversation threads bridge mode
// (§4.4.2) needs to turn a stateless Responses-API exchange into a stateful
// Claude Messages conversation.
package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// Message is one conversational turn.
type Message struct {
	Role    string
	Content string
}

// Session is one bridged conversation thread.
type Session struct {
	ID         string
	Messages   []Message
	CreatedAt  time.Time
	LastTouch  time.Time
	MaxTokens  int
}

// Manager stores sessions keyed by id with an idle TTL, backed by go-cache
// so expired entries are lazily evicted the way spec §3 describes for
// scheduler affinity — the same primitive, reused for the same reason.
type Manager struct {
	cache              *cache.Cache
	maxMessages        int
	maxTokensPerThread int
}

// NewManager builds a session store with idleTTL-based expiry.
func NewManager(idleTTL time.Duration, maxMessages, maxTokensPerThread int) *Manager {
	if idleTTL <= 0 {
		idleTTL = 24 * time.Hour
	}
	return &Manager{
		cache:              cache.New(idleTTL, idleTTL/2),
		maxMessages:        maxMessages,
		maxTokensPerThread: maxTokensPerThread,
	}
}

// GetOrCreate looks up previousResponseID; if blank or not found, a fresh
// session is created and returned.
func (m *Manager) GetOrCreate(previousResponseID string) *Session {
	if previousResponseID != "" {
		if v, ok := m.cache.Get(previousResponseID); ok {
			s := v.(*Session)
			return s
		}
	}
	now := time.Now()
	return &Session{ID: uuid.NewString(), CreatedAt: now, LastTouch: now}
}

// AppendUserTurn adds a user message; it does not trim (see Compact).
func (s *Session) AppendUserTurn(content string) {
	s.Messages = append(s.Messages, Message{Role: "user", Content: content})
}

// AppendAssistantTurn adds the assistant's reply.
func (s *Session) AppendAssistantTurn(content string) {
	s.Messages = append(s.Messages, Message{Role: "assistant", Content: content})
}

// Compact drops all but the trailing maxMessages messages (the
// `?compact=1` supplemental feature in SPEC_FULL.md).
func (s *Session) Compact(maxMessages int) {
	if maxMessages <= 0 || len(s.Messages) <= maxMessages {
		return
	}
	s.Messages = append([]Message(nil), s.Messages[len(s.Messages)-maxMessages:]...)
}

// MaxMessages returns the configured per-session message cap used by Compact.
func (m *Manager) MaxMessages() int { return m.maxMessages }

// Save stores s under a fresh response id and returns that id; the session
// store is keyed by the id the client will pass back as
// previous_response_id on its next turn.
func (m *Manager) Save(s *Session) string {
	s.LastTouch = time.Now()
	newID := uuid.NewString()
	m.cache.Set(newID, s, cache.DefaultExpiration)
	return newID
}
