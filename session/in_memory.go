package session

import (
	"sync"
	"time"

	"github.com/hupe1980/researchmail/core"
)

// Info describes a stored conversation.
type Info struct {
	ConversationID string    `json:"conversation_id"`
	Agent          string    `json:"agent"`
	Turns          int       `json:"turns"`
	Busy           bool      `json:"busy"`
	Created        time.Time `json:"created"`
}

type entry struct {
	conv  *core.Conversation
	agent string
	busy  bool
}

// InMemoryStore is a volatile conversation store. It is safe for concurrent
// access.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]*entry)}
}

// Create starts a conversation owned by agent.
func (s *InMemoryStore) Create(agent string, deps core.Dependencies) *core.Conversation {
	conv := core.NewConversation(deps)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[conv.ID()] = &entry{conv: conv, agent: agent}

	return conv
}

// Get returns a conversation and the agent owning it.
func (s *InMemoryStore) Get(id string) (*core.Conversation, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, "", false
	}

	return e.conv, e.agent, true
}

// Acquire marks a conversation as being run. It fails when the conversation
// is unknown or already running.
func (s *InMemoryStore) Acquire(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return core.Errorf(core.KindValidation, "conversation %s not found", id)
	}

	if e.busy {
		return core.Errorf(core.KindValidation, "conversation %s is already running", id)
	}

	e.busy = true

	return nil
}

// Release ends the run holding a conversation.
func (s *InMemoryStore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		e.busy = false
	}
}

// Delete forgets an idle conversation and reports whether it was removed.
func (s *InMemoryStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.busy {
		return false
	}

	delete(s.entries, id)

	return true
}

// List describes every stored conversation.
func (s *InMemoryStore) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Info, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, Info{
			ConversationID: id,
			Agent:          e.agent,
			Turns:          e.conv.Len(),
			Busy:           e.busy,
			Created:        e.conv.Created(),
		})
	}

	return out
}
