package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps transcripts in process for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string][]Entry)}
}

func (s *InMemoryStore) Append(_ context.Context, entry Entry) error {
	entry = prepare(entry)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ConversationID] = append(s.entries[entry.ConversationID], entry)
	return nil
}

func (s *InMemoryStore) ForConversation(_ context.Context, conversationID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.entries[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Entry, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

// prepare assigns ids/timestamps and redacts user text.
func prepare(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Role == RoleUser {
		redacted, changed := RedactPII(entry.Text)
		entry.Text = redacted
		entry.PIIRedacted = entry.PIIRedacted || changed
	}
	return entry
}
