package feedback

import (
	"context"
	"slices"
	"sync"
	"time"

	"a3sist/internal/domain"
)

// MemoryStore keeps feedback in process. Entries are lost on exit.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []domain.TrainingFeedback
}

var _ domain.FeedbackStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveFeedback(_ context.Context, fb domain.TrainingFeedback) error {
	if fb.RecordedAt.IsZero() {
		fb.RecordedAt = time.Now()
	}
	s.mu.Lock()
	s.entries = append(s.entries, fb)
	s.mu.Unlock()
	return nil
}

// ListFeedback returns the most recent entries first. limit <= 0 returns all.
func (s *MemoryStore) ListFeedback(_ context.Context, limit int) ([]domain.TrainingFeedback, error) {
	s.mu.RLock()
	out := slices.Clone(s.entries)
	s.mu.RUnlock()

	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
