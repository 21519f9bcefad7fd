package scheduling

import (
	"context"
	"sync"
	"time"
)

// MemoryConfigStore keeps the config in process.
type MemoryConfigStore struct {
	mu  sync.Mutex
	cfg *ScheduleConfig
}

func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{}
}

// Get returns a copy of the stored config, materializing the defaults on
// first use. Concurrent first readers all observe the same config.
func (s *MemoryConfigStore) Get(_ context.Context) (*ScheduleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		s.cfg = DefaultScheduleConfig()
		s.cfg.UpdatedAt = time.Now().UTC()
	}
	return s.cfg.Clone(), nil
}

func (s *MemoryConfigStore) Save(_ context.Context, cfg *ScheduleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.Clone()
	s.cfg.UpdatedAt = time.Now().UTC()
	return nil
}
