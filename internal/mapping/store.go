package mapping

import (
	"context"
	"strings"
	"sync"
)

// Store persists channel and project mappings. Saves must be durable before
// the corresponding success response reaches the user.
type Store interface {
	SaveChannelMapping(ctx context.Context, m ChannelMapping) error
	GetChannelMapping(ctx context.Context, channelID string) (ChannelMapping, error)
	ListChannelMappingsBySession(ctx context.Context, sessionID string) ([]ChannelMapping, error)
	DeleteChannelMapping(ctx context.Context, channelID string) error

	SaveProjectMapping(ctx context.Context, m ProjectMapping) error
	GetProjectMapping(ctx context.Context, containerID string) (ProjectMapping, error)

	Close() error
}

// NewStore picks Postgres when a database URL is configured and the
// in-memory store otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), "in-memory", nil
	}
	st, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, "", err
	}
	return st, "postgres", nil
}

// MemoryStore keeps mappings in process memory. Used by tests and DB-less
// runs.
type MemoryStore struct {
	mu       sync.RWMutex
	channels map[string]ChannelMapping
	projects map[string]ProjectMapping
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels: make(map[string]ChannelMapping),
		projects: make(map[string]ProjectMapping),
	}
}

func (s *MemoryStore) SaveChannelMapping(_ context.Context, m ChannelMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[m.ChannelID] = m
	return nil
}

func (s *MemoryStore) GetChannelMapping(_ context.Context, channelID string) (ChannelMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.channels[channelID]
	if !ok {
		return ChannelMapping{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) ListChannelMappingsBySession(_ context.Context, sessionID string) ([]ChannelMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ChannelMapping
	for _, m := range s.channels {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteChannelMapping(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channelID)
	return nil
}

func (s *MemoryStore) SaveProjectMapping(_ context.Context, m ProjectMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[m.ContainerID] = m
	return nil
}

func (s *MemoryStore) GetProjectMapping(_ context.Context, containerID string) (ProjectMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.projects[containerID]
	if !ok {
		return ProjectMapping{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) Close() error { return nil }
