// Package mapping keeps the channel ⇄ session ⇄ project associations
// consistent under concurrent, possibly stale writes. Session and channel
// ids live in independent namespaces populated asynchronously; the mapper is
// where the two are reconciled.
package mapping

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ExistenceCheck asks the live transport whether a channel still exists.
type ExistenceCheck func(ctx context.Context, channelID string) (bool, error)

type Mapper struct {
	store Store
}

func NewMapper(store Store) *Mapper {
	return &Mapper{store: store}
}

// GetChannelMapping reads a channel's mapping; ErrNotFound when absent.
func (m *Mapper) GetChannelMapping(ctx context.Context, channelID string) (ChannelMapping, error) {
	return m.store.GetChannelMapping(ctx, channelID)
}

// SaveChannelMapping is an idempotent upsert, used for first-time setup and
// for explicit remaps. Any user confirmation happens before this call.
func (m *Mapper) SaveChannelMapping(ctx context.Context, cm ChannelMapping) error {
	cm.ChannelID = strings.TrimSpace(cm.ChannelID)
	if cm.ChannelID == "" {
		return fmt.Errorf("channel id is required")
	}
	if cm.CreatedAt.IsZero() {
		cm.CreatedAt = time.Now().UTC()
	}
	return m.store.SaveChannelMapping(ctx, cm)
}

// GetSessionMapping returns the channel's mapping only once a session id has
// been assigned to it.
func (m *Mapper) GetSessionMapping(ctx context.Context, channelID string) (ChannelMapping, error) {
	cm, err := m.store.GetChannelMapping(ctx, channelID)
	if err != nil {
		return ChannelMapping{}, err
	}
	if cm.SessionID == "" {
		return ChannelMapping{}, ErrNotFound
	}
	return cm, nil
}

// RegisterSession binds the backend-assigned session id to a previously
// unbound channel. Re-registering the same id is a no-op; a different id is
// a conflict.
func (m *Mapper) RegisterSession(ctx context.Context, channelID, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	cm, err := m.store.GetChannelMapping(ctx, channelID)
	if err != nil {
		return err
	}
	if cm.SessionID == sessionID {
		return nil
	}
	if cm.SessionID != "" {
		return ErrSessionConflict
	}
	cm.SessionID = sessionID
	return m.store.SaveChannelMapping(ctx, cm)
}

// UpdateSessionID handles the rare case of the backend reassigning a session
// id for an existing mapping. No-op when unchanged.
func (m *Mapper) UpdateSessionID(ctx context.Context, channelID, newSessionID string) error {
	newSessionID = strings.TrimSpace(newSessionID)
	if newSessionID == "" {
		return fmt.Errorf("session id is required")
	}
	cm, err := m.store.GetChannelMapping(ctx, channelID)
	if err != nil {
		return err
	}
	if cm.SessionID == newSessionID {
		return nil
	}
	cm.SessionID = newSessionID
	return m.store.SaveChannelMapping(ctx, cm)
}

// FindLiveChannelForSession scans persisted mappings for the session and
// verifies each candidate against the live transport. Stale mappings are
// deleted as a side effect of the scan; there is no background sweep, so a
// stale entry persists until someone looks it up. That trade-off is
// intentional.
func (m *Mapper) FindLiveChannelForSession(ctx context.Context, sessionID, transport string, exists ExistenceCheck) (ChannelMapping, error) {
	candidates, err := m.store.ListChannelMappingsBySession(ctx, sessionID)
	if err != nil {
		return ChannelMapping{}, err
	}
	for _, cm := range candidates {
		if transport != "" && cm.Transport != transport {
			continue
		}
		if exists != nil {
			alive, err := exists(ctx, cm.ChannelID)
			if err != nil {
				// Existence is unknowable right now; keep the mapping and
				// skip rather than delete on a transient transport error.
				continue
			}
			if !alive {
				_ = m.store.DeleteChannelMapping(ctx, cm.ChannelID)
				continue
			}
		}
		return cm, nil
	}
	return ChannelMapping{}, ErrNotFound
}

// SaveProjectMapping registers a container → project binding.
func (m *Mapper) SaveProjectMapping(ctx context.Context, pm ProjectMapping) error {
	pm.ContainerID = strings.TrimSpace(pm.ContainerID)
	if pm.ContainerID == "" {
		return fmt.Errorf("container id is required")
	}
	if pm.CreatedAt.IsZero() {
		pm.CreatedAt = time.Now().UTC()
	}
	return m.store.SaveProjectMapping(ctx, pm)
}

// GetProjectMapping resolves a container to its project and path.
func (m *Mapper) GetProjectMapping(ctx context.Context, containerID string) (ProjectMapping, error) {
	return m.store.GetProjectMapping(ctx, containerID)
}
