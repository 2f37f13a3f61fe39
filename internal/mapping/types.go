package mapping

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("mapping not found")

// ErrSessionConflict is returned when RegisterSession finds the channel
// already bound to a different session.
var ErrSessionConflict = errors.New("channel already bound to another session")

// ChannelMapping binds one delivery channel to one session and one project.
// SessionID stays empty until the backend assigns one.
type ChannelMapping struct {
	ChannelID string    `json:"channel_id"`
	Transport string    `json:"transport"`
	SessionID string    `json:"session_id,omitempty"`
	ProjectID string    `json:"project_id"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectMapping binds a channel's parent container (a chat group, a web
// workspace) to a project path. A prompt cannot run before this exists.
type ProjectMapping struct {
	ContainerID string    `json:"container_id"`
	ProjectID   string    `json:"project_id"`
	Path        string    `json:"path"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
