// Package guard serializes prompt handling per channel. A channel is the
// unit a human interacts with serially, so the lock lives here rather than
// on the session; the registry's session-level check backs this up for the
// rare session reachable from two channels.
package guard

import (
	"errors"
	"sync"
)

var ErrChannelBusy = errors.New("channel already has a task in flight")

type ChannelGuard struct {
	mu     sync.Mutex
	locked map[string]struct{}
}

func New() *ChannelGuard {
	return &ChannelGuard{locked: make(map[string]struct{})}
}

// TryAcquire takes the channel lock; false when already held.
func (g *ChannelGuard) TryAcquire(channelID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.locked[channelID]; held {
		return false
	}
	g.locked[channelID] = struct{}{}
	return true
}

func (g *ChannelGuard) Release(channelID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.locked, channelID)
}

// Held reports whether the channel currently has the lock taken.
func (g *ChannelGuard) Held(channelID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.locked[channelID]
	return held
}

// With runs fn under the channel lock. Release happens on every exit path,
// panics included, so a crashed handler can never wedge its channel.
func (g *ChannelGuard) With(channelID string, fn func() error) error {
	if !g.TryAcquire(channelID) {
		return ErrChannelBusy
	}
	defer g.Release(channelID)
	return fn()
}
