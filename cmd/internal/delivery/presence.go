package delivery

import (
	"context"
	"sync"
	"time"
)

// PresenceTracker records which connections a user holds. A user is online while at
// least one connection is tracked. Connections are tracked individually so concurrent
// connects and disconnects from several devices (or nodes) commute.
//
// LastSeen is the last time any connection of the user was added, refreshed or
// removed; users never seen are absent from the result.
type PresenceTracker interface {
	Online(ctx context.Context, userID, connID string) error
	Refresh(ctx context.Context, userID, connID string) error
	Offline(ctx context.Context, userID, connID string) error
	Status(ctx context.Context, userIDs ...string) (map[string]Presence, error)
	LastSeen(ctx context.Context, userIDs ...string) (map[string]time.Time, error)
}

// MemoryPresence is the single-node PresenceTracker.
type MemoryPresence struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{}
	seen  map[string]time.Time
	now   func() time.Time
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{
		conns: make(map[string]map[string]struct{}),
		seen:  make(map[string]time.Time),
		now:   time.Now,
	}
}

func (p *MemoryPresence) Online(_ context.Context, userID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.conns[userID]
	if set == nil {
		set = make(map[string]struct{})
		p.conns[userID] = set
	}
	set[connID] = struct{}{}
	p.seen[userID] = p.now().UTC()
	return nil
}

// Refresh only touches connections that are still tracked; a refresh racing with
// Offline must not bring the connection back.
func (p *MemoryPresence) Refresh(_ context.Context, userID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[userID][connID]; ok {
		p.seen[userID] = p.now().UTC()
	}
	return nil
}

func (p *MemoryPresence) Offline(_ context.Context, userID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.conns[userID]
	if _, ok := set[connID]; !ok {
		return nil
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(p.conns, userID)
	}
	p.seen[userID] = p.now().UTC()
	return nil
}

func (p *MemoryPresence) Status(_ context.Context, userIDs ...string) (map[string]Presence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Presence, len(userIDs))
	for _, u := range userIDs {
		if len(p.conns[u]) > 0 {
			out[u] = PresenceOnline
		} else {
			out[u] = PresenceOffline
		}
	}
	return out, nil
}

func (p *MemoryPresence) LastSeen(_ context.Context, userIDs ...string) (map[string]time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Time, len(userIDs))
	for _, u := range userIDs {
		if t, ok := p.seen[u]; ok {
			out[u] = t
		}
	}
	return out, nil
}
