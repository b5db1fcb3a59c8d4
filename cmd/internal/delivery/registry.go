package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RegistryConfig tunes connection liveness and per-connection queues.
type RegistryConfig struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	SendQueueSize    int
	Overflow         OverflowPolicy
}

func (c RegistryConfig) normalized() RegistryConfig {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.HeartbeatTimeout / defaultSweepFactor
	}
	if c.SweepInterval < minSweepInterval {
		c.SweepInterval = minSweepInterval
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	return c
}

// Registry owns the live connection handles of this node, keyed by connection id and
// by user (one user, many devices). Mutations are serialized; reads return snapshots.
type Registry struct {
	log      *slog.Logger
	cfg      RegistryConfig
	presence PresenceTracker
	metrics  *Metrics
	now      func() time.Time

	mu       sync.RWMutex
	byConn   map[string]*Handle
	byUser   map[string]map[string]*Handle
	draining bool

	removed chan struct{}
}

// NewRegistry constructs a Registry. presence may be nil.
func NewRegistry(log *slog.Logger, cfg RegistryConfig, presence PresenceTracker, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		cfg:      cfg.normalized(),
		presence: presence,
		metrics:  metrics,
		now:      time.Now,
		byConn:   make(map[string]*Handle),
		byUser:   make(map[string]map[string]*Handle),
		removed:  make(chan struct{}, 1),
	}
}

// HeartbeatTimeout returns the effective silence limit.
func (r *Registry) HeartbeatTimeout() time.Duration { return r.cfg.HeartbeatTimeout }

// Register creates a Connecting handle for (userID, connID).
func (r *Registry) Register(ctx context.Context, userID, connID string) (*Handle, error) {
	const op = "delivery.Registry.Register"
	if userID == "" || connID == "" {
		return nil, opErr(op, ErrValidation, "user_id and conn_id are required")
	}

	h := newHandle(userID, connID, r.cfg.SendQueueSize, r.cfg.Overflow, r.now(), r.metrics)

	r.mu.Lock()
	if _, ok := r.byConn[connID]; ok {
		r.mu.Unlock()
		return nil, opErr(op, ErrDuplicateConnection, connID)
	}
	r.byConn[connID] = h
	set := r.byUser[userID]
	if set == nil {
		set = make(map[string]*Handle)
		r.byUser[userID] = set
	}
	set[connID] = h
	n := len(r.byConn)
	draining := r.draining
	r.mu.Unlock()

	if draining {
		// Late arrivals during shutdown are told to go away right after the handshake.
		_ = h.Drain()
	}

	r.metrics.setConnections(n)
	if r.presence != nil {
		if err := r.presence.Online(ctx, userID, connID); err != nil {
			r.log.Warn("delivery.presence.online.fail", "user_id", userID, "conn_id", connID, "err", err)
		}
	}
	r.log.Debug("delivery.registry.register", "user_id", userID, "conn_id", connID, "connections", n)
	return h, nil
}

// Unregister removes and closes the connection. It reports whether it was present.
func (r *Registry) Unregister(ctx context.Context, connID string) bool {
	return r.remove(ctx, connID, "unregister", nil)
}

func (r *Registry) remove(ctx context.Context, connID, reason string, cause error) bool {
	r.mu.Lock()
	h, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byConn, connID)
	if set := r.byUser[h.UserID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, h.UserID)
		}
	}
	n := len(r.byConn)
	r.mu.Unlock()

	h.Close(cause)
	r.metrics.setConnections(n)
	r.metrics.incRemoval(reason)

	if r.presence != nil {
		if err := r.presence.Offline(ctx, h.UserID, connID); err != nil {
			r.log.Warn("delivery.presence.offline.fail", "user_id", h.UserID, "conn_id", connID, "err", err)
		}
	}

	select {
	case r.removed <- struct{}{}:
	default:
	}

	r.log.Debug("delivery.registry.remove", "user_id", h.UserID, "conn_id", connID, "reason", reason, "connections", n)
	return true
}

// ConnectionsFor returns a snapshot of the user's live handles ordered by connection id.
func (r *Registry) ConnectionsFor(userID string) []*Handle {
	r.mu.RLock()
	set := r.byUser[userID]
	out := make([]*Handle, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// Get returns the handle for connID.
func (r *Registry) Get(connID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byConn[connID]
	return h, ok
}

// Touch records a heartbeat and refreshes presence.
func (r *Registry) Touch(ctx context.Context, connID string) bool {
	h, ok := r.Get(connID)
	if !ok {
		return false
	}
	h.Touch(r.now())
	if r.presence == nil || h.Closed() {
		return true
	}
	if err := r.presence.Refresh(ctx, h.UserID, connID); err != nil {
		r.log.Warn("delivery.presence.refresh.fail", "user_id", h.UserID, "conn_id", connID, "err", err)
	}
	// remove closes the handle before it goes offline, so a refresh that lost the
	// race shows up here and is undone.
	if h.Closed() {
		if err := r.presence.Offline(ctx, h.UserID, connID); err != nil {
			r.log.Warn("delivery.presence.offline.fail", "user_id", h.UserID, "conn_id", connID, "err", err)
		}
	}
	return true
}

// Sweep removes handles silent for longer than the heartbeat timeout (Idle → Closed)
// and handles that closed themselves (overflow). It returns how many were removed.
func (r *Registry) Sweep(ctx context.Context, now time.Time) int {
	type victim struct {
		connID string
		idle   bool
	}

	r.mu.RLock()
	var victims []victim
	for id, h := range r.byConn {
		switch {
		case h.Closed():
			victims = append(victims, victim{connID: id})
		case h.State() != StateDraining && now.Sub(h.LastSeen()) > r.cfg.HeartbeatTimeout:
			victims = append(victims, victim{connID: id, idle: true})
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, v := range victims {
		reason := "closed"
		if v.idle {
			reason = "idle"
			if h, ok := r.Get(v.connID); ok {
				h.expire()
			}
		}
		if r.remove(ctx, v.connID, reason, ErrConnectionLost) {
			removed++
		}
	}
	if removed > 0 {
		r.log.Info("delivery.registry.sweep", "removed", removed, "connections", r.Len())
	}
	return removed
}

// Run sweeps on an interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Sweep(ctx, r.now())
		}
	}
}

// Drain moves every handle to Draining and waits until the transports have
// unregistered them all. When ctx ends first, the stragglers are closed and removed.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	handles := make([]*Handle, 0, len(r.byConn))
	for _, h := range r.byConn {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		if err := h.Drain(); err != nil && !errors.Is(err, ErrInvalidTransition) {
			r.log.Warn("delivery.registry.drain.fail", "conn_id", h.ConnID, "err", err)
		}
	}
	r.log.Info("delivery.registry.drain.start", "connections", len(handles))

	for r.Len() > 0 {
		select {
		case <-ctx.Done():
			left := r.closeAll(context.WithoutCancel(ctx))
			r.log.Warn("delivery.registry.drain.timeout", "closed", left)
			return ctx.Err()
		case <-r.removed:
		}
	}
	r.log.Info("delivery.registry.drain.done")
	return nil
}

func (r *Registry) closeAll(ctx context.Context) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byConn))
	for id := range r.byConn {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if r.remove(ctx, id, "drain", nil) {
			n++
		}
	}
	return n
}

// Draining reports whether Drain has started.
func (r *Registry) Draining() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.draining
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Users returns the users with at least one live connection, sorted.
func (r *Registry) Users() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
