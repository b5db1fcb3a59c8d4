package delivery

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

// participantSource is the slice of Store the router needs.
type participantSource interface {
	ChatParticipants(ctx context.Context, chatID string) ([]string, error)
}

// PublishReport summarizes one fan-out.
type PublishReport struct {
	ChatID    string
	Seq       int64
	Targets   int // live connections of participants on this node
	Delivered int // queued or held
	Dropped   int // evicted older message, dead or overflowed connection
	Skipped   int // already delivered on that connection
}

// Router pushes sequenced messages to the live connections of a chat's participants.
//
// Publish is called by the Sequencer while the chat is locked, so per chat the router
// sees messages in seq order. Pushes never block; a slow connection only hurts itself.
type Router struct {
	log      *slog.Logger
	store    participantSource
	registry *Registry
	bus      Bus

	// Participants never change after creation, so entries are only ever evicted.
	members *lru.Cache // chat_id -> []string
	group   singleflight.Group
}

// NewRouter constructs a Router. bus may be nil (single node).
func NewRouter(log *slog.Logger, store participantSource, registry *Registry, bus Bus) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:      log,
		store:    store,
		registry: registry,
		bus:      bus,
		members:  newLRU(participantCacheSize),
	}
}

// Publish fans m out to this node's connections and announces it on the bus.
func (r *Router) Publish(ctx context.Context, m Message) PublishReport {
	rep := r.Deliver(ctx, m)
	if r.bus != nil {
		if err := r.bus.Publish(ctx, m); err != nil {
			r.log.Warn("delivery.fanout.bus.fail", "chat_id", m.ChatID, "seq", m.Seq, "err", err)
		}
	}
	return rep
}

// Deliver fans m out to this node's connections only. It is the entry point for
// messages received from other nodes.
func (r *Router) Deliver(ctx context.Context, m Message) PublishReport {
	rep := PublishReport{ChatID: m.ChatID, Seq: m.Seq}

	participants, err := r.Participants(ctx, m.ChatID)
	if err != nil {
		r.log.Warn("delivery.fanout.participants.fail", "chat_id", m.ChatID, "seq", m.Seq, "err", err)
		return rep
	}

	for _, userID := range participants {
		for _, h := range r.registry.ConnectionsFor(userID) {
			rep.Targets++
			switch res := h.Push(m); res {
			case PushQueued, PushHeld:
				rep.Delivered++
			case PushSkipped:
				rep.Skipped++
			default:
				rep.Dropped++
				r.log.Warn("delivery.fanout.drop",
					"chat_id", m.ChatID, "seq", m.Seq, "user_id", userID, "conn_id", h.ConnID, "result", res.String())
			}
		}
	}

	r.log.Debug("delivery.fanout",
		"chat_id", m.ChatID, "seq", m.Seq, "targets", rep.Targets, "delivered", rep.Delivered,
		"dropped", rep.Dropped, "skipped", rep.Skipped)
	return rep
}

// Participants returns the chat's participants, loading them once per chat.
func (r *Router) Participants(ctx context.Context, chatID string) ([]string, error) {
	if v, ok := r.members.Get(chatID); ok {
		return v.([]string), nil
	}

	v, err, _ := r.group.Do(chatID, func() (any, error) {
		ids, err := r.store.ChatParticipants(ctx, chatID)
		if err != nil {
			return nil, err
		}
		r.members.Add(chatID, ids)
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Remember seeds the participant cache, e.g. right after a chat is created.
func (r *Router) Remember(chatID string, participants []string) {
	r.members.Add(chatID, append([]string(nil), participants...))
}
