// Package delivery is the message delivery core: per-chat sequencing, push fan-out to
// live connections, catch-up replay on reconnect, and monotonic delivery watermarks.
//
// Flow of a send:
//
//	Send → validate → participant check → Sequencer (seq + durable append)
//	     → Router (local connections, then Bus for other nodes)
//
// Transports (WebSocket, REST) sit on top of Service and deal only in Messages.
package delivery

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config tunes the core.
type Config struct {
	Retry        RetryPolicy
	Registry     RegistryConfig
	CatchUpLimit int
}

// Service wires the delivery components together.
type Service struct {
	log      *slog.Logger
	store    Store
	presence PresenceTracker
	bus      Bus
	metrics  *Metrics

	seq      *Sequencer
	registry *Registry
	router   *Router
	catchup  *CatchUpResolver
	acker    *Acknowledger
}

// NewService constructs the core. presence nil means in-memory presence; bus nil
// means single node; metrics nil disables metrics.
func NewService(log *slog.Logger, store Store, cfg Config, presence PresenceTracker, bus Bus, metrics *Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	if presence == nil {
		presence = NewMemoryPresence()
	}
	reg := NewRegistry(log, cfg.Registry, presence, metrics)
	return &Service{
		log:      log,
		store:    store,
		presence: presence,
		bus:      bus,
		metrics:  metrics,
		seq:      NewSequencer(log, store, cfg.Retry, metrics),
		registry: reg,
		router:   NewRouter(log, store, reg, bus),
		catchup:  NewCatchUpResolver(log, store, cfg.CatchUpLimit, metrics),
		acker:    NewAcknowledger(log, store, metrics),
	}
}

// Registry exposes the connection registry (transports register through Connect).
func (s *Service) Registry() *Registry { return s.registry }

// CatchUpLimit returns the catch-up batch cap.
func (s *Service) CatchUpLimit() int { return s.catchup.MaxBatch() }

// SendInput is an inbound message before validation.
type SendInput struct {
	ChatID      string
	SenderID    string
	ClientMsgID string
	Content     string
	Now         time.Time
}

// SendResult is an accepted message. Duplicated reports a retried client_msg_id; the
// original message is returned and nothing is fanned out again.
type SendResult struct {
	Message    Message
	Duplicated bool
	Fanout     PublishReport
}

// Send validates, sequences, persists and fans out a message. A rejected message
// consumes no seq.
func (s *Service) Send(ctx context.Context, in SendInput) (SendResult, error) {
	const op = "delivery.Send"

	content, err := ValidateContent(in.Content)
	if err != nil {
		return SendResult{}, err
	}
	if err := validateClientMsgID(in.ClientMsgID); err != nil {
		return SendResult{}, err
	}
	if in.SenderID == "" {
		return SendResult{}, opErr(op, ErrValidation, "sender is required")
	}
	if _, err := chatFor(ctx, s.store, op, in.SenderID, in.ChatID); err != nil {
		return SendResult{}, err
	}

	var rep PublishReport
	fanoutCtx := context.WithoutCancel(ctx)
	msg, dup, err := s.seq.Append(ctx, Draft{
		ChatID:      in.ChatID,
		SenderID:    in.SenderID,
		ClientMsgID: in.ClientMsgID,
		Content:     content,
		Now:         in.Now,
	}, func(m Message) {
		rep = s.router.Publish(fanoutCtx, m)
	})
	if err != nil {
		s.log.Warn("delivery.send.fail", "chat_id", in.ChatID, "sender_id", in.SenderID, "err", err)
		return SendResult{}, err
	}
	if dup {
		s.log.Info("delivery.send.duplicate", "chat_id", msg.ChatID, "seq", msg.Seq, "client_msg_id", in.ClientMsgID)
	}
	return SendResult{Message: msg, Duplicated: dup, Fanout: rep}, nil
}

// NextSeq returns the seq the chat's next accepted message will get.
func (s *Service) NextSeq(ctx context.Context, chatID string) (int64, error) {
	return s.seq.NextSeq(ctx, chatID)
}

// CreateChat creates a chat; the creator is always a participant.
func (s *Service) CreateChat(ctx context.Context, in CreateChatInput) (Chat, error) {
	chat, err := s.store.CreateChat(ctx, in)
	if err != nil {
		return Chat{}, err
	}
	s.router.Remember(chat.ID, chat.ParticipantIDs)
	s.log.Info("delivery.chat.create",
		"chat_id", chat.ID, "is_group", chat.IsGroup, "participants", len(chat.ParticipantIDs))
	return chat, nil
}

// ChatView is a chat-list row with participant presence.
type ChatView struct {
	ChatSummary
	Participants []User
}

// ListChats returns userID's chats, most recent activity first.
func (s *Service) ListChats(ctx context.Context, userID string) ([]ChatView, error) {
	sums, err := s.store.ChatsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	users, err := s.users(ctx, participantsOf(sums))
	if err != nil {
		return nil, err
	}

	out := make([]ChatView, 0, len(sums))
	for _, sum := range sums {
		v := ChatView{ChatSummary: sum, Participants: make([]User, 0, len(sum.Chat.ParticipantIDs))}
		for _, p := range sum.Chat.ParticipantIDs {
			v.Participants = append(v.Participants, users[p])
		}
		out = append(out, v)
	}
	return out, nil
}

// Contacts returns everyone userID shares a chat with, ordered by user id, with
// presence and last-seen.
func (s *Service) Contacts(ctx context.Context, userID string) ([]User, error) {
	sums, err := s.store.ChatsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range participantsOf(sums) {
		if id != userID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	users, err := s.users(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		out = append(out, users[id])
	}
	return out, nil
}

func participantsOf(sums []ChatSummary) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, sum := range sums {
		for _, p := range sum.Chat.ParticipantIDs {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				ids = append(ids, p)
			}
		}
	}
	return ids
}

// users builds the User view of ids. Identity lives outside the core, so the display
// name is the user id.
func (s *Service) users(ctx context.Context, ids []string) (map[string]User, error) {
	status, err := s.Presence(ctx, ids...)
	if err != nil {
		return nil, err
	}
	seen, err := s.LastSeen(ctx, ids...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]User, len(ids))
	for _, id := range ids {
		out[id] = User{ID: id, DisplayName: id, Presence: status[id], LastSeen: seen[id]}
	}
	return out, nil
}

// Presence returns the presence of each user. A presence backend failure degrades to
// this node's registry.
func (s *Service) Presence(ctx context.Context, userIDs ...string) (map[string]Presence, error) {
	status, err := s.presence.Status(ctx, userIDs...)
	if err == nil {
		return status, nil
	}
	s.log.Warn("delivery.presence.status.fail", "users", len(userIDs), "err", err)

	status = make(map[string]Presence, len(userIDs))
	for _, u := range userIDs {
		if len(s.registry.ConnectionsFor(u)) > 0 {
			status[u] = PresenceOnline
		} else {
			status[u] = PresenceOffline
		}
	}
	return status, nil
}

// LastSeen returns when each user last had a live connection; users never seen are
// absent. A presence backend failure degrades to this node's heartbeats.
func (s *Service) LastSeen(ctx context.Context, userIDs ...string) (map[string]time.Time, error) {
	seen, err := s.presence.LastSeen(ctx, userIDs...)
	if err == nil {
		return seen, nil
	}
	s.log.Warn("delivery.presence.last_seen.fail", "users", len(userIDs), "err", err)

	seen = make(map[string]time.Time, len(userIDs))
	for _, u := range userIDs {
		for _, h := range s.registry.ConnectionsFor(u) {
			if t := h.LastSeen().UTC(); t.After(seen[u]) {
				seen[u] = t
			}
		}
	}
	return seen, nil
}

// Connect registers a connection and resolves its catch-up. The returned handle is
// still Connecting: the transport delivers the catch-up results, then calls Activate
// to start live pushes. Pushes that race with catch-up are held and de-duplicated.
func (s *Service) Connect(ctx context.Context, userID, connID string, cursors map[string]int64) (*Handle, []CatchUpResult, error) {
	h, err := s.registry.Register(ctx, userID, connID)
	if err != nil {
		return nil, nil, err
	}

	results, resume, err := s.catchup.catchUpAll(ctx, userID, cursors)
	if err != nil {
		s.registry.Unregister(context.WithoutCancel(ctx), connID)
		return nil, nil, err
	}
	// Raw cursors are never trusted here; only clamped resume points are.
	for chatID, seq := range resume {
		h.MarkDelivered(chatID, seq)
	}
	for _, r := range results {
		h.MarkDelivered(r.ChatID, r.Cursor)
	}

	s.log.Info("delivery.connect", "user_id", userID, "conn_id", connID, "catchup_chats", len(results))
	return h, results, nil
}

// Disconnect removes the connection. Its pending pushes are discarded; in-flight
// acks and catch-ups complete on their own.
func (s *Service) Disconnect(ctx context.Context, connID string) bool {
	return s.registry.Unregister(ctx, connID)
}

// Heartbeat records liveness of connID.
func (s *Service) Heartbeat(ctx context.Context, connID string) bool {
	return s.registry.Touch(ctx, connID)
}

// CatchUp returns one batch of chatID after fromSeqExclusive.
func (s *Service) CatchUp(ctx context.Context, userID, chatID string, fromSeqExclusive int64, limit int) (CatchUpResult, error) {
	return s.catchup.CatchUp(ctx, userID, chatID, fromSeqExclusive, limit)
}

// ResumePoint returns where catch-up for chatID should start.
func (s *Service) ResumePoint(ctx context.Context, userID, chatID string, clientSeq *int64) (int64, error) {
	return s.catchup.ResumePoint(ctx, userID, chatID, clientSeq)
}

// Ack advances userID's watermark on chatID.
func (s *Service) Ack(ctx context.Context, userID, chatID string, seq int64) (AckResult, error) {
	return s.acker.Ack(ctx, userID, chatID, seq)
}

// Watermark returns userID's watermark on chatID.
func (s *Service) Watermark(ctx context.Context, userID, chatID string) (int64, error) {
	return s.acker.Watermark(ctx, userID, chatID)
}

// SeenBy returns the participants of chatID whose watermark reached seq.
func (s *Service) SeenBy(ctx context.Context, userID, chatID string, seq int64) ([]string, error) {
	return s.acker.SeenBy(ctx, userID, chatID, seq)
}

// Run runs the heartbeat sweeper and, when a bus is configured, the cross-node
// subscription until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.registry.Run(gctx) })
	if s.bus != nil {
		g.Go(func() error {
			return s.bus.Subscribe(gctx, func(m Message) {
				s.seq.observe(m.ChatID, m.Seq)
				s.router.Deliver(gctx, m)
			})
		})
	}
	return g.Wait()
}

// Drain asks every connection to wind down and waits for them (bounded by ctx).
func (s *Service) Drain(ctx context.Context) error {
	return s.registry.Drain(ctx)
}

// Draining reports whether the node is shutting down.
func (s *Service) Draining() bool { return s.registry.Draining() }

// OnlineUsers returns users with a live connection on this node.
func (s *Service) OnlineUsers() []string {
	return s.registry.Users()
}
