package delivery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"courier/cmd/identity/ids"
)

// InMemoryStore is a dev-only Store used when no database is configured.
// It keeps the same contract as PostgresStore: conditional seq append, idempotency
// on client_msg_id, monotonic watermarks.
type InMemoryStore struct {
	mu         sync.Mutex
	chats      map[string]*memChat
	byUser     map[string]map[string]struct{} // user_id -> chat ids
	watermarks map[string]map[string]int64    // chat_id -> user_id -> seq

	// failAppend, when set, is consulted before every append (tests inject store faults).
	failAppend func(in AppendInput) error
}

// dedupeKey scopes client_msg_id to its sender; devices number their own sends.
type dedupeKey struct {
	senderID    string
	clientMsgID string
}

type memChat struct {
	chat   Chat
	dedupe map[dedupeKey]Message
	msgs   []Message // ordered by seq, msgs[i].Seq == i+1
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chats:      make(map[string]*memChat),
		byUser:     make(map[string]map[string]struct{}),
		watermarks: make(map[string]map[string]int64),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateChat stores a new chat with its participant set.
func (s *InMemoryStore) CreateChat(ctx context.Context, in CreateChatInput) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	in, err := in.normalize()
	if err != nil {
		return Chat{}, err
	}
	if in.ID == "" {
		if in.ID, err = ids.NewULID(in.Now); err != nil {
			return Chat{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[in.ID]; ok {
		return Chat{}, opErr("delivery.CreateChat", ErrValidation, "chat id already exists")
	}

	c := Chat{
		ID:             in.ID,
		Name:           in.Name,
		IsGroup:        in.IsGroup,
		ParticipantIDs: append([]string(nil), in.ParticipantIDs...),
		CreatedAt:      in.Now,
		UpdatedAt:      in.Now,
	}
	s.chats[c.ID] = &memChat{chat: c, dedupe: make(map[dedupeKey]Message)}
	for _, p := range c.ParticipantIDs {
		set := s.byUser[p]
		if set == nil {
			set = make(map[string]struct{})
			s.byUser[p] = set
		}
		set[c.ID] = struct{}{}
	}
	return copyChat(c), nil
}

// GetChat returns a chat or ErrChatNotFound.
func (s *InMemoryStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chats[chatID]
	if c == nil {
		return Chat{}, opErr("delivery.GetChat", ErrChatNotFound, chatID)
	}
	return copyChat(c.chat), nil
}

// ChatParticipants returns the chat's participant ids.
func (s *InMemoryStore) ChatParticipants(ctx context.Context, chatID string) ([]string, error) {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return c.ParticipantIDs, nil
}

// ChatsForUser returns the user's chats, most recently updated first, each with its last message.
func (s *InMemoryStore) ChatsForUser(ctx context.Context, userID string) ([]ChatSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ChatSummary, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		c := s.chats[id]
		if c == nil {
			continue
		}
		sum := ChatSummary{Chat: copyChat(c.chat)}
		if n := len(c.msgs); n > 0 {
			last := c.msgs[n-1]
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Chat.UpdatedAt.Equal(out[j].Chat.UpdatedAt) {
			return out[i].Chat.UpdatedAt.After(out[j].Chat.UpdatedAt)
		}
		return out[i].Chat.ID < out[j].Chat.ID
	})
	return out, nil
}

// AppendMessage persists a message at in.Seq if it directly follows the chat's last_seq.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	if in.ChatID == "" || in.SenderID == "" || in.MessageID == "" || in.Seq <= 0 {
		return AppendResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chats[in.ChatID]
	if c == nil {
		return AppendResult{}, opErr("delivery.AppendMessage", ErrChatNotFound, in.ChatID)
	}

	if in.ClientMsgID != "" {
		if existing, ok := c.dedupe[dedupeKey{in.SenderID, in.ClientMsgID}]; ok {
			return AppendResult{Stored: existing, Duplicated: true}, nil
		}
	}

	if s.failAppend != nil {
		if err := s.failAppend(in); err != nil {
			return AppendResult{}, err
		}
	}

	if c.chat.LastSeq != in.Seq-1 {
		return AppendResult{}, SeqConflictError{ChatID: in.ChatID, LastSeq: c.chat.LastSeq}
	}

	msg := Message{
		ID:          in.MessageID,
		ChatID:      in.ChatID,
		SenderID:    in.SenderID,
		ClientMsgID: in.ClientMsgID,
		Seq:         in.Seq,
		Content:     in.Content,
		CreatedAt:   now,
	}
	c.msgs = append(c.msgs, msg)
	c.chat.LastSeq = in.Seq
	c.chat.UpdatedAt = now
	if in.ClientMsgID != "" {
		c.dedupe[dedupeKey{in.SenderID, in.ClientMsgID}] = msg
	}

	return AppendResult{Stored: msg}, nil
}

// ReadRange returns up to limit messages with seq > afterSeq, ascending.
func (s *InMemoryStore) ReadRange(ctx context.Context, chatID string, afterSeq int64, limit int) ([]Message, error) {
	if chatID == "" {
		return nil, errors.New("missing chat_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	if afterSeq < 0 {
		afterSeq = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chats[chatID]
	if c == nil {
		return nil, opErr("delivery.ReadRange", ErrChatNotFound, chatID)
	}

	// msgs is dense: seq n lives at index n-1.
	start := int(afterSeq)
	if start >= len(c.msgs) {
		return nil, nil
	}
	end := start + limit
	if end > len(c.msgs) {
		end = len(c.msgs)
	}
	return append([]Message(nil), c.msgs[start:end]...), nil
}

// Watermark returns the user's ack watermark for the chat (0 when none).
func (s *InMemoryStore) Watermark(ctx context.Context, userID, chatID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[chatID][userID], nil
}

// AdvanceWatermark raises the watermark to seq; lower or equal values are ignored.
func (s *InMemoryStore) AdvanceWatermark(ctx context.Context, userID, chatID string, seq int64, _ time.Time) (WatermarkResult, error) {
	if err := ctx.Err(); err != nil {
		return WatermarkResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chats[chatID] == nil {
		return WatermarkResult{}, opErr("delivery.AdvanceWatermark", ErrChatNotFound, chatID)
	}
	m := s.watermarks[chatID]
	if m == nil {
		m = make(map[string]int64)
		s.watermarks[chatID] = m
	}
	cur := m[userID]
	if seq <= cur {
		return WatermarkResult{Seq: cur}, nil
	}
	m[userID] = seq
	return WatermarkResult{Seq: seq, Advanced: true}, nil
}

// Watermarks returns every stored watermark for the chat keyed by user id.
func (s *InMemoryStore) Watermarks(ctx context.Context, chatID string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.watermarks[chatID]))
	for u, seq := range s.watermarks[chatID] {
		out[u] = seq
	}
	return out, nil
}

func copyChat(c Chat) Chat {
	c.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	return c
}
