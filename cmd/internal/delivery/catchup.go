package delivery

import (
	"context"
	"log/slog"
)

// CatchUpResult is one bounded, ascending slice of a chat's log.
//
// When Truncated is set, more messages exist past Cursor and the client re-requests
// from Cursor. Cursor is the last returned seq (FromSeq when nothing was returned).
type CatchUpResult struct {
	ChatID    string
	FromSeq   int64
	Messages  []Message
	Truncated bool
	Cursor    int64
	LastSeq   int64
}

// CatchUpResolver replays the gap between what a client has and the chat's last seq.
// It only reads: asking twice for the same range yields the same answer.
type CatchUpResolver struct {
	log      *slog.Logger
	store    Store
	maxBatch int
	metrics  *Metrics
}

// NewCatchUpResolver constructs a resolver. maxBatch <= 0 means DefaultCatchUpLimit.
func NewCatchUpResolver(log *slog.Logger, store Store, maxBatch int, metrics *Metrics) *CatchUpResolver {
	if log == nil {
		log = slog.Default()
	}
	if maxBatch <= 0 {
		maxBatch = DefaultCatchUpLimit
	}
	return &CatchUpResolver{log: log, store: store, maxBatch: maxBatch, metrics: metrics}
}

// MaxBatch returns the batch cap.
func (c *CatchUpResolver) MaxBatch() int { return c.maxBatch }

// CatchUp returns messages with seq > fromSeqExclusive, up to the chat's last seq at
// read time, capped at limit (limit <= 0 or above the cap means the cap).
func (c *CatchUpResolver) CatchUp(ctx context.Context, userID, chatID string, fromSeqExclusive int64, limit int) (CatchUpResult, error) {
	const op = "delivery.CatchUp"
	if fromSeqExclusive < 0 {
		return CatchUpResult{}, opErr(op, ErrValidation, "from_seq must be >= 0")
	}
	chat, err := chatFor(ctx, c.store, op, userID, chatID)
	if err != nil {
		return CatchUpResult{}, err
	}
	return c.read(ctx, chat, fromSeqExclusive, limit)
}

func (c *CatchUpResolver) read(ctx context.Context, chat Chat, from int64, limit int) (CatchUpResult, error) {
	if limit <= 0 || limit > c.maxBatch {
		limit = c.maxBatch
	}
	res := CatchUpResult{ChatID: chat.ID, FromSeq: from, Cursor: from, LastSeq: chat.LastSeq}
	if from >= chat.LastSeq {
		return res, nil
	}

	want := int(min(int64(limit), chat.LastSeq-from))
	msgs, err := c.store.ReadRange(ctx, chat.ID, from, want)
	if err != nil {
		return CatchUpResult{}, err
	}
	res.Messages = msgs
	if n := len(msgs); n > 0 {
		res.Cursor = msgs[n-1].Seq
	}
	res.Truncated = res.Cursor < chat.LastSeq
	c.metrics.incCatchUp(res.Truncated)

	c.log.Debug("delivery.catchup",
		"chat_id", chat.ID, "from_seq", from, "returned", len(msgs), "cursor", res.Cursor,
		"last_seq", chat.LastSeq, "truncated", res.Truncated)
	return res, nil
}

// ResumePoint picks where catch-up starts: the client's own seq when it reports one,
// otherwise the stored ack watermark. A client seq past the chat's end is clamped.
func (c *CatchUpResolver) ResumePoint(ctx context.Context, userID, chatID string, clientSeq *int64) (int64, error) {
	const op = "delivery.ResumePoint"
	chat, err := chatFor(ctx, c.store, op, userID, chatID)
	if err != nil {
		return 0, err
	}
	return c.resumePoint(ctx, userID, chat, clientSeq)
}

func (c *CatchUpResolver) resumePoint(ctx context.Context, userID string, chat Chat, clientSeq *int64) (int64, error) {
	if clientSeq != nil {
		return max(0, min(*clientSeq, chat.LastSeq)), nil
	}
	return c.store.Watermark(ctx, userID, chat.ID)
}

// CatchUpAll resolves the first batch for every chat of userID that has something
// the client has not seen. cursors holds client-reported seqs by chat id; chats the
// client did not report resume from the ack watermark.
func (c *CatchUpResolver) CatchUpAll(ctx context.Context, userID string, cursors map[string]int64) ([]CatchUpResult, error) {
	out, _, err := c.catchUpAll(ctx, userID, cursors)
	return out, err
}

// catchUpAll also returns the resume point of every chat of userID. Resume points
// are clamped to the chat's last seq, so a cursor from the future cannot hide
// messages that have yet to be written.
func (c *CatchUpResolver) catchUpAll(ctx context.Context, userID string, cursors map[string]int64) ([]CatchUpResult, map[string]int64, error) {
	chats, err := c.store.ChatsForUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	out := make([]CatchUpResult, 0, len(chats))
	resume := make(map[string]int64, len(chats))
	for _, sum := range chats {
		var clientSeq *int64
		if v, ok := cursors[sum.Chat.ID]; ok {
			clientSeq = &v
		}
		from, err := c.resumePoint(ctx, userID, sum.Chat, clientSeq)
		if err != nil {
			return nil, nil, err
		}
		resume[sum.Chat.ID] = from
		if from >= sum.Chat.LastSeq {
			continue
		}
		res, err := c.read(ctx, sum.Chat, from, c.maxBatch)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, res)
	}
	return out, resume, nil
}

// chatFor loads chatID and checks userID is a participant.
func chatFor(ctx context.Context, store Store, op, userID, chatID string) (Chat, error) {
	if chatID == "" {
		return Chat{}, opErr(op, ErrValidation, "chat_id is required")
	}
	chat, err := store.GetChat(ctx, chatID)
	if err != nil {
		return Chat{}, err
	}
	if !chat.HasParticipant(userID) {
		return Chat{}, opErr(op, ErrNotAParticipant, chatID)
	}
	return chat, nil
}
