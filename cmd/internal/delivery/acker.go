package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// AckResult is the watermark after an ack. Advanced is false when the ack was at or
// below the stored watermark (a no-op, not an error).
type AckResult struct {
	ChatID    string
	Watermark int64
	Advanced  bool
}

// Acknowledger keeps per (user, chat) delivery watermarks. Acks from any device of the
// user converge on the highest seq.
type Acknowledger struct {
	log     *slog.Logger
	store   Store
	locks   *keyedLock
	metrics *Metrics
	now     func() time.Time
}

func NewAcknowledger(log *slog.Logger, store Store, metrics *Metrics) *Acknowledger {
	if log == nil {
		log = slog.Default()
	}
	return &Acknowledger{
		log:     log,
		store:   store,
		locks:   newKeyedLock(),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ack records that userID has received chatID up to seq.
func (a *Acknowledger) Ack(ctx context.Context, userID, chatID string, seq int64) (AckResult, error) {
	const op = "delivery.Ack"

	chat, err := chatFor(ctx, a.store, op, userID, chatID)
	if err != nil {
		return AckResult{}, err
	}
	if seq < 0 || seq > chat.LastSeq {
		return AckResult{}, opErr(op, ErrValidation,
			fmt.Sprintf("seq %d outside [0, %d]", seq, chat.LastSeq))
	}

	unlock, err := a.locks.Lock(ctx, userID+"\x00"+chatID)
	if err != nil {
		return AckResult{}, err
	}
	defer unlock()

	wm, err := a.store.AdvanceWatermark(ctx, userID, chatID, seq, a.now())
	if err != nil {
		return AckResult{}, err
	}
	a.metrics.incAck(wm.Advanced)
	if wm.Advanced {
		a.log.Debug("delivery.ack", "user_id", userID, "chat_id", chatID, "seq", wm.Seq)
	}
	return AckResult{ChatID: chatID, Watermark: wm.Seq, Advanced: wm.Advanced}, nil
}

// Watermark returns userID's watermark on chatID (0 before the first ack).
func (a *Acknowledger) Watermark(ctx context.Context, userID, chatID string) (int64, error) {
	if _, err := chatFor(ctx, a.store, "delivery.Watermark", userID, chatID); err != nil {
		return 0, err
	}
	return a.store.Watermark(ctx, userID, chatID)
}

// SeenBy returns the participants whose watermark has reached seq, sorted.
// userID must be a participant.
func (a *Acknowledger) SeenBy(ctx context.Context, userID, chatID string, seq int64) ([]string, error) {
	const op = "delivery.SeenBy"
	chat, err := chatFor(ctx, a.store, op, userID, chatID)
	if err != nil {
		return nil, err
	}
	if seq <= 0 || seq > chat.LastSeq {
		return nil, opErr(op, ErrValidation, fmt.Sprintf("seq %d outside [1, %d]", seq, chat.LastSeq))
	}

	marks, err := a.store.Watermarks(ctx, chatID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(marks))
	for _, p := range chat.ParticipantIDs {
		if marks[p] >= seq {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}
