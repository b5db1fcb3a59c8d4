package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"courier/cmd/identity/ids"
)

// Draft is a validated message waiting for a seq.
type Draft struct {
	ChatID      string
	SenderID    string
	ClientMsgID string
	Content     string
	Now         time.Time
}

// RetryPolicy bounds store retries at the Sequencer boundary.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAppendRetries
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultAppendBackoff
	}
	return p
}

// Sequencer is the single source of ordering truth: it assigns each chat a gapless,
// strictly increasing seq and persists it together with the message.
//
// Concurrency guarantees:
//   - One writer per chat at a time (keyed lock); chats never contend with each other.
//   - A rejected or failed append consumes no seq: the cached counter only moves after
//     the store confirmed the write.
//   - onCommit runs inside the chat's critical section, so anything it does (fan-out)
//     observes messages in seq order.
type Sequencer struct {
	log     *slog.Logger
	store   Store
	locks   *keyedLock
	retry   RetryPolicy
	metrics *Metrics

	mu   sync.Mutex // makes read-compare-write on last atomic
	last *lru.Cache // chat_id -> last persisted seq (int64); bounded, misses reload

	sleep func(ctx context.Context, d time.Duration) error
}

// NewSequencer constructs a Sequencer over store.
func NewSequencer(log *slog.Logger, store Store, retry RetryPolicy, metrics *Metrics) *Sequencer {
	if log == nil {
		log = slog.Default()
	}
	return &Sequencer{
		log:     log,
		store:   store,
		locks:   newKeyedLock(),
		retry:   retry.normalized(),
		metrics: metrics,
		last:    newLRU(seqCacheSize),
		sleep:   sleepCtx,
	}
}

// NextSeq returns the seq the next accepted message in chatID will receive.
// It does not reserve it; Append is the only way to consume a seq.
func (s *Sequencer) NextSeq(ctx context.Context, chatID string) (int64, error) {
	last, err := s.LastSeq(ctx, chatID)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// LastSeq returns the chat's last persisted seq, loading it from the store on first use.
func (s *Sequencer) LastSeq(ctx context.Context, chatID string) (int64, error) {
	s.mu.Lock()
	v, ok := s.last.Get(chatID)
	s.mu.Unlock()
	if ok {
		return v.(int64), nil
	}
	return s.reload(ctx, chatID)
}

func (s *Sequencer) reload(ctx context.Context, chatID string) (int64, error) {
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	s.observe(chatID, c.LastSeq)
	return c.LastSeq, nil
}

// observe raises the cached counter; it never lowers it.
func (s *Sequencer) observe(chatID string, seq int64) {
	s.mu.Lock()
	if cur, ok := s.last.Get(chatID); !ok || seq > cur.(int64) {
		s.last.Add(chatID, seq)
	}
	s.mu.Unlock()
}

// Append assigns the next seq to d and persists it. onCommit (optional) is called with
// the stored message while the chat is still locked; it must not block.
//
// It returns the stored message and whether it was a duplicate of an earlier
// client_msg_id (in which case onCommit is not called).
func (s *Sequencer) Append(ctx context.Context, d Draft, onCommit func(Message)) (Message, bool, error) {
	const op = "delivery.Sequencer.Append"

	unlock, err := s.locks.Lock(ctx, d.ChatID)
	if err != nil {
		return Message{}, false, err
	}
	defer unlock()

	now := d.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	msgID, err := ids.NewULID(now)
	if err != nil {
		return Message{}, false, err
	}

	commit := func(m Message) (Message, bool, error) {
		s.observe(d.ChatID, m.Seq)
		s.metrics.incSequenced()
		if onCommit != nil {
			onCommit(m)
		}
		return m, false, nil
	}

	var (
		lastErr error
		// uncertain is the seq of an attempt whose outcome is unknown: the store
		// failed after it may already have committed (e.g. a lost COMMIT reply).
		uncertain int64
	)
	backoff := s.retry.Backoff

	for attempt := 1; attempt <= s.retry.Attempts; attempt++ {
		if uncertain > 0 {
			m, ok, err := s.landed(ctx, d.ChatID, uncertain, msgID)
			switch {
			case err != nil && !retryable(err):
				return Message{}, false, err
			case err != nil:
				lastErr = err
			case ok:
				s.log.Info("delivery.sequencer.recovered", "chat_id", d.ChatID, "seq", m.Seq)
				return commit(m)
			default:
				uncertain = 0
			}
		}

		if uncertain == 0 {
			last, err := s.LastSeq(ctx, d.ChatID)
			if err != nil {
				if !retryable(err) {
					return Message{}, false, err
				}
				lastErr = err
			} else {
				res, err := s.store.AppendMessage(ctx, AppendInput{
					ChatID:      d.ChatID,
					Seq:         last + 1,
					MessageID:   msgID,
					SenderID:    d.SenderID,
					ClientMsgID: d.ClientMsgID,
					Content:     d.Content,
					Now:         now,
				})
				if err == nil {
					if res.Duplicated && res.Stored.ID != msgID {
						return res.Stored, true, nil
					}
					// Either a fresh write or this call's own earlier write resurfacing
					// through client_msg_id; both still need their fan-out.
					return commit(res.Stored)
				}

				var conflict SeqConflictError
				if errors.As(err, &conflict) {
					// Another writer (another node) advanced the chat; resync and retry at once.
					s.observe(d.ChatID, conflict.LastSeq)
					s.log.Info("delivery.sequencer.conflict",
						"chat_id", d.ChatID, "tried_seq", last+1, "store_last_seq", conflict.LastSeq)
					s.metrics.incAppendRetry()
					lastErr = err
					continue
				}
				if !retryable(err) {
					return Message{}, false, err
				}
				lastErr = err
				uncertain = last + 1
			}
		}

		if attempt == s.retry.Attempts {
			break
		}
		s.metrics.incAppendRetry()
		s.log.Warn("delivery.sequencer.retry",
			"chat_id", d.ChatID, "attempt", attempt, "backoff", backoff, "err", lastErr)
		if err := s.sleep(ctx, backoff); err != nil {
			return Message{}, false, err
		}
		backoff = min(backoff*2, maxAppendBackoff)
	}

	s.metrics.incAppendFailure()
	s.log.Error("delivery.sequencer.exhausted", "chat_id", d.ChatID, "attempts", s.retry.Attempts, "err", lastErr)
	return Message{}, false, OpError{Op: op, Kind: ErrPersistence, Msg: "append retries exhausted", Err: lastErr}
}

// landed reports whether msgID was stored at seq by an earlier attempt.
func (s *Sequencer) landed(ctx context.Context, chatID string, seq int64, msgID string) (Message, bool, error) {
	msgs, err := s.store.ReadRange(ctx, chatID, seq-1, 1)
	if err != nil {
		return Message{}, false, err
	}
	if len(msgs) == 1 && msgs[0].Seq == seq && msgs[0].ID == msgID {
		return msgs[0], true, nil
	}
	return Message{}, false, nil
}

// retryable reports whether a store error is worth retrying at the Sequencer boundary.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrChatNotFound), errors.Is(err, ErrValidation), errors.Is(err, ErrNotAParticipant):
		return false
	default:
		return true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
