package delivery

import (
	"context"
	"time"
)

// Store is the durable log store behind the delivery core.
//
// Requirements:
//   - AppendMessage inserts the message and advances the chat's last_seq in one atomic
//     write, and only if last_seq == in.Seq-1 (ErrSeqConflict otherwise)
//   - Idempotency per (chat_id, sender_id, client_msg_id) when ClientMsgID is set
//   - ReadRange ordered by seq ASC
//   - AdvanceWatermark never moves a watermark backward
type Store interface {
	CreateChat(ctx context.Context, in CreateChatInput) (Chat, error)
	GetChat(ctx context.Context, chatID string) (Chat, error)
	ChatParticipants(ctx context.Context, chatID string) ([]string, error)
	ChatsForUser(ctx context.Context, userID string) ([]ChatSummary, error)

	AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error)
	ReadRange(ctx context.Context, chatID string, afterSeq int64, limit int) ([]Message, error)

	Watermark(ctx context.Context, userID, chatID string) (int64, error)
	AdvanceWatermark(ctx context.Context, userID, chatID string, seq int64, now time.Time) (WatermarkResult, error)
	Watermarks(ctx context.Context, chatID string) (map[string]int64, error)

	Close() error
}

// AppendInput describes one sequenced append. Seq is assigned by the Sequencer.
type AppendInput struct {
	ChatID      string
	Seq         int64
	MessageID   string
	SenderID    string
	ClientMsgID string
	Content     string
	Now         time.Time
}

// AppendResult is the append operation result.
// When Duplicated is true, Stored is the previously accepted message and no seq was used.
type AppendResult struct {
	Stored     Message
	Duplicated bool
}

// WatermarkResult reports the stored watermark after an advance attempt.
type WatermarkResult struct {
	Seq      int64
	Advanced bool
}

// SeqConflictError carries the store's current last_seq so the Sequencer can resync.
type SeqConflictError struct {
	ChatID  string
	LastSeq int64
}

func (e SeqConflictError) Error() string {
	return "delivery: seq conflict on chat " + e.ChatID
}

func (e SeqConflictError) Unwrap() error { return ErrSeqConflict }
