package delivery

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestService(t *testing.T, store Store, cfg Config) *Service {
	t.Helper()
	if store == nil {
		store = NewInMemoryStore()
	}
	return NewService(testLogger(), store, cfg, NewMemoryPresence(), nil, nil)
}

// mustCreateChat creates a chat between creator and others; more than one other makes a group.
func mustCreateChat(t *testing.T, s *Service, creator string, others ...string) Chat {
	t.Helper()
	chat, err := s.CreateChat(testCtx(t), CreateChatInput{
		CreatorID:      creator,
		ParticipantIDs: others,
		IsGroup:        len(others) > 1,
	})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return chat
}

func mustSend(t *testing.T, s *Service, chatID, sender, content string) Message {
	t.Helper()
	res, err := s.Send(testCtx(t), SendInput{ChatID: chatID, SenderID: sender, Content: content})
	if err != nil {
		t.Fatalf("send %q: %v", content, err)
	}
	return res.Message
}

// drainOut returns every message currently queued on h without blocking.
func drainOut(h *Handle) []Message {
	var out []Message
	for {
		select {
		case m := <-h.Out():
			out = append(out, m)
		default:
			return out
		}
	}
}

func seqs(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Seq
	}
	return out
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
