package delivery

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/cmd/identity/ids"
)

// Integration tests are enabled when COURIER_DATABASE_URL is set.
// Each test gets its own schema so they can run in parallel.

func TestPostgresStore_SequencedAppendAcrossNodes(t *testing.T) {
	t.Parallel()

	store := mustPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	chat, err := store.CreateChat(ctx, CreateChatInput{CreatorID: "alice", ParticipantIDs: []string{"bob"}})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	// Two sequencers over one database behave like two nodes.
	nodes := []*Sequencer{newTestSequencer(store, nil), newTestSequencer(store, nil)}
	for _, n := range nodes {
		n.retry.Attempts = 50
	}

	const perNode = 20
	var (
		mu  sync.Mutex
		got []int64
		wg  sync.WaitGroup
	)
	for _, n := range nodes {
		for i := 0; i < perNode; i++ {
			wg.Add(1)
			go func(n *Sequencer) {
				defer wg.Done()
				m, _, err := n.Append(ctx, Draft{ChatID: chat.ID, SenderID: "alice", Content: "x"}, nil)
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				mu.Lock()
				got = append(got, m.Seq)
				mu.Unlock()
			}(n)
		}
	}
	wg.Wait()

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, s := range got {
		if s != int64(i+1) {
			t.Fatalf("seqs not contiguous: %v", got)
		}
	}

	c, err := store.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if c.LastSeq != int64(len(nodes)*perNode) {
		t.Fatalf("last_seq=%d", c.LastSeq)
	}
	if n, err := store.Reconcile(ctx); err != nil || n != 0 {
		t.Fatalf("reconcile repaired %d chats (err=%v), want 0", n, err)
	}
}

func TestPostgresStore_AppendDedupeAndConflict(t *testing.T) {
	t.Parallel()

	store := mustPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	chat, err := store.CreateChat(ctx, CreateChatInput{CreatorID: "alice", ParticipantIDs: []string{"bob"}})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	now := time.Now().UTC()
	first, err := store.AppendMessage(ctx, AppendInput{
		ChatID: chat.ID, Seq: 1, MessageID: ids.MustULID(now), SenderID: "alice", ClientMsgID: "c1", Content: "hello", Now: now,
	})
	if err != nil || first.Duplicated {
		t.Fatalf("first: %+v err=%v", first, err)
	}

	dup, err := store.AppendMessage(ctx, AppendInput{
		ChatID: chat.ID, Seq: 2, MessageID: ids.MustULID(now), SenderID: "alice", ClientMsgID: "c1", Content: "hello", Now: now,
	})
	if err != nil || !dup.Duplicated || dup.Stored.ID != first.Stored.ID {
		t.Fatalf("dup: %+v err=%v", dup, err)
	}

	other, err := store.AppendMessage(ctx, AppendInput{
		ChatID: chat.ID, Seq: 2, MessageID: ids.MustULID(now), SenderID: "bob", ClientMsgID: "c1", Content: "from bob", Now: now,
	})
	if err != nil || other.Duplicated || other.Stored.SenderID != "bob" {
		t.Fatalf("same client_msg_id from another sender: %+v err=%v", other, err)
	}

	_, err = store.AppendMessage(ctx, AppendInput{
		ChatID: chat.ID, Seq: 5, MessageID: ids.MustULID(now), SenderID: "alice", Content: "gap", Now: now,
	})
	var conflict SeqConflictError
	if !errors.As(err, &conflict) || conflict.LastSeq != 2 {
		t.Fatalf("gap append: %v", err)
	}

	_, err = store.AppendMessage(ctx, AppendInput{
		ChatID: "ghost", Seq: 1, MessageID: ids.MustULID(now), SenderID: "alice", Content: "x", Now: now,
	})
	if !IsChatNotFound(err) {
		t.Fatalf("unknown chat: %v", err)
	}

	msgs, err := store.ReadRange(ctx, chat.ID, 0, 10)
	if err != nil || len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "from bob" || msgs[1].ClientMsgID != "c1" {
		t.Fatalf("read range: %+v err=%v", msgs, err)
	}
}

func TestPostgresStore_ChatsAndWatermarks(t *testing.T) {
	t.Parallel()

	store := mustPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	group, err := store.CreateChat(ctx, CreateChatInput{
		CreatorID: "alice", ParticipantIDs: []string{"bob", "carol"}, IsGroup: true, Name: "team",
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	direct, err := store.CreateChat(ctx, CreateChatInput{CreatorID: "alice", ParticipantIDs: []string{"bob"}})
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}

	svc := NewService(testLogger(), store, Config{}, nil, nil, nil)
	for i := 0; i < 3; i++ {
		mustSend(t, svc, group.ID, "carol", "g")
	}

	sums, err := store.ChatsForUser(ctx, "bob")
	if err != nil {
		t.Fatalf("chats for user: %v", err)
	}
	if len(sums) != 2 || sums[0].Chat.ID != group.ID {
		t.Fatalf("order: %+v", sums)
	}
	if sums[0].LastMessage == nil || sums[0].LastMessage.Seq != 3 {
		t.Fatalf("last message=%+v", sums[0].LastMessage)
	}
	if sums[1].Chat.ID != direct.ID || sums[1].LastMessage != nil {
		t.Fatalf("empty chat row=%+v", sums[1])
	}
	if got := strings.Join(sums[0].Chat.ParticipantIDs, ","); got != "alice,bob,carol" {
		t.Fatalf("participants=%s", got)
	}

	for _, step := range []struct {
		seq      int64
		want     int64
		advanced bool
	}{
		{seq: 2, want: 2, advanced: true},
		{seq: 1, want: 2},
		{seq: 3, want: 3, advanced: true},
	} {
		res, err := store.AdvanceWatermark(ctx, "bob", group.ID, step.seq, time.Now())
		if err != nil || res.Seq != step.want || res.Advanced != step.advanced {
			t.Fatalf("advance %d: %+v err=%v", step.seq, res, err)
		}
	}
	if wm, _ := store.Watermark(ctx, "bob", group.ID); wm != 3 {
		t.Fatalf("watermark=%d", wm)
	}
	if wm, _ := store.Watermark(ctx, "carol", group.ID); wm != 0 {
		t.Fatalf("no ack yet, watermark=%d", wm)
	}
	if _, err := store.AdvanceWatermark(ctx, "bob", "ghost", 1, time.Now()); !IsChatNotFound(err) {
		t.Fatalf("unknown chat: %v", err)
	}

	seen, err := svc.SeenBy(ctx, "alice", group.ID, 3)
	if err != nil || len(seen) != 1 || seen[0] != "bob" {
		t.Fatalf("seen by=%v err=%v", seen, err)
	}
}

func mustPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "courier_it_" + strings.ToLower(ids.MustULID(time.Now()))
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("COURIER_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: COURIER_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse COURIER_DATABASE_URL: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
