package delivery

import (
	"reflect"
	"strconv"
	"testing"
)

func TestCatchUp_TruncatesAndContinues(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil, Config{})
	chat := mustCreateChat(t, svc, "alice", "bob")
	for i := 1; i <= 520; i++ {
		mustSend(t, svc, chat.ID, "alice", "m"+strconv.Itoa(i))
	}
	ctx := testCtx(t)

	first, err := svc.CatchUp(ctx, "bob", chat.ID, 0, 500)
	if err != nil {
		t.Fatalf("catch-up: %v", err)
	}
	if len(first.Messages) != 500 || !first.Truncated || first.Cursor != 500 {
		t.Fatalf("first batch: n=%d truncated=%v cursor=%d", len(first.Messages), first.Truncated, first.Cursor)
	}
	if first.Messages[499].Seq != first.Cursor {
		t.Fatalf("cursor must be the last returned seq")
	}

	rest, err := svc.CatchUp(ctx, "bob", chat.ID, first.Cursor, 500)
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if len(rest.Messages) != 20 || rest.Truncated || rest.Cursor != 520 {
		t.Fatalf("rest: n=%d truncated=%v cursor=%d", len(rest.Messages), rest.Truncated, rest.Cursor)
	}
	if rest.Messages[0].Seq != 501 || rest.Messages[19].Content != "m520" {
		t.Fatalf("rest starts at %d ends with %q", rest.Messages[0].Seq, rest.Messages[19].Content)
	}
}

func TestCatchUp_LimitIsCapped(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil, Config{CatchUpLimit: 5})
	chat := mustCreateChat(t, svc, "alice", "bob")
	for i := 0; i < 8; i++ {
		mustSend(t, svc, chat.ID, "alice", "x")
	}

	for _, limit := range []int{0, -1, 100} {
		res, err := svc.CatchUp(testCtx(t), "bob", chat.ID, 0, limit)
		if err != nil {
			t.Fatalf("limit=%d: %v", limit, err)
		}
		if len(res.Messages) != 5 || !res.Truncated {
			t.Fatalf("limit=%d: n=%d truncated=%v", limit, len(res.Messages), res.Truncated)
		}
	}
	res, _ := svc.CatchUp(testCtx(t), "bob", chat.ID, 0, 3)
	if len(res.Messages) != 3 || res.Cursor != 3 {
		t.Fatalf("explicit limit: n=%d cursor=%d", len(res.Messages), res.Cursor)
	}
}

func TestCatchUp_Idempotent(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil, Config{})
	chat := mustCreateChat(t, svc, "alice", "bob")
	for i := 0; i < 7; i++ {
		mustSend(t, svc, chat.ID, "alice", "x"+strconv.Itoa(i))
	}
	ctx := testCtx(t)

	a, err := svc.CatchUp(ctx, "bob", chat.ID, 2, 0)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := svc.CatchUp(ctx, "bob", chat.ID, 2, 0)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("catch-up not idempotent:\n%+v\n%+v", a, b)
	}
}

func TestCatchUp_Edges(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil, Config{})
	chat := mustCreateChat(t, svc, "alice", "bob")
	mustSend(t, svc, chat.ID, "alice", "only")
	ctx := testCtx(t)

	res, err := svc.CatchUp(ctx, "bob", chat.ID, 1, 0)
	if err != nil || len(res.Messages) != 0 || res.Truncated || res.Cursor != 1 {
		t.Fatalf("caught up: %+v err=%v", res, err)
	}
	res, err = svc.CatchUp(ctx, "bob", chat.ID, 99, 0)
	if err != nil || len(res.Messages) != 0 || res.Truncated {
		t.Fatalf("past the end: %+v err=%v", res, err)
	}
	if _, err := svc.CatchUp(ctx, "bob", chat.ID, -1, 0); !IsValidation(err) {
		t.Fatalf("negative from: %v", err)
	}
	if _, err := svc.CatchUp(ctx, "mallory", chat.ID, 0, 0); !IsNotAParticipant(err) {
		t.Fatalf("outsider: %v", err)
	}
	if _, err := svc.CatchUp(ctx, "bob", "nope", 0, 0); !IsChatNotFound(err) {
		t.Fatalf("unknown chat: %v", err)
	}
}

func TestResumePoint(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil, Config{})
	chat := mustCreateChat(t, svc, "alice", "bob")
	for i := 0; i < 4; i++ {
		mustSend(t, svc, chat.ID, "alice", "x")
	}
	ctx := testCtx(t)

	if _, err := svc.Ack(ctx, "bob", chat.ID, 3); err != nil {
		t.Fatalf("ack: %v", err)
	}

	from, err := svc.ResumePoint(ctx, "bob", chat.ID, nil)
	if err != nil || from != 3 {
		t.Fatalf("from watermark=%d err=%v, want 3", from, err)
	}

	client := int64(1)
	if from, _ = svc.ResumePoint(ctx, "bob", chat.ID, &client); from != 1 {
		t.Fatalf("from client=%d, want 1", from)
	}
	ahead := int64(40)
	if from, _ = svc.ResumePoint(ctx, "bob", chat.ID, &ahead); from != 4 {
		t.Fatalf("client ahead of chat=%d, want clamp to 4", from)
	}
}

func TestCatchUpAll_UsesCursorsThenWatermarks(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil, Config{})
	withAlice := mustCreateChat(t, svc, "alice", "bob")
	withCarol := mustCreateChat(t, svc, "carol", "bob")
	quiet := mustCreateChat(t, svc, "dave", "bob")
	ctx := testCtx(t)

	for i := 0; i < 3; i++ {
		mustSend(t, svc, withAlice.ID, "alice", "a")
		mustSend(t, svc, withCarol.ID, "carol", "c")
	}
	if _, err := svc.Ack(ctx, "bob", withCarol.ID, 2); err != nil {
		t.Fatalf("ack: %v", err)
	}

	results, err := svc.catchup.CatchUpAll(ctx, "bob", map[string]int64{withAlice.ID: 1})
	if err != nil {
		t.Fatalf("catch-up all: %v", err)
	}

	got := map[string][]int64{}
	for _, r := range results {
		got[r.ChatID] = seqs(r.Messages)
	}
	want := map[string][]int64{
		withAlice.ID: {2, 3},
		withCarol.ID: {3},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if _, ok := got[quiet.ID]; ok {
		t.Fatalf("chat without news should be skipped")
	}
}
