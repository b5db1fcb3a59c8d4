package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"courier/cmd/identity"
	"courier/cmd/internal/delivery"
	v1 "courier/contracts/realtime/v1"
)

func TestGateway_RejectsMissingIdentity(t *testing.T) {
	t.Parallel()

	_, ts := newTestGateway(t, testConfig())

	_, resp, err := dialWS(t, ts.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure without identity")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%v, want 401", statusOf(resp))
	}
}

func TestGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OriginRequired = true
	cfg.AllowedOrigins = []string{"http://localhost"}
	_, ts := newTestGateway(t, cfg)

	cases := []struct {
		name   string
		origin string
		status int
	}{
		{name: "missing", origin: "", status: http.StatusForbidden},
		{name: "foreign", origin: "http://evil.example", status: http.StatusForbidden},
		{name: "allowed any port", origin: "http://localhost:3000", status: http.StatusSwitchingProtocols},
	}
	for _, tc := range cases {
		conn, resp, err := dialWS(t, ts.URL, tc.origin, "bob")
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if conn != nil {
			_ = conn.CloseNow()
		}
		if got := statusOf(resp); got != tc.status {
			t.Fatalf("%s: status=%d err=%v, want %d", tc.name, got, err, tc.status)
		}
	}
}

func TestGateway_HelloRequiredFirst(t *testing.T) {
	t.Parallel()

	_, ts := newTestGateway(t, testConfig())
	conn := mustDial(t, ts.URL, "bob")

	sendWS(t, conn, v1.TypePing, "", struct{}{})

	env := readEnvelopeWS(t, conn)
	if env.Type != v1.TypeError {
		t.Fatalf("got %s, want error", env.Type)
	}
	if p := mustPayload[v1.ErrorPayload](t, env); p.Code != codeBadEnvelope {
		t.Fatalf("code=%s", p.Code)
	}
	if status := readUntilClosed(t, conn); status != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v", status)
	}
}

func TestGateway_HandshakeDeliversCatchUpThenLive(t *testing.T) {
	t.Parallel()

	svc, ts := newTestGateway(t, testConfig())
	chat := mustCreateChat(t, svc, "alice", "bob")
	mustSend(t, svc, chat.ID, "alice", "one")
	mustSend(t, svc, chat.ID, "alice", "two")

	bob := mustDial(t, ts.URL, "bob")
	ack := mustHello(t, bob, nil)
	if ack.UserID != "bob" || ack.ConnID == "" {
		t.Fatalf("hello_ack=%+v", ack)
	}
	if ack.CatchUpLimit != delivery.DefaultCatchUpLimit || ack.HeartbeatMS != delivery.DefaultHeartbeatTimeout.Milliseconds() {
		t.Fatalf("hello_ack limits=%+v", ack)
	}

	env := readEnvelopeWS(t, bob)
	if env.Type != v1.TypeCatchUpChunk || env.ChatID != chat.ID {
		t.Fatalf("got %s for %s, want catchup_chunk", env.Type, env.ChatID)
	}
	chunk := mustPayload[v1.CatchUpChunkPayload](t, env)
	if len(chunk.Messages) != 2 || chunk.Messages[0].Seq != 1 || chunk.Messages[1].Content != "two" {
		t.Fatalf("chunk=%+v", chunk)
	}
	if chunk.Truncated || chunk.Cursor != 2 || chunk.LastSeq != 2 {
		t.Fatalf("chunk bounds=%+v", chunk)
	}

	mustSend(t, svc, chat.ID, "alice", "three")

	env = readEnvelopeWS(t, bob)
	if env.Type != v1.TypeMessageNew {
		t.Fatalf("got %s, want message_new", env.Type)
	}
	if m := mustPayload[v1.MessageNewPayload](t, env); m.Seq != 3 || m.Content != "three" || m.SenderID != "alice" {
		t.Fatalf("live message=%+v", m)
	}
}

func TestGateway_HelloCursorSkipsKnownMessages(t *testing.T) {
	t.Parallel()

	svc, ts := newTestGateway(t, testConfig())
	chat := mustCreateChat(t, svc, "alice", "bob")
	for i := 0; i < 3; i++ {
		mustSend(t, svc, chat.ID, "alice", "m"+strconv.Itoa(i))
	}

	bob := mustDial(t, ts.URL, "bob")
	mustHello(t, bob, map[string]int64{chat.ID: 2})

	chunk := mustPayload[v1.CatchUpChunkPayload](t, readUntilType(t, bob, v1.TypeCatchUpChunk, 1))
	if chunk.FromSeq != 2 || len(chunk.Messages) != 1 || chunk.Messages[0].Seq != 3 {
		t.Fatalf("chunk=%+v", chunk)
	}
}

func TestGateway_SendAndAck(t *testing.T) {
	t.Parallel()

	svc, ts := newTestGateway(t, testConfig())
	ctx := testCtx(t)
	chat := mustCreateChat(t, svc, "alice", "bob")

	bob := mustDial(t, ts.URL, "bob")
	mustHello(t, bob, nil)

	sendWS(t, bob, v1.TypeMessageSend, chat.ID, v1.MessageSendPayload{ChatID: chat.ID, ClientMsgID: "c-1", Content: "  hi  "})
	acc := mustPayload[v1.MessageAcceptedPayload](t, readUntilType(t, bob, v1.TypeMessageAccepted, 3))
	if acc.Seq != 1 || acc.ClientMsgID != "c-1" || acc.MessageID == "" || acc.Duplicated {
		t.Fatalf("accepted=%+v", acc)
	}

	// A retry with the same client_msg_id returns the original.
	sendWS(t, bob, v1.TypeMessageSend, chat.ID, v1.MessageSendPayload{ChatID: chat.ID, ClientMsgID: "c-1", Content: "hi"})
	dup := mustPayload[v1.MessageAcceptedPayload](t, readUntilType(t, bob, v1.TypeMessageAccepted, 3))
	if !dup.Duplicated || dup.Seq != 1 || dup.MessageID != acc.MessageID {
		t.Fatalf("duplicate=%+v", dup)
	}

	sendWS(t, bob, v1.TypeAck, chat.ID, v1.AckPayload{ChatID: chat.ID, Seq: 1})
	ok := mustPayload[v1.AckOKPayload](t, readUntilType(t, bob, v1.TypeAckOK, 3))
	if ok.Watermark != 1 || !ok.Advanced {
		t.Fatalf("ack_ok=%+v", ok)
	}
	if wm, err := svc.Watermark(ctx, "bob", chat.ID); err != nil || wm != 1 {
		t.Fatalf("watermark=%d err=%v", wm, err)
	}

	id := sendWS(t, bob, v1.TypeAck, chat.ID, v1.AckPayload{ChatID: chat.ID, Seq: 9})
	e := mustPayload[v1.ErrorPayload](t, readUntilType(t, bob, v1.TypeError, 3))
	if e.Code != "validation" || e.RefID != id {
		t.Fatalf("error=%+v, want validation for %s", e, id)
	}
}

func TestGateway_SendToForeignChatConsumesNoSeq(t *testing.T) {
	t.Parallel()

	svc, ts := newTestGateway(t, testConfig())
	chat := mustCreateChat(t, svc, "alice", "bob")

	carol := mustDial(t, ts.URL, "carol")
	mustHello(t, carol, nil)

	sendWS(t, carol, v1.TypeMessageSend, chat.ID, v1.MessageSendPayload{ChatID: chat.ID, Content: "let me in"})
	e := mustPayload[v1.ErrorPayload](t, readUntilType(t, carol, v1.TypeError, 1))
	if e.Code != "not_a_participant" {
		t.Fatalf("code=%s", e.Code)
	}

	sendWS(t, carol, v1.TypeMessageSend, "ghost", v1.MessageSendPayload{ChatID: "ghost", Content: "hello?"})
	if e := mustPayload[v1.ErrorPayload](t, readUntilType(t, carol, v1.TypeError, 1)); e.Code != "chat_not_found" {
		t.Fatalf("code=%s", e.Code)
	}

	if next, err := svc.NextSeq(testCtx(t), chat.ID); err != nil || next != 1 {
		t.Fatalf("next seq=%d err=%v", next, err)
	}
}

func TestGateway_CatchUpFetch(t *testing.T) {
	t.Parallel()

	svc, ts := newTestGateway(t, testConfig())
	chat := mustCreateChat(t, svc, "alice", "bob")
	for i := 0; i < 5; i++ {
		mustSend(t, svc, chat.ID, "alice", "m"+strconv.Itoa(i))
	}

	bob := mustDial(t, ts.URL, "bob")
	mustHello(t, bob, map[string]int64{chat.ID: 5})

	after := int64(1)
	sendWS(t, bob, v1.TypeCatchUpFetch, chat.ID, v1.CatchUpFetchPayload{ChatID: chat.ID, AfterSeq: &after, Limit: 2})
	chunk := mustPayload[v1.CatchUpChunkPayload](t, readUntilType(t, bob, v1.TypeCatchUpChunk, 1))
	if len(chunk.Messages) != 2 || chunk.Messages[0].Seq != 2 || !chunk.Truncated || chunk.Cursor != 3 {
		t.Fatalf("chunk=%+v", chunk)
	}
}

func TestGateway_BadFrameKeepsSession(t *testing.T) {
	t.Parallel()

	_, ts := newTestGateway(t, testConfig())
	conn := mustDial(t, ts.URL, "bob")
	mustHello(t, conn, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if e := mustPayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 1)); e.Code != codeBadEnvelope {
		t.Fatalf("code=%s", e.Code)
	}

	writeEnvelopeWS(t, conn, v1.Envelope{V: "v0", Type: v1.TypePing})
	if e := mustPayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 1)); e.Code != codeBadEnvelope {
		t.Fatalf("code=%s", e.Code)
	}

	sendWS(t, conn, v1.TypeDrain, "", struct{}{})
	if e := mustPayload[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 1)); e.Code != codeBadEnvelope {
		t.Fatalf("server-only type accepted: code=%s", e.Code)
	}

	sendWS(t, conn, v1.TypePing, "", struct{}{})
	readUntilType(t, conn, v1.TypePong, 1)
}

func TestGateway_RateLimitCloses(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RateEvents = 3
	cfg.RateWindow = time.Minute
	_, ts := newTestGateway(t, cfg)

	conn := mustDial(t, ts.URL, "bob")
	mustHello(t, conn, nil)

	for i := 0; i < 4; i++ {
		env, _ := v1.NewEnvelope(v1.TypePing, "p"+strconv.Itoa(i), "", time.Now(), struct{}{})
		b, _ := json.Marshal(env)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = conn.Write(ctx, websocket.MessageText, b)
		cancel()
	}

	if status := readUntilClosed(t, conn); status != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v, want policy violation", status)
	}
}

func TestGateway_DrainAcceptsAcksUntilGrace(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.DrainGrace = 500 * time.Millisecond
	svc, ts := newTestGateway(t, cfg)
	chat := mustCreateChat(t, svc, "alice", "bob")
	mustSend(t, svc, chat.ID, "alice", "before shutdown")

	bob := mustDial(t, ts.URL, "bob")
	mustHello(t, bob, nil)
	readUntilType(t, bob, v1.TypeCatchUpChunk, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	drained := make(chan error, 1)
	go func() { drained <- svc.Drain(ctx) }()

	d := mustPayload[v1.DrainPayload](t, readUntilType(t, bob, v1.TypeDrain, 1))
	if d.GraceMS != 500 {
		t.Fatalf("drain=%+v", d)
	}

	sendWS(t, bob, v1.TypeMessageSend, chat.ID, v1.MessageSendPayload{ChatID: chat.ID, Content: "late"})
	if e := mustPayload[v1.ErrorPayload](t, readUntilType(t, bob, v1.TypeError, 1)); e.Code != codeDraining {
		t.Fatalf("code=%s", e.Code)
	}

	sendWS(t, bob, v1.TypeAck, chat.ID, v1.AckPayload{ChatID: chat.ID, Seq: 1})
	if ok := mustPayload[v1.AckOKPayload](t, readUntilType(t, bob, v1.TypeAckOK, 1)); ok.Watermark != 1 {
		t.Fatalf("ack during drain=%+v", ok)
	}

	if status := readUntilClosed(t, bob); status != websocket.StatusGoingAway {
		t.Fatalf("close status=%v, want going away", status)
	}
	if err := <-drained; err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n := svc.Registry().Len(); n != 0 {
		t.Fatalf("registry len=%d after drain", n)
	}
}

func TestGateway_DisconnectUnregisters(t *testing.T) {
	t.Parallel()

	svc, ts := newTestGateway(t, testConfig())
	conn := mustDial(t, ts.URL, "bob")
	mustHello(t, conn, nil)

	if got := svc.OnlineUsers(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("online=%v", got)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(5 * time.Second)
	for svc.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection never unregistered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ---- helpers ----

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testConfig() Config {
	return Config{OriginRequired: false, AllowedOrigins: []string{"http://localhost"}}
}

func newTestGateway(t *testing.T, cfg Config) (*delivery.Service, *httptest.Server) {
	t.Helper()

	svc := delivery.NewService(testLogger(), delivery.NewInMemoryStore(), delivery.Config{}, nil, nil, nil)
	gw := NewGateway(testLogger(), svc, identity.NewHeaderResolver("", false), cfg)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return svc, ts
}

func mustCreateChat(t *testing.T, svc *delivery.Service, creator string, others ...string) delivery.Chat {
	t.Helper()
	chat, err := svc.CreateChat(testCtx(t), delivery.CreateChatInput{
		CreatorID:      creator,
		ParticipantIDs: others,
		IsGroup:        len(others) > 1,
	})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return chat
}

func mustSend(t *testing.T, svc *delivery.Service, chatID, sender, content string) delivery.Message {
	t.Helper()
	res, err := svc.Send(testCtx(t), delivery.SendInput{ChatID: chatID, SenderID: sender, Content: content})
	if err != nil {
		t.Fatalf("send %q: %v", content, err)
	}
	return res.Message
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func dialWS(t *testing.T, baseHTTPURL, origin, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(userID) != "" {
		h.Set(identity.DefaultHeader, userID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, baseHTTPURL, userID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseHTTPURL, "", userID)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func mustHello(t *testing.T, conn *websocket.Conn, cursors map[string]int64) v1.HelloAckPayload {
	t.Helper()
	sendWS(t, conn, v1.TypeHello, "", v1.HelloPayload{Cursors: cursors})
	env := readEnvelopeWS(t, conn)
	if env.Type != v1.TypeHelloAck {
		t.Fatalf("got %s, want hello_ack", env.Type)
	}
	return mustPayload[v1.HelloAckPayload](t, env)
}

// sendWS writes one envelope and returns its id.
func sendWS(t *testing.T, conn *websocket.Conn, typ, chatID string, payload any) string {
	t.Helper()
	id := typ + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	env, err := v1.NewEnvelope(typ, id, chatID, time.Now(), payload)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	writeEnvelopeWS(t, conn, env)
	return id
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxSkips int) v1.Envelope {
	t.Helper()
	for i := 0; i <= maxSkips; i++ {
		if env := readEnvelopeWS(t, conn); env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

// readUntilClosed discards frames until the server closes and returns its close status.
func readUntilClosed(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := conn.Read(ctx)
		cancel()
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
	t.Fatalf("connection stayed open")
	return -1
}

func mustPayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return p
}
