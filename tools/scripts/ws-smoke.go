//go:build ignore

// Package main provides a CI-friendly smoke test for the courier delivery core.
//
// It validates:
//   - REST chat creation
//   - handshake, subprotocol selection and hello_ack
//   - send -> message_accepted, fan-out message_new to the peer
//   - ack -> watermark
//   - idempotent dedupe by client_msg_id
//   - reconnect catch-up from a cursor
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "courier/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	identityHeader = "X-Courier-User"
	maxReadBytes   = 1 << 20 // 1MiB
)

type smokeClient struct {
	user   string
	conn   *websocket.Conn
	connID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		alice   = flag.String("a", "smoke-alice", "First user id")
		bob     = flag.String("b", "smoke-bob", "Second user id")
		text    = flag.String("text", "hello courier 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		fatalf("invalid -url %q", *wsURL)
	}
	root := context.Background()

	chatID := mustCreateChat(root, apiBase(u), *alice, *bob, *timeout)
	if *verbose {
		fmt.Printf("chat created: %s\n", chatID)
	}

	a := mustConnect(root, *alice, *wsURL, *origin, nil, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, *bob, *wsURL, *origin, nil, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	acc := mustSend(root, a, chatID, clientMsgID, *text, *timeout)
	if acc.Duplicated {
		fatalf("first send reported duplicated")
	}

	env := b.mustReadUntilType(root, v1.TypeMessageNew, *timeout)
	var msg v1.MessageNewPayload
	mustDecode(env, &msg)
	if msg.Seq != acc.Seq || msg.MessageID != acc.MessageID || msg.Content != *text || msg.SenderID != *alice {
		fatalf("message_new mismatch: got=%+v accepted=%+v", msg, acc)
	}

	mustWrite(root, b.conn, newEnvelope(v1.TypeAck, "b-ack", chatID, v1.AckPayload{ChatID: chatID, Seq: msg.Seq}), *timeout)
	var ack v1.AckOKPayload
	mustDecode(b.mustReadUntilType(root, v1.TypeAckOK, *timeout), &ack)
	if ack.Watermark != msg.Seq {
		fatalf("watermark=%d want %d", ack.Watermark, msg.Seq)
	}

	dup := mustSend(root, a, chatID, clientMsgID, *text, *timeout)
	if !dup.Duplicated || dup.Seq != acc.Seq {
		fatalf("retry was not deduplicated: %+v", dup)
	}
	closeWS(b.conn)

	// Reconnect with a cursor just before the message; the handshake must replay it.
	b2 := mustConnect(root, *bob, *wsURL, *origin, map[string]int64{chatID: msg.Seq - 1}, *timeout)
	defer closeWS(b2.conn)
	var chunk v1.CatchUpChunkPayload
	for chunk.ChatID != chatID {
		mustDecode(b2.mustReadUntilType(root, v1.TypeCatchUpChunk, *timeout), &chunk)
	}
	if len(chunk.Messages) == 0 || chunk.Messages[0].Seq != msg.Seq {
		fatalf("catch-up did not replay seq %d: %+v", msg.Seq, chunk)
	}

	if *verbose {
		fmt.Printf("seq=%d message_id=%s watermark=%d\n", msg.Seq, msg.MessageID, ack.Watermark)
	}
	fmt.Println("OK")
}

func apiBase(ws *url.URL) string {
	scheme := "http"
	if ws.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + ws.Host
}

func mustCreateChat(parent context.Context, base, creator, peer string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]any{"participant_ids": []string{peer}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chats", bytes.NewReader(body))
	if err != nil {
		fatalf("build create chat request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identityHeader, creator)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("create chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		fatalf("create chat status=%d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == "" {
		fatalf("decode create chat response: %v", err)
	}
	return out.ID
}

func mustConnect(parent context.Context, user, wsURL, origin string, cursors map[string]int64, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set(identityHeader, user)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", user, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", user, got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		user:  user,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	go c.readLoop()

	mustWrite(parent, conn, newEnvelope(v1.TypeHello, user+"-hello", "", v1.HelloPayload{Cursors: cursors}), stepTimeout)

	var p v1.HelloAckPayload
	mustDecode(c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout), &p)
	if p.ConnID == "" || p.UserID != user {
		fatalf("bad hello_ack (%s): %+v", user, p)
	}
	c.connID = p.ConnID
	return c
}

func mustSend(parent context.Context, c *smokeClient, chatID, clientMsgID, text string, stepTimeout time.Duration) v1.MessageAcceptedPayload {
	id := fmt.Sprintf("%s-send-%d", c.user, time.Now().UnixNano())
	mustWrite(parent, c.conn, newEnvelope(v1.TypeMessageSend, id, chatID, v1.MessageSendPayload{
		ChatID:      chatID,
		ClientMsgID: clientMsgID,
		Content:     text,
	}), stepTimeout)

	var p v1.MessageAcceptedPayload
	mustDecode(c.mustReadUntilType(parent, v1.TypeMessageAccepted, stepTimeout), &p)
	if p.ChatID != chatID || p.ClientMsgID != clientMsgID || p.Seq <= 0 {
		fatalf("bad message_accepted (%s): %+v", c.user, p)
	}
	return p
}

func (c *smokeClient) readLoop() {
	defer close(c.inbox)
	for {
		_, b, err := c.conn.Read(context.Background())
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				c.errCh <- nil
				return
			}
			c.errCh <- err
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			c.errCh <- fmt.Errorf("decode envelope: %w", err)
			return
		}
		c.inbox <- env
	}
}

// mustReadUntilType skips live pushes and catch-up chunks that arrive ahead of
// the reply being waited for.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.user, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection ended while waiting for %q (%s): %v", wantType, c.user, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.user)
			}
			switch env.Type {
			case wantType:
				return env
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.user, ep.Code, ep.Message)
			case v1.TypeMessageNew, v1.TypeCatchUpChunk, v1.TypePong:
				continue
			default:
				fatalf("unexpected envelope type (%s): got=%q want=%q", c.user, env.Type, wantType)
			}
		}
	}
}

func newEnvelope(typ, id, chatID string, payload any) v1.Envelope {
	env, err := v1.NewEnvelope(typ, id, chatID, time.Now().UTC(), payload)
	if err != nil {
		fatalf("build %s envelope: %v", typ, err)
	}
	return env
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustDecode(env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("decode %s payload: %v", env.Type, err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
