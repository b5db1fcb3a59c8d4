// Package realtime is the WebSocket transport of the delivery core.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"courier/cmd/identity"
	"courier/cmd/internal/delivery"
	v1 "courier/contracts/realtime/v1"
)

// Wire codes produced by the transport itself; everything else comes from delivery.Code.
const (
	codeBadEnvelope = "bad_envelope"
	codeRateLimited = "rate_limited"
	codeDraining    = "draining"
	codeInternal    = "internal"
)

var (
	errBadPayload = errors.New("bad payload")
	errDraining   = errors.New("server is draining")
	errClosed     = errors.New("session closed")
)

// Config tunes the gateway. Zero values take defaults.
type Config struct {
	AllowedOrigins []string
	OriginRequired bool
	// DevInsecure disables websocket.Accept's own origin verification. Dev only.
	DevInsecure bool

	WriteTimeout time.Duration
	HelloTimeout time.Duration
	PingInterval time.Duration
	PingTimeout  time.Duration
	DrainGrace   time.Duration

	RateEvents int
	RateWindow time.Duration
	ReplyQueue int
}

// DefaultConfig returns the secure-by-default settings.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: strings.Split(defaultAllowedOrigins, ","),
		OriginRequired: defaultOriginRequired,
	}
}

func (c Config) normalized() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = defaultHelloTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = defaultDrainGrace
	}
	if c.RateEvents <= 0 {
		c.RateEvents = defaultRateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	if c.ReplyQueue <= 0 {
		c.ReplyQueue = defaultReplyQueue
	}
	return c
}

// Gateway is the WebSocket entrypoint.
//
// It enforces origin policy, identity, subprotocol selection, rate limits and
// heartbeats, and bridges validated envelopes to the delivery service.
type Gateway struct {
	log     *slog.Logger
	svc     *delivery.Service
	ident   identity.Resolver
	cfg     Config
	origins originPolicy
}

// NewGateway constructs a Gateway. A nil resolver trusts identity.DefaultHeader.
func NewGateway(log *slog.Logger, svc *delivery.Service, ident identity.Resolver, cfg Config) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if ident == nil {
		ident = identity.NewHeaderResolver("", false)
	}
	cfg = cfg.normalized()
	return &Gateway{
		log:     log,
		svc:     svc,
		ident:   ident,
		cfg:     cfg,
		origins: newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
	}
}

// session is one accepted, greeted connection.
type session struct {
	conn   *websocket.Conn
	h      *delivery.Handle
	c      *client
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (s *session) userID() string { return s.c.UserID }
func (s *session) connID() string { return s.c.ConnID }

// shutdown is idempotent and never closes c.Replies.
func (s *session) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.c.Close()
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

func (s *session) draining() bool {
	return s.h.State() == delivery.StateDraining
}

// ServeHTTP upgrades the request and runs the session until either side closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	userID, err := g.ident.Resolve(r)
	if err != nil {
		g.log.Info("ws.reject.identity", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origins.patterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s, err := g.handshake(ctx, conn, userID, cancel)
	if err != nil {
		g.log.Info("ws.handshake.fail", "user_id", userID, "err", err)
		return
	}
	g.serve(ctx, s)
}

// handshake reads hello, registers the connection, delivers catch-up and activates
// live pushes. Nothing else writes to conn yet, so writes here are direct.
func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn, userID string, cancel context.CancelFunc) (*session, error) {
	fail := func(code, msg, refID string, status websocket.StatusCode, err error) (*session, error) {
		_ = writeEnvelope(ctx, conn, errorEnvelope(code, msg, refID), g.cfg.WriteTimeout)
		_ = conn.Close(status, msg)
		return nil, err
	}

	helloCtx, helloCancel := context.WithTimeout(ctx, g.cfg.HelloTimeout)
	env, err := readEnvelope(helloCtx, conn)
	helloCancel()
	if err != nil {
		if errors.Is(err, errBadPayload) {
			return fail(codeBadEnvelope, "invalid JSON", "", websocket.StatusPolicyViolation, err)
		}
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if err := env.Validate(); err != nil {
		return fail(codeBadEnvelope, err.Error(), env.ID, websocket.StatusPolicyViolation, err)
	}
	if env.Type != v1.TypeHello {
		return fail(codeBadEnvelope, "hello required", env.ID, websocket.StatusPolicyViolation,
			fmt.Errorf("first frame was %s", env.Type))
	}
	var hello v1.HelloPayload
	if err := decodePayload(env, &hello); err != nil {
		return fail(codeBadEnvelope, err.Error(), env.ID, websocket.StatusPolicyViolation, err)
	}

	now := time.Now().UTC()
	connID, err := newConnID(now)
	if err != nil {
		return fail(codeInternal, "internal error", env.ID, websocket.StatusInternalError, err)
	}

	h, results, err := g.svc.Connect(ctx, userID, connID, hello.Cursors)
	if err != nil {
		return fail(wireCode(err), err.Error(), env.ID, websocket.StatusPolicyViolation, err)
	}

	s := &session{conn: conn, h: h, c: newClient(userID, connID, g.cfg.ReplyQueue), cancel: cancel}
	abort := func(err error) (*session, error) {
		g.svc.Disconnect(context.WithoutCancel(ctx), connID)
		_ = conn.Close(websocket.StatusGoingAway, "handshake failed")
		return nil, err
	}

	ack := envelope(v1.TypeHelloAck, "", v1.HelloAckPayload{
		ConnID:       connID,
		UserID:       userID,
		HeartbeatMS:  g.svc.Registry().HeartbeatTimeout().Milliseconds(),
		CatchUpLimit: g.svc.CatchUpLimit(),
	})
	if err := writeEnvelope(ctx, conn, ack, g.cfg.WriteTimeout); err != nil {
		return abort(fmt.Errorf("write hello_ack: %w", err))
	}
	for _, res := range results {
		if err := writeEnvelope(ctx, conn, envelope(v1.TypeCatchUpChunk, res.ChatID, chunkPayload(res)), g.cfg.WriteTimeout); err != nil {
			return abort(fmt.Errorf("write catchup_chunk: %w", err))
		}
	}

	if err := h.Activate(); err != nil && h.Closed() {
		return abort(fmt.Errorf("activate: %w", err))
	}

	g.log.Info("ws.session.start", "user_id", userID, "conn_id", connID, "catchup_chats", len(results))
	return s, nil
}

func (g *Gateway) serve(ctx context.Context, s *session) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, s)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeatLoop(ctx, s)
	}()

	g.readLoop(ctx, s)

	s.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}

	g.svc.Disconnect(context.WithoutCancel(ctx), s.connID())
	g.log.Info("ws.session.end", "user_id", s.userID(), "conn_id", s.connID())
}

// writeLoop is the only writer after the handshake. It interleaves request replies
// with live pushes and reacts to the handle closing or draining.
func (g *Gateway) writeLoop(ctx context.Context, s *session) {
	drainC := s.h.Draining()
	var graceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.c.Done():
			return
		case <-s.h.Done():
			code, reason := closeStatus(s.h.Err())
			g.log.Info("ws.session.evicted", "conn_id", s.connID(), "reason", reason)
			s.shutdown(code, reason)
			return
		case <-drainC:
			drainC = nil
			env := envelope(v1.TypeDrain, "", v1.DrainPayload{
				Reason:  "server_shutdown",
				GraceMS: g.cfg.DrainGrace.Milliseconds(),
			})
			if !g.write(ctx, s, env) {
				return
			}
			t := time.NewTimer(g.cfg.DrainGrace)
			defer t.Stop()
			graceC = t.C
		case <-graceC:
			s.shutdown(websocket.StatusGoingAway, "server draining")
			return
		case env := <-s.c.Replies:
			if !g.write(ctx, s, env) {
				return
			}
		case m := <-s.h.Out():
			if !g.write(ctx, s, envelope(v1.TypeMessageNew, m.ChatID, messagePayload(m))) {
				return
			}
		}
	}
}

func (g *Gateway) write(ctx context.Context, s *session, env v1.Envelope) bool {
	if err := writeEnvelope(ctx, s.conn, env, g.cfg.WriteTimeout); err != nil {
		g.log.Info("ws.write.fail", "conn_id", s.connID(), "type", env.Type, "close_status", websocket.CloseStatus(err), "err", err)
		s.shutdown(websocket.StatusGoingAway, "write failed")
		return false
	}
	return true
}

// heartbeatLoop pings the peer; an answered ping counts as liveness for the registry.
func (g *Gateway) heartbeatLoop(ctx context.Context, s *session) {
	t := time.NewTicker(g.cfg.PingInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.c.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "conn_id", s.connID(), "failures", failures, "err", err)
				if failures >= maxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
			g.svc.Heartbeat(ctx, s.connID())
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, s *session) {
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	for {
		env, err := readEnvelope(ctx, s.conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				s.shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			case readErrCtxDone, readErrConnClosed:
				return
			case readErrBadFrame:
				g.trySendError(s, codeBadEnvelope, "invalid JSON", "")
				continue
			default:
				g.log.Info("ws.read.fail", "conn_id", s.connID(), "err", err)
				s.shutdown(websocket.StatusGoingAway, "read failed")
				return
			}
		}

		now := time.Now().UTC()
		g.svc.Heartbeat(ctx, s.connID())

		if !rl.Allow(now) {
			g.trySendError(s, codeRateLimited, "too many events", env.ID)
			s.shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}
		if err := env.Validate(); err != nil {
			g.trySendError(s, codeBadEnvelope, err.Error(), env.ID)
			continue
		}
		if !v1.Inbound(env.Type) || env.Type == v1.TypeHello {
			g.trySendError(s, codeBadEnvelope, fmt.Sprintf("unexpected type: %s", env.Type), env.ID)
			continue
		}

		if err := g.dispatch(ctx, s, env, now); err != nil {
			if errors.Is(err, errClosed) || errors.Is(err, context.Canceled) {
				return
			}
			g.replyError(ctx, s, env.ID, err)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, s *session, env v1.Envelope, now time.Time) error {
	switch env.Type {
	case v1.TypePing:
		return g.reply(ctx, s, envelope(v1.TypePong, "", struct{}{}))
	case v1.TypeMessageSend:
		return g.onMessageSend(ctx, s, env, now)
	case v1.TypeAck:
		return g.onAck(ctx, s, env)
	case v1.TypeCatchUpFetch:
		return g.onCatchUpFetch(ctx, s, env)
	default:
		return fmt.Errorf("%w: unsupported type %s", errBadPayload, env.Type)
	}
}

// ---- handlers ----

func (g *Gateway) onMessageSend(ctx context.Context, s *session, env v1.Envelope, now time.Time) error {
	if s.draining() {
		return errDraining
	}
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	res, err := g.svc.Send(ctx, delivery.SendInput{
		ChatID:      firstNonEmpty(p.ChatID, env.ChatID),
		SenderID:    s.userID(),
		ClientMsgID: p.ClientMsgID,
		Content:     p.Content,
		Now:         now,
	})
	if err != nil {
		return err
	}

	m := res.Message
	return g.reply(ctx, s, envelope(v1.TypeMessageAccepted, m.ChatID, v1.MessageAcceptedPayload{
		ChatID:      m.ChatID,
		ClientMsgID: m.ClientMsgID,
		MessageID:   m.ID,
		Seq:         m.Seq,
		Duplicated:  res.Duplicated,
	}))
}

// Acks are accepted while draining so clients can flush receipts before leaving.
func (g *Gateway) onAck(ctx context.Context, s *session, env v1.Envelope) error {
	var p v1.AckPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	chatID := firstNonEmpty(p.ChatID, env.ChatID)

	res, err := g.svc.Ack(ctx, s.userID(), chatID, p.Seq)
	if err != nil {
		return err
	}
	return g.reply(ctx, s, envelope(v1.TypeAckOK, chatID, v1.AckOKPayload{
		ChatID:    chatID,
		Watermark: res.Watermark,
		Advanced:  res.Advanced,
	}))
}

func (g *Gateway) onCatchUpFetch(ctx context.Context, s *session, env v1.Envelope) error {
	if s.draining() {
		return errDraining
	}
	var p v1.CatchUpFetchPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	chatID := firstNonEmpty(p.ChatID, env.ChatID)

	from, err := g.svc.ResumePoint(ctx, s.userID(), chatID, p.AfterSeq)
	if err != nil {
		return err
	}
	res, err := g.svc.CatchUp(ctx, s.userID(), chatID, from, p.Limit)
	if err != nil {
		return err
	}
	s.h.MarkDelivered(chatID, res.Cursor)
	return g.reply(ctx, s, envelope(v1.TypeCatchUpChunk, chatID, chunkPayload(res)))
}

// ---- send helpers ----

// reply queues a response, waiting for room: a client that stops reading its socket
// stops being read from.
func (g *Gateway) reply(ctx context.Context, s *session, env v1.Envelope) error {
	select {
	case s.c.Replies <- env:
		return nil
	case <-s.c.Done():
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) replyError(ctx context.Context, s *session, refID string, err error) {
	code := wireCode(err)
	msg := err.Error()
	if code == codeInternal {
		g.log.Warn("ws.request.fail", "conn_id", s.connID(), "ref_id", refID, "err", err)
		msg = "internal error"
	}
	_ = g.reply(ctx, s, errorEnvelope(code, msg, refID))
}

// trySendError never blocks; the error is dropped when the reply queue is full.
func (g *Gateway) trySendError(s *session, code, msg, refID string) {
	select {
	case s.c.Replies <- errorEnvelope(code, msg, refID):
	default:
	}
}

func wireCode(err error) string {
	switch {
	case errors.Is(err, errBadPayload):
		return codeBadEnvelope
	case errors.Is(err, errDraining):
		return codeDraining
	default:
		return delivery.Code(err)
	}
}

func closeStatus(reason error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(reason, delivery.ErrQueueOverflow):
		return websocket.StatusPolicyViolation, "send queue overflow"
	case errors.Is(reason, delivery.ErrConnectionLost):
		return websocket.StatusGoingAway, "heartbeat timeout"
	default:
		return websocket.StatusGoingAway, "connection closed"
	}
}

// ---- envelope IO ----

func envelope(typ, chatID string, payload any) v1.Envelope {
	now := time.Now().UTC()
	// Payloads are plain structs; marshalling them cannot fail.
	env, _ := v1.NewEnvelope(typ, newEnvelopeID(now), chatID, now, payload)
	return env
}

func errorEnvelope(code, msg, refID string) v1.Envelope {
	return envelope(v1.TypeError, "", v1.ErrorPayload{Code: code, Message: msg, RefID: refID})
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("%w: unsupported message type %v", errBadPayload, mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadFrame
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, errBadPayload) {
		return readErrBadFrame
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
