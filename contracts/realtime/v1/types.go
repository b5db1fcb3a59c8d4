// Package v1 defines the Courier Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated for this version.
const Subprotocol = "courier.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello opens the session and reports the client's per-chat cursors (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms the session (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageSend submits a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAccepted confirms a send with its assigned seq (server -> sender).
	TypeMessageAccepted = "message_accepted"
	// TypeMessageNew pushes a sequenced message (server -> participants).
	TypeMessageNew = "message_new"

	// TypeAck reports receipt up to a seq (client -> server).
	TypeAck = "ack"
	// TypeAckOK returns the resulting watermark (server -> client).
	TypeAckOK = "ack_ok"

	// TypeCatchUpFetch requests messages after a seq (client -> server).
	TypeCatchUpFetch = "catchup_fetch"
	// TypeCatchUpChunk returns one ascending batch (server -> client).
	TypeCatchUpChunk = "catchup_chunk"

	// TypePing and TypePong are application-level liveness checks.
	TypePing = "ping"
	TypePong = "pong"

	// TypeDrain tells the client the server is going away; it should reconnect elsewhere.
	TypeDrain = "drain"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ChatID  string          `json:"chat_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeMessageSend,
		TypeMessageAccepted,
		TypeMessageNew,
		TypeAck,
		TypeAckOK,
		TypeCatchUpFetch,
		TypeCatchUpChunk,
		TypePing,
		TypePong,
		TypeDrain,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Inbound reports whether clients may send this type.
func Inbound(typ string) bool {
	switch typ {
	case TypeHello, TypeMessageSend, TypeAck, TypeCatchUpFetch, TypePing:
		return true
	default:
		return false
	}
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, id, chatID string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{V: Version, Type: typ, ID: id, ChatID: chatID, TS: ts.UTC(), Payload: raw}, nil
}

// ---- Payloads ----

// HelloPayload carries the highest seq the client holds per chat id. Chats missing
// from Cursors resume from the server-side ack watermark.
type HelloPayload struct {
	Cursors map[string]int64 `json:"cursors,omitempty"`
}

// HelloAckPayload confirms the session.
type HelloAckPayload struct {
	ConnID       string `json:"conn_id"`
	UserID       string `json:"user_id"`
	HeartbeatMS  int64  `json:"heartbeat_ms"`
	CatchUpLimit int    `json:"catchup_limit"`
}

// MessageSendPayload submits a message. ClientMsgID makes retries idempotent.
type MessageSendPayload struct {
	ChatID      string `json:"chat_id"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Content     string `json:"content"`
}

// MessageAcceptedPayload returns the canonical id and seq of a sent message.
type MessageAcceptedPayload struct {
	ChatID      string `json:"chat_id"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	MessageID   string `json:"message_id"`
	Seq         int64  `json:"seq"`
	Duplicated  bool   `json:"duplicated,omitempty"`
}

// MessageNewPayload is one sequenced message, pushed live or replayed by catch-up.
type MessageNewPayload struct {
	ChatID      string    `json:"chat_id"`
	MessageID   string    `json:"message_id"`
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	Seq         int64     `json:"seq"`
	SenderID    string    `json:"sender_id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// AckPayload acknowledges receipt of ChatID up to Seq.
type AckPayload struct {
	ChatID string `json:"chat_id"`
	Seq    int64  `json:"seq"`
}

// AckOKPayload is the stored watermark after an ack.
type AckOKPayload struct {
	ChatID    string `json:"chat_id"`
	Watermark int64  `json:"watermark"`
	Advanced  bool   `json:"advanced"`
}

// CatchUpFetchPayload requests messages with seq > AfterSeq. A nil AfterSeq resumes
// from the ack watermark.
type CatchUpFetchPayload struct {
	ChatID   string `json:"chat_id"`
	AfterSeq *int64 `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// CatchUpChunkPayload returns one batch. When Truncated, fetch again from Cursor.
type CatchUpChunkPayload struct {
	ChatID    string              `json:"chat_id"`
	FromSeq   int64               `json:"from_seq"`
	Messages  []MessageNewPayload `json:"messages"`
	Truncated bool                `json:"truncated"`
	Cursor    int64               `json:"cursor"`
	LastSeq   int64               `json:"last_seq"`
}

// DrainPayload announces a server shutdown.
type DrainPayload struct {
	Reason  string `json:"reason"`
	GraceMS int64  `json:"grace_ms"`
}

// ErrorPayload is a generic error response payload. RefID echoes the request envelope id.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RefID   string `json:"ref_id,omitempty"`
}
