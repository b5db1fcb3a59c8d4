package delivery

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Chat is a conversation between two or more users.
// LastSeq is owned by the chat and never decreases.
type Chat struct {
	ID             string
	Name           string
	IsGroup        bool
	ParticipantIDs []string
	LastSeq        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasParticipant reports whether userID is in the chat.
func (c Chat) HasParticipant(userID string) bool {
	for _, p := range c.ParticipantIDs {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is an accepted, sequenced chat message. Immutable once assigned a seq.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	ClientMsgID string
	Seq         int64
	Content     string
	CreatedAt   time.Time
}

// ChatSummary is a chat-list row: the chat plus its latest message (nil when empty).
type ChatSummary struct {
	Chat        Chat
	LastMessage *Message
}

// Presence is a user's connectivity state.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// User is the identity view exposed by the core. DisplayName comes from the external
// identity provider; Presence and LastSeen are derived from live connections. A zero
// LastSeen means the user was never seen.
type User struct {
	ID          string
	DisplayName string
	Presence    Presence
	LastSeen    time.Time
}

// ValidateContent trims content and enforces 1..MaxContentChars characters.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", opErr("delivery.ValidateContent", ErrValidation, "content is empty")
	}
	if !utf8.ValidString(trimmed) {
		return "", opErr("delivery.ValidateContent", ErrValidation, "content is not valid utf-8")
	}
	if n := utf8.RuneCountInString(trimmed); n > MaxContentChars {
		return "", opErr("delivery.ValidateContent", ErrValidation,
			fmt.Sprintf("content too long: %d chars (max %d)", n, MaxContentChars))
	}
	return trimmed, nil
}

func validateClientMsgID(id string) error {
	if len(id) > maxClientMsgIDLen {
		return opErr("delivery.validateClientMsgID", ErrValidation, "client_msg_id too long")
	}
	return nil
}

// CreateChatInput describes a chat creation request.
// The creator is always a participant.
type CreateChatInput struct {
	ID             string
	CreatorID      string
	ParticipantIDs []string
	IsGroup        bool
	Name           string
	Now            time.Time
}

// normalize dedupes and sorts participants and enforces the chat-shape rules:
// at least two distinct participants, exactly two for a direct chat.
func (in CreateChatInput) normalize() (CreateChatInput, error) {
	const op = "delivery.CreateChat"

	creator := strings.TrimSpace(in.CreatorID)
	if creator == "" {
		return in, opErr(op, ErrValidation, "missing creator")
	}

	seen := map[string]struct{}{creator: {}}
	ids := []string{creator}
	for _, p := range in.ParticipantIDs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		ids = append(ids, p)
	}
	sort.Strings(ids)

	switch {
	case len(ids) < 2:
		return in, opErr(op, ErrValidation, "a chat needs at least two participants")
	case !in.IsGroup && len(ids) != 2:
		return in, opErr(op, ErrValidation, "a direct chat has exactly two participants")
	case len(ids) > maxGroupSize:
		return in, opErr(op, ErrValidation, fmt.Sprintf("too many participants (max %d)", maxGroupSize))
	}

	name := strings.TrimSpace(in.Name)
	if utf8.RuneCountInString(name) > maxChatNameChars {
		return in, opErr(op, ErrValidation, "chat name too long")
	}

	out := in
	out.CreatorID = creator
	out.ParticipantIDs = ids
	out.Name = name
	if out.Now.IsZero() {
		out.Now = time.Now().UTC()
	}
	return out, nil
}
