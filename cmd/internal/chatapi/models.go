package chatapi

import (
	"time"

	"courier/cmd/internal/delivery"
)

type createChatRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	IsGroup        bool     `json:"is_group"`
	Name           string   `json:"name"`
}

type sendMessageRequest struct {
	Content     string `json:"content"`
	ClientMsgID string `json:"client_msg_id"`
}

type ackRequest struct {
	Seq int64 `json:"seq"`
}

type chatResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	IsGroup        bool      `json:"is_group"`
	ParticipantIDs []string  `json:"participant_ids"`
	LastSeq        int64     `json:"last_seq"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type messageResponse struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	SenderID    string    `json:"sender_id"`
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	Seq         int64     `json:"seq"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

type userResponse struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Presence    string     `json:"presence"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

type userListResponse struct {
	Users []userResponse `json:"users"`
}

type chatListItem struct {
	Chat         chatResponse     `json:"chat"`
	LastMessage  *messageResponse `json:"last_message"`
	Participants []userResponse   `json:"participants"`
}

type chatListResponse struct {
	Chats []chatListItem `json:"chats"`
}

type sendMessageResponse struct {
	Message    messageResponse `json:"message"`
	Duplicated bool            `json:"duplicated"`
}

type catchUpResponse struct {
	ChatID    string            `json:"chat_id"`
	FromSeq   int64             `json:"from_seq"`
	Messages  []messageResponse `json:"messages"`
	Truncated bool              `json:"truncated"`
	Cursor    int64             `json:"cursor"`
	LastSeq   int64             `json:"last_seq"`
}

type ackResponse struct {
	ChatID    string `json:"chat_id"`
	Watermark int64  `json:"watermark"`
	Advanced  bool   `json:"advanced"`
}

type watermarkResponse struct {
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
	Watermark int64  `json:"watermark"`
}

type seenResponse struct {
	ChatID string   `json:"chat_id"`
	Seq    int64    `json:"seq"`
	SeenBy []string `json:"seen_by"`
}

type presenceResponse struct {
	UserID   string     `json:"user_id"`
	Presence string     `json:"presence"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

func toChatResponse(c delivery.Chat) chatResponse {
	return chatResponse{
		ID:             c.ID,
		Name:           c.Name,
		IsGroup:        c.IsGroup,
		ParticipantIDs: c.ParticipantIDs,
		LastSeq:        c.LastSeq,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func toMessageResponse(m delivery.Message) messageResponse {
	return messageResponse{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		ClientMsgID: m.ClientMsgID,
		Seq:         m.Seq,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
	}
}

func toChatListItem(v delivery.ChatView) chatListItem {
	item := chatListItem{
		Chat:         toChatResponse(v.Chat),
		Participants: make([]userResponse, 0, len(v.Participants)),
	}
	if v.LastMessage != nil {
		m := toMessageResponse(*v.LastMessage)
		item.LastMessage = &m
	}
	for _, u := range v.Participants {
		item.Participants = append(item.Participants, toUserResponse(u))
	}
	return item
}

func toUserResponse(u delivery.User) userResponse {
	return userResponse{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Presence:    string(u.Presence),
		LastSeen:    timeOrNil(u.LastSeen),
	}
}

// timeOrNil maps "never" to an omitted field.
func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toCatchUpResponse(r delivery.CatchUpResult) catchUpResponse {
	msgs := make([]messageResponse, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, toMessageResponse(m))
	}
	return catchUpResponse{
		ChatID:    r.ChatID,
		FromSeq:   r.FromSeq,
		Messages:  msgs,
		Truncated: r.Truncated,
		Cursor:    r.Cursor,
		LastSeq:   r.LastSeq,
	}
}
