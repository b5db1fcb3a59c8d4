package realtime

import (
	"courier/cmd/internal/delivery"
	v1 "courier/contracts/realtime/v1"
)

func messagePayload(m delivery.Message) v1.MessageNewPayload {
	return v1.MessageNewPayload{
		ChatID:      m.ChatID,
		MessageID:   m.ID,
		ClientMsgID: m.ClientMsgID,
		Seq:         m.Seq,
		SenderID:    m.SenderID,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
	}
}

func chunkPayload(r delivery.CatchUpResult) v1.CatchUpChunkPayload {
	msgs := make([]v1.MessageNewPayload, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, messagePayload(m))
	}
	return v1.CatchUpChunkPayload{
		ChatID:    r.ChatID,
		FromSeq:   r.FromSeq,
		Messages:  msgs,
		Truncated: r.Truncated,
		Cursor:    r.Cursor,
		LastSeq:   r.LastSeq,
	}
}
