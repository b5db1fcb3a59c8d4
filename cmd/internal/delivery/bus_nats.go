package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// DefaultBusSubjectPrefix is the subject root; messages go to <prefix>.<chat_id>.
	DefaultBusSubjectPrefix = "courier.chat"

	busNodeHeader = "Courier-Node"
)

// NATSConfig describes the bus connection.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	NodeID        string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSBus is a Bus over core NATS subjects.
type NATSBus struct {
	log    *slog.Logger
	nc     *nats.Conn
	prefix string
	nodeID string

	metrics *Metrics
}

type busMessage struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	SenderID    string    `json:"sender_id"`
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	Seq         int64     `json:"seq"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// DialNATS connects to cfg.URL with reconnects enabled.
func DialNATS(cfg NATSConfig) (*nats.Conn, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats url is empty")
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	return nats.Connect(cfg.URL, opts...)
}

// NewNATSBus wraps an existing connection. The caller keeps ownership of nc.
func NewNATSBus(log *slog.Logger, nc *nats.Conn, prefix, nodeID string, metrics *Metrics) (*NATSBus, error) {
	if nc == nil {
		return nil, errors.New("nats connection is nil")
	}
	if nodeID == "" {
		return nil, errors.New("node id is required")
	}
	if log == nil {
		log = slog.Default()
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultBusSubjectPrefix
	}
	return &NATSBus{log: log, nc: nc, prefix: prefix, nodeID: nodeID, metrics: metrics}, nil
}

func (b *NATSBus) subject(chatID string) string { return b.prefix + "." + chatID }

func (b *NATSBus) Publish(_ context.Context, m Message) error {
	data, err := json.Marshal(busMessage{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		ClientMsgID: m.ClientMsgID,
		Seq:         m.Seq,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
	})
	if err != nil {
		return err
	}

	msg := nats.NewMsg(b.subject(m.ChatID))
	msg.Header.Set(busNodeHeader, b.nodeID)
	msg.Data = data

	err = b.nc.PublishMsg(msg)
	b.metrics.incBus("out", err)
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, fn func(Message)) error {
	sub, err := b.nc.Subscribe(b.prefix+".*", func(msg *nats.Msg) {
		if msg.Header.Get(busNodeHeader) == b.nodeID {
			return
		}
		var bm busMessage
		if err := json.Unmarshal(msg.Data, &bm); err != nil {
			b.metrics.incBus("in", err)
			b.log.Warn("delivery.bus.decode.fail", "subject", msg.Subject, "err", err)
			return
		}
		b.metrics.incBus("in", nil)
		fn(Message{
			ID:          bm.ID,
			ChatID:      bm.ChatID,
			SenderID:    bm.SenderID,
			ClientMsgID: bm.ClientMsgID,
			Seq:         bm.Seq,
			Content:     bm.Content,
			CreatedAt:   bm.CreatedAt,
		})
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	b.log.Info("delivery.bus.subscribed", "subject", sub.Subject, "node_id", b.nodeID)

	<-ctx.Done()
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

// Close flushes pending publishes. The connection itself is closed by its owner.
func (b *NATSBus) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.FlushTimeout(2 * time.Second)
}
