package delivery

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"courier/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaTemplate string

const pgUniqueViolation = "23505"

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a per-chat transactional advisory lock, so nodes sharing the
//     database serialize on the same chat exactly like the in-process Sequencer does.
//   - last_seq and the message row are written in the same transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "courier").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("delivery: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("delivery: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "courier",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("delivery: nil pool")
	}
	return st, nil
}

// SchemaSQL renders the reference DDL for schema.
func SchemaSQL(schema string) (string, error) {
	if !isValidPGIdent(schema) {
		return "", errors.New("delivery: invalid schema identifier")
	}
	return strings.ReplaceAll(schemaTemplate, "{{schema}}", pgx.Identifier{schema}.Sanitize()), nil
}

// EnsureSchema applies the reference DDL. Idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl, err := SchemaSQL(s.schema)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, ddl)
	return err
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// CreateChat inserts the chat and its participants in one transaction.
func (s *PostgresStore) CreateChat(ctx context.Context, in CreateChatInput) (Chat, error) {
	in, err := in.normalize()
	if err != nil {
		return Chat{}, err
	}
	if in.ID == "" {
		if in.ID, err = ids.NewULID(in.Now); err != nil {
			return Chat{}, err
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Chat{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("chats")+` (id, name, is_group, last_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $4)`,
		in.ID, in.Name, in.IsGroup, in.Now,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Chat{}, opErr("delivery.CreateChat", ErrValidation, "chat id already exists")
		}
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("chat_participants")+` (chat_id, user_id, joined_at)
		 SELECT $1, u, $3 FROM unnest($2::text[]) AS u`,
		in.ID, in.ParticipantIDs, in.Now,
	); err != nil {
		return Chat{}, fmt.Errorf("insert participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Chat{}, err
	}

	return Chat{
		ID:             in.ID,
		Name:           in.Name,
		IsGroup:        in.IsGroup,
		ParticipantIDs: in.ParticipantIDs,
		CreatedAt:      in.Now,
		UpdatedAt:      in.Now,
	}, nil
}

// GetChat returns a chat with its participants or ErrChatNotFound.
func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	var c Chat
	err := s.pool.QueryRow(ctx,
		`SELECT c.id, c.name, c.is_group, c.last_seq, c.created_at, c.updated_at,
		        ARRAY(SELECT p.user_id FROM `+s.table("chat_participants")+` p
		               WHERE p.chat_id = c.id ORDER BY p.user_id)
		   FROM `+s.table("chats")+` c
		  WHERE c.id = $1`,
		chatID,
	).Scan(&c.ID, &c.Name, &c.IsGroup, &c.LastSeq, &c.CreatedAt, &c.UpdatedAt, &c.ParticipantIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, opErr("delivery.GetChat", ErrChatNotFound, chatID)
	}
	if err != nil {
		return Chat{}, err
	}
	return c, nil
}

// ChatParticipants returns participant ids, or ErrChatNotFound when the chat is unknown.
func (s *PostgresStore) ChatParticipants(ctx context.Context, chatID string) ([]string, error) {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return c.ParticipantIDs, nil
}

// ChatsForUser lists the user's chats with their latest message.
// The latest message is found through the chat's last_seq pointer on the
// (chat_id, seq) primary key, never by scanning the chat's history.
func (s *PostgresStore) ChatsForUser(ctx context.Context, userID string) ([]ChatSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.name, c.is_group, c.last_seq, c.created_at, c.updated_at,
		        ARRAY(SELECT p2.user_id FROM `+s.table("chat_participants")+` p2
		               WHERE p2.chat_id = c.id ORDER BY p2.user_id),
		        m.id, m.sender_id, COALESCE(m.client_msg_id, ''), m.seq, m.content, m.created_at
		   FROM `+s.table("chat_participants")+` p
		   JOIN `+s.table("chats")+` c ON c.id = p.chat_id
		   LEFT JOIN `+s.table("messages")+` m ON m.chat_id = c.id AND m.seq = c.last_seq
		  WHERE p.user_id = $1
		  ORDER BY c.updated_at DESC, c.id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatSummary
	for rows.Next() {
		var (
			c         Chat
			msgID     *string
			sender    *string
			clientID  *string
			seq       *int64
			content   *string
			createdAt *time.Time
		)
		if err := rows.Scan(
			&c.ID, &c.Name, &c.IsGroup, &c.LastSeq, &c.CreatedAt, &c.UpdatedAt, &c.ParticipantIDs,
			&msgID, &sender, &clientID, &seq, &content, &createdAt,
		); err != nil {
			return nil, err
		}
		sum := ChatSummary{Chat: c}
		if msgID != nil && seq != nil {
			sum.LastMessage = &Message{
				ID:          *msgID,
				ChatID:      c.ID,
				SenderID:    deref(sender),
				ClientMsgID: deref(clientID),
				Seq:         *seq,
				Content:     deref(content),
				CreatedAt:   derefTime(createdAt),
			}
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// AppendMessage inserts the message at in.Seq and advances last_seq in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, errors.New("delivery: nil store")
	}
	if in.ChatID == "" || in.SenderID == "" || in.MessageID == "" || in.Seq <= 0 {
		return AppendResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	chats := s.table("chats")
	messages := s.table("messages")

	// Serialize writers per chat across every node sharing this database.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ChatID); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if in.ClientMsgID != "" {
		existing, err := readMessageByClientMsgID(ctx, tx, messages, in.ChatID, in.SenderID, in.ClientMsgID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Stored: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, err
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE `+chats+`
		    SET last_seq = $2,
		        updated_at = $3
		  WHERE id = $1 AND last_seq = $2 - 1`,
		in.ChatID, in.Seq, now,
	)
	if err != nil {
		return AppendResult{}, fmt.Errorf("bump last_seq: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current int64
		err := tx.QueryRow(ctx, `SELECT last_seq FROM `+chats+` WHERE id = $1`, in.ChatID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, opErr("delivery.AppendMessage", ErrChatNotFound, in.ChatID)
		}
		if err != nil {
			return AppendResult{}, err
		}
		return AppendResult{}, SeqConflictError{ChatID: in.ChatID, LastSeq: current}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (chat_id, seq, id, client_msg_id, sender_id, content, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
		in.ChatID, in.Seq, in.MessageID, in.ClientMsgID, in.SenderID, in.Content, now,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}

	return AppendResult{Stored: Message{
		ID:          in.MessageID,
		ChatID:      in.ChatID,
		SenderID:    in.SenderID,
		ClientMsgID: in.ClientMsgID,
		Seq:         in.Seq,
		Content:     in.Content,
		CreatedAt:   now,
	}}, nil
}

// ReadRange returns up to limit messages with seq > afterSeq ordered by seq ASC.
func (s *PostgresStore) ReadRange(ctx context.Context, chatID string, afterSeq int64, limit int) ([]Message, error) {
	if chatID == "" {
		return nil, errors.New("missing chat_id")
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT chat_id, seq, id, COALESCE(client_msg_id, ''), sender_id, content, created_at
		   FROM `+s.table("messages")+`
		  WHERE chat_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		chatID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, min(limit, 64))
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ChatID, &m.Seq, &m.ID, &m.ClientMsgID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Watermark returns the stored ack watermark (0 when none).
func (s *PostgresStore) Watermark(ctx context.Context, userID, chatID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT seq FROM `+s.table("ack_watermarks")+` WHERE user_id = $1 AND chat_id = $2`,
		userID, chatID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// AdvanceWatermark upserts the watermark, only ever moving it forward.
func (s *PostgresStore) AdvanceWatermark(ctx context.Context, userID, chatID string, seq int64, now time.Time) (WatermarkResult, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	w := s.table("ack_watermarks")

	var stored int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+w+` AS w (user_id, chat_id, seq, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, chat_id) DO UPDATE
		    SET seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at
		  WHERE w.seq < EXCLUDED.seq
		 RETURNING seq`,
		userID, chatID, seq, now,
	).Scan(&stored)
	switch {
	case err == nil:
		return WatermarkResult{Seq: stored, Advanced: true}, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Conflict row was not updated: the stored value is already >= seq.
		cur, err := s.Watermark(ctx, userID, chatID)
		if err != nil {
			return WatermarkResult{}, err
		}
		return WatermarkResult{Seq: cur}, nil
	default:
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return WatermarkResult{}, opErr("delivery.AdvanceWatermark", ErrChatNotFound, chatID)
		}
		return WatermarkResult{}, err
	}
}

// Watermarks returns every stored watermark for the chat.
func (s *PostgresStore) Watermarks(ctx context.Context, chatID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, seq FROM `+s.table("ack_watermarks")+` WHERE chat_id = $1`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			user string
			seq  int64
		)
		if err := rows.Scan(&user, &seq); err != nil {
			return nil, err
		}
		out[user] = seq
	}
	return out, rows.Err()
}

// Reconcile recomputes last_seq from max(seq) for chats where they disagree and
// returns how many chats were repaired. Appends keep both in one transaction, so a
// non-zero result points at manual data surgery.
func (s *PostgresStore) Reconcile(ctx context.Context) (int64, error) {
	chats := s.table("chats")
	messages := s.table("messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+chats+` c
		    SET last_seq = sub.max_seq
		   FROM (SELECT chat_id, max(seq) AS max_seq FROM `+messages+` GROUP BY chat_id) sub
		  WHERE sub.chat_id = c.id AND c.last_seq <> sub.max_seq`,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) table(name string) string {
	return pgIdent(s.schema, name)
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable string, chatID, senderID, clientMsgID string) (Message, error) {
	var m Message
	err := tx.QueryRow(ctx,
		`SELECT chat_id, seq, id, COALESCE(client_msg_id, ''), sender_id, content, created_at
		   FROM `+messagesTable+`
		  WHERE chat_id = $1 AND sender_id = $2 AND client_msg_id = $3`,
		chatID, senderID, clientMsgID,
	).Scan(&m.ChatID, &m.Seq, &m.ID, &m.ClientMsgID, &m.SenderID, &m.Content, &m.CreatedAt)
	return m, err
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefTime(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
