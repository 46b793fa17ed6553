package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/paperhub/chat-platform/internal/model"
	"github.com/paperhub/chat-platform/pkg/logger"
)

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *logger.Logger
}

// NewPostgres connects to databaseURL and makes sure the tables exist.
func NewPostgres(ctx context.Context, databaseURL string, log *logger.Logger) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &Postgres{db: pool, logger: log}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Postgres) Close() {
	s.db.Close()
}

func (s *Postgres) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS chat_users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			pair_key TEXT UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_message_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			left_at TIMESTAMPTZ,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_members_user ON conversation_members (user_id)`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_kind TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			content JSONB,
			attachments JSONB,
			mentions JSONB,
			status TEXT NOT NULL,
			reply_to_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_kind, conversation_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS message_receipts (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			delivered_at TIMESTAMPTZ,
			read_at TIMESTAMPTZ,
			PRIMARY KEY (message_id, user_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	s.logger.Info("postgres schema ready", zap.Int("statements", len(statements)))
	return nil
}

func (s *Postgres) EnsureUser(ctx context.Context, u model.User) (*model.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO chat_users (id, name, email) VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, name, email`,
		u.ID, u.Name, u.Email,
	).Scan(&u.ID, &u.Name, &u.Email)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return &u, nil
}

func (s *Postgres) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var email *string
	err := s.db.QueryRow(ctx, `SELECT id, name, email FROM chat_users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if email != nil {
		u.Email = *email
	}
	return &u, nil
}

func (s *Postgres) CreatePrivateChat(ctx context.Context, creatorID, otherID string, now time.Time) (*model.Conversation, error) {
	c := &model.Conversation{
		ID:           uuid.NewString(),
		Kind:         model.KindPrivate,
		CreatedBy:    creatorID,
		Participants: []string{creatorID, otherID},
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, kind, created_by, is_active, pair_key, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, $5, $5)`,
		c.ID, c.Kind, creatorID, pairKey(creatorID, otherID), now,
	)
	if isUniqueViolation(err) {
		return nil, errChatExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}

	for _, uid := range c.Participants {
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, joined_at, is_active)
			VALUES ($1, $2, $3, TRUE)`,
			c.ID, uid, now,
		); err != nil {
			return nil, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit chat: %w", err)
	}
	return c, nil
}

func (s *Postgres) CreateGroup(ctx context.Context, g *model.Conversation) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.Kind = model.KindGroup

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversations (id, kind, name, description, created_by, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.ID, g.Kind, g.Name, g.Description, g.CreatedBy, g.IsActive, g.CreatedAt, g.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}

	for _, m := range g.Members {
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, joined_at, left_at, is_active, is_admin)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			g.ID, m.UserID, m.JoinedAt, m.LeftAt, m.IsActive, m.IsAdmin,
		); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit group: %w", err)
	}
	return nil
}

func (s *Postgres) GetConversation(ctx context.Context, ref model.ConversationRef) (*model.Conversation, error) {
	c := &model.Conversation{}
	err := s.db.QueryRow(ctx, `
		SELECT id, kind, name, description, created_by, is_active, created_at, updated_at, last_message_at
		FROM conversations WHERE id = $1 AND kind = $2`,
		ref.ID, ref.Kind,
	).Scan(&c.ID, &c.Kind, &c.Name, &c.Description, &c.CreatedBy, &c.IsActive, &c.CreatedAt, &c.UpdatedAt, &c.LastMessageAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundFor(ref.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	if err := s.loadMembers(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Postgres) loadMembers(ctx context.Context, c *model.Conversation) error {
	rows, err := s.db.Query(ctx, `
		SELECT user_id, joined_at, left_at, is_active, is_admin
		FROM conversation_members WHERE conversation_id = $1 ORDER BY joined_at`,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m := model.Membership{GroupID: c.ID}
		if err := rows.Scan(&m.UserID, &m.JoinedAt, &m.LeftAt, &m.IsActive, &m.IsAdmin); err != nil {
			return fmt.Errorf("scan member: %w", err)
		}
		if c.Kind == model.KindGroup {
			c.Members = append(c.Members, m)
		} else {
			c.Participants = append(c.Participants, m.UserID)
		}
	}
	return rows.Err()
}

func (s *Postgres) DeleteConversation(ctx context.Context, ref model.ConversationRef) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx,
		`DELETE FROM messages WHERE conversation_kind = $1 AND conversation_id = $2`,
		ref.Kind, ref.ID,
	); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1 AND kind = $2`, ref.ID, ref.Kind)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundFor(ref.Kind)
	}

	return tx.Commit(ctx)
}

func (s *Postgres) ListConversations(ctx context.Context, userID string, messageLimit int) ([]model.Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.kind
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = $1
		  AND (c.kind = 'private' OR (c.is_active AND m.is_active AND m.left_at IS NULL))
		ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ConversationRef, error) {
		var ref model.ConversationRef
		err := row.Scan(&ref.ID, &ref.Kind)
		return ref, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan conversations: %w", err)
	}

	out := make([]model.Conversation, 0, len(refs))
	for _, ref := range refs {
		c, err := s.GetConversation(ctx, ref)
		if err != nil {
			return nil, err
		}
		if c.Messages, err = s.RecentMessages(ctx, ref, messageLimit); err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *Postgres) AddMembers(ctx context.Context, groupID string, userIDs []string, now time.Time) ([]string, error) {
	var changed []string
	for _, uid := range userIDs {
		tag, err := s.db.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, joined_at, is_active)
			VALUES ($1, $2, $3, TRUE)
			ON CONFLICT (conversation_id, user_id) DO UPDATE
			SET is_active = TRUE, left_at = NULL, joined_at = EXCLUDED.joined_at
			WHERE conversation_members.is_active = FALSE OR conversation_members.left_at IS NOT NULL`,
			groupID, uid, now,
		)
		if err != nil {
			return changed, fmt.Errorf("add member: %w", err)
		}
		if tag.RowsAffected() > 0 {
			changed = append(changed, uid)
		}
	}
	return changed, nil
}

func (s *Postgres) RemoveMembers(ctx context.Context, groupID string, userIDs []string, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE conversation_members SET is_active = FALSE, left_at = $3
		WHERE conversation_id = $1 AND user_id = ANY($2) AND is_active AND left_at IS NULL
		RETURNING user_id`,
		groupID, userIDs, now,
	)
	if err != nil {
		return nil, fmt.Errorf("remove members: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Postgres) SaveMessage(ctx context.Context, msg *model.Message, recipients []string) ([]model.Receipt, error) {
	content, attachments, mentions, err := encodeMessageJSON(msg)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_kind, conversation_id, sender_id, sender_name, message_type,
			text, content, attachments, mentions, status, reply_to_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		msg.ID, msg.Conversation.Kind, msg.Conversation.ID, msg.SenderID, msg.SenderName, msg.Type,
		msg.Text, content, attachments, mentions, msg.Status, msg.ReplyToID, msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if len(recipients) > 0 {
		rows := make([][]any, len(recipients))
		for i, uid := range recipients {
			rows[i] = []any{msg.ID, uid}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"message_receipts"},
			[]string{"message_id", "user_id"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return nil, fmt.Errorf("insert receipts: %w", err)
		}
	}

	if msg.Conversation.Kind != model.KindSession {
		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET last_message_at = $2, updated_at = $2 WHERE id = $1`,
			msg.Conversation.ID, msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("touch conversation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}

	receipts := make([]model.Receipt, len(recipients))
	for i, uid := range recipients {
		receipts[i] = model.Receipt{MessageID: msg.ID, UserID: uid}
	}
	return receipts, nil
}

const messageColumns = `id, conversation_kind, conversation_id, sender_id, sender_name, message_type,
	text, content, attachments, mentions, status, reply_to_id, created_at, deleted_at`

func scanMessage(row pgx.Row) (model.Message, error) {
	var m model.Message
	var content, attachments, mentions []byte
	err := row.Scan(
		&m.ID, &m.Conversation.Kind, &m.Conversation.ID, &m.SenderID, &m.SenderName, &m.Type,
		&m.Text, &content, &attachments, &mentions, &m.Status, &m.ReplyToID, &m.CreatedAt, &m.DeletedAt,
	)
	if err != nil {
		return m, err
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &m.Content); err != nil {
			return m, fmt.Errorf("decode content: %w", err)
		}
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return m, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if len(mentions) > 0 {
		if err := json.Unmarshal(mentions, &m.Mentions); err != nil {
			return m, fmt.Errorf("decode mentions: %w", err)
		}
	}
	return m, nil
}

func encodeMessageJSON(msg *model.Message) (content, attachments, mentions []byte, err error) {
	if msg.Content != nil {
		if content, err = json.Marshal(msg.Content); err != nil {
			return nil, nil, nil, fmt.Errorf("encode content: %w", err)
		}
	}
	if len(msg.Attachments) > 0 {
		if attachments, err = json.Marshal(msg.Attachments); err != nil {
			return nil, nil, nil, fmt.Errorf("encode attachments: %w", err)
		}
	}
	if len(msg.Mentions) > 0 {
		if mentions, err = json.Marshal(msg.Mentions); err != nil {
			return nil, nil, nil, fmt.Errorf("encode mentions: %w", err)
		}
	}
	return content, attachments, mentions, nil
}

func (s *Postgres) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

func (s *Postgres) UpdateMessageStatus(ctx context.Context, msg *model.Message, prev model.Status) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE messages SET status = $2, deleted_at = $3 WHERE id = $1 AND status = $4`,
		msg.ID, msg.Status, msg.DeletedAt, prev,
	)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, msg.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	if !exists {
		return false, errMessageNotFound
	}
	return false, nil
}

func (s *Postgres) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *Postgres) RecentMessages(ctx context.Context, ref model.ConversationRef, limit int) ([]model.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_kind = $1 AND conversation_id = $2
		ORDER BY created_at DESC LIMIT $3`,
		ref.Kind, ref.ID, limit,
	)
}

func (s *Postgres) BotExchanges(ctx context.Context, ref model.ConversationRef, botID string, limit int) ([]model.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_kind = $1 AND conversation_id = $2
		  AND (sender_id = $3 OR text ILIKE '@bot%')
		ORDER BY created_at DESC LIMIT $4`,
		ref.Kind, ref.ID, botID, limit,
	)
}

func (s *Postgres) MarkReceiptDelivered(ctx context.Context, messageID, userID string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE message_receipts SET delivered_at = COALESCE(delivered_at, $3)
		WHERE message_id = $1 AND user_id = $2`,
		messageID, userID, now,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errReceiptNotFound
	}
	return nil
}

func (s *Postgres) MarkReceiptRead(ctx context.Context, messageID, userID string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE message_receipts
		SET read_at = COALESCE(read_at, $3), delivered_at = COALESCE(delivered_at, $3)
		WHERE message_id = $1 AND user_id = $2`,
		messageID, userID, now,
	)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, errReceiptNotFound
	}

	var unread int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM message_receipts WHERE message_id = $1 AND read_at IS NULL`,
		messageID,
	).Scan(&unread); err != nil {
		return false, fmt.Errorf("count unread: %w", err)
	}
	return unread == 0, nil
}

func (s *Postgres) Receipts(ctx context.Context, messageID string) ([]model.Receipt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT message_id, user_id, delivered_at, read_at
		FROM message_receipts WHERE message_id = $1 ORDER BY user_id`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Receipt, error) {
		var r model.Receipt
		err := row.Scan(&r.MessageID, &r.UserID, &r.DeliveredAt, &r.ReadAt)
		return r, err
	})
}

func (s *Postgres) CreateSession(ctx context.Context, cs model.ChatSession) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO chat_sessions (id, owner_id, created_at) VALUES ($1, $2, $3)`,
		cs.ID, cs.OwnerID, cs.CreatedAt,
	); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Postgres) GetSession(ctx context.Context, id string) (*model.ChatSession, error) {
	var cs model.ChatSession
	err := s.db.QueryRow(ctx, `SELECT id, owner_id, created_at FROM chat_sessions WHERE id = $1`, id).
		Scan(&cs.ID, &cs.OwnerID, &cs.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &cs, nil
}

func (s *Postgres) ListSessions(ctx context.Context, ownerID string) ([]model.ChatSession, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, owner_id, created_at FROM chat_sessions WHERE owner_id = $1 ORDER BY created_at`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ChatSession, error) {
		var cs model.ChatSession
		err := row.Scan(&cs.ID, &cs.OwnerID, &cs.CreatedAt)
		return cs, err
	})
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
