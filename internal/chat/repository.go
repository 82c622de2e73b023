package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"campus-chat/internal/apperror"
)

// SearchLimit caps the number of search hits returned.
const SearchLimit = 50

// Repository is the content store. It works against both the pgx and the
// sqlite driver: queries use $n placeholders and portable SQL only.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		db: db,
		now: func() time.Time {
			// Postgres keeps microseconds; truncate so values round-trip.
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

const conversationColumns = `id, type, user1_id, user2_id, last_activity_at, is_active, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	c := &Conversation{}
	err := row.Scan(&c.ID, &c.Type, &c.User1ID, &c.User2ID, &c.LastActivityAt, &c.IsActive, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// EnsureConversation inserts the conversation unless one already exists for
// the same participant set, then returns whichever row owns the pair key.
// The unique pair key makes concurrent callers converge on one row.
func (r *Repository) EnsureConversation(ctx context.Context, t ConversationType, user1ID int64, user2ID *int64) (*Conversation, error) {
	key := pairKey(t, user1ID, user2ID)
	now := r.now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (type, user1_id, user2_id, pair_key, last_activity_at, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $5)
		ON CONFLICT (pair_key) DO NOTHING`,
		string(t), user1ID, user2ID, key, now)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE pair_key = $1`, key)
	c, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", key, err)
	}
	return c, nil
}

// FindConversation looks up the conversation for a participant set without
// creating it.
func (r *Repository) FindConversation(ctx context.Context, t ConversationType, user1ID int64, user2ID *int64) (*Conversation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE pair_key = $1`,
		pairKey(t, user1ID, user2ID))
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("finding conversation: %w", err)
	}
	return c, nil
}

func (r *Repository) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation %d: %w", id, err)
	}
	return c, nil
}

// ListConversations returns the user's active conversations, most recent
// activity first.
func (r *Repository) ListConversations(ctx context.Context, userID int64) ([]*Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE (user1_id = $1 OR user2_id = $1) AND is_active = TRUE
		ORDER BY last_activity_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TouchActivity moves last_activity_at forward, never backward.
func (r *Repository) TouchActivity(ctx context.Context, conversationID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET last_activity_at = $2
		WHERE id = $1 AND last_activity_at < $2`, conversationID, at.UTC())
	if err != nil {
		return fmt.Errorf("touching conversation %d: %w", conversationID, err)
	}
	return nil
}

// AppendMessage writes a message and its content parts in one transaction.
//
// The transaction first takes the conversation row lock, so appends to one
// conversation are serialized while other conversations proceed in
// parallel. created_at is assigned under that lock and clamped to the
// newest existing message, which keeps (created_at, id) a total order that
// matches commit order.
func (r *Repository) AppendMessage(ctx context.Context, in *NewMessage) (*Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET is_active = is_active WHERE id = $1`, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("locking conversation %d: %w", in.ConversationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperror.NotFound("conversation not found")
	}

	createdAt := r.now()
	var newest time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT created_at FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, in.ConversationID).Scan(&newest)
	switch {
	case err == nil:
		if createdAt.Before(newest) {
			createdAt = newest
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("reading newest message: %w", err)
	}

	msg := &Message{
		ConversationID:   in.ConversationID,
		Sender:           in.Sender,
		TextContent:      in.TextContent,
		ReplyToMessageID: in.ReplyToMessageID,
		CreatedAt:        createdAt,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, is_from_assistant, text_content, search_text, reply_to_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		in.ConversationID, in.Sender.nullableID(), in.Sender.IsAssistant(), in.TextContent, searchText(in.TextContent), in.ReplyToMessageID, createdAt,
	).Scan(&msg.ID)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	for i, part := range in.Contents {
		part.MessageID = msg.ID
		part.Order = i
		err := tx.QueryRowContext(ctx, `
			INSERT INTO message_contents (message_id, content_type, text_content, file_url, file_name, mime_type,
				file_size, width, height, thumbnail_url, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			part.MessageID, string(part.ContentType), part.TextContent, part.FileURL, part.FileName, part.MimeType,
			part.FileSize, part.Width, part.Height, part.ThumbnailURL, part.Order,
		).Scan(&part.ID)
		if err != nil {
			return nil, fmt.Errorf("inserting content part %d: %w", i, err)
		}
		msg.Contents = append(msg.Contents, part)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}
	return msg, nil
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.is_from_assistant, m.text_content,
	m.reply_to_message_id, m.is_edited, m.edited_at, m.is_deleted, m.created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m         Message
		senderID  *int64
		assistant bool
		editedAt  sql.NullTime
	)
	err := row.Scan(&m.ID, &m.ConversationID, &senderID, &assistant, &m.TextContent,
		&m.ReplyToMessageID, &m.IsEdited, &editedAt, &m.IsDeleted, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if assistant || senderID == nil {
		m.Sender = AssistantSender()
	} else {
		m.Sender = HumanSender(*senderID)
	}
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	return &m, nil
}

// GetMessage returns a message including soft-deleted ones, with its parts.
func (r *Repository) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading message %d: %w", id, err)
	}
	if err := r.loadContents(ctx, []*Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateMessageText records an edit.
func (r *Repository) UpdateMessageText(ctx context.Context, id int64, text string) (*Message, error) {
	now := r.now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages SET text_content = $2, search_text = $3, is_edited = TRUE, edited_at = $4
		WHERE id = $1`, id, text, searchText(&text), now)
	if err != nil {
		return nil, fmt.Errorf("updating message %d: %w", id, err)
	}
	return r.GetMessage(ctx, id)
}

// SoftDelete hides a message from every read path. It reports whether the
// message changed state, so repeated deletes are no-ops.
func (r *Repository) SoftDelete(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET is_deleted = TRUE WHERE id = $1 AND is_deleted = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("deleting message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PurgeMessage removes a message and everything it owns: content parts,
// read-status rows and reply references pointing at it.
func (r *Repository) PurgeMessage(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning purge: %w", err)
	}
	defer tx.Rollback()

	steps := []string{
		`UPDATE messages SET reply_to_message_id = NULL WHERE reply_to_message_id = $1`,
		`DELETE FROM message_read_status WHERE message_id = $1`,
		`DELETE FROM message_contents WHERE message_id = $1`,
		`DELETE FROM messages WHERE id = $1`,
	}
	for _, q := range steps {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("purging message %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns one page of non-deleted messages, newest first,
// with content parts loaded. Pages are 1-based.
func (r *Repository) ListMessages(ctx context.Context, conversationID int64, page, pageSize int) ([]*Message, error) {
	if page < 1 {
		page = 1
	}
	// Offsets past MaxInt32 rows cannot hold data and would overflow.
	if pageSize > 0 && page-1 > math.MaxInt32/pageSize {
		return nil, nil
	}
	return r.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.conversation_id = $1 AND m.is_deleted = FALSE
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2 OFFSET $3`, conversationID, pageSize, (page-1)*pageSize)
}

// RecentMessages returns the newest limit non-deleted messages, newest first.
func (r *Repository) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	return r.ListMessages(ctx, conversationID, 1, limit)
}

// Search matches text case-insensitively in conversations userID takes part
// in, newest first, capped at SearchLimit. conversationID narrows the scope
// when non-nil.
func (r *Repository) Search(ctx context.Context, userID int64, query string, conversationID *int64) ([]*Message, error) {
	q := `
		SELECT ` + messageColumns + `
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.user1_id = $1 OR c.user2_id = $1)
		  AND m.is_deleted = FALSE
		  AND m.search_text LIKE $2 ESCAPE '\'`
	args := []any{userID, "%" + escapeLike(strings.ToLower(query)) + "%"}
	if conversationID != nil {
		q += ` AND m.conversation_id = $3`
		args = append(args, *conversationID)
	}
	q += fmt.Sprintf(` ORDER BY m.created_at DESC, m.id DESC LIMIT %d`, SearchLimit)

	return r.queryMessages(ctx, q, args...)
}

// searchText is the case-folded copy of a message's text that search
// matches against. Folding happens here rather than with SQL LOWER, which
// only folds ASCII on sqlite.
func searchText(text *string) *string {
	if text == nil {
		return nil
	}
	folded := strings.ToLower(*text)
	return &folded
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *Repository) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadContents(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// loadContents attaches content parts to msgs in a single query.
func (r *Repository) loadContents(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	byID := make(map[int64]*Message, len(msgs))
	placeholders := make([]string, len(msgs))
	args := make([]any, len(msgs))
	for i, m := range msgs {
		byID[m.ID] = m
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = m.ID
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_id, content_type, text_content, file_url, file_name, mime_type,
			file_size, width, height, thumbnail_url, sort_order
		FROM message_contents
		WHERE message_id IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY message_id, sort_order`, args...)
	if err != nil {
		return fmt.Errorf("loading content parts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p MessageContent
		err := rows.Scan(&p.ID, &p.MessageID, &p.ContentType, &p.TextContent, &p.FileURL, &p.FileName,
			&p.MimeType, &p.FileSize, &p.Width, &p.Height, &p.ThumbnailURL, &p.Order)
		if err != nil {
			return fmt.Errorf("scanning content part: %w", err)
		}
		if m, ok := byID[p.MessageID]; ok {
			m.Contents = append(m.Contents, p)
		}
	}
	return rows.Err()
}

// LastMessage returns the newest non-deleted message, or nil.
func (r *Repository) LastMessage(ctx context.Context, conversationID int64) (*Message, error) {
	msgs, err := r.ListMessages(ctx, conversationID, 1, 1)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// UpsertReadStatus records a status for (message, user). Read always wins;
// Delivered never downgrades an existing Read.
func (r *Repository) UpsertReadStatus(ctx context.Context, messageID, userID int64, status ReadStatus) error {
	q := `
		INSERT INTO message_read_status (message_id, user_id, status, status_changed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id) DO UPDATE
		SET status = excluded.status, status_changed_at = excluded.status_changed_at`
	if status == StatusDelivered {
		q = `
		INSERT INTO message_read_status (message_id, user_id, status, status_changed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id) DO NOTHING`
	}
	if _, err := r.db.ExecContext(ctx, q, messageID, userID, string(status), r.now()); err != nil {
		return fmt.Errorf("upserting read status: %w", err)
	}
	return nil
}

// MarkConversationRead marks every non-deleted message the user did not
// send, and has not read yet, as read. It returns the ids it changed.
func (r *Repository) MarkConversationRead(ctx context.Context, conversationID, userID int64) ([]int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning mark-read: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT m.id FROM messages m
		WHERE m.conversation_id = $1
		  AND m.is_deleted = FALSE
		  AND (m.sender_id IS NULL OR m.sender_id <> $2)
		  AND NOT EXISTS (
			SELECT 1 FROM message_read_status s
			WHERE s.message_id = m.id AND s.user_id = $2 AND s.status = 'read')
		ORDER BY m.id`, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("finding unread messages: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := r.now()
	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_read_status (message_id, user_id, status, status_changed_at)
			VALUES ($1, $2, 'read', $3)
			ON CONFLICT (message_id, user_id) DO UPDATE
			SET status = excluded.status, status_changed_at = excluded.status_changed_at`, id, userID, now)
		if err != nil {
			return nil, fmt.Errorf("marking message %d read: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing mark-read: %w", err)
	}
	return ids, nil
}

func (r *Repository) ReadStatuses(ctx context.Context, messageID int64) ([]MessageReadStatus, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_id, user_id, status, status_changed_at
		FROM message_read_status WHERE message_id = $1 ORDER BY user_id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("loading read statuses: %w", err)
	}
	defer rows.Close()

	var out []MessageReadStatus
	for rows.Next() {
		var s MessageReadStatus
		if err := rows.Scan(&s.ID, &s.MessageID, &s.UserID, &s.Status, &s.StatusChangedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UnreadCount derives the unread badge from read-status rows.
func (r *Repository) UnreadCount(ctx context.Context, conversationID, userID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = $1
		  AND m.is_deleted = FALSE
		  AND (m.sender_id IS NULL OR m.sender_id <> $2)
		  AND NOT EXISTS (
			SELECT 1 FROM message_read_status s
			WHERE s.message_id = m.id AND s.user_id = $2 AND s.status = 'read')`,
		conversationID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return n, nil
}

// GetOrCreateAssistantContext returns the conversation's assistant context,
// creating it with the given defaults on first use.
func (r *Repository) GetOrCreateAssistantContext(ctx context.Context, conversationID int64, systemPrompt string, maxContext int) (*AssistantContext, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO assistant_conversation_contexts (conversation_id, system_prompt, max_context_messages, last_interaction_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id) DO NOTHING`, conversationID, systemPrompt, maxContext, r.now())
	if err != nil {
		return nil, fmt.Errorf("creating assistant context: %w", err)
	}

	ac := &AssistantContext{}
	err = r.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, system_prompt, max_context_messages, last_interaction_at
		FROM assistant_conversation_contexts WHERE conversation_id = $1`, conversationID,
	).Scan(&ac.ID, &ac.ConversationID, &ac.SystemPrompt, &ac.MaxContextMessages, &ac.LastInteractionAt)
	if err != nil {
		return nil, fmt.Errorf("loading assistant context: %w", err)
	}
	return ac, nil
}

func (r *Repository) TouchAssistantContext(ctx context.Context, conversationID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE assistant_conversation_contexts SET last_interaction_at = $2
		WHERE conversation_id = $1`, conversationID, r.now())
	if err != nil {
		return fmt.Errorf("touching assistant context: %w", err)
	}
	return nil
}
