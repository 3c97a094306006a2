package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chatsync/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, conversation_id, sender_id, recipient_id, text, image_ref, seen, deleted, created_at`

// MessageRepository defines interactions for direct messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, senderID, recipientID string, content models.Content) (models.Message, error)
	ListConversation(ctx context.Context, userID, peerID string) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	MarkSeen(ctx context.Context, messageID, recipientID string) error
	MarkConversationSeen(ctx context.Context, recipientID, senderID string) (int64, error)
	UnseenCounts(ctx context.Context, recipientID string) (map[string]int, error)
	SoftDelete(ctx context.Context, messageID, senderID string) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage stores a message. The returned row is durable once this returns.
func (r *MessageRepo) CreateMessage(ctx context.Context, senderID, recipientID string, content models.Content) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (id, conversation_id, sender_id, recipient_id, text, image_ref)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+messageColumns,
		uuid.NewString(), models.ConversationID(senderID, recipientID), senderID, recipientID, content.Text, content.ImageRef).
		StructScan(&msg)
	return msg, err
}

// ListConversation returns both directions of the conversation in chronological order.
func (r *MessageRepo) ListConversation(ctx context.Context, userID, peerID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1
        ORDER BY created_at ASC, id ASC`, models.ConversationID(userID, peerID))
	return msgs, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// MarkSeen flips seen for a message addressed to recipientID. Marking an already seen
// message succeeds: postgres reports matched rows, not changed ones, so a repeat still
// counts one row. Keep the seen filter out of the WHERE clause.
func (r *MessageRepo) MarkSeen(ctx context.Context, messageID, recipientID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET seen = TRUE WHERE id=$1 AND recipient_id=$2`, messageID, recipientID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MarkConversationSeen marks every message from senderID to recipientID as seen.
func (r *MessageRepo) MarkConversationSeen(ctx context.Context, recipientID, senderID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET seen = TRUE WHERE recipient_id=$1 AND sender_id=$2 AND seen = FALSE`, recipientID, senderID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnseenCounts returns the number of unseen messages per sender for recipientID.
func (r *MessageRepo) UnseenCounts(ctx context.Context, recipientID string) (map[string]int, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT sender_id, COUNT(*) FROM messages
        WHERE recipient_id=$1 AND seen = FALSE AND deleted = FALSE
        GROUP BY sender_id`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var sender string
		var n int
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, err
		}
		counts[sender] = n
	}
	return counts, rows.Err()
}

// SoftDelete clears the content of a message sent by senderID and flags it deleted.
// The row keeps its position in the conversation.
func (r *MessageRepo) SoftDelete(ctx context.Context, messageID, senderID string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `UPDATE messages SET deleted = TRUE, text = '', image_ref = ''
        WHERE id=$1 AND sender_id=$2 RETURNING `+messageColumns, messageID, senderID).StructScan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}
