package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carechat/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository is the conversation store: chats, their two participant
// rows and the message log.
type ChatRepository interface {
	FindByPairKey(ctx context.Context, pairKey string) (*model.Chat, error)
	FindByID(ctx context.Context, id string) (*model.Chat, error)
	CreateWithParticipants(ctx context.Context, chat *model.Chat, userIDs ...string) error
	ListByUser(ctx context.Context, userID string) ([]model.Chat, error)
	FindParticipant(ctx context.Context, chatID, userID string) (*model.ChatParticipant, error)
	LastMessages(ctx context.Context, chatIDs []string) (map[string]*model.Message, error)
	ListMessages(ctx context.Context, chatID string, limit, offset int) ([]*model.Message, error)
	AppendMessage(ctx context.Context, msg *model.Message) error
	MarkRead(ctx context.Context, chatID, userID string, at time.Time) (*model.ChatParticipant, error)
	FindMessageByID(ctx context.Context, id string) (*model.Message, error)
	UpdateOwnMessage(ctx context.Context, id, senderID string, createdSince time.Time, fields map[string]interface{}) (*model.Message, error)
}

type chatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) FindByPairKey(ctx context.Context, pairKey string) (*model.Chat, error) {
	var chat model.Chat
	err := r.db.WithContext(ctx).
		Preload("Participants").
		Where("pair_key = ?", pairKey).
		First(&chat).Error
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (r *chatRepository) FindByID(ctx context.Context, id string) (*model.Chat, error) {
	var chat model.Chat
	err := r.db.WithContext(ctx).
		Preload("Participants").
		Where("id = ?", id).
		First(&chat).Error
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// CreateWithParticipants inserts the chat and one participant row per user
// in a single transaction. A clash on the pair key yields ErrDuplicate.
func (r *chatRepository) CreateWithParticipants(ctx context.Context, chat *model.Chat, userIDs ...string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(chat).Error; err != nil {
			return err
		}
		participants := make([]model.ChatParticipant, 0, len(userIDs))
		for _, userID := range userIDs {
			participants = append(participants, model.ChatParticipant{
				ChatID: chat.ID,
				UserID: userID,
			})
		}
		if err := tx.Create(&participants).Error; err != nil {
			return err
		}
		chat.Participants = participants
		return nil
	})
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// ListByUser returns the user's chats, most recently active first. Chats
// without messages sort last.
func (r *chatRepository) ListByUser(ctx context.Context, userID string) ([]model.Chat, error) {
	var chats []model.Chat
	err := r.db.WithContext(ctx).
		Preload("Participants").
		Joins("JOIN chat_participants cp ON cp.chat_id = chats.id AND cp.user_id = ?", userID).
		Order("CASE WHEN chats.last_message_at IS NULL THEN 1 ELSE 0 END").
		Order("chats.last_message_at DESC").
		Order("chats.created_at DESC").
		Find(&chats).Error
	if err != nil {
		return nil, err
	}
	return chats, nil
}

func (r *chatRepository) FindParticipant(ctx context.Context, chatID, userID string) (*model.ChatParticipant, error) {
	var participant model.ChatParticipant
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		First(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, err
	}
	return &participant, nil
}

// LastMessages returns the newest message of each chat keyed by chat id.
// Chats without messages are absent from the map.
func (r *chatRepository) LastMessages(ctx context.Context, chatIDs []string) (map[string]*model.Message, error) {
	result := make(map[string]*model.Message, len(chatIDs))
	if len(chatIDs) == 0 {
		return result, nil
	}

	db := r.db.WithContext(ctx)
	latest := db.Model(&model.Message{}).
		Select("chat_id, MAX(created_at) AS max_created_at").
		Where("chat_id IN ?", chatIDs).
		Group("chat_id")

	var messages []*model.Message
	err := db.
		Joins("JOIN (?) latest ON latest.chat_id = messages.chat_id AND latest.max_created_at = messages.created_at", latest).
		Order("messages.id DESC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	for _, msg := range messages {
		if _, seen := result[msg.ChatID]; !seen {
			result[msg.ChatID] = msg
		}
	}
	return result, nil
}

// ListMessages returns one page counted from the newest message, in
// chronological order.
func (r *chatRepository) ListMessages(ctx context.Context, chatID string, limit, offset int) ([]*model.Message, error) {
	var messages []*model.Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// AppendMessage stores msg, advances the chat's last_message_at and bumps
// the unread counter of every other participant, all in one transaction.
// The chat row is locked for the duration so sends to one chat serialize,
// and msg.CreatedAt is moved forward when needed to stay strictly after the
// previous message.
func (r *chatRepository) AppendMessage(ctx context.Context, msg *model.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat model.Chat
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", msg.ChatID).
			First(&chat).Error; err != nil {
			return err
		}

		var members int64
		if err := tx.Model(&model.ChatParticipant{}).
			Where("chat_id = ? AND user_id = ?", msg.ChatID, msg.SenderID).
			Count(&members).Error; err != nil {
			return err
		}
		if members == 0 {
			return ErrNotParticipant
		}

		createdAt := msg.CreatedAt.UTC().Truncate(time.Microsecond)
		if createdAt.IsZero() {
			createdAt = time.Now().UTC().Truncate(time.Microsecond)
		}
		if chat.LastMessageAt != nil && !createdAt.After(*chat.LastMessageAt) {
			createdAt = chat.LastMessageAt.UTC().Add(time.Microsecond)
		}
		msg.CreatedAt = createdAt

		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if err := tx.Model(&model.Chat{}).
			Where("id = ?", chat.ID).
			Updates(map[string]interface{}{
				"last_message_at": createdAt,
				"updated_at":      createdAt,
			}).Error; err != nil {
			return fmt.Errorf("update chat: %w", err)
		}

		if err := tx.Model(&model.ChatParticipant{}).
			Where("chat_id = ? AND user_id <> ?", chat.ID, msg.SenderID).
			UpdateColumn("unread_count", gorm.Expr("unread_count + ?", 1)).Error; err != nil {
			return fmt.Errorf("increment unread: %w", err)
		}
		return nil
	})
}

func (r *chatRepository) MarkRead(ctx context.Context, chatID, userID string, at time.Time) (*model.ChatParticipant, error) {
	var participant model.ChatParticipant
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ChatParticipant{}).
			Where("chat_id = ? AND user_id = ?", chatID, userID).
			UpdateColumns(map[string]interface{}{
				"unread_count": 0,
				"last_read_at": at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotParticipant
		}
		return tx.Where("chat_id = ? AND user_id = ?", chatID, userID).First(&participant).Error
	})
	if err != nil {
		return nil, err
	}
	return &participant, nil
}

func (r *chatRepository) FindMessageByID(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateOwnMessage applies fields to a message only while it still belongs
// to senderID and was created at or after createdSince. A miss on those
// conditions returns ErrStaleMessage.
func (r *chatRepository) UpdateOwnMessage(ctx context.Context, id, senderID string, createdSince time.Time, fields map[string]interface{}) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Message{}).
			Where("id = ? AND sender_id = ? AND created_at >= ?", id, senderID, createdSince.UTC()).
			Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleMessage
		}
		return tx.Where("id = ?", id).First(&msg).Error
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
