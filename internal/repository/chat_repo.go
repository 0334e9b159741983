package repository

import (
	"context"
	"fmt"

	"tracker-realtime/internal/models"

	"gorm.io/gorm"
)

// ChatRepositoryImpl persists conversations and chat messages.
type ChatRepositoryImpl struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) *ChatRepositoryImpl {
	return &ChatRepositoryImpl{db: db}
}

// CreateMessage stores a message and returns it with its generated id and timestamp.
func (r *ChatRepositoryImpl) CreateMessage(ctx context.Context, data *models.ChatMessageCreate) (*models.ChatMessage, error) {
	msgType := data.MessageType
	if msgType == "" {
		msgType = models.MessageTypeText
	}

	msg := &models.ChatMessage{
		ConversationID: data.ConversationID,
		SenderID:       data.SenderID,
		SenderName:     data.SenderName,
		Content:        data.Content,
		MessageType:    msgType,
		Metadata:       data.Metadata,
	}

	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	return msg, nil
}

// GetUserConversations returns every conversation userID participates in,
// with the full participant list preloaded.
func (r *ChatRepositoryImpl) GetUserConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	var conversations []*models.Conversation

	sub := r.db.Model(&models.ConversationParticipant{}).
		Select("conversation_id").
		Where("user_id = ?", userID)

	err := r.db.WithContext(ctx).
		Preload("Participants").
		Where("id IN (?)", sub).
		Order("created_at ASC").
		Find(&conversations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get conversations for user %s: %w", userID, err)
	}

	return conversations, nil
}

// CreateConversation creates a conversation with its participant rows.
func (r *ChatRepositoryImpl) CreateConversation(ctx context.Context, title string, participantIDs []string) (*models.Conversation, error) {
	conv := &models.Conversation{Title: title}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		for _, userID := range participantIDs {
			p := models.ConversationParticipant{ConversationID: conv.ID, UserID: userID}
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
			conv.Participants = append(conv.Participants, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return conv, nil
}

// ListMessages returns up to limit most recent messages of a conversation,
// oldest first.
func (r *ChatRepositoryImpl) ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	var messages []*models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}
