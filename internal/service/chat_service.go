package service

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"carechat/internal/model"
	"carechat/internal/repository"

	"gorm.io/gorm"
)

const (
	// MessageEditWindow bounds how long after sending a message its author
	// may still edit or delete it. The bound is inclusive.
	MessageEditWindow = 5 * time.Minute

	DefaultPageSize = 50
	MaxPageSize     = 100

	// MaxContentLength caps message content in characters.
	MaxContentLength = 10000

	createChatAttempts = 3
)

// SendMessageInput carries a send request from either transport.
type SendMessageInput struct {
	ChatID      string
	SenderID    string
	Content     string
	MessageType model.MessageType
	FileURL     *string
}

type ChatService interface {
	CreateOrGetChat(ctx context.Context, userID, otherUserID string) (*model.ChatSummary, bool, error)
	ListChats(ctx context.Context, userID string) ([]*model.ChatSummary, error)
	GetChat(ctx context.Context, chatID, userID string) (*model.ChatSummary, error)
	Authorize(ctx context.Context, chatID, userID string) error
	ListMessages(ctx context.Context, chatID, userID string, page, pageSize int) ([]*model.Message, error)
	SendMessage(ctx context.Context, in SendMessageInput) (*model.Message, error)
	MarkRead(ctx context.Context, chatID, userID string) (*model.ReadState, error)
	EditMessage(ctx context.Context, messageID, userID, content string) (*model.Message, error)
	DeleteMessage(ctx context.Context, messageID, userID string) (*model.Message, error)
}

type chatService struct {
	chatRepo repository.ChatRepository
	users    UserDirectory
	now      func() time.Time
}

func NewChatService(chatRepo repository.ChatRepository, users UserDirectory) ChatService {
	return NewChatServiceWithClock(chatRepo, users, time.Now)
}

// NewChatServiceWithClock is NewChatService with an explicit time source.
func NewChatServiceWithClock(chatRepo repository.ChatRepository, users UserDirectory, now func() time.Time) ChatService {
	return &chatService{
		chatRepo: chatRepo,
		users:    users,
		now:      now,
	}
}

func (s *chatService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// CreateOrGetChat returns the chat between a doctor and a patient, creating
// it on first use. The boolean reports whether the chat was created by this
// call. other_user in the result is relative to userID.
func (s *chatService) CreateOrGetChat(ctx context.Context, userID, otherUserID string) (*model.ChatSummary, bool, error) {
	userID = strings.TrimSpace(userID)
	otherUserID = strings.TrimSpace(otherUserID)
	if userID == "" || otherUserID == "" {
		return nil, false, newError(KindInvalidArgument, "participant id is required")
	}
	if userID == otherUserID {
		return nil, false, newError(KindDomainViolation, "cannot create a chat with yourself")
	}

	roleA, err := s.users.RoleOf(ctx, userID)
	if err != nil {
		return nil, false, missingUser(err)
	}
	roleB, err := s.users.RoleOf(ctx, otherUserID)
	if err != nil {
		return nil, false, missingUser(err)
	}

	var doctorID, patientID string
	switch {
	case roleA == model.RoleDoctor && roleB == model.RolePatient:
		doctorID, patientID = userID, otherUserID
	case roleA == model.RolePatient && roleB == model.RoleDoctor:
		doctorID, patientID = otherUserID, userID
	default:
		return nil, false, newError(KindDomainViolation, "chat must be between a doctor and a patient")
	}

	pairKey := model.ChatPairKey(doctorID, patientID)
	for attempt := 1; attempt <= createChatAttempts; attempt++ {
		existing, err := s.chatRepo.FindByPairKey(ctx, pairKey)
		if err == nil {
			summary, err := s.summarize(ctx, existing, userID)
			return summary, false, err
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, internalError("failed to look up chat", err)
		}

		chat := &model.Chat{
			PairKey: pairKey,
			Status:  model.ChatStatusActive,
		}
		err = s.chatRepo.CreateWithParticipants(ctx, chat, doctorID, patientID)
		if err == nil {
			log.Printf("Chat created: %s (doctor=%s patient=%s)", chat.ID, doctorID, patientID)
			summary, err := s.summarize(ctx, chat, userID)
			return summary, true, err
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, false, internalError("failed to create chat", err)
		}
		// Lost the race to a concurrent create; the next lookup finds it.
	}

	return nil, false, newError(KindConflict, "chat creation conflicted, please retry")
}

func (s *chatService) ListChats(ctx context.Context, userID string) ([]*model.ChatSummary, error) {
	exists, err := s.users.Exists(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, newError(KindNotFound, "user not found")
	}

	chats, err := s.chatRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, internalError("failed to list chats", err)
	}
	if len(chats) == 0 {
		return []*model.ChatSummary{}, nil
	}

	chatIDs := make([]string, len(chats))
	for i := range chats {
		chatIDs[i] = chats[i].ID
	}
	lastMessages, err := s.chatRepo.LastMessages(ctx, chatIDs)
	if err != nil {
		return nil, internalError("failed to load last messages", err)
	}

	summaries, err := s.users.SummariesOf(ctx, participantUserIDs(chats))
	if err != nil {
		return nil, err
	}

	result := make([]*model.ChatSummary, 0, len(chats))
	for i := range chats {
		result = append(result, annotate(&chats[i], userID, lastMessages[chats[i].ID], summaries))
	}
	return result, nil
}

func (s *chatService) GetChat(ctx context.Context, chatID, userID string) (*model.ChatSummary, error) {
	if _, err := s.authorize(ctx, chatID, userID); err != nil {
		return nil, err
	}
	chat, err := s.chatRepo.FindByID(ctx, chatID)
	if err != nil {
		return nil, internalError("failed to load chat", err)
	}
	return s.summarize(ctx, chat, userID)
}

// Authorize fails with Forbidden unless userID participates in chatID.
func (s *chatService) Authorize(ctx context.Context, chatID, userID string) error {
	_, err := s.authorize(ctx, chatID, userID)
	return err
}

func (s *chatService) authorize(ctx context.Context, chatID, userID string) (*model.ChatParticipant, error) {
	if !validID(chatID) || !validID(userID) {
		return nil, newError(KindForbidden, msgNotParticipant)
	}
	participant, err := s.chatRepo.FindParticipant(ctx, chatID, userID)
	if errors.Is(err, repository.ErrNotParticipant) {
		return nil, newError(KindForbidden, msgNotParticipant)
	}
	if err != nil {
		return nil, internalError("failed to check chat membership", err)
	}
	return participant, nil
}

// ListMessages returns one page of history in chronological order. Page 1
// holds the most recent messages.
func (s *chatService) ListMessages(ctx context.Context, chatID, userID string, page, pageSize int) ([]*model.Message, error) {
	if page < 1 {
		return nil, newError(KindInvalidArgument, "page must be a positive integer")
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, newError(KindInvalidArgument, "limit must be between 1 and 100")
	}
	if _, err := s.authorize(ctx, chatID, userID); err != nil {
		return nil, err
	}

	messages, err := s.chatRepo.ListMessages(ctx, chatID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, internalError("failed to list messages", err)
	}
	if err := s.attachSenders(ctx, messages...); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *chatService) SendMessage(ctx context.Context, in SendMessageInput) (*model.Message, error) {
	msgType := in.MessageType
	if msgType == "" {
		msgType = model.MessageTypeText
	}
	if !msgType.Valid() {
		return nil, newError(KindInvalidArgument, "unknown message type")
	}
	if msgType == model.MessageTypeSystem {
		return nil, newError(KindInvalidArgument, "system messages cannot be sent")
	}

	content := strings.TrimSpace(in.Content)
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, newError(KindInvalidArgument, msgContentTooLong)
	}
	var fileURL *string
	if in.FileURL != nil {
		if u := strings.TrimSpace(*in.FileURL); u != "" {
			fileURL = &u
		}
	}

	if msgType.IsAttachment() {
		if fileURL == nil {
			return nil, newError(KindInvalidArgument, "file_url is required for attachment messages")
		}
	} else {
		if content == "" {
			return nil, newError(KindInvalidArgument, "message content cannot be empty")
		}
		if fileURL != nil {
			return nil, newError(KindInvalidArgument, "file_url is only allowed for attachment messages")
		}
	}

	if _, err := s.authorize(ctx, in.ChatID, in.SenderID); err != nil {
		return nil, err
	}

	msg := &model.Message{
		ChatID:      in.ChatID,
		SenderID:    in.SenderID,
		Content:     content,
		MessageType: msgType,
		FileURL:     fileURL,
		CreatedAt:   s.clock(),
	}
	if err := s.chatRepo.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrNotParticipant) {
			return nil, newError(KindForbidden, msgNotParticipant)
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, "chat not found")
		}
		return nil, internalError("failed to send message", err)
	}

	// The message is committed at this point; a failed lookup only costs
	// the decoration.
	if err := s.attachSenders(ctx, msg); err != nil {
		log.Printf("Warning: message %s sent without sender summary: %v", msg.ID, err)
	}
	return msg, nil
}

func (s *chatService) MarkRead(ctx context.Context, chatID, userID string) (*model.ReadState, error) {
	if !validID(chatID) || !validID(userID) {
		return nil, newError(KindForbidden, msgNotParticipant)
	}
	participant, err := s.chatRepo.MarkRead(ctx, chatID, userID, s.clock())
	if errors.Is(err, repository.ErrNotParticipant) {
		return nil, newError(KindForbidden, msgNotParticipant)
	}
	if err != nil {
		return nil, internalError("failed to mark messages as read", err)
	}
	return &model.ReadState{
		ChatID:      participant.ChatID,
		UserID:      participant.UserID,
		UnreadCount: participant.UnreadCount,
		LastReadAt:  participant.LastReadAt,
	}, nil
}

func (s *chatService) EditMessage(ctx context.Context, messageID, userID, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, newError(KindInvalidArgument, "message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, newError(KindInvalidArgument, msgContentTooLong)
	}

	msg, now, err := s.loadOwnMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.IsTombstone() {
		return nil, newError(KindPreconditionFailed, "deleted messages cannot be edited")
	}

	return s.updateOwnMessage(ctx, msg, now, map[string]interface{}{
		"content":   content,
		"is_edited": true,
	})
}

// DeleteMessage tombstones a message in place. The row keeps its position;
// the content becomes model.DeletedMessageContent and the type SYSTEM.
func (s *chatService) DeleteMessage(ctx context.Context, messageID, userID string) (*model.Message, error) {
	msg, now, err := s.loadOwnMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	return s.updateOwnMessage(ctx, msg, now, map[string]interface{}{
		"content":      model.DeletedMessageContent,
		"message_type": model.MessageTypeSystem,
		"file_url":     nil,
	})
}

// loadOwnMessage enforces the author and time-window rules shared by edit
// and delete.
func (s *chatService) loadOwnMessage(ctx context.Context, messageID, userID string) (*model.Message, time.Time, error) {
	if !validID(messageID) {
		return nil, time.Time{}, newError(KindNotFound, "message not found")
	}
	msg, err := s.chatRepo.FindMessageByID(ctx, messageID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, time.Time{}, newError(KindNotFound, "message not found")
	}
	if err != nil {
		return nil, time.Time{}, internalError("failed to load message", err)
	}
	if msg.SenderID != userID {
		return nil, time.Time{}, newError(KindForbidden, msgNotAuthor)
	}

	now := s.clock()
	if now.Sub(msg.CreatedAt) > MessageEditWindow {
		return nil, time.Time{}, newError(KindPreconditionFailed, msgWindowElapsed)
	}
	return msg, now, nil
}

func (s *chatService) updateOwnMessage(ctx context.Context, msg *model.Message, now time.Time, fields map[string]interface{}) (*model.Message, error) {
	updated, err := s.chatRepo.UpdateOwnMessage(ctx, msg.ID, msg.SenderID, now.Add(-MessageEditWindow), fields)
	if errors.Is(err, repository.ErrStaleMessage) {
		return nil, newError(KindPreconditionFailed, msgWindowElapsed)
	}
	if err != nil {
		return nil, internalError("failed to update message", err)
	}
	if err := s.attachSenders(ctx, updated); err != nil {
		log.Printf("Warning: message %s updated without sender summary: %v", updated.ID, err)
	}
	return updated, nil
}

func (s *chatService) summarize(ctx context.Context, chat *model.Chat, viewerID string) (*model.ChatSummary, error) {
	last, err := s.chatRepo.LastMessages(ctx, []string{chat.ID})
	if err != nil {
		return nil, internalError("failed to load last message", err)
	}
	summaries, err := s.users.SummariesOf(ctx, participantUserIDs([]model.Chat{*chat}))
	if err != nil {
		return nil, err
	}
	return annotate(chat, viewerID, last[chat.ID], summaries), nil
}

func (s *chatService) attachSenders(ctx context.Context, messages ...*model.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.SenderID)
	}
	summaries, err := s.users.SummariesOf(ctx, ids)
	if err != nil {
		return err
	}
	for _, m := range messages {
		m.Sender = summaries[m.SenderID]
	}
	return nil
}

func annotate(chat *model.Chat, viewerID string, last *model.Message, users map[string]*model.UserSummary) *model.ChatSummary {
	summary := &model.ChatSummary{
		Chat:        *chat,
		LastMessage: last,
	}
	for _, p := range chat.Participants {
		user := users[p.UserID]
		if p.UserID == viewerID {
			summary.UnreadCount = p.UnreadCount
		} else {
			summary.OtherUser = user
		}
		if user == nil {
			continue
		}
		switch user.Role {
		case model.RoleDoctor:
			summary.Doctor = user
		case model.RolePatient:
			summary.Patient = user
		}
	}
	if last != nil {
		last.Sender = users[last.SenderID]
	}
	return summary
}

func participantUserIDs(chats []model.Chat) []string {
	ids := make([]string, 0, len(chats)*2)
	for _, chat := range chats {
		for _, p := range chat.Participants {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

func missingUser(err error) error {
	if errors.Is(err, ErrNotFound) {
		return newError(KindNotFound, "both users must exist")
	}
	return err
}
