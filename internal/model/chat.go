package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ChatStatus string

const (
	ChatStatusActive ChatStatus = "ACTIVE"
)

type MessageType string

const (
	MessageTypeText   MessageType = "TEXT"
	MessageTypeImage  MessageType = "IMAGE"
	MessageTypeFile   MessageType = "FILE"
	MessageTypeSystem MessageType = "SYSTEM"
)

// IsAttachment reports whether the type carries a file reference.
func (t MessageType) IsAttachment() bool {
	return t == MessageTypeImage || t == MessageTypeFile
}

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem:
		return true
	}
	return false
}

// DeletedMessageContent replaces the content of a deleted message.
const DeletedMessageContent = "This message was deleted"

// Chat is a two-party conversation between a doctor and a patient.
type Chat struct {
	ID            string     `gorm:"type:uuid;primary_key" json:"id"`
	PairKey       string     `gorm:"type:varchar(80);uniqueIndex;not null" json:"-"`
	Status        ChatStatus `gorm:"type:varchar(20);not null;default:ACTIVE" json:"status"`
	LastMessageAt *time.Time `gorm:"index" json:"last_message_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	// Relationships
	Participants []ChatParticipant `gorm:"foreignKey:ChatID;references:ID;constraint:OnDelete:CASCADE" json:"participants,omitempty"`
	Messages     []Message         `gorm:"foreignKey:ChatID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
}

func (c *Chat) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

func (Chat) TableName() string {
	return "chats"
}

// ChatPairKey is the uniqueness key of the (doctor, patient) pair.
func ChatPairKey(doctorID, patientID string) string {
	return doctorID + ":" + patientID
}

// ChatParticipant holds a user's membership and read state in one chat.
type ChatParticipant struct {
	ID          string     `gorm:"type:uuid;primary_key" json:"id"`
	ChatID      string     `gorm:"type:uuid;not null;uniqueIndex:idx_chat_participant" json:"chat_id"`
	UserID      string     `gorm:"type:uuid;not null;uniqueIndex:idx_chat_participant;index" json:"user_id"`
	UnreadCount int        `gorm:"not null;default:0" json:"unread_count"`
	LastReadAt  *time.Time `json:"last_read_at"`
	JoinedAt    time.Time  `gorm:"autoCreateTime" json:"joined_at"`
}

func (p *ChatParticipant) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

func (ChatParticipant) TableName() string {
	return "chat_participants"
}

// Message is one entry of a chat log. Rows are never removed; deletion
// rewrites the content to DeletedMessageContent.
type Message struct {
	ID          string       `gorm:"type:uuid;primary_key" json:"id"`
	ChatID      string       `gorm:"type:uuid;not null;index:idx_messages_chat_created,priority:1" json:"chat_id"`
	SenderID    string       `gorm:"type:uuid;not null;index" json:"sender_id"`
	Content     string       `gorm:"type:text;not null" json:"content"`
	MessageType MessageType  `gorm:"type:varchar(20);not null;default:TEXT" json:"message_type"`
	FileURL     *string      `gorm:"type:text" json:"file_url"`
	IsEdited    bool         `gorm:"not null;default:false" json:"is_edited"`
	CreatedAt   time.Time    `gorm:"not null;index:idx_messages_chat_created,priority:2" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
	Sender      *UserSummary `gorm:"-" json:"sender,omitempty"`
}

// BeforeCreate assigns a time-ordered id so that id order follows
// insertion order for messages sharing a timestamp.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		m.ID = id.String()
	}
	return nil
}

func (Message) TableName() string {
	return "messages"
}

// IsTombstone reports whether the message was deleted.
func (m *Message) IsTombstone() bool {
	return m.MessageType == MessageTypeSystem && m.Content == DeletedMessageContent
}

// ChatSummary is a chat annotated for one viewer.
type ChatSummary struct {
	Chat
	Doctor      *UserSummary `json:"doctor"`
	Patient     *UserSummary `json:"patient"`
	OtherUser   *UserSummary `json:"other_user"`
	LastMessage *Message     `json:"last_message"`
	UnreadCount int          `json:"unread_count"`
}

// ReadState is the outcome of a mark-read action.
type ReadState struct {
	ChatID      string     `json:"chat_id"`
	UserID      string     `json:"user_id"`
	UnreadCount int        `json:"unread_count"`
	LastReadAt  *time.Time `json:"last_read_at"`
}
