package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role values as issued by the identity service.
const (
	RoleDoctor  = "DOCTOR"
	RolePatient = "PATIENT"
	RoleAdmin   = "ADMIN"
)

// User is the identity record owned by the account service. The chat module
// only reads it to resolve roles and display summaries.
type User struct {
	ID             string    `gorm:"type:uuid;primary_key" json:"id"`
	Email          string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	PasswordHash   string    `gorm:"type:varchar(255)" json:"-"`
	FirstName      string    `gorm:"type:varchar(100);not null" json:"first_name"`
	LastName       string    `gorm:"type:varchar(100);not null" json:"last_name"`
	ProfilePicture *string   `gorm:"type:text" json:"profile_picture"`
	Role           string    `gorm:"type:varchar(20);not null;index" json:"role"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

func (User) TableName() string {
	return "users"
}

// Summary returns the public projection used to decorate chats and messages.
func (u *User) Summary() *UserSummary {
	return &UserSummary{
		ID:             u.ID,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		ProfilePicture: u.ProfilePicture,
		Role:           u.Role,
	}
}

// UserSummary is the display data attached to chat responses.
type UserSummary struct {
	ID             string  `json:"id"`
	FirstName      string  `json:"first_name"`
	LastName       string  `json:"last_name"`
	ProfilePicture *string `json:"profile_picture"`
	Role           string  `json:"role"`
}
