package repository

import (
	"context"
	"testing"

	"carechat/internal/database"
	"carechat/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func seedUser(t *testing.T, db *gorm.DB, role, firstName string) *model.User {
	t.Helper()

	user := &model.User{
		Email:     uuid.NewString() + "@example.com",
		FirstName: firstName,
		LastName:  "Test",
		Role:      role,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func seedChat(t *testing.T, repo ChatRepository, doctorID, patientID string) *model.Chat {
	t.Helper()

	chat := &model.Chat{
		PairKey: model.ChatPairKey(doctorID, patientID),
		Status:  model.ChatStatusActive,
	}
	require.NoError(t, repo.CreateWithParticipants(context.Background(), chat, doctorID, patientID))
	return chat
}
