package database

import (
	"testing"

	"carechat/internal/config"
	"carechat/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteAndMigrate(t *testing.T) {
	db, err := Open(&config.Config{DBDriver: "sqlite", SQLitePath: "file::memory:"})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	for _, table := range []interface{}{&model.User{}, &model.Chat{}, &model.ChatParticipant{}, &model.Message{}} {
		assert.True(t, db.Migrator().HasTable(table))
	}
	assert.True(t, db.Migrator().HasIndex(&model.Chat{}, "PairKey"))
	assert.True(t, db.Migrator().HasIndex(&model.ChatParticipant{}, "idx_chat_participant"))
	assert.True(t, db.Migrator().HasIndex(&model.Message{}, "idx_messages_chat_created"))
}
