package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"carechat/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateWithParticipantsRejectsDuplicatePair(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	doctor := seedUser(t, db, model.RoleDoctor, "Ada")
	patient := seedUser(t, db, model.RolePatient, "Bo")

	chat := seedChat(t, repo, doctor.ID, patient.ID)
	assert.Len(t, chat.Participants, 2)

	dup := &model.Chat{PairKey: model.ChatPairKey(doctor.ID, patient.ID), Status: model.ChatStatusActive}
	err := repo.CreateWithParticipants(ctx, dup, doctor.ID, patient.ID)
	assert.ErrorIs(t, err, ErrDuplicate)

	var count int64
	require.NoError(t, db.Model(&model.ChatParticipant{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	found, err := repo.FindByPairKey(ctx, model.ChatPairKey(doctor.ID, patient.ID))
	require.NoError(t, err)
	assert.Equal(t, chat.ID, found.ID)
	assert.Len(t, found.Participants, 2)
}

func TestAppendMessageUpdatesCountersAtomically(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	doctor := seedUser(t, db, model.RoleDoctor, "Ada")
	patient := seedUser(t, db, model.RolePatient, "Bo")
	chat := seedChat(t, repo, doctor.ID, patient.ID)

	msg := &model.Message{ChatID: chat.ID, SenderID: doctor.ID, Content: "Hello", MessageType: model.MessageTypeText}
	require.NoError(t, repo.AppendMessage(ctx, msg))
	require.NotEmpty(t, msg.ID)

	doctorPart, err := repo.FindParticipant(ctx, chat.ID, doctor.ID)
	require.NoError(t, err)
	patientPart, err := repo.FindParticipant(ctx, chat.ID, patient.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, doctorPart.UnreadCount)
	assert.Equal(t, 1, patientPart.UnreadCount)

	reloaded, err := repo.FindByID(ctx, chat.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastMessageAt)
	assert.True(t, reloaded.LastMessageAt.Equal(msg.CreatedAt))
}

func TestAppendMessageRejectsOutsider(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	doctor := seedUser(t, db, model.RoleDoctor, "Ada")
	patient := seedUser(t, db, model.RolePatient, "Bo")
	outsider := seedUser(t, db, model.RolePatient, "Cy")
	chat := seedChat(t, repo, doctor.ID, patient.ID)

	err := repo.AppendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: outsider.ID, Content: "hi"})
	assert.True(t, errors.Is(err, ErrNotParticipant))

	var count int64
	require.NoError(t, db.Model(&model.Message{}).Count(&count).Error)
	assert.Zero(t, count)

	reloaded, err := repo.FindByID(ctx, chat.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.LastMessageAt)
}

func TestAppendMessageKeepsCreatedAtStrictlyIncreasing(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	doctor := seedUser(t, db, model.RoleDoctor, "Ada")
	patient := seedUser(t, db, model.RolePatient, "Bo")
	chat := seedChat(t, repo, doctor.ID, patient.ID)

	// Same requested instant for every send, as from a stalled clock.
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var prev time.Time
	for i := 0; i < 5; i++ {
		msg := &model.Message{ChatID: chat.ID, SenderID: doctor.ID, Content: "m", CreatedAt: at}
		require.NoError(t, repo.AppendMessage(ctx, msg))
		if i > 0 {
			assert.True(t, msg.CreatedAt.After(prev), "message %d not after previous", i)
		}
		prev = msg.CreatedAt
	}

	patientPart, err := repo.FindParticipant(ctx, chat.ID, patient.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, patientPart.UnreadCount)
}

func TestListMessagesPagesFromNewestInChronologicalOrder(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	doctor := seedUser(t, db, model.RoleDoctor, "Ada")
	patient := seedUser(t, db, model.RolePatient, "Bo")
	chat := seedChat(t, repo, doctor.ID, patient.ID)

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 7; i++ {
		msg := &model.Message{ChatID: chat.ID, SenderID: doctor.ID, Content: "m", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, repo.AppendMessage(ctx, msg))
		ids = append(ids, msg.ID)
	}

	page1, err := repo.ListMessages(ctx, chat.ID, 3, 0)
	require.NoError(t, err)
	page2, err := repo.ListMessages(ctx, chat.ID, 3, 3)
	require.NoError(t, err)
	page3, err := repo.ListMessages(ctx, chat.ID, 3, 6)
	require.NoError(t, err)

	assert.Equal(t, ids[4:7], messageIDs(page1))
	assert.Equal(t, ids[1:4], messageIDs(page2))
	assert.Equal(t, ids[0:1], messageIDs(page3))
}

func TestListByUserOrdersByActivityWithEmptyChatsLast(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	doctor := seedUser(t, db, model.RoleDoctor, "Ada")
	p1 := seedUser(t, db, model.RolePatient, "P1")
	p2 := seedUser(t, db, model.RolePatient, "P2")
	p3 := seedUser(t, db, model.RolePatient, "P3")

	empty := seedChat(t, repo, doctor.ID, p1.ID)
	older := seedChat(t, repo, doctor.ID, p2.ID)
	newer := seedChat(t, repo, doctor.ID, p3.ID)

	now := time.Now().UTC()
	require.NoError(t, repo.AppendMessage(ctx, &model.Message{ChatID: older.ID, SenderID: p2.ID, Content: "a", CreatedAt: now.Add(-time.Minute)}))
	require.NoError(t, repo.AppendMessage(ctx, &model.Message{ChatID: newer.ID, SenderID: doctor.ID, Content: "b", CreatedAt: now}))

	chats, err := repo.ListByUser(ctx, doctor.ID)
	require.NoError(t, err)
	require.Len(t, chats, 3)
	assert.Equal(t, newer.ID, chats[0].ID)
	assert.Equal(t, older.ID, chats[1].ID)
	assert.Equal(t, empty.ID, chats[2].ID)
	assert.Len(t, chats[0].Participants, 2)

	patientChats, err := repo.ListByUser(ctx, p1.ID)
	require.NoError(t, err)
	require.Len(t, patientChats, 1)
	assert.Equal(t, empty.ID, patientChats[0].ID)

	last, err := repo.LastMessages(ctx, []string{empty.ID, older.ID, newer.ID})
	require.NoError(t, err)
	assert.NotContains(t, last, empty.ID)
	assert.Equal(t, "a", last[older.ID].Content)
	assert.Equal(t, "b", last[newer.ID].Content)
}

func TestMarkReadResetsOnlyOwnCounter(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	doctor := seedUser(t, db, model.RoleDoctor, "Ada")
	patient := seedUser(t, db, model.RolePatient, "Bo")
	chat := seedChat(t, repo, doctor.ID, patient.ID)

	require.NoError(t, repo.AppendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: doctor.ID, Content: "1"}))
	require.NoError(t, repo.AppendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: patient.ID, Content: "2"}))

	at := time.Now().UTC().Truncate(time.Microsecond)
	state, err := repo.MarkRead(ctx, chat.ID, patient.ID, at)
	require.NoError(t, err)
	assert.Equal(t, 0, state.UnreadCount)
	require.NotNil(t, state.LastReadAt)
	assert.True(t, state.LastReadAt.Equal(at))

	// idempotent
	_, err = repo.MarkRead(ctx, chat.ID, patient.ID, at)
	require.NoError(t, err)

	doctorPart, err := repo.FindParticipant(ctx, chat.ID, doctor.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, doctorPart.UnreadCount)

	_, err = repo.MarkRead(ctx, chat.ID, "00000000-0000-0000-0000-000000000000", at)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestUpdateOwnMessageGuards(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	doctor := seedUser(t, db, model.RoleDoctor, "Ada")
	patient := seedUser(t, db, model.RolePatient, "Bo")
	chat := seedChat(t, repo, doctor.ID, patient.ID)

	createdAt := time.Now().UTC().Add(-2 * time.Minute)
	msg := &model.Message{ChatID: chat.ID, SenderID: doctor.ID, Content: "draft", CreatedAt: createdAt}
	require.NoError(t, repo.AppendMessage(ctx, msg))

	_, err := repo.UpdateOwnMessage(ctx, msg.ID, patient.ID, createdAt.Add(-time.Minute), map[string]interface{}{"content": "x"})
	assert.ErrorIs(t, err, ErrStaleMessage)

	_, err = repo.UpdateOwnMessage(ctx, msg.ID, doctor.ID, createdAt.Add(time.Minute), map[string]interface{}{"content": "x"})
	assert.ErrorIs(t, err, ErrStaleMessage)

	updated, err := repo.UpdateOwnMessage(ctx, msg.ID, doctor.ID, createdAt.Add(-time.Minute), map[string]interface{}{"content": "final", "is_edited": true})
	require.NoError(t, err)
	assert.Equal(t, "final", updated.Content)
	assert.True(t, updated.IsEdited)
	assert.True(t, updated.CreatedAt.Equal(msg.CreatedAt))
}

func messageIDs(messages []*model.Message) []string {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids
}

func TestLastMessagesHonoursContext(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)

	doctor := seedUser(t, db, model.RoleDoctor, "Ada")
	patient := seedUser(t, db, model.RolePatient, "Bo")
	chat := seedChat(t, repo, doctor.ID, patient.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.LastMessages(ctx, []string{chat.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "unexpected error: %v", err)
}
