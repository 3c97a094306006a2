package repositories

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/db"
	"chatsync/internal/models"
)

// openTestDB connects to the database named by DB_DSN and skips otherwise.
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN not set")
	}
	conn, err := db.Connect(dsn, true)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func createTestUser(t *testing.T, users *UserRepo, name string) models.User {
	t.Helper()
	user, err := users.CreateUser(context.Background(), name+"-"+uuid.NewString()+"@test.local", name, "hash", "")
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = users.db.Exec(`DELETE FROM users WHERE id=$1`, user.ID)
	})
	return user
}

func TestMarkSeenIsIdempotent(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	users, messages := NewUserRepo(conn), NewMessageRepo(conn)
	alice, bob := createTestUser(t, users, "alice"), createTestUser(t, users, "bob")

	msg, err := messages.CreateMessage(ctx, alice.ID, bob.ID, models.Content{Text: "hi"})
	require.NoError(t, err)

	require.NoError(t, messages.MarkSeen(ctx, msg.ID, bob.ID))
	require.NoError(t, messages.MarkSeen(ctx, msg.ID, bob.ID))

	assert.ErrorIs(t, messages.MarkSeen(ctx, msg.ID, alice.ID), ErrMessageNotFound)
	assert.ErrorIs(t, messages.MarkSeen(ctx, uuid.NewString(), bob.ID), ErrMessageNotFound)

	got, err := messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Seen)
}

func TestUnseenCountsAndConversationSeen(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	users, messages := NewUserRepo(conn), NewMessageRepo(conn)
	alice, bob, carol := createTestUser(t, users, "alice"), createTestUser(t, users, "bob"), createTestUser(t, users, "carol")

	for _, text := range []string{"a1", "a2"} {
		_, err := messages.CreateMessage(ctx, alice.ID, bob.ID, models.Content{Text: text})
		require.NoError(t, err)
	}
	fromCarol, err := messages.CreateMessage(ctx, carol.ID, bob.ID, models.Content{ImageRef: "cat.png"})
	require.NoError(t, err)

	counts, err := messages.UnseenCounts(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{alice.ID: 2, carol.ID: 1}, counts)

	n, err := messages.MarkConversationSeen(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = messages.SoftDelete(ctx, fromCarol.ID, carol.ID)
	require.NoError(t, err)

	counts, err = messages.UnseenCounts(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestSoftDeleteOnlyBySender(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	users, messages := NewUserRepo(conn), NewMessageRepo(conn)
	alice, bob := createTestUser(t, users, "alice"), createTestUser(t, users, "bob")

	msg, err := messages.CreateMessage(ctx, alice.ID, bob.ID, models.Content{Text: "secret"})
	require.NoError(t, err)

	_, err = messages.SoftDelete(ctx, msg.ID, bob.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	deleted, err := messages.SoftDelete(ctx, msg.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Empty(t, deleted.Text)

	history, err := messages.ListConversation(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Deleted)

	_, err = messages.GetMessage(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrMessageNotFound)
}
