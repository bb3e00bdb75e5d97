package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createUser(t *testing.T, store *Store, email string) *User {
	t.Helper()
	user := &User{Email: email, Name: "Test User", Role: "user"}
	require.NoError(t, store.CreateUser(context.Background(), user))
	require.NotEmpty(t, user.ID)
	return user
}

func createSession(t *testing.T, store *Store, userID string) *Session {
	t.Helper()
	session := &Session{UserID: userID, Name: "workspace"}
	require.NoError(t, store.CreateSession(context.Background(), session))
	return session
}

func TestCreateAndFindUser(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	user := createUser(t, store, "dev@liveide.dev")

	found, err := store.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "dev@liveide.dev", found.Email)

	missing, err := store.FindUserByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateSessionDefaults(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "dev@liveide.dev")

	session := &Session{UserID: user.ID, Name: "workspace"}
	require.NoError(t, store.CreateSession(ctx, session))

	assert.NotEmpty(t, session.ID)
	assert.Equal(t, StatusOffline, session.Status)
	assert.WithinDuration(t, time.Now().UTC(), session.LastActive, 5*time.Second)

	found, err := store.FindSessionByID(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, user.ID, found.UserID)

	missing, err := store.FindSessionByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateSessionRequiresExistingUser(t *testing.T) {
	store := setupStore(t)

	session := &Session{UserID: "no-such-user", Name: "orphan"}
	err := store.CreateSession(context.Background(), session)
	assert.Error(t, err, "foreign keys must be enforced")
}

func TestUpdateSessionStatusTouchesLastActive(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "dev@liveide.dev")

	session := &Session{
		UserID:     user.ID,
		Name:       "workspace",
		LastActive: time.Now().UTC().Add(-48 * time.Hour),
	}
	require.NoError(t, store.CreateSession(ctx, session))

	require.NoError(t, store.UpdateSessionStatus(ctx, session.ID, StatusOnline))

	found, err := store.FindSessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, found.Status)
	assert.WithinDuration(t, time.Now().UTC(), found.LastActive, 5*time.Second)
}

func TestListSessionsByUserMostRecentFirst(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "dev@liveide.dev")
	other := createUser(t, store, "other@liveide.dev")

	old := &Session{UserID: user.ID, Name: "old", LastActive: time.Now().UTC().Add(-2 * time.Hour)}
	recent := &Session{UserID: user.ID, Name: "recent", LastActive: time.Now().UTC()}
	require.NoError(t, store.CreateSession(ctx, old))
	require.NoError(t, store.CreateSession(ctx, recent))
	createSession(t, store, other.ID)

	sessions, err := store.ListSessionsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "recent", sessions[0].Name)
	assert.Equal(t, "old", sessions[1].Name)
}

func TestDeleteSessionCascadesToMessages(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "dev@liveide.dev")
	session := createSession(t, store, user.ID)
	keep := createSession(t, store, user.ID)

	for _, target := range []*Session{session, keep} {
		require.NoError(t, store.CreateMessage(ctx, &Message{
			SessionID: target.ID,
			Type:      MessageTypeCommand,
			FromRole:  RoleClient,
			Content:   "ls",
		}))
	}

	require.NoError(t, store.DeleteSession(ctx, session.ID))

	gone, err := store.FindSessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	orphans, err := store.ListMessagesBySession(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	kept, err := store.ListMessagesBySession(ctx, keep.ID)
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestMessagesReplayOrderAndCounts(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "dev@liveide.dev")
	session := createSession(t, store, user.ID)

	for _, content := range []string{"first", "second", "third"} {
		require.NoError(t, store.CreateMessage(ctx, &Message{
			SessionID: session.ID,
			Type:      MessageTypeAgentMessage,
			FromRole:  RoleClient,
			Content:   content,
		}))
		time.Sleep(2 * time.Millisecond) // distinct created_at values
	}

	messages, err := store.ListMessagesBySession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "second", messages[1].Content)
	assert.Equal(t, "third", messages[2].Content)

	total, err := store.CountMessages(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	now := time.Now().UTC()
	recent, err := store.CountMessagesSince(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 3, recent)

	none, err := store.CountMessagesSince(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 0, none)

	window, err := store.CountMessagesBetween(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 3, window)

	past, err := store.CountMessagesBetween(ctx, now.Add(-2*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 0, past)
}

func TestFindUserOverSessionLimit(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "dev@liveide.dev")
	for i := 0; i < 3; i++ {
		createSession(t, store, user.ID)
	}

	userID, count, err := store.FindUserOverSessionLimit(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)
	assert.EqualValues(t, 3, count)

	userID, count, err = store.FindUserOverSessionLimit(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, userID)
	assert.EqualValues(t, 0, count)
}

func TestCountOnlineUsersIsDistinct(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "dev@liveide.dev")

	first := createSession(t, store, user.ID)
	second := createSession(t, store, user.ID)
	require.NoError(t, store.UpdateSessionStatus(ctx, first.ID, StatusOnline))
	require.NoError(t, store.UpdateSessionStatus(ctx, second.ID, StatusOnline))

	online, err := store.CountOnlineUsers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, online, "two online sessions of one user count once")

	byStatus, err := store.CountSessionsByStatus(ctx, StatusOnline)
	require.NoError(t, err)
	assert.EqualValues(t, 2, byStatus)
}

func TestCountOnlineSessionsInactiveSince(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "dev@liveide.dev")

	stale := &Session{
		UserID:     user.ID,
		Name:       "stale",
		Status:     StatusOnline,
		LastActive: time.Now().UTC().Add(-3 * time.Hour),
	}
	fresh := &Session{
		UserID: user.ID,
		Name:   "fresh",
		Status: StatusOnline,
	}
	require.NoError(t, store.CreateSession(ctx, stale))
	require.NoError(t, store.CreateSession(ctx, fresh))

	count, err := store.CountOnlineSessionsInactiveSince(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestSnapshotBaselineLookupsAndPrune(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := &MetricSnapshot{CPU: 10, Memory: 20, Messages: 5, Timestamp: now.Add(-30 * time.Hour)}
	baseline := &MetricSnapshot{CPU: 30, Memory: 40, Messages: 15, Timestamp: now.Add(-90 * time.Minute)}
	current := &MetricSnapshot{CPU: 50, Memory: 60, Messages: 25, Timestamp: now}
	for _, snap := range []*MetricSnapshot{old, baseline, current} {
		require.NoError(t, store.InsertSnapshot(ctx, snap))
	}

	found, err := store.LatestSnapshotBetween(ctx, now.Add(-2*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, 30.0, found.CPU)

	none, err := store.LatestSnapshotBetween(ctx, now.Add(-10*time.Minute), now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, none)

	before, err := store.LatestSnapshotBefore(ctx, now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, before)
	assert.Equal(t, 10.0, before.CPU)

	require.NoError(t, store.PruneSnapshotsBefore(ctx, now.Add(-24*time.Hour)))

	series, err := store.ListSnapshotsSince(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	require.Len(t, series, 2, "pruning removes snapshots past retention")
	assert.Equal(t, 30.0, series[0].CPU)
	assert.Equal(t, 50.0, series[1].CPU)
}

func TestListUsersNewestFirst(t *testing.T) {
	store := setupStore(t)

	createUser(t, store, "first@liveide.dev")
	time.Sleep(2 * time.Millisecond)
	createUser(t, store, "second@liveide.dev")

	users, err := store.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "second@liveide.dev", users[0].Email)
	assert.Equal(t, "first@liveide.dev", users[1].Email)
}

func TestBanUser(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "dev@liveide.dev")

	banned, err := store.BanUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, banned)

	found, err := store.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.True(t, found.Banned)
	assert.Equal(t, "user", found.Role, "banning does not change the role")

	banned, err = store.BanUser(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestDeleteUserCascades(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "dev@liveide.dev")
	session := createSession(t, store, user.ID)
	require.NoError(t, store.CreateMessage(ctx, &Message{
		SessionID: session.ID,
		Type:      MessageTypeCommand,
		FromRole:  RoleClient,
		Content:   "ls",
	}))

	deleted, err := store.DeleteUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	gone, err := store.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	orphanSession, err := store.FindSessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, orphanSession)

	orphans, err := store.ListMessagesBySession(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	deleted, err = store.DeleteUser(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListRecentMessagesJoinsOwner(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "dev@liveide.dev")
	session := createSession(t, store, user.ID)

	for _, content := range []string{"first", "second", "third"} {
		require.NoError(t, store.CreateMessage(ctx, &Message{
			SessionID: session.ID,
			Type:      MessageTypeCommand,
			FromRole:  RoleClient,
			Content:   content,
		}))
		time.Sleep(2 * time.Millisecond)
	}

	entries, err := store.ListRecentMessages(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "third", entries[0].Content)
	assert.Equal(t, "second", entries[1].Content)
	assert.Equal(t, user.ID, entries[0].UserID)
	assert.Equal(t, session.ID, entries[0].SessionID)

	paged, err := store.ListRecentMessages(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "first", paged[0].Content)
}

func TestListRecentSessionsByActivity(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "dev@liveide.dev")

	stale := &Session{UserID: user.ID, Name: "stale", LastActive: time.Now().UTC().Add(-time.Hour)}
	fresh := &Session{UserID: user.ID, Name: "fresh", LastActive: time.Now().UTC()}
	require.NoError(t, store.CreateSession(ctx, stale))
	require.NoError(t, store.CreateSession(ctx, fresh))

	sessions, err := store.ListRecentSessions(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "fresh", sessions[0].Name)
}

func TestListSessionsWithUsers(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "dev@liveide.dev")
	session := createSession(t, store, user.ID)

	rows, err := store.ListSessionsWithUsers(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, session.ID, rows[0].ID)
	assert.Equal(t, user.ID, rows[0].UserID)
	assert.Equal(t, "dev@liveide.dev", rows[0].UserEmail)
	assert.Equal(t, "Test User", rows[0].UserName)
	assert.Equal(t, StatusOffline, rows[0].Status)
}

func TestPingAndClose(t *testing.T) {
	store := setupStore(t)
	require.NoError(t, store.Ping(context.Background()))
}
