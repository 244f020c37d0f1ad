package memory

import (
	"context"
	"testing"
	"time"

	"rillcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewStreamRepository()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := &domain.Stream{ID: "s1", HostID: "u1", Title: "one", CreatedAt: base}
	newer := &domain.Stream{ID: "s2", HostID: "u1", Title: "two", CreatedAt: base.Add(time.Hour)}
	other := &domain.Stream{ID: "s3", HostID: "u2", Title: "three", CreatedAt: base}

	for _, s := range []*domain.Stream{older, newer, other} {
		require.NoError(t, repo.Create(ctx, s))
	}
	assert.ErrorIs(t, repo.Create(ctx, older), domain.ErrDuplicateID)

	hosted, err := repo.ListByHost(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, hosted, 2)
	assert.Equal(t, domain.StreamID("s2"), hosted[0].ID)

	got, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	got.Title = "mutated"
	again, _ := repo.GetByID(ctx, "s1")
	assert.Equal(t, "one", again.Title, "returned streams are copies")

	started := base.Add(2 * time.Hour)
	got.IsLive = true
	got.StartedAt = &started
	require.NoError(t, repo.Update(ctx, got))
	other.IsLive = true
	other.StartedAt = &base
	require.NoError(t, repo.Update(ctx, other))

	live, err := repo.ListLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, domain.StreamID("s1"), live[0].ID)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	assert.ErrorIs(t, repo.Update(ctx, &domain.Stream{ID: "missing"}), domain.ErrStreamNotFound)
}

func TestPresenceRepository_UpsertAndRemove(t *testing.T) {
	ctx := context.Background()
	repo := NewPresenceRepository()

	rec := &domain.PresenceRecord{StreamID: "s1", ConnectionID: "c1", UserID: "u1", JoinedAt: time.Now()}
	added, err := repo.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = repo.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.False(t, added)

	n, _ := repo.Count(ctx, "s1")
	assert.Equal(t, int64(1), n)

	removed, err := repo.Remove(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = repo.Remove(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.False(t, removed)

	n, _ = repo.Count(ctx, "s1")
	assert.Zero(t, n)
}

func TestPresenceRepository_CountsUsersOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewPresenceRepository()

	for _, conn := range []domain.ConnectionID{"tab1", "tab2"} {
		added, err := repo.Upsert(ctx, &domain.PresenceRecord{StreamID: "s1", ConnectionID: conn, UserID: "u1"})
		require.NoError(t, err)
		assert.True(t, added)
	}
	_, err := repo.Upsert(ctx, &domain.PresenceRecord{StreamID: "s1", ConnectionID: "tab3", UserID: "u2"})
	require.NoError(t, err)

	n, _ := repo.Count(ctx, "s1")
	assert.Equal(t, int64(2), n)

	_, err = repo.Remove(ctx, "s1", "tab1")
	require.NoError(t, err)
	n, _ = repo.Count(ctx, "s1")
	assert.Equal(t, int64(2), n, "u1 still watches from tab2")

	_, err = repo.Remove(ctx, "s1", "tab2")
	require.NoError(t, err)
	n, _ = repo.Count(ctx, "s1")
	assert.Equal(t, int64(1), n)
}

func TestLikeRepository_OneLikePerUser(t *testing.T) {
	ctx := context.Background()
	repo := NewLikeRepository()

	require.NoError(t, repo.Like(ctx, "s1", "u1"))
	require.NoError(t, repo.Like(ctx, "s1", "u1"))
	require.NoError(t, repo.Like(ctx, "s1", "u2"))
	n, _ := repo.Count(ctx, "s1")
	assert.Equal(t, int64(2), n)

	require.NoError(t, repo.Unlike(ctx, "s1", "u1"))
	require.NoError(t, repo.Unlike(ctx, "s9", "u1"))
	n, _ = repo.Count(ctx, "s1")
	assert.Equal(t, int64(1), n)
}
