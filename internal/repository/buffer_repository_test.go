package repository

import (
	"context"
	"testing"
	"time"

	"desk-assist-go/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBuffer(t *testing.T) (BufferRepository, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	repo := NewBufferRepository(rdb, BufferOptions{
		DebounceWindow: 90 * time.Second,
		SafetySlack:    30 * time.Second,
		LeaseTTL:       300 * time.Second,
		Now:            clock.Now,
	})
	return repo, mr, clock
}

func msg(chatID, text string) model.BufferedMessage {
	return model.BufferedMessage{ChatID: chatID, UserID: 42, Text: text}
}

func TestAppendReturnsLengthAndSetsTTL(t *testing.T) {
	repo, mr, clock := newTestBuffer(t)
	ctx := context.Background()

	n, err := repo.Append(ctx, msg("c1", "A"))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = repo.Append(ctx, msg("c1", "B"))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.Equal(t, 120*time.Second, mr.TTL("buffer:c1"))
	require.Equal(t, 120*time.Second, mr.TTL("deadline:c1"))

	deadline, err := mr.Get("deadline:c1")
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(90*time.Second).Format(time.RFC3339Nano), deadline)
}

func TestAppendSlidesDeadline(t *testing.T) {
	repo, _, clock := newTestBuffer(t)
	ctx := context.Background()

	_, err := repo.Append(ctx, msg("c1", "A"))
	require.NoError(t, err)
	clock.Advance(89 * time.Second)
	_, err = repo.Append(ctx, msg("c1", "B"))
	require.NoError(t, err)

	deadlines, err := repo.Deadlines(ctx)
	require.NoError(t, err)
	require.Len(t, deadlines, 1)
	require.Equal(t, "c1", deadlines[0].ChatID)
	require.True(t, deadlines[0].ExpiresAt.Equal(clock.Now().Add(90*time.Second)))
	require.False(t, deadlines[0].Expired(clock.Now()))
}

func TestLeaseIsExclusiveAndExpires(t *testing.T) {
	repo, mr, _ := newTestBuffer(t)
	ctx := context.Background()

	token, ok, err := repo.AcquireLease(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = repo.AcquireLease(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)

	mr.FastForward(301 * time.Second)

	second, ok, err := repo.AcquireLease(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, token, second)
}

func TestReleaseLeaseOnlyDeletesOwnToken(t *testing.T) {
	repo, mr, _ := newTestBuffer(t)
	ctx := context.Background()

	token, ok, err := repo.AcquireLease(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.ReleaseLease(ctx, "c1", "someone-else"))
	require.True(t, mr.Exists("lease:c1"))

	require.NoError(t, repo.ReleaseLease(ctx, "c1", token))
	require.False(t, mr.Exists("lease:c1"))
}

func TestRenewLease(t *testing.T) {
	repo, mr, _ := newTestBuffer(t)
	ctx := context.Background()

	token, _, err := repo.AcquireLease(ctx, "c1")
	require.NoError(t, err)
	mr.FastForward(200 * time.Second)

	ok, err := repo.RenewLease(ctx, "c1", token)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 300*time.Second, mr.TTL("lease:c1"))

	ok, err = repo.RenewLease(ctx, "c1", "stale")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadIfLeasedRequiresLease(t *testing.T) {
	repo, _, _ := newTestBuffer(t)
	ctx := context.Background()

	_, err := repo.Append(ctx, msg("c1", "A"))
	require.NoError(t, err)

	_, err = repo.ReadIfLeased(ctx, "c1", "no-lease")
	require.ErrorIs(t, err, ErrLeaseLost)
}

func TestReadAndCommitDrainRemovesAllKeys(t *testing.T) {
	repo, mr, _ := newTestBuffer(t)
	ctx := context.Background()

	for _, text := range []string{"A", "B", "C"} {
		_, err := repo.Append(ctx, msg("c1", text))
		require.NoError(t, err)
	}

	token, ok, err := repo.AcquireLease(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)

	batch, err := repo.ReadIfLeased(ctx, "c1", token)
	require.NoError(t, err)
	require.Equal(t, 3, batch.Entries)
	require.Len(t, batch.Messages, 3)
	require.Equal(t, "A", batch.Messages[0].Text)
	require.Equal(t, "B", batch.Messages[1].Text)
	require.Equal(t, "C", batch.Messages[2].Text)
	require.Equal(t, int64(42), batch.Messages[0].UserID)

	left, err := repo.CommitDrain(ctx, "c1", token, batch.Entries)
	require.NoError(t, err)
	require.Zero(t, left)

	require.False(t, mr.Exists("buffer:c1"))
	require.False(t, mr.Exists("deadline:c1"))
	require.False(t, mr.Exists("lease:c1"))
}

func TestCommitDrainKeepsMessagesThatArrivedDuringProcessing(t *testing.T) {
	repo, mr, _ := newTestBuffer(t)
	ctx := context.Background()

	_, err := repo.Append(ctx, msg("c1", "A"))
	require.NoError(t, err)
	token, _, err := repo.AcquireLease(ctx, "c1")
	require.NoError(t, err)
	batch, err := repo.ReadIfLeased(ctx, "c1", token)
	require.NoError(t, err)

	_, err = repo.Append(ctx, msg("c1", "late"))
	require.NoError(t, err)

	left, err := repo.CommitDrain(ctx, "c1", token, batch.Entries)
	require.NoError(t, err)
	require.EqualValues(t, 1, left)
	require.True(t, mr.Exists("deadline:c1"))
	require.False(t, mr.Exists("lease:c1"))

	items, err := mr.List("buffer:c1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Contains(t, items[0], "late")
}

func TestCommitDrainWithLostLease(t *testing.T) {
	repo, mr, _ := newTestBuffer(t)
	ctx := context.Background()

	_, err := repo.Append(ctx, msg("c1", "A"))
	require.NoError(t, err)

	_, err = repo.CommitDrain(ctx, "c1", "stale", 1)
	require.ErrorIs(t, err, ErrLeaseLost)
	require.True(t, mr.Exists("buffer:c1"))
}

func TestReadSkipsCorruptEntries(t *testing.T) {
	repo, mr, _ := newTestBuffer(t)
	ctx := context.Background()

	_, err := mr.Push("buffer:c1", "{not json")
	require.NoError(t, err)
	_, err = repo.Append(ctx, msg("c1", "ok"))
	require.NoError(t, err)

	token, _, err := repo.AcquireLease(ctx, "c1")
	require.NoError(t, err)
	batch, err := repo.ReadIfLeased(ctx, "c1", token)
	require.NoError(t, err)
	require.Equal(t, 2, batch.Entries)
	require.Len(t, batch.Messages, 1)
	require.Equal(t, "ok", batch.Messages[0].Text)
}

func TestAppendFailsLoudlyWhenStoreIsDown(t *testing.T) {
	repo, mr, _ := newTestBuffer(t)
	mr.Close()

	_, err := repo.Append(context.Background(), msg("c1", "A"))
	require.Error(t, err)
}

func TestSafetyTTLExpiresAbandonedConversation(t *testing.T) {
	repo, mr, _ := newTestBuffer(t)
	ctx := context.Background()

	_, err := repo.Append(ctx, msg("c1", "A"))
	require.NoError(t, err)
	mr.FastForward(121 * time.Second)

	deadlines, err := repo.Deadlines(ctx)
	require.NoError(t, err)
	require.Empty(t, deadlines)
	require.False(t, mr.Exists("buffer:c1"))
}
