package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhrubot/choukidar-sub001/internal/clock"
	"github.com/Dhrubot/choukidar-sub001/internal/domain"
)

func newRedisQueue(t *testing.T) (*Redis, *r.Client, *clock.Fake) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	return NewRedis(rdb, clk), rdb, clk
}

func TestRedisDequeueClaimsInOneStep(t *testing.T) {
	q, rdb, clk := newRedisQueue(t)
	ctx := context.Background()

	j := testJob(clk, domain.TierStandard, 2, 0)
	require.NoError(t, q.Enqueue(ctx, j))
	require.EqualValues(t, 1, rdb.ZCard(ctx, readyKey(domain.TierStandard)).Val())

	deadline := clk.Now().Add(10 * time.Second)
	got, err := q.Dequeue(ctx, domain.TierStandard, deadline)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, domain.Active, got.Status)

	// the member moved, there is no window where it sits in neither set
	assert.Zero(t, rdb.ZCard(ctx, readyKey(domain.TierStandard)).Val())
	active, err := rdb.ZRangeWithScores(ctx, activeKey(domain.TierStandard), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, j.ID, memberID(active[0].Member.(string)))
	assert.EqualValues(t, deadline.UnixMilli(), active[0].Score)

	require.NoError(t, q.Complete(ctx, got))
	assert.Zero(t, rdb.ZCard(ctx, activeKey(domain.TierStandard)).Val())
	assert.Zero(t, rdb.Exists(ctx, jobKey(j.ID)).Val())
}

func TestRedisDequeueDiscardsOrphanedMembers(t *testing.T) {
	q, rdb, clk := newRedisQueue(t)
	ctx := context.Background()

	a := testJob(clk, domain.TierStandard, 2, 0)
	b := testJob(clk, domain.TierStandard, 2, 0)
	require.NoError(t, q.Enqueue(ctx, a))
	require.NoError(t, q.Enqueue(ctx, b))

	// simulate a writer that crashed after inserting the member but lost
	// the record
	require.NoError(t, rdb.Del(ctx, jobKey(a.ID)).Err())

	got, err := q.Dequeue(ctx, domain.TierStandard, clk.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.ID, got.ID)

	// the orphan was dropped from the active set, not parked there forever
	active, err := rdb.ZRange(ctx, activeKey(domain.TierStandard), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, memberID(active[0]))
}

func TestRedisPriorityThenFIFO(t *testing.T) {
	q, _, clk := newRedisQueue(t)
	ctx := context.Background()

	var ids []string
	for _, p := range []int{3, 1, 2, 1} {
		j := testJob(clk, domain.TierStandard, p, 0)
		ids = append(ids, j.ID)
		require.NoError(t, q.Enqueue(ctx, j))
	}

	deadline := clk.Now().Add(time.Minute)
	var got []string
	for {
		j, err := q.Dequeue(ctx, domain.TierStandard, deadline)
		require.NoError(t, err)
		if j == nil {
			break
		}
		got = append(got, j.ID)
	}
	require.Equal(t, []string{ids[1], ids[3], ids[2], ids[0]}, got)
}

func TestRedisReclaimStalledAfterDeadline(t *testing.T) {
	q, rdb, clk := newRedisQueue(t)
	ctx := context.Background()

	j := testJob(clk, domain.TierStandard, 2, 0)
	require.NoError(t, q.Enqueue(ctx, j))
	_, err := q.Dequeue(ctx, domain.TierStandard, clk.Now().Add(10*time.Second))
	require.NoError(t, err)

	stalled, err := q.ReclaimStalled(ctx, domain.TierStandard, clk.Now(), 100)
	require.NoError(t, err)
	require.Empty(t, stalled)

	clk.Advance(11 * time.Second)
	stalled, err = q.ReclaimStalled(ctx, domain.TierStandard, clk.Now(), 100)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, 1, stalled[0].StallCount)
	assert.Equal(t, domain.Stalled, stalled[0].Status)
	assert.Zero(t, rdb.ZCard(ctx, activeKey(domain.TierStandard)).Val())
}
