package redisclient

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/donation-scheduling/internal/appointment"
	"github.com/hackgods/donation-scheduling/internal/lock"
)

// These tests talk to a real Redis and are skipped unless TEST_REDIS_ADDR is set.
func testOptions(t *testing.T) Options {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	return Options{Addr: addr, Password: os.Getenv("TEST_REDIS_PASSWORD")}
}

func TestRedisLockerExcludesConcurrentHolders(t *testing.T) {
	opts := testOptions(t)
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, opts)
	require.NoError(t, err)
	defer rdb.Close()

	locker := NewRedisLocker(rdb, 5*time.Second, 3*time.Second)
	key := "test:" + uuid.NewString()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(ctx, key, func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
}

func TestRedisLockerGivesUpAfterWait(t *testing.T) {
	opts := testOptions(t)
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, opts)
	require.NoError(t, err)
	defer rdb.Close()

	locker := NewRedisLocker(rdb, 5*time.Second, 100*time.Millisecond)
	key := "test:" + uuid.NewString()

	err = locker.WithLock(ctx, key, func(ctx context.Context) error {
		return locker.WithLock(ctx, key, func(context.Context) error { return nil })
	})
	assert.True(t, errors.Is(err, lock.ErrLockNotAcquired))
}

func TestCapacityCacheRoundTrip(t *testing.T) {
	opts := testOptions(t)
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, opts)
	require.NoError(t, err)
	defer rdb.Close()

	cache := NewCapacityCache(rdb, time.Minute, zap.NewNop())
	location := uuid.New()

	_, ok := cache.Get(ctx, location)
	assert.False(t, ok)

	dow := time.Saturday
	recs := []appointment.CapacityRecord{{
		ID: uuid.New(), LocationID: location, Slot: appointment.SlotMorning,
		TotalCapacity: 12, DayOfWeek: &dow, Active: true,
	}}
	cache.Set(ctx, location, recs)

	got, ok := cache.Get(ctx, location)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, 12, got[0].TotalCapacity)
	assert.Equal(t, time.Saturday, *got[0].DayOfWeek)

	cache.Invalidate(ctx, location)
	_, ok = cache.Get(ctx, location)
	assert.False(t, ok)
}
