package policy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketKeys(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	assert.Equal(t, "fedrl:agr-1:h:2026031415", hourKey("agr-1", at))
	assert.Equal(t, "fedrl:agr-1:d:20260314", dayKey("agr-1", at))

	// Keys are UTC regardless of the input zone.
	est := at.In(time.FixedZone("EST", -5*3600))
	assert.Equal(t, hourKey("agr-1", at), hourKey("agr-1", est))
}

func TestMemoryCounterStore_Increments(t *testing.T) {
	m := NewMemoryCounterStore()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := m.IncrGet(ctx, "k", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Independent keys.
	got, err := m.IncrGet(ctx, "other", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestMemoryCounterStore_ExpiryResets(t *testing.T) {
	m := NewMemoryCounterStore()
	current := time.Now()
	m.now = func() time.Time { return current }
	ctx := context.Background()

	_, err := m.IncrGet(ctx, "k", time.Hour)
	require.NoError(t, err)
	_, err = m.IncrGet(ctx, "k", time.Hour)
	require.NoError(t, err)

	current = current.Add(time.Hour + time.Second)
	got, err := m.IncrGet(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "expired bucket starts over")
}

func TestRedisCounterStore_IncrAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRedisCounterStore(rdb)
	ctx := context.Background()

	got, err := r.IncrGet(ctx, "fedrl:agr-1:h:2026031415", 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	got, err = r.IncrGet(ctx, "fedrl:agr-1:h:2026031415", 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	// TTL was set on first creation.
	ttl := mr.TTL("fedrl:agr-1:h:2026031415")
	assert.Equal(t, 2*time.Hour, ttl)

	// Window expiry resets the count.
	mr.FastForward(2*time.Hour + time.Second)
	got, err = r.IncrGet(ctx, "fedrl:agr-1:h:2026031415", 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestRedisCounterStore_BackendDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRedisCounterStore(rdb)

	mr.Close()
	_, err := r.IncrGet(context.Background(), "k", time.Hour)
	assert.Error(t, err)
}
