package blocklist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func entry(ip string, at time.Time, ttl time.Duration) Entry {
	exp := at.Add(ttl)
	return Entry{OriginIP: ip, Reason: "test", BlockedAt: at, ExpiresAt: &exp, Source: SourceAuto}
}

func TestFileStore_persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "blocklist.json")

	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, entry("192.0.2.1", t0, time.Hour)))
	require.NoError(t, s.Put(ctx, entry("192.0.2.2", t0, time.Hour)))
	require.NoError(t, s.Delete(ctx, "192.0.2.2"))
	assert.ErrorIs(t, s.Delete(ctx, "192.0.2.2"), ErrNotFound)

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	e, err := reopened.Get(ctx, "192.0.2.1")
	require.NoError(t, err)
	assert.True(t, e.ExpiresAt.Equal(t0.Add(time.Hour)))
	_, err = reopened.Get(ctx, "192.0.2.2")
	assert.ErrorIs(t, err, ErrNotFound)

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStore_corruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o640))
	_, err := NewFileStore(path)
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Now()
	s := NewRedisStore(client, "bl")
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, entry("192.0.2.1", now, time.Hour)))
	require.NoError(t, s.Put(ctx, Entry{OriginIP: "192.0.2.2", BlockedAt: now, Permanent: true, Source: SourceAdmin}))

	assert.Equal(t, time.Hour, mr.TTL("bl:ip:192.0.2.1"))
	assert.Equal(t, time.Duration(0), mr.TTL("bl:ip:192.0.2.2"))

	e, err := s.Get(ctx, "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, "test", e.Reason)

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Native expiry drops the key and All prunes the index.
	mr.FastForward(2 * time.Hour)
	_, err = s.Get(ctx, "192.0.2.1")
	assert.ErrorIs(t, err, ErrNotFound)
	all, err = s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	members, err := mr.Members("bl:index")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.2"}, members)

	require.NoError(t, s.Delete(ctx, "192.0.2.2"))
	assert.ErrorIs(t, s.Delete(ctx, "192.0.2.2"), ErrNotFound)

	// An already-expired entry replaces, rather than adds.
	require.NoError(t, s.Put(ctx, entry("192.0.2.3", now, time.Hour)))
	require.NoError(t, s.Put(ctx, entry("192.0.2.3", now.Add(-2*time.Hour), time.Hour)))
	_, err = s.Get(ctx, "192.0.2.3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_withList(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := New(NewRedisStore(client, ""), zap.NewNop())
	_, err := l.Block(ctx, "203.0.113.5", "Brute force attack", 0)
	require.NoError(t, err)
	assert.True(t, l.IsBlocked(ctx, "203.0.113.5"))

	mr.Close()
	assert.False(t, l.IsBlocked(ctx, "203.0.113.5"), "unreachable redis must fail open")
}

func TestRedisStore_listClockDrivesTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// A clock far from the wall clock, set on the List only.
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(NewRedisStore(client, "bl"), zap.NewNop())
	l.SetClock(func() time.Time { return past })

	_, err := l.Block(ctx, "198.51.100.30", "Brute force attack", time.Hour)
	require.NoError(t, err)
	assert.True(t, l.IsBlocked(ctx, "198.51.100.30"))
	assert.Equal(t, time.Hour, mr.TTL("bl:ip:198.51.100.30"))
}

