package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/jmerrifield20/arenaguard/internal/threat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// Recorded out of order, returned oldest first.
	for _, off := range []time.Duration{3, 1, 2} {
		_, err := s.Record(ctx, event(t0.Add(off*time.Minute), threat.EventFailedLogin, "192.0.2.1"))
		require.NoError(t, err)
	}
	_, err := s.Record(ctx, event(t0, threat.EventXSS, "192.0.2.2"))
	require.NoError(t, err)

	got, err := s.Query(ctx, Filter{OriginIP: "192.0.2.1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, t0.Add(time.Minute), got[0].Timestamp)
	assert.Equal(t, t0.Add(3*time.Minute), got[2].Timestamp)

	got, err = s.Query(ctx, Filter{Type: threat.EventXSS})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.Query(ctx, Filter{Since: t0.Add(90 * time.Second), Until: t0.Add(150 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	n, err := s.Prune(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStore_assignsID(t *testing.T) {
	s := NewMemoryStore()
	ev := event(t0, threat.EventFailedLogin, "192.0.2.1")
	ev.ID = ""
	id, err := s.Record(context.Background(), ev)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestBuildQuery(t *testing.T) {
	sql, args := buildQuery(Filter{
		OriginIP: "192.0.2.1",
		Type:     threat.EventFailedLogin,
		Since:    t0,
		Limit:    50,
	})
	assert.Contains(t, sql, "WHERE origin_ip = $1 AND type = $2 AND occurred_at >= $3")
	assert.Contains(t, sql, "ORDER BY occurred_at DESC LIMIT $4")
	assert.Equal(t, []any{"192.0.2.1", "failed_login", t0, 50}, args)

	sql, args = buildQuery(Filter{})
	assert.NotContains(t, sql, "WHERE")
	assert.Empty(t, args)
}
