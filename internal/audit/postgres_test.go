//go:build integration

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/goshtasb/xorj-landing-sub001/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_AppendAndQuery(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	since := time.Now().Add(-time.Minute)

	opened := NewEvent("circuit_breaker_opened", SeverityCritical, map[string]any{"category": "network_connectivity"})
	closed := NewEvent("circuit_breaker_closed", SeverityInfo, map[string]any{"category": "network_connectivity"})
	require.NoError(t, store.Append(ctx, []*Event{opened, closed}))

	// Re-appending the same ids is a no-op.
	require.NoError(t, store.Append(ctx, []*Event{opened}))

	all, err := store.Query(ctx, "", since, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := store.Query(ctx, "circuit_breaker_opened", since, 10)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, opened.ID, only[0].ID)
	assert.Equal(t, SeverityCritical, only[0].Severity)
	assert.Equal(t, "network_connectivity", only[0].Payload["category"])
}
