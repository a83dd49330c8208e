// Package engine tests for state that must survive a restart.
package engine

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinepos/internal/connectivity"
	"github.com/kimhsiao/offlinepos/internal/logging"
	"github.com/kimhsiao/offlinepos/internal/models"
)

// TestRestart_sqlite verifies that a queued sale and the reference
// mirror written by one process are restored by the next one from the
// same data directory, with no network.
func TestRestart_sqlite(t *testing.T) {
	srv := &server{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	cfg := testConfig(t, ts.URL)
	ctx := context.Background()

	t.Log("First session: refresh online, then sell offline")
	source := connectivity.NewManualSource(true)
	first, err := New(cfg, Options{Logger: logging.Discard(), Source: source})
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	require.True(t, first.Status(ctx).Persistent)

	require.Eventually(t, func() bool {
		st := first.Cache().Stats()
		return st.Products == 1 && st.Customers == 1
	}, 3*time.Second, 10*time.Millisecond)

	source.Set(false)
	require.Eventually(t, func() bool { return !first.Monitor().IsOnline() },
		3*time.Second, 10*time.Millisecond)

	res := first.Router().Submit(ctx, sale(42))
	require.True(t, res.Queued)
	require.NoError(t, first.Close())
	assert.Zero(t, srv.sales.Load())

	t.Log("Second session: offline from the start")
	second, err := New(cfg, Options{Logger: logging.Discard(), Source: connectivity.NewManualSource(false)})
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Start(ctx))

	st := second.Status(ctx)
	assert.True(t, st.Persistent)
	assert.Equal(t, 1, st.SchemaVersion)
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, "v3", st.Cache.Version)

	found := second.Cache().SearchProducts("pan", models.ProductFilters{}, 10)
	require.Len(t, found.Products, 1)
	assert.Equal(t, "750100", found.Products[0].MainCode)

	p, ok := second.Cache().ProductByCode("750100")
	require.True(t, ok)
	assert.Equal(t, "Pan", p.Name)

	customers := second.Cache().SearchCustomers("ana", 10)
	assert.Len(t, customers.Customers, 1)
}
