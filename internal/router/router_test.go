// Package router tests for network-first resolution with local fallback.
package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinepos/internal/config"
	"github.com/kimhsiao/offlinepos/internal/db"
	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
	"github.com/kimhsiao/offlinepos/internal/events"
	"github.com/kimhsiao/offlinepos/internal/logging"
	"github.com/kimhsiao/offlinepos/internal/models"
	"github.com/kimhsiao/offlinepos/internal/refcache"
	"github.com/kimhsiao/offlinepos/internal/remote"
	"github.com/kimhsiao/offlinepos/internal/sync/queue"
)

// posServer imitates the server of record. While down it answers 500.
type posServer struct {
	down     atomic.Bool
	sales    atomic.Int32
	searches atomic.Int32
	lastCSRF atomic.Value
}

func (s *posServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.down.Load() {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/productos/api/cache/":
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"productos": []map[string]any{
				{"id": 1, "codigo_principal": "750100", "nombre": "Coca Cola 500ml", "stock": 20},
				{"id": 2, "codigo_principal": "750200", "nombre": "Agua mineral", "stock": 0, "agotado": true},
			},
			"metadata": map[string]any{"cache_version": "v1"},
		})
	case r.URL.Path == "/productos/api/buscar/":
		s.searches.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"success":   true,
			"productos": []map[string]any{{"id": 1, "codigo_principal": "750100", "nombre": "Coca Cola 500ml", "stock": 20}},
		})
	case r.URL.Path == "/clientes/buscar/":
		json.NewEncoder(w).Encode(map[string]any{
			"clientes": []map[string]any{{"id": 9, "nombre": "Ana Torres", "cedula_ruc": "0102"}},
		})
	case r.URL.Path == "/ventas/procesar-venta/" && r.Method == http.MethodPost:
		s.lastCSRF.Store(r.Header.Get(remote.CSRFHeader))
		io.Copy(io.Discard, r.Body)
		s.sales.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	case strings.HasPrefix(r.URL.Path, "/productos/api/duplicados/codigo/"):
		code := strings.Trim(strings.TrimPrefix(r.URL.Path, "/productos/api/duplicados/codigo/"), "/")
		if code != "750100" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"producto": map[string]any{"id": 1, "codigo_principal": "750100", "nombre": "Coca Cola 500ml"},
		})
	default:
		http.NotFound(w, r)
	}
}

type switchConn struct{ online atomic.Bool }

func (c *switchConn) IsOnline() bool { return c.online.Load() }

type fixture struct {
	server *posServer
	conn   *switchConn
	cache  *refcache.Cache
	queue  *queue.Queue
	bus    *events.Bus
	router *Router
	clock  time.Time
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	f := &fixture{server: &posServer{}, conn: &switchConn{}, bus: events.NewBus()}
	f.conn.online.Store(online)
	t.Cleanup(f.bus.Close)

	srv := httptest.NewServer(f.server)
	t.Cleanup(srv.Close)
	cfg := config.Default().Server
	cfg.BaseURL = srv.URL
	cfg.CSRFToken = "tok"
	cfg.Timeout = time.Second
	client := remote.New(cfg, nil, srv.Client())

	store := db.NewMemoryStore()
	f.clock = time.UnixMilli(1_700_000_000_000)
	now := func() time.Time { return f.clock }
	f.cache = refcache.New(store, client, f.bus, refcache.Options{Now: now, Logger: logging.Discard()})
	f.queue = queue.New(store, queue.Options{Bus: f.bus, Logger: logging.Discard()})
	f.router = New(client, f.cache, f.queue, f.conn, Options{Bus: f.bus, Logger: logging.Discard(), Now: now})
	return f
}

func sale(customer string, total float64) models.TransactionPayload {
	return models.NewSaleTransaction(models.SalePayload{CustomerName: customer, Total: total})
}

// ===== Submit =====

// TestSubmit_offlineQueues verifies an offline sale is queued as pending
// and the pending counter reads 1.
func TestSubmit_offlineQueues(t *testing.T) {
	f := newFixture(t, false)
	queued, cancel := f.bus.Queued.Subscribe(1)
	defer cancel()

	res := f.router.Submit(context.Background(), sale("Cliente General", 45.50))

	require.True(t, res.OK())
	assert.True(t, res.Queued)
	assert.False(t, res.Submitted)
	assert.True(t, res.Persisted)
	assert.Equal(t, 1, res.PendingCount)
	assert.Equal(t, "Cliente General", res.CustomerName)
	assert.Equal(t, 45.50, res.Total)
	assert.Zero(t, f.server.sales.Load())

	txn, err := f.queue.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, txn.Status)
	assert.Equal(t, models.SourceRouter, txn.Source)

	select {
	case ev := <-queued:
		assert.Equal(t, 1, ev.PendingCount)
	case <-time.After(time.Second):
		t.Fatal("no TransactionQueued event")
	}
}

// TestSubmit_online verifies a delivered sale never touches the queue.
func TestSubmit_online(t *testing.T) {
	f := newFixture(t, true)

	res := f.router.Submit(context.Background(), sale("", 12))

	assert.True(t, res.Submitted)
	assert.False(t, res.Queued)
	assert.Equal(t, 0, f.queue.PendingCount())
	assert.Equal(t, int32(1), f.server.sales.Load())
	assert.Equal(t, "tok", f.server.lastCSRF.Load())
	assert.Equal(t, models.DefaultCustomerName, res.CustomerName)
}

// TestSubmit_networkFailureQueues verifies a failed submission falls back
// to the queue instead of failing.
func TestSubmit_networkFailureQueues(t *testing.T) {
	f := newFixture(t, true)
	f.server.down.Store(true)

	res := f.router.Submit(context.Background(), sale("Ana", 8))

	assert.True(t, res.Queued)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, f.queue.PendingCount())
}

// TestSubmit_invalid verifies validation errors are returned as results.
func TestSubmit_invalid(t *testing.T) {
	f := newFixture(t, true)

	res := f.router.Submit(context.Background(), sale("Ana", -3))

	assert.False(t, res.OK())
	assert.Equal(t, string(apperrors.ErrValidation), res.ErrorCode)
	assert.Zero(t, f.server.sales.Load())
	assert.Equal(t, 0, f.queue.PendingCount())
}

// ===== Search =====

// TestSearchProducts_fallback verifies an online search is labelled as
// network, and the same search after the network fails comes from the
// mirror with a cache age.
func TestSearchProducts_fallback(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.True(t, f.cache.Refresh(ctx, models.EntityProducts).OK)

	res := f.router.SearchProducts(ctx, "coca", SearchOptions{})
	require.True(t, res.Success)
	assert.False(t, res.FromCache)
	require.Equal(t, 1, res.Count)
	assert.False(t, res.Products[0].FromCache)

	f.server.down.Store(true)
	f.clock = f.clock.Add(5 * time.Minute)

	res = f.router.SearchProducts(ctx, "coca", SearchOptions{})
	require.True(t, res.Success)
	assert.True(t, res.FromCache)
	assert.Equal(t, string(apperrors.ErrHTTPStatus), res.Degraded)
	require.Equal(t, 1, res.Count)
	assert.True(t, res.Products[0].FromCache)
	assert.Equal(t, (5 * time.Minute).Milliseconds(), res.Products[0].CacheAge)
}

// TestSearchProducts_offline verifies offline searches never hit the network.
func TestSearchProducts_offline(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.True(t, f.cache.Refresh(ctx, models.EntityProducts).OK)
	f.conn.online.Store(false)

	res := f.router.SearchProducts(ctx, "", SearchOptions{Filters: models.ProductFilters{ExcludeOutOfStock: true}})
	assert.True(t, res.FromCache)
	assert.Equal(t, "offline", res.Degraded)
	assert.Equal(t, 1, res.Count)
	assert.Zero(t, f.server.searches.Load())
}

// TestSearchCustomers verifies network results and the empty-mirror fallback.
func TestSearchCustomers(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	res := f.router.SearchCustomers(ctx, "ana", 0)
	require.Equal(t, 1, res.Count)
	assert.False(t, res.FromCache)
	assert.Equal(t, "Ana Torres", res.Customers[0].Name)

	f.server.down.Store(true)
	res = f.router.SearchCustomers(ctx, "ana", 0)
	assert.True(t, res.Success)
	assert.True(t, res.FromCache)
	assert.Equal(t, 0, res.Count)
}

// ===== LookupByCode =====

// TestLookupByCode verifies network answers, authoritative misses and
// the mirror fallback.
func TestLookupByCode(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.True(t, f.cache.Refresh(ctx, models.EntityProducts).OK)

	res := f.router.LookupByCode(ctx, "750100")
	require.True(t, res.Found)
	assert.False(t, res.FromCache)

	res = f.router.LookupByCode(ctx, "750200")
	assert.False(t, res.Found, "server 404 is authoritative")
	assert.False(t, res.FromCache)

	f.server.down.Store(true)
	res = f.router.LookupByCode(ctx, "750200")
	require.True(t, res.Found)
	assert.True(t, res.FromCache)
	assert.Equal(t, "Agua mineral", res.Product.Name)
}
