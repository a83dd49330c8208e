// Package interceptor serves the POS web client through a caching
// reverse proxy so pages, assets and API reads keep working offline.
package interceptor

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/offlinepos/internal/config"
	"github.com/kimhsiao/offlinepos/internal/db"
	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
	"github.com/kimhsiao/offlinepos/internal/logging"
	"github.com/kimhsiao/offlinepos/internal/sync/queue"
)

// CacheHeader marks responses served from the local cache.
const CacheHeader = "X-Offline-Cache"

// maxCachedBody bounds the size of a response kept for offline use.
const maxCachedBody = 4 << 20

// maxSaleBody bounds a buffered sale submission.
const maxSaleBody = 1 << 20

const (
	collectionStatic  = db.CollectionStaticResponses
	collectionDynamic = db.CollectionDynamicResponses
)

var staticExt = map[string]bool{
	".css": true, ".js": true, ".mjs": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".webp": true, ".ico": true, ".woff": true, ".woff2": true, ".ttf": true,
}

// Connectivity reports the current reachability state.
type Connectivity interface {
	IsOnline() bool
}

// Options configure an Interceptor.
type Options struct {
	// Transport reaches the upstream server. Defaults to a clone of
	// http.DefaultTransport bounded by the server timeout.
	Transport http.RoundTripper
	Conn      Connectivity
	Logger    *logging.Logger
	Now       func() time.Time
}

// Interceptor is an http.Handler in front of the server of record.
type Interceptor struct {
	upstream   *url.URL
	submitPath string
	store      db.Store
	queue      *queue.Queue
	conn       Connectivity
	log        *logging.Logger
	now        func() time.Time
	client     *http.Client
	mux        chi.Router

	static  *httputil.ReverseProxy
	dynamic *httputil.ReverseProxy
	pages   *httputil.ReverseProxy

	refreshing singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Interceptor proxying to cfg.Server.BaseURL. Sales that
// cannot be delivered are appended to q.
func New(cfg *config.Config, store db.Store, q *queue.Queue, opts Options) (*Interceptor, error) {
	upstream, err := url.Parse(cfg.Server.BaseURL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid upstream URL "+cfg.Server.BaseURL, err)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = cfg.Server.Timeout
		opts.Transport = t
	}

	ctx, cancel := context.WithCancel(context.Background())
	i := &Interceptor{
		upstream:   upstream,
		submitPath: cfg.Server.Endpoints.SaleSubmit,
		store:      store,
		queue:      q,
		conn:       opts.Conn,
		log:        opts.Logger.Component("interceptor"),
		now:        opts.Now,
		client:     &http.Client{Transport: opts.Transport, Timeout: cfg.Server.Timeout},
		ctx:        ctx,
		cancel:     cancel,
	}
	i.static = i.newProxy(opts.Transport, collectionStatic, false, i.staticFailed)
	i.dynamic = i.newProxy(opts.Transport, collectionDynamic, true, i.dynamicFailed)
	i.pages = i.newProxy(opts.Transport, collectionStatic, false, i.pageFailed)
	i.mux = i.routes(cfg.Interceptor)
	return i, nil
}

func (i *Interceptor) routes(cfg config.InterceptorConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	for _, prefix := range cfg.StaticPrefixes {
		r.Handle(routePattern(prefix), http.HandlerFunc(i.cacheFirst))
	}
	for _, prefix := range cfg.NetworkPrefixes {
		r.Handle(routePattern(prefix), http.HandlerFunc(i.networkFirst))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if staticExt[strings.ToLower(path.Ext(r.URL.Path))] {
			i.cacheFirst(w, r)
			return
		}
		i.staleWhileRevalidate(w, r)
	})
	return r
}

func routePattern(prefix string) string {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimRight(prefix, "/") + "/*"
}

// ServeHTTP implements http.Handler.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i.mux.ServeHTTP(w, r)
}

// Close stops background revalidation and waits for it to finish.
func (i *Interceptor) Close() {
	i.cancel()
	i.wg.Wait()
}

func (i *Interceptor) online() bool {
	return i.conn == nil || i.conn.IsOnline()
}

// InvalidateDynamic drops cached API responses whose path starts with
// prefix and returns how many were removed.
func (i *Interceptor) InvalidateDynamic(ctx context.Context, prefix string) (int, error) {
	recs, err := i.store.GetAll(ctx, collectionDynamic)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if !strings.HasPrefix(keyPath(rec.Key), prefix) {
			continue
		}
		if err := i.store.Delete(ctx, collectionDynamic, rec.Key); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		i.log.Info("Dynamic cache invalidated", map[string]interface{}{"prefix": prefix, "removed": n})
	}
	return n, nil
}
