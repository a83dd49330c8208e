package interceptor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
)

type bodyKey struct{}

// newProxy builds a reverse proxy that caches 200 GET responses in
// collection. With failOn5xx, server errors are routed to onFail so the
// cached copy can be served instead.
func (i *Interceptor) newProxy(transport http.RoundTripper, collection string, failOn5xx bool, onFail func(http.ResponseWriter, *http.Request, error)) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(i.upstream)
			pr.SetXForwarded()
		},
		Transport: transport,
		ModifyResponse: func(resp *http.Response) error {
			if failOn5xx && resp.StatusCode >= http.StatusInternalServerError {
				return apperrors.HTTPStatus(resp.StatusCode, resp.Status)
			}
			return i.capture(collection, resp)
		},
		ErrorHandler: onFail,
	}
}

// cacheFirst serves the stored copy when there is one and only goes to
// the network on a miss.
func (i *Interceptor) cacheFirst(w http.ResponseWriter, r *http.Request) {
	if cached, ok := i.lookup(r.Context(), collectionStatic, r); ok {
		serveCached(w, cached)
		return
	}
	if !i.online() {
		i.staticFailed(w, r, apperrors.New(apperrors.ErrOffline, "offline"))
		return
	}
	i.static.ServeHTTP(w, r)
}

// networkFirst prefers a live response and falls back to the stored
// copy, then to the offline sale handler, then to a generic 503.
func (i *Interceptor) networkFirst(w http.ResponseWriter, r *http.Request) {
	if i.isSaleSubmit(r) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSaleBody+1))
		r.Body.Close()
		if err != nil || len(body) > maxSaleBody {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":   "Solicitud de venta inválida",
				"offline": !i.online(),
			})
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), bodyKey{}, body))
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	if !i.online() {
		i.dynamicFailed(w, r, apperrors.New(apperrors.ErrOffline, "offline"))
		return
	}
	i.dynamic.ServeHTTP(w, r)
}

// staleWhileRevalidate answers from the cache immediately and refreshes
// the stored copy in the background.
func (i *Interceptor) staleWhileRevalidate(w http.ResponseWriter, r *http.Request) {
	cached, ok := i.lookup(r.Context(), collectionStatic, r)
	if !ok {
		if !i.online() {
			i.pageFailed(w, r, apperrors.New(apperrors.ErrOffline, "offline"))
			return
		}
		i.pages.ServeHTTP(w, r)
		return
	}
	serveCached(w, cached)
	if i.online() {
		i.revalidate(r)
	}
}

func (i *Interceptor) revalidate(r *http.Request) {
	key := cacheKey(r)
	u := *i.upstream
	u.Path = strings.TrimRight(u.Path, "/") + r.URL.Path
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery
	header := r.Header.Clone()

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.refreshing.Do(key, func() (interface{}, error) {
			req, err := http.NewRequestWithContext(i.ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return nil, err
			}
			req.Header = header
			resp, err := i.client.Do(req)
			if err != nil {
				i.log.Debug("Revalidation failed", map[string]interface{}{"key": key, "error": err.Error()})
				return nil, err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return nil, nil
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody+1))
			if err != nil || len(body) > maxCachedBody {
				return nil, err
			}
			i.save(i.ctx, collectionStatic, key, resp.StatusCode, resp.Header, body)
			return nil, nil
		})
	}()
}

func (i *Interceptor) staticFailed(w http.ResponseWriter, r *http.Request, err error) {
	i.log.Debug("Static resource unavailable", map[string]interface{}{"path": r.URL.Path, "error": err.Error()})
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(w, "Recurso no disponible offline")
}

func (i *Interceptor) pageFailed(w http.ResponseWriter, r *http.Request, err error) {
	// A page fetch may have failed after the lookup raced a revalidation.
	if cached, ok := i.lookup(r.Context(), collectionStatic, r); ok {
		serveCached(w, cached)
		return
	}
	i.staticFailed(w, r, err)
}

func (i *Interceptor) dynamicFailed(w http.ResponseWriter, r *http.Request, err error) {
	if cached, ok := i.lookup(r.Context(), collectionDynamic, r); ok {
		i.log.Debug("Serving cached API response", map[string]interface{}{"path": r.URL.Path, "error": err.Error()})
		serveCached(w, cached)
		return
	}
	if body, ok := r.Context().Value(bodyKey{}).([]byte); ok && i.isSaleSubmit(r) {
		i.queueSale(w, r, body, err)
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"error":     "Sin conexión a internet",
		"offline":   true,
		"timestamp": i.now().UnixMilli(),
	})
}

func (i *Interceptor) isSaleSubmit(r *http.Request) bool {
	return r.Method == http.MethodPost && i.submitPath != "" && r.URL.Path == i.submitPath
}
