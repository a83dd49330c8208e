package interceptor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kimhsiao/offlinepos/internal/db"
)

// CachedResponse is a stored upstream response.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt int64       `json:"storedAt"`
}

// cacheKey identifies a GET by path and query.
func cacheKey(r *http.Request) string {
	key := "GET " + r.URL.Path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}
	return key
}

func keyPath(key string) string {
	return strings.TrimPrefix(key, "GET ")
}

func cacheable(r *http.Request) bool {
	return r.Method == http.MethodGet
}

func (i *Interceptor) lookup(ctx context.Context, collection string, r *http.Request) (*CachedResponse, bool) {
	if !cacheable(r) {
		return nil, false
	}
	cached, err := db.GetAs[CachedResponse](ctx, i.store, collection, cacheKey(r))
	if err != nil {
		return nil, false
	}
	return &cached, true
}

func (i *Interceptor) save(ctx context.Context, collection, key string, status int, header http.Header, body []byte) {
	h := header.Clone()
	h.Del("Set-Cookie")
	h.Del("Content-Length")
	h.Del(CacheHeader)
	if h.Get("Content-Type") == "" && len(body) > 0 {
		h.Set("Content-Type", mimetype.Detect(body).String())
	}
	entry := CachedResponse{Status: status, Header: h, Body: body, StoredAt: i.now().UnixMilli()}
	if err := db.PutAs(context.WithoutCancel(ctx), i.store, collection, key, &entry); err != nil {
		i.log.Warn("Failed to cache response", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

// capture stores a 200 GET response while leaving it readable for the
// client. Bodies above maxCachedBody are streamed through uncached.
func (i *Interceptor) capture(collection string, resp *http.Response) error {
	if resp.StatusCode != http.StatusOK || !cacheable(resp.Request) {
		return nil
	}
	head, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody+1))
	if err != nil {
		return err
	}
	if len(head) > maxCachedBody {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(head), resp.Body), resp.Body}
		return nil
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(head))
	resp.ContentLength = int64(len(head))
	resp.Header.Set("Content-Length", strconv.Itoa(len(head)))
	i.save(resp.Request.Context(), collection, cacheKey(resp.Request), resp.StatusCode, resp.Header, head)
	return nil
}

func serveCached(w http.ResponseWriter, c *CachedResponse) {
	for k, v := range c.Header {
		w.Header()[k] = append([]string(nil), v...)
	}
	w.Header().Set(CacheHeader, "hit")
	w.Header().Set("Content-Length", strconv.Itoa(len(c.Body)))
	w.WriteHeader(c.Status)
	w.Write(c.Body)
}
