// Package remote is the HTTP boundary to the server of record.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/offlinepos/internal/config"
	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
	"github.com/kimhsiao/offlinepos/internal/models"
)

// CSRFHeader carries the anti-forgery token on writes.
const CSRFHeader = "X-CSRFToken"

// maxErrorBody bounds how much of a failed response is kept for logs.
const maxErrorBody = 512

// SnapshotFetcher pulls full reference-data snapshots.
type SnapshotFetcher interface {
	FetchProductSnapshot(ctx context.Context, ts time.Time) (*ProductSnapshot, error)
	FetchCustomerSnapshot(ctx context.Context) (*CustomerSnapshot, error)
}

// Searcher runs catalog and customer searches on the server.
type Searcher interface {
	SearchProducts(ctx context.Context, q ProductQuery) ([]models.CachedProduct, error)
	SearchCustomers(ctx context.Context, query string, limit int) ([]models.CachedCustomer, error)
}

// Submitter delivers a transaction body to the processing endpoint.
type Submitter interface {
	SubmitSale(ctx context.Context, body []byte) error
}

// CodeLookup resolves a product by any of its codes.
type CodeLookup interface {
	ProductByCode(ctx context.Context, code string) (*models.CachedProduct, error)
}

// TokenSource supplies the CSRF token for writes.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token returns the fixed token.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// ProductQuery are the parameters of a catalog search.
type ProductQuery struct {
	Query      string
	CategoryID int64
	BrandID    int64
	Limit      int
}

// ProductSnapshot is one full catalog generation.
type ProductSnapshot struct {
	Products []models.CachedProduct
	Metadata *models.SnapshotMetadata
}

// CustomerSnapshot is one full customer generation.
type CustomerSnapshot struct {
	Customers []models.CachedCustomer
}

// envelope holds the flags every JSON response may carry.
type envelope struct {
	Success     *bool  `json:"success"`
	OfflineMode bool   `json:"modo_offline"`
	Error       string `json:"error"`
}

func (e *envelope) check() error {
	if e.OfflineMode {
		return apperrors.New(apperrors.ErrServerOffline, "server reported offline mode")
	}
	if e.Success != nil && !*e.Success {
		msg := "server reported failure"
		if e.Error != "" {
			msg += ": " + e.Error
		}
		return apperrors.New(apperrors.ErrMalformedResponse, msg)
	}
	return nil
}

// Client implements every boundary interface over net/http.
type Client struct {
	baseURL   string
	endpoints config.Endpoints
	timeout   time.Duration
	http      *http.Client
	tokens    TokenSource
}

// New creates a client. A nil httpClient uses http.DefaultClient's
// transport; a nil tokens source sends the configured token.
func New(cfg config.ServerConfig, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if tokens == nil {
		tokens = StaticToken(cfg.CSRFToken)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		endpoints: cfg.Endpoints,
		timeout:   timeout,
		http:      httpClient,
		tokens:    tokens,
	}
}

// BaseURL returns the server base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends req under the per-call timeout and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, method, target string, body []byte, header http.Header, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to create HTTP request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "failed to send HTTP request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		e := apperrors.HTTPStatus(resp.StatusCode, fmt.Sprintf("server returned status %d", resp.StatusCode))
		if len(snippet) > 0 {
			e.Err = fmt.Errorf("%s", strings.TrimSpace(string(snippet)))
		}
		return e
	}

	if out == nil {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrMalformedResponse, "failed to decode response", err)
	}
	return nil
}

type productSnapshotResponse struct {
	envelope
	Products *[]models.CachedProduct `json:"productos"`
	Metadata *models.SnapshotMetadata `json:"metadata"`
}

// FetchProductSnapshot fetches the full catalog for offline use.
func (c *Client) FetchProductSnapshot(ctx context.Context, ts time.Time) (*ProductSnapshot, error) {
	q := url.Values{"timestamp": {strconv.FormatInt(ts.UnixMilli(), 10)}}
	var resp productSnapshotResponse
	if err := c.do(ctx, http.MethodGet, c.url(c.endpoints.ProductSnapshot, q), nil, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.check(); err != nil {
		return nil, err
	}
	if resp.Products == nil {
		return nil, apperrors.New(apperrors.ErrMalformedResponse, "snapshot has no productos")
	}
	return &ProductSnapshot{Products: *resp.Products, Metadata: resp.Metadata}, nil
}

type customersResponse struct {
	envelope
	Customers *[]models.CachedCustomer `json:"clientes"`
}

// FetchCustomerSnapshot fetches every customer for offline use.
func (c *Client) FetchCustomerSnapshot(ctx context.Context) (*CustomerSnapshot, error) {
	var resp customersResponse
	if err := c.do(ctx, http.MethodGet, c.url(c.endpoints.CustomerSnapshot, nil), nil, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.check(); err != nil {
		return nil, err
	}
	if resp.Customers == nil {
		return nil, apperrors.New(apperrors.ErrMalformedResponse, "snapshot has no clientes")
	}
	return &CustomerSnapshot{Customers: *resp.Customers}, nil
}

// SearchProducts runs a catalog search on the server.
func (c *Client) SearchProducts(ctx context.Context, pq ProductQuery) ([]models.CachedProduct, error) {
	q := url.Values{"q": {pq.Query}}
	if pq.Limit > 0 {
		l := strconv.Itoa(pq.Limit)
		q.Set("limite", l)
		q.Set("limit", l) // the catalog view reads limit
	}
	if pq.CategoryID > 0 {
		q.Set("categoria", strconv.FormatInt(pq.CategoryID, 10))
	}
	if pq.BrandID > 0 {
		q.Set("marca", strconv.FormatInt(pq.BrandID, 10))
	}

	var resp productSnapshotResponse
	if err := c.do(ctx, http.MethodGet, c.url(c.endpoints.ProductSearch, q), nil, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.check(); err != nil {
		return nil, err
	}
	if resp.Products == nil {
		return nil, apperrors.New(apperrors.ErrMalformedResponse, "search response has no productos")
	}
	return *resp.Products, nil
}

// SearchCustomers runs a customer search on the server.
func (c *Client) SearchCustomers(ctx context.Context, query string, limit int) ([]models.CachedCustomer, error) {
	q := url.Values{"search": {query}}
	var resp customersResponse
	if err := c.do(ctx, http.MethodGet, c.url(c.endpoints.CustomerSearch, q), nil, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.check(); err != nil {
		return nil, err
	}
	if resp.Customers == nil {
		return nil, apperrors.New(apperrors.ErrMalformedResponse, "search response has no clientes")
	}
	out := *resp.Customers
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SubmitSale posts a transaction body. Any 2xx is success.
func (c *Client) SubmitSale(ctx context.Context, body []byte) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "failed to get CSRF token", err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if token != "" {
		h.Set(CSRFHeader, token)
	}
	return c.do(ctx, http.MethodPost, c.url(c.endpoints.SaleSubmit, nil), body, h, nil)
}

type productByCodeResponse struct {
	envelope
	Product *models.CachedProduct `json:"producto"`
}

// ProductByCode resolves a product by main, auxiliary or alternate code.
// An unknown code is NOT_FOUND, which is not a transient failure.
func (c *Client) ProductByCode(ctx context.Context, code string) (*models.CachedProduct, error) {
	target := c.url(strings.TrimRight(c.endpoints.ProductByCode, "/")+"/"+url.PathEscape(code)+"/", nil)
	var resp productByCodeResponse
	err := c.do(ctx, http.MethodGet, target, nil, nil, &resp)
	if err != nil {
		if apperrors.StatusOf(err) == http.StatusNotFound {
			return nil, apperrors.New(apperrors.ErrNotFound, "no product with code "+code)
		}
		return nil, err
	}
	if err := resp.check(); err != nil {
		return nil, err
	}
	if resp.Product == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, "no product with code "+code)
	}
	return resp.Product, nil
}
