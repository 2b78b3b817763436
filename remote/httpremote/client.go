// Package httpremote implements the remote document-store contract over a
// JSON REST API.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vitalsync/vitalsync"
	"github.com/vitalsync/vitalsync/entity"
	syncErrors "github.com/vitalsync/vitalsync/errors"
	"github.com/vitalsync/vitalsync/logging"
)

// DefaultTimeout bounds each remote call when no option overrides it.
const DefaultTimeout = 5 * time.Second

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 10 << 20

// Client talks to a remote document store over HTTP. Every call is bounded by
// the configured timeout; a store that does not answer in time fails instead
// of hanging.
type Client struct {
	baseURL   string
	client    *http.Client
	timeout   time.Duration
	authToken string
	logger    *logging.Logger
}

// Compile-time check that Client satisfies the remote contract
var _ vitalsync.RemoteClient = (*Client)(nil)

// Option is a function that configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom underlying HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithTimeout sets the per-call timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithAuthToken sets a bearer token sent on every request
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = token
	}
}

// NewClient creates a document-store client for the given base URL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		logger:  logging.WithComponent(logging.Component("http-remote")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: c.timeout}
	}
	return c, nil
}

// createResponse is the wire shape of a successful document creation.
type createResponse struct {
	ID string `json:"id"`
}

// wireDocument is the wire shape of a stored document.
type wireDocument struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Create stores a new document and returns the server-assigned id.
func (c *Client) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	var result createResponse
	path := fmt.Sprintf("/collections/%s/documents", url.PathEscape(collection))
	if err := c.do(ctx, http.MethodPost, path, fields, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", syncErrors.NewNetworkError(syncErrors.OpAdd,
			fmt.Errorf("server returned no document id"))
	}
	return result.ID, nil
}

// Update applies a field map to an existing document.
func (c *Client) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	path := fmt.Sprintf("/collections/%s/documents/%s",
		url.PathEscape(collection), url.PathEscape(id))
	return c.do(ctx, http.MethodPatch, path, fields, nil)
}

// Delete removes a document.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	path := fmt.Sprintf("/collections/%s/documents/%s",
		url.PathEscape(collection), url.PathEscape(id))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Query returns documents in a collection matching the filter. A nil filter
// returns the whole collection.
func (c *Client) Query(ctx context.Context, collection string, filter map[string]string) ([]entity.Entity, error) {
	path := fmt.Sprintf("/collections/%s/documents", url.PathEscape(collection))
	if len(filter) > 0 {
		params := url.Values{}
		for k, v := range filter {
			params.Set(k, v)
		}
		path += "?" + params.Encode()
	}

	var docs []wireDocument
	if err := c.do(ctx, http.MethodGet, path, nil, &docs); err != nil {
		return nil, err
	}

	entities := make([]entity.Entity, 0, len(docs))
	for _, doc := range docs {
		entities = append(entities, entity.Entity{
			Collection: collection,
			ID:         doc.ID,
			Fields:     doc.Fields,
		})
	}
	return entities, nil
}

// Close releases client resources.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// do performs a single bounded request, optionally marshaling a JSON body and
// decoding a JSON result. Any failure is reported as a retryable network
// error: the coordinator only needs to know the store was unreachable.
func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	op := operationFor(method)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return syncErrors.NewNetworkError(op, fmt.Errorf("failed to encode request body: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return syncErrors.NewNetworkError(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return syncErrors.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return syncErrors.NewNetworkError(op,
			fmt.Errorf("remote returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	if result != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(result); err != nil {
			return syncErrors.NewNetworkError(op, fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}

func operationFor(method string) syncErrors.Operation {
	switch method {
	case http.MethodPost:
		return syncErrors.OpAdd
	case http.MethodPatch:
		return syncErrors.OpUpdate
	case http.MethodDelete:
		return syncErrors.OpDelete
	default:
		return syncErrors.OpGet
	}
}
