package pinecone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"perpy/internal/domain"
)

const (
	// DefaultTopK is the number of matches returned when callers do not ask for more.
	DefaultTopK = 4

	textMetadataKey   = "text"
	sourceMetadataKey = "source"
)

// HTTPStatusError captures non-2xx responses from the index service.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("pinecone: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Config identifies an existing index and the namespace queries are restricted to.
type Config struct {
	APIKey      string
	Environment string
	IndexName   string
	Namespace   string
	// IndexHost skips host discovery through the controller when set.
	IndexHost string
	// ControllerURL overrides https://controller.{Environment}.pinecone.io.
	ControllerURL string
}

// Client opens read-only connections to a pre-built index.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.IndexName = strings.TrimSpace(cfg.IndexName)
	cfg.Namespace = strings.TrimSpace(cfg.Namespace)
	if cfg.APIKey == "" {
		return nil, errors.New("pinecone: api key must not be empty")
	}
	if cfg.IndexName == "" {
		return nil, errors.New("pinecone: index name must not be empty")
	}
	if cfg.IndexHost == "" && cfg.ControllerURL == "" && strings.TrimSpace(cfg.Environment) == "" {
		return nil, errors.New("pinecone: environment or index host is required")
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// IndexConn is a connection to one namespace of the index.
type IndexConn struct {
	host       string
	namespace  string
	apiKey     string
	httpClient *http.Client
}

// Namespace returns the partition this connection is scoped to.
func (c *IndexConn) Namespace() string { return c.namespace }

// Host returns the data-plane base URL.
func (c *IndexConn) Host() string { return c.host }

// Connect resolves the index data-plane host and returns a new connection.
func (c *Client) Connect(ctx context.Context) (*IndexConn, error) {
	host := strings.TrimSpace(c.cfg.IndexHost)
	if host == "" {
		resolved, err := c.describeIndexHost(ctx)
		if err != nil {
			return nil, err
		}
		host = resolved
	}
	return &IndexConn{
		host:       normalizeHost(host),
		namespace:  c.cfg.Namespace,
		apiKey:     c.cfg.APIKey,
		httpClient: c.httpClient,
	}, nil
}

func (c *Client) controllerURL() string {
	if c.cfg.ControllerURL != "" {
		return strings.TrimRight(c.cfg.ControllerURL, "/")
	}
	return "https://controller." + strings.TrimSpace(c.cfg.Environment) + ".pinecone.io"
}

type describeIndexResponse struct {
	Status struct {
		Ready bool   `json:"ready"`
		Host  string `json:"host"`
		State string `json:"state"`
	} `json:"status"`
}

func (c *Client) describeIndexHost(ctx context.Context) (string, error) {
	u := c.controllerURL() + "/databases/" + url.PathEscape(c.cfg.IndexName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("pinecone: create describe request: %w", err)
	}
	req.Header.Set("Api-Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	raw, err := doJSONRequest(c.httpClient, req, u)
	if err != nil {
		return "", fmt.Errorf("pinecone: describe index %q: %w", c.cfg.IndexName, err)
	}
	var out describeIndexResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("pinecone: decode describe response: %w", err)
	}
	if strings.TrimSpace(out.Status.Host) == "" {
		return "", fmt.Errorf("pinecone: index %q has no host (state %q)", c.cfg.IndexName, out.Status.State)
	}
	return out.Status.Host, nil
}

type queryRequest struct {
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	Namespace       string    `json:"namespace,omitempty"`
	IncludeMetadata bool      `json:"includeMetadata"`
	IncludeValues   bool      `json:"includeValues"`
}

type queryResponse struct {
	Matches []struct {
		ID       string         `json:"id"`
		Score    float64        `json:"score"`
		Metadata map[string]any `json:"metadata"`
	} `json:"matches"`
	Namespace string `json:"namespace"`
}

// Query returns the topK nearest passages to vector within the connection's namespace.
func (c *IndexConn) Query(ctx context.Context, vector []float32, topK int) ([]domain.Passage, error) {
	if len(vector) == 0 {
		return nil, errors.New("pinecone: query vector must not be empty")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	body, err := json.Marshal(queryRequest{
		Vector:          vector,
		TopK:            topK,
		Namespace:       c.namespace,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("pinecone: marshal query: %w", err)
	}

	u := c.host + "/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("pinecone: create query request: %w", err)
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	raw, err := doJSONRequest(c.httpClient, req, u)
	if err != nil {
		return nil, fmt.Errorf("pinecone: query failed: %w", err)
	}

	var out queryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("pinecone: decode query response: %w", err)
	}

	passages := make([]domain.Passage, 0, len(out.Matches))
	for _, m := range out.Matches {
		passages = append(passages, matchToPassage(m.ID, m.Score, m.Metadata))
	}
	return passages, nil
}

func matchToPassage(id string, score float64, metadata map[string]any) domain.Passage {
	p := domain.Passage{ID: id, Score: score}
	for k, v := range metadata {
		s, ok := metadataString(v)
		if !ok {
			continue
		}
		switch k {
		case textMetadataKey:
			p.Text = s
		case sourceMetadataKey:
			p.Source = s
		default:
			if p.Metadata == nil {
				p.Metadata = make(map[string]string)
			}
			p.Metadata[k] = s
		}
	}
	return p
}

// metadataString flattens scalar metadata values. Lists and objects are dropped.
func metadataString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func normalizeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "https://" + host
}

func doJSONRequest(client *http.Client, req *http.Request, u string) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: u, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
