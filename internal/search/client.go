// Package search queries an Azure AI Search index over its REST API.
package search

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ent0n29/voicerag/internal/reliability"
)

const defaultAPIVersion = "2023-11-01"

// Document is one ranked search hit.
type Document struct {
	Name        string
	Description string
	Score       float64
}

// StatusError is returned when the search service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
	Retryable  bool
}

func (e *StatusError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("search http status %d (retryable): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("search http status %d: %s", e.StatusCode, e.Body)
}

// Client runs full-text queries against one index.
type Client struct {
	endpoint   string
	apiKey     string
	index      string
	apiVersion string
	client     *http.Client
}

// NewClient builds a search client. A nil httpClient gets an instrumented
// client with a 30s timeout.
func NewClient(endpoint, apiKey, index, apiVersion string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(30 * time.Second)
	}
	apiVersion = strings.TrimSpace(apiVersion)
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	return &Client{
		endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		apiKey:     apiKey,
		index:      strings.TrimSpace(index),
		apiVersion: apiVersion,
		client:     httpClient,
	}
}

// NewHTTPClient returns an http.Client whose transport emits OpenTelemetry spans.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

type searchRequest struct {
	Search string `json:"search"`
	Top    int    `json:"top,omitempty"`
}

type searchResponse struct {
	Value []searchHit `json:"value"`
}

type searchHit struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Score       float64 `json:"@search.score"`
}

// Search returns at most maxResults documents in ranking order.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]Document, error) {
	payload, err := json.Marshal(searchRequest{Search: query, Top: maxResults})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.searchURL(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.apiKey)

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &StatusError{
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			Retryable:  reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}

	var decoded searchResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	docs := make([]Document, 0, len(decoded.Value))
	for _, hit := range decoded.Value {
		docs = append(docs, Document{Name: hit.Name, Description: hit.Description, Score: hit.Score})
	}
	if maxResults > 0 && len(docs) > maxResults {
		docs = docs[:maxResults]
	}
	return docs, nil
}

func (c *Client) searchURL() string {
	q := url.Values{}
	q.Set("api-version", c.apiVersion)
	return c.endpoint + "/indexes/" + url.PathEscape(c.index) + "/docs/search?" + q.Encode()
}
