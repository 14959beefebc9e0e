// Package http provides an HTTP client for the compatibility service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	compatclient "github.com/Xala-Technologies/Xaheen-platform-sub003/clients/go"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/compat"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/dbcompat"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/matrix"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format. Leave empty for a
	// server running without a database.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements compatclient.Checker, compatclient.BundleAdvisor,
// compatclient.RuleManager, and compatclient.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ compatclient.Checker       = (*Client)(nil)
	_ compatclient.BundleAdvisor = (*Client)(nil)
	_ compatclient.RuleManager   = (*Client)(nil)
	_ compatclient.Streamer      = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the compatibility service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("compat: HTTP %d: %s", e.StatusCode, e.Message)
}

// -- wire types --------------------------------------------------------------

type wireCheckReq struct {
	Services []core.ServiceIdentifier `json:"services"`
	Options  compat.Options           `json:"options"`
}

type wireDatabaseCheckReq struct {
	Services []core.ServiceIdentifier `json:"services"`
	Context  dbcompat.DatabaseContext `json:"context"`
}

type wireError struct {
	Error string `json:"error"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("compat: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("compat: create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("compat: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

// do sends a request and decodes a JSON response into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("compat: decode response: %w", err)
	}
	return nil
}

// decodeAPIError prefers the server's {"error": "..."} body and falls back to
// the raw text.
func decodeAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	msg := strings.TrimSpace(string(raw))
	var body wireError
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// -- Checker -----------------------------------------------------------------

func (c *Client) Check(ctx context.Context, services []core.ServiceIdentifier, opts compat.Options) (core.CheckResult, error) {
	var out core.CheckResult
	err := c.do(ctx, http.MethodPost, "/v1/check", wireCheckReq{Services: services, Options: opts}, &out)
	return out, err
}

func (c *Client) CheckDatabase(ctx context.Context, services []core.ServiceIdentifier, dbContext dbcompat.DatabaseContext) (core.CheckResult, error) {
	var out core.CheckResult
	err := c.do(ctx, http.MethodPost, "/v1/check/database", wireDatabaseCheckReq{Services: services, Context: dbContext}, &out)
	return out, err
}

// -- BundleAdvisor -----------------------------------------------------------

func (c *Client) RecommendBundle(ctx context.Context, request core.BundleRequest) (core.BundleRecommendation, error) {
	var out core.BundleRecommendation
	err := c.do(ctx, http.MethodPost, "/v1/bundles/recommend", request, &out)
	return out, err
}

func (c *Client) ListBundles(ctx context.Context) ([]core.Bundle, error) {
	var out struct {
		Bundles []core.Bundle `json:"bundles"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/bundles", nil, &out); err != nil {
		return nil, err
	}
	return out.Bundles, nil
}

// -- RuleManager -------------------------------------------------------------

func (c *Client) CreateRule(ctx context.Context, rule core.Rule) (core.Rule, error) {
	var out core.Rule
	err := c.do(ctx, http.MethodPost, "/v1/rules", rule, &out)
	return out, err
}

func (c *Client) GetRule(ctx context.Context, id string) (core.Rule, error) {
	var out core.Rule
	err := c.do(ctx, http.MethodGet, "/v1/rules/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ListRules returns every rule, or only those mentioning provider when it is
// non-empty.
func (c *Client) ListRules(ctx context.Context, provider string) ([]core.Rule, error) {
	query := url.Values{}
	if provider != "" {
		query.Set("provider", provider)
	}
	return c.listRules(ctx, query)
}

// RulesFor lists active rules by source type and, when set, target type.
func (c *Client) RulesFor(ctx context.Context, sourceType string, targetType string) ([]core.Rule, error) {
	query := url.Values{}
	if sourceType != "" {
		query.Set("source_type", sourceType)
	}
	if targetType != "" {
		query.Set("target_type", targetType)
	}
	return c.listRules(ctx, query)
}

func (c *Client) listRules(ctx context.Context, query url.Values) ([]core.Rule, error) {
	path := "/v1/rules"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out struct {
		Rules []core.Rule `json:"rules"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/rules/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ValidateMatrix(ctx context.Context) (matrix.ValidationReport, error) {
	var out matrix.ValidationReport
	err := c.do(ctx, http.MethodGet, "/v1/matrix/validate", nil, &out)
	return out, err
}

func (c *Client) MatrixStats(ctx context.Context) (matrix.Stats, error) {
	var out matrix.Stats
	err := c.do(ctx, http.MethodGet, "/v1/matrix/stats", nil, &out)
	return out, err
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits RuleEvents on the returned
// channel. The channel is closed when ctx is cancelled or the connection
// drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan compatclient.RuleEvent, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan compatclient.RuleEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// 1 MiB buffer for large rule payloads.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads the id, event, and data fields the server emits and sends
// one RuleEvent per blank-line-terminated block.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- compatclient.RuleEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				ev := decodeEvent(eventType, eventID, strings.Join(dataLines, "\n"))
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}

func decodeEvent(eventType string, eventID int64, data string) compatclient.RuleEvent {
	ev := compatclient.RuleEvent{Type: eventType, EventID: eventID}
	if eventType != "update" && eventType != "delete" {
		return ev
	}
	var rule core.Rule
	if err := json.Unmarshal([]byte(data), &rule); err == nil && rule.ID != "" {
		ev.Rule = &rule
		ev.RuleID = rule.ID
	}
	return ev
}
