// Package solstice is a small client for the Solstice agent HTTP API.
package solstice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Chat turns can run several tool rounds, so it is generous.
const DefaultHTTPTimeout = 5 * time.Minute

// Client wraps the HTTP interactions with the Solstice REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// ChatReply is the answer to a synchronous chat turn.
type ChatReply struct {
	Agent string `json:"agent"`
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
}

// InboundMessage is a channel message handed to the gateway queue.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	Sender     string            `json:"sender"`
	SenderName string            `json:"sender_name,omitempty"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// JobRequest creates a scheduled job.
type JobRequest struct {
	Schedule  string `json:"schedule"`
	Prompt    string `json:"prompt"`
	Agent     string `json:"agent,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// Job is a scheduled job as reported by the server.
type Job struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`
	Prompt   string `json:"prompt"`
	Agent    string `json:"agent,omitempty"`
	Delivery struct {
		Channel   string `json:"channel,omitempty"`
		Recipient string `json:"recipient,omitempty"`
	} `json:"delivery"`
	Enabled    bool      `json:"enabled"`
	Failures   int       `json:"failures"`
	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastResult string    `json:"last_result,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Fact is a stored memory fact. Score is set only for search results.
type Fact struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Scope     string    `json:"scope,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Score     float64   `json:"score,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("solstice api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("solstice api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Solstice API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every /v1 request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Chat runs one synchronous turn for sender on channel (empty means webchat).
func (c *Client) Chat(ctx context.Context, channel, sender, text string) (ChatReply, error) {
	var reply ChatReply
	body := map[string]string{"channel": channel, "sender": sender, "text": text}
	err := c.send(ctx, http.MethodPost, "/v1/chat", body, &reply)
	return reply, err
}

// Enqueue hands a message to the gateway and returns its id.
func (c *Client) Enqueue(ctx context.Context, msg InboundMessage) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.send(ctx, http.MethodPost, "/v1/inbound", msg, &out)
	return out.ID, err
}

// Jobs lists scheduled jobs.
func (c *Client) Jobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := c.send(ctx, http.MethodGet, "/v1/jobs", nil, &jobs)
	return jobs, err
}

// AddJob creates a scheduled job.
func (c *Client) AddJob(ctx context.Context, req JobRequest) (Job, error) {
	var job Job
	err := c.send(ctx, http.MethodPost, "/v1/jobs", req, &job)
	return job, err
}

// RemoveJob deletes a job.
func (c *Client) RemoveJob(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil, nil)
}

// EnableJob re-enables a job that was disabled after repeated failures.
func (c *Client) EnableJob(ctx context.Context, id string) (Job, error) {
	var job Job
	err := c.send(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/enable", nil, &job)
	return job, err
}

// Facts lists stored facts, or searches them when query is not empty.
func (c *Client) Facts(ctx context.Context, query string, limit int) ([]Fact, error) {
	q := url.Values{}
	if query != "" {
		q.Set("q", query)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "/v1/memory/facts"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var facts []Fact
	err := c.send(ctx, http.MethodGet, endpoint, nil, &facts)
	return facts, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rawPath, rawQuery, _ := strings.Cut(endpoint, "?")
	rel := &url.URL{Path: path.Join(c.baseURL.Path, rawPath), RawQuery: rawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
