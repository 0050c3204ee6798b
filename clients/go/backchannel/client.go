// Package backchannel is a Go client for the backchannel visitor messaging
// server: the REST routes plus a reconnecting event stream reader.
package backchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is a backchannel API client. AdminToken is only needed for the
// operator routes.
type Client struct {
	BaseURL    string
	AdminToken string
	HTTPClient *http.Client
}

// NewClient creates a new client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string `json:"error"`
	Reason  string `json:"reason,omitempty"`
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("backchannel error %d: %s (%s)", e.Status, e.Message, e.Reason)
	}
	return fmt.Sprintf("backchannel error %d: %s", e.Status, e.Message)
}

// doRequest performs an HTTP request and decodes the JSON response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, in, out any, admin bool) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+c.AdminToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		json.Unmarshal(respBody, apiErr)
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// Message is one thread entry.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp int64  `json:"ts"`
	Page      string `json:"page,omitempty"`
}

// Thread is one row of the operator's thread list.
type Thread struct {
	VisitorID         string   `json:"visitorId"`
	FirstSeen         int64    `json:"firstSeen"`
	LastSeen          int64    `json:"lastSeen"`
	MessageCount      int      `json:"messageCount"`
	PagesVisited      []string `json:"pagesVisited"`
	LastMessage       *Message `json:"lastMessage,omitempty"`
	UnreadFromVisitor int      `json:"unreadFromVisitor"`
}

// FeedbackRequest is the body of POST /feedback.
type FeedbackRequest struct {
	VisitorID string `json:"visitorId"`
	Type      string `json:"type"` // "ping" or "message"
	Text      string `json:"text,omitempty"`
	Page      string `json:"page,omitempty"`
}

// FeedbackResponse is the response to POST /feedback.
type FeedbackResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	VisitorID string `json:"visitorId"`
	Count     *int   `json:"count,omitempty"`
}

// CheckResponse is the polling response.
type CheckResponse struct {
	Messages    []Message `json:"messages"`
	UnreadCount int       `json:"unreadCount"`
	HasNew      bool      `json:"hasNew"`
}

// ThinkContext describes the visitor's page.
type ThinkContext struct {
	CurrentPage string `json:"currentPage"`
	TimeOnPage  int    `json:"timeOnPage"`
	Hour        *int   `json:"hour,omitempty"`
}

// ThinkRequest is the body of POST /creature/think.
type ThinkRequest struct {
	VisitorID string       `json:"vid"`
	Trigger   string       `json:"trigger"`
	Context   ThinkContext `json:"context"`
}

// Thought is the creature's answer.
type Thought struct {
	Thought string `json:"thought"`
	Mood    string `json:"mood"`
}

// HealthResponse is the server health report.
type HealthResponse struct {
	Status      string         `json:"status"`
	Version     string         `json:"version"`
	Checks      map[string]any `json:"checks"`
	Connections struct {
		Visitors int `json:"visitors"`
		Admins   int `json:"admins"`
		Total    int `json:"total"`
	} `json:"connections"`
	Timestamp string `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessage posts a visitor message.
func (c *Client) SendMessage(ctx context.Context, visitorID, text, page string) (*FeedbackResponse, error) {
	return c.Feedback(ctx, FeedbackRequest{VisitorID: visitorID, Type: "message", Text: text, Page: page})
}

// Feedback posts a ping or message.
func (c *Client) Feedback(ctx context.Context, req FeedbackRequest) (*FeedbackResponse, error) {
	var resp FeedbackResponse
	if err := c.doRequest(ctx, http.MethodPost, "/feedback", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Messages returns a visitor's whole thread.
func (c *Client) Messages(ctx context.Context, visitorID string) ([]Message, error) {
	var resp struct {
		Messages []Message `json:"messages"`
	}
	path := "/threads/" + url.PathEscape(visitorID) + "/messages"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Check returns the messages after sinceID.
func (c *Client) Check(ctx context.Context, visitorID, sinceID string) (*CheckResponse, error) {
	path := "/threads/" + url.PathEscape(visitorID) + "/check"
	if sinceID != "" {
		path += "?since=" + url.QueryEscape(sinceID)
	}
	var resp CheckResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Think asks for a creature thought.
func (c *Client) Think(ctx context.Context, req ThinkRequest) (*Thought, error) {
	var resp Thought
	if err := c.doRequest(ctx, http.MethodPost, "/creature/think", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Threads lists every thread, most recent first.
func (c *Client) Threads(ctx context.Context) ([]Thread, error) {
	var resp struct {
		Threads []Thread `json:"threads"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/admin/threads", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

// Reply sends an operator reply and returns its message id.
func (c *Client) Reply(ctx context.Context, visitorID, text string) (string, error) {
	var resp struct {
		MessageID string `json:"messageId"`
	}
	path := "/admin/threads/" + url.PathEscape(visitorID) + "/reply"
	if err := c.doRequest(ctx, http.MethodPost, path, map[string]string{"text": text}, &resp, true); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// DeleteThread removes a thread.
func (c *Client) DeleteThread(ctx context.Context, visitorID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/admin/threads/"+url.PathEscape(visitorID), nil, nil, true)
}

// Block adds a visitor to the block list.
func (c *Client) Block(ctx context.Context, visitorID string) error {
	return c.doRequest(ctx, http.MethodPut, "/admin/blocked/"+url.PathEscape(visitorID), nil, nil, true)
}

// Unblock removes a visitor from the block list.
func (c *Client) Unblock(ctx context.Context, visitorID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/admin/blocked/"+url.PathEscape(visitorID), nil, nil, true)
}

// VisitorStream returns a stream client for a visitor's thread.
func (c *Client) VisitorStream(visitorID string, opts ...StreamOption) *StreamClient {
	return NewStreamClient(c.BaseURL+"/threads/"+url.PathEscape(visitorID)+"/stream", opts...)
}

// AdminStream returns a stream client for the operator feed.
func (c *Client) AdminStream(opts ...StreamOption) *StreamClient {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.AdminToken)
	return NewStreamClient(c.BaseURL+"/admin/stream", append([]StreamOption{WithHeader(header)}, opts...)...)
}
