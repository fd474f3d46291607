// Package teacherapi is a thin REST client for the education platform's
// messaging endpoints. It returns raw JSON records; shaping them into
// conversations and messages is left to the sync engine, because the
// backend is inconsistent about field names and envelopes.
package teacherapi

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

	"github.com/tidwall/gjson"
)

// Category names a server-side conversation list.
type Category string

const (
	CategoryGroups    Category = "groups"
	CategoryFavorites Category = "favorites"
	CategoryUnread    Category = "unread"
)

// RoleStudent is the role filter used to list a teacher's contacts.
const RoleStudent = "STUDENT"

const maxErrorBody = 512

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsFeatureUnavailable reports whether err means the endpoint is not
// available to this account (401, 403 or 404). Callers treat those as
// "no data" rather than as a failure.
func IsFeatureUnavailable(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	switch httpErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// SendRequest is the body of a message send. Group sends set GroupID
// instead of RecipientID.
type SendRequest struct {
	RecipientID string `json:"recipientId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	Content     string `json:"content"`
}

// Client talks to the platform REST API. It imposes no timeout of its
// own beyond the configured http.Client timeout.
type Client struct {
	BaseURL    *url.URL
	Token      string
	HTTPClient *http.Client
}

// NewClient parses baseURL and returns a client with the given request
// timeout. A zero timeout leaves the transport default in place.
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL %q: %w", baseURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q: missing scheme or host", baseURL)
	}
	return &Client{
		BaseURL:    parsed,
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
	}, nil
}

// buildURL appends an already-escaped path to the base URL.
func (c *Client) buildURL(path string, query url.Values) string {
	u := c.BaseURL.JoinPath(strings.Split(strings.TrimPrefix(path, "/"), "/")...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path, query), reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: snippet}
	}
	return data, nil
}

// listEnvelopePaths are the wrapper keys the backend has been seen to use
// around list payloads, in lookup order.
var listEnvelopePaths = []string{
	"data.items", "data.messages", "data.conversations", "data.users",
	"data", "items", "messages", "conversations", "users", "results",
}

// ExtractList unwraps a list payload that may be a bare array or an
// object carrying the array under one of the known envelope keys.
// Anything else yields an empty list.
func ExtractList(data []byte) []json.RawMessage {
	if !gjson.ValidBytes(data) {
		return nil
	}
	root := gjson.ParseBytes(data)
	list := root
	if !root.IsArray() {
		list = gjson.Result{}
		for _, path := range listEnvelopePaths {
			if candidate := root.Get(path); candidate.IsArray() {
				list = candidate
				break
			}
		}
	}
	if !list.IsArray() {
		return nil
	}
	items := list.Array()
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		if !item.IsObject() {
			continue
		}
		out = append(out, json.RawMessage(item.Raw))
	}
	return out
}

// extractObject unwraps a single-record payload ({"data": {...}} or bare).
func extractObject(data []byte) json.RawMessage {
	if !gjson.ValidBytes(data) {
		return nil
	}
	root := gjson.ParseBytes(data)
	for _, path := range []string{"data.message", "data", "message"} {
		if candidate := root.Get(path); candidate.IsObject() {
			return json.RawMessage(candidate.Raw)
		}
	}
	if root.IsObject() {
		return json.RawMessage(root.Raw)
	}
	return nil
}

func (c *Client) getList(ctx context.Context, path string, query url.Values) ([]json.RawMessage, error) {
	data, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	return ExtractList(data), nil
}

// ListConversations returns the raw conversation records of a category.
func (c *Client) ListConversations(ctx context.Context, category Category) ([]json.RawMessage, error) {
	return c.getList(ctx, "/conversations", url.Values{"category": {string(category)}})
}

// ListContacts returns the raw user records with the given role.
func (c *Client) ListContacts(ctx context.Context, role string) ([]json.RawMessage, error) {
	return c.getList(ctx, "/users", url.Values{"role": {role}})
}

// GetChatHistory returns the one-to-one thread with a participant.
func (c *Client) GetChatHistory(ctx context.Context, participantID string) ([]json.RawMessage, error) {
	return c.getList(ctx, "/messages/history/"+url.PathEscape(participantID), nil)
}

// GetMessages returns one page of a group thread.
func (c *Client) GetMessages(ctx context.Context, conversationID string, page, limit int) ([]json.RawMessage, error) {
	query := url.Values{
		"page":  {strconv.Itoa(page)},
		"limit": {strconv.Itoa(limit)},
	}
	return c.getList(ctx, "/conversations/"+url.PathEscape(conversationID)+"/messages", query)
}

// SendMessage posts a message and returns the persisted record, which may
// be nil if the backend replies with an empty body.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (json.RawMessage, error) {
	data, err := c.do(ctx, http.MethodPost, "/messages", nil, req)
	if err != nil {
		return nil, err
	}
	return extractObject(data), nil
}

// MarkRead acknowledges a conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// UnreadCount returns the server-side global unread counter.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	data, err := c.do(ctx, http.MethodGet, "/messages/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	if !gjson.ValidBytes(data) {
		return 0, nil
	}
	root := gjson.ParseBytes(data)
	for _, path := range []string{"data.count", "data.unreadCount", "count", "unreadCount", "unread"} {
		if v := root.Get(path); v.Exists() {
			return int(v.Int()), nil
		}
	}
	if root.Type == gjson.Number {
		return int(root.Int()), nil
	}
	return 0, nil
}
