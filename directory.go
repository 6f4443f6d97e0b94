package chatsync

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
)

// Directory is the request/response side of the chat server: conversation
// lists, message history and contacts.
type Directory interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]Message, error)
}

const (
	DefaultAPIURL  = "http://localhost:8080/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// DirectoryClient
// ============================================================================

// DirectoryClient is the HTTP implementation of Directory.
type DirectoryClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

type DirectoryOption func(*DirectoryClient)

func WithHTTPClient(client *http.Client) DirectoryOption {
	return func(c *DirectoryClient) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) DirectoryOption {
	return func(c *DirectoryClient) { c.httpClient.Timeout = timeout }
}

// NewDirectoryClient creates a client for the API rooted at baseURL
// (e.g. "http://localhost:8080/api").
func NewDirectoryClient(baseURL string, tokens TokenSource, opts ...DirectoryOption) *DirectoryClient {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	c := &DirectoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Conversations lists the local user's conversations.
func (c *DirectoryClient) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/messages/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages returns the history of a conversation, oldest first.
func (c *DirectoryClient) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	path := "/messages/conversations/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Status == "" {
			out[i].Status = StatusSent
		}
	}
	return out, nil
}

// Contacts lists the local user's contacts.
func (c *DirectoryClient) Contacts(ctx context.Context) ([]Contact, error) {
	var out []Contact
	if err := c.do(ctx, http.MethodGet, "/contacts", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddContact adds a user to the contact list.
func (c *DirectoryClient) AddContact(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/contacts", map[string]string{"contact_id": userID}, nil, nil)
}

// SearchUsers finds users by username.
func (c *DirectoryClient) SearchUsers(ctx context.Context, query string) ([]User, error) {
	var out []User
	if err := c.do(ctx, http.MethodGet, "/users/search", nil, map[string]string{"q": query}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Me returns the authenticated user.
func (c *DirectoryClient) Me(ctx context.Context) (*User, error) {
	var out User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *DirectoryClient) do(ctx context.Context, method, path string, body any, query map[string]string, out any) error {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *DirectoryClient) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}
