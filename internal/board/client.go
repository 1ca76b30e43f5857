// Package board talks to the external Kanban service and keeps its cards in
// step with the orchestrator's task state.
package board

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Card is the board's representation of a task.
type Card struct {
	ID          string   `json:"id"`
	ListID      string   `json:"list_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	ExternalID  string   `json:"external_id,omitempty"`
}

// CardDraft is the payload required to create a new card.
type CardDraft struct {
	ListID      string   `json:"list_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	ExternalID  string   `json:"external_id"`
}

// CardPatch describes a partial card update. Nil fields are left untouched.
type CardPatch struct {
	ListID      *string   `json:"list_id,omitempty"`
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Labels      *[]string `json:"labels,omitempty"`
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
		return fmt.Sprintf("board api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("board api error (%d): %s", e.StatusCode, e.Message)
}

// CardAPI is the subset of board operations the syncer relies on.
type CardAPI interface {
	FindCard(ctx context.Context, externalID string) (*Card, error)
	CreateCard(ctx context.Context, draft CardDraft) (*Card, error)
	UpdateCard(ctx context.Context, cardID string, patch CardPatch) error
	AddComment(ctx context.Context, cardID, text string) error
}

// Client wraps the HTTP interactions with the Kanban REST API.
type Client struct {
	baseURL    *url.URL
	projectID  string
	token      string
	httpClient *http.Client
}

// NewClient instantiates a board client. When httpClient is nil, a default
// client with a sensible timeout is used.
func NewClient(rawURL, projectID, token string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, projectID: projectID, token: token, httpClient: httpClient}, nil
}

// FindCard looks up the card bound to an external task ID. It returns nil when
// the board has no card for that task yet.
func (c *Client) FindCard(ctx context.Context, externalID string) (*Card, error) {
	endpoint := fmt.Sprintf("/api/v1/projects/%s/cards?external_id=%s",
		url.PathEscape(c.projectID), url.QueryEscape(externalID))

	var cards []Card
	if err := c.get(ctx, endpoint, &cards); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if len(cards) == 0 {
		return nil, nil
	}
	card := cards[0]
	return &card, nil
}

// CreateCard creates a new card in the project.
func (c *Client) CreateCard(ctx context.Context, draft CardDraft) (*Card, error) {
	endpoint := fmt.Sprintf("/api/v1/projects/%s/cards", url.PathEscape(c.projectID))
	var card Card
	if err := c.post(ctx, endpoint, draft, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// UpdateCard applies a partial update to an existing card.
func (c *Client) UpdateCard(ctx context.Context, cardID string, patch CardPatch) error {
	endpoint := fmt.Sprintf("/api/v1/cards/%s", url.PathEscape(cardID))
	return c.patch(ctx, endpoint, patch, nil)
}

// AddComment appends a comment to a card.
func (c *Client) AddComment(ctx context.Context, cardID, text string) error {
	endpoint := fmt.Sprintf("/api/v1/cards/%s/comments", url.PathEscape(cardID))
	payload := struct {
		Text string `json:"text"`
	}{Text: text}
	return c.post(ctx, endpoint, payload, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	return c.send(ctx, http.MethodPost, endpoint, payload, out)
}

func (c *Client) patch(ctx context.Context, endpoint string, payload, out any) error {
	return c.send(ctx, http.MethodPatch, endpoint, payload, out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
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
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ CardAPI = (*Client)(nil)
