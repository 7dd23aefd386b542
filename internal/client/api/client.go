// Package api is the editor's client for the carenote server: the REST
// endpoints used for history and the direct persistence path, and the live
// session over websocket.
package api

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

// Client talks to the REST surface with a fixed bearer credential
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error (%d %s): %s", e.Status, e.Code, e.Message)
}

type NoteState struct {
	NoteID string `json:"noteId"`
	Status string `json:"status"`
	State  []byte `json:"state"`
}

type Version struct {
	ID            string          `json:"id"`
	Number        int             `json:"number"`
	ChangedBy     string          `json:"changedBy"`
	ChangedByName string          `json:"changedByName"`
	ChangeSummary string          `json:"changeSummary"`
	CreatedAt     time.Time       `json:"createdAt"`
	Text          string          `json:"text,omitempty"`
	Content       json.RawMessage `json:"content,omitempty"`
	HTML          string          `json:"html,omitempty"`
}

type RevertResult struct {
	NoteID   string `json:"noteId"`
	Version  int    `json:"version"`
	Deferred bool   `json:"deferred"`
}

// LoadState reads the note's durable state, bypassing the live session
func (c *Client) LoadState(ctx context.Context, noteID string) ([]byte, error) {
	var resp NoteState
	if err := c.doRequest(ctx, http.MethodGet, notePath(noteID, "state"), nil, &resp); err != nil {
		return nil, fmt.Errorf("load state request failed: %w", err)
	}
	return resp.State, nil
}

// SaveState merges state into the note's durable state and returns the
// merged result
func (c *Client) SaveState(ctx context.Context, noteID string, state []byte) ([]byte, error) {
	var resp NoteState
	body := map[string]any{"state": state}
	if err := c.doRequest(ctx, http.MethodPut, notePath(noteID, "state"), body, &resp); err != nil {
		return nil, fmt.Errorf("save state request failed: %w", err)
	}
	return resp.State, nil
}

func (c *Client) ListVersions(ctx context.Context, noteID string) ([]Version, error) {
	var resp struct {
		Versions []Version `json:"versions"`
	}
	if err := c.doRequest(ctx, http.MethodGet, notePath(noteID, "versions"), nil, &resp); err != nil {
		return nil, fmt.Errorf("list versions request failed: %w", err)
	}
	return resp.Versions, nil
}

func (c *Client) GetVersion(ctx context.Context, noteID, versionID string) (Version, error) {
	var resp Version
	if err := c.doRequest(ctx, http.MethodGet, notePath(noteID, "versions", versionID), nil, &resp); err != nil {
		return Version{}, fmt.Errorf("get version request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) RevertVersion(ctx context.Context, noteID, versionID string) (RevertResult, error) {
	var resp RevertResult
	if err := c.doRequest(ctx, http.MethodPost, notePath(noteID, "versions", versionID, "revert"), nil, &resp); err != nil {
		return RevertResult{}, fmt.Errorf("revert request failed: %w", err)
	}
	return resp, nil
}

func notePath(noteID string, parts ...string) string {
	p := "/api/notes/" + url.PathEscape(noteID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Code != "" {
			return &APIError{Status: resp.StatusCode, Code: errResp.Code, Message: errResp.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
