// Package remote talks to another Promptful server over its JSON API.
// Client wraps the endpoints; Mirror replays local library changes
// against the remote; Health tracks whether the remote is reachable.
//
// The local repository is always authoritative. The remote is kept
// eventually consistent at best: a change that fails to replay is
// logged and not retried until the next reconcile.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/nugget/promptful/internal/config"
	"github.com/nugget/promptful/internal/httpkit"
	"github.com/nugget/promptful/internal/library"
)

// Display messages for failed calls.
const (
	MsgServerError = "An error occurred while processing your request"
	MsgNoResponse  = "No response received from server"
	MsgSetup       = "Error setting up the request"
)

// maxErrorBody bounds how much of a failed response is kept as the
// error cause.
const maxErrorBody = 4096

// Error is the single error type returned by Client. Message is fit for
// display; Err carries the underlying cause when there is one.
type Error struct {
	// Status is the HTTP status code, or 0 when no response arrived.
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a 404 from the remote.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Status == http.StatusNotFound
}

// envelope is the wire wrapper of every response.
type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// CopyResult is returned by Client.Copy.
type CopyResult struct {
	Prompt     library.Prompt `json:"prompt"`
	Rendered   string         `json:"rendered"`
	Unresolved []string       `json:"unresolved"`
}

// Client calls a remote Promptful API.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a client for baseURL. A nil hc gets an httpkit
// client with default settings.
func NewClient(baseURL string, hc *http.Client, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid remote URL %q", baseURL)
	}
	if hc == nil {
		hc = httpkit.NewClient(httpkit.WithLogger(logger))
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{base: u, http: hc, logger: logger}, nil
}

// BaseURL returns the remote address.
func (c *Client) BaseURL() string { return c.base.String() }

// List returns every remote prompt.
func (c *Client) List(ctx context.Context) ([]library.Prompt, error) {
	var out []library.Prompt
	err := c.do(ctx, http.MethodGet, "/prompts", nil, nil, &out)
	return out, err
}

// Models returns the distinct model tags on the remote.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/prompts/models", nil, nil, &out)
	return out, err
}

// Categories returns the distinct categories on the remote.
func (c *Client) Categories(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/prompts/categories", nil, nil, &out)
	return out, err
}

// Get returns one remote prompt.
func (c *Client) Get(ctx context.Context, id string) (library.Prompt, error) {
	var out library.Prompt
	err := c.do(ctx, http.MethodGet, "/prompt/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// Search runs q on the remote. With fulltext set the remote answers
// from its ranked index instead of substring matching.
func (c *Client) Search(ctx context.Context, q library.Query, fulltext bool) ([]library.Prompt, error) {
	params := url.Values{}
	if q.Text != "" {
		params.Set("q", q.Text)
	}
	if q.Model != "" {
		params.Set("ai", q.Model)
	}
	if q.Category != "" {
		params.Set("category", q.Category)
	}
	if q.Sort != "" {
		params.Set("sort", string(q.Sort))
	}
	if q.Reverse {
		params.Set("dir", "reverse")
	}
	if fulltext {
		params.Set("mode", "fulltext")
	}
	var out []library.Prompt
	err := c.do(ctx, http.MethodGet, "/prompts/search", params, nil, &out)
	return out, err
}

// Add creates a prompt on the remote.
func (c *Client) Add(ctx context.Context, d library.Draft) (library.Prompt, error) {
	var out library.Prompt
	err := c.do(ctx, http.MethodPost, "/prompt/add", nil, d, &out)
	return out, err
}

// Edit applies patch to a remote prompt.
func (c *Client) Edit(ctx context.Context, id string, patch library.Patch) (library.Prompt, error) {
	var out library.Prompt
	err := c.do(ctx, http.MethodPost, "/prompt/"+url.PathEscape(id)+"/edit", nil, patch, &out)
	return out, err
}

// Delete removes a remote prompt.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/prompt/"+url.PathEscape(id)+"/delete", nil, nil, nil)
}

// DeleteAll removes every remote prompt.
func (c *Client) DeleteAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/prompts/delete", nil, nil, nil)
}

// Copy renders a remote prompt with values and records one use.
func (c *Client) Copy(ctx context.Context, id string, values map[string]string) (CopyResult, error) {
	var out CopyResult
	body := map[string]any{"values": values}
	err := c.do(ctx, http.MethodPost, "/prompt/"+url.PathEscape(id)+"/copy", nil, body, &out)
	return out, err
}

// Ping checks the remote health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = params.Encode()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &Error{Message: MsgSetup, Err: err}
		}
		c.logger.Log(ctx, config.LevelTrace, "remote request body", "method", method, "path", path, "body", string(raw))
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return &Error{Message: MsgSetup, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Message: MsgNoResponse, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 400 {
		text := httpkit.ReadErrorBody(resp.Body, maxErrorBody)
		c.logger.Log(ctx, config.LevelTrace, "remote error response", "method", method, "path", path, "status", resp.StatusCode, "body", text)
		var env envelope
		if json.Unmarshal([]byte(text), &env) == nil && env.Message != "" {
			return &Error{Status: resp.StatusCode, Message: env.Message}
		}
		return &Error{Status: resp.StatusCode, Message: MsgServerError, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(text))}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return &Error{Status: resp.StatusCode, Message: MsgNoResponse, Err: err}
	}
	c.logger.Log(ctx, config.LevelTrace, "remote response", "method", method, "path", path, "status", resp.StatusCode, "body", string(raw))

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if decodeErr == nil && env.Status == "error" {
		msg := MsgServerError
		if decodeErr == nil && env.Message != "" {
			msg = env.Message
		}
		return &Error{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return &Error{Status: resp.StatusCode, Message: MsgServerError, Err: fmt.Errorf("decode response: %w", decodeErr)}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &Error{Status: resp.StatusCode, Message: MsgServerError, Err: fmt.Errorf("decode data: %w", err)}
		}
	}
	return nil
}
