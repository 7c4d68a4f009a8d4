// Package supervisor provides the client for the process supervisor API.
//
// The supervisor is the external system service that hosts managed add-ons:
// it can install, start, stop, update, uninstall, and back up a named add-on.
// The lifecycle manager only uses the narrow Client interface defined here;
// the HTTP implementation talks to the supervisor's REST API.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/openhome/matterhub/internal/errors"
)

// AddonInfo describes the current state of one add-on.
type AddonInfo struct {
	// Slug is the add-on identifier (e.g., "core_matter_server").
	Slug string `json:"slug"`

	// Version is the installed version, or empty when not installed.
	Version string `json:"version"`

	// Installed reports whether the add-on is installed.
	Installed bool `json:"installed"`

	// Running reports whether the add-on's process is running.
	Running bool `json:"running"`

	// UpdateAvailable reports whether a newer version can be installed.
	UpdateAvailable bool `json:"update_available"`
}

// Client is the process supervisor contract.
// Every operation is fallible with a supervisor.api_failed coded error.
type Client interface {
	// Info queries the current state of the add-on.
	Info(ctx context.Context, slug string) (*AddonInfo, error)

	// Install installs the add-on. Blocks until the supervisor reports
	// completion.
	Install(ctx context.Context, slug string) error

	// Start starts the add-on's process.
	Start(ctx context.Context, slug string) error

	// Stop stops the add-on's process.
	Stop(ctx context.Context, slug string) error

	// Uninstall removes the add-on.
	Uninstall(ctx context.Context, slug string) error

	// Update installs the latest available version of the add-on.
	Update(ctx context.Context, slug string) error

	// CreateBackup creates a (partial) backup covering the given add-ons.
	CreateBackup(ctx context.Context, name string, slugs []string, partial bool) error
}

// apiResponse is the supervisor's response envelope.
type apiResponse struct {
	Result  string          `json:"result"` // "ok" or "error"
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// HTTPClient implements Client against the supervisor REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a supervisor client for the given base URL
// (e.g., "http://localhost:8123").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		// Long timeout: install and update can legitimately take minutes.
		client: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Info queries add-on state via GET /addons/{slug}/info.
func (c *HTTPClient) Info(ctx context.Context, slug string) (*AddonInfo, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/addons/%s/info", slug), nil)
	if err != nil {
		return nil, apperrors.SupervisorAPIFailed("info", err)
	}

	var info AddonInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, apperrors.SupervisorAPIFailed("info", fmt.Errorf("decode info: %w", err))
	}
	if info.Slug == "" {
		info.Slug = slug
	}
	return &info, nil
}

// Install installs the add-on via POST /addons/{slug}/install.
func (c *HTTPClient) Install(ctx context.Context, slug string) error {
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/addons/%s/install", slug), nil); err != nil {
		return apperrors.SupervisorAPIFailed("install", err)
	}
	return nil
}

// Start starts the add-on via POST /addons/{slug}/start.
func (c *HTTPClient) Start(ctx context.Context, slug string) error {
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/addons/%s/start", slug), nil); err != nil {
		return apperrors.SupervisorAPIFailed("start", err)
	}
	return nil
}

// Stop stops the add-on via POST /addons/{slug}/stop.
func (c *HTTPClient) Stop(ctx context.Context, slug string) error {
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/addons/%s/stop", slug), nil); err != nil {
		return apperrors.SupervisorAPIFailed("stop", err)
	}
	return nil
}

// Uninstall removes the add-on via POST /addons/{slug}/uninstall.
func (c *HTTPClient) Uninstall(ctx context.Context, slug string) error {
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/addons/%s/uninstall", slug), nil); err != nil {
		return apperrors.SupervisorAPIFailed("uninstall", err)
	}
	return nil
}

// Update updates the add-on via POST /addons/{slug}/update.
func (c *HTTPClient) Update(ctx context.Context, slug string) error {
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/addons/%s/update", slug), nil); err != nil {
		return apperrors.SupervisorAPIFailed("update", err)
	}
	return nil
}

// CreateBackup creates a backup via POST /backups/new/partial (or
// /backups/new/full when partial is false).
func (c *HTTPClient) CreateBackup(ctx context.Context, name string, slugs []string, partial bool) error {
	path := "/backups/new/full"
	if partial {
		path = "/backups/new/partial"
	}
	body := map[string]any{
		"name":   name,
		"addons": slugs,
	}
	if _, err := c.do(ctx, http.MethodPost, path, body); err != nil {
		return apperrors.SupervisorAPIFailed("backup", err)
	}
	return nil
}

// do performs one API call and unwraps the response envelope.
func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.CodeSupervisorBadStatus,
			fmt.Sprintf("%s %s returned status %d", method, path, resp.StatusCode))
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Result != "ok" {
		return nil, fmt.Errorf("supervisor error: %s", envelope.Message)
	}
	return envelope.Data, nil
}
