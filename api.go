package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// apiClient talks to the sandbox control plane API.
type apiClient struct {
	client *http.Client
	apiURL string
	apiKey string
}

// newAPIClient creates an apiClient.
func newAPIClient(client *http.Client, apiURL, apiKey string) *apiClient {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &apiClient{
		client: client,
		apiURL: apiURL,
		apiKey: apiKey,
	}
}

// sandboxCreateRequest is the request body for creating a sandbox.
type sandboxCreateRequest struct {
	TemplateID string            `json:"templateID"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// sandboxCreateResponse is the response from creating a sandbox.
type sandboxCreateResponse struct {
	SandboxID  string `json:"sandboxID"`
	ClientID   string `json:"clientID"`
	TemplateID string `json:"templateID"`
	Alias      string `json:"alias,omitempty"`
}

// sandboxRefreshRequest is the request body for refreshing a sandbox.
type sandboxRefreshRequest struct {
	Duration int `json:"duration"`
}

// do executes a request and returns the response body and status.
func (a *apiClient) do(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.apiURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", a.apiKey)
	req.Header.Set("User-Agent", "sandbox-go-sdk/"+Version)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	return respBody, resp.StatusCode, nil
}

// createSandbox provisions a new sandbox from a template.
func (a *apiClient) createSandbox(ctx context.Context, template string, metadata map[string]string) (*sandboxCreateResponse, error) {
	body, status, err := a.do(ctx, http.MethodPost, "/sandboxes", &sandboxCreateRequest{
		TemplateID: template,
		Metadata:   metadata,
	})
	if err != nil {
		return nil, err
	}

	if status != http.StatusCreated && status != http.StatusOK {
		return nil, &SessionError{StatusCode: status, Message: string(body)}
	}

	var created sandboxCreateResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &created, nil
}

// refreshSandbox extends the sandbox lifetime by duration seconds.
// A duration of 0 applies the server-side default refresh window.
func (a *apiClient) refreshSandbox(ctx context.Context, sandboxID string, duration int) error {
	body, status, err := a.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/refreshes", &sandboxRefreshRequest{
		Duration: duration,
	})
	if err != nil {
		return err
	}

	if status == http.StatusNotFound {
		return &SessionError{
			StatusCode: status,
			Message:    fmt.Sprintf("sandbox %s not found", sandboxID),
			Err:        ErrNotFound,
		}
	}

	if status != http.StatusNoContent && status != http.StatusOK {
		return &SessionError{StatusCode: status, Message: string(body)}
	}

	return nil
}

// listSandboxes returns the running sandboxes for the API key.
func (a *apiClient) listSandboxes(ctx context.Context) ([]RunningSandbox, error) {
	body, status, err := a.do(ctx, http.MethodGet, "/sandboxes", nil)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, &SessionError{StatusCode: status, Message: string(body)}
	}

	var sandboxes []RunningSandbox
	if err := json.Unmarshal(body, &sandboxes); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return sandboxes, nil
}

// apiURLFor computes the control plane URL for a domain.
func apiURLFor(domain string) string {
	return fmt.Sprintf("https://api.%s", domain)
}
