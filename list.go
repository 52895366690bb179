package sandbox

import (
	"context"
	"net/http"
	"time"
)

// RunningSandbox describes a currently running sandbox owned by the
// API key.
type RunningSandbox struct {
	SandboxID  string            `json:"sandboxID"`
	ClientID   string            `json:"clientID"`
	TemplateID string            `json:"templateID"`
	Alias      string            `json:"alias,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
}

// ID returns the token accepted by Reconnect.
func (r RunningSandbox) ID() string {
	return r.SandboxID + "-" + r.ClientID
}

// ListSandboxes returns the sandboxes currently running under the
// API key.
func ListSandboxes(ctx context.Context, opts ...Option) ([]RunningSandbox, error) {
	cfg := defaultSandboxConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.applyEnvDefaults()
	if cfg.apiKey == "" {
		return nil, &ConfigError{Param: "api key", Reason: "required (use WithAPIKey or set " + EnvAPIKey + ")"}
	}

	apiURL := cfg.apiURL
	if apiURL == "" {
		apiURL = apiURLFor(cfg.domain)
	}
	client := cfg.httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	api := newAPIClient(client, apiURL, cfg.apiKey)
	return api.listSandboxes(ctx)
}
