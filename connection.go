package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Session identifies a remote sandbox. A session is either freshly
// created, with server-assigned IDs, or reconstructed from a
// reconnection token; both forms behave identically.
type Session struct {
	// SandboxID is the server-assigned sandbox identifier.
	SandboxID string

	// ClientID is the server-assigned client identifier.
	ClientID string

	// TemplateID is the template the sandbox was created from.
	// Reconnected sessions carry the "unknown" sentinel since the
	// token does not encode a template.
	TemplateID string
}

// ID returns the externally visible sandbox identity, which doubles
// as the reconnection token.
func (s Session) ID() string {
	return s.SandboxID + "-" + s.ClientID
}

// parseSessionToken splits a reconnection token into its session.
// The token must contain exactly one hyphen separating two non-empty
// parts.
func parseSessionToken(token string) (Session, error) {
	parts := strings.Split(token, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Session{}, &ConfigError{
			Param:  "sandbox ID",
			Reason: fmt.Sprintf("expected \"<sandboxID>-<clientID>\", got %q", token),
		}
	}
	return Session{
		SandboxID:  parts[0],
		ClientID:   parts[1],
		TemplateID: UnknownTemplateID,
	}, nil
}

// connection owns the session lifecycle: it provisions or re-targets
// the remote sandbox, maintains the agent RPC socket and the
// keep-alive refresh loop, and derives hostnames and URLs. It is not
// safe for concurrent use beyond Close.
type connection struct {
	session  Session
	template string
	domain   string
	timeout  time.Duration

	debugHostname string
	debugPort     int
	debugDevEnv   DevEnv

	api    *apiClient
	logger *slog.Logger

	mu            sync.Mutex
	rpc           *rpcConnection
	opened        bool
	closed        bool
	refreshCancel context.CancelFunc
}

// newConnection builds an unopened connection from the resolved
// configuration. If cfg.session is set (reconnect), open will skip
// sandbox creation and only re-target the existing one.
func newConnection(cfg *sandboxConfig, template string) *connection {
	apiURL := cfg.apiURL
	if apiURL == "" {
		apiURL = apiURLFor(cfg.domain)
	}

	c := &connection{
		template:      template,
		domain:        cfg.domain,
		timeout:       cfg.timeout,
		debugHostname: cfg.debugHostname,
		debugPort:     cfg.debugPort,
		debugDevEnv:   cfg.debugDevEnv,
		api:           newAPIClient(cfg.httpClient, apiURL, cfg.apiKey),
		logger:        cfg.logOrDefault(),
	}

	if cfg.session != nil {
		c.session = *cfg.session
	}

	return c
}

// hostname returns the host for a given sandbox port.
// Format: {port}-{sandboxID}-{clientID}.{domain}, unless a debug
// hostname override is set.
func (c *connection) hostname(port int) string {
	if c.debugHostname != "" {
		if port > 0 {
			return fmt.Sprintf("%s:%d", c.debugHostname, port)
		}
		return c.debugHostname
	}
	return fmt.Sprintf("%d-%s.%s", port, c.session.ID(), c.domain)
}

// protocol returns base with a TLS suffix when secure.
func protocol(base string, secure bool) string {
	if secure {
		return base + "s"
	}
	return base
}

// envdPort returns the agent port, honoring the debug override.
func (c *connection) envdPort() int {
	if c.debugPort != 0 {
		return c.debugPort
	}
	return EnvdPort
}

// wsURL returns the agent websocket URL.
func (c *connection) wsURL() string {
	secure := c.debugDevEnv != DevEnvLocal
	return fmt.Sprintf("%s://%s%s", protocol("ws", secure), c.hostname(c.envdPort()), WSRoute)
}

// open establishes the remote session: it provisions a sandbox unless
// the session was pre-filled by a reconnection token, connects the
// agent RPC socket, and starts the keep-alive refresh loop.
func (c *connection) open(ctx context.Context, metadata map[string]string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSandboxClosed
	}
	if c.opened {
		c.mu.Unlock()
		return fmt.Errorf("sandbox connection already open")
	}
	c.mu.Unlock()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if c.session.SandboxID == "" {
		created, err := c.api.createSandbox(ctx, c.template, metadata)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return newTimeoutError("open")
			}
			return err
		}
		c.session = Session{
			SandboxID:  created.SandboxID,
			ClientID:   created.ClientID,
			TemplateID: created.TemplateID,
		}
	}

	rpc, err := dialRPC(ctx, c.wsURL(), c.logger)
	if err != nil {
		return err
	}

	refreshCtx, refreshCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.rpc = rpc
	c.opened = true
	c.refreshCancel = refreshCancel
	c.mu.Unlock()

	go c.refreshLoop(refreshCtx)

	return nil
}

// refreshLoop keeps the sandbox alive while the connection is open.
// A failed refresh means the sandbox is gone, so the loop stops.
func (c *connection) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(RefreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.api.refreshSandbox(ctx, c.session.SandboxID, 0); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("sandbox refresh failed, stopping keep-alive",
						"sandboxID", c.session.SandboxID, "error", err)
				}
				return
			}
		}
	}
}

// keepAlive extends the sandbox lifetime so it can be reconnected to
// after Close. The duration must be between 0 and 1 hour.
func (c *connection) keepAlive(ctx context.Context, d time.Duration) error {
	if d < 0 || d > time.Hour {
		return &ConfigError{
			Param:  "duration",
			Reason: "must be between 0 and 1 hour",
		}
	}
	return c.api.refreshSandbox(ctx, c.session.SandboxID, int(d.Seconds()))
}

// rpcConn returns the agent RPC connection, or ErrSandboxClosed when
// the connection is not open.
func (c *connection) rpcConn() (*rpcConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.rpc == nil {
		return nil, ErrSandboxClosed
	}
	return c.rpc, nil
}

// close releases the connection. It is idempotent: the second and
// later calls do nothing and return nil.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	rpc := c.rpc
	refreshCancel := c.refreshCancel
	c.mu.Unlock()

	if refreshCancel != nil {
		refreshCancel()
	}
	if rpc != nil {
		return rpc.close()
	}
	return nil
}
