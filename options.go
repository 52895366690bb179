package sandbox

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// DevEnv selects which environment the debug overrides target.
type DevEnv string

const (
	// DevEnvRemote targets a remote debug deployment.
	DevEnvRemote DevEnv = "remote"

	// DevEnvLocal targets a local deployment. File transfer drops to
	// plain HTTP in this mode.
	DevEnvLocal DevEnv = "local"
)

// sandboxConfig holds configuration for creating a Sandbox.
type sandboxConfig struct {
	apiKey     string
	template   string
	templateID string // deprecated alias, wins over template
	cwd        string
	envVars    map[string]string
	metadata   map[string]string
	timeout    time.Duration
	domain     string
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger

	debugHostname string
	debugPort     int
	debugDevEnv   DevEnv

	onScanPorts func([]OpenPort)
	onStdout    func(ProcessMessage)
	onStderr    func(ProcessMessage)
	onExit      func(int)

	// session is pre-filled by Reconnect so open skips creation.
	session *Session
}

// defaultSandboxConfig returns the default sandbox configuration.
func defaultSandboxConfig() *sandboxConfig {
	return &sandboxConfig{
		template: DefaultTemplate,
		timeout:  DefaultTimeout,
		domain:   DefaultDomain,
	}
}

// applyEnvDefaults fills unset fields from the environment.
func (c *sandboxConfig) applyEnvDefaults() {
	if c.apiKey == "" {
		c.apiKey = os.Getenv(EnvAPIKey)
	}
	if c.domain == "" || c.domain == DefaultDomain {
		if envDomain := os.Getenv(EnvDomain); envDomain != "" {
			c.domain = envDomain
		}
	}
	if c.debugDevEnv == "" && os.Getenv(EnvDebug) == "true" {
		c.debugDevEnv = DevEnvLocal
	}
}

// Option configures a Sandbox.
type Option func(*sandboxConfig)

// WithAPIKey sets the API key.
// Defaults to the SANDBOX_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(c *sandboxConfig) {
		c.apiKey = key
	}
}

// WithTemplate sets the sandbox template. Defaults to "base".
func WithTemplate(template string) Option {
	return func(c *sandboxConfig) {
		c.template = template
	}
}

// WithTemplateID sets the sandbox template by its legacy ID parameter.
//
// Deprecated: use WithTemplate instead. If both are given, the ID
// wins and a deprecation warning is logged.
func WithTemplateID(id string) Option {
	return func(c *sandboxConfig) {
		c.templateID = id
	}
}

// WithCwd sets the working directory for processes and terminals.
// A leading "~" expands to the sandbox home directory. The directory
// is created during open if it does not exist.
func WithCwd(cwd string) Option {
	return func(c *sandboxConfig) {
		c.cwd = cwd
	}
}

// WithEnvVars sets default environment variables for all processes.
// They are merged over the SDK baseline, caller values winning.
func WithEnvVars(envVars map[string]string) Option {
	return func(c *sandboxConfig) {
		c.envVars = envVars
	}
}

// WithMetadata sets metadata stored alongside the running sandbox.
func WithMetadata(metadata map[string]string) Option {
	return func(c *sandboxConfig) {
		c.metadata = metadata
	}
}

// WithTimeout sets the timeout for sandbox initialization.
// Defaults to 60 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *sandboxConfig) {
		c.timeout = d
	}
}

// WithDomain sets the API and sandbox domain.
// Defaults to the SANDBOX_DOMAIN environment variable or "sandbox.sh".
func WithDomain(domain string) Option {
	return func(c *sandboxConfig) {
		c.domain = domain
	}
}

// WithAPIURL sets the control plane API URL.
// Defaults to "https://api.{domain}". This is primarily used for
// internal development.
func WithAPIURL(url string) Option {
	return func(c *sandboxConfig) {
		c.apiURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *sandboxConfig) {
		c.httpClient = client
	}
}

// WithLogger sets the logger used for deprecation warnings and
// background task failures. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *sandboxConfig) {
		c.logger = logger
	}
}

// WithDebugHostname overrides the sandbox hostname.
// This is primarily used for internal development.
func WithDebugHostname(hostname string) Option {
	return func(c *sandboxConfig) {
		c.debugHostname = hostname
	}
}

// WithDebugPort overrides the sandbox agent port.
// This is primarily used for internal development.
func WithDebugPort(port int) Option {
	return func(c *sandboxConfig) {
		c.debugPort = port
	}
}

// WithDebugDevEnv selects the debug environment.
// DevEnvLocal switches file transfer to plain HTTP.
func WithDebugDevEnv(env DevEnv) Option {
	return func(c *sandboxConfig) {
		c.debugDevEnv = env
	}
}

// OnScanPorts sets a callback for opened-port scan results.
// The subscription is established during open.
func OnScanPorts(handler func([]OpenPort)) Option {
	return func(c *sandboxConfig) {
		c.onScanPorts = handler
	}
}

// OnStdout sets a default callback for process stdout lines.
func OnStdout(handler func(ProcessMessage)) Option {
	return func(c *sandboxConfig) {
		c.onStdout = handler
	}
}

// OnStderr sets a default callback for process stderr lines.
func OnStderr(handler func(ProcessMessage)) Option {
	return func(c *sandboxConfig) {
		c.onStderr = handler
	}
}

// OnExit sets a default callback for process exit codes.
func OnExit(handler func(int)) Option {
	return func(c *sandboxConfig) {
		c.onExit = handler
	}
}

// resolveTemplate applies the legacy ID alias precedence: the
// deprecated ID parameter wins over template, and "base" is the
// fallback when neither is set.
func (c *sandboxConfig) resolveTemplate() string {
	if c.templateID != "" {
		c.logOrDefault().Warn("the template ID parameter is deprecated, use WithTemplate instead")
		return c.templateID
	}
	if c.template != "" {
		return c.template
	}
	return DefaultTemplate
}

// logOrDefault returns the configured logger or slog.Default().
func (c *sandboxConfig) logOrDefault() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

// expandHome rewrites a leading "~" to the sandbox home directory.
// Only a tilde at the start of the path is special.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		return HomeDir + path[1:]
	}
	return path
}

// mergeEnvVars merges caller-supplied environment variables over the
// SDK baseline, caller values winning key-for-key.
func mergeEnvVars(overrides map[string]string) map[string]string {
	merged := map[string]string{
		"PYTHONUNBUFFERED": "1",
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// transferConfig holds configuration for file upload and download.
type transferConfig struct {
	timeout time.Duration
}

// defaultTransferConfig returns the default transfer configuration.
func defaultTransferConfig() *transferConfig {
	return &transferConfig{
		timeout: DefaultTimeout,
	}
}

// TransferOption configures file upload and download.
type TransferOption func(*transferConfig)

// WithTransferTimeout sets the timeout for the transfer.
// Using 0 disables the timeout. Default is 60 seconds.
func WithTransferTimeout(d time.Duration) TransferOption {
	return func(c *transferConfig) {
		c.timeout = d
	}
}
