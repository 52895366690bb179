package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Sandbox is a cloud sandbox: a full, isolated development
// environment with a filesystem, processes and interactive terminals.
//
// Use New to create a sandbox, Reconnect to re-attach to a running
// one, and always Close when done:
//
//	sbx, err := sandbox.New(sandbox.WithAPIKey("your-api-key"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sbx.Close()
type Sandbox struct {
	conn       *connection
	httpClient *http.Client
	logger     *slog.Logger

	cwd     string
	envVars map[string]string

	codeSnippet *codeSnippetManager
	filesystem  *FilesystemManager
	process     *ProcessManager
	terminal    *TerminalManager

	onStdout func(ProcessMessage)
	onStderr func(ProcessMessage)
}

// New creates a sandbox and opens a session against the remote API.
//
// The API key can be provided via WithAPIKey or the SANDBOX_API_KEY
// environment variable.
func New(opts ...Option) (*Sandbox, error) {
	cfg := defaultSandboxConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return open(cfg)
}

// Reconnect re-attaches to a previously created sandbox using its ID
// as the reconnection token. It never provisions a new sandbox, only
// re-targets the existing one.
//
//	sbx, _ := sandbox.New()
//	token := sbx.ID()
//	sbx.KeepAlive(ctx, 5*time.Minute)
//	sbx.Close()
//
//	sbx, err := sandbox.Reconnect(token)
func Reconnect(token string, opts ...Option) (*Sandbox, error) {
	session, err := parseSessionToken(token)
	if err != nil {
		return nil, err
	}

	cfg := defaultSandboxConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.session = &session

	return open(cfg)
}

// With creates a sandbox, runs fn with it, and guarantees Close runs
// exactly once on every exit path, including a panic inside fn.
func With(fn func(*Sandbox) error, opts ...Option) (err error) {
	sbx, err := New(opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := sbx.Close()
		if err == nil {
			err = closeErr
		}
	}()
	return fn(sbx)
}

// open resolves the configuration, wires the resource managers, and
// establishes the session.
func open(cfg *sandboxConfig) (*Sandbox, error) {
	cfg.applyEnvDefaults()

	if cfg.apiKey == "" && cfg.debugHostname == "" {
		return nil, fmt.Errorf("%w: API key is required (use WithAPIKey or set %s)", ErrInvalidArgument, EnvAPIKey)
	}

	template := cfg.resolveTemplate()

	s := &Sandbox{
		conn:       newConnection(cfg, template),
		httpClient: cfg.httpClient,
		logger:     cfg.logOrDefault(),
		cwd:        expandHome(cfg.cwd),
		envVars:    mergeEnvVars(cfg.envVars),
		onStdout:   cfg.onStdout,
		onStderr:   cfg.onStderr,
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{}
	}

	// Managers are wired before the connection opens so they are
	// ready to receive events as soon as the session is live.
	s.codeSnippet = newCodeSnippetManager(s, cfg.onScanPorts)
	s.filesystem = newFilesystemManager(s)
	s.process = newProcessManager(s, cfg.onStdout, cfg.onStderr, cfg.onExit)
	s.terminal = newTerminalManager(s)

	ctx := context.Background()
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	if err := s.conn.open(ctx, cfg.metadata); err != nil {
		return nil, err
	}

	if s.codeSnippet.hasScanHandler() {
		if err := s.codeSnippet.subscribe(ctx); err != nil {
			s.conn.close()
			return nil, err
		}
	}

	if s.cwd != "" {
		if err := s.filesystem.MakeDir(ctx, s.cwd); err != nil {
			s.conn.close()
			return nil, err
		}
	}

	// Forwarding the start command logs is a best-effort diagnostic
	// stream: its failure must never take down an opened session.
	if s.onStdout != nil || s.onStderr != nil {
		go s.handleStartCmdLogs()
	}

	return s, nil
}

// handleStartCmdLogs streams the template start command's output into
// the process manager so it reaches the stdout/stderr callbacks.
func (s *Sandbox) handleStartCmdLogs() {
	_, err := s.process.Start(context.Background(), startCmdLogsCommand,
		WithProcessCwd("/"),
		WithProcessEnvVars(map[string]string{}),
	)
	if err != nil {
		s.logger.Warn("failed to stream start command logs", "error", err)
	}
}

// ID returns the sandbox identity. It doubles as the token accepted
// by Reconnect.
func (s *Sandbox) ID() string {
	return s.conn.session.ID()
}

// Session returns a copy of the session identity.
func (s *Sandbox) Session() Session {
	return s.conn.session
}

// Cwd returns the normalized working directory, if one was configured.
func (s *Sandbox) Cwd() string {
	return s.cwd
}

// EnvVars returns a copy of the merged default environment variables.
func (s *Sandbox) EnvVars() map[string]string {
	out := make(map[string]string, len(s.envVars))
	for k, v := range s.envVars {
		out[k] = v
	}
	return out
}

// Filesystem returns the filesystem manager.
func (s *Sandbox) Filesystem() *FilesystemManager {
	return s.filesystem
}

// Process returns the process manager.
func (s *Sandbox) Process() *ProcessManager {
	return s.process
}

// Terminal returns the terminal manager.
func (s *Sandbox) Terminal() *TerminalManager {
	return s.terminal
}

// KeepAlive extends the sandbox lifetime so it keeps running after
// Close and can be picked up again with Reconnect.
func (s *Sandbox) KeepAlive(ctx context.Context, d time.Duration) error {
	return s.conn.keepAlive(ctx, d)
}

// Close releases the session. It is idempotent; no operation except
// Close is valid afterwards.
func (s *Sandbox) Close() error {
	return s.conn.close()
}

// FileURL returns the URL accepting multipart/form-data POST uploads
// and path-query GET downloads. It is derived purely from the current
// session fields; no network call is made.
func (s *Sandbox) FileURL() string {
	secure := s.conn.debugDevEnv != DevEnvLocal
	return fmt.Sprintf("%s://%s%s", protocol("http", secure), s.conn.hostname(s.conn.envdPort()), FileRoute)
}

// UploadFile uploads a file to the sandbox home directory, keeping
// its base name. An existing file with the same name is overwritten.
// It returns the remote path of the uploaded file.
func (s *Sandbox) UploadFile(ctx context.Context, file *os.File, opts ...TransferOption) (string, error) {
	cfg := defaultTransferConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(file.Name()))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.FileURL(), &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", newTimeoutError("upload")
		}
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &TransferError{
			Op:         "upload",
			StatusCode: resp.StatusCode,
			Reason:     http.StatusText(resp.StatusCode),
			Body:       string(body),
		}
	}

	// The server stores uploads under the home directory with the
	// original base name; the client trusts it and does not verify.
	return HomeDir + "/" + filepath.Base(file.Name()), nil
}

// DownloadFile downloads a file from the sandbox and returns its
// content as bytes.
func (s *Sandbox) DownloadFile(ctx context.Context, remotePath string, opts ...TransferOption) ([]byte, error) {
	cfg := defaultTransferConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	reqURL := s.FileURL() + "?path=" + url.QueryEscape(remotePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newTimeoutError("download")
		}
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// The deadline can also expire mid-body on a slow download.
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newTimeoutError("download")
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &TransferError{
			Op:         "download",
			Path:       remotePath,
			StatusCode: resp.StatusCode,
			Reason:     http.StatusText(resp.StatusCode),
			Body:       string(body),
		}
	}

	return body, nil
}
