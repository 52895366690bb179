package sandbox

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ProcessMessage is a single line of output from a sandbox process.
type ProcessMessage struct {
	Line      string `json:"line"`
	Error     bool   `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// ProcessOutput is the accumulated output of a finished process.
type ProcessOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type processConfig struct {
	id       string
	cwd      string
	envVars  map[string]string
	onStdout func(ProcessMessage)
	onStderr func(ProcessMessage)
	onExit   func(int)
}

// ProcessOption configures a single process start.
type ProcessOption func(*processConfig)

// WithProcessID overrides the generated process ID.
func WithProcessID(id string) ProcessOption {
	return func(c *processConfig) { c.id = id }
}

// WithProcessCwd sets the working directory for the process. It
// overrides the sandbox-wide working directory.
func WithProcessCwd(cwd string) ProcessOption {
	return func(c *processConfig) { c.cwd = cwd }
}

// WithProcessEnvVars sets extra environment variables for the
// process. They are merged over the sandbox-wide variables.
func WithProcessEnvVars(envVars map[string]string) ProcessOption {
	return func(c *processConfig) { c.envVars = envVars }
}

// OnProcessStdout sets the stdout handler for the process. It
// overrides the sandbox-wide handler.
func OnProcessStdout(handler func(ProcessMessage)) ProcessOption {
	return func(c *processConfig) { c.onStdout = handler }
}

// OnProcessStderr sets the stderr handler for the process. It
// overrides the sandbox-wide handler.
func OnProcessStderr(handler func(ProcessMessage)) ProcessOption {
	return func(c *processConfig) { c.onStderr = handler }
}

// OnProcessExit sets the exit handler for the process. It overrides
// the sandbox-wide handler.
func OnProcessExit(handler func(int)) ProcessOption {
	return func(c *processConfig) { c.onExit = handler }
}

// ProcessManager starts and controls processes inside the sandbox.
type ProcessManager struct {
	sandbox  *Sandbox
	onStdout func(ProcessMessage)
	onStderr func(ProcessMessage)
	onExit   func(int)
}

func newProcessManager(s *Sandbox, onStdout, onStderr func(ProcessMessage), onExit func(int)) *ProcessManager {
	return &ProcessManager{
		sandbox:  s,
		onStdout: onStdout,
		onStderr: onStderr,
		onExit:   onExit,
	}
}

// newEventID generates an ID for a process or terminal session.
func newEventID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Start runs a command inside the sandbox and returns a handle to the
// running process. Output handlers are subscribed before the process
// starts so no early output is lost.
func (m *ProcessManager) Start(ctx context.Context, cmd string, opts ...ProcessOption) (*Process, error) {
	cfg := &processConfig{
		onStdout: m.onStdout,
		onStderr: m.onStderr,
		onExit:   m.onExit,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.id == "" {
		cfg.id = newEventID()
	}

	cwd := expandHome(cfg.cwd)
	if cwd == "" {
		cwd = m.sandbox.cwd
	}

	envVars := make(map[string]string, len(m.sandbox.envVars)+len(cfg.envVars))
	for k, v := range m.sandbox.envVars {
		envVars[k] = v
	}
	for k, v := range cfg.envVars {
		envVars[k] = v
	}

	rpc, err := m.sandbox.conn.rpcConn()
	if err != nil {
		return nil, err
	}

	p := &Process{
		id:       cfg.id,
		sandbox:  m.sandbox,
		onStdout: cfg.onStdout,
		onStderr: cfg.onStderr,
		onExit:   cfg.onExit,
		done:     make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.subscribeEvent(gctx, "onExit", p.handleExit)
	})
	g.Go(func() error {
		return p.subscribeEvent(gctx, "onStdout", p.handleStdout)
	})
	g.Go(func() error {
		return p.subscribeEvent(gctx, "onStderr", p.handleStderr)
	})
	if err := g.Wait(); err != nil {
		p.unsubscribeAll()
		return nil, err
	}

	if _, err := rpc.call(ctx, "process_start", p.id, cmd, envVars, cwd); err != nil {
		p.unsubscribeAll()
		return nil, err
	}

	return p, nil
}

// Process is a handle to a process running inside the sandbox.
type Process struct {
	id      string
	sandbox *Sandbox

	onStdout func(ProcessMessage)
	onStderr func(ProcessMessage)
	onExit   func(int)

	mu       sync.Mutex
	subIDs   []string
	messages []ProcessMessage
	exitCode int

	finish sync.Once
	done   chan struct{}
}

// ID returns the process ID.
func (p *Process) ID() string {
	return p.id
}

func (p *Process) subscribeEvent(ctx context.Context, event string, handler func(json.RawMessage)) error {
	rpc, err := p.sandbox.conn.rpcConn()
	if err != nil {
		return err
	}
	subID, err := rpc.subscribe(ctx, "process", event, handler, p.id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.subIDs = append(p.subIDs, subID)
	p.mu.Unlock()
	return nil
}

func (p *Process) unsubscribeAll() {
	rpc, err := p.sandbox.conn.rpcConn()
	if err != nil {
		return
	}
	p.mu.Lock()
	subIDs := p.subIDs
	p.subIDs = nil
	p.mu.Unlock()
	for _, subID := range subIDs {
		if err := rpc.unsubscribe(context.Background(), "process", subID); err != nil {
			p.sandbox.logger.Warn("failed to unsubscribe process event", "processID", p.id, "error", err)
		}
	}
}

func (p *Process) handleStdout(raw json.RawMessage) {
	p.handleMessage(raw, false, p.onStdout)
}

func (p *Process) handleStderr(raw json.RawMessage) {
	p.handleMessage(raw, true, p.onStderr)
}

func (p *Process) handleMessage(raw json.RawMessage, isStderr bool, handler func(ProcessMessage)) {
	var msg ProcessMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.sandbox.logger.Warn("failed to decode process message", "processID", p.id, "error", err)
		return
	}
	msg.Error = isStderr
	p.mu.Lock()
	p.messages = append(p.messages, msg)
	p.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

func (p *Process) handleExit(raw json.RawMessage) {
	var code int
	if err := json.Unmarshal(raw, &code); err != nil {
		code = -1
	}
	p.triggerExit(code)
}

func (p *Process) triggerExit(code int) {
	p.finish.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		// triggerExit can run on the rpc read goroutine, which must
		// not issue blocking calls itself.
		go p.unsubscribeAll()
		close(p.done)
		if p.onExit != nil {
			p.onExit(code)
		}
	})
}

// SendStdin writes data to the process standard input.
func (p *Process) SendStdin(ctx context.Context, data string) error {
	rpc, err := p.sandbox.conn.rpcConn()
	if err != nil {
		return err
	}
	_, err = rpc.call(ctx, "process_stdin", p.id, data)
	return err
}

// Kill terminates the process.
func (p *Process) Kill(ctx context.Context) error {
	rpc, err := p.sandbox.conn.rpcConn()
	if err != nil {
		return err
	}
	if _, err := rpc.call(ctx, "process_kill", p.id); err != nil {
		return err
	}
	p.triggerExit(-1)
	return nil
}

// Wait blocks until the process exits and returns its accumulated
// output.
func (p *Process) Wait(ctx context.Context) (ProcessOutput, error) {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return ProcessOutput{}, newTimeoutError("process wait")
		}
		return ProcessOutput{}, ctx.Err()
	case <-p.done:
		return p.Output(), nil
	}
}

// Output returns the output accumulated so far, with lines ordered by
// their timestamps.
func (p *Process) Output() ProcessOutput {
	p.mu.Lock()
	messages := make([]ProcessMessage, len(p.messages))
	copy(messages, p.messages)
	exitCode := p.exitCode
	p.mu.Unlock()

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp < messages[j].Timestamp
	})

	var stdout, stderr []string
	for _, msg := range messages {
		if msg.Error {
			stderr = append(stderr, msg.Line)
		} else {
			stdout = append(stdout, msg.Line)
		}
	}

	return ProcessOutput{
		Stdout:   strings.Join(stdout, "\n"),
		Stderr:   strings.Join(stderr, "\n"),
		ExitCode: exitCode,
	}
}
