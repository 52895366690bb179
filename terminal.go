package sandbox

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/errgroup"
)

type terminalConfig struct {
	id     string
	cols   int
	rows   int
	onData func(string)
	onExit func()
}

// TerminalOption configures a single terminal start.
type TerminalOption func(*terminalConfig)

// WithTerminalID overrides the generated terminal ID.
func WithTerminalID(id string) TerminalOption {
	return func(c *terminalConfig) { c.id = id }
}

// WithTerminalSize sets the initial terminal size in character cells.
func WithTerminalSize(cols, rows int) TerminalOption {
	return func(c *terminalConfig) {
		c.cols = cols
		c.rows = rows
	}
}

// OnTerminalData sets the handler receiving terminal output.
func OnTerminalData(handler func(string)) TerminalOption {
	return func(c *terminalConfig) { c.onData = handler }
}

// OnTerminalExit sets the handler called when the terminal exits.
func OnTerminalExit(handler func()) TerminalOption {
	return func(c *terminalConfig) { c.onExit = handler }
}

// TerminalManager starts interactive pseudo-terminals inside the
// sandbox.
type TerminalManager struct {
	sandbox *Sandbox
}

func newTerminalManager(s *Sandbox) *TerminalManager {
	return &TerminalManager{sandbox: s}
}

// Start opens an interactive terminal inside the sandbox and returns
// a handle to it. The data handler is subscribed before the terminal
// starts so no early output is lost.
func (m *TerminalManager) Start(ctx context.Context, opts ...TerminalOption) (*Terminal, error) {
	cfg := &terminalConfig{cols: 80, rows: 24}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.id == "" {
		cfg.id = newEventID()
	}

	rpc, err := m.sandbox.conn.rpcConn()
	if err != nil {
		return nil, err
	}

	t := &Terminal{
		id:      cfg.id,
		sandbox: m.sandbox,
		onData:  cfg.onData,
		onExit:  cfg.onExit,
		done:    make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.subscribeEvent(gctx, "onData", t.handleData)
	})
	g.Go(func() error {
		return t.subscribeEvent(gctx, "onExit", t.handleExit)
	})
	if err := g.Wait(); err != nil {
		t.unsubscribeAll()
		return nil, err
	}

	if _, err := rpc.call(ctx, "terminal_start", t.id, cfg.cols, cfg.rows); err != nil {
		t.unsubscribeAll()
		return nil, err
	}

	return t, nil
}

// Terminal is a handle to an interactive terminal inside the sandbox.
type Terminal struct {
	id      string
	sandbox *Sandbox

	onData func(string)
	onExit func()

	mu     sync.Mutex
	subIDs []string

	finish sync.Once
	done   chan struct{}
}

// ID returns the terminal ID.
func (t *Terminal) ID() string {
	return t.id
}

func (t *Terminal) subscribeEvent(ctx context.Context, event string, handler func(json.RawMessage)) error {
	rpc, err := t.sandbox.conn.rpcConn()
	if err != nil {
		return err
	}
	subID, err := rpc.subscribe(ctx, "terminal", event, handler, t.id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.subIDs = append(t.subIDs, subID)
	t.mu.Unlock()
	return nil
}

func (t *Terminal) unsubscribeAll() {
	rpc, err := t.sandbox.conn.rpcConn()
	if err != nil {
		return
	}
	t.mu.Lock()
	subIDs := t.subIDs
	t.subIDs = nil
	t.mu.Unlock()
	for _, subID := range subIDs {
		if err := rpc.unsubscribe(context.Background(), "terminal", subID); err != nil {
			t.sandbox.logger.Warn("failed to unsubscribe terminal event", "terminalID", t.id, "error", err)
		}
	}
}

func (t *Terminal) handleData(raw json.RawMessage) {
	var data string
	if err := json.Unmarshal(raw, &data); err != nil {
		t.sandbox.logger.Warn("failed to decode terminal data", "terminalID", t.id, "error", err)
		return
	}
	if t.onData != nil {
		t.onData(data)
	}
}

func (t *Terminal) handleExit(json.RawMessage) {
	t.triggerExit()
}

func (t *Terminal) triggerExit() {
	t.finish.Do(func() {
		// triggerExit can run on the rpc read goroutine, which must
		// not issue blocking calls itself.
		go t.unsubscribeAll()
		close(t.done)
		if t.onExit != nil {
			t.onExit()
		}
	})
}

// SendData writes input to the terminal.
func (t *Terminal) SendData(ctx context.Context, data string) error {
	rpc, err := t.sandbox.conn.rpcConn()
	if err != nil {
		return err
	}
	_, err = rpc.call(ctx, "terminal_data", t.id, data)
	return err
}

// Resize changes the terminal size in character cells.
func (t *Terminal) Resize(ctx context.Context, cols, rows int) error {
	rpc, err := t.sandbox.conn.rpcConn()
	if err != nil {
		return err
	}
	_, err = rpc.call(ctx, "terminal_resize", t.id, cols, rows)
	return err
}

// Kill destroys the terminal.
func (t *Terminal) Kill(ctx context.Context) error {
	rpc, err := t.sandbox.conn.rpcConn()
	if err != nil {
		return err
	}
	if _, err := rpc.call(ctx, "terminal_destroy", t.id); err != nil {
		return err
	}
	t.triggerExit()
	return nil
}

// Wait blocks until the terminal exits.
func (t *Terminal) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return nil
	}
}
