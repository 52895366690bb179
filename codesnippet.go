package sandbox

import (
	"context"
	"encoding/json"
)

// OpenPort describes a port with a listening socket inside the
// sandbox, as reported by the periodic port scan.
type OpenPort struct {
	IP    string `json:"Ip"`
	Port  int    `json:"Port"`
	State string `json:"State"`
}

// codeSnippetManager receives periodic open-port scans from the
// sandbox agent.
type codeSnippetManager struct {
	sandbox     *Sandbox
	onScanPorts func([]OpenPort)
	subID       string
}

func newCodeSnippetManager(s *Sandbox, onScanPorts func([]OpenPort)) *codeSnippetManager {
	return &codeSnippetManager{sandbox: s, onScanPorts: onScanPorts}
}

func (m *codeSnippetManager) hasScanHandler() bool {
	return m.onScanPorts != nil
}

func (m *codeSnippetManager) subscribe(ctx context.Context) error {
	rpc, err := m.sandbox.conn.rpcConn()
	if err != nil {
		return err
	}
	subID, err := rpc.subscribe(ctx, "codeSnippet", "scanOpenedPorts", m.handleScan)
	if err != nil {
		return err
	}
	m.subID = subID
	return nil
}

func (m *codeSnippetManager) handleScan(raw json.RawMessage) {
	var ports []OpenPort
	if err := json.Unmarshal(raw, &ports); err != nil {
		m.sandbox.logger.Warn("failed to decode port scan", "error", err)
		return
	}
	m.onScanPorts(ports)
}
