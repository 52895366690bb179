package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EntryInfo describes a single filesystem entry inside the sandbox.
type EntryInfo struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

// FilesystemManager reads and writes files inside the sandbox over
// the agent connection. It is suited for text and small binary
// payloads; use Sandbox.UploadFile and Sandbox.DownloadFile for
// larger transfers.
type FilesystemManager struct {
	sandbox *Sandbox
}

func newFilesystemManager(s *Sandbox) *FilesystemManager {
	return &FilesystemManager{sandbox: s}
}

func (f *FilesystemManager) call(ctx context.Context, method string, result any, params ...any) error {
	rpc, err := f.sandbox.conn.rpcConn()
	if err != nil {
		return err
	}
	raw, err := rpc.call(ctx, method, params...)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Read returns the content of a file as a string.
func (f *FilesystemManager) Read(ctx context.Context, path string) (string, error) {
	var content string
	if err := f.call(ctx, "filesystem_read", &content, path); err != nil {
		return "", err
	}
	return content, nil
}

// ReadBytes returns the content of a file as bytes. Unlike Read it is
// safe for binary content.
func (f *FilesystemManager) ReadBytes(ctx context.Context, path string) ([]byte, error) {
	var encoded string
	if err := f.call(ctx, "filesystem_readBase64", &encoded, path); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode file content: %w", err)
	}
	return data, nil
}

// Write writes string content to a file, creating it if needed and
// overwriting it otherwise. Parent directories must already exist.
func (f *FilesystemManager) Write(ctx context.Context, path, content string) error {
	return f.call(ctx, "filesystem_write", nil, path, content)
}

// WriteBytes writes byte content to a file. Unlike Write it is safe
// for binary content.
func (f *FilesystemManager) WriteBytes(ctx context.Context, path string, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	return f.call(ctx, "filesystem_writeBase64", nil, path, encoded)
}

// List returns the entries of a directory.
func (f *FilesystemManager) List(ctx context.Context, path string) ([]EntryInfo, error) {
	var entries []EntryInfo
	if err := f.call(ctx, "filesystem_list", &entries, path); err != nil {
		return nil, err
	}
	return entries, nil
}

// Remove deletes a file or a directory, including its content.
func (f *FilesystemManager) Remove(ctx context.Context, path string) error {
	return f.call(ctx, "filesystem_remove", nil, path)
}

// MakeDir creates a directory and all missing parents. Creating an
// existing directory is not an error.
func (f *FilesystemManager) MakeDir(ctx context.Context, path string) error {
	return f.call(ctx, "filesystem_makeDir", nil, path)
}
