package sandbox

import "time"

const (
	// Version is the SDK version.
	Version = "0.3.0"

	// DefaultTemplate is the template used when none is specified.
	DefaultTemplate = "base"

	// DefaultDomain is the default API and sandbox domain.
	DefaultDomain = "sandbox.sh"

	// EnvdPort is the port the sandbox agent listens on.
	EnvdPort = 49982

	// WSRoute is the agent's websocket RPC route.
	WSRoute = "/ws"

	// FileRoute is the agent's file upload/download route.
	FileRoute = "/file"

	// HomeDir is the home directory inside a sandbox. Uploaded files
	// land here and a leading "~" in the working directory expands
	// to it.
	HomeDir = "/home/user"

	// DefaultTimeout is the default timeout for sandbox initialization
	// and for blocking calls that do not specify their own.
	DefaultTimeout = 60 * time.Second

	// RefreshPeriod is how often the SDK refreshes a running sandbox
	// to keep it alive.
	RefreshPeriod = 5 * time.Second

	// UnknownTemplateID is the template ID recorded for reconnected
	// sandboxes, since the reconnection token does not carry one.
	UnknownTemplateID = "unknown"
)

// Environment variables read when the corresponding option is not set.
const (
	EnvAPIKey = "SANDBOX_API_KEY"
	EnvDomain = "SANDBOX_DOMAIN"
	EnvDebug  = "SANDBOX_DEBUG"
)

// startCmdLogsCommand tails the template start command's output so it
// can be forwarded to the stdout/stderr callbacks.
const startCmdLogsCommand = "sudo journalctl --follow --lines=all -o cat _SYSTEMD_UNIT=start_cmd.service"
