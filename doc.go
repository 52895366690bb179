// Package sandbox provides a Go SDK for cloud sandboxes.
//
// A sandbox is a full, isolated cloud development environment with its
// own filesystem, processes and interactive terminals.
//
// # Getting Started
//
// Create a sandbox and run a command:
//
//	import "github.com/sandbox-sh/sandbox-go"
//
//	sbx, err := sandbox.New(sandbox.WithAPIKey("your-api-key"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sbx.Close()
//
//	proc, err := sbx.Process().Start(ctx, "echo 'Hello, World!'")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	output, err := proc.Wait(ctx)
//	fmt.Println(output.Stdout) // "Hello, World!"
//
// The With helper scopes a sandbox to a function and guarantees Close
// runs exactly once, even if the function panics:
//
//	err := sandbox.With(func(sbx *sandbox.Sandbox) error {
//	    return sbx.Filesystem().Write(ctx, "/home/user/hello.txt", "hi")
//	})
//
// # Reconnecting
//
// By default a sandbox is released when its session closes. KeepAlive
// extends its lifetime so it can be picked up again with Reconnect:
//
//	sbx, _ := sandbox.New()
//	token := sbx.ID()
//	sbx.KeepAlive(ctx, 5*time.Minute)
//	sbx.Close()
//
//	sbx, err := sandbox.Reconnect(token)
//
// # Filesystem Operations
//
// The filesystem manager reads and writes files inside the sandbox:
//
//	err := sbx.Filesystem().Write(ctx, "/home/user/hello.txt", "Hello!")
//
//	content, err := sbx.Filesystem().Read(ctx, "/home/user/hello.txt")
//
//	entries, err := sbx.Filesystem().List(ctx, "/home/user")
//
// For larger payloads, upload and download go over a dedicated HTTP
// endpoint instead of the agent connection:
//
//	f, _ := os.Open("report.csv")
//	remotePath, err := sbx.UploadFile(ctx, f) // "/home/user/report.csv"
//
//	data, err := sbx.DownloadFile(ctx, "/home/user/report.csv")
//
// # Streaming Output
//
// Use callbacks to receive process output in real time:
//
//	proc, err := sbx.Process().Start(ctx, "npm run build",
//	    sandbox.OnProcessStdout(func(msg sandbox.ProcessMessage) {
//	        fmt.Printf("stdout: %s\n", msg.Line)
//	    }),
//	    sandbox.OnProcessStderr(func(msg sandbox.ProcessMessage) {
//	        fmt.Printf("stderr: %s\n", msg.Line)
//	    }),
//	)
//
// Sandbox-wide handlers set with OnStdout and OnStderr also receive
// the output of the template's start command.
//
// # Error Handling
//
// The SDK provides typed errors for common error conditions:
//
//	sbx, err := sandbox.Reconnect(token)
//	if errors.Is(err, sandbox.ErrNotFound) {
//	    // The sandbox is no longer running.
//	}
//	if errors.Is(err, sandbox.ErrTimeout) {
//	    // The operation did not finish in time.
//	}
//
// # Authentication
//
// The API key is read from the SANDBOX_API_KEY environment variable
// unless WithAPIKey is used. WithDomain (or SANDBOX_DOMAIN) targets a
// self-hosted deployment.
package sandbox
