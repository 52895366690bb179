package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeAPI is an in-process control plane used by the tests.
type fakeAPI struct {
	srv *httptest.Server

	mu        sync.Mutex
	created   []sandboxCreateRequest
	refreshes []string
	running   []RunningSandbox

	createStatus int
}

func startFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()

	a := &fakeAPI{createStatus: http.StatusCreated}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		var req sandboxCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		a.created = append(a.created, req)
		status := a.createStatus
		a.mu.Unlock()

		if status != http.StatusCreated {
			http.Error(w, "create failed", status)
			return
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(sandboxCreateResponse{
			SandboxID:  "sbx1",
			ClientID:   "client1",
			TemplateID: req.TemplateID,
		})
	})
	mux.HandleFunc("POST /sandboxes/{id}/refreshes", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.refreshes = append(a.refreshes, r.PathValue("id"))
		running := false
		for _, s := range a.running {
			if s.SandboxID == r.PathValue("id") {
				running = true
			}
		}
		a.mu.Unlock()
		if r.PathValue("id") != "sbx1" && !running {
			http.Error(w, "sandbox not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		json.NewEncoder(w).Encode(a.running)
	})

	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAPI) createdRequests() []sandboxCreateRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]sandboxCreateRequest, len(a.created))
	copy(out, a.created)
	return out
}

// fakeEnvd is an in-process sandbox agent speaking JSON-RPC over a
// websocket, plus the /file transfer endpoint.
type fakeEnvd struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	methods map[string]func(params []json.RawMessage) (any, *rpcErrorBody)
	subIDs  map[string]string // "service/event" -> subscription ID
	nextSub int
	calls   []fakeCall
	files   map[string][]byte
}

type fakeCall struct {
	Method string
	Params []json.RawMessage
}

func startFakeEnvd(t *testing.T) *fakeEnvd {
	t.Helper()

	e := &fakeEnvd{
		t:       t,
		methods: make(map[string]func(params []json.RawMessage) (any, *rpcErrorBody)),
		subIDs:  make(map[string]string),
		files:   make(map[string][]byte),
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc(WSRoute, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		e.mu.Lock()
		e.conn = conn
		e.mu.Unlock()
		e.serve(conn)
	})
	mux.HandleFunc("POST "+FileRoute, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		e.mu.Lock()
		e.files[HomeDir+"/"+header.Filename] = content
		e.mu.Unlock()
	})
	mux.HandleFunc("GET "+FileRoute, func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		e.mu.Lock()
		content, ok := e.files[path]
		e.mu.Unlock()
		if !ok {
			http.Error(w, fmt.Sprintf("no such file: %s", path), http.StatusNotFound)
			return
		}
		w.Write(content)
	})

	e.srv = httptest.NewServer(mux)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *fakeEnvd) port() int {
	u, err := url.Parse(e.srv.URL)
	if err != nil {
		e.t.Fatalf("parse server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		e.t.Fatalf("parse server port: %v", err)
	}
	return port
}

// handle registers a method handler. Unregistered methods succeed
// with a null result; *_subscribe and *_unsubscribe have built-in
// defaults.
func (e *fakeEnvd) handle(method string, fn func(params []json.RawMessage) (any, *rpcErrorBody)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.methods[method] = fn
}

func (e *fakeEnvd) serve(conn *websocket.Conn) {
	for {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		e.mu.Lock()
		e.calls = append(e.calls, fakeCall{Method: req.Method, Params: req.Params})
		fn := e.methods[req.Method]
		e.mu.Unlock()

		var result any
		var rpcErr *rpcErrorBody
		switch {
		case fn != nil:
			result, rpcErr = fn(req.Params)
		case strings.HasSuffix(req.Method, "_subscribe"):
			var event string
			if len(req.Params) > 0 {
				json.Unmarshal(req.Params[0], &event)
			}
			e.mu.Lock()
			e.nextSub++
			subID := fmt.Sprintf("sub-%d", e.nextSub)
			service := req.Method[:len(req.Method)-len("_subscribe")]
			e.subIDs[service+"/"+event] = subID
			e.mu.Unlock()
			result = subID
		case strings.HasSuffix(req.Method, "_unsubscribe"):
			result = true
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		e.writeMu.Lock()
		err := conn.WriteJSON(resp)
		e.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// subIDFor returns the subscription ID assigned for a service event.
func (e *fakeEnvd) subIDFor(service, event string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subIDs[service+"/"+event]
}

// notify pushes a subscription notification to the connected client.
func (e *fakeEnvd) notify(service, subID string, result any) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		e.t.Fatalf("notify %s: no client connected", service)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		e.t.Fatalf("notify %s: %v", service, err)
	}
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  service + "_subscription",
		"params":  rpcSubParams{Subscription: subID, Result: raw},
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		e.t.Fatalf("notify %s: %v", service, err)
	}
}

// callsFor returns the recorded calls for a method.
func (e *fakeEnvd) callsFor(method string) []fakeCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []fakeCall
	for _, c := range e.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// newTestSandbox opens a sandbox against the fake servers.
func newTestSandbox(t *testing.T, api *fakeAPI, envd *fakeEnvd, opts ...Option) *Sandbox {
	t.Helper()

	base := []Option{
		WithAPIKey("test-api-key"),
		WithAPIURL(api.srv.URL),
		WithDebugHostname("127.0.0.1"),
		WithDebugPort(envd.port()),
		WithDebugDevEnv(DevEnvLocal),
	}
	sbx, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { sbx.Close() })
	return sbx
}
