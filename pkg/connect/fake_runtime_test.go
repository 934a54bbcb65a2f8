package connect

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/relay/pkg/clients"
	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/retry"
)

type fakeConnector struct {
	config map[string]string
	state  State
	tasks  []TaskStatus
	// pendingPolls is how many status reads report UNASSIGNED before the target state shows.
	pendingPolls int
	target       State
}

// fakeRuntime is an in-memory connector runtime speaking the REST control plane.
type fakeRuntime struct {
	mu         sync.Mutex
	connectors map[string]*fakeConnector
	calls      map[string]int

	failTrace        string        // new connectors end with a FAILED task carrying this trace
	restartConflicts int           // number of 409s restart returns first
	statusDelay      time.Duration // every status read sleeps this long
	pending          int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{connectors: make(map[string]*fakeConnector), calls: make(map[string]int)}
}

func (f *fakeRuntime) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{ErrorCode: code, Message: msg})
}

func (f *fakeRuntime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 0 || parts[0] != "connectors" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 1 && r.Method == http.MethodPost {
		f.create(w, r)
		return
	}
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}

	name := parts[1]
	action := ""
	if len(parts) > 2 {
		action = parts[2]
	}

	f.mu.Lock()
	delay := f.statusDelay
	f.mu.Unlock()
	if action == "status" && delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if action == "status" {
		f.calls["status"]++
	}

	c, ok := f.connectors[name]
	if !ok && !(action == "config" && r.Method == http.MethodPut) {
		writeError(w, http.StatusNotFound, "Connector "+name+" not found")
		return
	}

	switch {
	case action == "status" && r.Method == http.MethodGet:
		state, tasks := c.target, c.tasks
		if c.pendingPolls > 0 {
			c.pendingPolls--
			state, tasks = StateUnassigned, nil
		} else {
			c.state = c.target
		}
		writeJSON(w, http.StatusOK, Status{Name: name, Connector: ConnectorState{State: state}, Tasks: tasks, Type: "source"})
	case action == "config" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, c.config)
	case action == "config" && r.Method == http.MethodPut:
		var cfg map[string]string
		_ = json.NewDecoder(r.Body).Decode(&cfg)
		if c == nil {
			c = f.newConnector(cfg)
			f.connectors[name] = c
		}
		c.config = cfg
		writeJSON(w, http.StatusOK, Info{Name: name, Config: cfg})
	case action == "restart" && r.Method == http.MethodPost:
		f.calls["restart"]++
		if f.restartConflicts > 0 {
			f.restartConflicts--
			writeError(w, http.StatusConflict, "Cannot complete request momentarily due to stale configuration (typically caused by a concurrent config change)")
			return
		}
		c.target = StateRunning
		c.tasks = []TaskStatus{{ID: 0, State: StateRunning}}
		w.WriteHeader(http.StatusNoContent)
	case action == "pause" && r.Method == http.MethodPut:
		f.calls["pause"]++
		c.target = StatePaused
		for i := range c.tasks {
			if c.tasks[i].State != StateFailed {
				c.tasks[i].State = StatePaused
			}
		}
		w.WriteHeader(http.StatusAccepted)
	case action == "resume" && r.Method == http.MethodPut:
		f.calls["resume"]++
		c.target = StateRunning
		c.tasks = []TaskStatus{{ID: 0, State: StateRunning}}
		w.WriteHeader(http.StatusAccepted)
	case action == "" && r.Method == http.MethodDelete:
		f.calls["delete"]++
		delete(f.connectors, name)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "unsupported")
	}
}

func (f *fakeRuntime) newConnector(cfg map[string]string) *fakeConnector {
	c := &fakeConnector{config: cfg, target: StateRunning, pendingPolls: f.pending,
		tasks: []TaskStatus{{ID: 0, State: StateRunning}}}
	if f.failTrace != "" {
		c.tasks = []TaskStatus{{ID: 0, State: StateFailed, Trace: f.failTrace}}
	}
	return c
}

func (f *fakeRuntime) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create"]++
	if _, exists := f.connectors[req.Name]; exists {
		writeError(w, http.StatusConflict, "Connector "+req.Name+" already exists")
		return
	}
	f.connectors[req.Name] = f.newConnector(req.Config)
	writeJSON(w, http.StatusCreated, Info{Name: req.Name, Config: req.Config})
}

func testPoll() retry.PollConfig {
	return retry.PollConfig{
		Interval:               time.Millisecond,
		MaxInterval:            5 * time.Millisecond,
		Multiplier:             2,
		Deadline:               2 * time.Second,
		CallTimeout:            100 * time.Millisecond,
		MaxConsecutiveTimeouts: 3,
	}
}

func newTestManager(t *testing.T, f *fakeRuntime) (*Manager, *Client) {
	t.Helper()
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)

	cfg := config.Default().SourceRuntime
	cfg.URL = server.URL
	cfg.RateLimitPerSec = 0
	cfg.CircuitBreaker = false
	cfg.RequestTimeout = time.Second

	httpClient, err := clients.NewHTTPClient("source", cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	client := NewClient(httpClient, zaptest.NewLogger(t))

	return NewManager(client, Options{
		Poll:          testPoll(),
		Retry:         &retry.Policy{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		StatusTimeout: 50 * time.Millisecond,
		Logger:        zaptest.NewLogger(t),
	}), client
}
