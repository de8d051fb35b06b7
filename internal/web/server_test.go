package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/autopr/internal/intake"
	"github.com/lucasnoah/autopr/internal/orchestrator"
	"github.com/lucasnoah/autopr/internal/pipeline"
)

type fakeQueue struct {
	mu    sync.Mutex
	items []*pipeline.WorkItem
	err   error
}

func (q *fakeQueue) Enqueue(item *pipeline.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

type staticHealth bool

func (h staticHealth) HealthCheck(context.Context) bool { return bool(h) }

type testEnv struct {
	srv     *httptest.Server
	queue   *fakeQueue
	machine *pipeline.Machine
	output  *orchestrator.OutputHub
}

func newTestEnv(t *testing.T, secret string, tweak func(*Options)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		queue:   &fakeQueue{},
		machine: pipeline.NewMachine(pipeline.NewFileStore(t.TempDir()), logger),
		output:  orchestrator.NewOutputHub(0),
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "autopr_test_total", Help: "test"}))
	opts := Options{
		States:   env.machine,
		Queue:    env.queue,
		Intake:   intake.NewHandler(secret, logger),
		Output:   env.output,
		Gatherer: reg,
		Ping:     func(context.Context) error { return nil },
		Dependencies: map[string]HealthChecker{
			"knowledge": staticHealth(false),
			"github":    staticHealth(true),
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	env.srv = httptest.NewServer(NewServer(opts, logger).Handler())
	t.Cleanup(env.srv.Close)
	return env
}

const issuePayload = `{
  "action": "opened",
  "issue": {"number": 9, "title": "Fix flaky upload", "body": null,
            "labels": [{"name": "bug"}], "user": {"login": "octocat"}},
  "repository": {"name": "app", "owner": {"login": "acme"}}
}`

func (e *testEnv) postWebhook(t *testing.T, body string, headers map[string]string) (*http.Response, statusResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/webhooks/github", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestWebhookAccepted(t *testing.T) {
	env := newTestEnv(t, "", nil)
	resp, out := env.postWebhook(t, issuePayload, map[string]string{"X-GitHub-Event": "issues", "X-GitHub-Delivery": "d-1"})

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", out.Status)
	assert.Equal(t, "acme/app#9", out.IssueID)
	require.Len(t, env.queue.items, 1)
	item := env.queue.items[0]
	assert.Equal(t, pipeline.ActionOpened, item.Action)
	assert.Equal(t, "", item.Body)
	assert.Equal(t, []string{"bug"}, item.Labels)
}

func TestWebhookSignature(t *testing.T) {
	env := newTestEnv(t, "s3cret", nil)

	resp, _ := env.postWebhook(t, issuePayload, map[string]string{"X-GitHub-Event": "issues"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "missing signature")

	resp, _ = env.postWebhook(t, issuePayload, map[string]string{
		"X-GitHub-Event":      "issues",
		"X-Hub-Signature-256": intake.SignatureHeader([]byte("wrong"), []byte(issuePayload)),
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "wrong secret")

	resp, out := env.postWebhook(t, issuePayload, map[string]string{
		"X-GitHub-Event":      "issues",
		"X-Hub-Signature-256": intake.SignatureHeader([]byte("s3cret"), []byte(issuePayload)),
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", out.Status)
	assert.Len(t, env.queue.items, 1)
}

func TestWebhookIgnored(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		headers map[string]string
	}{
		{"non-issue event", issuePayload, map[string]string{"X-GitHub-Event": "push"}},
		{"unsupported action", strings.Replace(issuePayload, `"opened"`, `"closed"`, 1), map[string]string{"X-GitHub-Event": "issues"}},
		{"invalid number", strings.Replace(issuePayload, `"number": 9`, `"number": -1`, 1), map[string]string{"X-GitHub-Event": "issues"}},
		{"not json", `{nope`, map[string]string{"X-GitHub-Event": "issues"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "", nil)
			resp, out := env.postWebhook(t, tt.body, tt.headers)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "ignored", out.Status)
			assert.Empty(t, env.queue.items)
		})
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t, "", nil)
	headers := map[string]string{"X-GitHub-Event": "issues", "X-GitHub-Delivery": "d-7"}

	resp, _ := env.postWebhook(t, issuePayload, headers)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, out := env.postWebhook(t, issuePayload, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ignored", out.Status)
	assert.Len(t, env.queue.items, 1)
}

func TestWebhookQueueFull(t *testing.T) {
	env := newTestEnv(t, "", nil)
	env.queue.err = orchestrator.ErrQueueFull
	headers := map[string]string{"X-GitHub-Event": "issues", "X-GitHub-Delivery": "d-9"}

	resp, out := env.postWebhook(t, issuePayload, headers)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "error", out.Status)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	env.queue.err = nil
	resp, _ = env.postWebhook(t, issuePayload, headers)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "redelivery after a full queue must be accepted")
}

func TestWorkItemEndpoint(t *testing.T) {
	env := newTestEnv(t, "", nil)
	post := func(body string) *http.Response {
		resp, err := http.Post(env.srv.URL+"/api/work-items", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := post(`{"action":"edited","owner":"acme","repo":"app","number":3,"title":" T ","body":"","labels":[" x ",""],"author":"me"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, env.queue.items, 1)
	assert.Equal(t, "T", env.queue.items[0].Title)
	assert.Equal(t, []string{"x"}, env.queue.items[0].Labels)

	assert.Equal(t, http.StatusBadRequest, post(`{"action":"edited","owner":"acme","repo":"a/b","number":3,"title":"T","author":"me"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`{"action":"edited","surprise":true}`).StatusCode)
}

func TestStateEndpoints(t *testing.T) {
	env := newTestEnv(t, "", nil)
	ctx := context.Background()
	st, err := env.machine.Create(ctx, "acme/app#1", "acme/app")
	require.NoError(t, err)
	_, err = env.machine.Transition(ctx, st.ID, pipeline.StageIntake, st.Version, nil)
	require.NoError(t, err)
	_, err = env.machine.Create(ctx, "acme/app#2", "acme/app")
	require.NoError(t, err)

	getJSON := func(path string, v any) int {
		resp, err := http.Get(env.srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		if v != nil && resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
		}
		return resp.StatusCode
	}

	var active []pipeline.State
	assert.Equal(t, http.StatusOK, getJSON("/api/states", &active))
	assert.Len(t, active, 2)

	var intakeStates []pipeline.State
	assert.Equal(t, http.StatusOK, getJSON("/api/states?stage=intake", &intakeStates))
	require.Len(t, intakeStates, 1)
	assert.Equal(t, "acme/app#1", intakeStates[0].ID)

	var failed []pipeline.State
	assert.Equal(t, http.StatusOK, getJSON("/api/states?stage=failed", &failed))
	assert.NotNil(t, failed)
	assert.Empty(t, failed)

	assert.Equal(t, http.StatusBadRequest, getJSON("/api/states?stage=bogus", nil))

	var one pipeline.State
	assert.Equal(t, http.StatusOK, getJSON("/api/states/acme/app/1", &one))
	assert.Equal(t, pipeline.StageIntake, one.Stage)
	require.Len(t, one.History, 1)

	assert.Equal(t, http.StatusNotFound, getJSON("/api/states/acme/app/99", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON("/api/states/acme/app/zero", nil))
}

func TestHealthReadyMetrics(t *testing.T) {
	env := newTestEnv(t, "", nil)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "healthy", health["status"])

	resp, err = http.Get(env.srv.URL + "/ready")
	require.NoError(t, err)
	var ready readyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, map[string]bool{"knowledge": false, "github": true}, ready.Dependencies)

	resp, err = http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "autopr_test_total")
}

func TestReadyFailsWhenStoreDown(t *testing.T) {
	env := newTestEnv(t, "", func(o *Options) {
		o.Ping = func(context.Context) error { return errors.New("connection refused") }
	})
	resp, err := http.Get(env.srv.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func readEvents(t *testing.T, r *bufio.Reader, n int) []string {
	t.Helper()
	var out []string
	var cur strings.Builder
	for len(out) < n {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteString(line)
	}
	return out
}

func TestOutputStream(t *testing.T) {
	env := newTestEnv(t, "", nil)
	_, err := env.machine.Create(context.Background(), "acme/app#5", "acme/app")
	require.NoError(t, err)

	env.output.Begin("acme/app#5")
	env.output.Publish("acme/app#5", "stdout", "\x1b[32mcompiling\x1b[0m")

	resp, err := http.Get(env.srv.URL + "/api/states/acme/app/5/output")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	r := bufio.NewReader(resp.Body)

	first := readEvents(t, r, 1)
	assert.Equal(t, "event: stdout\ndata: compiling\n", first[0])

	// The subscription exists once the backlog has been written.
	env.output.Publish("acme/app#5", "stderr", "warning: unused")
	env.output.End("acme/app#5")

	rest := readEvents(t, r, 2)
	assert.Equal(t, "event: stderr\ndata: warning: unused\n", rest[0])
	assert.Equal(t, "event: done\ndata: run finished\n", rest[1])
}

func TestOutputStreamWithoutRun(t *testing.T) {
	env := newTestEnv(t, "", nil)
	_, err := env.machine.Create(context.Background(), "acme/app#6", "acme/app")
	require.NoError(t, err)

	resp, err := http.Get(env.srv.URL + "/api/states/acme/app/6/output")
	require.NoError(t, err)
	defer resp.Body.Close()
	events := readEvents(t, bufio.NewReader(resp.Body), 1)
	assert.Equal(t, "event: done\ndata: no active run\n", events[0])

	resp2, err := http.Get(env.srv.URL + "/api/states/acme/app/404/output")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(Options{States: pipeline.NewMachine(pipeline.NewFileStore(t.TempDir()), logger), Queue: &fakeQueue{}}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, "127.0.0.1:0") }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
