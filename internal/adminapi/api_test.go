package adminapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"scriptsched/internal/alert"
	"scriptsched/internal/storage"
	"scriptsched/internal/task/deps"
	"scriptsched/internal/task/engine"
	"scriptsched/internal/task/runner"
	"scriptsched/internal/task/scheduler"
	"scriptsched/pkg/logx"
)

type okExec struct{}

func (okExec) Run(_ context.Context, _ storage.Task, _ storage.Run) runner.Outcome {
	now := time.Now()
	return runner.Outcome{Kind: runner.KindSuccess, Started: now, Finished: now}
}

type fixture struct {
	srv   *httptest.Server
	store storage.Store
	eng   *engine.Service
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	trig := scheduler.New(scheduler.Config{Timezone: "UTC"}, nil, st, logx.Nop())
	em := alert.New(st, logx.Nop())
	eng := engine.New(engine.Config{Workers: 2}, engine.Deps{
		Store:    st,
		Trigger:  trig,
		Resolver: deps.New(deps.Config{}, st, trig.Location, logx.Nop()),
		Exec:     okExec{},
		Alerts:   em,
	}, logx.Nop())
	trig.SetDispatcher(eng)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	api := NewAPI(eng, st, trig.Entries, logx.Nop())
	srv := httptest.NewServer(api.Handler(token))
	t.Cleanup(func() {
		srv.Close()
		eng.Stop(context.Background())
		_ = st.Close()
	})
	return &fixture{srv: srv, store: st, eng: eng}
}

func (f *fixture) do(t *testing.T, method, path, body, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, b
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	res, body := f.do(t, http.MethodPost, "/api/v1/tasks", `{"name":"backup","script_path":"/opt/backup.sh","active":true,"max_retries":-1}`, "")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, body)
	}
	var task storage.Task
	if err := json.Unmarshal(body, &task); err != nil || task.ID == 0 || task.MaxRetries != storage.DefaultMaxRetries {
		t.Fatalf("task=%+v err=%v", task, err)
	}

	if res, body := f.do(t, http.MethodPost, "/api/v1/tasks", `{"name":"backup","script_path":"/x.sh"}`, ""); res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate: %d %s", res.StatusCode, body)
	}
	if res, _ := f.do(t, http.MethodPost, "/api/v1/tasks", `{"name":"x"}`, ""); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing script_path: %d", res.StatusCode)
	}

	if res, body := f.do(t, http.MethodPut, "/api/v1/tasks/backup/schedule", `{"type":"interval","config":{"minutes":5}}`, ""); res.StatusCode != http.StatusOK {
		t.Fatalf("schedule: %d %s", res.StatusCode, body)
	}
	if res, body := f.do(t, http.MethodPut, "/api/v1/tasks/backup/schedule", `{"type":"cron","config":{"minute":"99"}}`, ""); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad schedule: %d %s", res.StatusCode, body)
	}

	res, body = f.do(t, http.MethodGet, "/api/v1/schedule", "", "")
	var entries []scheduler.EntryInfo
	if err := json.Unmarshal(body, &entries); err != nil || len(entries) != 1 || entries[0].TaskName != "backup" {
		t.Fatalf("entries=%s err=%v", body, err)
	}

	if res, body := f.do(t, http.MethodPatch, "/api/v1/tasks/backup", `{"timeout_seconds":60}`, ""); res.StatusCode != http.StatusOK || !strings.Contains(string(body), `"timeout_seconds":60`) {
		t.Fatalf("patch: %d %s", res.StatusCode, body)
	}
	if res, _ := f.do(t, http.MethodGet, "/api/v1/tasks/nope", "", ""); res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task: %d", res.StatusCode)
	}
}

func TestDependencyAndManualRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	for _, name := range []string{"extract", "load"} {
		if res, body := f.do(t, http.MethodPost, "/api/v1/tasks", `{"name":"`+name+`","script_path":"/opt/`+name+`.sh","active":true}`, ""); res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s: %d %s", name, res.StatusCode, body)
		}
	}
	if res, body := f.do(t, http.MethodPost, "/api/v1/tasks/load/dependencies", `{"depends_on":"extract"}`, ""); res.StatusCode != http.StatusCreated {
		t.Fatalf("dependency: %d %s", res.StatusCode, body)
	}
	if res, _ := f.do(t, http.MethodPost, "/api/v1/tasks/load/dependencies", `{"depends_on":"extract","condition":"maybe"}`, ""); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad condition: %d", res.StatusCode)
	}

	// load is gated until extract has succeeded today.
	res, body := f.do(t, http.MethodPost, "/api/v1/tasks/load/run", "", "")
	if res.StatusCode != http.StatusConflict || !strings.Contains(string(body), `"status":"skipped"`) {
		t.Fatalf("gated run: %d %s", res.StatusCode, body)
	}

	if res, body := f.do(t, http.MethodPost, "/api/v1/tasks/extract/run", "", ""); res.StatusCode != http.StatusAccepted {
		t.Fatalf("run extract: %d %s", res.StatusCode, body)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		runs, _ := f.store.GetRecentRuns(context.Background(), 0, 10)
		if hasStatus(runs, "extract", storage.RunSuccess) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("extract never finished: %+v", runs)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if res, body := f.do(t, http.MethodPost, "/api/v1/tasks/load/run", "", ""); res.StatusCode != http.StatusAccepted {
		t.Fatalf("run load: %d %s", res.StatusCode, body)
	}

	res, body = f.do(t, http.MethodGet, "/api/v1/runs?task=load&limit=5", "", "")
	var runs []storage.Run
	if err := json.Unmarshal(body, &runs); err != nil || res.StatusCode != http.StatusOK || len(runs) != 2 {
		t.Fatalf("runs: %d %s", res.StatusCode, body)
	}
	if res, _ := f.do(t, http.MethodGet, "/api/v1/runs/"+runs[0].ID, "", ""); res.StatusCode != http.StatusOK {
		t.Fatalf("get run: %d", res.StatusCode)
	}
	if res, _ := f.do(t, http.MethodGet, "/api/v1/runs?limit=zero", "", ""); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", res.StatusCode)
	}
}

func TestAlertsAckAndReporting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()

	a, err := f.store.CreateAlert(ctx, storage.Alert{Severity: storage.SeverityCritical, Type: alert.TypeTaskException, Message: "boom"})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}
	if err := f.store.UpsertHeartbeat(ctx, storage.Heartbeat{Service: "scriptsched", Host: "box", Status: storage.HealthHealthy}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	res, body := f.do(t, http.MethodGet, "/api/v1/alerts?severity=critical", "", "")
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), "boom") {
		t.Fatalf("alerts: %d %s", res.StatusCode, body)
	}
	if res, _ := f.do(t, http.MethodGet, "/api/v1/alerts?severity=loud", "", ""); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad severity: %d", res.StatusCode)
	}
	path := "/api/v1/alerts/" + strconv.FormatInt(a.ID, 10) + "/ack"
	if res, body := f.do(t, http.MethodPost, path, `{"by":"ops"}`, ""); res.StatusCode != http.StatusNoContent {
		t.Fatalf("ack: %d %s", res.StatusCode, body)
	}
	if res, _ := f.do(t, http.MethodPost, "/api/v1/alerts/999/ack", "", ""); res.StatusCode != http.StatusNotFound {
		t.Fatalf("ack unknown: %d", res.StatusCode)
	}
	if _, body := f.do(t, http.MethodGet, "/api/v1/alerts", "", ""); strings.Contains(string(body), "boom") {
		t.Fatalf("acknowledged alert still listed: %s", body)
	}

	if res, body := f.do(t, http.MethodGet, "/api/v1/heartbeats?freshness=5m", "", ""); res.StatusCode != http.StatusOK || !strings.Contains(string(body), `"host":"box"`) {
		t.Fatalf("heartbeats: %d %s", res.StatusCode, body)
	}
	res, body = f.do(t, http.MethodGet, "/api/v1/tracker", "", "")
	var snap engine.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil || !snap.Running || snap.Workers != 2 {
		t.Fatalf("tracker: %d %s", res.StatusCode, body)
	}
	if res, body := f.do(t, http.MethodPost, "/api/v1/reload", "", ""); res.StatusCode != http.StatusOK || !strings.Contains(string(body), `"rejected":[]`) {
		t.Fatalf("reload: %d %s", res.StatusCode, body)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "s3cret")

	if res, _ := f.do(t, http.MethodGet, "/healthz", "", ""); res.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", res.StatusCode)
	}
	if res, _ := f.do(t, http.MethodGet, "/api/v1/tasks", "", ""); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: %d", res.StatusCode)
	}
	if res, _ := f.do(t, http.MethodGet, "/api/v1/tasks", "", "wrong"); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", res.StatusCode)
	}
	if res, _ := f.do(t, http.MethodGet, "/api/v1/tasks", "", "s3cret"); res.StatusCode != http.StatusOK {
		t.Fatalf("token: %d", res.StatusCode)
	}
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:0": true,
		"[::1]:80":    true,
		"localhost:1": true,
		":8080":       false,
		"0.0.0.0:80":  false,
		"garbage":     false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("%s: got %v", addr, got)
		}
	}

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, NewAPI(nil, nil, nil, logx.Nop()), logx.Nop())
	if err := s.serveOnce(context.Background()); err != ErrInsecureBind {
		t.Fatalf("err=%v", err)
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, NewAPI(nil, nil, nil, logx.Nop()), logx.Nop())
	s.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	res, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v", err)
	}
	res.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatalf("still bound after stop")
	}
}

func hasStatus(runs []storage.Run, task string, st storage.RunStatus) bool {
	for _, r := range runs {
		if r.TaskName == task && r.Status == st {
			return true
		}
	}
	return false
}
