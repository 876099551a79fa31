package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"

	"cvrpnav/internal/auth"
	"cvrpnav/internal/config"
	"cvrpnav/internal/events"
	"cvrpnav/internal/model"
	"cvrpnav/internal/opt"
	"cvrpnav/internal/runs"
	"cvrpnav/internal/store"
	"cvrpnav/internal/webhooks"
)

const squareJSON = `{"name":"square","nodes":{"0":[0,0],"1":[1,0],"2":[2,0],"3":[0,1],"4":[0,2]},"demands":{"1":10,"2":10,"3":10,"4":10},"capacity":20,"trucks":2,"optimalValue":8}`

func newTestServer(t *testing.T, env map[string]string) *Server {
	t.Helper()
	cfg, err := config.FromEnv(func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	log, _ := test.NewNullLogger()
	st := store.NewMemory()
	br := events.NewMemory()
	runner := runs.New(st, br, events.NewProgressCache(), webhooks.NewPublisher(st), cfg.MaxConcurrentRuns, log)
	t.Cleanup(runner.Close)
	s, err := NewServer(cfg, st, br, runner, log)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestInstancesCreateListGet(t *testing.T) {
	h := newTestServer(t, nil).Routes()
	rr := do(t, h, http.MethodPost, "/v1/instances", squareJSON)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: got %d %s", rr.Code, rr.Body)
	}
	var sum model.InstanceSummary
	_ = json.NewDecoder(rr.Body).Decode(&sum)
	if sum.ID == "" || sum.Customers != 4 || sum.Capacity != 20 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	rr = do(t, h, http.MethodGet, "/v1/instances?limit=5", "")
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), sum.ID) {
		t.Fatalf("list: got %d %s", rr.Code, rr.Body)
	}

	rr = do(t, h, http.MethodGet, "/v1/instances/"+sum.ID, "")
	if rr.Code != 200 {
		t.Fatalf("get: got %d", rr.Code)
	}
	var rec model.InstanceRecord
	_ = json.NewDecoder(rr.Body).Decode(&rec)
	if len(rec.Instance.Nodes) != 5 || rec.Instance.Demands[3] != 10 {
		t.Fatalf("instance did not round-trip: %+v", rec.Instance)
	}

	// other tenants do not see it
	req := httptest.NewRequest(http.MethodGet, "/v1/instances/"+sum.ID, nil)
	req.Header.Set("X-Tenant-Id", "t_other")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant get: got %d", rr.Code)
	}
}

func TestCreateInstanceRejectsMalformed(t *testing.T) {
	h := newTestServer(t, nil).Routes()
	rr := do(t, h, http.MethodPost, "/v1/instances", `{"nodes":{"0":[0,0],"1":[1,0]},"demands":{"1":5},"capacity":0}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("expected problem body, got %q", ct)
	}
	rr = do(t, h, http.MethodPost, "/v1/instances", `{not json`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rr.Code)
	}
}

func TestVerify(t *testing.T) {
	h := newTestServer(t, nil).Routes()
	rr := do(t, h, http.MethodPost, "/v1/verify", `{"instance":`+squareJSON+`,"routes":[[1,2],[3,4]]}`)
	if rr.Code != 200 {
		t.Fatalf("verify: got %d %s", rr.Code, rr.Body)
	}
	var ok model.VerifyResponse
	_ = json.NewDecoder(rr.Body).Decode(&ok)
	if !ok.Feasible || ok.Cost != 8 || ok.Proximity == nil || *ok.Proximity != 0 {
		t.Fatalf("unexpected verdict: %+v", ok)
	}

	rr = do(t, h, http.MethodPost, "/v1/verify", `{"instance":`+squareJSON+`,"routes":[[1,2,3],[4]]}`)
	var bad model.VerifyResponse
	_ = json.NewDecoder(rr.Body).Decode(&bad)
	if bad.Feasible || bad.Cost != 0 || bad.Violation == nil || bad.Violation.Kind != "capacity_exceeded" {
		t.Fatalf("expected capacity violation, got %+v", bad)
	}
	if bad.Violation.Route == nil || *bad.Violation.Route != 1 || bad.Violation.Node == nil || *bad.Violation.Node != 3 {
		t.Fatalf("violation should point at route 1 node 3: %+v", bad.Violation)
	}

	rr = do(t, h, http.MethodPost, "/v1/verify", `{"routes":[[1]]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing instance: got %d", rr.Code)
	}
}

func TestSolveFormats(t *testing.T) {
	h := newTestServer(t, nil).Routes()
	body := `{"instance":` + squareJSON + `,"options":{"algorithm":"local-search"}}`

	rr := do(t, h, http.MethodPost, "/v1/solve", body)
	if rr.Code != 200 {
		t.Fatalf("solve: got %d %s", rr.Code, rr.Body)
	}
	var run model.Run
	_ = json.NewDecoder(rr.Body).Decode(&run)
	if run.Status != model.RunSucceeded || !run.Feasible || run.Cost != 8 || run.Algorithm != opt.AlgorithmLocalSearch {
		t.Fatalf("unexpected run: %+v", run)
	}

	rr = do(t, h, http.MethodPost, "/v1/solve?format=sol", body)
	want := "Route #1: 1 2\nRoute #2: 3 4\nCost 8\n"
	if rr.Code != 200 || rr.Body.String() != want {
		t.Fatalf("sol output: got %d %q", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodPost, "/v1/solve?format=geojson", body)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"FeatureCollection"`) || !strings.Contains(rr.Body.String(), `"LineString"`) {
		t.Fatalf("geojson output: got %d %s", rr.Code, rr.Body)
	}

	rr = do(t, h, http.MethodPost, "/v1/solve?format=xml", body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad format: got %d", rr.Code)
	}
}

func TestSolveErrors(t *testing.T) {
	h := newTestServer(t, nil).Routes()
	cases := []struct {
		name string
		body string
		want int
	}{
		{"unknown profile", `{"instance":` + squareJSON + `,"profile":"nope"}`, http.StatusBadRequest},
		{"bad algorithm", `{"instance":` + squareJSON + `,"options":{"algorithm":"simplex"}}`, http.StatusBadRequest},
		{"unknown instance", `{"instanceId":"missing"}`, http.StatusNotFound},
		{"bad callback", `{"instance":` + squareJSON + `,"callbackUrl":"ftp://x"}`, http.StatusBadRequest},
		{"oversized demand", `{"instance":{"nodes":{"0":[0,0],"1":[1,0]},"demands":{"1":30},"capacity":20}}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		rr := do(t, h, http.MethodPost, "/v1/solve", tc.body)
		if rr.Code != tc.want {
			t.Errorf("%s: got %d want %d (%s)", tc.name, rr.Code, tc.want, rr.Body)
		}
	}
}

func TestRunsAsyncAndStream(t *testing.T) {
	h := newTestServer(t, nil).Routes()
	rr := do(t, h, http.MethodPost, "/v1/runs", `{"instance":`+squareJSON+`,"options":{"algorithm":"tabu","maxIterations":30}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit: got %d %s", rr.Code, rr.Body)
	}
	var run model.Run
	_ = json.NewDecoder(rr.Body).Decode(&run)
	if rr.Header().Get("Location") != "/v1/runs/"+run.ID {
		t.Fatalf("missing Location header")
	}

	deadline := time.Now().Add(5 * time.Second)
	for !run.Status.Terminal() {
		if time.Now().After(deadline) {
			t.Fatal("run did not finish")
		}
		time.Sleep(10 * time.Millisecond)
		rr = do(t, h, http.MethodGet, "/v1/runs/"+run.ID, "")
		_ = json.NewDecoder(rr.Body).Decode(&run)
	}
	if run.Status != model.RunSucceeded || !run.Feasible {
		t.Fatalf("unexpected final run: %+v", run)
	}

	rr = do(t, h, http.MethodGet, "/v1/runs?status=succeeded", "")
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), run.ID) {
		t.Fatalf("list runs: got %d %s", rr.Code, rr.Body)
	}
	rr = do(t, h, http.MethodGet, "/v1/runs?status=bogus", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: got %d", rr.Code)
	}

	// a finished run replays its terminal event and closes the stream
	rr = do(t, h, http.MethodGet, "/v1/runs/"+run.ID+"/events/stream", "")
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("stream content type: %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "event: run.completed") {
		t.Fatalf("stream body missing completion: %s", rr.Body)
	}
}

func TestRunWebSocket(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/solve", "application/json", bytes.NewBufferString(`{"instance":`+squareJSON+`}`))
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	var run model.Run
	_ = json.NewDecoder(resp.Body).Decode(&run)
	_ = resp.Body.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/runs/" + run.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_ = conn.WriteJSON(wsMessage{Type: "connection_init"})
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "connection_ack" {
		t.Fatalf("expected ack, got %+v (%v)", msg, err)
	}
	_ = conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1"})
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "next" || msg.ID != "1" {
		t.Fatalf("expected next, got %+v (%v)", msg, err)
	}
	var evt model.RunEvent
	_ = json.Unmarshal(msg.Payload, &evt)
	if evt.Type != model.EventRunCompleted || evt.Run == nil || evt.Run.Cost != 8 {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "complete" {
		t.Fatalf("expected complete, got %+v (%v)", msg, err)
	}
}

func TestTrials(t *testing.T) {
	h := newTestServer(t, nil).Routes()
	rr := do(t, h, http.MethodPost, "/v1/trials", `{"instance":`+squareJSON+`,"options":{"algorithm":"annealing","seed":7},"trials":3,"parallelism":2}`)
	if rr.Code != 200 {
		t.Fatalf("trials: got %d %s", rr.Code, rr.Body)
	}
	var out model.TrialsResponse
	_ = json.NewDecoder(rr.Body).Decode(&out)
	if out.Algorithm != opt.AlgorithmAnnealing || len(out.Trials) != 3 {
		t.Fatalf("unexpected trials: %+v", out)
	}
	for i, tr := range out.Trials {
		if tr.Index != i {
			t.Fatalf("trial %d out of order", i)
		}
		if tr.Feasible && tr.Proximity == nil {
			t.Fatalf("feasible trial %d lacks proximity", i)
		}
	}

	rr = do(t, h, http.MethodPost, "/v1/trials", `{"instance":`+squareJSON+`,"trials":0}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("zero trials: got %d", rr.Code)
	}
}

func TestSolverConfigListsProfiles(t *testing.T) {
	s := newTestServer(t, nil)
	s.Config.Profiles = map[string]opt.Options{"quick": opt.DefaultOptions(opt.AlgorithmLocalSearch)}
	rr := do(t, s.Routes(), http.MethodGet, "/v1/solver/config", "")
	if rr.Code != 200 {
		t.Fatalf("config: got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{`"tabu"`, `"annealing"`, `"quick"`, `"tabuTenure"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("config body missing %s: %s", want, body)
		}
	}
}

func TestRateLimitPerTenant(t *testing.T) {
	h := newTestServer(t, map[string]string{"RATE_RPS": "0.001", "RATE_BURST": "1"}).Routes()
	if rr := do(t, h, http.MethodGet, "/v1/instances", ""); rr.Code != 200 {
		t.Fatalf("first request: got %d", rr.Code)
	}
	rr := do(t, h, http.MethodGet, "/v1/instances", "")
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("second request: got %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
	req.Header.Set("X-Tenant-Id", "t_other")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("other tenant should have its own bucket, got %d", rr.Code)
	}
	// ops endpoints are not limited
	if rr := do(t, h, http.MethodGet, "/healthz", ""); rr.Code != 200 {
		t.Fatalf("healthz limited: %d", rr.Code)
	}
}

func TestTenantLimiterEvictsIdleBuckets(t *testing.T) {
	l := newTenantLimiter(1, 1)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	l.max = 3

	if !l.allow("t_a") || l.allow("t_a") {
		t.Fatal("t_a: want one request then a rejection")
	}
	for i := 0; i < 10; i++ {
		l.allow("t_" + strconv.Itoa(i))
	}
	if n := len(l.m); n > l.max {
		t.Fatalf("limiter holds %d buckets, cap is %d", n, l.max)
	}
	if _, ok := l.m["t_9"]; !ok {
		t.Fatal("most recent tenant was evicted")
	}

	now = now.Add(l.idle + time.Second)
	l.allow("t_fresh")
	if n := len(l.m); n != 1 {
		t.Fatalf("idle buckets not swept: %d left", n)
	}
}

func TestTenantLimiterKeepsActiveBucket(t *testing.T) {
	l := newTenantLimiter(0.001, 1)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	l.max = 2

	if !l.allow("t_busy") {
		t.Fatal("first request rejected")
	}
	now = now.Add(time.Second)
	l.allow("t_other")
	now = now.Add(time.Second)
	if l.allow("t_busy") {
		t.Fatal("t_busy bucket was reset")
	}
	now = now.Add(time.Second)
	l.allow("t_third")
	if _, ok := l.m["t_other"]; ok {
		t.Fatal("least recently used bucket should have made room")
	}
	if l.allow("t_busy") {
		t.Fatal("t_busy bucket was evicted while in use")
	}
}

func TestMetricsAndDebug(t *testing.T) {
	h := newTestServer(t, nil).Routes()
	_ = do(t, h, http.MethodGet, "/healthz", "")
	rr := do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != 200 {
		t.Fatalf("metrics: got %d", rr.Code)
	}
	found := false
	sc := bufio.NewScanner(rr.Body)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "http_requests_total{") && strings.Contains(sc.Text(), `path="/healthz"`) {
			found = true
		}
	}
	if !found {
		t.Fatal("http_requests_total for /healthz not exported")
	}

	rr = do(t, h, http.MethodGet, "/debug/info", "")
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"version"`) {
		t.Fatalf("debug: got %d %s", rr.Code, rr.Body)
	}
}

func TestHMACAuthScopesTenant(t *testing.T) {
	h := newTestServer(t, map[string]string{"AUTH_MODE": "hmac", "AUTH_HMAC_SECRET": "k"}).Routes()
	if rr := do(t, h, http.MethodGet, "/v1/instances", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: got %d", rr.Code)
	}
	tok, _ := auth.Sign([]byte("k"), map[string]any{"tenant": "t_jwt"})
	req := httptest.NewRequest(http.MethodPost, "/v1/instances", strings.NewReader(squareJSON))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-Tenant-Id", "t_spoofed")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: got %d %s", rr.Code, rr.Body)
	}
	var rec model.InstanceRecord
	_ = json.NewDecoder(rr.Body).Decode(&rec)

	req = httptest.NewRequest(http.MethodGet, "/v1/instances/"+rec.ID, nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"tenantId":"t_jwt"`) {
		t.Fatalf("token tenant should own the instance: %d %s", rr.Code, rr.Body)
	}
}
