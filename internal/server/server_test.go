package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"flowlens/internal/config"
	"flowlens/internal/db"
	"flowlens/internal/domain"
	"flowlens/internal/engine"
	"flowlens/internal/migrate"
	"flowlens/internal/repo"
)

type testServer struct {
	URL    string
	Repo   repo.Repo
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	e := engine.New(config.Default(), r, nil)
	if authCfg.enabled() && authCfg.APIKeys == nil {
		authCfg.APIKeys = r
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Repo:   r,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

const reviewBoard = "## 👀 REVIEW\n- [ ] **[US-1]** One\n- [ ] **[US-2]** Two\n## ✔️ DONE\n- [ ] **[US-3]** Three\n"

func TestSnapshotsAndReport(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	for i, date := range []string{"2024-01-01T00:00:00Z", "2024-01-03T00:00:00Z"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/snapshots", map[string]any{
			"board": reviewBoard,
			"date":  date,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("record snapshot %d: %d %s", i, res.StatusCode, string(data))
		}
		var snap domain.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			t.Fatalf("unmarshal snapshot: %v", err)
		}
		if snap.ID == "" || snap.Count(domain.StatusReview) != 2 {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/snapshots?limit=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list snapshots: %d %s", res.StatusCode, string(data))
	}
	var list SnapshotList
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 || list.Items[0].Date.Day() != 3 {
		t.Fatalf("expected newest snapshot only, got %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/report?format=markdown", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report: %d %s", res.StatusCode, string(data))
	}
	var report ReportResponse
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Report.Snapshots != 2 || report.Report.Status != "ok" {
		t.Fatalf("unexpected report: %+v", report.Report)
	}
	if report.Markdown == "" {
		t.Fatalf("expected markdown rendering")
	}
}

func TestSnapshotRequiresInput(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/snapshots", map[string]any{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	var body struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if body.Error.Code != "bad_request" {
		t.Fatalf("expected bad_request code, got %+v", body.Error)
	}
}

func analysisEntities() map[string]any {
	cards := []map[string]any{}
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5", "c6"} {
		cards = append(cards, map[string]any{"id": id, "team_id": "t1", "status": "review"})
	}
	return map[string]any{
		"teams": []map[string]any{{"id": "t1", "name": "Core"}},
		"cards": cards,
	}
}

func TestAnalysesAndRuns(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/analyses/bottlenecks", analysisEntities(), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bottlenecks: %d %s", res.StatusCode, string(data))
	}
	var bn BottlenecksResponse
	_ = json.Unmarshal(data, &bn)
	if len(bn.Items) != 1 || bn.MaxSeverity != domain.SeverityHigh {
		t.Fatalf("unexpected bottlenecks: %+v", bn)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/analyses", analysisEntities(), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analyze: %d %s", res.StatusCode, string(data))
	}
	var full engine.Analysis
	if err := json.Unmarshal(data, &full); err != nil {
		t.Fatalf("unmarshal analysis: %v", err)
	}
	if full.ID == "" || full.AI.Provider != "simulation" {
		t.Fatalf("unexpected analysis: %+v", full)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/runs/"+full.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run: %d %s", res.StatusCode, string(data))
	}
	var run RunResponse
	_ = json.Unmarshal(data, &run)
	if run.Kind != engine.KindFull || run.Payload["id"] != full.ID {
		t.Fatalf("unexpected run: %+v", run)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/runs/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=analysis.completed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var evts paginatedEvents
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) != 1 || evts.Items[0].EntityID != full.ID {
		t.Fatalf("expected one analysis event, got %+v", evts.Items)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	for _, date := range []string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "2024-01-03T00:00:00Z"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/snapshots", map[string]any{"board": reviewBoard, "date": date}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("record: %d %s", res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=snapshot.recorded&limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with cursor, got %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=snapshot.recorded&limit=2&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2: %d %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	_ = json.Unmarshal(data, &next)
	if len(next.Items) != 1 || next.NextCursor != "" {
		t.Fatalf("expected final page of one, got %+v", next)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?cursor=abc", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestAuthEnforcedWithSecret(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/providers", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/providers", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	token, err := IssueToken(secret, "ops", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with token: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.Subject != "ops" || who.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", who)
	}

	_, plain, err := srv.Repo.CreateAPIKey(context.Background(), "ci-bot", "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": plain})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &who)
	if who.Subject != "ci-bot" || who.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", who)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "fl_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "/v1/analyses/global") || !strings.Contains(string(data), "apiKeyAuth") {
		t.Fatalf("openapi document missing expected entries")
	}
}

func TestOpenAPIDocumentConcurrentReads(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	const readers = 8
	var wg sync.WaitGroup
	bodies := make([]string, readers)
	codes := make([]int, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				t.Errorf("get openapi: %v", err)
				return
			}
			defer res.Body.Close()
			data, _ := io.ReadAll(res.Body)
			codes[i] = res.StatusCode
			bodies[i] = string(data)
		}(i)
	}
	wg.Wait()
	for i := 0; i < readers; i++ {
		if codes[i] != http.StatusOK {
			t.Fatalf("reader %d: status %d", i, codes[i])
		}
		if bodies[i] != bodies[0] {
			t.Fatalf("reader %d saw a different document", i)
		}
	}
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	if _, err := IssueToken("", "ops", time.Hour, time.Now()); err == nil {
		t.Fatalf("expected error without secret")
	}
	if _, err := IssueToken("s", "", time.Hour, time.Now()); err == nil {
		t.Fatalf("expected error without subject")
	}
}
