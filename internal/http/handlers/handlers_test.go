package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/lantianlaoli/flowtra/internal/adapter/memstore"
	"github.com/lantianlaoli/flowtra/internal/artifacts"
	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/middleware"
	"github.com/lantianlaoli/flowtra/internal/providers/generation/generationtest"
	"github.com/lantianlaoli/flowtra/internal/reconcile"
	"github.com/lantianlaoli/flowtra/internal/segments"
	"github.com/lantianlaoli/flowtra/internal/storage"
	"github.com/lantianlaoli/flowtra/internal/workflow"
)

const testUser = "user-1"

type testEnv struct {
	app    *App
	store  *memstore.Store
	fake   *generationtest.Fake
	router http.Handler
	cdn    *httptest.Server
	cdnOff *atomic.Bool
}

func newTestEnv(t *testing.T, balance int) *testEnv {
	t.Helper()
	store := memstore.New()
	store.SetBalance(testUser, balance)
	fake := generationtest.New()
	ctrl := workflow.NewController(workflow.Options{
		Store:    store,
		Client:   fake,
		Segments: segments.New(store.Segments(), fake, zerolog.Nop(), 2),
		Logger:   zerolog.Nop(),
	})
	engine := reconcile.NewEngine(reconcile.Options{Store: store, Controller: ctrl, Client: fake, Logger: zerolog.Nop()})

	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	cdnOff := &atomic.Bool{}
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cdnOff.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("video:" + r.URL.Path))
	}))
	t.Cleanup(cdn.Close)
	cache := artifacts.NewCache(artifacts.Options{Store: files, Logger: zerolog.Nop()})

	app := NewApp(ctrl, engine, store, cache, WebhookConfig{
		Allow:  func(p string) bool { return p == "kie" },
		Secret: "hook-secret",
	}, zerolog.Nop())

	r := chi.NewRouter()
	r.Route("/workflows/{kind}", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				uid := req.Header.Get("X-Test-User")
				next.ServeHTTP(w, req.WithContext(middleware.ContextWithUserID(req.Context(), uid)))
			})
		})
		r.Post("/", app.StartWorkflow)
		r.Get("/{id}/status", app.WorkflowStatus)
		r.Post("/{id}/download", app.DownloadWorkflow)
		r.Post("/{id}/retry", app.RetryWorkflow)
	})
	r.Post("/webhooks/{provider}", app.ProviderWebhook)
	r.Post("/internal/monitor-tasks", app.MonitorTasks)

	return &testEnv{app: app, store: store, fake: fake, router: r, cdn: cdn, cdnOff: cdnOff}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	req.Header.Set("X-Webhook-Secret", "hook-secret")
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) webhook(t *testing.T, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/webhooks/kie", "", body)
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func (e *testEnv) start(t *testing.T) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/workflows/single-image-to-video/", testUser, map[string]any{
		"image_url":    "https://cdn.example/product.png",
		"product_name": "cold brew",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("start: got %d body %s", rr.Code, rr.Body.String())
	}
	out := decode(t, rr)
	if out["status"] != "analyzing_images" || out["progress_percentage"] != float64(15) {
		t.Fatalf("unexpected start response: %#v", out)
	}
	return out["workflow_id"].(string)
}

func TestStartWorkflowErrors(t *testing.T) {
	env := newTestEnv(t, 0)

	cases := []struct {
		name string
		path string
		user string
		body any
		code int
		err  string
	}{
		{"no user", "/workflows/single-image-to-video/", "", map[string]any{"image_url": "x"}, http.StatusUnauthorized, "unauthorized"},
		{"bad json", "/workflows/single-image-to-video/", testUser, "{", http.StatusBadRequest, "bad_request"},
		{"unknown kind", "/workflows/podcast/", testUser, map[string]any{"image_url": "x"}, http.StatusBadRequest, "bad_request"},
		{"missing image", "/workflows/single-image-to-video/", testUser, map[string]any{}, http.StatusBadRequest, "bad_request"},
		{"no credits", "/workflows/character-spokesperson/", testUser, map[string]any{"character_image_url": "x", "product_id": "p"}, http.StatusPaymentRequired, "insufficient_credits"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, tc.path, tc.user, tc.body)
			if rr.Code != tc.code {
				t.Fatalf("got %d, want %d (%s)", rr.Code, tc.code, rr.Body.String())
			}
			if got := decode(t, rr)["error"]; got != tc.err {
				t.Fatalf("error code: got %v, want %s", got, tc.err)
			}
		})
	}
	if env.store.InstanceCount() != 0 {
		t.Fatalf("expected no instances, got %d", env.store.InstanceCount())
	}
}

func TestWebhookAdvancesAndStatusReflectsIt(t *testing.T) {
	env := newTestEnv(t, 100)
	id := env.start(t)

	rr := env.webhook(t, map[string]any{"code": 200, "data": map[string]any{"taskId": "task-1", "text": "a bottle"}})
	if rr.Code != http.StatusOK || decode(t, rr)["outcome"] != string(reconcile.OutcomeAdvanced) {
		t.Fatalf("webhook: got %d %s", rr.Code, rr.Body.String())
	}
	rr = env.webhook(t, map[string]any{"code": 200, "task_id": "task-1", "data": map[string]any{"text": "a bottle"}})
	if rr.Code != http.StatusOK || decode(t, rr)["outcome"] != string(reconcile.OutcomeStale) {
		t.Fatalf("duplicate webhook: got %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/workflows/single-image-to-video/"+id+"/status", testUser, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	out := decode(t, rr)
	if out["status"] != "generating_prompts" || out["progress_percentage"] != float64(35) {
		t.Fatalf("unexpected status: %#v", out)
	}
	if out["billing_state"] != string(domain.BillingNeverCharged) {
		t.Fatalf("billing state: %v", out["billing_state"])
	}
	if len(env.fake.Submissions()) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(env.fake.Submissions()))
	}
}

func TestStatusHidesOtherOwnersAndKinds(t *testing.T) {
	env := newTestEnv(t, 100)
	id := env.start(t)

	if rr := env.do(t, http.MethodGet, "/workflows/single-image-to-video/"+id+"/status", "user-2", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("other owner: got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/workflows/character-spokesperson/"+id+"/status", testUser, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("other kind: got %d", rr.Code)
	}
}

func TestWebhookGuards(t *testing.T) {
	env := newTestEnv(t, 100)

	if rr := env.do(t, http.MethodPost, "/webhooks/other", "", map[string]any{"task_id": "x", "code": 200}); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown provider: got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/kie", strings.NewReader(`{"task_id":"x","code":200}`))
	req.Header.Set("X-Webhook-Secret", "wrong")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad secret: got %d", rr.Code)
	}

	rr = env.webhook(t, map[string]any{"task_id": "ghost", "code": 501, "msg": "boom"})
	if rr.Code != http.StatusOK {
		t.Fatalf("unknown task: got %d", rr.Code)
	}
	out := decode(t, rr)
	if out["success"] != true || out["outcome"] != string(reconcile.OutcomeUnknownTask) {
		t.Fatalf("unknown task response: %#v", out)
	}

	if rr := env.webhook(t, map[string]any{"code": 200}); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing task id: got %d", rr.Code)
	}
}

func TestDownloadChargesOnceAndZipsArtifacts(t *testing.T) {
	env := newTestEnv(t, 100)
	id := env.start(t)
	path := "/workflows/single-image-to-video/" + id

	if rr := env.do(t, http.MethodPost, path+"/download", testUser, nil); rr.Code != http.StatusConflict {
		t.Fatalf("download before completion: got %d", rr.Code)
	}

	steps := []map[string]any{
		{"task_id": "task-1", "code": 200, "data": map[string]any{"text": "analysis"}},
		{"task_id": "task-2", "code": 200, "data": map[string]any{"text": "script"}},
		{"task_id": "task-3", "code": 200, "data": map[string]any{"result_urls": []string{env.cdn.URL + "/cover.png"}}},
		{"task_id": "task-4", "code": 200, "data": map[string]any{"result_urls": []string{env.cdn.URL + "/ad.mp4"}}},
	}
	for _, body := range steps {
		if rr := env.webhook(t, body); rr.Code != http.StatusOK {
			t.Fatalf("webhook %v: got %d", body["task_id"], rr.Code)
		}
	}

	rr := env.do(t, http.MethodPost, path+"/download", testUser, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("download: got %d %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "video:/ad.mp4" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
	if rr.Header().Get("X-Credits-Charged") != "20" || rr.Header().Get("Content-Type") != "video/mp4" {
		t.Fatalf("unexpected headers: %v", rr.Header())
	}

	rr = env.do(t, http.MethodPost, path+"/download?format=zip", testUser, nil)
	if rr.Code != http.StatusOK || rr.Header().Get("X-Credits-Charged") != "0" {
		t.Fatalf("zip download: got %d charged %s", rr.Code, rr.Header().Get("X-Credits-Charged"))
	}
	zr, err := zip.NewReader(bytes.NewReader(rr.Body.Bytes()), int64(rr.Body.Len()))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "final.mp4" {
		t.Fatalf("unexpected zip entries: %d", len(zr.File))
	}

	balance, _ := env.store.Credits().Balance(context.Background(), testUser)
	if balance != 80 {
		t.Fatalf("balance: got %d, want 80", balance)
	}
}

func TestRetryRequiresFailedInstance(t *testing.T) {
	env := newTestEnv(t, 100)
	id := env.start(t)
	path := "/workflows/single-image-to-video/" + id + "/retry"

	if rr := env.do(t, http.MethodPost, path, testUser, nil); rr.Code != http.StatusConflict {
		t.Fatalf("retry in flight: got %d", rr.Code)
	}
	if rr := env.webhook(t, map[string]any{"task_id": "task-1", "code": 500, "msg": "content policy"}); rr.Code != http.StatusOK {
		t.Fatalf("failure webhook: got %d", rr.Code)
	}
	rr := env.do(t, http.MethodPost, path, testUser, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("retry: got %d %s", rr.Code, rr.Body.String())
	}
	if out := decode(t, rr); out["status"] != "analyzing_images" {
		t.Fatalf("retry response: %#v", out)
	}
}

func TestMonitorTasksReportsCounts(t *testing.T) {
	env := newTestEnv(t, 100)
	env.start(t)

	rr := env.do(t, http.MethodPost, "/internal/monitor-tasks", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("monitor: got %d", rr.Code)
	}
	out := decode(t, rr)
	if out["total"] != float64(1) || out["processed"] != float64(1) || out["completed"] != float64(0) {
		t.Fatalf("unexpected report: %#v", out)
	}
}

func TestHealthReportsFailingProbe(t *testing.T) {
	env := newTestEnv(t, 0)
	env.app.Probes = map[string]func(context.Context) error{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}

	rr := httptest.NewRecorder()
	env.app.Health(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	out := decode(t, rr)
	checks, _ := out["checks"].(map[string]any)
	if out["status"] != "degraded" || checks["postgres"] != "up" || checks["redis"] != "down" {
		t.Fatalf("unexpected health body: %#v", out)
	}
}

func TestDownloadFetchFailureChargesNothing(t *testing.T) {
	env := newTestEnv(t, 100)
	id := env.start(t)
	path := "/workflows/single-image-to-video/" + id + "/download"

	steps := []map[string]any{
		{"task_id": "task-1", "code": 200, "data": map[string]any{"text": "analysis"}},
		{"task_id": "task-2", "code": 200, "data": map[string]any{"text": "script"}},
		{"task_id": "task-3", "code": 200, "data": map[string]any{"result_urls": []string{env.cdn.URL + "/cover.png"}}},
		{"task_id": "task-4", "code": 200, "data": map[string]any{"result_urls": []string{env.cdn.URL + "/ad.mp4"}}},
	}
	for _, body := range steps {
		if rr := env.webhook(t, body); rr.Code != http.StatusOK {
			t.Fatalf("webhook %v: got %d", body["task_id"], rr.Code)
		}
	}

	env.cdnOff.Store(true)
	rr := env.do(t, http.MethodPost, path, testUser, nil)
	if rr.Code != http.StatusBadGateway || decode(t, rr)["error"] != "artifact_unavailable" {
		t.Fatalf("download with cdn down: got %d", rr.Code)
	}
	ctx := context.Background()
	if balance, _ := env.store.Credits().Balance(ctx, testUser); balance != 100 {
		t.Fatalf("balance after failed fetch: got %d, want 100", balance)
	}
	inst, err := env.store.Workflows().Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inst.Downloaded || len(env.store.Transactions()) != 0 {
		t.Fatalf("failed fetch recorded a download: downloaded=%v txs=%d", inst.Downloaded, len(env.store.Transactions()))
	}

	env.cdnOff.Store(false)
	rr = env.do(t, http.MethodPost, path, testUser, nil)
	if rr.Code != http.StatusOK || rr.Header().Get("X-Credits-Charged") != "20" {
		t.Fatalf("download after recovery: got %d charged %s", rr.Code, rr.Header().Get("X-Credits-Charged"))
	}
	if balance, _ := env.store.Credits().Balance(ctx, testUser); balance != 80 {
		t.Fatalf("balance after download: got %d, want 80", balance)
	}
}
