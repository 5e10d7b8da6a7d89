package generation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, srv *httptest.Server) *HTTPClient {
	t.Helper()
	c, err := NewClient(Options{
		APIKey:      "secret",
		BaseURL:     srv.URL,
		CallbackURL: "https://flowtra.example/webhooks/kie",
		HTTPClient:  srv.Client(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestSubmitSendsKindModelAndCallback(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/tasks" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Fatalf("authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"task_id":"abc123"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	handle, err := c.Submit(context.Background(), StepVideo, Payload{Prompt: "a bottle on a beach", ImageURLs: []string{"https://cdn/x.png"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if handle != "abc123" {
		t.Fatalf("handle = %q, want abc123", handle)
	}
	if got["kind"] != "video" {
		t.Fatalf("kind = %v, want video", got["kind"])
	}
	if got["model"] != "veo3_fast" {
		t.Fatalf("model = %v, want default veo3_fast", got["model"])
	}
	if got["callback_url"] != "https://flowtra.example/webhooks/kie" {
		t.Fatalf("callback_url = %v", got["callback_url"])
	}
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"code":200,"data":{"task_id":"ok"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	handle, err := c.Submit(context.Background(), StepImage, Payload{Prompt: "cover"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if handle != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("handle=%q calls=%d, want ok after 3 calls", handle, calls)
	}
}

func TestSubmitGivesUpAfterFiveAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Submit(context.Background(), StepImage, Payload{Prompt: "cover"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	if n := atomic.LoadInt32(&calls); n != 5 {
		t.Fatalf("calls = %d, want 5", n)
	}
}

func TestSubmitDoesNotRetryRejection(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"http 400": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":400,"msg":"bad prompt"}`))
		},
		"body code": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code":422,"msg":"content policy"}`))
		},
		"empty task id": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code":200,"data":{}}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				h(w, r)
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			_, err := c.Submit(context.Background(), StepPrompt, Payload{Prompt: "x"})
			if !errors.Is(err, ErrRejected) {
				t.Fatalf("err = %v, want ErrRejected", err)
			}
			if n := atomic.LoadInt32(&calls); n != 1 {
				t.Fatalf("calls = %d, want 1", n)
			}
		})
	}
}

func TestPollMapsStates(t *testing.T) {
	states := map[string]string{
		"t-wait": `{"code":200,"data":{"state":"generating"}}`,
		"t-ok":   `{"code":200,"data":{"state":"success","result_urls":["https://cdn/v.mp4"]}}`,
		"t-fail": `{"code":200,"data":{"state":"fail","fail_msg":"nsfw"}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/tasks/"):]
		_, _ = w.Write([]byte(states[id]))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	res, err := c.Poll(context.Background(), "t-wait")
	if err != nil || res.State != StateWaiting {
		t.Fatalf("wait: res=%+v err=%v", res, err)
	}
	res, err = c.Poll(context.Background(), "t-ok")
	if err != nil || res.State != StateSucceeded || len(res.ArtifactURLs) != 1 {
		t.Fatalf("ok: res=%+v err=%v", res, err)
	}
	res, err = c.Poll(context.Background(), "t-fail")
	if err != nil || res.State != StateFailed || res.Reason != "nsfw" {
		t.Fatalf("fail: res=%+v err=%v", res, err)
	}
}

func TestMissingAPIKey(t *testing.T) {
	c, err := NewClient(Options{BaseURL: "http://localhost"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.Submit(context.Background(), StepVideo, Payload{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestBackoffWithJitterIsCapped(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffWithJitter(250*time.Millisecond, 5*time.Second, attempt)
		if d > 5*time.Second {
			t.Fatalf("attempt %d: backoff %s exceeds cap", attempt, d)
		}
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive backoff %s", attempt, d)
		}
	}
}
