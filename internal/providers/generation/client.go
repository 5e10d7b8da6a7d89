package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lantianlaoli/flowtra/internal/infra"
)

// Options configures the HTTP task client.
type Options struct {
	APIKey        string
	BaseURL       string
	CallbackURL   string
	DefaultModels map[StepKind]string
	HTTPClient    *http.Client
	Logger        *infra.Logger
	SubmitTimeout time.Duration
	PollTimeout   time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// HTTPClient talks to a task-style generation API:
//
//	POST {base}/v1/tasks        -> {"code":200,"data":{"task_id":"..."}}
//	GET  {base}/v1/tasks/{id}   -> {"code":200,"data":{"state":"...","result_urls":[...]}}
type HTTPClient struct {
	apiKey        string
	baseURL       string
	callbackURL   string
	models        map[StepKind]string
	httpClient    *http.Client
	logger        *infra.Logger
	submitTimeout time.Duration
	pollTimeout   time.Duration
	maxAttempts   int
	backoffBase   time.Duration
	backoffMax    time.Duration
	sleep         func(context.Context, time.Duration) error
}

type submitRequest struct {
	Kind        StepKind `json:"kind"`
	CallbackURL string   `json:"callback_url,omitempty"`
	Payload
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type submitData struct {
	TaskID string `json:"task_id"`
}

type taskData struct {
	TaskID     string   `json:"task_id"`
	State      string   `json:"state"`
	ResultURLs []string `json:"result_urls"`
	Text       string   `json:"text"`
	FailMsg    string   `json:"fail_msg"`
}

var defaultModels = map[StepKind]string{
	StepAnalyze: "gpt-4o-mini",
	StepPrompt:  "gpt-4o-mini",
	StepImage:   "nano-banana",
	StepVideo:   "veo3_fast",
	StepMerge:   "ffmpeg-concat",
}

// NewClient constructs a client with defaults for every unset option.
func NewClient(opts Options) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("generation: base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	models := make(map[StepKind]string, len(defaultModels))
	for k, v := range defaultModels {
		models[k] = v
	}
	for k, v := range opts.DefaultModels {
		if strings.TrimSpace(v) != "" {
			models[k] = v
		}
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		l := infra.Logger(zerolog.New(io.Discard))
		logger = &l
	}
	c := &HTTPClient{
		apiKey:        strings.TrimSpace(opts.APIKey),
		baseURL:       baseURL,
		callbackURL:   strings.TrimSpace(opts.CallbackURL),
		models:        models,
		httpClient:    httpClient,
		logger:        logger,
		submitTimeout: opts.SubmitTimeout,
		pollTimeout:   opts.PollTimeout,
		maxAttempts:   opts.MaxAttempts,
		backoffBase:   opts.BackoffBase,
		backoffMax:    opts.BackoffMax,
		sleep:         sleepCtx,
	}
	if c.submitTimeout <= 0 {
		c.submitTimeout = 30 * time.Second
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = 15 * time.Second
	}
	if c.maxAttempts <= 0 || c.maxAttempts > 5 {
		c.maxAttempts = 5
	}
	if c.backoffBase <= 0 {
		c.backoffBase = 250 * time.Millisecond
	}
	if c.backoffMax <= 0 || c.backoffMax > 5*time.Second {
		c.backoffMax = 5 * time.Second
	}
	return c, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *HTTPClient) HasCredentials() bool {
	return c.apiKey != ""
}

// Submit creates a task and returns the provider's handle.
func (c *HTTPClient) Submit(ctx context.Context, kind StepKind, payload Payload) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	if payload.Model == "" {
		payload.Model = c.models[kind]
	}
	body, err := json.Marshal(submitRequest{Kind: kind, CallbackURL: c.callbackURL, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("generation: encode request: %w", err)
	}
	var handle string
	err = c.retry(ctx, "submit", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
		defer cancel()
		var data submitData
		if err := c.do(callCtx, http.MethodPost, c.baseURL+"/v1/tasks", body, &data); err != nil {
			return err
		}
		if strings.TrimSpace(data.TaskID) == "" {
			return fmt.Errorf("%w: empty task id", ErrRejected)
		}
		handle = data.TaskID
		return nil
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug().Str("kind", string(kind)).Str("task_id", handle).Str("model", payload.Model).Msg("generation: task submitted")
	return handle, nil
}

// Poll fetches the task state.
func (c *HTTPClient) Poll(ctx context.Context, handle string) (PollResult, error) {
	if !c.HasCredentials() {
		return PollResult{}, ErrMissingAPIKey
	}
	endpoint := c.baseURL + "/v1/tasks/" + url.PathEscape(handle)
	var data taskData
	err := c.retry(ctx, "poll", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
		defer cancel()
		return c.do(callCtx, http.MethodGet, endpoint, nil, &data)
	})
	if err != nil {
		return PollResult{}, err
	}
	return ParseState(data.State, data.ResultURLs, data.Text, data.FailMsg), nil
}

// ParseState maps provider state strings onto PollState.
func ParseState(state string, urls []string, text, failMsg string) PollResult {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "success", "succeeded", "completed":
		return PollResult{State: StateSucceeded, ArtifactURLs: urls, Text: text}
	case "fail", "failed", "error", "timed_out", "cancelled":
		reason := strings.TrimSpace(failMsg)
		if reason == "" {
			reason = "provider reported failure"
		}
		return PollResult{State: StateFailed, Reason: reason}
	default:
		return PollResult{State: StateWaiting}
	}
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("generation: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRejected, err)
	}
	if env.Code != 0 && env.Code != http.StatusOK {
		return fmt.Errorf("%w: %s (code %d)", ErrRejected, env.Msg, env.Code)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decode data: %v", ErrRejected, err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
