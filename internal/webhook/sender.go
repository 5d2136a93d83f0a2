package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/metrics"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultProbeTimeout  = 5 * time.Second
	defaultRetryAttempts = 3
	defaultRetryBase     = time.Second
)

// Result categorises one dispatch: success is 2xx/3xx, terminal is 4xx,
// everything else (5xx, network failure, timeout) is retryable.
type Result struct {
	Success   bool          `json:"success"`
	Status    int           `json:"status"`
	Retryable bool          `json:"retryable"`
	Attempts  int           `json:"attempts"`
	Elapsed   time.Duration `json:"-"`
	Err       error         `json:"-"`
}

// TestResult is returned by the webhook probe.
type TestResult struct {
	Success   bool  `json:"success"`
	Status    int   `json:"status"`
	ElapsedMs int64 `json:"elapsedMs"`
}

// Stats is a snapshot of the sender's running counters.
type Stats struct {
	Sent          int64   `json:"sent"`
	Failed        int64   `json:"failed"`
	Retries       int64   `json:"retries"`
	AvgResponseMs float64 `json:"avgResponseMs"`
}

// Options tunes the sender; zero values pick defaults.
type Options struct {
	Timeout       time.Duration
	ProbeTimeout  time.Duration
	RetryAttempts int
	RetryBase     time.Duration
	FinishURL     string
}

// Sender posts JSON payloads to per-queue webhooks with bounded retries.
type Sender struct {
	logger *zap.Logger

	timeout      time.Duration
	probeTimeout time.Duration
	attempts     int
	retryBase    time.Duration
	finishURL    string

	retryClient  *retryablehttp.Client
	singleClient *retryablehttp.Client
	probeClient  *retryablehttp.Client

	mu       sync.Mutex
	sent     int64
	failed   int64
	retries  int64
	totalMs  int64
	observed int64
}

type trackKey struct{}

// callTrack accumulates per-attempt observations for one dispatch. Attempts
// within a single Do are sequential, so no locking is needed.
type callTrack struct {
	attempts  int
	lastStart time.Time
	perMs     []int64
}

// NewSender creates a sender with its HTTP clients configured.
func NewSender(opts Options, logger *zap.Logger) *Sender {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = defaultRetryAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}

	s := &Sender{
		logger:       logger,
		timeout:      opts.Timeout,
		probeTimeout: opts.ProbeTimeout,
		attempts:     opts.RetryAttempts,
		retryBase:    opts.RetryBase,
		finishURL:    opts.FinishURL,
	}

	s.retryClient = s.newClient(opts.Timeout, opts.RetryAttempts-1)
	s.singleClient = s.newClient(opts.Timeout, 0)
	// Probe timeouts come from the caller's context.
	s.probeClient = s.newClient(0, 0)

	return s
}

// newClient builds a retryablehttp client with the sender's retry policy:
// retry on network errors and 5xx, stop immediately on 4xx, exponential
// delay base * 2^(attempt-1).
func (s *Sender) newClient(timeout time.Duration, retryMax int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.Logger = nil
	c.HTTPClient.Timeout = timeout
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		return resp.StatusCode >= 500, nil
	}

	c.Backoff = func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		return s.retryBase << attemptNum
	}

	c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, n int) {
		if t, ok := req.Context().Value(trackKey{}).(*callTrack); ok {
			t.attempts = n + 1
			t.lastStart = time.Now()
		}
	}

	c.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		if t, ok := resp.Request.Context().Value(trackKey{}).(*callTrack); ok {
			ms := time.Since(t.lastStart).Milliseconds()
			t.perMs = append(t.perMs, ms)
			s.logger.Debug("Webhook attempt finished",
				zap.Int("attempt", t.attempts),
				zap.Int("status", resp.StatusCode),
				zap.Int64("elapsed_ms", ms))
		}
	}

	return c
}

// Send issues a single HTTP POST without retries.
func (s *Sender) Send(ctx context.Context, url string, payload any) Result {
	return s.do(ctx, s.singleClient, url, payload)
}

// SendWithRetry posts the payload with up to the configured number of
// attempts. Terminal (4xx) responses abort the retry loop early.
func (s *Sender) SendWithRetry(ctx context.Context, url string, payload any) Result {
	return s.do(ctx, s.retryClient, url, payload)
}

func (s *Sender) do(ctx context.Context, client *retryablehttp.Client, url string, payload any) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Retryable: false, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	track := &callTrack{}
	ctx = context.WithValue(ctx, trackKey{}, track)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return Result{Retryable: false, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)

	res := Result{Attempts: max(track.attempts, 1), Elapsed: elapsed, Err: err}

	if resp != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		res.Status = resp.StatusCode
	}

	switch {
	case err != nil && resp == nil:
		// Network failure or timeout on every attempt.
		res.Retryable = true
	case res.Status >= 200 && res.Status < 400:
		res.Success = true
		res.Err = nil
	case res.Status >= 500:
		res.Retryable = true
	default:
		// 4xx: terminal, do not retry.
		res.Retryable = false
	}

	s.record(res, track)
	return res
}

func (s *Sender) record(res Result, track *callTrack) {
	outcome := "failed"
	if res.Success {
		outcome = "success"
	} else if res.Retryable {
		outcome = "retryable"
	}
	metrics.WebhookRequestsTotal.WithLabelValues(outcome).Inc()
	metrics.WebhookDuration.Observe(res.Elapsed.Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Success {
		s.sent++
	} else {
		s.failed++
	}
	s.retries += int64(res.Attempts - 1)
	for _, ms := range track.perMs {
		s.totalMs += ms
		s.observed++
	}
}

// TestWebhook sends a small probe payload and reports the outcome. A zero
// timeout uses the default probe timeout; callers may raise it up to 60s.
func (s *Sender) TestWebhook(ctx context.Context, url string, timeout time.Duration) TestResult {
	if timeout <= 0 {
		timeout = s.probeTimeout
	}
	if timeout > time.Minute {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	probe := map[string]any{
		"test":      true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	res := s.do(ctx, s.probeClient, url, probe)
	return TestResult{
		Success:   res.Success,
		Status:    res.Status,
		ElapsedMs: res.Elapsed.Milliseconds(),
	}
}

// NotifyQueueFinish posts a best-effort finish notification for a consumer
// that terminated. Failures are logged and never propagate.
func (s *Sender) NotifyQueueFinish(ctx context.Context, queue string, lastPayload json.RawMessage, meta map[string]any) {
	if s.finishURL == "" {
		return
	}

	body := map[string]any{
		"queue":      queue,
		"finishedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if lastPayload != nil {
		body["lastPayload"] = lastPayload
	}
	for k, v := range meta {
		body[k] = v
	}

	res := s.Send(ctx, s.finishURL, body)
	if !res.Success {
		s.logger.Warn("Finish notification failed",
			zap.String("queue", queue),
			zap.Int("status", res.Status),
			zap.Error(res.Err))
	}
}

// StatsSnapshot returns the running counters.
func (s *Sender) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Sent: s.sent, Failed: s.failed, Retries: s.retries}
	if s.observed > 0 {
		st.AvgResponseMs = float64(s.totalMs) / float64(s.observed)
	}
	return st
}

// ResetStats zeroes the running counters.
func (s *Sender) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent, s.failed, s.retries, s.totalMs, s.observed = 0, 0, 0, 0, 0
}

// Shutdown releases pooled connections.
func (s *Sender) Shutdown() {
	for _, c := range []*retryablehttp.Client{s.retryClient, s.singleClient, s.probeClient} {
		c.HTTPClient.CloseIdleConnections()
	}
}
