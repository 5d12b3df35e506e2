// Package provider implements the transport to the metered data API.
//
// HTTPProvider performs credentialed GET requests and converts every failure
// into an *apierror.Error so the kind is fixed at the boundary where the raw
// response is observed.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/apierror"
	"github.com/occamssword/fmp-data-system-sub000/internal/metrics"
)

// Config holds upstream API settings.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// HealthStatus summarizes observed transport health.
type HealthStatus struct {
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
	RequestCount  int           `json:"request_count"`
}

// throttlePatterns are body fragments the provider uses to signal quota
// exhaustion with a non-429 status.
var throttlePatterns = []string{
	"limit reach",
	"rate limit exceeded",
	"too many requests",
	"daily request count exceeded",
	"monthly quota exceeded",
}

// authPatterns are body fragments that indicate a credential problem.
var authPatterns = []string{
	"invalid api key",
	"invalid apikey",
	"exclusive endpoint",
	"special endpoint",
}

// HTTPProvider performs API calls over HTTP.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	mu           sync.RWMutex
	health       HealthStatus
	totalLatency time.Duration
	successCount int
	failureCount int
}

// NewHTTPProvider creates a new HTTP transport.
func NewHTTPProvider(cfg Config) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Get fetches endpoint with params and returns the raw response body.
func (p *HTTPProvider) Get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	start := time.Now()
	op := operationLabel(ctx, endpoint)

	reqURL, err := p.buildURL(endpoint, params)
	if err != nil {
		return nil, &apierror.Error{Kind: apierror.KindValidationFailure, Endpoint: endpoint, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &apierror.Error{Kind: apierror.KindValidationFailure, Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.recordFailure()
		kind := transportKind(ctx, err)
		metrics.APICallsTotal.WithLabelValues(op, string(kind)).Inc()
		return nil, &apierror.Error{Kind: kind, Endpoint: endpoint, Err: fmt.Errorf("api call: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	latency := time.Since(start)
	metrics.APILatency.WithLabelValues(op).Observe(latency.Seconds())
	if err != nil {
		p.recordFailure()
		kind := transportKind(ctx, err)
		metrics.APICallsTotal.WithLabelValues(op, string(kind)).Inc()
		return nil, &apierror.Error{Kind: kind, Endpoint: endpoint, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		p.recordFailure()
		apiErr := &apierror.Error{
			Kind:       apierror.FromStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Endpoint:   endpoint,
			Message:    truncate(string(body), 256),
		}
		if apiErr.Kind == apierror.KindRateLimited {
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		} else if matchAny(string(body), throttlePatterns) {
			apiErr.Kind = apierror.KindRateLimited
		}
		metrics.APICallsTotal.WithLabelValues(op, string(apiErr.Kind)).Inc()
		return nil, apiErr
	}

	// Some providers answer 200 with an error object instead of data.
	if kind, msg, ok := detectBodyError(body); ok {
		p.recordFailure()
		metrics.APICallsTotal.WithLabelValues(op, string(kind)).Inc()
		return nil, &apierror.Error{Kind: kind, StatusCode: resp.StatusCode, Endpoint: endpoint, Message: msg}
	}

	p.recordSuccess(latency)
	metrics.APICallsTotal.WithLabelValues(op, "ok").Inc()
	return body, nil
}

// GetHealth returns the provider's health status.
func (p *HTTPProvider) GetHealth() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// Close cleans up resources.
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *HTTPProvider) buildURL(endpoint string, params url.Values) (string, error) {
	if p.baseURL == "" {
		return "", errors.New("base url is not configured")
	}
	u, err := url.Parse(p.baseURL + "/" + strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if p.apiKey != "" {
		q.Set("apikey", p.apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *HTTPProvider) recordSuccess(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.successCount++
	p.totalLatency += latency
	p.health.RequestCount++
	p.health.LastSuccessAt = time.Now()
	p.health.ErrorRate = float64(p.failureCount) / float64(p.health.RequestCount)
	p.health.Latency = p.totalLatency / time.Duration(p.successCount)
}

func (p *HTTPProvider) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failureCount++
	p.health.RequestCount++
	p.health.LastFailureAt = time.Now()
	p.health.ErrorRate = float64(p.failureCount) / float64(p.health.RequestCount)
}

func transportKind(ctx context.Context, err error) apierror.Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apierror.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierror.KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return apierror.KindUnknown
	}
	// Connection refused, reset and DNS failures are server-side availability problems.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return apierror.KindServerError
	}
	return apierror.KindUnknown
}

// detectBodyError recognises {"Error Message": "..."} and {"error": "..."}
// payloads. Only a top-level key counts; data rows that mention errors do not.
func detectBodyError(body []byte) (apierror.Kind, string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return "", "", false
	}

	var raw json.RawMessage
	found := false
	for k, v := range fields {
		switch strings.ToLower(k) {
		case "error message", "error":
			if string(bytes.TrimSpace(v)) != "null" {
				raw, found = v, true
			}
		}
	}
	if !found {
		return "", "", false
	}

	msg := string(raw)
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		msg = text
	}
	msg = truncate(msg, 256)

	switch {
	case matchAny(msg, throttlePatterns):
		return apierror.KindRateLimited, msg, true
	case matchAny(msg, authPatterns):
		return apierror.KindAuthFailure, msg, true
	default:
		return apierror.KindValidationFailure, msg, true
	}
}

func matchAny(s string, patterns []string) bool {
	lower := strings.ToLower(s)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
