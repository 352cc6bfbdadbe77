package gateway

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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/credentials"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/telemetry"
)

const (
	HostDevelopment = "apitest.cybersource.com"
	HostProduction  = "api.cybersource.com"

	pathPayments     = "/pts/v2/payments"
	pathCaptures     = "/pts/v2/payments/%s/captures"
	pathTransactions = "/tss/v2/transactions/%s"
	pathSearches     = "/tss/v2/searches"
)

// Host returns the API host of an environment. Unknown names use the test host.
func Host(env models.Environment) string {
	if env.Canonical() == models.EnvProduction {
		return HostProduction
	}
	return HostDevelopment
}

// Client is a typed façade over the gateway REST API. Every call names its
// environment; credentials and host are resolved per call, so one Client is
// safe for concurrent use across environments.
type Client struct {
	httpClient *http.Client
	creds      credentials.Store
	baseURLs   map[models.Environment]string
	timeout    time.Duration
	limits     *limiterSet
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the scheme and host used for env.
func WithBaseURL(env models.Environment, baseURL string) Option {
	return func(c *Client) { c.baseURLs[env.Canonical()] = baseURL }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRateLimit caps requests per second per environment.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limits = newLimiterSet(rate.Limit(rps), burst) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(store credentials.Store, opts ...Option) *Client {
	c := &Client{
		creds:    store,
		baseURLs: make(map[models.Environment]string),
		timeout:  30 * time.Second,
		limits:   newLimiterSet(rate.Inf, 1),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

// CreatePayment submits an authorization (with capture when requested).
// Declined and invalid-request statuses in a 2xx response are reported as
// failed results carrying the decoded response.
func (c *Client) CreatePayment(ctx context.Context, env models.Environment, req *CreatePaymentRequest) (Result[PaymentResponse], error) {
	res, err := call[PaymentResponse](ctx, c, "create_payment", env, http.MethodPost, pathPayments, req, true)
	if err != nil || !res.OK {
		return res, err
	}
	return rejectDeclined(res), nil
}

// CapturePayment captures a previously authorized payment.
func (c *Client) CapturePayment(ctx context.Context, env models.Environment, paymentID string, req *CapturePaymentRequest) (Result[PaymentResponse], error) {
	if paymentID == "" {
		return Result[PaymentResponse]{}, models.NewConfigurationError("capture payment", env, errors.New("empty payment id"))
	}
	path := fmt.Sprintf(pathCaptures, url.PathEscape(paymentID))
	res, err := call[PaymentResponse](ctx, c, "capture_payment", env, http.MethodPost, path, req, true)
	if err != nil || !res.OK {
		return res, err
	}
	return rejectDeclined(res), nil
}

// GetTransaction fetches transaction details by gateway id.
func (c *Client) GetTransaction(ctx context.Context, env models.Environment, id string) (Result[Transaction], error) {
	if id == "" {
		return Result[Transaction]{}, models.NewConfigurationError("get transaction", env, errors.New("empty transaction id"))
	}
	path := fmt.Sprintf(pathTransactions, url.PathEscape(id))
	return call[Transaction](ctx, c, "get_transaction", env, http.MethodGet, path, nil, false)
}

// SearchTransactions runs a transaction index search.
func (c *Client) SearchTransactions(ctx context.Context, env models.Environment, req *SearchRequest) (Result[SearchResponse], error) {
	return call[SearchResponse](ctx, c, "search_transactions", env, http.MethodPost, pathSearches, req, false)
}

func rejectDeclined(res Result[PaymentResponse]) Result[PaymentResponse] {
	switch res.Value.Status {
	case models.StatusDeclined, models.StatusInvalidRequest, "AUTHORIZED_RISK_DECLINED", "SERVER_ERROR":
		reason := res.Value.Status
		if ei := res.Value.ErrorInformation; ei != nil && ei.Reason != "" {
			reason = fmt.Sprintf("%s: %s", res.Value.Status, ei.Reason)
		}
		res.OK = false
		res.Reason = reason
	}
	return res
}

func (c *Client) baseURL(env models.Environment) string {
	if u, ok := c.baseURLs[env]; ok {
		return u
	}
	return "https://" + Host(env)
}

// call performs one signed request. The returned error is non-nil only for
// configuration faults; every gateway-side failure is a failed Result.
// Mutating calls are detached from caller cancellation once sent.
func call[T any](ctx context.Context, c *Client, op string, env models.Environment, method, path string, body interface{}, mutating bool) (Result[T], error) {
	env = env.Canonical()

	creds, err := c.creds.Credentials(ctx, env)
	if err != nil {
		return Result[T]{}, models.NewConfigurationError("gateway credentials", env, err)
	}
	sig, err := newSigner(creds)
	if err != nil {
		return Result[T]{}, models.NewConfigurationError("gateway signer", env, err)
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return Result[T]{}, models.NewConfigurationError("marshal "+op, env, err)
		}
	}

	req, err := http.NewRequest(method, c.baseURL(env)+path, bytes.NewReader(payload))
	if err != nil {
		return Result[T]{}, models.NewConfigurationError("build "+op, env, err)
	}
	req.Header.Set("Content-Type", "application/json;charset=utf-8")
	req.Header.Set("Accept", "application/hal+json;charset=utf-8")
	req.Header.Set("User-Agent", "Mozilla/5.0")

	ctx, span := telemetry.StartSpan(ctx, "gateway."+op,
		attribute.String("gateway.environment", string(env)),
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	)
	defer span.End()

	// Sign after waiting so the Date header is fresh.
	if err := c.limits.get(env).Wait(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return record[T](op, env, failed[T]("rate limit wait: "+err.Error(), 0, nil, err)), nil
	}
	if err := sig.sign(req, payload, c.now()); err != nil {
		return Result[T]{}, models.NewConfigurationError("sign "+op, env, err)
	}

	sendCtx := ctx
	if mutating {
		sendCtx = context.WithoutCancel(ctx)
	}
	sendCtx, cancel := context.WithTimeout(sendCtx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.httpClient.Do(req.WithContext(sendCtx))
	telemetry.GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return record[T](op, env, failed[T](transportReason(err), 0, nil, err)), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if err != nil {
		return record[T](op, env, failed[T]("read response: "+err.Error(), resp.StatusCode, nil, err)), nil
	}

	if resp.StatusCode == http.StatusUnauthorized {
		span.SetStatus(codes.Error, "unauthorized")
		record[T](op, env, failed[T]("unauthorized", resp.StatusCode, raw, nil))
		return Result[T]{}, models.NewConfigurationError(op, env, fmt.Errorf("gateway rejected credentials: %s", string(raw)))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var f fault
		reason := fmt.Sprintf("gateway returned status %d", resp.StatusCode)
		if json.Unmarshal(raw, &f) == nil {
			if d := f.describe(); d != "" {
				reason = d
			}
		}
		span.SetStatus(codes.Error, reason)
		return record[T](op, env, failed[T](reason, resp.StatusCode, raw, nil)), nil
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		span.SetStatus(codes.Error, "malformed response")
		return record[T](op, env, failed[T]("malformed response: "+err.Error(), resp.StatusCode, raw, err)), nil
	}

	return record[T](op, env, succeeded(out, resp.StatusCode, raw)), nil
}

func record[T any](op string, env models.Environment, res Result[T]) Result[T] {
	result := "ok"
	if !res.OK {
		result = "error"
		telemetry.Logger.Warn("Gateway call failed",
			zap.String("operation", op),
			zap.String("environment", string(env)),
			zap.Int("status", res.StatusCode),
			zap.String("reason", res.Reason),
		)
	}
	telemetry.GatewayRequests.WithLabelValues(op, string(env), result).Inc()
	return res
}

func transportReason(err error) string {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return "timeout: " + err.Error()
	}
	return "network: " + err.Error()
}

// limiterSet holds one token bucket per environment.
type limiterSet struct {
	limiters map[models.Environment]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

func newLimiterSet(r rate.Limit, b int) *limiterSet {
	return &limiterSet{
		limiters: make(map[models.Environment]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

func (l *limiterSet) get(env models.Environment) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, exists := l.limiters[env]; exists {
		return limiter
	}
	limiter := rate.NewLimiter(l.rate, l.burst)
	l.limiters[env] = limiter
	return limiter
}
