package billing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// QuantityMode selects what a usage event's "quantity" field measures.
type QuantityMode string

const (
	QuantityTokens   QuantityMode = "tokens"
	QuantityCostUSD  QuantityMode = "cost_usd"
	QuantityRequests QuantityMode = "requests"
)

// ReporterConfig configures the thin HTTP client used to report billable
// usage events to an external metering service.
type ReporterConfig struct {
	APIKey              string
	MerchantID          string
	BillableMetricID    string
	BaseURL             string
	Timeout             time.Duration
	MaxRetries          int
	RetryBackoff        time.Duration
	QuantityMode        QuantityMode
	CostScale           float64 // multiplier applied when QuantityMode is cost_usd; default 1_000_000 (micro-dollars)
}

// DefaultReporterConfig fills in the same defaults as the originating
// metering client: a 10s timeout, 2 retries, 250ms backoff, token-based
// quantity, and a million-to-one cost scale (so fractional-cent charges
// can still be expressed as whole-number quantities).
func DefaultReporterConfig() ReporterConfig {
	return ReporterConfig{
		Timeout:      10 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 250 * time.Millisecond,
		QuantityMode: QuantityTokens,
		CostScale:    1_000_000,
	}
}

var retryableStatus = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// Reporter fires usage events at an external billing endpoint. Every
// public method fails open: a reporting error never blocks or fails the
// request that generated the usage, it only logs.
type Reporter struct {
	cfg    ReporterConfig
	client *http.Client

	mu      sync.Mutex
	pending map[*sync.WaitGroup]struct{}
}

// NewReporter builds a Reporter. cfg.BaseURL and cfg.APIKey must be set for
// requests to go anywhere; a zero-value Reporter is inert and every
// ReportUsage call becomes a no-op, which keeps the gateway usable without
// a metering backend configured.
func NewReporter(cfg ReporterConfig) *Reporter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	if cfg.QuantityMode == "" {
		cfg.QuantityMode = QuantityTokens
	}
	if cfg.CostScale == 0 {
		cfg.CostScale = 1_000_000
	}
	return &Reporter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		pending: make(map[*sync.WaitGroup]struct{}),
	}
}

// Enabled reports whether the reporter has enough configuration to send
// anything.
func (r *Reporter) Enabled() bool {
	return r.cfg.BaseURL != "" && r.cfg.APIKey != ""
}

// UsageEvent is the billable fact being reported: one cascade request's
// resolved cost and token counts, attributed to a customer.
type UsageEvent struct {
	CustomerID  string
	RequestID   string
	Model       string
	InputTokens int
	OutputTokens int
	CostUSD     float64
	Timestamp   time.Time
}

func (r *Reporter) quantity(e UsageEvent) float64 {
	switch r.cfg.QuantityMode {
	case QuantityCostUSD:
		return math.Round(e.CostUSD * r.cfg.CostScale)
	case QuantityRequests:
		return 1
	default:
		return float64(e.InputTokens + e.OutputTokens)
	}
}

// idempotencyKey builds a deterministic key over a canonical, '|'-joined
// tuple of parts: each part is JSON-encoded with sorted map keys first (so
// a map argument hashes the same regardless of Go's randomized map
// iteration order), then the whole tuple is SHA-256 hashed and truncated
// to its first 24 hex characters, matching the metering client's own
// idempotency scheme.
func idempotencyKey(scope string, parts ...any) string {
	canon := make([]string, 0, len(parts)+1)
	canon = append(canon, scope)
	for _, p := range parts {
		canon = append(canon, canonicalPart(p))
	}
	joined := strings.Join(canon, "|")
	sum := sha256.Sum256([]byte(joined))
	return scope + "_" + hex.EncodeToString(sum[:])[:24]
}

func canonicalPart(p any) string {
	switch v := p.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		b, err := marshalSorted(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// marshalSorted JSON-encodes v with map keys in sorted order. encoding/json
// already sorts map[string]... keys by default, so this is a thin wrapper
// kept for clarity at the call site.
func marshalSorted(v any) ([]byte, error) {
	return json.Marshal(v)
}

// buildUsageEvent turns a UsageEvent into the wire payload and its
// deterministic idempotency key.
func (r *Reporter) buildUsageEvent(e UsageEvent) (map[string]any, string) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	quantity := r.quantity(e)
	key := idempotencyKey("usage", r.cfg.MerchantID, e.CustomerID, r.cfg.BillableMetricID, ts.Format(time.RFC3339), quantity)

	return map[string]any{
		"merchant_id":         r.cfg.MerchantID,
		"billable_metric_id":  r.cfg.BillableMetricID,
		"customer_id":         e.CustomerID,
		"quantity":            quantity,
		"timestamp":           ts.Format(time.RFC3339),
		"idempotency_key":     key,
		"metadata": map[string]any{
			"request_id":    e.RequestID,
			"model":         e.Model,
			"input_tokens":  e.InputTokens,
			"output_tokens": e.OutputTokens,
			"cost_usd":      e.CostUSD,
		},
	}, key
}

// ReportUsage sends a usage event synchronously. Callers that want
// fire-and-forget billing should use ReportUsageAsync instead.
func (r *Reporter) ReportUsage(ctx context.Context, e UsageEvent) error {
	if !r.Enabled() {
		return nil
	}
	payload, key := r.buildUsageEvent(e)
	_, err := r.request(ctx, "/v1/usage_events", key, payload)
	return err
}

// ReportUsageAsync fires ReportUsage in a tracked background goroutine and
// returns immediately. onError, if non-nil, is invoked with any reporting
// failure; it must not block. Call Flush before shutdown to wait for
// in-flight reports to finish.
func (r *Reporter) ReportUsageAsync(ctx context.Context, e UsageEvent, onError func(error)) {
	if !r.Enabled() {
		return
	}
	var wg sync.WaitGroup
	wg.Add(1)
	r.mu.Lock()
	r.pending[&wg] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.pending, &wg)
			r.mu.Unlock()
		}()
		if err := r.ReportUsage(ctx, e); err != nil && onError != nil {
			onError(err)
		}
	}()
}

// Flush waits for all in-flight async reports to finish, or until ctx is
// done, whichever comes first.
func (r *Reporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	wgs := make([]*sync.WaitGroup, 0, len(r.pending))
	for wg := range r.pending {
		wgs = append(wgs, wg)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, wg := range wgs {
			wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request POSTs payload to path with retries. A non-empty idemKey is sent
// as the Idempotency-Key header.
func (r *Reporter) request(ctx context.Context, path, idemKey string, payload map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal usage event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
		if idemKey != "" {
			req.Header.Set("Idempotency-Key", idemKey)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}
		lastErr = fmt.Errorf("usage report failed: status %d: %s", resp.StatusCode, string(respBody))
		if !retryableStatus[resp.StatusCode] {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// CustomerAddress is the billing address required by CreateCustomer, the
// same four required fields the metering backend validates.
type CustomerAddress struct {
	Line1      string
	City       string
	Country    string
	PostalCode string
}

func (a CustomerAddress) validate() error {
	missing := make([]string, 0, 4)
	if a.Line1 == "" {
		missing = append(missing, "line1")
	}
	if a.City == "" {
		missing = append(missing, "city")
	}
	if a.Country == "" {
		missing = append(missing, "country")
	}
	if a.PostalCode == "" {
		missing = append(missing, "postalCode")
	}
	if len(missing) > 0 {
		return fmt.Errorf("customer address missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// CreateCustomerParams is the set of fields accepted by CreateCustomer.
type CreateCustomerParams struct {
	Email    string
	Name     string
	Address  CustomerAddress
	Phone    string
	TaxRates map[string]any
}

// CreateCustomer registers a new billing customer with the metering
// backend. Unlike usage reporting this is not fail-open: the caller is
// provisioning an account and needs to know if it failed.
func (r *Reporter) CreateCustomer(ctx context.Context, p CreateCustomerParams) (map[string]any, error) {
	if !r.Enabled() {
		return nil, fmt.Errorf("billing reporter is not configured")
	}
	if err := p.Address.validate(); err != nil {
		return nil, err
	}

	consumer := map[string]any{
		"email": p.Email,
		"name":  p.Name,
		"address": map[string]any{
			"line1":      p.Address.Line1,
			"city":       p.Address.City,
			"country":    p.Address.Country,
			"postalCode": p.Address.PostalCode,
		},
	}
	if p.Phone != "" {
		consumer["phone"] = p.Phone
	}
	if len(p.TaxRates) > 0 {
		consumer["taxRates"] = p.TaxRates
	}

	payload := map[string]any{
		"merchant_id": r.cfg.MerchantID,
		"consumer":    consumer,
	}
	body, err := r.request(ctx, "/v0/customers", "", payload)
	if err != nil {
		return nil, err
	}
	return decodeResponse(body)
}

// CreateSubscriptionParams is the set of fields accepted by
// CreateSubscription. Either CustomerID or Customer (an inline customer
// payload, as built by CreateCustomerParams's consumer shape) is required.
type CreateSubscriptionParams struct {
	PlanID                string
	Name                  string
	StartedAt             time.Time // zero value defaults to now
	CustomerID            string
	Customer              map[string]any
	AutoCharge            bool
	TaxExempt             bool
	EndingAt              *time.Time
	MinimumAccountBalance string
	RedirectURLs          map[string]any
	TestClockID           string
}

// CreateSubscription enrolls a customer in a billing plan with the
// metering backend. Like CreateCustomer, this is not fail-open.
func (r *Reporter) CreateSubscription(ctx context.Context, p CreateSubscriptionParams) (map[string]any, error) {
	if !r.Enabled() {
		return nil, fmt.Errorf("billing reporter is not configured")
	}
	if p.CustomerID == "" && len(p.Customer) == 0 {
		return nil, fmt.Errorf("either CustomerID or Customer is required")
	}

	startedAt := p.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	payload := map[string]any{
		"name":       p.Name,
		"planId":     p.PlanID,
		"startedAt":  startedAt.Format(time.RFC3339),
		"autoCharge": p.AutoCharge,
		"taxExempt":  p.TaxExempt,
	}
	if p.CustomerID != "" {
		payload["customerId"] = p.CustomerID
	}
	if len(p.Customer) > 0 {
		payload["customer"] = p.Customer
	}
	if p.EndingAt != nil {
		payload["endingAt"] = p.EndingAt.Format(time.RFC3339)
	}
	if p.MinimumAccountBalance != "" {
		payload["minimumAccountBalance"] = p.MinimumAccountBalance
	}
	if len(p.RedirectURLs) > 0 {
		payload["redirectUrls"] = p.RedirectURLs
	}
	if p.TestClockID != "" {
		payload["testClockId"] = p.TestClockID
	}

	body, err := r.request(ctx, "/v0/subscriptions", "", payload)
	if err != nil {
		return nil, err
	}
	return decodeResponse(body)
}

func decodeResponse(body []byte) (map[string]any, error) {
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return map[string]any{"raw": string(body)}, nil
	}
	return out, nil
}

// sortedKeys is kept for callers that build metadata maps by hand and want
// a deterministic key order for logging; JSON marshaling itself already
// sorts map[string]any keys.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
