package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"otc-backend/internal/metrics"

	"github.com/shopspring/decimal"
)

const ratePrecision = 18

// RateClient EUR/USD rate source backed by an exchangerate-style HTTP API.
// Fetch failures fall back to the last good rate, then to the configured default.
type RateClient struct {
	httpClient *http.Client
	url        string
	fallback   decimal.Decimal
	ttl        time.Duration

	mu        sync.Mutex
	cached    decimal.Decimal
	fetchedAt time.Time
}

// exchangeRateResponse base=EUR response, rates.USD is USD per EUR
type exchangeRateResponse struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

// NewRateClient creates a rate client; fallback is USD per EUR
func NewRateClient(url string, fallback decimal.Decimal, ttl, timeout time.Duration) *RateClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RateClient{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		fallback:   fallback,
		ttl:        ttl,
	}
}

// USDPerEUR cached or freshly fetched rate
func (c *RateClient) USDPerEUR(ctx context.Context) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cached.IsZero() && time.Since(c.fetchedAt) < c.ttl {
		return c.cached
	}

	rate, err := c.fetch(ctx)
	if err != nil {
		metrics.RateFetchErrors.Inc()
		if !c.cached.IsZero() {
			log.Printf("⚠️ [RateClient] Fetch failed, keeping last rate %s: %v", c.cached, err)
			return c.cached
		}
		log.Printf("⚠️ [RateClient] Fetch failed, using default rate %s: %v", c.fallback, err)
		return c.fallback
	}

	c.cached = rate
	c.fetchedAt = time.Now()
	metrics.ExchangeRate.Set(rate.InexactFloat64())
	return rate
}

// PaymentPerSettlement EURC needed per USDC, i.e. 1 / (USD per EUR)
func (c *RateClient) PaymentPerSettlement(ctx context.Context) decimal.Decimal {
	return InvertRate(c.USDPerEUR(ctx))
}

func (c *RateClient) fetch(ctx context.Context) (decimal.Decimal, error) {
	if c.url == "" {
		return decimal.Zero, fmt.Errorf("rate API url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch rate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate API returned status %d", resp.StatusCode)
	}

	var parsed exchangeRateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse response: %w", err)
	}
	usd, ok := parsed.Rates["USD"]
	if !ok || !usd.IsPositive() {
		return decimal.Zero, fmt.Errorf("response has no positive USD rate")
	}
	return usd, nil
}

// InvertRate 1/rate at 18 decimal places
func InvertRate(rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).DivRound(rate, ratePrecision)
}

// StaticRate fixed USD-per-EUR source
type StaticRate decimal.Decimal

func (r StaticRate) USDPerEUR(ctx context.Context) decimal.Decimal {
	return decimal.Decimal(r)
}

func (r StaticRate) PaymentPerSettlement(ctx context.Context) decimal.Decimal {
	return InvertRate(decimal.Decimal(r))
}
