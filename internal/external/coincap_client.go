package external

import (
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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/crypto-ingest/pkg/config"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned when HTTP 429 persists after all retries
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTimeout is returned when requests keep timing out after all retries
	ErrTimeout = errors.New("request timed out")
)

// ValidIntervals lists the history intervals the API accepts
var ValidIntervals = []string{"m1", "m5", "m15", "m30", "h1", "h2", "h6", "h12", "d1"}

// APIError is a non-2xx response from the API
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d, body=%s", e.StatusCode, e.Body)
}

// ValidationError is a response whose shape does not match the expected envelope
type ValidationError struct {
	Endpoint string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid response from %s: %s", e.Endpoint, e.Reason)
}

// HistoryPoint is one entry of GET /assets/{id}/history. The stored day is derived
// from Time; Date is zero when the API sends none or an unreadable one.
type HistoryPoint struct {
	PriceUSD decimal.Decimal
	Time     int64
	Date     time.Time
}

// MarketQuote is one entry of GET /assets/{id}/markets
type MarketQuote struct {
	ExchangeID    string
	BaseID        string
	QuoteID       string
	BaseSymbol    string
	QuoteSymbol   string
	VolumeUSD24h  decimal.Decimal
	PriceUSD      decimal.Decimal
	VolumePercent decimal.Decimal
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

type rawHistoryPoint struct {
	PriceUSD decimal.NullDecimal `json:"priceUsd"`
	Time     int64               `json:"time"`
	Date     string              `json:"date"`
}

type rawMarket struct {
	ExchangeID    string              `json:"exchangeId"`
	BaseID        string              `json:"baseId"`
	QuoteID       string              `json:"quoteId"`
	BaseSymbol    string              `json:"baseSymbol"`
	QuoteSymbol   string              `json:"quoteSymbol"`
	VolumeUSD24h  decimal.NullDecimal `json:"volumeUsd24Hr"`
	PriceUSD      decimal.NullDecimal `json:"priceUsd"`
	VolumePercent decimal.NullDecimal `json:"volumePercent"`
}

// CoinCapClient handles CoinCap API interactions
type CoinCapClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	maxRetries   int
	retryBackoff time.Duration
	limiter      *rate.Limiter
	logger       *logrus.Entry
}

// NewCoinCapClient creates a new CoinCap client
func NewCoinCapClient(cfg *config.CoinCapConfig, logger *logrus.Logger) *CoinCapClient {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	return &CoinCapClient{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		maxRetries:   maxRetries,
		retryBackoff: cfg.RetryBackoff,
		limiter:      limiter,
		logger:       logger.WithField("component", "coincap"),
	}
}

// FetchHistory fetches price history for an asset between two epoch-millisecond bounds
func (c *CoinCapClient) FetchHistory(ctx context.Context, assetID, interval string, startMs, endMs int64) ([]HistoryPoint, error) {
	if !isValidInterval(interval) {
		return nil, fmt.Errorf("invalid interval: %s. Valid intervals: %s", interval, strings.Join(ValidIntervals, ", "))
	}

	params := url.Values{}
	params.Set("interval", interval)
	if startMs > 0 {
		params.Set("start", strconv.FormatInt(startMs, 10))
	}
	if endMs > 0 {
		params.Set("end", strconv.FormatInt(endMs, 10))
	}

	endpoint := fmt.Sprintf("/assets/%s/history", url.PathEscape(assetID))

	var raw []rawHistoryPoint
	if err := c.getData(ctx, endpoint, params, &raw); err != nil {
		c.logger.WithError(err).WithField("asset", assetID).Error("Failed to get asset history")
		return nil, err
	}

	points := make([]HistoryPoint, 0, len(raw))
	for i, r := range raw {
		if !r.PriceUSD.Valid {
			return nil, &ValidationError{Endpoint: endpoint, Reason: fmt.Sprintf("data[%d].priceUsd is missing", i)}
		}
		if r.Time <= 0 {
			return nil, &ValidationError{Endpoint: endpoint, Reason: fmt.Sprintf("data[%d].time is missing", i)}
		}

		point := HistoryPoint{PriceUSD: r.PriceUSD.Decimal, Time: r.Time}
		if r.Date != "" {
			// time is authoritative; an unreadable date is only informational
			if date, err := time.Parse(time.RFC3339, r.Date); err == nil {
				point.Date = date
			} else {
				c.logger.WithFields(logrus.Fields{
					"asset": assetID,
					"date":  r.Date,
				}).Debug("Ignoring unparsable history date")
			}
		}
		points = append(points, point)
	}

	c.logger.WithFields(logrus.Fields{
		"asset":    assetID,
		"interval": interval,
		"count":    len(points),
	}).Debug("Fetched asset history")

	return points, nil
}

// FetchMarkets fetches one page of markets trading an asset
func (c *CoinCapClient) FetchMarkets(ctx context.Context, assetID string, limit, offset int) ([]MarketQuote, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))

	endpoint := fmt.Sprintf("/assets/%s/markets", url.PathEscape(assetID))

	var raw []rawMarket
	if err := c.getData(ctx, endpoint, params, &raw); err != nil {
		c.logger.WithError(err).WithField("asset", assetID).Error("Failed to get asset markets")
		return nil, err
	}

	quotes := make([]MarketQuote, 0, len(raw))
	for i, r := range raw {
		if r.ExchangeID == "" || r.BaseID == "" || r.QuoteID == "" {
			return nil, &ValidationError{Endpoint: endpoint, Reason: fmt.Sprintf("data[%d] is missing exchangeId/baseId/quoteId", i)}
		}
		if !r.VolumeUSD24h.Valid || !r.PriceUSD.Valid || !r.VolumePercent.Valid {
			return nil, &ValidationError{Endpoint: endpoint, Reason: fmt.Sprintf("data[%d] is missing a numeric field", i)}
		}

		quotes = append(quotes, MarketQuote{
			ExchangeID:    r.ExchangeID,
			BaseID:        r.BaseID,
			QuoteID:       r.QuoteID,
			BaseSymbol:    r.BaseSymbol,
			QuoteSymbol:   r.QuoteSymbol,
			VolumeUSD24h:  r.VolumeUSD24h.Decimal,
			PriceUSD:      r.PriceUSD.Decimal,
			VolumePercent: r.VolumePercent.Decimal,
		})
	}

	c.logger.WithFields(logrus.Fields{
		"asset":  assetID,
		"limit":  limit,
		"offset": offset,
		"count":  len(quotes),
	}).Debug("Fetched asset markets")

	return quotes, nil
}

// getData performs a GET with retries and decodes the "data" field of the envelope into out
func (c *CoinCapClient) getData(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	body, err := c.doWithRetry(ctx, endpoint, params)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &ValidationError{Endpoint: endpoint, Reason: fmt.Sprintf("failed to decode response: %v", err)}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &ValidationError{Endpoint: endpoint, Reason: "missing data field"}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &ValidationError{Endpoint: endpoint, Reason: fmt.Sprintf("failed to decode data: %v", err)}
	}

	return nil
}

// doWithRetry retries 429 responses and timeouts with exponential backoff.
// Everything else fails on the first attempt.
func (c *CoinCapClient) doWithRetry(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}

		body, err := c.do(ctx, endpoint, params)
		if err == nil {
			return body, nil
		}

		var apiErr *APIError
		switch {
		case ctx.Err() != nil:
			return nil, backoff.Permanent(err)
		case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		case isTimeout(err):
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		default:
			return nil, backoff.Permanent(err)
		}
	}

	expBackoff := backoff.NewExponentialBackOff()
	if c.retryBackoff > 0 {
		expBackoff.InitialInterval = c.retryBackoff
	}
	expBackoff.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(c.maxRetries-1)), ctx)

	body, err := backoff.RetryNotifyWithData[[]byte](op, policy, func(err error, wait time.Duration) {
		c.logger.WithFields(logrus.Fields{
			"endpoint":    endpoint,
			"attempt":     attempt,
			"max_retries": c.maxRetries,
			"wait":        wait.String(),
			"error":       err.Error(),
		}).Warn("Request failed, retrying...")
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

func (c *CoinCapClient) do(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	fullURL := c.baseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	return body, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isValidInterval(interval string) bool {
	for _, v := range ValidIntervals {
		if v == interval {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
