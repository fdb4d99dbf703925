package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// ErrPriceNotFound is returned when a source has no price for a symbol.
var ErrPriceNotFound = errors.New("price not found")

// PriceSource returns USD prices by symbol.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// StaticPrices is a fixed price table, typically loaded from config.
type StaticPrices struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticPrices copies prices into a new table.
func NewStaticPrices(prices map[string]decimal.Decimal) *StaticPrices {
	s := &StaticPrices{prices: make(map[string]decimal.Decimal, len(prices))}
	for k, v := range prices {
		s.prices[strings.ToUpper(k)] = v
	}
	return s
}

// Set updates one price.
func (s *StaticPrices) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[strings.ToUpper(symbol)] = price
	s.mu.Unlock()
}

func (s *StaticPrices) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceNotFound, symbol)
	}
	return p, nil
}

// HTTPPrices fetches a JSON object of symbol -> price from a URL and caches
// the whole table for a short TTL. Prices may be JSON numbers or strings.
type HTTPPrices struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	fetched time.Time
}

// NewHTTPPrices creates an HTTP price source.
func NewHTTPPrices(url string, ttl time.Duration) *HTTPPrices {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &HTTPPrices{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (h *HTTPPrices) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := h.table(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	p, ok := prices[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceNotFound, symbol)
	}
	return p, nil
}

func (h *HTTPPrices) table(ctx context.Context) (map[string]decimal.Decimal, error) {
	h.mu.RLock()
	if h.prices != nil && h.now().Sub(h.fetched) < h.ttl {
		prices := h.prices
		h.mu.RUnlock()
		return prices, nil
	}
	h.mu.RUnlock()

	v, err, _ := h.group.Do("prices", func() (interface{}, error) {
		prices, err := h.fetch(ctx)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.prices = prices
		h.fetched = h.now()
		h.mu.Unlock()
		return prices, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]decimal.Decimal), nil
}

func (h *HTTPPrices) fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch prices: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}
	prices := make(map[string]decimal.Decimal, len(raw))
	for k, v := range raw {
		prices[strings.ToUpper(k)] = v
	}
	return prices, nil
}

var (
	_ PriceSource = (*StaticPrices)(nil)
	_ PriceSource = (*HTTPPrices)(nil)
)
