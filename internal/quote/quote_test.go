package quote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/swapengine/internal/chain"
)

var testNow = time.Unix(1_750_000_000, 0)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newNegotiator(t *testing.T, clock *testClock) *Negotiator {
	t.Helper()
	n, err := NewNegotiator(Config{
		Network: chain.Testnet,
		Chains: map[string]Route{
			"BTC": {NetworkFee: dec("0.0001")},
			"ETH": {NetworkFee: dec("0.002")},
			"BSC": {NetworkFee: dec("0.001")},
		},
		TTL:            30 * time.Second,
		SlippageBps:    300,
		ProtocolFeeBps: 30,
		PoolDepth:      dec("5000000"),
		Source: NewStaticPrices(map[string]decimal.Decimal{
			"BTC": dec("60000"), "ETH": dec("3000"), "BNB": dec("500"), "USDC": dec("1"),
		}),
		Clock: clock.Now,
	})
	if err != nil {
		t.Fatalf("NewNegotiator: %v", err)
	}
	return n
}

func TestGetQuote(t *testing.T) {
	clock := &testClock{t: testNow}
	n := newNegotiator(t, clock)

	q, err := n.GetQuote(context.Background(), "BTC", "ETH", dec("1"), "")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if q.FromChain != "BTC" || q.ToChain != "ETH" {
		t.Errorf("route = %s -> %s", q.FromChain, q.ToChain)
	}
	// 60000 / (5000000 + 60000)
	if !q.PriceImpact.Equal(dec("1.1858")) {
		t.Errorf("price impact = %s, want 1.1858", q.PriceImpact)
	}
	if !q.ExchangeRate.LessThan(dec("20")) || !q.ExchangeRate.GreaterThan(dec("19.7")) {
		t.Errorf("exchange rate = %s", q.ExchangeRate)
	}
	if !q.NetworkFee.Equal(dec("0.002")) {
		t.Errorf("network fee = %s, want 0.002", q.NetworkFee)
	}
	gross := q.ToAmount.Add(q.ProtocolFee).Add(q.NetworkFee)
	if diff := gross.Sub(q.FromAmount.Mul(q.ExchangeRate)).Abs(); diff.GreaterThan(dec("0.000001")) {
		t.Errorf("to amount + fees = %s, want %s", gross, q.FromAmount.Mul(q.ExchangeRate))
	}
	wantFee := gross.Mul(dec("0.003"))
	if diff := q.ProtocolFee.Sub(wantFee).Abs(); diff.GreaterThan(dec("0.000001")) {
		t.Errorf("protocol fee = %s, want ~%s", q.ProtocolFee, wantFee)
	}
	if want := q.ToAmount.Mul(dec("0.97")).Truncate(18); !q.MinimumReceived.Equal(want) {
		t.Errorf("minimum received = %s, want %s", q.MinimumReceived, want)
	}
	if !q.ExpiresAt.Equal(testNow.Add(30 * time.Second)) {
		t.Errorf("expires at = %v", q.ExpiresAt)
	}

	btc, _ := chain.Get("BTC", chain.Testnet)
	eth, _ := chain.Get("ETH", chain.Testnet)
	if want := btc.FinalityTime() + eth.FinalityTime(); q.EstimatedTime != want {
		t.Errorf("estimated time = %v, want %v", q.EstimatedTime, want)
	}

	got, err := n.Book().Lookup(q.ID)
	if err != nil || got != q {
		t.Fatalf("Lookup = %v, %v", got, err)
	}
}

func TestGetQuoteConvertsNetworkFee(t *testing.T) {
	n := newNegotiator(t, &testClock{t: testNow})

	// destination fee is 0.002 ETH at 3000 USD, paid in USDC
	q, err := n.GetQuote(context.Background(), "BTC", "USDC@ETH", dec("0.5"), "")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if !q.NetworkFee.Equal(dec("6")) {
		t.Errorf("network fee = %s, want 6", q.NetworkFee)
	}
	if q.ToAmount.Exponent() < -6 {
		t.Errorf("to amount %s has more than 6 decimals", q.ToAmount)
	}
}

func TestGetQuoteImpactGrowsWithSize(t *testing.T) {
	n := newNegotiator(t, &testClock{t: testNow})
	ctx := context.Background()

	small, err := n.GetQuote(ctx, "ETH", "BTC", dec("1"), "")
	if err != nil {
		t.Fatal(err)
	}
	large, err := n.GetQuote(ctx, "ETH", "BTC", dec("1000"), "")
	if err != nil {
		t.Fatal(err)
	}
	if !large.PriceImpact.GreaterThan(small.PriceImpact) {
		t.Errorf("impact %s for 1000 ETH not above %s for 1 ETH", large.PriceImpact, small.PriceImpact)
	}
	if !large.ExchangeRate.LessThan(small.ExchangeRate) {
		t.Errorf("rate %s for 1000 ETH not below %s", large.ExchangeRate, small.ExchangeRate)
	}
}

func TestGetQuoteErrors(t *testing.T) {
	n := newNegotiator(t, &testClock{t: testNow})

	tests := []struct {
		name   string
		from   string
		to     string
		amount string
		want   error
	}{
		{"unknown token", "DOGE", "ETH", "1", ErrUnsupportedPair},
		{"same chain", "ETH", "USDC@ETH", "1", ErrUnsupportedPair},
		{"disabled chain", "BTC", "SOL", "1", ErrUnsupportedPair},
		{"zero amount", "BTC", "ETH", "0", ErrInvalidAmount},
		{"negative amount", "BTC", "ETH", "-1", ErrInvalidAmount},
		{"too precise", "BTC", "ETH", "0.000000001", ErrInvalidAmount},
		{"fees exceed amount", "BTC", "ETH", "0.00000001", ErrInvalidAmount},
		{"evm chain with its own native token", "BTC", "BNB", "1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.GetQuote(context.Background(), tt.from, tt.to, dec(tt.amount), "")
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGetQuoteUnavailablePrice(t *testing.T) {
	clock := &testClock{t: testNow}
	n := newNegotiator(t, clock)
	n.cfg.Source = NewStaticPrices(map[string]decimal.Decimal{"BTC": dec("60000")})

	if _, err := n.GetQuote(context.Background(), "BTC", "ETH", dec("1"), ""); !errors.Is(err, ErrQuoteUnavailable) {
		t.Errorf("missing price: error = %v, want ErrQuoteUnavailable", err)
	}

	n.cfg.Source = NewStaticPrices(map[string]decimal.Decimal{"BTC": dec("60000"), "ETH": dec("0")})
	if _, err := n.GetQuote(context.Background(), "BTC", "ETH", dec("1"), ""); !errors.Is(err, ErrQuoteUnavailable) {
		t.Errorf("zero price: error = %v, want ErrQuoteUnavailable", err)
	}
}

func TestGetQuoteWalletAddress(t *testing.T) {
	n := newNegotiator(t, &testClock{t: testNow})
	ctx := context.Background()

	q, err := n.GetQuote(ctx, "ETH", "BTC", dec("1"), "0x9858effd232b4033e47d90003d41ec34ecaeda94")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if q.WalletAddress != "0x9858EfFD232B4033E47d90003D41EC34EcaEda94" {
		t.Errorf("wallet address = %s", q.WalletAddress)
	}

	if _, err := n.GetQuote(ctx, "ETH", "BTC", dec("1"), "not-an-address"); !errors.Is(err, chain.ErrInvalidAddress) {
		t.Errorf("error = %v, want ErrInvalidAddress", err)
	}
}

func TestBook(t *testing.T) {
	clock := &testClock{t: testNow}
	n := newNegotiator(t, clock)
	book := n.Book()

	q, err := n.GetQuote(context.Background(), "BTC", "ETH", dec("1"), "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := book.Lookup("missing"); !errors.Is(err, ErrQuoteNotFound) {
		t.Errorf("Lookup(missing) = %v", err)
	}
	if _, err := book.Consume(q.ID); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if _, err := book.Consume(q.ID); !errors.Is(err, ErrQuoteConsumed) {
		t.Errorf("second Consume = %v, want ErrQuoteConsumed", err)
	}
	book.Release(q.ID)
	if _, err := book.Lookup(q.ID); err != nil {
		t.Errorf("Lookup after Release = %v", err)
	}

	clock.Advance(31 * time.Second)
	if _, err := book.Consume(q.ID); !errors.Is(err, ErrQuoteExpired) {
		t.Errorf("Consume after expiry = %v, want ErrQuoteExpired", err)
	}

	clock.Advance(retention)
	if n := book.Prune(); n != 1 {
		t.Errorf("Prune removed %d, want 1", n)
	}
	if book.Len() != 0 {
		t.Errorf("Len = %d after prune", book.Len())
	}
}

func TestHTTPPrices(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"btc": 61000.5, "ETH": "3100"}`))
	}))
	defer srv.Close()

	clock := &testClock{t: testNow}
	src := NewHTTPPrices(srv.URL, 10*time.Second)
	src.now = clock.Now
	ctx := context.Background()

	p, err := src.Price(ctx, "BTC")
	if err != nil {
		t.Fatalf("Price(BTC): %v", err)
	}
	if !p.Equal(dec("61000.5")) {
		t.Errorf("BTC = %s", p)
	}
	if p, _ := src.Price(ctx, "eth"); !p.Equal(dec("3100")) {
		t.Errorf("ETH = %s", p)
	}
	if _, err := src.Price(ctx, "SOL"); !errors.Is(err, ErrPriceNotFound) {
		t.Errorf("Price(SOL) = %v, want ErrPriceNotFound", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1 within the cache TTL", hits.Load())
	}

	clock.Advance(11 * time.Second)
	if _, err := src.Price(ctx, "BTC"); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2 after the cache expired", hits.Load())
	}
}

func TestHTTPPricesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	src := NewHTTPPrices(srv.URL, time.Second)
	if _, err := src.Price(context.Background(), "BTC"); err == nil {
		t.Fatal("expected error from failing price endpoint")
	}
}
