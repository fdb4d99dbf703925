// Package quote turns a (from token, to token, amount) request into a
// time-boxed quote for a cross-chain route.
package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/swapengine/internal/chain"
	"github.com/Klingon-tech/swapengine/pkg/helpers"
	"github.com/Klingon-tech/swapengine/pkg/logging"
)

// Quote errors
var (
	ErrUnsupportedPair  = errors.New("unsupported token pair")
	ErrQuoteUnavailable = errors.New("quote unavailable")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrQuoteExpired     = errors.New("quote expired")
	ErrQuoteNotFound    = errors.New("quote not found")
	ErrQuoteConsumed    = errors.New("quote already consumed")
)

// Quote is a time-boxed pricing offer. It is read-only once issued.
type Quote struct {
	ID        string `json:"id"`
	FromToken string `json:"from_token"`
	ToToken   string `json:"to_token"`
	FromChain string `json:"from_chain"`
	ToChain   string `json:"to_chain"`

	FromAmount      decimal.Decimal `json:"from_amount"`
	ToAmount        decimal.Decimal `json:"to_amount"`
	ExchangeRate    decimal.Decimal `json:"exchange_rate"`
	NetworkFee      decimal.Decimal `json:"network_fee"`
	ProtocolFee     decimal.Decimal `json:"protocol_fee"`
	MinimumReceived decimal.Decimal `json:"minimum_received"`

	// PriceImpact is in percent.
	PriceImpact   decimal.Decimal `json:"price_impact"`
	EstimatedTime time.Duration   `json:"estimated_time"`

	WalletAddress string    `json:"wallet_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired reports whether the quote can no longer be used at now.
func (q *Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// Route holds the per-chain settings a quote depends on.
type Route struct {
	// NetworkFee is charged in the chain's native token when it is the
	// destination.
	NetworkFee    decimal.Decimal
	Confirmations uint32
}

// Config configures a Negotiator.
type Config struct {
	Network chain.Network

	// Chains lists the enabled chains. A pair is routable when both legs
	// are enabled and differ.
	Chains map[string]Route

	TTL            time.Duration
	SlippageBps    uint32
	ProtocolFeeBps uint32
	PoolDepth      decimal.Decimal

	Source PriceSource
	Book   *Book
	Clock  func() time.Time
}

// Negotiator computes quotes.
type Negotiator struct {
	cfg  Config
	book *Book
	now  func() time.Time
	log  *logging.Logger
}

// NewNegotiator creates a quote negotiator.
func NewNegotiator(cfg Config) (*Negotiator, error) {
	if cfg.Source == nil {
		return nil, errors.New("quote negotiator needs a price source")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 300
	}
	if !cfg.PoolDepth.IsPositive() {
		cfg.PoolDepth = decimal.NewFromInt(5_000_000)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	book := cfg.Book
	if book == nil {
		book = NewBook(cfg.Clock)
	}
	return &Negotiator{
		cfg:  cfg,
		book: book,
		now:  cfg.Clock,
		log:  logging.GetDefault().Component("quote"),
	}, nil
}

// Book returns the quote book holding issued quotes.
func (n *Negotiator) Book() *Book {
	return n.book
}

// GetQuote prices amount of fromToken in toToken.
func (n *Negotiator) GetQuote(ctx context.Context, fromToken, toToken string, amount decimal.Decimal, walletAddress string) (*Quote, error) {
	from, err := chain.ResolveToken(fromToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPair, err)
	}
	to, err := chain.ResolveToken(toToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPair, err)
	}
	fromParams, toParams, err := n.route(from, to)
	if err != nil {
		return nil, err
	}

	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if _, err := helpers.ToBaseUnits(amount, from.Decimals); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if walletAddress != "" {
		if walletAddress, err = chain.NormalizeAddress(from.Chain, n.cfg.Network, walletAddress); err != nil {
			return nil, err
		}
	}

	fromPrice, err := n.price(ctx, from.PriceKey())
	if err != nil {
		return nil, err
	}
	toPrice, err := n.price(ctx, to.PriceKey())
	if err != nil {
		return nil, err
	}
	nativePrice := toPrice
	if !to.IsNative() {
		if nativePrice, err = n.price(ctx, n.nativePriceKey(toParams)); err != nil {
			return nil, err
		}
	}

	// constant-product depth model: impact grows with the notional
	reference := fromPrice.Div(toPrice)
	notional := amount.Mul(fromPrice)
	depth := n.cfg.PoolDepth
	rate := reference.Mul(depth).Div(depth.Add(notional))
	impact := reference.Sub(rate).Div(reference).Mul(decimal.NewFromInt(100))

	places := int32(to.Decimals)
	gross := amount.Mul(rate)
	protocolFee := gross.Mul(helpers.Bps(n.cfg.ProtocolFeeBps)).Truncate(places)
	networkFee := n.cfg.Chains[to.Chain].NetworkFee.Mul(nativePrice).Div(toPrice).Truncate(places)
	toAmount := gross.Sub(protocolFee).Sub(networkFee).Truncate(places)
	if !toAmount.IsPositive() {
		return nil, fmt.Errorf("%w: %s %s does not cover fees", ErrInvalidAmount, amount, from.ID())
	}
	minimum := toAmount.Mul(decimal.NewFromInt(1).Sub(helpers.Bps(n.cfg.SlippageBps))).Truncate(places)

	now := n.now()
	q := &Quote{
		ID:              uuid.New().String(),
		FromToken:       from.ID(),
		ToToken:         to.ID(),
		FromChain:       from.Chain,
		ToChain:         to.Chain,
		FromAmount:      amount,
		ToAmount:        toAmount,
		ExchangeRate:    rate.Round(12),
		NetworkFee:      networkFee,
		ProtocolFee:     protocolFee,
		MinimumReceived: minimum,
		PriceImpact:     impact.Round(4),
		EstimatedTime:   n.settlementTime(fromParams) + n.settlementTime(toParams),
		WalletAddress:   walletAddress,
		CreatedAt:       now,
		ExpiresAt:       now.Add(n.cfg.TTL),
	}
	n.book.Put(q)

	n.log.Debug("Quote issued", "quote_id", q.ID, "pair", q.FromToken+"/"+q.ToToken,
		"from_amount", q.FromAmount, "to_amount", q.ToAmount, "impact", q.PriceImpact)
	return q, nil
}

func (n *Negotiator) route(from, to *chain.Token) (*chain.Params, *chain.Params, error) {
	if from.Chain == to.Chain {
		return nil, nil, fmt.Errorf("%w: %s and %s are both on %s", ErrUnsupportedPair, from.ID(), to.ID(), from.Chain)
	}
	for _, c := range []string{from.Chain, to.Chain} {
		if _, ok := n.cfg.Chains[c]; !ok {
			return nil, nil, fmt.Errorf("%w: chain %s is not enabled", ErrUnsupportedPair, c)
		}
	}
	fromParams, ok := chain.Get(from.Chain, n.cfg.Network)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedPair, from.Chain)
	}
	toParams, ok := chain.Get(to.Chain, n.cfg.Network)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedPair, to.Chain)
	}
	return fromParams, toParams, nil
}

func (n *Negotiator) nativePriceKey(p *chain.Params) string {
	if t, err := chain.ResolveToken(p.GetNativeToken()); err == nil {
		return t.PriceKey()
	}
	return strings.ToUpper(p.GetNativeToken())
}

func (n *Negotiator) price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p, err := n.cfg.Source.Price(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: price of %s: %v", ErrQuoteUnavailable, symbol, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s for %s", ErrQuoteUnavailable, p, symbol)
	}
	return p, nil
}

func (n *Negotiator) settlementTime(p *chain.Params) time.Duration {
	confs := p.Confirmations
	if r := n.cfg.Chains[p.Symbol]; r.Confirmations > 0 {
		confs = r.Confirmations
	}
	if confs == 0 {
		confs = 1
	}
	return p.BlockTime * time.Duration(confs)
}
