package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Esplora implements Backend against the Esplora REST API. mempool.space
// serves the same API with a different fee endpoint.
type Esplora struct {
	baseURL    string
	flavour    Type
	httpClient *http.Client

	mu        sync.RWMutex
	connected bool
}

// NewEsplora creates an Esplora client. flavour selects the fee endpoint.
func NewEsplora(baseURL string, flavour Type) *Esplora {
	return &Esplora{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		flavour: flavour,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (e *Esplora) Type() Type {
	return e.flavour
}

// Connect checks the API by fetching the tip height.
func (e *Esplora) Connect(ctx context.Context) error {
	if _, err := e.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

func (e *Esplora) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	return nil
}

func (e *Esplora) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

type esploraStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
	BlockTime   int64 `json:"block_time"`
}

// GetAddressUTXOs returns unspent outputs for an address.
func (e *Esplora) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string        `json:"txid"`
		Vout   uint32        `json:"vout"`
		Value  uint64        `json:"value"`
		Status esploraStatus `json:"status"`
	}
	if err := e.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	tip, err := e.GetBlockHeight(ctx)
	if err != nil {
		tip = 0
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			BlockHeight:   u.Status.BlockHeight,
			Confirmations: confirmations(u.Status, tip),
		}
	}
	return utxos, nil
}

// GetAddressTxs returns the most recent transactions touching an address.
func (e *Esplora) GetAddressTxs(ctx context.Context, address string) ([]Transaction, error) {
	var result []esploraTx
	if err := e.get(ctx, "/address/"+address+"/txs", &result); err != nil {
		return nil, err
	}
	tip, err := e.GetBlockHeight(ctx)
	if err != nil {
		tip = 0
	}
	txs := make([]Transaction, len(result))
	for i := range result {
		txs[i] = result[i].convert(tip)
	}
	return txs, nil
}

// GetTransaction returns a transaction by id.
func (e *Esplora) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result esploraTx
	if err := e.get(ctx, "/tx/"+txID, &result); err != nil {
		if err == ErrNotFound {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	var tip int64
	if result.Status.Confirmed {
		tip, _ = e.GetBlockHeight(ctx)
	}
	tx := result.convert(tip)
	return &tx, nil
}

// GetRawTransaction returns the raw transaction hex.
func (e *Esplora) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	body, err := e.getText(ctx, "/tx/"+txID+"/hex")
	if err == ErrNotFound {
		return nil, ErrTxNotFound
	}
	return body, err
}

// GetOutspend reports the spending status of txID:vout.
func (e *Esplora) GetOutspend(ctx context.Context, txID string, vout uint32) (*Outspend, error) {
	var result struct {
		Spent  bool          `json:"spent"`
		TxID   string        `json:"txid"`
		Vin    uint32        `json:"vin"`
		Status esploraStatus `json:"status"`
	}
	if err := e.get(ctx, fmt.Sprintf("/tx/%s/outspend/%d", txID, vout), &result); err != nil {
		return nil, err
	}
	return &Outspend{
		Spent:     result.Spent,
		TxID:      result.TxID,
		Vin:       result.Vin,
		Confirmed: result.Status.Confirmed,
	}, nil
}

// BroadcastTransaction submits a raw transaction and returns its txid.
func (e *Esplora) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", ErrRateLimited
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the tip height.
func (e *Esplora) GetBlockHeight(ctx context.Context) (int64, error) {
	body, err := e.getText(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	var height int64
	if err := json.Unmarshal(body, &height); err != nil {
		return 0, fmt.Errorf("decode tip height: %w", err)
	}
	return height, nil
}

// GetTipTime returns the timestamp of the tip block, which bounds what
// CHECKLOCKTIMEVERIFY accepts.
func (e *Esplora) GetTipTime(ctx context.Context) (int64, error) {
	hash, err := e.getText(ctx, "/blocks/tip/hash")
	if err != nil {
		return 0, err
	}
	var block struct {
		Timestamp  int64 `json:"timestamp"`
		MedianTime int64 `json:"mediantime"`
	}
	if err := e.get(ctx, "/block/"+strings.TrimSpace(string(hash)), &block); err != nil {
		return 0, err
	}
	if block.MedianTime > 0 {
		return block.MedianTime, nil
	}
	return block.Timestamp, nil
}

// GetFeeEstimates returns fee rates. mempool.space exposes a recommended
// summary; Esplora returns a map of block targets to rates.
func (e *Esplora) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if e.flavour == TypeMempool {
		if err := e.get(ctx, "/v1/fees/recommended", &result); err != nil {
			return nil, err
		}
		return &FeeEstimate{
			FastestFee:  uint64(result["fastestFee"]),
			HalfHourFee: uint64(result["halfHourFee"]),
			HourFee:     uint64(result["hourFee"]),
			EconomyFee:  uint64(result["economyFee"]),
			MinimumFee:  uint64(result["minimumFee"]),
		}, nil
	}

	if err := e.get(ctx, "/fee-estimates", &result); err != nil {
		return nil, err
	}
	return &FeeEstimate{
		FastestFee:  uint64(result["1"]),
		HalfHourFee: uint64(result["3"]),
		HourFee:     uint64(result["6"]),
		EconomyFee:  uint64(result["144"]),
		MinimumFee:  1,
	}, nil
}

func (e *Esplora) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	// CDN responses for the tip go stale quickly
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	case http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, ErrRateLimited
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func (e *Esplora) get(ctx context.Context, path string, result interface{}) error {
	resp, err := e.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(result)
}

func (e *Esplora) getText(ctx context.Context, path string) ([]byte, error) {
	resp, err := e.do(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

type esploraTx struct {
	TxID     string        `json:"txid"`
	LockTime uint32        `json:"locktime"`
	Fee      uint64        `json:"fee"`
	Status   esploraStatus `json:"status"`
	Vin      []struct {
		TxID     string    `json:"txid"`
		Vout     uint32    `json:"vout"`
		Witness  []string  `json:"witness"`
		Sequence uint32    `json:"sequence"`
		Prevout  *TxOutput `json:"prevout"`
	} `json:"vin"`
	Vout []TxOutput `json:"vout"`
}

func (t *esploraTx) convert(tip int64) Transaction {
	tx := Transaction{
		TxID:          t.TxID,
		LockTime:      t.LockTime,
		Fee:           t.Fee,
		Confirmed:     t.Status.Confirmed,
		BlockHeight:   t.Status.BlockHeight,
		BlockTime:     t.Status.BlockTime,
		Confirmations: confirmations(t.Status, tip),
		Inputs:        make([]TxInput, len(t.Vin)),
		Outputs:       t.Vout,
	}
	for i, in := range t.Vin {
		tx.Inputs[i] = TxInput{
			TxID:     in.TxID,
			Vout:     in.Vout,
			Witness:  in.Witness,
			Sequence: in.Sequence,
			PrevOut:  in.Prevout,
		}
	}
	return tx
}

// confirmations is tip - height + 1 for confirmed outputs, or 1 when the
// tip is unknown.
func confirmations(s esploraStatus, tip int64) int64 {
	if !s.Confirmed || s.BlockHeight <= 0 {
		return 0
	}
	if tip <= 0 || tip < s.BlockHeight {
		return 1
	}
	return tip - s.BlockHeight + 1
}

var _ Backend = (*Esplora)(nil)
