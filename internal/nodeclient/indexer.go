package nodeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// IndexerOption configures an IndexerClient.
type IndexerOption func(*IndexerClient) error

// WithIndexerHTTPClient overrides the default http.Client.
func WithIndexerHTTPClient(hc *http.Client) IndexerOption {
	return func(c *IndexerClient) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

// WithIndexerMaxResponseBytes bounds response body size.
func WithIndexerMaxResponseBytes(n int64) IndexerOption {
	return func(c *IndexerClient) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// IndexerClient is a thin REST client against an Esplora-style indexer
// API, used as the pull-path backend when no node RPC connection is
// configured. When RPC is configured the indexer is not consulted, even
// if RPC calls fail.
type IndexerClient struct {
	baseURL      *url.URL
	hc           *http.Client
	maxRespBytes int64
	cache        *ttlcache.Cache[string, []byte]
}

// NewIndexerClient binds to an indexer's base URL (e.g.
// https://blockstream.info/api).
func NewIndexerClient(baseURL string, opts ...IndexerOption) (*IndexerClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, u.Scheme)
	}

	c := &IndexerClient{
		baseURL:      u,
		hc:           &http.Client{Timeout: 30 * time.Second},
		maxRespBytes: 1 << 20,
		cache:        ttlcache.New[string, []byte](ttlcache.WithTTL[string, []byte](5 * time.Second)),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddressTx is a minimal transaction summary returned by GET /address/{a}/txs.
type AddressTx struct {
	Txid   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// AddressStats is the subset of GET /address/{a}'s response this system
// consumes: chain and mempool funded/spent output counts.
type AddressStats struct {
	Address    string `json:"address"`
	ChainStats struct {
		FundedTxoCount int64 `json:"funded_txo_count"`
		FundedTxoSum   int64 `json:"funded_txo_sum"`
		SpentTxoCount  int64 `json:"spent_txo_count"`
	} `json:"chain_stats"`
	MempoolStats struct {
		FundedTxoCount int64 `json:"funded_txo_count"`
		FundedTxoSum   int64 `json:"funded_txo_sum"`
	} `json:"mempool_stats"`
}

// Address fetches summary stats for address (GET /address/{a}). The
// pull loop does not call it; it lists transactions with AddressTxs.
func (c *IndexerClient) Address(ctx context.Context, address string) (AddressStats, error) {
	body, err := c.get(ctx, path.Join("address", address))
	if err != nil {
		return AddressStats{}, err
	}
	var out AddressStats
	if err := json.Unmarshal(body, &out); err != nil {
		return AddressStats{}, fmt.Errorf("nodeclient: decode address stats: %w", err)
	}
	return out, nil
}

// AddressTxs lists recent transactions touching address.
func (c *IndexerClient) AddressTxs(ctx context.Context, address string) ([]AddressTx, error) {
	body, err := c.get(ctx, path.Join("address", address, "txs"))
	if err != nil {
		return nil, err
	}
	var out []AddressTx
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("nodeclient: decode address txs: %w", err)
	}
	return out, nil
}

// TipHeight returns the indexer's view of the current chain tip height.
func (c *IndexerClient) TipHeight(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, path.Join("blocks", "tip", "height"))
	if err != nil {
		return 0, err
	}
	h, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("nodeclient: parse tip height: %w", err)
	}
	return h, nil
}

// TxStatus is the confirmation status of a transaction.
type TxStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

// TxVout is a single Esplora transaction output.
type TxVout struct {
	ScriptPubKey        string `json:"scriptpubkey"`
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	ValueSats           int64  `json:"value"`
}

// TxDetail is GET /tx/{txid}'s response, carrying the full output set this
// system needs to reconcile a payment when no full-node RPC connection is
// configured.
type TxDetail struct {
	Txid   string   `json:"txid"`
	Vout   []TxVout `json:"vout"`
	Status TxStatus `json:"status"`
}

// Tx fetches a transaction's outputs and confirmation status. Confirmation
// count is derived by the caller as tipHeight-blockHeight+1 once confirmed;
// an unconfirmed tx reports zero confirmations.
func (c *IndexerClient) Tx(ctx context.Context, txid string) (TxDetail, error) {
	body, err := c.get(ctx, path.Join("tx", txid))
	if err != nil {
		return TxDetail{}, err
	}
	var out TxDetail
	if err := json.Unmarshal(body, &out); err != nil {
		return TxDetail{}, fmt.Errorf("nodeclient: decode tx: %w", err)
	}
	return out, nil
}

// Confirmations computes the confirmation count for a TxDetail returned by
// Tx, given the indexer's current tip height.
func (t TxDetail) Confirmations(tipHeight int64) int64 {
	if !t.Status.Confirmed || t.Status.BlockHeight == 0 {
		return 0
	}
	n := tipHeight - t.Status.BlockHeight + 1
	if n < 0 {
		return 0
	}
	return n
}

func (c *IndexerClient) get(ctx context.Context, p string) ([]byte, error) {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}

	if item := c.cache.Get(p); item != nil {
		return item.Value(), nil
	}

	u := *c.baseURL
	u.Path = path.Join(u.Path, p)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("nodeclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("nodeclient: %s: %w", p, ErrNoSuchTx)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: indexer status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nodeclient: indexer status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	c.cache.Set(p, body, ttlcache.DefaultTTL)
	return body, nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("nodeclient: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("nodeclient: response too large")
	}
	return b, nil
}
