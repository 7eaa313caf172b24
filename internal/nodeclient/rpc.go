// Package nodeclient talks to a Bitcoin full node over JSON-RPC and, as an
// alternative backend, to an Esplora-style REST indexer.
package nodeclient

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrInvalidConfig = errors.New("nodeclient: invalid config")
	ErrTransient     = errors.New("nodeclient: transient error")
	ErrFatal         = errors.New("nodeclient: fatal error")
	ErrNoSuchTx      = errors.New("nodeclient: no such mempool or blockchain transaction")
)

// RPCConfig configures a connection to bitcoind's JSON-RPC interface.
type RPCConfig struct {
	Host           string
	User           string
	Pass           string
	DisableTLS     bool
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
}

// RPCClient is a narrow wrapper over rpcclient.Client exposing exactly the
// verbs this system needs.
type RPCClient struct {
	client      *rpcclient.Client
	callTimeout time.Duration
}

// NewRPCClient dials host using HTTP POST JSON-RPC 1.0, matching bitcoind's
// default transport.
func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidConfig)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial rpc: %v", ErrInvalidConfig, err)
	}
	return &RPCClient{client: client, callTimeout: cfg.CallTimeout}, nil
}

// Shutdown releases the underlying HTTP transport.
func (c *RPCClient) Shutdown() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Shutdown()
}

// VerboseTx is the subset of getrawtransaction's verbose result this
// system consumes.
type VerboseTx struct {
	Txid          string
	Confirmations int64
	Vout          []btcjson.Vout
}

// GetRawTransactionVerbose fetches a transaction with confirmation count
// and decoded outputs. Returns ErrNoSuchTx (wrapping) when the node has no
// knowledge of the transaction: the reorg-detection signal the reconciler
// and intent state machine both key off of.
func (c *RPCClient) GetRawTransactionVerbose(txidHex string) (VerboseTx, error) {
	if c == nil || c.client == nil {
		return VerboseTx{}, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	hash, err := chainhash.NewHashFromStr(txidHex)
	if err != nil {
		return VerboseTx{}, fmt.Errorf("%w: parse txid: %v", ErrFatal, err)
	}
	result, err := c.client.GetRawTransactionVerbose(hash)
	if err != nil {
		return VerboseTx{}, classifyRPCErr(err)
	}
	return VerboseTx{Txid: result.Txid, Confirmations: int64(result.Confirmations), Vout: result.Vout}, nil
}

// GetBlockHash returns the block hash at height.
func (c *RPCClient) GetBlockHash(height int64) (string, error) {
	if c == nil || c.client == nil {
		return "", fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	hash, err := c.client.GetBlockHash(height)
	if err != nil {
		return "", classifyRPCErr(err)
	}
	return hash.String(), nil
}

// GetBlockChainInfo returns the node's getblockchaininfo result (chain
// name, tip height, best block hash, ...).
func (c *RPCClient) GetBlockChainInfo() (btcjson.GetBlockChainInfoResult, error) {
	if c == nil || c.client == nil {
		return btcjson.GetBlockChainInfoResult{}, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	info, err := c.client.GetBlockChainInfo()
	if err != nil {
		return btcjson.GetBlockChainInfoResult{}, classifyRPCErr(err)
	}
	return *info, nil
}

// EstimateSmartFee is a single pass-through RPC: fee estimation for
// display purposes only, not wired to any broadcast path.
func (c *RPCClient) EstimateSmartFee(confTarget int64) (btcjson.EstimateSmartFeeResult, error) {
	if c == nil || c.client == nil {
		return btcjson.EstimateSmartFeeResult{}, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	result, err := c.client.EstimateSmartFee(confTarget, nil)
	if err != nil {
		return btcjson.EstimateSmartFeeResult{}, classifyRPCErr(err)
	}
	return *result, nil
}

// ListUnspent lists unspent outputs paying any of addresses, used by
// administrative tooling and the pull-path poll as an RPC-backed
// alternative to the indexer's /address/{a}/txs endpoint. Issued via
// RawRequest (as with ScanTxOutSet) so the address list can be passed as
// plain strings without requiring this client to carry chain params for
// btcutil.Address decoding.
func (c *RPCClient) ListUnspent(addresses []string) ([]btcjson.ListUnspentResult, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	minConf, _ := json.Marshal(1)
	maxConf, _ := json.Marshal(9999999)
	addrs, _ := json.Marshal(addresses)
	result, err := c.client.RawRequest("listunspent", []json.RawMessage{minConf, maxConf, addrs})
	if err != nil {
		return nil, classifyRPCErr(err)
	}
	var out []btcjson.ListUnspentResult
	if err := unmarshalRaw(result, &out); err != nil {
		return nil, fmt.Errorf("nodeclient: decode listunspent: %w", err)
	}
	return out, nil
}

// SendRawTransaction broadcasts a signed transaction. The gateway never
// calls this in normal operation (custody and broadcast are out of
// scope); it exists so an operator-driven refund/sweep collaborator
// can reuse this client rather than dialing the node separately.
func (c *RPCClient) SendRawTransaction(txHex string) (string, error) {
	if c == nil || c.client == nil {
		return "", fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	raw, err := hexDecodeTx(txHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode tx hex: %v", ErrFatal, err)
	}
	hash, err := c.client.SendRawTransaction(raw, false)
	if err != nil {
		return "", classifyRPCErr(err)
	}
	return hash.String(), nil
}

// ScanTxOutSetUnspent is one entry of a scantxoutset RPC response's
// "unspents" array.
type ScanTxOutSetUnspent struct {
	Txid         string  `json:"txid"`
	Vout         uint32  `json:"vout"`
	ScriptPubKey string  `json:"scriptPubKey"`
	Desc         string  `json:"desc"`
	Amount       float64 `json:"amount"`
	Height       int64   `json:"height"`
}

// ScanTxOutSetResult models bitcoind's scantxoutset RPC response. btcjson
// does not define this type, so it is modeled locally.
type ScanTxOutSetResult struct {
	Success     bool                  `json:"success"`
	TxOuts      int64                 `json:"txouts"`
	Height      int64                 `json:"height"`
	BestBlock   string                `json:"bestblock"`
	Unspents    []ScanTxOutSetUnspent `json:"unspents"`
	TotalAmount float64               `json:"total_amount"`
}

// ScanTxOutSet runs a one-shot UTXO set scan for the given descriptors,
// used by administrative tooling to cross-check the watched-address set.
func (c *RPCClient) ScanTxOutSet(descriptors []string) (*ScanTxOutSetResult, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	result, err := c.client.RawRequest("scantxoutset", scanTxOutSetParams(descriptors))
	if err != nil {
		return nil, classifyRPCErr(err)
	}
	var out ScanTxOutSetResult
	if err := unmarshalRaw(result, &out); err != nil {
		return nil, fmt.Errorf("nodeclient: decode scantxoutset: %w", err)
	}
	return &out, nil
}

func hexDecodeTx(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

func classifyRPCErr(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case btcjson.ErrRPCNoTxInfo:
			return fmt.Errorf("%w: %v", ErrNoSuchTx, err)
		case btcjson.ErrRPCInvalidParameter, btcjson.ErrRPCMethodNotFound.Code:
			return fmt.Errorf("%w: %v", ErrFatal, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
