// Package descriptor parses watch-only output descriptors of the form
// tr/wpkh/sh/pkh(<origin><xpub>/<path>/*) and derives receive addresses
// from them without ever touching a private key.
package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrUnsupportedDescriptor = errors.New("descriptor: unsupported descriptor")
	ErrInvalidXpub           = errors.New("descriptor: invalid xpub")
)

// Network names recognized in configuration.
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
	NetworkRegtest = "regtest"
	NetworkSignet  = "signet"
)

func chainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case NetworkMainnet:
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	case NetworkRegtest:
		return &chaincfg.RegressionNetParams, nil
	case NetworkSignet:
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("%w: unknown network %q", ErrUnsupportedDescriptor, network)
	}
}

var descriptorRe = regexp.MustCompile(`^(tr|wpkh|sh|pkh)\(([^)]*)\)$`)

// Derived is the result of deriving a single index from a descriptor.
type Derived struct {
	Index           uint32
	Address         string
	ScriptPubKeyHex string
}

// Engine derives addresses and scriptPubKeys for a single watch-only
// descriptor, memoizing prior derivations in process memory.
type Engine struct {
	kind        string
	extKey      *hdkeychain.ExtendedKey
	chainParams *chaincfg.Params
	fingerprint string

	cache *ttlcache.Cache[uint32, Derived]
}

// New parses descriptor and binds it to network. network is one of
// mainnet|testnet|regtest|signet.
func New(desc string, network string) (*Engine, error) {
	params, err := chainParams(network)
	if err != nil {
		return nil, err
	}

	desc = strings.TrimSpace(desc)
	m := descriptorRe.FindStringSubmatch(desc)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDescriptor, desc)
	}
	kind, body := m[1], m[2]

	xpub, path, err := splitKeyExpr(body)
	if err != nil {
		return nil, err
	}
	if path != "0/*" && path != "/0/*" {
		return nil, fmt.Errorf("%w: unsupported derivation path %q (only external chain 0/* is supported)", ErrUnsupportedDescriptor, path)
	}

	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidXpub, err)
	}
	if key.IsPrivate() {
		return nil, fmt.Errorf("%w: descriptor must be watch-only (xpub, not xprv)", ErrInvalidXpub)
	}

	external, err := key.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("%w: derive external chain: %v", ErrInvalidXpub, err)
	}

	sum := sha256.Sum256([]byte(desc))
	e := &Engine{
		kind:        kind,
		extKey:      external,
		chainParams: params,
		fingerprint: hex.EncodeToString(sum[:]),
		cache:       ttlcache.New[uint32, Derived](ttlcache.WithTTL[uint32, Derived](24 * time.Hour)),
	}
	return e, nil
}

// splitKeyExpr splits "[origin]xpub.../0/*" into the bare xpub and the
// trailing derivation path.
func splitKeyExpr(body string) (xpub string, path string, err error) {
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "[") {
		end := strings.Index(body, "]")
		if end < 0 {
			return "", "", fmt.Errorf("%w: unterminated key origin", ErrUnsupportedDescriptor)
		}
		body = body[end+1:]
	}
	parts := strings.SplitN(body, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: missing derivation path", ErrUnsupportedDescriptor)
	}
	xpub = parts[0]
	path = parts[1]
	if !strings.HasSuffix(path, "*") {
		return "", "", fmt.Errorf("%w: derivation path must end in *", ErrUnsupportedDescriptor)
	}
	return xpub, path, nil
}

// Fingerprint identifies this descriptor for SystemMetadata bookkeeping.
func (e *Engine) Fingerprint() string {
	if e == nil {
		return ""
	}
	return e.fingerprint
}

// Derive returns the address and scriptPubKey for index, consulting the
// memoization cache first.
func (e *Engine) Derive(index uint32) (Derived, error) {
	if e == nil || e.extKey == nil {
		return Derived{}, fmt.Errorf("%w: nil engine", ErrUnsupportedDescriptor)
	}
	if item := e.cache.Get(index); item != nil {
		return item.Value(), nil
	}

	child, err := e.extKey.Derive(index)
	if err != nil {
		return Derived{}, fmt.Errorf("descriptor: derive index %d: %w", index, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return Derived{}, fmt.Errorf("descriptor: child pubkey: %w", err)
	}

	var addr btcutil.Address
	var script []byte
	switch e.kind {
	case "wpkh":
		hash := btcutil.Hash160(pub.SerializeCompressed())
		a, err := btcutil.NewAddressWitnessPubKeyHash(hash, e.chainParams)
		if err != nil {
			return Derived{}, fmt.Errorf("descriptor: wpkh address: %w", err)
		}
		addr = a
		script, err = payToWitnessPubKeyHashScript(hash)
		if err != nil {
			return Derived{}, err
		}
	case "pkh":
		hash := btcutil.Hash160(pub.SerializeCompressed())
		a, err := btcutil.NewAddressPubKeyHash(hash, e.chainParams)
		if err != nil {
			return Derived{}, fmt.Errorf("descriptor: pkh address: %w", err)
		}
		addr = a
		script, err = payToPubKeyHashScript(hash)
		if err != nil {
			return Derived{}, err
		}
	case "tr":
		a, err := btcutil.NewAddressTaproot(schnorrXOnly(pub.SerializeCompressed()), e.chainParams)
		if err != nil {
			return Derived{}, fmt.Errorf("descriptor: taproot address: %w", err)
		}
		addr = a
		script, err = payToTaprootScript(a)
		if err != nil {
			return Derived{}, err
		}
	case "sh":
		hash := btcutil.Hash160(pub.SerializeCompressed())
		redeem, err := payToWitnessPubKeyHashScript(hash)
		if err != nil {
			return Derived{}, err
		}
		shHash := btcutil.Hash160(redeem)
		a, err := btcutil.NewAddressScriptHashFromHash(shHash, e.chainParams)
		if err != nil {
			return Derived{}, fmt.Errorf("descriptor: sh address: %w", err)
		}
		addr = a
		script, err = payToScriptHashScript(shHash)
		if err != nil {
			return Derived{}, err
		}
	default:
		return Derived{}, fmt.Errorf("%w: kind %q", ErrUnsupportedDescriptor, e.kind)
	}

	d := Derived{
		Index:           index,
		Address:         addr.EncodeAddress(),
		ScriptPubKeyHex: hex.EncodeToString(script),
	}
	e.cache.Set(index, d, ttlcache.DefaultTTL)
	return d, nil
}

func schnorrXOnly(compressed []byte) []byte {
	// compressed pubkey is 33 bytes (prefix + 32-byte X); taproot output
	// keys are the 32-byte X-only coordinate.
	if len(compressed) == 33 {
		return compressed[1:]
	}
	return compressed
}

func payToWitnessPubKeyHashScript(hash []byte) ([]byte, error) {
	return append([]byte{0x00, 0x14}, hash...), nil
}

func payToPubKeyHashScript(hash []byte) ([]byte, error) {
	script := make([]byte, 0, 25)
	script = append(script, 0x76, 0xa9, 0x14)
	script = append(script, hash...)
	script = append(script, 0x88, 0xac)
	return script, nil
}

func payToScriptHashScript(hash []byte) ([]byte, error) {
	script := make([]byte, 0, 23)
	script = append(script, 0xa9, 0x14)
	script = append(script, hash...)
	script = append(script, 0x87)
	return script, nil
}

func payToTaprootScript(a *btcutil.AddressTaproot) ([]byte, error) {
	prog := a.ScriptAddress()
	return append([]byte{0x51, 0x20}, prog...), nil
}

// ParseIndexFromPath reads a numeric derivation index out of a "N" string.
func ParseIndexFromPath(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("descriptor: invalid index %q: %w", s, err)
	}
	return uint32(n), nil
}
