package gonka

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/decred/dcrd/bech32"
	"github.com/decred/dcrd/crypto/ripemd160"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/ineyio/inferbatch"
)

// addressPrefix is the human-readable part of Gonka account addresses.
const addressPrefix = "gonka"

// account is the requester identity behind one private key.
type account struct {
	key     *secp256k1.PrivateKey
	address string // bech32 "gonka1..."
}

// loadAccount parses a hex-encoded secp256k1 key, with or without a 0x
// prefix, and derives its address. Key errors wrap inferbatch.ErrAuthFailed
// so a bad key is never retried.
func loadAccount(hexKey string) (*account, error) {
	hexKey = strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X")

	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: gonka: invalid private key hex: %v", inferbatch.ErrAuthFailed, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: gonka: private key must be 32 bytes, got %d", inferbatch.ErrAuthFailed, len(raw))
	}
	key := secp256k1.PrivKeyFromBytes(raw)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("%w: gonka: private key is zero", inferbatch.ErrAuthFailed)
	}

	// Cosmos address: RIPEMD160(SHA256(compressed pubkey)) in bech32.
	sum := sha256.Sum256(key.PubKey().SerializeCompressed())
	h := ripemd160.New()
	h.Write(sum[:])
	words, err := bech32.ConvertBits(h.Sum(nil), 8, 5, true)
	if err != nil {
		return nil, fmt.Errorf("gonka: convert address bits: %w", err)
	}
	addr, err := bech32.Encode(addressPrefix, words)
	if err != nil {
		return nil, fmt.Errorf("gonka: encode address: %w", err)
	}

	return &account{key: key, address: addr}, nil
}

// sign binds the body, the timestamp and the node address:
// base64(r||s) of ECDSA over SHA256(hex(SHA256(body)) + ts + node).
// Signatures are RFC6979 deterministic and low-S.
func (a *account) sign(body []byte, tsNanos int64, node string) string {
	bodySum := sha256.Sum256(body)
	digest := sha256.Sum256([]byte(hex.EncodeToString(bodySum[:]) + strconv.FormatInt(tsNanos, 10) + node))

	// [recovery flag, r(32), s(32)]
	compact := ecdsa.SignCompact(a.key, digest[:], false)
	return base64.StdEncoding.EncodeToString(compact[1:])
}

type accountResult struct {
	acct *account
	err  error
}

// accounts memoizes loadAccount per key. Every request of a batch carries
// the same key, so it is parsed once; a bad key's error is kept as well and
// the whole batch fails fast without reparsing.
type accounts struct {
	m sync.Map // hex key -> accountResult
}

func (a *accounts) get(hexKey string) (*account, error) {
	v, ok := a.m.Load(hexKey)
	if !ok {
		acct, err := loadAccount(hexKey)
		v, _ = a.m.LoadOrStore(hexKey, accountResult{acct: acct, err: err})
	}
	r := v.(accountResult)
	return r.acct, r.err
}
