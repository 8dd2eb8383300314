package gonka

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ineyio/inferbatch"
)

// Endpoint represents a Gonka inference node.
type Endpoint struct {
	URL     string // HTTP endpoint (e.g. "https://node1.gonka.ai/v1")
	Address string // Cosmos bech32 address of the node, bound into every signature
}

var errNoBearer = fmt.Errorf("%w: gonka: missing Bearer authorization header", inferbatch.ErrAuthFailed)

// signer is an http.RoundTripper that swaps the Bearer private key for a
// per-request ECDSA signature over the body, timestamp and node address.
type signer struct {
	base     http.RoundTripper
	accounts *accounts
	endpoint Endpoint
	now      func() time.Time
}

func newSigner(base http.RoundTripper, endpoint Endpoint) *signer {
	return &signer{
		base:     base,
		accounts: &accounts{},
		endpoint: endpoint,
		now:      time.Now,
	}
}

// RoundTrip implements http.RoundTripper.
func (s *signer) RoundTrip(req *http.Request) (*http.Response, error) {
	hexKey, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil, errNoBearer
	}

	acct, err := s.accounts.get(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, err
	}

	var body []byte
	if req.Body != nil {
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("gonka: read request body: %w", err)
		}
	}

	ts := s.now().UnixNano()
	signature := acct.sign(body, ts, s.endpoint.Address)

	// RoundTrippers must not modify the caller's request.
	signed := req.Clone(req.Context())
	signed.Header.Set("Authorization", signature)
	signed.Header.Set("X-Requester-Address", acct.address)
	signed.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	signed.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	return s.base.RoundTrip(signed)
}
