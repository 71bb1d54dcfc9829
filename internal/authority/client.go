// Package authority talks to an external transparency and signing authority. The
// client implements both transparency.Service and signing.Signer so it can replace
// the local backends at startup.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/signing"
	"github.com/Wikid82/cerberus/internal/transparency"
)

var (
	// ErrBackendUnavailable wraps transport failures and 5xx responses from the authority.
	ErrBackendUnavailable = errors.New("evidence backend unavailable")

	// ErrRejected is returned for 4xx responses and for answers that fail local checks.
	ErrRejected = errors.New("authority rejected request")
)

// Options configures a Client.
type Options struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
	// RequestsPerSecond caps outbound calls to the authority. Zero means 50.
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client is the remote transparency log and signing backend.
type Client struct {
	base    *url.URL
	secret  []byte
	http    *http.Client
	limiter *rate.Limiter

	mu       sync.RWMutex
	verifier *signing.PublicKeyVerifier
}

var (
	_ transparency.Service = (*Client)(nil)
	_ signing.Signer       = (*Client)(nil)
)

// NewClient validates opts and returns a client. It does not contact the authority.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid authority url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 50
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		base:    base,
		secret:  []byte(opts.Secret),
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)),
	}, nil
}

type keyResponse struct {
	KeyID     string `json:"key_id"`
	PublicKey string `json:"public_key"`
}

// FetchKey retrieves and pins the authority's public key.
func (c *Client) FetchKey(ctx context.Context) error {
	var resp keyResponse
	if err := c.do(ctx, http.MethodGet, "/key", nil, nil, &resp); err != nil {
		return err
	}
	pub, err := signing.ParsePublicKey([]byte(resp.PublicKey))
	if err != nil {
		return fmt.Errorf("authority key: %w", err)
	}
	v := signing.NewPublicKeyVerifier(pub)
	if resp.KeyID != v.Identity() {
		return fmt.Errorf("authority key id %q does not match key %q", resp.KeyID, v.Identity())
	}
	c.mu.Lock()
	c.verifier = v
	c.mu.Unlock()
	return nil
}

func (c *Client) currentVerifier() *signing.PublicKeyVerifier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.verifier
}

// Identity implements signing.Verifier. It is empty until the key has been fetched.
func (c *Client) Identity() string {
	if v := c.currentVerifier(); v != nil {
		return v.Identity()
	}
	return ""
}

// Verify implements signing.Verifier using the pinned authority key.
func (c *Client) Verify(payloadType string, payload []byte, sig models.Signature, identity string) bool {
	v := c.currentVerifier()
	if v == nil {
		return false
	}
	return v.Verify(payloadType, payload, sig, identity)
}

type signRequest struct {
	PayloadType string `json:"payload_type"`
	Payload     []byte `json:"payload"`
}

// Sign implements signing.Signer by delegating to the authority.
func (c *Client) Sign(ctx context.Context, payloadType string, payload []byte) (models.Signature, error) {
	if c.currentVerifier() == nil {
		if err := c.FetchKey(ctx); err != nil {
			return models.Signature{}, err
		}
	}
	var sig models.Signature
	if err := c.do(ctx, http.MethodPost, "/sign", nil, signRequest{PayloadType: payloadType, Payload: payload}, &sig); err != nil {
		return models.Signature{}, err
	}
	if !c.Verify(payloadType, payload, sig, c.Identity()) {
		return models.Signature{}, fmt.Errorf("%w: signature does not verify against pinned key", ErrRejected)
	}
	return sig, nil
}

type appendRequest struct {
	LeafHash models.Hash `json:"leaf_hash"`
}

// Append implements transparency.Service.
func (c *Client) Append(ctx context.Context, leaf models.Hash) (*transparency.AppendResult, error) {
	var res transparency.AppendResult
	if err := c.do(ctx, http.MethodPost, "/entries", nil, appendRequest{LeafHash: leaf}, &res); err != nil {
		return nil, err
	}
	if !transparency.Verify(leaf, res.Proof, res.RootHash) {
		return nil, fmt.Errorf("%w: inclusion proof does not match returned root", ErrRejected)
	}
	return &res, nil
}

// Prove implements transparency.Service.
func (c *Client) Prove(ctx context.Context, index, size uint64) (models.InclusionProof, error) {
	q := url.Values{}
	q.Set("index", strconv.FormatUint(index, 10))
	q.Set("size", strconv.FormatUint(size, 10))
	var proof models.InclusionProof
	err := c.do(ctx, http.MethodGet, "/proof", q, nil, &proof)
	return proof, err
}

type rootResponse struct {
	TreeSize uint64      `json:"tree_size"`
	RootHash models.Hash `json:"root_hash"`
}

// Root implements transparency.Service.
func (c *Client) Root(ctx context.Context, size uint64) (models.Hash, error) {
	q := url.Values{}
	q.Set("size", strconv.FormatUint(size, 10))
	var resp rootResponse
	if err := c.do(ctx, http.MethodGet, "/root", q, nil, &resp); err != nil {
		return models.Hash{}, err
	}
	return resp.RootHash, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	u := *c.base
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := NewToken(c.secret, time.Now())
	if err != nil {
		return fmt.Errorf("mint authority token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrBackendUnavailable, path, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s returned %d", ErrBackendUnavailable, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %s returned %d: %s", ErrRejected, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
