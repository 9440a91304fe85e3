package keeper

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/bundle-keeper/metrics"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

const (
	SendBundleEndpointName = "eth_sendBundle"
	SignatureHeader        = "X-Flashbots-Signature"

	DefaultRelayURL     = "https://relay.flashbots.net"
	defaultRelayTimeout = 3 * time.Second
)

var (
	ErrInvalidRelay      = errors.New("invalid relay endpoint")
	ErrNoRelays          = errors.New("no relays configured")
	ErrRelayRejected     = errors.New("bundle rejected by relay")
	ErrRelayUnavailable  = errors.New("relay unavailable")
	// ErrRelayUnauthorized means the relay refused the bundle signature (HTTP 401 or 403).
	ErrRelayUnauthorized = errors.New("relay refused bundle signer")
)

// Submitter sends a burst of bundles to the private relays.
type Submitter interface {
	Submit(ctx context.Context, burst Burst) SubmissionResult
}

// BundleResult is the synchronous answer of one relay for one bundle.
// Accepted only means the relay took the bundle for simulation, not that it will be included.
type BundleResult struct {
	Relay       string
	BlockNumber uint64
	BundleHash  common.Hash
	Accepted    bool
	Err         error
}

type SubmissionResult struct {
	Bundles []BundleResult
}

func (r SubmissionResult) Accepted() int {
	n := 0
	for _, b := range r.Bundles {
		if b.Accepted {
			n++
		}
	}
	return n
}

func (r SubmissionResult) Rejected() int {
	return len(r.Bundles) - r.Accepted()
}

// Unauthorized reports whether every relay refused every bundle because of the bundle signer.
// Retrying with the same signing key can not succeed.
func (r SubmissionResult) Unauthorized() bool {
	if len(r.Bundles) == 0 {
		return false
	}
	for _, b := range r.Bundles {
		if !errors.Is(b.Err, ErrRelayUnauthorized) {
			return false
		}
	}
	return true
}

type RelaysConfig struct {
	Relays []struct {
		Name      string  `yaml:"name"`
		URL       string  `yaml:"url"`
		RateLimit float64 `yaml:"rateLimit"`
		Disabled  bool    `yaml:"disabled"`
	} `yaml:"relays"`
}

// RelayEndpoint is one private relay. RateLimit is in requests per second, zero means unlimited.
type RelayEndpoint struct {
	Name      string
	URL       string
	RateLimit float64
}

// LoadRelayConfig parses a relays config from a file
func LoadRelayConfig(file string) ([]RelayEndpoint, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var config RelaysConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	endpoints := make([]RelayEndpoint, 0, len(config.Relays))
	for _, relay := range config.Relays {
		if relay.Disabled {
			continue
		}
		if relay.URL == "" || relay.RateLimit < 0 {
			return nil, ErrInvalidRelay
		}
		name := relay.Name
		if name == "" {
			name = relayName(relay.URL)
		}
		endpoints = append(endpoints, RelayEndpoint{
			Name:      name,
			URL:       relay.URL,
			RateLimit: relay.RateLimit,
		})
	}
	if len(endpoints) == 0 {
		return nil, ErrNoRelays
	}
	return endpoints, nil
}

// ParseRelayEndpoints parses a comma separated list of relay urls.
func ParseRelayEndpoints(str string) ([]RelayEndpoint, error) {
	var endpoints []RelayEndpoint //nolint:prealloc
	for _, u := range strings.Split(str, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, err := url.ParseRequestURI(u); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRelay, err.Error())
		}
		endpoints = append(endpoints, RelayEndpoint{Name: relayName(u), URL: u})
	}
	if len(endpoints) == 0 {
		return nil, ErrNoRelays
	}
	return endpoints, nil
}

func relayName(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return u
	}
	return parsed.Host
}

// FlashbotsSignature returns the X-Flashbots-Signature header value for body:
// <signer address>:<personal signature of hex(keccak256(body))>
func FlashbotsSignature(key *ecdsa.PrivateKey, body []byte) (string, error) {
	hashedBody := crypto.Keccak256Hash(body).Hex()
	sig, err := crypto.Sign(accounts.TextHash([]byte(hashedBody)), key)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex() + ":" + hexutil.Encode(sig), nil
}

// signingTransport authenticates every relay request with the bundle signing key
type signingTransport struct {
	key  *ecdsa.PrivateKey
	base http.RoundTripper
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	signature, err := FlashbotsSignature(t.key, body)
	if err != nil {
		return nil, err
	}

	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	signed.Header.Set(SignatureHeader, signature)
	return t.base.RoundTrip(signed)
}

type relay struct {
	name    string
	client  jsonrpc.RPCClient
	limiter *rate.Limiter
}

type RelayClient struct {
	log     *zap.Logger
	relays  []relay
	timeout time.Duration
}

// NewRelayClient creates a client for the given relays. bundleSigningKey identifies the keeper to the relays
// and should not be the key that funds the transactions.
func NewRelayClient(log *zap.Logger, endpoints []RelayEndpoint, bundleSigningKey *ecdsa.PrivateKey) (*RelayClient, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoRelays
	}
	httpClient := &http.Client{
		Transport: &signingTransport{
			key:  bundleSigningKey,
			base: http.DefaultTransport,
		},
	}

	relays := make([]relay, 0, len(endpoints))
	for _, endpoint := range endpoints {
		limit := rate.Inf
		if endpoint.RateLimit > 0 {
			limit = rate.Limit(endpoint.RateLimit)
		}
		relays = append(relays, relay{
			name: endpoint.Name,
			client: jsonrpc.NewClientWithOpts(endpoint.URL, &jsonrpc.RPCClientOpts{
				HTTPClient:         httpClient,
				AllowUnknownFields: true,
			}),
			limiter: rate.NewLimiter(limit, 1),
		})
	}
	return &RelayClient{
		log:     log.Named("relay"),
		relays:  relays,
		timeout: defaultRelayTimeout,
	}, nil
}

// Submit sends every bundle of the burst to every relay in parallel.
// It never fails as a whole: transport errors and rejections are reported per bundle.
func (c *RelayClient) Submit(ctx context.Context, burst Burst) SubmissionResult {
	results := make([]BundleResult, len(burst)*len(c.relays))

	var wg sync.WaitGroup
	for bi := range burst {
		bundle := &burst[bi]
		args, err := bundle.SendArgs()
		hash := bundle.Hash()
		for ri, r := range c.relays {
			idx := bi*len(c.relays) + ri
			results[idx] = BundleResult{
				Relay:       r.name,
				BlockNumber: bundle.BlockNumber,
				BundleHash:  hash,
			}
			if err != nil {
				results[idx].Err = err
				continue
			}

			wg.Add(1)
			go func(r relay, idx int) {
				defer wg.Done()

				start := time.Now()
				err := c.send(ctx, r, &args, &results[idx])
				duration := time.Since(start)
				metrics.RecordRelayCallDuration(r.name, duration.Milliseconds())
				c.log.Debug("Sent bundle to relay", zap.String("relay", r.name), zap.Uint64("block", uint64(args.BlockNumber)),
					zap.Duration("duration", duration), zap.Error(err))

				if err != nil {
					results[idx].Err = err
					metrics.IncBundlesRejected(r.name)
					c.log.Warn("Failed to send bundle to relay", zap.Error(err), zap.String("relay", r.name),
						zap.Uint64("block", uint64(args.BlockNumber)))
					return
				}
				results[idx].Accepted = true
				metrics.IncBundlesAccepted(r.name)
			}(r, idx)
		}
	}
	wg.Wait()

	return SubmissionResult{Bundles: results}
}

func (c *RelayClient) send(ctx context.Context, r relay, args *SendBundleArgs, result *BundleResult) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		return errors.Join(err, ErrRelayUnavailable)
	}

	res, err := r.client.Call(ctx, SendBundleEndpointName, []*SendBundleArgs{args})
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) && (httpErr.Code == http.StatusUnauthorized || httpErr.Code == http.StatusForbidden) {
		return errors.Join(err, ErrRelayUnauthorized)
	}
	if res != nil && res.Error != nil {
		return fmt.Errorf("%w: %s", ErrRelayRejected, res.Error.Message)
	}
	if err != nil {
		if errors.As(err, &httpErr) && httpErr.Code >= 400 && httpErr.Code < 500 {
			return errors.Join(err, ErrRelayRejected)
		}
		return errors.Join(err, ErrRelayUnavailable)
	}

	var response SendBundleResponse
	if err := res.GetObject(&response); err == nil && response.BundleHash != (common.Hash{}) {
		result.BundleHash = response.BundleHash
	}
	return nil
}
