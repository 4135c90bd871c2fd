// Package crawler provides the Tachi Go SDK for crawlers that pay per
// request. Fetch issues the request, and on a 402 challenge pays the quoted
// price through the configured Payer and retries with the transaction hash.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoPayer is returned when a 402 challenge arrives but no Payer was
// configured.
var ErrNoPayer = errors.New("received a payment challenge but no payer is configured")

// ErrPaymentRejected is returned when the gateway rejects the payment proof
// for a terminal reason (wrong recipient, short amount, reused hash).
var ErrPaymentRejected = errors.New("gateway rejected the payment")

// headers the gateway reads.
const (
	headerPaymentTx = "X-Payment-Tx"
	headerPublisher = "X-Publisher"
)

// verification reasons the gateway returns in the challenge error field.
const (
	reasonTxNotFound  = "tx_not_found"
	reasonAlreadyUsed = "payment_already_used"
)

// Challenge is the 402 response body quoting the price for one request.
type Challenge struct {
	PriceMinor int64  `json:"priceMinor"`
	PayTo      string `json:"payTo"`
	LicenseID  string `json:"licenseId"`
	Chain      string `json:"chain"`
	Token      string `json:"token"`
	Error      string `json:"error,omitempty"`
}

// Payer settles a challenge on chain and returns the transaction hash. The
// amount is in the token's minor unit.
type Payer interface {
	Pay(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
}

// PayerFunc adapts a function to the Payer interface.
type PayerFunc func(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)

// Pay calls f.
func (f PayerFunc) Pay(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	return f(ctx, to, amount)
}

// Result is a successfully fetched document.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Paid reports whether this fetch required an on-chain payment.
	Paid   bool
	TxHash common.Hash
	// PricePaid is the minor-unit amount paid, zero when Paid is false.
	PricePaid int64
}

// Client is the SDK entry point.
type Client struct {
	httpClient *http.Client
	payer      Payer
	userAgent  string
	publisher  string

	maxAttempts int
	backoff     time.Duration
	maxBody     int64
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPayer sets the on-chain payer used to settle 402 challenges.
func WithPayer(p Payer) Option {
	return func(c *Client) { c.payer = p }
}

// WithUserAgent overrides the default crawler user agent.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithPublisher pins the publisher whose license prices the requests,
// bypassing the gateway's host-based lookup.
func WithPublisher(publisherID string) Option {
	return func(c *Client) { c.publisher = publisherID }
}

// WithRetry sets how many times a paid retry is attempted while the gateway
// still reports the transaction as unseen, and the initial backoff between
// attempts. The backoff doubles per attempt.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = attempts
		c.backoff = backoff
	}
}

// WithMaxBodySize caps how many bytes of a response body Fetch reads.
func WithMaxBodySize(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		userAgent:   "TachiSDK/1.0 (+https://github.com/tachi-protocol/tachi)",
		maxAttempts: 5,
		backoff:     500 * time.Millisecond,
		maxBody:     10 << 20,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch retrieves url, paying the gateway's quoted price if challenged.
//
// Receipt inclusion lags the payment, so a freshly paid transaction can come
// back as tx_not_found for a few blocks; those retries back off and reuse the
// same hash. A payment_already_used answer for a hash this call just paid
// means the proof was raced; it is surfaced as ErrPaymentRejected rather than
// silently paying twice.
func (c *Client) Fetch(ctx context.Context, url string) (*Result, error) {
	res, challenge, err := c.get(ctx, url, common.Hash{})
	if err != nil {
		return nil, err
	}
	if challenge == nil {
		return res, nil
	}

	if c.payer == nil {
		return nil, fmt.Errorf("%w: %s costs %d (minor units)", ErrNoPayer, url, challenge.PriceMinor)
	}
	if !common.IsHexAddress(challenge.PayTo) {
		return nil, fmt.Errorf("challenge carries invalid payTo address %q", challenge.PayTo)
	}

	txHash, err := c.payer.Pay(ctx, common.HexToAddress(challenge.PayTo), big.NewInt(challenge.PriceMinor))
	if err != nil {
		return nil, fmt.Errorf("pay challenge for %s: %w", url, err)
	}

	backoff := c.backoff
	for attempt := 1; ; attempt++ {
		res, retryChallenge, err := c.get(ctx, url, txHash)
		if err != nil {
			return nil, err
		}
		if retryChallenge == nil {
			res.Paid = true
			res.TxHash = txHash
			res.PricePaid = challenge.PriceMinor
			return res, nil
		}

		// Only an unseen transaction is worth retrying; every other
		// rejection is terminal for this hash.
		if retryChallenge.Error != reasonTxNotFound || attempt >= c.maxAttempts {
			return nil, fmt.Errorf("%w: %s (tx %s)", ErrPaymentRejected, retryChallenge.Error, txHash.Hex())
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
}

// Quote fetches the challenge for url without paying. A nil challenge means
// the resource is free for this client.
func (c *Client) Quote(ctx context.Context, url string) (*Challenge, error) {
	_, challenge, err := c.get(ctx, url, common.Hash{})
	if err != nil {
		return nil, err
	}
	return challenge, nil
}

// get performs one HTTP round trip. A 402 response is decoded into a
// Challenge; anything else is returned as a Result.
func (c *Client) get(ctx context.Context, url string, txHash common.Hash) (*Result, *Challenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.publisher != "" {
		req.Header.Set(headerPublisher, c.publisher)
	}
	if txHash != (common.Hash{}) {
		req.Header.Set(headerPaymentTx, txHash.Hex())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		var ch Challenge
		if err := json.Unmarshal(body, &ch); err != nil {
			return nil, nil, fmt.Errorf("decode payment challenge: %w", err)
		}
		return nil, &ch, nil
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil, nil
}
