package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testPayTo = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testTx    = common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000001")
)

func challengeJSON(t *testing.T, reason string) []byte {
	t.Helper()
	b, err := json.Marshal(Challenge{
		PriceMinor: 10_000,
		PayTo:      testPayTo.Hex(),
		LicenseID:  "9b2f2c2e-4f0a-4a40-9a5e-5df0e6f4c0de",
		Chain:      "base",
		Token:      "USDC",
		Error:      reason,
	})
	if err != nil {
		t.Fatalf("marshal challenge: %v", err)
	}
	return b
}

// gatewayStub answers 402 until the expected tx hash shows up, then 200.
func gatewayStub(t *testing.T, notFoundRounds int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		tx := r.Header.Get("X-Payment-Tx")
		if tx == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write(challengeJSON(t, "payment_required"))
			return
		}
		if tx != testTx.Hex() {
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write(challengeJSON(t, "wrong_recipient"))
			return
		}
		if requests.Load() <= int64(notFoundRounds)+1 {
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write(challengeJSON(t, "tx_not_found"))
			return
		}
		w.Write([]byte("paid content"))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestFetchFreeContentSkipsPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("free content"))
	}))
	defer srv.Close()

	paid := false
	c := New(WithPayer(PayerFunc(func(context.Context, common.Address, *big.Int) (common.Hash, error) {
		paid = true
		return testTx, nil
	})))

	res, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if paid {
		t.Fatal("payer must not run for free content")
	}
	if res.Paid || string(res.Body) != "free content" {
		t.Fatalf("unexpected result: paid=%v body=%q", res.Paid, res.Body)
	}
}

func TestFetchPaysChallengeAndRetries(t *testing.T) {
	srv, requests := gatewayStub(t, 0)

	var paidTo common.Address
	var paidAmount *big.Int
	c := New(
		WithPayer(PayerFunc(func(_ context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
			paidTo = to
			paidAmount = amount
			return testTx, nil
		})),
		WithRetry(3, time.Millisecond),
	)

	res, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !res.Paid || res.TxHash != testTx || res.PricePaid != 10_000 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if string(res.Body) != "paid content" {
		t.Fatalf("body = %q", res.Body)
	}
	if paidTo != testPayTo || paidAmount.Int64() != 10_000 {
		t.Fatalf("paid %s to %s", paidAmount, paidTo.Hex())
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("expected 2 requests, got %d", got)
	}
}

func TestFetchRetriesWhileTxUnseen(t *testing.T) {
	srv, requests := gatewayStub(t, 2)

	c := New(
		WithPayer(PayerFunc(func(context.Context, common.Address, *big.Int) (common.Hash, error) {
			return testTx, nil
		})),
		WithRetry(5, time.Millisecond),
	)

	res, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !res.Paid {
		t.Fatal("expected paid result")
	}
	// initial 402 + 2 tx_not_found rounds + the success
	if got := requests.Load(); got != 4 {
		t.Fatalf("expected 4 requests, got %d", got)
	}
}

func TestFetchStopsOnTerminalRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reason := "payment_required"
		if r.Header.Get("X-Payment-Tx") != "" {
			reason = "payment_already_used"
		}
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write(challengeJSON(t, reason))
	}))
	defer srv.Close()

	payCount := 0
	c := New(
		WithPayer(PayerFunc(func(context.Context, common.Address, *big.Int) (common.Hash, error) {
			payCount++
			return testTx, nil
		})),
		WithRetry(5, time.Millisecond),
	)

	_, err := c.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrPaymentRejected) {
		t.Fatalf("expected ErrPaymentRejected, got %v", err)
	}
	if payCount != 1 {
		t.Fatalf("client must never pay twice for one fetch, paid %d times", payCount)
	}
}

func TestFetchWithoutPayer(t *testing.T) {
	srv, _ := gatewayStub(t, 0)

	c := New()
	_, err := c.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrNoPayer) {
		t.Fatalf("expected ErrNoPayer, got %v", err)
	}
}

func TestQuoteReturnsChallengeWithoutPaying(t *testing.T) {
	srv, requests := gatewayStub(t, 0)

	c := New(WithPayer(PayerFunc(func(context.Context, common.Address, *big.Int) (common.Hash, error) {
		t.Fatal("quote must not pay")
		return common.Hash{}, nil
	})))

	ch, err := c.Quote(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if ch == nil || ch.PriceMinor != 10_000 || ch.PayTo != testPayTo.Hex() {
		t.Fatalf("unexpected challenge: %+v", ch)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("expected 1 request, got %d", got)
	}
}

func TestPublisherHeaderForwarded(t *testing.T) {
	var gotPublisher string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPublisher = r.Header.Get("X-Publisher")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(WithPublisher("pub-123"))
	if _, err := c.Fetch(context.Background(), srv.URL); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotPublisher != "pub-123" {
		t.Fatalf("publisher header = %q", gotPublisher)
	}
}
