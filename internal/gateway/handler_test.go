package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/tachi-protocol/tachi/internal/chain"
	"github.com/tachi-protocol/tachi/internal/chain/chainmock"
	"github.com/tachi-protocol/tachi/internal/license"
	"github.com/tachi-protocol/tachi/internal/proofledger"
	"github.com/tachi-protocol/tachi/internal/replay"
	"go.uber.org/zap"
)

const crawlerUA = "GPTBot/1.0"

type gatewayFixture struct {
	srv    *httptest.Server
	ledger *proofledger.Ledger
	lic    *license.License
}

// newGatewayFixture stands up an origin, a license for the test publisher,
// and the full edge engine behind a gin router.
func newGatewayFixture(t *testing.T, opts ...chainmock.Option) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderPaymentTx) != "" {
			t.Errorf("payment header leaked to origin")
		}
		if r.Header.Get(HeaderPublisher) != "" {
			t.Errorf("publisher header leaked to origin")
		}
		io.WriteString(w, "origin content")
	}))
	t.Cleanup(origin.Close)
	originURL, _ := url.Parse(origin.URL)

	licStore := license.NewMemoryStore()
	lic := testLicense()
	if err := licStore.Create(context.Background(), lic); err != nil {
		t.Fatalf("create license: %v", err)
	}

	replayStore := replay.NewMemoryStore(time.Hour)
	t.Cleanup(replayStore.Close)

	chainClient := chain.NewClient(chainmock.New(opts...),
		chain.Config{Timeout: time.Second, Backoff: time.Millisecond}, zap.NewNop())
	verifier := NewVerifier(chainClient, replayStore, testToken, testSettlement, 15*time.Minute, zap.NewNop())

	writer := common.HexToAddress("0x0000000000000000000000000000000000000405")
	ledger := proofledger.NewLedger(proofledger.NewMemoryStore(), testSettlement, writer)
	receipts := NewReceiptSubmitter(ledger, writer, 16, 2, time.Millisecond, zap.NewNop())
	t.Cleanup(receipts.Close)

	classifier, err := NewClassifier()
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}

	h := NewHandler(Config{
		Origin:    originURL,
		ChainName: "base",
		Token:     testToken,
	}, classifier, license.NewCache(licStore, time.Minute), verifier, receipts, zap.NewNop())

	router := gin.New()
	router.NoRoute(h.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &gatewayFixture{srv: srv, ledger: ledger, lic: lic}
}

// crawl issues one request as a crawler against the fixture's publisher.
func (f *gatewayFixture) crawl(t *testing.T, txHash string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/article", nil)
	req.Header.Set("User-Agent", crawlerUA)
	req.Header.Set(HeaderPublisher, f.lic.PublisherID)
	if txHash != "" {
		req.Header.Set(HeaderPaymentTx, txHash)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeChallenge(t *testing.T, resp *http.Response) Challenge {
	t.Helper()
	var ch Challenge
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	return ch
}

func TestHumanTrafficBypassesProtocol(t *testing.T) {
	f := newGatewayFixture(t)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/article", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh) AppleWebKit/537.36")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "origin content" {
		t.Fatalf("body = %q", body)
	}
}

func TestCrawlerWithoutProofGetsChallenge(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.crawl(t, "")
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ch := decodeChallenge(t, resp)
	if ch.PriceMinor != f.lic.PriceMinor || ch.PayTo != f.lic.PayTo.Hex() {
		t.Fatalf("unexpected challenge %+v", ch)
	}
	if ch.Error != ReasonPaymentRequired {
		t.Fatalf("reason = %q", ch.Error)
	}
	if ch.LicenseID != f.lic.ID.String() {
		t.Fatalf("license id = %q", ch.LicenseID)
	}
}

func TestPaidCrawlIsProxiedAndReceipted(t *testing.T) {
	f := newGatewayFixture(t, paidReceipt(testPayout, 10_000)...)

	resp := f.crawl(t, testTxHash)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "origin content" {
		t.Fatalf("body = %q", body)
	}

	// The receipt lands asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		total, err := f.ledger.TotalLogged(context.Background())
		if err != nil {
			t.Fatalf("total logged: %v", err)
		}
		if total == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("receipt never recorded, total = %d", total)
		}
		time.Sleep(5 * time.Millisecond)
	}

	entry, err := f.ledger.EntryAt(context.Background(), 1)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.LicenseID != f.lic.ID || entry.Crawler != testPayer {
		t.Fatalf("unexpected receipt %+v", entry)
	}
}

func TestReplayedProofIsRejected(t *testing.T) {
	f := newGatewayFixture(t, paidReceipt(testPayout, 10_000)...)

	if resp := f.crawl(t, testTxHash); resp.StatusCode != http.StatusOK {
		t.Fatalf("first crawl status = %d", resp.StatusCode)
	}
	resp := f.crawl(t, testTxHash)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	if ch := decodeChallenge(t, resp); ch.Error != ReasonAlreadyUsed {
		t.Fatalf("reason = %q", ch.Error)
	}
}

func TestMalformedTxHashRejectedWithoutRPC(t *testing.T) {
	f := newGatewayFixture(t) // unscripted backend would fail any RPC

	resp := f.crawl(t, "not-a-hash")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestUnderpaidProofRejected(t *testing.T) {
	f := newGatewayFixture(t, paidReceipt(testPayout, 5_000)...)

	resp := f.crawl(t, testTxHash)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ch := decodeChallenge(t, resp); ch.Error != ReasonInsufficientAmount {
		t.Fatalf("reason = %q", ch.Error)
	}
}

func TestUnlicensedHostFailsOpen(t *testing.T) {
	f := newGatewayFixture(t)

	// Host-based lookup: the fixture's license is keyed by publisher id and
	// domain "example.com", not the test server's host.
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/article", nil)
	req.Header.Set("User-Agent", crawlerUA)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unlicensed host must proxy, status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "origin content") {
		t.Fatalf("body = %q", body)
	}
}
