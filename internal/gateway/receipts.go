package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/tachi-protocol/tachi/internal/proofledger"
	"go.uber.org/zap"
)

// receiptJob is one crawl receipt awaiting submission to the ledger.
type receiptJob struct {
	txHash    string
	licenseID uuid.UUID
	crawler   common.Address
	timestamp time.Time
	attempt   int
}

// ReceiptSubmitter records crawl receipts asynchronously. Submission is
// fire-and-forget from the request path: a full queue or a failing ledger
// must never block or fail a response whose payment already verified.
type ReceiptSubmitter struct {
	ledger      *proofledger.Ledger
	writer      common.Address
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger

	queue chan receiptJob
	wg    sync.WaitGroup
	stop  chan struct{}

	mu        sync.Mutex
	submitted map[string]struct{} // txHash dedup within process lifetime
}

// NewReceiptSubmitter creates a submitter writing to ledger as writer and
// starts its worker.
func NewReceiptSubmitter(ledger *proofledger.Ledger, writer common.Address, queueSize, maxAttempts int, backoff time.Duration, logger *zap.Logger) *ReceiptSubmitter {
	if queueSize <= 0 {
		queueSize = 256
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	s := &ReceiptSubmitter{
		ledger:      ledger,
		writer:      writer,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger,
		queue:       make(chan receiptJob, queueSize),
		stop:        make(chan struct{}),
		submitted:   make(map[string]struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Submit enqueues a receipt. Re-submitting the same txHash is a no-op: a
// valid proof grants one access and one receipt. On a saturated queue the
// receipt is dropped with a log line rather than blocking the caller.
func (s *ReceiptSubmitter) Submit(txHash string, licenseID uuid.UUID, crawler common.Address, ts time.Time) {
	s.mu.Lock()
	if _, dup := s.submitted[txHash]; dup {
		s.mu.Unlock()
		return
	}
	s.submitted[txHash] = struct{}{}
	s.mu.Unlock()

	job := receiptJob{txHash: txHash, licenseID: licenseID, crawler: crawler, timestamp: ts}
	select {
	case s.queue <- job:
	default:
		s.logger.Error("receipt queue full, receipt dropped",
			zap.String("tx", txHash),
			zap.String("license", licenseID.String()),
		)
	}
}

// Close stops the worker after draining queued receipts.
func (s *ReceiptSubmitter) Close() {
	close(s.stop)
	s.wg.Wait()
}

func (s *ReceiptSubmitter) worker() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.queue:
			s.deliver(job)
		case <-s.stop:
			// Drain what is already queued, then exit.
			for {
				select {
				case job := <-s.queue:
					s.deliver(job)
				default:
					return
				}
			}
		}
	}
}

// deliver logs the receipt with capped exponential-backoff retries.
func (s *ReceiptSubmitter) deliver(job receiptJob) {
	backoff := s.backoff
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		seq, err := s.ledger.Log(ctx, s.writer, job.licenseID, job.crawler, job.timestamp)
		cancel()

		if err == nil {
			recordReceipt("ok")
			s.logger.Debug("crawl receipt recorded",
				zap.Int64("sequence_id", seq),
				zap.String("tx", job.txHash),
			)
			return
		}

		s.logger.Warn("crawl receipt submission failed",
			zap.String("tx", job.txHash),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < s.maxAttempts {
			select {
			case <-time.After(backoff):
			case <-s.stop:
				// Shutting down: one final immediate try happens on the
				// next loop iteration, then we give up with the rest.
			}
			backoff *= 2
		}
	}

	recordReceipt("dropped")
	s.logger.Error("crawl receipt dropped after retries",
		zap.String("tx", job.txHash),
		zap.String("license", job.licenseID.String()),
	)
}
