package push

import (
	"container/heap"
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/PaulBabatuyi/carhub-realtime/internal/metrics"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// TokenDeactivator disables device tokens the gateway reported as gone.
type TokenDeactivator interface {
	DeactivatePushToken(ctx context.Context, token string) error
}

type receiptJob struct {
	id      ulid.ULID
	due     time.Time
	tickets map[string]string // ticket id -> device token
	index   int
}

// jobQueue is a min-heap on due time.
type jobQueue []*receiptJob

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].id.Compare(q[j].id) < 0
	}
	return q[i].due.Before(q[j].due)
}
func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *jobQueue) Push(x any) {
	job := x.(*receiptJob)
	job.index = len(*q)
	*q = append(*q, job)
}
func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return job
}

// ReceiptScheduler runs delayed receipt reconciliation. Jobs wait in a
// time-ordered queue watched by one timer goroutine and are handed to a fixed
// number of workers, so bursts of sends never spawn unbounded timers. Jobs
// still pending at Stop are dropped.
type ReceiptScheduler struct {
	gateway Gateway
	tokens  TokenDeactivator
	delay   time.Duration
	workers int
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	jobs    jobQueue
	entropy *ulid.MonotonicEntropy
	started bool
	stopped bool

	wake   chan struct{}
	work   chan *receiptJob
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReceiptScheduler creates a scheduler; call Start before scheduling.
func NewReceiptScheduler(gw Gateway, tokens TokenDeactivator, delay time.Duration, workers int, logger zerolog.Logger) *ReceiptScheduler {
	if delay <= 0 {
		delay = 15 * time.Minute
	}
	if workers <= 0 {
		workers = 2
	}
	return &ReceiptScheduler{
		gateway: gw,
		tokens:  tokens,
		delay:   delay,
		workers: workers,
		timeout: 30 * time.Second,
		logger:  logger.With().Str("component", "push_receipts").Logger(),
		entropy: ulid.Monotonic(rand.Reader, 0),
		wake:    make(chan struct{}, 1),
		work:    make(chan *receiptJob),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the timer goroutine and the workers.
func (s *ReceiptScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	s.wg.Add(1 + s.workers)
	go s.loop()
	for i := 0; i < s.workers; i++ {
		go s.worker()
	}
}

// Stop ends all goroutines and drops pending jobs.
func (s *ReceiptScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	dropped := len(s.jobs)
	s.jobs = nil
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	metrics.ReceiptJobsPending.Set(0)
	if dropped > 0 {
		s.logger.Info().Int("dropped", dropped).Msg("receipt scheduler stopped with pending jobs")
	}
}

// Schedule queues reconciliation of tickets (ticket id -> token) after the
// configured delay. It returns false when there is nothing to do or the
// scheduler was stopped.
func (s *ReceiptScheduler) Schedule(tickets map[string]string) (ulid.ULID, bool) {
	if len(tickets) == 0 {
		return ulid.ULID{}, false
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ulid.ULID{}, false
	}
	now := time.Now()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("ulid generation failed")
		return ulid.ULID{}, false
	}
	heap.Push(&s.jobs, &receiptJob{id: id, due: now.Add(s.delay), tickets: tickets})
	metrics.ReceiptJobsPending.Set(float64(len(s.jobs)))
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return id, true
}

// Pending returns the number of jobs not yet handed to a worker.
func (s *ReceiptScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *ReceiptScheduler) loop() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		now := time.Now()
		var due *receiptJob
		wait := time.Duration(-1)
		if len(s.jobs) > 0 {
			if next := s.jobs[0]; !next.due.After(now) {
				due = heap.Pop(&s.jobs).(*receiptJob)
				metrics.ReceiptJobsPending.Set(float64(len(s.jobs)))
			} else {
				wait = next.due.Sub(now)
			}
		}
		s.mu.Unlock()

		if due != nil {
			// blocks while every worker is busy
			select {
			case s.work <- due:
			case <-s.stopCh:
				return
			}
			continue
		}

		var timerC <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-timerC:
		case <-s.wake:
			timer.Stop()
		case <-s.stopCh:
			return
		}
	}
}

func (s *ReceiptScheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.work:
			s.reconcile(job)
		case <-s.stopCh:
			return
		}
	}
}

// reconcile fetches receipts batch by batch. Failures are logged per batch
// and never stop the remaining batches.
func (s *ReceiptScheduler) reconcile(job *receiptJob) {
	ids := make([]string, 0, len(job.tickets))
	for id := range job.tickets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	log := s.logger.With().Str("job_id", job.id.String()).Logger()

	for start := 0; start < len(ids); start += ReceiptBatchSize {
		end := min(start+ReceiptBatchSize, len(ids))
		batch := ids[start:end]

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		receipts, err := s.gateway.GetReceipts(ctx, batch)
		if err != nil {
			cancel()
			log.Warn().Err(err).Int("tickets", len(batch)).Msg("fetch receipts failed")
			continue
		}

		for _, id := range batch {
			r, ok := receipts[id]
			if !ok || r.Status != statusError {
				continue
			}
			if detailError(r.Details) == DeviceNotRegistered {
				token := job.tickets[id]
				if err := s.tokens.DeactivatePushToken(ctx, token); err != nil {
					log.Warn().Err(err).Str("ticket_id", id).Msg("deactivate token failed")
					continue
				}
				metrics.PushTokensDeactivated.WithLabelValues("receipt").Inc()
				log.Info().Str("ticket_id", id).Msg("device not registered, token deactivated")
				continue
			}
			log.Warn().Str("ticket_id", id).Str("error", detailError(r.Details)).Str("message", r.Message).Msg("push delivery failed")
		}
		cancel()
	}
}
