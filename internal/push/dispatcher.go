// Package push delivers push notifications to mobile devices through the
// Expo push gateway: token filtering, chunking, retry with backoff, an audit
// record per dispatch and delayed receipt reconciliation.
package push

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/PaulBabatuyi/carhub-realtime/internal/data"
	"github.com/PaulBabatuyi/carhub-realtime/internal/metrics"
	"github.com/PaulBabatuyi/carhub-realtime/internal/normalize"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Notification types.
const (
	TypeMessage = "message"
	TypeTest    = "test"
)

// Notification is one push addressed to a user.
type Notification struct {
	RecipientID string
	SenderID    string
	Title       string
	Body        string
	Type        string
	Data        map[string]any
}

// TokenStore is the push token part of the persistence service.
type TokenStore interface {
	FindActivePushTokens(ctx context.Context, userID string) ([]*data.PushToken, error)
	TokenDeactivator
}

// RecordStore writes the notification audit trail.
type RecordStore interface {
	CreateNotificationRecord(ctx context.Context, rec *data.NotificationRecord) error
}

// Config tunes the dispatcher.
type Config struct {
	MaxRetries   int           // retries per chunk after the first attempt
	BaseDelay    time.Duration // first backoff delay, doubled per attempt
	MaxDelay     time.Duration
	ReceiptDelay time.Duration
	SendRate     int // messages per second towards the gateway
	Workers      int
	QueueSize    int
	JobTimeout   time.Duration
}

func (c *Config) normalize() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.ReceiptDelay <= 0 {
		c.ReceiptDelay = 15 * time.Minute
	}
	if c.SendRate <= 0 {
		c.SendRate = 600
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
}

// Dispatcher sends notifications. Send is synchronous; Enqueue hands the
// work to a bounded pool of workers and never blocks.
type Dispatcher struct {
	gateway  Gateway
	tokens   TokenStore
	records  RecordStore
	receipts *ReceiptScheduler
	cfg      Config
	limiter  *rate.Limiter
	logger   zerolog.Logger

	// overridable in tests
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(ceil time.Duration) time.Duration

	mu      sync.RWMutex
	closed  bool
	started bool
	queue   chan Notification
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewDispatcher wires a dispatcher and its receipt scheduler.
func NewDispatcher(gw Gateway, tokens TokenStore, records RecordStore, cfg Config, logger zerolog.Logger) *Dispatcher {
	cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With().Str("component", "push").Logger()
	return &Dispatcher{
		gateway:  gw,
		tokens:   tokens,
		records:  records,
		receipts: NewReceiptScheduler(gw, tokens, cfg.ReceiptDelay, cfg.Workers, logger),
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SendRate), max(cfg.SendRate, ChunkSize)),
		logger:   logger,
		sleep:    sleepCtx,
		jitter:   randomJitter,
		queue:    make(chan Notification, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers and the receipt scheduler.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	d.receipts.Start()
	d.wg.Add(d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		go d.worker()
	}
}

// Stop refuses new jobs, lets the workers drain the queue and stops the
// receipt scheduler. When ctx expires first, in-flight dispatches are
// cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		d.cancel()
		<-done
	}
	d.cancel()
	d.receipts.Stop()
	return err
}

// Enqueue queues n for asynchronous dispatch. It returns false when the queue
// is full or the dispatcher is stopping; the notification is then dropped.
func (d *Dispatcher) Enqueue(n Notification) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- n:
		return true
	default:
		metrics.PushJobsDropped.Inc()
		d.logger.Warn().Str("recipient_id", n.RecipientID).Str("type", n.Type).Msg("push queue full, dropping notification")
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.JobTimeout)
		d.Send(ctx, n)
		cancel()
	}
}

// Send dispatches n to every active, well-formed device token of the
// recipient. It reports whether at least one message was accepted by the
// gateway. Failures are logged and never returned.
func (d *Dispatcher) Send(ctx context.Context, n Notification) bool {
	log := d.logger.With().Str("recipient_id", n.RecipientID).Str("type", n.Type).Logger()

	tokens, err := d.tokens.FindActivePushTokens(ctx, n.RecipientID)
	if err != nil {
		metrics.PushDispatch.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("load push tokens failed")
		return false
	}
	if len(tokens) == 0 {
		metrics.PushDispatch.WithLabelValues("not_sent").Inc()
		log.Debug().Msg("no active push tokens")
		return false
	}

	title := normalize.Truncate(n.Title, MaxTitleRunes)
	body := normalize.Truncate(n.Body, MaxBodyRunes)
	payload := make(map[string]any, len(n.Data)+1)
	for k, v := range n.Data {
		payload[k] = v
	}
	payload["type"] = n.Type

	var msgs []Message
	for _, t := range tokens {
		if !IsValidToken(t.Token) {
			log.Debug().Str("token", t.Token).Msg("skipping malformed push token")
			continue
		}
		msgs = append(msgs, Message{
			To:    t.Token,
			Title: title,
			Body:  body,
			Data:  payload,
			Sound: "default",
			Badge: 1,
		})
	}
	if len(msgs) == 0 {
		metrics.PushDispatch.WithLabelValues("not_sent").Inc()
		log.Debug().Msg("no valid push tokens")
		return false
	}

	accepted := 0
	pending := map[string]string{} // ticket id -> token
	for i, c := range chunk(msgs, ChunkSize) {
		tickets, err := d.submit(ctx, c)
		if err != nil {
			log.Warn().Err(err).Int("chunk", i).Int("size", len(c)).Msg("push chunk failed")
			continue
		}
		for j, t := range tickets {
			token := c[j].To
			if t.Status == statusOK {
				accepted++
				if t.ID != "" {
					pending[t.ID] = token
				}
				continue
			}
			if detailError(t.Details) == DeviceNotRegistered {
				if err := d.tokens.DeactivatePushToken(ctx, token); err != nil {
					log.Warn().Err(err).Msg("deactivate token failed")
				} else {
					metrics.PushTokensDeactivated.WithLabelValues("ticket").Inc()
				}
				continue
			}
			log.Warn().Str("error", detailError(t.Details)).Str("message", t.Message).Msg("push ticket rejected")
		}
	}

	rec := &data.NotificationRecord{
		RecipientID: n.RecipientID,
		SenderID:    n.SenderID,
		Title:       title,
		Body:        body,
		Type:        n.Type,
		Data:        n.Data,
		Delivered:   accepted > 0,
		TicketCount: accepted,
		SentAt:      time.Now().UTC(),
	}
	if err := d.records.CreateNotificationRecord(ctx, rec); err != nil {
		log.Error().Err(err).Msg("write notification record failed")
	}

	d.receipts.Schedule(pending)

	if accepted == 0 {
		metrics.PushDispatch.WithLabelValues("failed").Inc()
		return false
	}
	metrics.PushDispatch.WithLabelValues("sent").Inc()
	log.Info().Int("accepted", accepted).Int("messages", len(msgs)).Msg("push notification sent")
	return true
}

// submit sends one chunk, retrying retryable failures with exponential
// backoff and jitter.
func (d *Dispatcher) submit(ctx context.Context, msgs []Message) ([]Ticket, error) {
	if err := d.limiter.WaitN(ctx, len(msgs)); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		tickets, err := d.gateway.Send(ctx, msgs)
		if err == nil {
			return tickets, nil
		}
		if !Retryable(err) || attempt > d.cfg.MaxRetries {
			return nil, err
		}

		delay := d.backoff(attempt)
		metrics.PushRetries.Inc()
		d.logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying push chunk")
		if err := d.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// backoff is BaseDelay*2^(attempt-1) plus jitter in [0, BaseDelay), capped at MaxDelay.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BaseDelay << (attempt - 1)
	if delay <= 0 || delay > d.cfg.MaxDelay {
		delay = d.cfg.MaxDelay
	}
	return delay + d.jitter(d.cfg.BaseDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func randomJitter(ceil time.Duration) time.Duration {
	if ceil <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceil)))
}
