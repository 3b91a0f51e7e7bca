package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkhmik004/trustwork/integrations/eventlog"
)

const (
	HeaderEvent     = "X-Trustwork-Event"
	HeaderDelivery  = "X-Trustwork-Delivery"
	HeaderSignature = "X-Trustwork-Signature"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultQueueSize   = 256
	defaultTimeout     = 15 * time.Second
)

var (
	ErrQueueFull = errors.New("webhook: queue full")
	ErrClosed    = errors.New("webhook: dispatcher closed")
)

// Payload is the JSON body posted for every journaled escrow event.
type Payload struct {
	DeliveryID string            `json:"deliveryId"`
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
	Hash       string            `json:"hash"`
}

// Dispatcher orchestrates webhook deliveries with retry and exponential backoff.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	queueSize   int
	newID       func() string

	ctx       context.Context
	cancel    context.CancelFunc
	queue     chan delivery
	stop      chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

type delivery struct {
	id        string
	eventType string
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithTimeout bounds a single delivery attempt.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.client.Timeout = timeout
		}
	}
}

// WithQueueSize sets the number of deliveries buffered before Deliver starts
// dropping.
func WithQueueSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queueSize = size
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: defaultTimeout},
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		queueSize:   defaultQueueSize,
		newID:       func() string { return uuid.NewString() },
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.logger = dispatcher.logger.With("component", "webhooks")
	dispatcher.queue = make(chan delivery, dispatcher.queueSize)
	dispatcher.stop = make(chan struct{})
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close stops accepting deliveries and waits for the worker to finish. The
// delivery in flight completes, every queued delivery gets one final attempt,
// and pending retries are abandoned.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.stop)
		d.wg.Wait()
		d.cancel()
	})
}

// Deliver queues rec for delivery without blocking. It returns ErrQueueFull
// when the buffer is exhausted; the event stays in the journal either way.
func (d *Dispatcher) Deliver(rec eventlog.Record) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	payload := Payload{
		DeliveryID: d.newID(),
		Sequence:   rec.Sequence,
		Type:       rec.Type,
		Attributes: rec.Attributes,
		RecordedAt: rec.RecordedAt,
		Hash:       rec.Hash,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- delivery{id: payload.DeliveryID, eventType: rec.Type, body: data}:
		return nil
	default:
		d.logger.Warn("webhook queue full, dropping delivery", "sequence", rec.Sequence, "type", rec.Type)
		return ErrQueueFull
	}
}

// Subscriber adapts the dispatcher to eventlog.Journal.Subscribe.
func (d *Dispatcher) Subscriber() func(eventlog.Record) {
	return func(rec eventlog.Record) {
		_ = d.Deliver(rec)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.stop:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case job := <-d.queue:
			if err := d.attempt(job); err != nil {
				d.logger.Error("webhook delivery abandoned on shutdown", "delivery", job.id, "type", job.eventType, "error", err)
			}
		default:
			return
		}
	}
}

func (d *Dispatcher) attempt(job delivery) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
	defer cancel()
	return d.send(ctx, job)
}

func (d *Dispatcher) process(job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		err := d.attempt(job)
		if err == nil {
			return
		}
		if attempt >= d.maxAttempts {
			d.logger.Error("webhook delivery abandoned", "delivery", job.id, "type", job.eventType, "attempts", attempt, "error", err)
			return
		}
		d.logger.Warn("webhook delivery failed", "delivery", job.id, "attempt", attempt, "error", err)
		select {
		case <-time.After(backoff):
		case <-d.stop:
			d.logger.Warn("webhook retries abandoned on shutdown", "delivery", job.id, "attempts", attempt)
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, job.eventType)
	req.Header.Set(HeaderDelivery, job.id)
	req.Header.Set(HeaderSignature, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign in constant time.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.TrimSpace(signature)))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
