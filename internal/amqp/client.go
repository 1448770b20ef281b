// Package amqp publishes fallback events to a topic exchange so that
// something outside this process can notice the client working offline.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"fintrack/internal/api"
	"fintrack/internal/log"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	publishTimeout = 5 * time.Second
	queueSize      = 64
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// channel is the subset of *amqp091.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// dialFunc opens a connection and a channel with the exchange declared.
type dialFunc func(url, exchange string) (channel, io.Closer, error)

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// Publisher sends FallbackEvents. Publishing happens on a background
// goroutine; NotifyFallback never blocks the data-access caller.
type Publisher struct {
	cfg    Config
	dial   dialFunc
	logger *log.Logger

	mu          sync.Mutex
	ch          channel
	conn        io.Closer
	dialAttempt int
	nextDial    time.Time

	state        int32
	failureCount int64
	lastFailure  time.Time

	queue     chan *FallbackEvent
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewPublisher dials the broker, declares a durable topic exchange and
// starts the publishing loop.
func NewPublisher(cfg Config, logger *log.Logger) (*Publisher, error) {
	p := newPublisher(cfg, dialBroker, logger)
	if err := p.connect(); err != nil {
		return nil, err
	}
	p.start()
	return p, nil
}

func (p *Publisher) start() {
	p.stopped = make(chan struct{})
	go p.run()
}

func newPublisher(cfg Config, dial dialFunc, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Discard()
	}
	return &Publisher{
		cfg:    cfg,
		dial:   dial,
		logger: logger.WithComponent(log.ComponentAMQP),
		queue:  make(chan *FallbackEvent, queueSize),
		done:   make(chan struct{}),
	}
}

func dialBroker(url, exchange string) (channel, io.Closer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial AMQP: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	return ch, conn, nil
}

func (p *Publisher) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked()
}

func (p *Publisher) connectLocked() error {
	ch, conn, err := p.dial(p.cfg.URL, p.cfg.Exchange)
	if err != nil {
		p.nextDial = time.Now().Add(exponentialBackoff(p.dialAttempt))
		p.dialAttempt++
		return err
	}
	p.ch, p.conn = ch, conn
	p.dialAttempt = 0
	p.logger.Info("Connected to AMQP broker", "exchange", p.cfg.Exchange, "routing_key", p.cfg.RoutingKey)
	return nil
}

// NotifyFallback implements api.FallbackNotifier. Events are dropped, with a
// warning, when the queue is full or the publisher is closed.
func (p *Publisher) NotifyFallback(ctx context.Context, f api.Fallback) {
	ev := NewFallbackEvent(f.Operation, f.TransactionID, f.Reason)
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- ev:
	default:
		p.logger.WarnContext(ctx, "Fallback event queue full, dropping event", log.FieldOperation, f.Operation)
	}
}

func (p *Publisher) run() {
	defer close(p.stopped)
	for {
		select {
		case ev := <-p.queue:
			p.publishLogged(ev)
		case <-p.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case ev := <-p.queue:
					p.publishLogged(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publishLogged(ev *FallbackEvent) {
	ctx := context.Background()
	if err := p.Publish(ctx, ev); err != nil {
		p.logger.WarnContext(ctx, "Failed to publish fallback event",
			log.FieldOperation, ev.Operation, log.FieldError, err)
	}
}

// Publish sends one event synchronously.
func (p *Publisher) Publish(ctx context.Context, ev *FallbackEvent) error {
	if p.isCircuitOpen() {
		return fmt.Errorf("publish fallback event: %w", ErrCircuitOpen)
	}
	body, err := ev.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		if time.Now().Before(p.nextDial) {
			return fmt.Errorf("publish fallback event: reconnect backoff until %s", p.nextDial.Format(time.RFC3339))
		}
		if err := p.connectLocked(); err != nil {
			p.recordFailure()
			return fmt.Errorf("reconnect: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx,
		p.cfg.Exchange,   // exchange
		p.cfg.RoutingKey, // routing key
		false,            // mandatory
		false,            // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    ev.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		p.recordFailure()
		if isConnectionError(err) {
			p.dropConnectionLocked()
		}
		return fmt.Errorf("publish message: %w", err)
	}
	p.recordSuccess()

	p.logger.DebugContext(ctx, "Published fallback event",
		log.FieldOperation, ev.Operation,
		log.FieldTransactionID, ev.TransactionID)
	return nil
}

func (p *Publisher) dropConnectionLocked() {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

// Close stops the loop after draining queued events and closes the connection.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	if p.stopped != nil {
		<-p.stopped
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropConnectionLocked()
	return nil
}

func (p *Publisher) isCircuitOpen() bool {
	if atomic.LoadInt32(&p.state) != StateOpen {
		return false
	}
	p.mu.Lock()
	last := p.lastFailure
	p.mu.Unlock()
	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&p.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

// recordFailure and recordSuccess are called with p.mu held.
func (p *Publisher) recordFailure() {
	p.lastFailure = time.Now()
	if atomic.AddInt64(&p.failureCount, 1) >= maxFailures || atomic.LoadInt32(&p.state) == StateHalfOpen {
		atomic.StoreInt32(&p.state, StateOpen)
	}
}

func (p *Publisher) recordSuccess() {
	atomic.StoreInt64(&p.failureCount, 0)
	atomic.StoreInt32(&p.state, StateClosed)
}

// exponentialBackoff returns 1s, 2s, 4s, ... capped at 30s.
func exponentialBackoff(attempt int) time.Duration {
	if attempt > 5 {
		return 30 * time.Second
	}
	d := time.Second << attempt
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "connection closed", "EOF", "broken pipe", "use of closed network connection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
