// Package bus is the event fabric between pipeline stages. The logical
// scan.events exchange is realized as one Redis sorted set per stage
// queue: members are envelope JSON, scores interleave priority and a
// sequence counter so consumers pop priority-first, FIFO within a
// priority. Claimed members park in a companion sorted set scored by
// their redelivery deadline; a reaper returns expired claims to the
// pending set, giving at-least-once delivery.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reconduit/internal/metrics"
)

const exchange = "scan.events"

// seqBits is the width of the FIFO counter in the low bits of a score.
// The priority band occupies the bits above it.
const seqBits = 40

// Defaults for the delivery machinery.
const (
	DefaultVisibility   = 15 * time.Minute
	DefaultReapInterval = 30 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// Handler consumes one event. A nil return acknowledges the event; an
// error or panic sends it back for redelivery.
type Handler func(ctx context.Context, ev Event) error

// Bus publishes and consumes scan events over Redis.
type Bus struct {
	rdb        *redis.Client
	log        *zap.Logger
	metrics    *metrics.Metrics
	visibility time.Duration
	reapEvery  time.Duration
	poll       time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	declared map[string]bool
	closed   bool
}

// Config assembles a Bus. Redis is required and remains owned by the
// caller; Close does not close it.
type Config struct {
	Redis   *redis.Client
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Visibility is how long a claim may stay unacknowledged before the
	// reaper returns it to the queue. It must outlast the slowest
	// handler, tool timeout included.
	Visibility time.Duration

	// ReapInterval is the period between reaper sweeps.
	ReapInterval time.Duration

	// PollInterval is the consumer sleep when its queue is empty.
	PollInterval time.Duration
}

// New builds a Bus and starts its reaper.
func New(cfg Config) (*Bus, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("bus: redis client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibility
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		rdb:        cfg.Redis,
		log:        cfg.Logger.Named("bus"),
		metrics:    cfg.Metrics,
		visibility: cfg.Visibility,
		reapEvery:  cfg.ReapInterval,
		poll:       cfg.PollInterval,
		ctx:        ctx,
		cancel:     cancel,
		declared:   map[string]bool{},
	}

	b.wg.Add(1)
	go b.reapLoop()
	return b, nil
}

// Close stops the reaper and all consumers and waits for them. Events
// claimed but not yet acknowledged at shutdown redeliver once their
// visibility deadline passes.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

func pendingKey(queue string) string { return exchange + ":q:" + queue }
func unackedKey(queue string) string { return pendingKey(queue) + ":unacked" }
func seqKey(queue string) string     { return pendingKey(queue) + ":seq" }

// scoreFor interleaves priority and sequence: higher priority means a
// lower band, and within a band the sequence keeps FIFO order.
func scoreFor(priority int, seq int64) float64 {
	return float64(int64(MaxPriority-priority)<<seqBits | seq)
}

// declare makes a queue's keys usable. It is idempotent and guarded by
// a local set so each queue pays the round-trip once per process.
func (b *Bus) declare(ctx context.Context, queue string) error {
	b.mu.Lock()
	done := b.declared[queue]
	b.mu.Unlock()
	if done {
		return nil
	}
	if err := b.rdb.SetNX(ctx, seqKey(queue), 0, 0).Err(); err != nil {
		return fmt.Errorf("bus: declare %s: %w", queue, err)
	}
	b.mu.Lock()
	b.declared[queue] = true
	b.mu.Unlock()
	return nil
}

// Publish routes the event to its queue. The envelope gets an ID when
// it has none; the routing table decides the queue, the confidence
// decides the priority.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Name == "" {
		return ErrInvalidEvent
	}
	queue, ok := QueueFor(ev.Name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnroutable, ev.Name)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event %s: %w", ev.Name, err)
	}
	if err := b.declare(ctx, queue); err != nil {
		return err
	}

	seq, err := b.rdb.Incr(ctx, seqKey(queue)).Result()
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", ev.Name, err)
	}
	score := scoreFor(ev.Priority(), seq)
	if err := b.rdb.ZAdd(ctx, pendingKey(queue), redis.Z{Score: score, Member: string(body)}).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", ev.Name, err)
	}

	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(queue, ev.Name).Inc()
	}
	b.log.Debug("event published",
		zap.String("queue", queue),
		zap.String("event", ev.Name),
		zap.Int("priority", ev.Priority()))
	return nil
}

// claimScript pops the best pending member and parks it under the given
// deadline in one atomic step.
var claimScript = redis.NewScript(`
local v = redis.call('ZRANGE', KEYS[1], 0, 0)
if #v == 0 then
  return false
end
redis.call('ZREM', KEYS[1], v[1])
redis.call('ZADD', KEYS[2], ARGV[1], v[1])
return v[1]`)

// moveScript returns a parked member to the pending set, but only if it
// is still parked. Acked and already-requeued members move zero times.
var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
  return 1
end
return 0`)

// Delivery is one claimed event awaiting Ack or Nack.
type Delivery struct {
	Event Event

	bus   *Bus
	queue string
	body  string
}

// Ack removes the claim; the event is done.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.bus.rdb.ZRem(ctx, unackedKey(d.queue), d.body).Err()
}

// Nack returns the event to its queue at the back of its priority band.
func (d *Delivery) Nack(ctx context.Context) error {
	return d.bus.requeue(ctx, d.queue, d.body, d.Event.Priority())
}

func (b *Bus) requeue(ctx context.Context, queue, body string, priority int) error {
	seq, err := b.rdb.Incr(ctx, seqKey(queue)).Result()
	if err != nil {
		return fmt.Errorf("bus: requeue: %w", err)
	}
	score := scoreFor(priority, seq)
	if err := moveScript.Run(ctx, b.rdb,
		[]string{unackedKey(queue), pendingKey(queue)}, body, score).Err(); err != nil {
		return fmt.Errorf("bus: requeue: %w", err)
	}
	return nil
}

// Claim pops the highest-priority pending event from a queue, parking
// it until Ack, Nack or the visibility deadline. A nil Delivery with a
// nil error means the queue is empty.
func (b *Bus) Claim(ctx context.Context, queue string) (*Delivery, error) {
	if !validQueue(queue) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	deadline := float64(time.Now().Add(b.visibility).UnixMilli())
	res, err := claimScript.Run(ctx, b.rdb,
		[]string{pendingKey(queue), unackedKey(queue)}, deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bus: claim %s: %w", queue, err)
	}
	body, _ := res.(string)

	var ev Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		// An unparseable member can never be handled; drop the claim
		// instead of letting the reaper cycle it forever.
		b.rdb.ZRem(ctx, unackedKey(queue), body)
		if b.metrics != nil {
			b.metrics.EventsConsumed.WithLabelValues(queue, "poison").Inc()
		}
		b.log.Error("dropped unparseable event", zap.String("queue", queue), zap.Error(err))
		return nil, nil
	}
	return &Delivery{Event: ev, bus: b, queue: queue, body: body}, nil
}

// Subscribe attaches prefetch concurrent workers to a queue. Each
// worker claims, runs the handler, and acknowledges on success; handler
// errors and panics send the event back for redelivery. Workers stop
// when the bus closes.
func (b *Bus) Subscribe(queue string, handler Handler, prefetch int) error {
	if !validQueue(queue) {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	if handler == nil {
		return ErrNilHandler
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := b.declare(b.ctx, queue); err != nil {
		return err
	}

	for i := 0; i < prefetch; i++ {
		b.wg.Add(1)
		go b.consume(queue, handler)
	}
	b.log.Info("subscribed", zap.String("queue", queue), zap.Int("prefetch", prefetch))
	return nil
}

func (b *Bus) consume(queue string, handler Handler) {
	defer b.wg.Done()
	for {
		if b.ctx.Err() != nil {
			return
		}
		d, err := b.Claim(b.ctx, queue)
		switch {
		case b.ctx.Err() != nil:
			return
		case err != nil:
			b.log.Warn("claim failed", zap.String("queue", queue), zap.Error(err))
			b.sleep()
		case d == nil:
			b.sleep()
		default:
			b.dispatch(queue, d, handler)
		}
	}
}

func (b *Bus) sleep() {
	select {
	case <-b.ctx.Done():
	case <-time.After(b.poll):
	}
}

func (b *Bus) dispatch(queue string, d *Delivery, handler Handler) {
	err := runHandler(b.ctx, handler, d.Event)
	if err != nil {
		b.log.Warn("handler failed, event redelivers",
			zap.String("queue", queue),
			zap.String("event", d.Event.Name),
			zap.Error(err))
		if nackErr := d.Nack(b.ctx); nackErr != nil {
			// The claim stays parked; the reaper requeues it at the
			// visibility deadline.
			b.log.Warn("nack failed", zap.String("queue", queue), zap.Error(nackErr))
		}
		if b.metrics != nil {
			b.metrics.EventsConsumed.WithLabelValues(queue, "redeliver").Inc()
		}
		return
	}
	if ackErr := d.Ack(b.ctx); ackErr != nil {
		b.log.Warn("ack failed, event may redeliver", zap.String("queue", queue), zap.Error(ackErr))
	}
	if b.metrics != nil {
		b.metrics.EventsConsumed.WithLabelValues(queue, "ack").Inc()
	}
}

func runHandler(ctx context.Context, handler Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bus: handler panic: %v", r)
		}
	}()
	return handler(ctx, ev)
}

func (b *Bus) reapLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			for _, queue := range Queues() {
				b.reapQueue(queue)
			}
		}
	}
}

// reapQueue returns expired claims to the pending set at the back of
// their priority band.
func (b *Bus) reapQueue(queue string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	expired, err := b.rdb.ZRangeByScore(b.ctx, unackedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil || len(expired) == 0 {
		if err != nil && b.ctx.Err() == nil {
			b.log.Warn("reap scan failed", zap.String("queue", queue), zap.Error(err))
		}
		return
	}

	requeued := 0
	for _, body := range expired {
		// A body that fails to parse keeps the zero envelope's default
		// priority; the poison check at claim time disposes of it.
		var ev Event
		_ = json.Unmarshal([]byte(body), &ev)
		seq, err := b.rdb.Incr(b.ctx, seqKey(queue)).Result()
		if err != nil {
			continue
		}
		moved, err := moveScript.Run(b.ctx, b.rdb,
			[]string{unackedKey(queue), pendingKey(queue)},
			body, scoreFor(ev.Priority(), seq)).Int()
		if err == nil && moved == 1 {
			requeued++
			if b.metrics != nil {
				b.metrics.EventsRequeued.WithLabelValues(queue).Inc()
			}
		}
	}
	if requeued > 0 {
		b.log.Info("requeued expired claims",
			zap.String("queue", queue), zap.Int("count", requeued))
	}
}

// Depth reports the pending and claimed sizes of a queue.
func (b *Bus) Depth(ctx context.Context, queue string) (pending, unacked int64, err error) {
	if !validQueue(queue) {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	pending, err = b.rdb.ZCard(ctx, pendingKey(queue)).Result()
	if err != nil {
		return 0, 0, err
	}
	unacked, err = b.rdb.ZCard(ctx, unackedKey(queue)).Result()
	if err != nil {
		return 0, 0, err
	}
	return pending, unacked, nil
}
