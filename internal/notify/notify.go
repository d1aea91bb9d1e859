// Package notify is the loss-tolerant wake channel between the front end and
// the workers. Writing a processing request and publishing the wake are not
// atomic, so workers must still poll the queues on a timer; the wake only
// shortens the latency of the common case. A lost notification is therefore
// harmless.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Kind names one wake channel.
type Kind string

const (
	// FlowProcessing wakes workers when flow processing requests are queued.
	FlowProcessing Kind = "flow_processing"
	// MessageHandlers wakes workers when well-known handler requests are queued.
	MessageHandlers Kind = "message_handlers"
)

// Notifier publishes and subscribes to wake signals.
type Notifier interface {
	// Notify signals that work of the given kind may be available.
	Notify(ctx context.Context, kind Kind)
	// Listen returns a coalescing wake channel and a stop function. Multiple
	// notifications between reads collapse into one wake.
	Listen(ctx context.Context, kind Kind) (<-chan struct{}, func())
}

// RedisNotifier distributes wakes across processes via Redis pub/sub.
type RedisNotifier struct {
	rdb    *redis.Client
	prefix string
	log    *logrus.Entry
}

// NewRedisNotifier connects and pings. The caller decides whether a
// connection failure means falling back to NewLocalNotifier.
func NewRedisNotifier(addr, password string, db int, log *logrus.Logger) (*RedisNotifier, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &RedisNotifier{
		rdb:    rdb,
		prefix: "fleet:wake:",
		log:    log.WithField("component", "notify"),
	}, nil
}

// Close shuts down the underlying redis client.
func (n *RedisNotifier) Close() error { return n.rdb.Close() }

func (n *RedisNotifier) channel(kind Kind) string { return n.prefix + string(kind) }

func (n *RedisNotifier) Notify(ctx context.Context, kind Kind) {
	if err := n.rdb.Publish(ctx, n.channel(kind), "1").Err(); err != nil {
		// Workers poll anyway; log and move on.
		n.log.WithError(err).WithField("kind", kind).Warn("wake publish failed")
	}
}

func (n *RedisNotifier) Listen(ctx context.Context, kind Kind) (<-chan struct{}, func()) {
	sub := n.rdb.Subscribe(ctx, n.channel(kind))
	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(wake)
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake, func() {
		close(done)
		sub.Close()
	}
}

// LocalNotifier is the in-process fallback for single-node deployments and
// tests.
type LocalNotifier struct {
	mu    sync.Mutex
	chans map[Kind][]chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{chans: make(map[Kind][]chan struct{})}
}

func (n *LocalNotifier) Notify(_ context.Context, kind Kind) {
	n.mu.Lock()
	subs := append([]chan struct{}(nil), n.chans[kind]...)
	n.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *LocalNotifier) Listen(_ context.Context, kind Kind) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.chans[kind] = append(n.chans[kind], ch)
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.chans[kind][:0]
		for _, s := range n.chans[kind] {
			if s != ch {
				subs = append(subs, s)
			}
		}
		n.chans[kind] = subs
	}
}
