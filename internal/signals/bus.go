// Package signals carries "streaming started/completed" notifications scoped by message id.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oremus-labs/aip-weave/internal/logutil"
)

// Kind names a streaming signal.
type Kind string

const (
	StreamingStarted   Kind = "aip:streaming-start"
	StreamingCompleted Kind = "aip:streaming-complete"
)

// Signal is emitted by the host around its own streaming pipeline.
type Signal struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	MessageID string    `json:"messageId"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin,omitempty"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(ctx context.Context, sig Signal) error
}

// Subscriber is the read side of the bus.
type Subscriber interface {
	Subscribe(ctx context.Context, messageID string) (<-chan Signal, func(), error)
}

// Options configure the bus.
type Options struct {
	Client  redis.UniversalClient
	Logger  *zap.Logger
	Channel string
	Buffer  int
}

// Bus delivers signals to local subscribers of a message id, optionally fanned
// out through Redis so several gateway replicas see the same stream.
type Bus struct {
	client redis.UniversalClient
	logger *zap.Logger
	ch     string
	origin string
	buffer int

	mu          sync.RWMutex
	subscribers map[string]map[chan Signal]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBus creates a new signal bus.
func NewBus(opts Options) *Bus {
	channel := opts.Channel
	if channel == "" {
		channel = "aip-weave-signals"
	}
	if opts.Logger == nil {
		opts.Logger = logutil.Logger()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 32
	}
	bus := &Bus{
		client:      opts.Client,
		logger:      opts.Logger,
		ch:          channel,
		origin:      uuid.NewString(),
		buffer:      opts.Buffer,
		subscribers: make(map[string]map[chan Signal]struct{}),
	}
	if bus.client != nil {
		ctx, cancel := context.WithCancel(context.Background())
		bus.cancel = cancel
		bus.done = make(chan struct{})
		go bus.observeRedis(ctx)
	}
	return bus
}

// Started publishes a streaming-start signal.
func (b *Bus) Started(ctx context.Context, messageID, sessionID string) error {
	return b.Publish(ctx, Signal{Kind: StreamingStarted, MessageID: messageID, SessionID: sessionID})
}

// Completed publishes a streaming-complete signal.
func (b *Bus) Completed(ctx context.Context, messageID, sessionID string) error {
	return b.Publish(ctx, Signal{Kind: StreamingCompleted, MessageID: messageID, SessionID: sessionID})
}

// Publish delivers sig to local subscribers of its message id and to Redis.
func (b *Bus) Publish(ctx context.Context, sig Signal) error {
	if sig.MessageID == "" {
		return fmt.Errorf("signal %s: message id required", sig.Kind)
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	sig.Origin = b.origin

	if b.client != nil {
		payload, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("marshal signal: %w", err)
		}
		if err := b.client.Publish(ctx, b.ch, payload).Err(); err != nil {
			return fmt.Errorf("redis publish: %w", err)
		}
	}

	b.broadcast(sig)
	return nil
}

// Subscribe registers for signals of messageID and returns a channel plus a
// cancel func. The subscription also ends when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, messageID string) (<-chan Signal, func(), error) {
	if messageID == "" {
		return nil, nil, fmt.Errorf("subscribe: message id required")
	}
	ch := make(chan Signal, b.buffer)
	b.mu.Lock()
	if b.subscribers[messageID] == nil {
		b.subscribers[messageID] = make(map[chan Signal]struct{})
	}
	b.subscribers[messageID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	stopped := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stopped)
			b.mu.Lock()
			if set, ok := b.subscribers[messageID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(b.subscribers, messageID)
				}
			}
			b.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stopped:
		}
	}()

	return ch, cancel, nil
}

// Close stops the Redis observer, if any.
func (b *Bus) Close() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

func (b *Bus) broadcast(sig Signal) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[sig.MessageID] {
		select {
		case ch <- sig:
		default:
			b.logger.Warn("signals: dropping signal (subscriber backlog)",
				zap.String("id", sig.ID), zap.String("messageId", sig.MessageID))
		}
	}
}

func (b *Bus) observeRedis(ctx context.Context) {
	defer close(b.done)
	pubsub := b.client.Subscribe(ctx, b.ch)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("signals: redis subscriber error", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		var sig Signal
		if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
			b.logger.Warn("signals: invalid payload", zap.Error(err))
			continue
		}
		if sig.Origin == b.origin {
			continue
		}
		b.broadcast(sig)
	}
}
