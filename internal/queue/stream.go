package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oremus-labs/aip-weave/internal/billing"
)

const (
	defaultStream = "aip-weave:billing"
	defaultGroup  = "billing-journal"
)

// BillingMessage wraps a billing record pushed through Redis.
type BillingMessage struct {
	ID     string         `json:"id"`
	Record billing.Record `json:"record"`
}

// Producer publishes billing records onto a Redis Stream. It satisfies
// billing.Recorder so a sequencer can journal asynchronously.
type Producer struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewProducer constructs a producer for the provided stream.
func NewProducer(client redis.UniversalClient, stream string) *Producer {
	if stream == "" {
		stream = defaultStream
	}
	return &Producer{client: client, stream: stream, maxLen: 100000}
}

// Record pushes rec to the stream.
func (p *Producer) Record(ctx context.Context, rec billing.Record) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("queue producer not configured")
	}
	data, err := json.Marshal(BillingMessage{ID: uuid.NewString(), Record: rec})
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"data": data,
		},
	}).Err()
}

// Consumer pulls billing records from a Redis Stream consumer group.
type Consumer struct {
	client   redis.UniversalClient
	stream   string
	group    string
	name     string
	blockDur time.Duration
	count    int64
	backlog  bool
}

// NewConsumer creates a consumer bound to a stream + group.
func NewConsumer(client redis.UniversalClient, stream, group, name string) *Consumer {
	if stream == "" {
		stream = defaultStream
	}
	if group == "" {
		group = defaultGroup
	}
	if name == "" {
		name = uuid.NewString()
	}
	return &Consumer{
		client:   client,
		stream:   stream,
		group:    group,
		name:     name,
		blockDur: 5 * time.Second,
		count:    16,
		backlog:  true,
	}
}

// WithBlock sets how long Next blocks waiting for messages.
func (c *Consumer) WithBlock(d time.Duration) *Consumer {
	if d > 0 {
		c.blockDur = d
	}
	return c
}

// WithBatch sets how many messages Next reads at once.
func (c *Consumer) WithBatch(n int) *Consumer {
	if n > 0 {
		c.count = int64(n)
	}
	return c
}

// EnsureGroup ensures the consumer group exists.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("queue consumer not configured")
	}
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Delivery is one message read from the stream. Err is set when the payload
// could not be decoded; such deliveries should still be acked.
type Delivery struct {
	StreamID string
	Message  *BillingMessage
	Err      error
}

// Next fetches the next batch of messages (blocking). Entries delivered to
// this consumer before a restart are re-read first.
func (c *Consumer) Next(ctx context.Context) ([]Delivery, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("queue consumer not configured")
	}
	start := ">"
	if c.backlog {
		start = "0"
	}
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, start},
		Count:    c.count,
		Block:    c.blockDur,
	}
	res, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var out []Delivery
	for _, stream := range res {
		for _, msg := range stream.Messages {
			out = append(out, decode(msg))
		}
	}
	if c.backlog && len(out) == 0 {
		c.backlog = false
	}
	return out, nil
}

// Ack confirms processing of a message.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if c == nil || c.client == nil || id == "" {
		return nil
	}
	return c.client.XAck(ctx, c.stream, c.group, id).Err()
}

func decode(msg redis.XMessage) Delivery {
	d := Delivery{StreamID: msg.ID}
	raw, ok := msg.Values["data"]
	if !ok {
		d.Err = fmt.Errorf("stream entry %s has no data field", msg.ID)
		return d
	}
	text, ok := raw.(string)
	if !ok {
		d.Err = fmt.Errorf("stream entry %s data is %T", msg.ID, raw)
		return d
	}
	var payload BillingMessage
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		d.Err = fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
		return d
	}
	d.Message = &payload
	return d
}
