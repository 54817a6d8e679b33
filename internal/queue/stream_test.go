package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/oremus-labs/aip-weave/internal/billing"
)

func TestDecodeBillingMessage(t *testing.T) {
	data, err := json.Marshal(BillingMessage{ID: "m-1", Record: billing.Record{
		Kind:        billing.KindClick,
		SessionID:   "S1",
		ServeToken:  "tok",
		AmountCents: 250,
	}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	d := decode(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": string(data)}})
	if d.Err != nil {
		t.Fatalf("decode: %v", d.Err)
	}
	if d.StreamID != "1-0" || d.Message.Record.Kind != billing.KindClick || d.Message.Record.AmountCents != 250 {
		t.Fatalf("unexpected delivery: %+v", d)
	}
}

func TestDecodeRejectsMalformedEntries(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"missing": {},
		"type":    {"data": 42},
		"json":    {"data": "{"},
	}
	for name, values := range cases {
		d := decode(redis.XMessage{ID: "2-0", Values: values})
		if d.Err == nil || d.Message != nil {
			t.Fatalf("%s: expected decode error, got %+v", name, d)
		}
		if d.StreamID != "2-0" {
			t.Fatalf("%s: stream id lost", name)
		}
	}
}

func TestUnconfiguredQueue(t *testing.T) {
	ctx := context.Background()
	if err := NewProducer(nil, "").Record(ctx, billing.Record{}); err == nil {
		t.Fatalf("expected producer error")
	}
	c := NewConsumer(nil, "", "", "")
	if err := c.EnsureGroup(ctx); err == nil {
		t.Fatalf("expected consumer error")
	}
	if _, err := c.Next(ctx); err == nil {
		t.Fatalf("expected consumer error")
	}
	if err := c.Ack(ctx, "1-0"); err != nil {
		t.Fatalf("ack without client should be a no-op: %v", err)
	}
}
