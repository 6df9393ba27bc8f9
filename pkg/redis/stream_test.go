package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestNewConsumerDefaultsPendingInterval(t *testing.T) {
	client := NewStreamClient(goredis.NewClient(&goredis.Options{Addr: "localhost:6379"}))
	opts := &ConsumerOptions{BatchSize: 5}

	consumer := NewConsumer(client, "group", "consumer", []string{"stream"}, func(ctx context.Context, msg *Message) error {
		return nil
	}, opts)

	if consumer.opts.PendingCheckInterval != DefaultConsumerOptions.PendingCheckInterval {
		t.Fatalf("PendingCheckInterval = %v, want %v", consumer.opts.PendingCheckInterval, DefaultConsumerOptions.PendingCheckInterval)
	}
	if consumer.opts.BatchSize != 5 {
		t.Fatalf("BatchSize = %d, want 5", consumer.opts.BatchSize)
	}
}

func TestSendToDLQCopiesMessageAndFiresHook(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer raw.Close()
	client := NewStreamClient(raw)

	var hookStream, hookGroup string
	opts := DefaultConsumerOptions
	opts.OnDLQ = func(stream, group string) {
		hookStream, hookGroup = stream, group
	}
	c := NewConsumer(client, "directory-group", "consumer-1", []string{"checkout:notify"}, nil, &opts)

	msg := goredis.XMessage{
		ID:     "1-1",
		Values: map[string]interface{}{"data": `{"assetTag":"CB-1"}`},
	}
	if err := c.sendToDLQ(context.Background(), "checkout:notify", &msg, "max retries exceeded: 4"); err != nil {
		t.Fatalf("send to dlq: %v", err)
	}

	if hookStream != "checkout:notify" || hookGroup != "directory-group" {
		t.Fatalf("dlq hook = (%q, %q)", hookStream, hookGroup)
	}

	entries, err := raw.XRange(context.Background(), "checkout:notify:dlq", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d", len(entries))
	}
	if entries[0].Values["data"] != `{"assetTag":"CB-1"}` {
		t.Fatalf("dlq data = %v", entries[0].Values["data"])
	}
	if entries[0].Values["reason"] != "max retries exceeded: 4" {
		t.Fatalf("dlq reason = %v", entries[0].Values["reason"])
	}
}

func TestPublishWrapsPayloadInDataField(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer raw.Close()
	client := NewStreamClient(raw)

	id, err := client.Publish(context.Background(), "checkout:notify", map[string]string{"assetTag": "CB-1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatalf("empty message id")
	}

	entries, err := raw.XRange(context.Background(), "checkout:notify", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	data, ok := entries[0].Values["data"].(string)
	if !ok || data != `{"assetTag":"CB-1"}` {
		t.Fatalf("data = %v", entries[0].Values["data"])
	}
}
