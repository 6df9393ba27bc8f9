package notifier

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/athena/checkout/internal/client"
	"github.com/athena/checkout/internal/metrics"
	"github.com/athena/checkout/pkg/logger"
	redispkg "github.com/athena/checkout/pkg/redis"
)

type fakeDirectory struct {
	requests []*client.AnnotateRequest
	err      error
}

func (f *fakeDirectory) AnnotateDevice(_ context.Context, req *client.AnnotateRequest) error {
	f.requests = append(f.requests, req)
	return f.err
}

func newTestNotifier(dir *fakeDirectory) *Notifier {
	log := logger.New("test", io.Discard)
	return New(nil, dir, log, metrics.New(), "checkout:notify", "directory-group", "consumer-1", nil)
}

func TestConsumerOptionsAttachMetricHooks(t *testing.T) {
	m := metrics.New()

	co := consumerOptions(m, nil)
	if co.OnDLQ == nil || co.OnPending == nil {
		t.Fatalf("metric hooks must be attached to default options")
	}
	co.OnDLQ("checkout:notify", "directory-group")
	co.OnPending("checkout:notify", "directory-group", 3)

	custom := &redispkg.ConsumerOptions{BatchSize: 7}
	co = consumerOptions(m, custom)
	if co.BatchSize != 7 {
		t.Fatalf("BatchSize = %d, want caller value preserved", co.BatchSize)
	}
	if co.OnDLQ == nil || co.OnPending == nil {
		t.Fatalf("metric hooks must be attached to caller options")
	}
	if custom.OnDLQ != nil {
		t.Fatalf("caller options must not be mutated")
	}
}

func TestHandleDeliversAnnotation(t *testing.T) {
	dir := &fakeDirectory{}
	n := newTestNotifier(dir)

	msg := &redispkg.Message{
		ID:     "0-1",
		Stream: "checkout:notify",
		Data:   []byte(`{"sessionId":"sess-1","assetTag":"CB-1001","serialNumber":"5CD9130XYZ","annotatedUser":"S-42","notes":"fall checkout"}`),
	}
	if err := n.handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(dir.requests) != 1 {
		t.Fatalf("requests = %d", len(dir.requests))
	}
	req := dir.requests[0]
	if req.AssetTag != "CB-1001" || req.SerialNumber != "5CD9130XYZ" || req.AnnotatedUser != "S-42" {
		t.Fatalf("request = %+v", req)
	}
}

func TestHandleDropsMalformedMessage(t *testing.T) {
	dir := &fakeDirectory{}
	n := newTestNotifier(dir)

	msg := &redispkg.Message{ID: "0-1", Data: []byte(`{not json`)}
	// 损坏消息返回 nil 让消费者 ACK，避免无限重投
	if err := n.handle(context.Background(), msg); err != nil {
		t.Fatalf("handle must drop malformed message, got %v", err)
	}
	if len(dir.requests) != 0 {
		t.Fatalf("directory must not be called for malformed message")
	}
}

func TestHandleReturnsErrorForConsumerRetry(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("directory 503")}
	n := newTestNotifier(dir)

	msg := &redispkg.Message{
		ID:   "0-1",
		Data: []byte(`{"assetTag":"CB-1001","annotatedUser":"S-42"}`),
	}
	if err := n.handle(context.Background(), msg); err == nil {
		t.Fatalf("delivery failure must propagate for retry")
	}
}
