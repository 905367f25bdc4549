package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/airwave/internal/config"
	"github.com/friendsincode/airwave/internal/events"
)

func TestMessageRoundTripKeepsOrigin(t *testing.T) {
	payload := events.Notification(events.EventBroadcastFailed, "b1", "u1", map[string]any{"reason": "missed"})
	data, err := marshalMessage(events.EventBroadcastFailed, payload, "node-a")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := unmarshalMessage(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.NodeID != "node-a" || msg.EventType != events.EventBroadcastFailed {
		t.Fatalf("message = %+v", msg)
	}
	if msg.Payload.String(events.KeyEntityID) != "b1" {
		t.Fatalf("payload = %v", msg.Payload)
	}
	if _, err := unmarshalMessage([]byte("{")); err == nil {
		t.Fatal("expected error for truncated message")
	}
}

func TestRedisBusFallsBackToLocalDelivery(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 100 * time.Millisecond
	rb := NewRedisBus(cfg, "node-a", zerolog.Nop())
	defer rb.Close()

	sub := rb.Subscribe(events.EventChannelStarted)
	rb.Publish(events.EventChannelStarted, events.Notification(events.EventChannelStarted, "c1", "u1", nil))

	select {
	case p := <-sub:
		if p.String(events.KeyEntityID) != "c1" {
			t.Fatalf("payload = %v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("local subscriber did not receive event")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	broker := New(&config.Config{EventBus: config.EventBusMemory}, zerolog.Nop())
	if _, ok := broker.(*events.Bus); !ok {
		t.Fatalf("memory backend = %T", broker)
	}

	broker = New(&config.Config{EventBus: config.EventBusNATS, NATSURL: "nats://127.0.0.1:1"}, zerolog.Nop())
	if _, ok := broker.(*events.Bus); !ok {
		t.Fatalf("unreachable nats backend = %T, want in-memory fallback", broker)
	}
}

func TestRedisPublishDoesNotWaitOnRedis(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No forwarder runs, so the outbox fills after one message and the rest must be dropped.
	rb := &RedisBus{
		client: redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 5 * time.Second}),
		local:  events.NewBus(),
		logger: zerolog.Nop(),
		nodeID: "node-a",
		outbox: make(chan outbound, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	defer rb.client.Close()

	sub := rb.Subscribe(events.EventBroadcastStarted)
	start := time.Now()
	for i := 0; i < 20; i++ {
		rb.Publish(events.EventBroadcastStarted, events.Notification(events.EventBroadcastStarted, "b1", "u1", nil))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("publishing took %v", elapsed)
	}
	if len(rb.outbox) != 1 {
		t.Fatalf("outbox holds %d messages, want 1", len(rb.outbox))
	}
	select {
	case <-sub:
	default:
		t.Fatal("local subscriber did not receive event")
	}
}
