/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/airwave/internal/events"
	"github.com/friendsincode/airwave/internal/logging"
	"github.com/friendsincode/airwave/internal/telemetry"
)

const (
	redisChannelPrefix = "airwave:events:"
	defaultOutboxSize  = 1024
)

// RedisBus mirrors the in-process bus across replicas through Redis pub/sub.
// Local subscribers always receive local publishes; remote publishes are replayed locally.
type RedisBus struct {
	client *redis.Client
	pubsub *redis.PubSub
	local  *events.Bus
	logger zerolog.Logger
	nodeID string

	// outbox feeds the forwarder; Publish never waits on Redis.
	outbox chan outbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Circuit breaker state
	mu          sync.Mutex
	useFallback bool
	failCount   int
	maxFails    int
	lastCheck   time.Time
	retryAfter  time.Duration
}

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Connection pooling
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Circuit breaker
	MaxFailures   int
	CheckInterval time.Duration

	// OutboxSize bounds messages waiting to be forwarded; overflow is dropped.
	OutboxSize int
}

type outbound struct {
	channel string
	data    []byte
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		PoolSize:      10,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		MaxFailures:   5,
		CheckInterval: 30 * time.Second,
		OutboxSize:    defaultOutboxSize,
	}
}

// NewRedisBus creates a Redis-backed event bus.
// Falls back to in-memory delivery if Redis is unavailable.
func NewRedisBus(cfg RedisConfig, nodeID string, logger zerolog.Logger) *RedisBus {
	logger = logging.Component(logger, "eventbus").With().Str("backend", "redis").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	rb := &RedisBus{
		client:     client,
		local:      events.NewBus(),
		logger:     logger,
		nodeID:     nodeID,
		ctx:        ctx,
		cancel:     cancel,
		maxFails:   cfg.MaxFailures,
		retryAfter: cfg.CheckInterval,
	}
	if rb.maxFails <= 0 {
		rb.maxFails = 5
	}
	if rb.retryAfter <= 0 {
		rb.retryAfter = 30 * time.Second
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	rb.outbox = make(chan outbound, cfg.OutboxSize)
	rb.wg.Add(1)
	go rb.forward()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis connection failed, using in-memory fallback")
		rb.useFallback = true
		rb.lastCheck = time.Now()
		return rb
	}

	rb.pubsub = client.PSubscribe(ctx, redisChannelPrefix+"*")
	rb.wg.Add(1)
	go rb.receive()

	logger.Info().Str("addr", cfg.Addr).Msg("Redis event bus initialized")
	return rb
}

// Subscribe registers a local subscriber.
func (rb *RedisBus) Subscribe(eventType events.EventType) events.Subscriber {
	return rb.local.Subscribe(eventType)
}

// Unsubscribe removes a local subscriber.
func (rb *RedisBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	rb.local.Unsubscribe(eventType, sub)
}

// Publish delivers locally, then queues the message for other replicas. It never blocks:
// when the outbox is full the remote copy is dropped.
func (rb *RedisBus) Publish(eventType events.EventType, payload events.Payload) {
	rb.local.Publish(eventType, payload)

	data, err := marshalMessage(eventType, payload, rb.nodeID)
	if err != nil {
		rb.logger.Error().Err(err).Msg("failed to marshal Redis message")
		return
	}

	select {
	case rb.outbox <- outbound{channel: redisChannelPrefix + string(eventType), data: data}:
	default:
		telemetry.EventBusDroppedTotal.WithLabelValues("redis").Inc()
		rb.logger.Warn().Str("event_type", string(eventType)).Msg("Redis outbox full, dropping remote copy")
	}
}

// forward drains the outbox. Redis latency and outages are absorbed here.
func (rb *RedisBus) forward() {
	defer rb.wg.Done()

	for {
		select {
		case <-rb.ctx.Done():
			return
		case msg := <-rb.outbox:
			if rb.fallbackActive() {
				continue
			}
			ctx, cancel := context.WithTimeout(rb.ctx, 2*time.Second)
			err := rb.client.Publish(ctx, msg.channel, msg.data).Err()
			cancel()
			if err != nil {
				rb.logger.Error().Err(err).Str("channel", msg.channel).Msg("failed to publish to Redis")
				rb.handleFailure()
				continue
			}
			rb.mu.Lock()
			rb.failCount = 0
			rb.mu.Unlock()
		}
	}
}

// Close stops the receiver and closes the Redis connection.
func (rb *RedisBus) Close() error {
	rb.cancel()
	if rb.pubsub != nil {
		_ = rb.pubsub.Close()
	}
	rb.wg.Wait()
	if err := rb.client.Close(); err != nil {
		rb.logger.Error().Err(err).Msg("failed to close Redis client")
		return err
	}
	rb.logger.Info().Msg("Redis event bus closed")
	return nil
}

func (rb *RedisBus) receive() {
	defer rb.wg.Done()

	ch := rb.pubsub.Channel()
	for {
		select {
		case <-rb.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m, err := unmarshalMessage([]byte(msg.Payload))
			if err != nil {
				rb.logger.Error().Err(err).Msg("failed to unmarshal Redis message")
				continue
			}
			if m.NodeID == rb.nodeID {
				continue
			}
			eventType := m.EventType
			if eventType == "" {
				eventType = events.EventType(strings.TrimPrefix(msg.Channel, redisChannelPrefix))
			}
			rb.local.Publish(eventType, m.Payload)
		}
	}
}

// fallbackActive reports whether publishes should skip Redis, retrying a ping once the
// check interval has passed.
func (rb *RedisBus) fallbackActive() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.useFallback {
		return false
	}
	if time.Since(rb.lastCheck) < rb.retryAfter {
		return true
	}
	rb.lastCheck = time.Now()

	ctx, cancel := context.WithTimeout(rb.ctx, 2*time.Second)
	defer cancel()
	if err := rb.client.Ping(ctx).Err(); err != nil {
		return true
	}

	rb.useFallback = false
	rb.failCount = 0
	if rb.pubsub == nil {
		rb.pubsub = rb.client.PSubscribe(rb.ctx, redisChannelPrefix+"*")
		rb.wg.Add(1)
		go rb.receive()
	}
	rb.logger.Info().Msg("reconnected to Redis, disabling fallback")
	return false
}

// handleFailure trips the circuit breaker after repeated publish errors.
func (rb *RedisBus) handleFailure() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.failCount++
	if rb.failCount >= rb.maxFails && !rb.useFallback {
		rb.logger.Warn().
			Int("fail_count", rb.failCount).
			Msg("Redis failure threshold reached, switching to in-memory fallback")
		rb.useFallback = true
		rb.lastCheck = time.Now()
	}
}

type wireMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id,omitempty"`
}

func marshalMessage(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(wireMessage{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
	})
}

func unmarshalMessage(data []byte) (*wireMessage, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal event message: %w", err)
	}
	return &msg, nil
}
