/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package webhooks delivers engine notifications to external HTTP endpoints.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/friendsincode/airwave/internal/config"
	"github.com/friendsincode/airwave/internal/events"
	"github.com/friendsincode/airwave/internal/logging"
	"github.com/friendsincode/airwave/internal/models"
	"github.com/friendsincode/airwave/internal/telemetry"
	"github.com/friendsincode/airwave/internal/version"
)

// Header names set on every delivery.
const (
	HeaderEvent     = "X-Airwave-Event"
	HeaderTimestamp = "X-Airwave-Timestamp"
	HeaderSignature = "X-Airwave-Signature"
)

// Payload is the JSON body sent to webhook endpoints.
type Payload struct {
	EntityID   string         `json:"entityId"`
	EntityType string         `json:"entityType"`
	Event      string         `json:"event"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Store is the persistence the service needs.
type Store interface {
	WebhookTargetsFor(ctx context.Context, ownerID, event string) ([]models.WebhookTarget, error)
	LogWebhookDelivery(ctx context.Context, l *models.WebhookLog) error
}

// Subscriber is the read side of the event bus.
type Subscriber interface {
	Subscribe(eventType events.EventType) events.Subscriber
	Unsubscribe(eventType events.EventType, sub events.Subscriber)
}

// Config tunes delivery.
type Config struct {
	GlobalURL    string
	GlobalSecret string
	RatePerSec   int
	Timeout      time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
	QueueSize    int
	Workers      int
}

// ConfigFromEnv maps process configuration onto delivery settings.
func ConfigFromEnv(cfg *config.Config) Config {
	return Config{
		GlobalURL:    cfg.WebhookURL,
		GlobalSecret: cfg.WebhookSecret,
		RatePerSec:   cfg.WebhookRatePerSec,
	}
}

type delivery struct {
	target  models.WebhookTarget
	event   events.EventType
	payload Payload
	body    []byte
}

// Service fans bus events out to the global webhook and to owner targets.
type Service struct {
	store   Store
	bus     Subscriber
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	queue chan delivery
	wg    sync.WaitGroup
}

// NewService creates a webhook service.
func NewService(st Store, bus Subscriber, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	return &Service{
		store:   st,
		bus:     bus,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		logger:  logging.Component(logger, "webhooks"),
		queue:   make(chan delivery, cfg.QueueSize),
	}
}

// Start consumes engine events until ctx ends, then waits for in-flight deliveries.
func (s *Service) Start(ctx context.Context) {
	sub := s.bus.Subscribe(events.EventAll)
	defer s.bus.Unsubscribe(events.EventAll, sub)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx)
		}()
	}
	s.logger.Info().Int("workers", s.cfg.Workers).Bool("global", s.cfg.GlobalURL != "").Msg("webhook service started")

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info().Msg("webhook service stopped")
			return
		case p, ok := <-sub:
			if !ok {
				s.wg.Wait()
				return
			}
			s.dispatch(ctx, p)
		}
	}
}

// dispatch resolves the recipients of one event and queues a delivery per recipient.
func (s *Service) dispatch(ctx context.Context, p events.Payload) {
	t := events.EventType(p.String("type"))
	switch t.Entity() {
	case "broadcast", "channel":
	default:
		return
	}

	payload := Payload{
		EntityID:   p.String(events.KeyEntityID),
		EntityType: p.String(events.KeyEntityType),
		Event:      p.String(events.KeyEvent),
		Timestamp:  p.String(events.KeyTimestamp),
	}
	if data, ok := p[events.KeyData].(map[string]any); ok {
		payload.Data = data
	}
	if payload.Timestamp == "" {
		payload.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(t)).Msg("failed to marshal webhook payload")
		return
	}

	var targets []models.WebhookTarget
	if s.cfg.GlobalURL != "" {
		targets = append(targets, models.WebhookTarget{URL: s.cfg.GlobalURL, Secret: s.cfg.GlobalSecret, Active: true})
	}
	if owner := p.String(events.KeyOwnerID); owner != "" {
		owned, err := s.store.WebhookTargetsFor(ctx, owner, string(t))
		if err != nil {
			s.logger.Warn().Err(err).Str("owner_id", owner).Msg("failed to load webhook targets")
		}
		targets = append(targets, owned...)
	}

	for _, target := range targets {
		select {
		case s.queue <- delivery{target: target, event: t, payload: payload, body: body}:
		default:
			telemetry.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
			s.logger.Warn().Str("event", string(t)).Str("url", target.URL).Msg("webhook queue full, delivery dropped")
		}
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.deliver(ctx, d)
		}
	}
}

// deliver posts one payload with a bounded number of attempts.
func (s *Service) deliver(ctx context.Context, d delivery) {
	log := s.logger.With().Str("event", string(d.event)).Str("url", d.target.URL).Logger()

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		status, err := s.post(ctx, d.target, string(d.event), d.body)
		s.record(ctx, d, attempt, status, err, time.Since(start))

		if err == nil {
			telemetry.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
			log.Debug().Int("status", status).Int("attempt", attempt).Msg("webhook delivered")
			return
		}
		if status >= 400 && status < 500 {
			break
		}
		if attempt < s.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.RetryDelay):
			}
		}
	}
	telemetry.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	log.Warn().Msg("webhook delivery failed")
}

func (s *Service) post(ctx context.Context, target models.WebhookTarget, event string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	if target.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, target.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (s *Service) record(ctx context.Context, d delivery, attempt, status int, err error, took time.Duration) {
	entry := &models.WebhookLog{
		TargetID:   d.target.ID,
		EntityID:   d.payload.EntityID,
		Event:      string(d.event),
		Attempt:    attempt,
		StatusCode: status,
		Duration:   int(took.Milliseconds()),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if lerr := s.store.LogWebhookDelivery(context.WithoutCancel(ctx), entry); lerr != nil {
		s.logger.Error().Err(lerr).Msg("failed to log webhook delivery")
	}
}

// Sign returns the signature header value for body: "sha256=" followed by the hex HMAC-SHA256.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header produced by Sign.
func Verify(body []byte, secret, header string) bool {
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(Sign(body, secret)), []byte(header))
}

// TestWebhook sends a synthetic payload to target and reports the outcome.
func (s *Service) TestWebhook(ctx context.Context, target *models.WebhookTarget) error {
	body, err := json.Marshal(Payload{
		EntityID:   "test",
		EntityType: "webhook",
		Event:      "test",
		Data:       map[string]any{"message": "This is a test webhook delivery"},
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if _, err := s.post(ctx, *target, "webhook.test", body); err != nil {
		return fmt.Errorf("deliver test webhook: %w", err)
	}
	return nil
}
