package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/airwave/internal/events"
	"github.com/friendsincode/airwave/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	targets map[string][]models.WebhookTarget
	logs    []models.WebhookLog
}

func (f *fakeStore) WebhookTargetsFor(_ context.Context, ownerID, _ string) ([]models.WebhookTarget, error) {
	return f.targets[ownerID], nil
}

func (f *fakeStore) LogWebhookDelivery(_ context.Context, l *models.WebhookLog) error {
	f.mu.Lock()
	f.logs = append(f.logs, *l)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) logCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logs)
}

type received struct {
	body      []byte
	signature string
	event     string
}

func receiver(t *testing.T, status int) (*httptest.Server, chan received, *atomic.Int32) {
	t.Helper()
	got := make(chan received, 8)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, signature: r.Header.Get(HeaderSignature), event: r.Header.Get(HeaderEvent)}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got, &hits
}

func startWorkers(t *testing.T, s *Service) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.worker(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ctx
}

func notification(t events.EventType, owner string) events.Payload {
	p := events.Notification(t, "b1", owner, map[string]any{"reason": "missed"})
	p["type"] = string(t)
	return p
}

func waitFor(t *testing.T, got chan received) received {
	t.Helper()
	select {
	case r := <-got:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery")
	}
	return received{}
}

func TestDeliversSignedPayloadToOwnerTarget(t *testing.T) {
	srv, got, _ := receiver(t, http.StatusOK)
	st := &fakeStore{targets: map[string][]models.WebhookTarget{
		"u1": {{ID: "w1", OwnerID: "u1", URL: srv.URL, Secret: "s3cret", Active: true}},
	}}
	s := NewService(st, events.NewBus(), Config{RatePerSec: 100}, zerolog.Nop())
	ctx := startWorkers(t, s)

	s.dispatch(ctx, notification(events.EventBroadcastFailed, "u1"))
	r := waitFor(t, got)

	if !Verify(r.body, "s3cret", r.signature) {
		t.Fatalf("signature %q does not verify", r.signature)
	}
	if r.event != string(events.EventBroadcastFailed) {
		t.Fatalf("event header = %q", r.event)
	}
	var p Payload
	if err := json.Unmarshal(r.body, &p); err != nil {
		t.Fatal(err)
	}
	if p.EntityID != "b1" || p.EntityType != "broadcast" || p.Event != "failed" || p.Data["reason"] != "missed" || p.Timestamp == "" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestGlobalURLReceivesEveryEngineEvent(t *testing.T) {
	srv, got, hits := receiver(t, http.StatusNoContent)
	st := &fakeStore{}
	s := NewService(st, events.NewBus(), Config{GlobalURL: srv.URL, RatePerSec: 100}, zerolog.Nop())
	ctx := startWorkers(t, s)

	s.dispatch(ctx, notification(events.EventChannelAdvanced, ""))
	s.dispatch(ctx, notification(events.EventMediaUpdated, ""))
	r := waitFor(t, got)
	if r.signature != "" {
		t.Fatal("unsigned global target sent a signature")
	}

	time.Sleep(50 * time.Millisecond)
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, cache events must not be delivered", hits.Load())
	}
}

func TestRetriesServerErrorsOnly(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantHits int32
	}{
		{"server error retried", http.StatusBadGateway, 2},
		{"client error not retried", http.StatusGone, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, hits := receiver(t, tt.status)
			st := &fakeStore{}
			s := NewService(st, events.NewBus(), Config{GlobalURL: srv.URL, RetryDelay: time.Millisecond, RatePerSec: 100}, zerolog.Nop())

			s.deliver(context.Background(), delivery{
				target:  models.WebhookTarget{URL: srv.URL},
				event:   events.EventBroadcastCompleted,
				payload: Payload{EntityID: "b1"},
				body:    []byte(`{}`),
			})
			if hits.Load() != tt.wantHits {
				t.Fatalf("hits = %d, want %d", hits.Load(), tt.wantHits)
			}
			if st.logCount() != int(tt.wantHits) {
				t.Fatalf("logged %d attempts", st.logCount())
			}
		})
	}
}

func TestDispatchNeverBlocksWhenQueueFull(t *testing.T) {
	st := &fakeStore{}
	s := NewService(st, events.NewBus(), Config{GlobalURL: "http://127.0.0.1:1", QueueSize: 1}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.dispatch(context.Background(), notification(events.EventBroadcastStarted, ""))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a full queue")
	}
	if len(s.queue) != 1 {
		t.Fatalf("queued = %d", len(s.queue))
	}
}

func TestStartStopsWithContext(t *testing.T) {
	s := NewService(&fakeStore{}, events.NewBus(), Config{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
}

func TestTestWebhook(t *testing.T) {
	okSrv, _, _ := receiver(t, http.StatusOK)
	badSrv, _, _ := receiver(t, http.StatusInternalServerError)
	s := NewService(&fakeStore{}, events.NewBus(), Config{}, zerolog.Nop())

	if err := s.TestWebhook(context.Background(), &models.WebhookTarget{URL: okSrv.URL, Secret: "x"}); err != nil {
		t.Fatalf("ok target: %v", err)
	}
	if err := s.TestWebhook(context.Background(), &models.WebhookTarget{URL: badSrv.URL}); err == nil {
		t.Fatal("failing target reported success")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	sig := Sign([]byte(`{"a":1}`), "k")
	if !Verify([]byte(`{"a":1}`), "k", sig) {
		t.Fatal("valid signature rejected")
	}
	if Verify([]byte(`{"a":2}`), "k", sig) || Verify([]byte(`{"a":1}`), "other", sig) || Verify([]byte(`{"a":1}`), "k", "abc") {
		t.Fatal("tampered signature accepted")
	}
}
