package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ilyasni/postpipe/pkg/config"
)

func TestStartAllRestartsFailingStageAndGivesUpAfterMaxRetries(t *testing.T) {
	cfg := config.Supervisor{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2,
	}
	s := New(cfg, nil)

	var attempts int
	s.Register("flaky", func(ctx context.Context) error {
		attempts++
		return errors.New("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.StartAll(ctx)
	if err == nil {
		t.Fatal("expected fatal error after exceeding max retries")
	}
	if attempts < cfg.MaxRetries+1 {
		t.Fatalf("attempts = %d, want at least %d", attempts, cfg.MaxRetries+1)
	}

	snap := s.HealthSnapshot()
	if len(snap) != 1 || snap[0].Name != "flaky" {
		t.Fatalf("HealthSnapshot = %v", snap)
	}
	if snap[0].State != "fatal" {
		t.Fatalf("state = %q, want fatal", snap[0].State)
	}
}

func TestStartAllStopsCleanlyOnContextCancel(t *testing.T) {
	cfg := config.Supervisor{MaxRetries: 5, InitialBackoff: time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	s := New(cfg, nil)

	s.Register("long-running", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.StartAll(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartAll returned error on clean shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("StartAll did not return after context cancellation")
	}
}

func TestAdminHandlerServesHealthJSON(t *testing.T) {
	s := New(config.Supervisor{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: time.Minute, Multiplier: 2}, nil)
	s.Register("idle", func(ctx context.Context) error { <-ctx.Done(); return nil })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.AdminHandler(nil).ServeHTTP(rec, req)

	var got []Health
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].Name != "idle" {
		t.Fatalf("health = %v", got)
	}
}
