// Package supervisor is the stage supervisor: registers every
// long-running stage with a restart policy, relaunches it with
// exponential backoff on unexpected termination, and exposes a health
// view over HTTP — the same doubling-wait idiom pkg/fn.Retry uses for a
// single bounded call, generalised here into an indefinite task-restart
// loop with a rolling restart-count window and a health snapshot.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ilyasni/postpipe/pkg/config"
	"github.com/ilyasni/postpipe/pkg/mid"
)

// StartFunc runs a stage until ctx is cancelled or it fails. A nil
// return on ctx cancellation is treated as a clean shutdown, not a
// crash requiring restart.
type StartFunc func(ctx context.Context) error

// taskState is the restart bookkeeping for one registered stage.
type taskState struct {
	name          string
	start         StartFunc
	restartWindow time.Duration

	mu           sync.Mutex
	state        string // "running", "backoff", "stopped", "fatal"
	restarts     int
	restartsAt   []time.Time
	lastErr      string
	currentBackoff time.Duration
}

// Health is the point-in-time view of one registered stage.
type Health struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	RestartCount    int    `json:"restart_count"`
	CurrentBackoffMs int64 `json:"current_backoff_ms"`
	LastError       string `json:"last_error,omitempty"`
}

// Supervisor runs a fixed set of registered stages, restarting each on
// unexpected termination.
type Supervisor struct {
	cfg config.Supervisor
	log *slog.Logger

	mu    sync.Mutex
	tasks []*taskState

	fatal chan error
}

// New builds a Supervisor using cfg's retry tuning.
func New(cfg config.Supervisor, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{cfg: cfg, log: log, fatal: make(chan error, 1)}
}

// Register adds a stage under (name, start_fn). Must be called before
// StartAll.
func (s *Supervisor) Register(name string, start StartFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &taskState{
		name:          name,
		start:         start,
		restartWindow: 10 * time.Minute,
		state:         "stopped",
	})
}

// StartAll launches every registered task as an independent goroutine
// and blocks until ctx is cancelled or a task exhausts its restart
// budget, at which point the first fatal error is returned.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	tasks := append([]*taskState(nil), s.tasks...)
	s.mu.Unlock()

	for _, t := range tasks {
		go s.runTask(ctx, t)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-s.fatal:
		return err
	}
}

func (s *Supervisor) runTask(ctx context.Context, t *taskState) {
	backoff := s.cfg.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	for {
		if ctx.Err() != nil {
			t.setState("stopped", "")
			return
		}

		t.setState("running", "")
		err := t.start(ctx)
		if ctx.Err() != nil {
			t.setState("stopped", "")
			return
		}
		if err == nil {
			s.log.Info("supervisor: stage exited cleanly, not restarting", "stage", t.name)
			t.setState("stopped", "")
			return
		}

		s.log.Warn("supervisor: stage failed", "stage", t.name, "error", err)
		t.recordRestart()

		if t.restartsInWindow() > s.cfg.MaxRetries {
			msg := fmt.Sprintf("supervisor: stage %q exceeded %d restarts within %s: %w", t.name, s.cfg.MaxRetries, t.restartWindow, err)
			t.setState("fatal", msg)
			select {
			case s.fatal <- fmt.Errorf("%s", msg):
			default:
			}
			return
		}

		t.setBackoff(backoff)
		t.setState("backoff", err.Error())
		select {
		case <-ctx.Done():
			t.setState("stopped", "")
			return
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * s.multiplier())
		if s.cfg.MaxBackoff > 0 && backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

func (s *Supervisor) multiplier() float64 {
	if s.cfg.Multiplier <= 0 {
		return 2
	}
	return s.cfg.Multiplier
}

func (t *taskState) setState(state, lastErr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	if lastErr != "" {
		t.lastErr = lastErr
	}
}

func (t *taskState) setBackoff(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentBackoff = d
}

func (t *taskState) recordRestart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.restarts++
	t.restartsAt = append(t.restartsAt, now)
	cutoff := now.Add(-t.restartWindow)
	kept := t.restartsAt[:0]
	for _, at := range t.restartsAt {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	t.restartsAt = kept
}

func (t *taskState) restartsInWindow() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.restartsAt)
}

func (t *taskState) health() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Health{
		Name:             t.name,
		State:            t.state,
		RestartCount:     t.restarts,
		CurrentBackoffMs: t.currentBackoff.Milliseconds(),
		LastError:        t.lastErr,
	}
}

// HealthSnapshot returns the current health view for every registered
// stage.
func (s *Supervisor) HealthSnapshot() []Health {
	s.mu.Lock()
	tasks := append([]*taskState(nil), s.tasks...)
	s.mu.Unlock()

	out := make([]Health, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.health())
	}
	return out
}

// AdminHandler serves the health snapshot as JSON, wrapped in the
// shared logging/recovery middleware chain.
func (s *Supervisor) AdminHandler(log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.HealthSnapshot())
	})
	return mid.Chain(h, mid.Recover(log), mid.Logger(log))
}
