package outbox

import (
	"testing"
	"time"

	"github.com/ilyasni/postpipe/pkg/config"
)

func TestBackoffForDoublesUpToMax(t *testing.T) {
	cfg := config.Supervisor{InitialBackoff: time.Second, MaxBackoff: 8 * time.Second, Multiplier: 2}

	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, c := range cases {
		if got := backoffFor(cfg, c.retryCount); got != c.want {
			t.Errorf("backoffFor(retryCount=%d) = %v, want %v", c.retryCount, got, c.want)
		}
	}
}

func TestBackoffForFillsZeroValueDefaults(t *testing.T) {
	got := backoffFor(config.Supervisor{}, 0)
	if got != time.Second {
		t.Fatalf("backoffFor(zero value) = %v, want 1s default", got)
	}
}
