package ratelimit

import (
	"testing"
	"time"

	"github.com/ilyasni/postpipe/pkg/config"
)

func testRateCfg() config.Rate {
	return config.Rate{UserPerMinute: 20, ChannelPerMinute: 10, GlobalPerMinute: 100}
}

func TestBatchMultiplierTimeOfDay(t *testing.T) {
	cases := []struct {
		hour int
		want float64
	}{
		{3, 2.0},   // overnight
		{14, 0.5},  // business hours
		{20, 0.75}, // evening
		{0, 1.0},   // default
		{23, 1.0},  // default
	}
	for _, c := range cases {
		got := batchMultiplier(c.hour, 0)
		if got != c.want {
			t.Fatalf("batchMultiplier(%d, 0) = %v, want %v", c.hour, got, c.want)
		}
	}
}

func TestBatchMultiplierHeavyFloodWaitHalves(t *testing.T) {
	base := batchMultiplier(14, 0)
	halved := batchMultiplier(14, 45*time.Second)
	if halved != base*0.5 {
		t.Fatalf("expected halving under heavy flood-wait: base=%v halved=%v", base, halved)
	}
}

func TestManagerLimitFor(t *testing.T) {
	m := &Manager{cfg: testRateCfg()}
	if got := m.limitFor(ScopeUser); got != 20 {
		t.Fatalf("limitFor(user) = %d, want 20", got)
	}
	if got := m.limitFor(ScopeChannel); got != 10 {
		t.Fatalf("limitFor(channel) = %d, want 10", got)
	}
	if got := m.limitFor(ScopeGlobal); got != 100 {
		t.Fatalf("limitFor(global) = %d, want 100", got)
	}
}
