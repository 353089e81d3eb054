package schedule

import (
	"context"
	"math/rand"
	"testing"
	"time"
)

func unix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func TestNextTarget(t *testing.T) {
	tests := []struct {
		name    string
		epoch   int64
		horizon time.Duration
		now     int64
		margin  time.Duration
		want    int64
	}{
		{
			name:    "lead time reserved without skip",
			epoch:   0,
			horizon: 120 * time.Second,
			now:     50,
			margin:  20 * time.Second,
			want:    240,
		},
		{
			name:    "slow processing skips one horizon",
			epoch:   0,
			horizon: 100 * time.Second,
			now:     95,
			margin:  30 * time.Second,
			want:    300,
		},
		{
			name:    "finish exactly on boundary does not skip",
			epoch:   0,
			horizon: 100 * time.Second,
			now:     80,
			margin:  20 * time.Second,
			want:    200,
		},
		{
			name:    "margin spanning several horizons",
			epoch:   0,
			horizon: 60 * time.Second,
			now:     10,
			margin:  200 * time.Second,
			want:    300,
		},
		{
			name:    "now before epoch",
			epoch:   1000,
			horizon: 100 * time.Second,
			now:     850,
			margin:  0,
			want:    1000,
		},
		{
			name:    "now on a boundary",
			epoch:   1000,
			horizon: 100 * time.Second,
			now:     1200,
			margin:  0,
			want:    1400,
		},
		{
			name:    "negative margin treated as zero",
			epoch:   0,
			horizon: 100 * time.Second,
			now:     50,
			margin:  -time.Hour,
			want:    200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextTarget(unix(tt.now), unix(tt.epoch), tt.horizon, tt.margin)
			if got.Unix() != tt.want {
				t.Errorf("NextTarget() = %d, want %d", got.Unix(), tt.want)
			}
		})
	}
}

func TestNextTarget_SkipLeavesLeadTime(t *testing.T) {
	now := unix(95)
	horizon := 100 * time.Second
	margin := 30 * time.Second

	target := NextTarget(now, unix(0), horizon, margin)

	if !target.Add(-horizon).After(now.Add(margin)) {
		t.Errorf("target-horizon = %d, want > %d", target.Add(-horizon).Unix(), now.Add(margin).Unix())
	}
}

func TestNextTarget_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 5000; i++ {
		epoch := unix(rng.Int63n(2_000_000_000))
		horizon := time.Duration(1+rng.Int63n(3600)) * time.Second
		now := epoch.Add(time.Duration(rng.Int63n(10_000_000)-5_000_000) * time.Second)
		margin := time.Duration(rng.Int63n(7200)) * time.Second

		target := NextTarget(now, epoch, horizon, margin)

		if !target.After(now) {
			t.Fatalf("target %v not after now %v (epoch=%v horizon=%v margin=%v)", target, now, epoch, horizon, margin)
		}
		if target.Sub(epoch)%horizon != 0 {
			t.Fatalf("target %v not aligned to epoch %v horizon %v", target, epoch, horizon)
		}
		if target.Add(-horizon).Before(now.Add(margin)) {
			t.Fatalf("lead time violated: target=%v now=%v margin=%v horizon=%v", target, now, margin, horizon)
		}
	}
}

func TestNextTarget_Monotonic(t *testing.T) {
	epoch := unix(1_700_000_000)
	horizon := 90 * time.Second
	margin := 25 * time.Second

	prev := NextTarget(epoch, epoch, horizon, margin)
	for step := int64(1); step < 2000; step++ {
		now := epoch.Add(time.Duration(step*7) * time.Second)
		got := NextTarget(now, epoch, horizon, margin)
		if got.Before(prev) {
			t.Fatalf("target decreased at now=%v: %v < %v", now, got, prev)
		}
		prev = got
	}
}

func TestWait(t *testing.T) {
	target := unix(240)
	if got := Wait(target, 120*time.Second, unix(50)); got != 70*time.Second {
		t.Errorf("Wait() = %v, want %v", got, 70*time.Second)
	}
	if got := Wait(target, 120*time.Second, unix(130)); got > 0 {
		t.Errorf("Wait() = %v, want non-positive", got)
	}
}

func TestSleep_Interrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Sleep(ctx, time.Hour)
	if err != context.Canceled {
		t.Errorf("Sleep() error = %v, want %v", err, context.Canceled)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Sleep() did not return promptly after cancellation")
	}
}

func TestSleep_NonPositive(t *testing.T) {
	if err := Sleep(context.Background(), -time.Second); err != nil {
		t.Errorf("Sleep() error = %v, want nil", err)
	}
}

func TestCycleConfig_Valid(t *testing.T) {
	cfg := CycleConfig{Horizon: time.Minute, BatchSize: DefaultBatchSize}
	if !cfg.Valid() {
		t.Error("expected config to be valid")
	}
	cfg.Horizon = 0
	if cfg.Valid() {
		t.Error("expected zero horizon to be invalid")
	}
}
