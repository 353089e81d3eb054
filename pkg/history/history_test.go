package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/HatiCode/forecastd/pkg/adapters"
	"github.com/HatiCode/forecastd/pkg/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	mu      sync.Mutex
	series  map[string][]adapters.Point
	fail    map[string]bool
	windows []time.Duration
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Collect(_ context.Context, metric string, window time.Duration) ([]adapters.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, window)
	if f.fail[metric] {
		return nil, errors.New("store unavailable")
	}
	return f.series[metric], nil
}

func TestRefresh_WritesDatasets(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{series: map[string][]adapters.Point{
		"cpu": {
			{Time: time.Unix(1700000000, 0), Value: 0.5},
			{Time: time.Unix(1700000060, 0), Value: 12},
		},
		"ram": {},
	}}
	r := NewRefresher(src, Config{Dir: dir, Application: "shop", Window: 24 * time.Hour}, testLogger(), nil)

	if err := r.Refresh(context.Background(), []string{"cpu", "ram"}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "shop_cpu.csv"))
	if err != nil {
		t.Fatal(err)
	}
	want := "Timestamp,ems_time,cpu\r\n1700000000,1700000000,0.5\r\n1700000060,1700000060,12\r\n"
	if string(raw) != want {
		t.Errorf("dataset = %q, want %q", raw, want)
	}

	raw, err = os.ReadFile(filepath.Join(dir, "shop_ram.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "Timestamp,ems_time,ram\r\n" {
		t.Errorf("empty dataset = %q", raw)
	}

	for _, w := range src.windows {
		if w != 24*time.Hour {
			t.Errorf("window = %v, want 24h", w)
		}
	}
}

func TestRefresh_FailureKeepsStaleFile(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "app_cpu.csv")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{
		series: map[string][]adapters.Point{"ram": {{Time: time.Unix(1, 0), Value: 1}}},
		fail:   map[string]bool{"cpu": true},
	}
	m := metrics.New(prometheus.NewRegistry(), "test")
	r := NewRefresher(src, Config{Dir: dir, Application: "app", Window: time.Hour}, testLogger(), m)

	err := r.Refresh(context.Background(), []string{"cpu", "ram"})
	if !errors.Is(err, ErrRefresh) {
		t.Fatalf("Refresh() error = %v, want ErrRefresh", err)
	}
	if !strings.Contains(err.Error(), "cpu") {
		t.Errorf("error %q does not name the failed metric", err)
	}

	if raw, _ := os.ReadFile(stale); string(raw) != "old" {
		t.Errorf("stale dataset overwritten: %q", raw)
	}
	if _, err := os.Stat(filepath.Join(dir, "app_ram.csv")); err != nil {
		t.Errorf("healthy metric not refreshed: %v", err)
	}
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("history", "refresh_failed")); got != 1 {
		t.Errorf("refresh errors = %v, want 1", got)
	}
}

func TestRefresh_RejectsPathMetric(t *testing.T) {
	r := NewRefresher(&fakeSource{}, Config{Dir: t.TempDir(), Application: "app"}, testLogger(), nil)
	if err := r.Refresh(context.Background(), []string{"../etc/passwd"}); !errors.Is(err, ErrRefresh) {
		t.Errorf("Refresh() error = %v, want ErrRefresh", err)
	}
}

func TestRefresh_NoSource(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	r := NewRefresher(nil, Config{Dir: dir, Application: "app"}, testLogger(), nil)
	if err := r.Refresh(context.Background(), []string{"cpu"}); err != nil {
		t.Errorf("Refresh() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("refresh without a source should not touch the filesystem")
	}
}

func TestConfigure(t *testing.T) {
	r := NewRefresher(nil, Config{Dir: "/data", Application: "app", Window: time.Hour}, testLogger(), nil)

	if got := r.Dataset("cpu"); got != "/data/app_cpu.csv" {
		t.Errorf("Dataset() = %s", got)
	}

	r.Configure("/srv/datasets", 0)
	cfg := r.Config()
	if cfg.Dir != "/srv/datasets" || cfg.Window != time.Hour {
		t.Errorf("Config() = %+v", cfg)
	}

	r.Configure("", 48*time.Hour)
	if cfg := r.Config(); cfg.Dir != "/srv/datasets" || cfg.Window != 48*time.Hour {
		t.Errorf("Config() = %+v", cfg)
	}
	if got := r.Dataset("cpu"); got != "/srv/datasets/app_cpu.csv" {
		t.Errorf("Dataset() = %s", got)
	}
}
