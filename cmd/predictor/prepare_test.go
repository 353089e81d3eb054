package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HatiCode/forecastd/cmd/predictor/config"
	"github.com/HatiCode/forecastd/pkg/adapters"
	"github.com/HatiCode/forecastd/pkg/engine"
	"github.com/HatiCode/forecastd/pkg/history"
)

type stubSource struct {
	window time.Duration
	err    error
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Collect(_ context.Context, _ string, window time.Duration) ([]adapters.Point, error) {
	s.window = window
	if s.err != nil {
		return nil, s.err
	}
	return []adapters.Point{{Time: time.Unix(1700000000, 0), Value: 1}}, nil
}

func TestPreparer_AppliesPropertiesAndRefreshes(t *testing.T) {
	root := t.TempDir()
	datasets := filepath.Join(root, "datasets")
	propsFile := filepath.Join(root, "prediction_configuration.properties")
	content := config.PropDays + "=2\n" + config.PropDatasets + "=" + datasets + "\n" + config.PropMargin + "=30\n"
	if err := os.WriteFile(propsFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := &stubSource{}
	refresher := history.NewRefresher(src, history.Config{Dir: filepath.Join(root, "unused"), Application: "app", Window: time.Hour}, logger, nil)
	state := engine.NewState(8, 10*time.Second)

	p := &preparer{
		props:   config.NewProperties(propsFile, config.Values{Window: time.Hour, DatasetDir: "unused", Margin: 10 * time.Second}, logger),
		history: refresher,
		state:   state,
		logger:  logger,
	}
	p.Prepare(context.Background(), []string{"cpu"})

	if src.window != 48*time.Hour {
		t.Errorf("window = %v, want 48h", src.window)
	}
	if _, err := os.Stat(filepath.Join(datasets, "app_cpu.csv")); err != nil {
		t.Errorf("dataset not written to the configured dir: %v", err)
	}
	if got := state.Snapshot().Cycle.ProcessingMargin; got != 30*time.Second {
		t.Errorf("ProcessingMargin = %v, want 30s", got)
	}
}

func TestPreparer_FailuresAreNotFatal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	refresher := history.NewRefresher(&stubSource{err: errors.New("down")}, history.Config{Dir: dir, Application: "app", Window: time.Hour}, logger, nil)

	p := &preparer{
		props:   config.NewProperties(filepath.Join(dir, "missing.properties"), config.Values{Window: time.Hour, DatasetDir: dir}, logger),
		history: refresher,
		state:   engine.NewState(8, 0),
		logger:  logger,
	}
	p.Prepare(context.Background(), []string{"cpu"})

	if got := refresher.Config(); got.Dir != dir || got.Window != time.Hour {
		t.Errorf("refresher config = %+v", got)
	}
}
