package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Property keys understood in the properties file.
const (
	PropDays     = "number_of_days_to_use_data_from"
	PropDatasets = "path_to_datasets"
	PropMargin   = "prediction_processing_time_safety_margin_seconds"
)

// Values are the settings that may change while the predictor runs.
type Values struct {
	Window     time.Duration
	DatasetDir string
	Margin     time.Duration
}

// Properties re-reads a Java-style properties file on demand. A failed read keeps
// the last good values. Keys absent from the file keep their current value.
type Properties struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current Values
}

// NewProperties creates Properties seeded with defaults. An empty path makes
// Reload a no-op.
func NewProperties(path string, defaults Values, logger *slog.Logger) *Properties {
	if logger == nil {
		logger = slog.Default()
	}
	return &Properties{path: path, logger: logger, current: defaults}
}

// Current returns the last good values.
func (p *Properties) Current() Values {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Margin returns the configured processing safety margin.
func (p *Properties) Margin() time.Duration {
	return p.Current().Margin
}

// Reload reads the file and returns the values now in effect. On error the
// previous values are returned along with the error.
func (p *Properties) Reload() (Values, error) {
	if p.path == "" {
		return p.Current(), nil
	}

	v := viper.New()
	v.SetConfigFile(p.path)
	v.SetConfigType("properties")
	if err := v.ReadInConfig(); err != nil {
		return p.Current(), fmt.Errorf("read properties %s: %w", p.path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.current
	if v.IsSet(PropDays) {
		days, err := positiveInt(v.GetString(PropDays))
		if err != nil {
			return p.current, fmt.Errorf("%s: %w", PropDays, err)
		}
		next.Window = time.Duration(days) * 24 * time.Hour
	}
	if v.IsSet(PropMargin) {
		secs, err := strconv.Atoi(strings.TrimSpace(v.GetString(PropMargin)))
		if err != nil || secs < 0 {
			return p.current, fmt.Errorf("%s: invalid value %q", PropMargin, v.GetString(PropMargin))
		}
		next.Margin = time.Duration(secs) * time.Second
	}
	if dir := strings.TrimSpace(v.GetString(PropDatasets)); dir != "" {
		next.DatasetDir = dir
	}

	if next != p.current {
		p.logger.Info("properties reloaded",
			"path", p.path,
			"window", next.Window,
			"dataset_dir", next.DatasetDir,
			"processing_margin", next.Margin,
		)
	}
	p.current = next
	return next, nil
}

func positiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if n < 1 {
		return 0, fmt.Errorf("must be >= 1, got %d", n)
	}
	return n, nil
}
