package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/HatiCode/forecastd/cmd/predictor/config"
	"github.com/HatiCode/forecastd/pkg/engine"
	"github.com/HatiCode/forecastd/pkg/history"
)

// preparer runs at every wake-up: it re-reads the properties file, applies it,
// and refreshes the historical datasets. Nothing here stops the batch.
type preparer struct {
	props   *config.Properties
	history *history.Refresher
	state   *engine.State
	logger  *slog.Logger
}

func (p *preparer) Prepare(ctx context.Context, metricSet []string) {
	vals, err := p.props.Reload()
	if err != nil {
		p.logger.Warn("keeping previous properties", "error", err)
	}

	p.history.Configure(vals.DatasetDir, vals.Window)
	if margin, raised := p.state.RaiseMargin(vals.Margin); raised {
		p.logger.Info("processing margin raised from properties", "processing_margin", margin)
	}

	if err := p.history.Refresh(ctx, metricSet); err != nil {
		if errors.Is(err, history.ErrRefresh) {
			p.logger.Warn("using stale datasets", "error", err)
			return
		}
		p.logger.Error("dataset refresh failed", "error", err)
	}
}
