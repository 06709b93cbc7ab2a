// Package ticker is a minimal runnable module: a background loop that logs on
// a configured interval until shutdown.
package ticker

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/modhost"
)

const ModuleName = "ticker"

const defaultInterval = 10 * time.Second

type Config struct {
	Interval string `json:"interval" yaml:"interval"`
}

type Module struct {
	logger   modhost.Logger
	interval time.Duration
}

func New() *Module { return &Module{} }

func (m *Module) Name() string { return ModuleName }

func (m *Module) Init(ctx *modhost.ModuleContext) error {
	m.logger = ctx.Logger()
	var cfg Config
	if err := ctx.Config(&cfg); err != nil {
		return err
	}
	m.interval = defaultInterval
	if cfg.Interval != "" {
		d, err := time.ParseDuration(cfg.Interval)
		if err != nil {
			return fmt.Errorf("ticker: interval: %w", err)
		}
		m.interval = d
	}
	return nil
}

func (m *Module) Start(ctx context.Context, ready *modhost.Ready) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	ready.Signal()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			m.logger.Info("tick", "at", t.Format(time.RFC3339))
		}
	}
}

func (m *Module) Stop(context.Context) error { return nil }
