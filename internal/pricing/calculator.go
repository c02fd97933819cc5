package pricing

import (
	"context"
	"log/slog"
)

// Calculator ties the settings and counter stores to a viewer.
type Calculator struct {
	Settings *SettingsStore
	State    *StateStore
	viewer   *Viewer
}

// NewCalculator builds a calculator over kv.
func NewCalculator(kv KV, logger *slog.Logger) *Calculator {
	return &Calculator{
		Settings: NewSettingsStore(kv, logger),
		State:    NewStateStore(kv),
		viewer:   NewViewer(),
	}
}

// View loads settings and counters and builds the screen.
func (c *Calculator) View(ctx context.Context) (View, error) {
	settings, err := c.Settings.Load(ctx)
	if err != nil {
		return View{}, err
	}
	st, err := c.State.Load(ctx)
	if err != nil {
		return View{}, err
	}
	return c.viewer.Build(settings, st)
}
