// Package spiralverse is the top-level entry point for embedding a fleet.
//
// Usage:
//
//	import "github.com/issdandavis/spiralverse-protocol"
//
//	fleet, err := spiralverse.New(ctx, nil)
//	fleet, err := spiralverse.New(ctx, cfg, spiralverse.WithLogger(logger))
//
// This is a thin wrapper around [engine.New]; both produce identical results.
package spiralverse

import (
	"context"

	"github.com/issdandavis/spiralverse-protocol/config"
	"github.com/issdandavis/spiralverse-protocol/fleet/engine"
)

// Fleet is a wired directory, dispatcher, roundtable and swarm coordinator.
type Fleet = engine.Engine

// Option configures the fleet created by [New].
type Option = engine.Option

// New builds a fleet from cfg. A nil cfg uses [config.DefaultConfig].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Fleet, error) {
	return engine.New(ctx, cfg, opts...)
}

// LoadConfig reads a YAML config file overlaid with environment variables.
// An empty path loads defaults and environment only.
func LoadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	return loader.Load()
}

// Re-exported so callers never need to import fleet/engine.

// WithClock sets the clock shared by every component.
var WithClock = engine.WithClock

// WithLogger sets the root zap logger.
var WithLogger = engine.WithLogger

// WithRegisterer sets the Prometheus registerer for fleet metrics.
var WithRegisterer = engine.WithRegisterer
