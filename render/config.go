package render

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// DefaultFramesInFlight bounds how many frames may be submitted but not yet
// fenced-complete. Two keeps the CPU one frame ahead of the GPU.
const DefaultFramesInFlight = 2

// Config carries the settings shared by every manager. It is fixed at
// construction time; changing FramesInFlight requires rebuilding the managers.
type Config struct {
	// FramesInFlight is the number of frame slots. Zero selects
	// DefaultFramesInFlight.
	FramesInFlight int

	// Logger receives structured setup and teardown events. Nil selects
	// slog.Default. The per-frame path never logs.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.FramesInFlight == 0 {
		c.FramesInFlight = DefaultFramesInFlight
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) validate() error {
	if c.FramesInFlight < 1 {
		return errors.Mark(errors.Newf("config: FramesInFlight must be at least 1, got %d", c.FramesInFlight), ErrInitialization)
	}
	return nil
}
