package supervisor

import (
	"time"

	"github.com/danmuck/hubd/internal/hub"
	"github.com/rs/zerolog"
)

const (
	DefaultProbeInterval = time.Second
	DefaultMaxProbes     = 4
	DefaultCooldown      = 30 * time.Second
)

// Options tunes the retry loop. Zero values take the defaults.
type Options struct {
	Logger        zerolog.Logger
	ProbeInterval time.Duration
	MaxProbes     int
	Cooldown      time.Duration
}

func DefaultOptions() Options {
	return Options{
		Logger:        zerolog.Nop(),
		ProbeInterval: DefaultProbeInterval,
		MaxProbes:     DefaultMaxProbes,
		Cooldown:      DefaultCooldown,
	}
}

func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = d.ProbeInterval
	}
	if o.MaxProbes <= 0 {
		o.MaxProbes = d.MaxProbes
	}
	if o.Cooldown <= 0 {
		o.Cooldown = d.Cooldown
	}
	return o
}

// RunConfig is the resolved host configuration one Run works against.
type RunConfig struct {
	Target    hub.Target
	SourceDir string
}
