// Package apps discovers, initializes and unloads the configured apps of a
// source folder.
package apps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/hubd/internal/observability"
	"github.com/danmuck/hubd/internal/storage"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownClass = errors.New("apps: unknown class")
	ErrAppPanicked  = errors.New("apps: app panicked")
)

const (
	defaultDebounce    = 250 * time.Millisecond
	defaultStopTimeout = 5 * time.Second
)

type Options struct {
	Logger zerolog.Logger
	// Storage is scoped per app as "app.<id>."; nil leaves Context.Storage nil.
	Storage storage.Repository
	// Watch reloads apps when config files change while the session lives.
	Watch       bool
	Debounce    time.Duration
	StopTimeout time.Duration
}

// Coordinator implements the supervisor's discovery hook.
type Coordinator struct {
	registry *Registry
	host     Host
	opts     Options
	log      zerolog.Logger

	mu      sync.Mutex
	running []*instance

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

type instance struct {
	def  Definition
	app  App
	actx *Context
}

func NewCoordinator(registry *Registry, host Host, opts Options) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Coordinator{
		registry: registry,
		host:     host,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "apps").Logger(),
	}
}

// Discover loads every app configured under sourceDir. Apps that fail to
// load are reported in the joined error; the rest keep running. A startup
// discovery also watches sourceDir for config changes when Options.Watch is
// set; a one-off discovery only loads.
func (c *Coordinator) Discover(ctx context.Context, sourceDir string, startup bool) error {
	c.log.Info().Str("source", sourceDir).Bool("startup", startup).Msg("discovering apps")
	c.Unload()

	err := c.load(ctx, sourceDir)
	if c.opts.Watch && startup {
		if werr := c.startWatch(ctx, sourceDir); werr != nil {
			c.log.Warn().Err(werr).Str("source", sourceDir).Msg("app config watch unavailable")
		}
	}
	return err
}

func (c *Coordinator) watching() bool {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	return c.watchCancel != nil
}

// Unload stops the watcher and every running app, newest first.
func (c *Coordinator) Unload() {
	c.stopWatch()
	c.unloadApps()
}

// Loaded returns the ids of running apps in load order.
func (c *Coordinator) Loaded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.running))
	for _, inst := range c.running {
		ids = append(ids, inst.def.ID)
	}
	return ids
}

func (c *Coordinator) load(ctx context.Context, sourceDir string) error {
	defs, err := LoadDefinitions(sourceDir)
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, def := range defs {
		if err := c.start(ctx, def); err != nil {
			c.log.Warn().Err(err).Str("app", def.ID).Str("file", def.File).Msg("app failed to load")
			errs = append(errs, err)
		}
	}
	n := len(c.Loaded())
	observability.SetAppsLoaded(n)
	c.log.Info().Int("apps", n).Int("configured", len(defs)).Msg("app discovery finished")
	return errors.Join(errs...)
}

func (c *Coordinator) start(ctx context.Context, def Definition) (err error) {
	class, ok := c.registry.Resolve(def.Class)
	if !ok {
		return fmt.Errorf("%w: app %q class %q", ErrUnknownClass, def.ID, def.Class)
	}
	actx := &Context{
		ID:     def.ID,
		Class:  def.Class,
		Config: def.Config,
		Log:    c.log.With().Str("app", def.ID).Logger(),
		host:   c.host,
	}
	if c.opts.Storage != nil {
		actx.Storage = storage.NewScoped(c.opts.Storage, "app."+def.ID+".")
	}

	app := class.New()
	defer func() {
		if r := recover(); r != nil {
			actx.release()
			err = fmt.Errorf("%w: %q: %v", ErrAppPanicked, def.ID, r)
		}
	}()
	if err := app.Initialize(ctx, actx); err != nil {
		actx.release()
		return fmt.Errorf("apps: initialize %q: %w", def.ID, err)
	}

	c.mu.Lock()
	c.running = append(c.running, &instance{def: def, app: app, actx: actx})
	c.mu.Unlock()
	c.log.Info().Str("app", def.ID).Str("class", def.Class).Msg("app initialized")
	return nil
}

func (c *Coordinator) unloadApps() {
	c.mu.Lock()
	running := c.running
	c.running = nil
	c.mu.Unlock()
	if len(running) == 0 {
		return
	}

	for i := len(running) - 1; i >= 0; i-- {
		c.stopInstance(running[i])
	}
	observability.SetAppsLoaded(0)
	c.log.Info().Int("apps", len(running)).Msg("apps unloaded")
}

func (c *Coordinator) stopInstance(inst *instance) {
	inst.actx.release()
	stopper, ok := inst.app.(Stopper)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("app", inst.def.ID).Msg("app stop panicked")
		}
	}()
	if err := stopper.Stop(ctx); err != nil {
		c.log.Warn().Err(err).Str("app", inst.def.ID).Msg("app stop failed")
	}
}

func (c *Coordinator) reload(ctx context.Context, sourceDir string) {
	c.log.Info().Str("source", sourceDir).Msg("app configuration changed, reloading")
	c.unloadApps()
	err := c.load(ctx, sourceDir)
	observability.RecordAppReload(err == nil)
	if err != nil {
		c.log.Error().Err(err).Msg("app reload finished with errors")
	}
}
