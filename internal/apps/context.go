package apps

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/hubd/internal/dynamic"
	"github.com/danmuck/hubd/internal/hub"
	"github.com/danmuck/hubd/internal/storage"
	"github.com/rs/zerolog"
)

var ErrNoHost = errors.New("apps: no hub attached")

// App is one configured automation.
type App interface {
	Initialize(ctx context.Context, actx *Context) error
}

// Stopper is implemented by apps that hold resources beyond their
// subscriptions.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Host is the slice of the hub client apps may use.
type Host interface {
	CallService(ctx context.Context, domain, service string, data *dynamic.Record) error
	Subscribe(ctx context.Context, eventType string, fn func(hub.Event)) (func(), error)
}

// Context is handed to an app on Initialize. Subscriptions made through it
// are removed when the app is unloaded.
type Context struct {
	ID      string
	Class   string
	Config  *dynamic.Record
	Storage storage.Repository
	Log     zerolog.Logger

	host Host

	mu     sync.Mutex
	unsubs []func()
}

func (c *Context) CallService(ctx context.Context, domain, service string, data *dynamic.Record) error {
	if c.host == nil {
		return ErrNoHost
	}
	return c.host.CallService(ctx, domain, service, data)
}

// Subscribe registers fn for eventType until the app is unloaded.
func (c *Context) Subscribe(ctx context.Context, eventType string, fn func(hub.Event)) error {
	if c.host == nil {
		return ErrNoHost
	}
	unsubscribe, err := c.host.Subscribe(ctx, eventType, fn)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsubscribe)
	c.mu.Unlock()
	return nil
}

func (c *Context) release() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}
