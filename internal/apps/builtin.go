package apps

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/danmuck/hubd/internal/dynamic"
	"github.com/danmuck/hubd/internal/hub"
)

const (
	StateLoggerClass  = "state_logger"
	EventCounterClass = "event_counter"

	stateChangedEvent = "state_changed"
)

// RegisterBuiltins adds the apps shipped with hubd.
func RegisterBuiltins(r *Registry) error {
	builtins := []Class{
		{
			Name:        StateLoggerClass,
			Description: "Logs entity state changes and keeps the last state per entity",
			New:         func() App { return &StateLogger{} },
		},
		{
			Name:        EventCounterClass,
			Description: "Counts hub events of one type and optionally notifies every N events",
			New:         func() App { return &EventCounter{} },
		},
	}
	for _, c := range builtins {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// StateLogger logs state_changed events, optionally filtered by entity
// domain, and stores the last state of each entity.
//
//	kitchen_log:
//	  class: state_logger
//	  domain: light
type StateLogger struct {
	ctx    context.Context
	actx   *Context
	domain string
}

func (a *StateLogger) Initialize(ctx context.Context, actx *Context) error {
	domain, err := dynamic.ValueOrDefault(actx.Config, "domain", "")
	if err != nil {
		return err
	}
	a.ctx = ctx
	a.actx = actx
	a.domain = strings.TrimSpace(domain)
	return actx.Subscribe(ctx, stateChangedEvent, a.handle)
}

func (a *StateLogger) handle(ev hub.Event) {
	entity, _ := dynamic.ValueOrDefault(ev.Data, "entity_id", "")
	if entity == "" {
		return
	}
	if a.domain != "" && !strings.HasPrefix(entity, a.domain+".") {
		return
	}
	state := newStateOf(ev.Data)
	a.actx.Log.Info().Str("entity", entity).Str("state", state).Msg("state changed")
	if a.actx.Storage == nil {
		return
	}
	if err := a.actx.Storage.Save(a.ctx, "last."+entity, state); err != nil {
		a.actx.Log.Warn().Err(err).Str("entity", entity).Msg("state not persisted")
	}
}

func newStateOf(data *dynamic.Record) string {
	v, err := data.Get("new_state")
	if err != nil {
		return ""
	}
	nested, ok := v.AsRecord()
	if !ok {
		return ""
	}
	state, _ := dynamic.ValueOrDefault(nested, "state", "")
	return state
}

// EventCounter counts events of event_type (default state_changed). The
// count survives restarts through storage. With notify_every set, every Nth
// event calls persistent_notification.create.
//
//	counter:
//	  class: event_counter
//	  event_type: call_service
//	  notify_every: 100
type EventCounter struct {
	ctx         context.Context
	actx        *Context
	eventType   string
	notifyEvery int64
	count       atomic.Int64
}

const countKey = "count"

func (a *EventCounter) Initialize(ctx context.Context, actx *Context) error {
	eventType, err := dynamic.ValueOrDefault(actx.Config, "event_type", stateChangedEvent)
	if err != nil {
		return err
	}
	notifyEvery, err := dynamic.ValueOrDefault(actx.Config, "notify_every", int64(0))
	if err != nil {
		return err
	}
	if notifyEvery < 0 {
		return fmt.Errorf("apps: %s: notify_every must not be negative", actx.ID)
	}
	a.ctx = ctx
	a.actx = actx
	a.eventType = eventType
	a.notifyEvery = notifyEvery

	if actx.Storage != nil {
		var stored int64
		if _, err := actx.Storage.Get(ctx, countKey, &stored); err != nil {
			return fmt.Errorf("apps: %s: load count: %w", actx.ID, err)
		}
		a.count.Store(stored)
	}
	return actx.Subscribe(ctx, eventType, a.handle)
}

// Count returns the number of events seen, including previous runs.
func (a *EventCounter) Count() int64 {
	return a.count.Load()
}

func (a *EventCounter) handle(hub.Event) {
	n := a.count.Add(1)
	if a.notifyEvery == 0 || n%a.notifyEvery != 0 {
		return
	}
	data := dynamic.New()
	data.Set("title", dynamic.String("hubd"))
	data.Set("message", dynamic.String(fmt.Sprintf("%d %s events", n, a.eventType)))
	if err := a.actx.CallService(a.ctx, "persistent_notification", "create", data); err != nil {
		a.actx.Log.Warn().Err(err).Msg("notification failed")
	}
}

func (a *EventCounter) Stop(ctx context.Context) error {
	if a.actx == nil || a.actx.Storage == nil {
		return nil
	}
	return a.actx.Storage.Save(ctx, countKey, a.count.Load())
}
