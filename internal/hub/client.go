// Package hub speaks the automation hub's websocket API: authentication,
// commands with id correlation, event subscriptions and heartbeats.
package hub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/danmuck/hubd/internal/dynamic"
	"github.com/rs/zerolog"
)

// Client owns at most one live session at a time. Run is called once per
// session attempt; handlers registered with Subscribe survive reconnects.
type Client struct {
	cfg Config
	log zerolog.Logger

	connected atomic.Bool
	nextID    atomic.Uint64

	mu       sync.Mutex
	sess     *session
	version  string
	handlers map[string][]*handler
}

type handler struct {
	fn func(Event)
}

type delivery struct {
	eventType string
	event     Event
}

type session struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	closed chan struct{} // read loop exited
	done   chan struct{} // Run returned
	events chan delivery

	readErr error

	mu       sync.Mutex
	pending  map[uint64]chan envelope
	subTypes map[uint64]string
	subbed   map[string]bool
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:      cfg.WithDefaults(),
		log:      logger.With().Str("component", "hub").Logger(),
		handlers: make(map[string][]*handler),
	}
}

// Connected reports whether a session is authenticated and running.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Version is the hub version announced by the last successful handshake.
func (c *Client) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Run dials target, authenticates and serves the session until ctx is
// cancelled, Stop is called or the connection fails. Cancellation and Stop
// return nil.
func (c *Client) Run(ctx context.Context, target Target) error {
	if err := target.Validate(); err != nil {
		return err
	}
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := c.dial(sessCtx, target)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	version, err := c.authenticate(sessCtx, conn, target.Token)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return err
	}

	s := &session{
		conn:     conn,
		cancel:   cancel,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
		events:   make(chan delivery, c.cfg.EventBuffer),
		pending:  make(map[uint64]chan envelope),
		subTypes: make(map[uint64]string),
		subbed:   make(map[string]bool),
	}
	c.attach(s, version)
	defer c.detach(s)
	c.log.Info().Str("target", target.String()).Str("version", version).Msg("hub session connected")

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		c.readLoop(sessCtx, s)
	}()
	go func() {
		defer loops.Done()
		c.dispatchLoop(s)
	}()
	defer func() {
		cancel()
		_ = conn.CloseNow()
		loops.Wait()
	}()

	if err := c.subscribeAll(sessCtx, s); err != nil {
		if sessCtx.Err() != nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			_ = conn.Close(websocket.StatusGoingAway, "subscription unanswered")
			return fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		c.log.Warn().Err(err).Msg("hub event subscription failed")
	}

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sessCtx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
			return nil
		case <-s.closed:
			if sessCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrSessionClosed, s.readErr)
		case <-ticker.C:
			if err := c.ping(sessCtx, s); err != nil {
				if sessCtx.Err() != nil {
					return nil
				}
				c.log.Warn().Err(err).Dur("timeout", c.cfg.CallTimeout).Msg("hub heartbeat unanswered")
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return fmt.Errorf("%w: heartbeat: %v", ErrSessionClosed, err)
			}
		}
	}
}

// Stop cancels the live session, if any, and waits for Run to return or ctx
// to expire.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call sends one command and returns its result payload.
func (c *Client) Call(ctx context.Context, msgType string, fields map[string]any) (json.RawMessage, error) {
	s := c.current()
	if s == nil {
		return nil, ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	msg := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}
	msg["type"] = msgType
	env, err := c.call(ctx, s, c.nextID.Add(1), msg)
	if err != nil {
		return nil, err
	}
	return env.Result, nil
}

// CallService invokes domain.service with optional service data.
func (c *Client) CallService(ctx context.Context, domain, service string, data *dynamic.Record) error {
	fields := map[string]any{
		"domain":  strings.TrimSpace(domain),
		"service": strings.TrimSpace(service),
	}
	if data != nil && data.Len() > 0 {
		fields["service_data"] = data
	}
	_, err := c.Call(ctx, cmdCallService, fields)
	return err
}

// Subscribe registers fn for eventType ("" for every event). When a session
// is live the hub subscription is created immediately; otherwise on the next
// connect. The returned func removes the handler.
func (c *Client) Subscribe(ctx context.Context, eventType string, fn func(Event)) (func(), error) {
	h := &handler{fn: fn}
	c.mu.Lock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
	s := c.sess
	c.mu.Unlock()

	unsubscribe := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.handlers[eventType]
		for i, candidate := range list {
			if candidate == h {
				c.handlers[eventType] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(c.handlers[eventType]) == 0 {
			delete(c.handlers, eventType)
		}
	}

	if s == nil {
		return unsubscribe, nil
	}
	if err := c.subscribe(ctx, s, eventType); err != nil {
		unsubscribe()
		return nil, err
	}
	return unsubscribe, nil
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) attach(s *session, version string) {
	c.mu.Lock()
	c.sess = s
	c.version = version
	c.mu.Unlock()
	c.connected.Store(true)
}

func (c *Client) detach(s *session) {
	c.connected.Store(false)
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	close(s.done)
}

func (c *Client) dial(ctx context.Context, target Target) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if target.TLS && !target.Addon() {
		tlsCfg, err := c.clientTLSConfig(target)
		if err != nil {
			return nil, err
		}
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}
	}
	conn, _, err := websocket.Dial(dialCtx, target.URL(), opts)
	if err != nil {
		return nil, fmt.Errorf("hub: dial %s: %w", target.URL(), err)
	}
	conn.SetReadLimit(c.cfg.ReadLimit)
	return conn, nil
}

func (c *Client) clientTLSConfig(target Target) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.TLS.InsecureSkipVerify,
	}
	serverName := strings.TrimSpace(c.cfg.TLS.ServerName)
	if serverName == "" {
		serverName = strings.TrimSpace(target.Host)
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.cfg.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("hub: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// authenticate runs auth_required -> auth -> auth_ok and returns the hub version.
func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn, token string) (string, error) {
	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	var first envelope
	if err := wsjson.Read(hsCtx, conn, &first); err != nil {
		return "", fmt.Errorf("hub: read %s: %w", msgAuthRequired, err)
	}
	if first.Type != msgAuthRequired {
		return "", fmt.Errorf("%w: %q before auth", ErrUnexpectedMessage, first.Type)
	}
	if err := wsjson.Write(hsCtx, conn, authMessage{Type: msgAuth, AccessToken: token}); err != nil {
		return "", fmt.Errorf("hub: write %s: %w", msgAuth, err)
	}

	var reply envelope
	if err := wsjson.Read(hsCtx, conn, &reply); err != nil {
		return "", fmt.Errorf("hub: read auth reply: %w", err)
	}
	switch reply.Type {
	case msgAuthOK:
		return reply.HAVersion, nil
	case msgAuthInvalid:
		return "", fmt.Errorf("%w: %s", ErrAuthInvalid, reply.Message)
	default:
		return "", fmt.Errorf("%w: %q during auth", ErrUnexpectedMessage, reply.Type)
	}
}

func (c *Client) readLoop(ctx context.Context, s *session) {
	defer close(s.closed)
	for {
		var env envelope
		if err := wsjson.Read(ctx, s.conn, &env); err != nil {
			s.readErr = err
			return
		}
		switch env.Type {
		case msgResult, msgPong:
			s.mu.Lock()
			ch, ok := s.pending[env.ID]
			s.mu.Unlock()
			if ok {
				ch <- env
			}
		case msgEvent:
			s.mu.Lock()
			eventType, ok := s.subTypes[env.ID]
			s.mu.Unlock()
			if !ok {
				continue
			}
			ev, err := decodeEvent(env.Event)
			if err != nil {
				c.log.Warn().Err(err).Uint64("subscription", env.ID).Msg("hub event dropped")
				continue
			}
			select {
			case s.events <- delivery{eventType: eventType, event: ev}:
			default:
				c.log.Warn().Str("event_type", ev.Type).Msg("hub event buffer full, event dropped")
			}
		default:
			c.log.Debug().Str("type", env.Type).Msg("hub message ignored")
		}
	}
}

func (c *Client) dispatchLoop(s *session) {
	for {
		select {
		case <-s.closed:
			return
		case d := <-s.events:
			c.dispatch(d)
		}
	}
}

func (c *Client) dispatch(d delivery) {
	c.mu.Lock()
	list := append([]*handler(nil), c.handlers[d.eventType]...)
	c.mu.Unlock()
	for _, h := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Interface("panic", r).Str("event_type", d.event.Type).Msg("hub event handler panicked")
				}
			}()
			h.fn(d.event)
		}()
	}
}

func (c *Client) subscribeAll(ctx context.Context, s *session) error {
	c.mu.Lock()
	types := make([]string, 0, len(c.handlers))
	for eventType := range c.handlers {
		types = append(types, eventType)
	}
	c.mu.Unlock()
	for _, eventType := range types {
		if err := c.subscribe(ctx, s, eventType); err != nil {
			return err
		}
	}
	return nil
}

// ping sends one heartbeat and waits at most CallTimeout for the pong.
func (c *Client) ping(ctx context.Context, s *session) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	_, err := c.call(ctx, s, c.nextID.Add(1), map[string]any{"type": msgPing})
	return err
}

// subscribe waits at most CallTimeout for the hub to confirm unless ctx
// already carries a deadline.
func (c *Client) subscribe(ctx context.Context, s *session, eventType string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	s.mu.Lock()
	if s.subbed[eventType] {
		s.mu.Unlock()
		return nil
	}
	id := c.nextID.Add(1)
	s.subbed[eventType] = true
	s.subTypes[id] = eventType
	s.mu.Unlock()

	msg := map[string]any{"type": cmdSubscribeEvents}
	if eventType != "" {
		msg["event_type"] = eventType
	}
	if _, err := c.call(ctx, s, id, msg); err != nil {
		s.mu.Lock()
		delete(s.subbed, eventType)
		delete(s.subTypes, id)
		s.mu.Unlock()
		return fmt.Errorf("hub: subscribe %q: %w", eventType, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, s *session, id uint64, msg map[string]any) (envelope, error) {
	msg["id"] = id
	ch := make(chan envelope, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	err := wsjson.Write(writeCtx, s.conn, msg)
	cancel()
	if err != nil {
		return envelope{}, fmt.Errorf("hub: write %v: %w", msg["type"], err)
	}

	select {
	case env := <-ch:
		return env, env.err()
	case <-s.closed:
		return envelope{}, ErrSessionClosed
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	}
}
