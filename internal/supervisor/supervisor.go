// Package supervisor keeps one hub session alive: it starts a session,
// probes for the connection, runs app discovery once per session and retries
// after a fixed cooldown until cancelled.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hubd/internal/hub"
	"github.com/danmuck/hubd/internal/observability"
	"github.com/rs/zerolog"
)

var (
	ErrUnhandledFault = errors.New("supervisor: unhandled fault")
	ErrAlreadyRunning = errors.New("supervisor: already running")
)

// Hub runs one session per call; Connected reports whether that session is
// authenticated.
type Hub interface {
	Run(ctx context.Context, target hub.Target) error
	Connected() bool
}

// Discoverer loads apps once per connected session and unloads them when the
// session is over.
type Discoverer interface {
	Discover(ctx context.Context, sourceDir string, startup bool) error
	Unload()
}

type Supervisor struct {
	hub        Hub
	discoverer Discoverer
	opts       Options
	log        zerolog.Logger

	state    atomic.Int32
	attempts atomic.Uint64
	connects atomic.Uint64

	mu      sync.Mutex
	attempt *Attempt
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a supervisor. A nil discoverer skips discovery.
func New(h Hub, discoverer Discoverer, opts Options) *Supervisor {
	opts = opts.WithDefaults()
	return &Supervisor{
		hub:        h,
		discoverer: discoverer,
		opts:       opts,
		log:        opts.Logger.With().Str("component", "supervisor").Logger(),
	}
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) Status() Status {
	st := Status{
		State:    s.State(),
		Attempts: s.attempts.Load(),
		Connects: s.connects.Load(),
	}
	s.mu.Lock()
	if s.attempt != nil {
		a := *s.attempt
		st.Attempt = &a
	}
	s.mu.Unlock()
	return st
}

// Run drives the retry loop until ctx is cancelled or Stop is called, and
// returns nil. A panic escaping the loop is logged and returned wrapped in
// ErrUnhandledFault.
func (s *Supervisor) Run(ctx context.Context, cfg RunConfig) (err error) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	defer func() {
		cancel()
		s.setState(StateStopped)
		s.mu.Lock()
		s.cancel = nil
		s.done = nil
		s.mu.Unlock()
		close(done)
	}()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("supervisor unhandled fault")
			err = fmt.Errorf("%w: %v", ErrUnhandledFault, r)
		}
	}()

	s.log.Info().
		Str("target", cfg.Target.String()).
		Str("source", cfg.SourceDir).
		Msg("supervisor starting")

	for runCtx.Err() == nil {
		s.runAttempt(runCtx, cfg)
		if runCtx.Err() != nil {
			break
		}
		s.setState(StateRetrying)
		s.log.Info().Dur("cooldown", s.opts.Cooldown).Msg("retrying hub connection after cooldown")
		if !sleep(runCtx, s.opts.Cooldown) {
			break
		}
	}
	s.log.Info().Msg("supervisor stopped")
	return nil
}

// Stop requests shutdown and waits up to timeout for Run to return.
func (s *Supervisor) Stop(timeout time.Duration) {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	s.log.Info().Msg("supervisor stop requested")
	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Warn().Dur("timeout", timeout).Msg("supervisor still stopping after timeout")
	}
}

// runAttempt runs one session attempt. Every connected session gets a
// startup discovery.
func (s *Supervisor) runAttempt(ctx context.Context, cfg RunConfig) {
	a := newAttempt(cfg.Target)
	s.attempts.Add(1)
	s.mu.Lock()
	s.attempt = a
	s.mu.Unlock()
	s.setState(StateConnecting)

	log := s.log.With().Str("attempt", a.ID).Logger()
	log.Info().Str("target", cfg.Target.String()).Msg("connecting to hub")

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sessionDone := make(chan error, 1)
	go func() {
		sessionDone <- s.runSession(attemptCtx, log, cfg.Target)
	}()

	outcome, sessionErr := s.probe(ctx, a, sessionDone)
	switch outcome {
	case OutcomeCancelled:
		cancel()
		<-sessionDone
		s.finish(a, outcome)
		return
	case OutcomeFaulted:
		log.Warn().Err(sessionErr).Int("probes", s.probes(a)).Msg("hub unavailable")
		s.finish(a, outcome)
		return
	case OutcomeTimedOut:
		log.Warn().Int("probes", s.probes(a)).Msg("hub unavailable")
		cancel()
		<-sessionDone
		s.finish(a, outcome)
		return
	}

	s.connects.Add(1)
	s.setOutcome(a, OutcomeConnected)
	s.setState(StateConnected)
	log.Info().Uint64("session", s.connects.Load()).Int("probes", s.probes(a)).Msg("hub connected")

	s.discover(attemptCtx, log, cfg.SourceDir)

	select {
	case sessionErr = <-sessionDone:
	case <-ctx.Done():
		cancel()
		sessionErr = <-sessionDone
	}
	if s.discoverer != nil {
		s.discoverer.Unload()
	}
	if ctx.Err() == nil {
		log.Warn().Err(sessionErr).Msg("hub disconnected")
	}
	s.finish(a, OutcomeConnected)
}

// probe waits up to MaxProbes intervals for the hub to report connected.
// The connected flag is checked before every wait and once after the last.
func (s *Supervisor) probe(ctx context.Context, a *Attempt, sessionDone <-chan error) (Outcome, error) {
	for {
		if s.hub.Connected() {
			return OutcomeConnected, nil
		}
		if s.probes(a) >= s.opts.MaxProbes {
			return OutcomeTimedOut, nil
		}
		s.mu.Lock()
		a.Probes++
		s.mu.Unlock()

		timer := time.NewTimer(s.opts.ProbeInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return OutcomeCancelled, nil
		case err := <-sessionDone:
			timer.Stop()
			if ctx.Err() != nil {
				return OutcomeCancelled, nil
			}
			return OutcomeFaulted, err
		case <-timer.C:
		}
	}
}

func (s *Supervisor) runSession(ctx context.Context, log zerolog.Logger, target hub.Target) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("hub session panicked")
			err = fmt.Errorf("%w: hub session: %v", ErrUnhandledFault, r)
		}
	}()
	return s.hub.Run(ctx, target)
}

// discover runs a startup discovery once; failures are logged and never end
// the session.
func (s *Supervisor) discover(ctx context.Context, log zerolog.Logger, sourceDir string) {
	if s.discoverer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			observability.RecordDiscoveryFailure()
			log.Error().Interface("panic", r).Str("source", sourceDir).Msg("app discovery panicked")
		}
	}()
	if err := s.discoverer.Discover(ctx, sourceDir, true); err != nil {
		observability.RecordDiscoveryFailure()
		log.Error().Err(err).Str("source", sourceDir).Msg("app discovery failed")
	}
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	observability.SetConnectionState(st.String())
}

func (s *Supervisor) setOutcome(a *Attempt, o Outcome) {
	s.mu.Lock()
	a.Outcome = o
	s.mu.Unlock()
}

func (s *Supervisor) finish(a *Attempt, o Outcome) {
	s.mu.Lock()
	a.Outcome = o
	a.EndedAt = time.Now()
	s.mu.Unlock()
	observability.RecordAttempt(o.String())
}

func (s *Supervisor) probes(a *Attempt) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return a.Probes
}

// sleep waits d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
