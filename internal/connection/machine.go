// Package connection owns the websocket lifecycle: dialing, the connection
// state machine and reconnect backoff.
package connection

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/threadline/errs"
	"github.com/coachpo/threadline/internal/dispatcher"
	"github.com/coachpo/threadline/internal/fsm"
	"github.com/coachpo/threadline/internal/infra/telemetry"
	"github.com/coachpo/threadline/internal/protocol"
	"github.com/coachpo/threadline/internal/ui"
	"github.com/coachpo/threadline/lib/async"
)

// State is a connection state.
type State string

const (
	StateConnecting State = "connecting"
	StateSynced     State = "synced"
	StateDropped    State = "dropped"
	StateDesynced   State = "desynced"
)

// Event drives the connection machine.
type Event string

const (
	EventSync       Event = "sync"
	EventDisconnect Event = "disconnect"
	EventRetry      Event = "retry"
	EventError      Event = "error"
)

// Link is one established session with the server.
type Link interface {
	Send(ctx context.Context, frame []byte) error
	// Run delivers inbound frames until the link fails or is closed.
	Run(ctx context.Context, handler func(frame []byte)) error
	Close() error
}

// Dialer establishes links.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Link, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context) (Link, error) { return f(ctx) }

// BackoffConfig shapes the delay between reconnect attempts.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Options configures a Manager.
type Options struct {
	Dialer  Dialer
	Loop    *async.Loop
	Table   *dispatcher.Table
	Backoff BackoffConfig
	Status  ui.StatusIndicator
	Logger  *log.Logger
	Metrics *telemetry.Metrics
}

// Manager runs the connection state machine. Everything except Send, Request
// and Stop must be called on the event loop.
type Manager struct {
	machine *fsm.Machine[State, Event]
	loop    *async.Loop
	table   *dispatcher.Table
	dialer  Dialer
	status  ui.StatusIndicator
	logger  *log.Logger
	metrics *telemetry.Metrics
	backoff *backoff.ExponentialBackOff

	ctx    context.Context
	cancel context.CancelFunc

	// generation identifies the current dial attempt; results from older
	// attempts are discarded. Loop only.
	generation uint64
	retry      *time.Timer

	linkMu sync.RWMutex
	link   Link
}

// NewManager builds the machine in the connecting state. Call Start to dial.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	bo := backoff.NewExponentialBackOff()
	if opts.Backoff.InitialInterval > 0 {
		bo.InitialInterval = opts.Backoff.InitialInterval
	}
	if opts.Backoff.MaxInterval > 0 {
		bo.MaxInterval = opts.Backoff.MaxInterval
	}
	if opts.Backoff.Multiplier >= 1 {
		bo.Multiplier = opts.Backoff.Multiplier
	}
	bo.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		machine: fsm.New[State, Event](StateConnecting),
		loop:    opts.Loop,
		table:   opts.Table,
		dialer:  opts.Dialer,
		status:  opts.Status,
		logger:  logger,
		metrics: opts.Metrics,
		backoff: bo,
		ctx:     ctx,
		cancel:  cancel,
	}
	m.install()
	return m
}

func (m *Manager) install() {
	to := func(state State) fsm.Handler[State] {
		return func(...any) State { return state }
	}
	m.machine.Act(StateConnecting, EventSync, to(StateSynced))
	m.machine.Act(StateConnecting, EventDisconnect, to(StateDropped))
	m.machine.Act(StateSynced, EventDisconnect, to(StateDropped))
	m.machine.Act(StateDropped, EventRetry, to(StateConnecting))
	m.machine.WildAct(EventError, to(StateDesynced))

	m.machine.Observe(func(from, to State, event Event) {
		m.logger.Printf("connection: %s -> %s (%s)", from, to, event)
		m.metrics.RecordTransition(telemetry.MachineConnection, string(from), string(to), string(event))
	})

	m.machine.On(StateConnecting, func() {
		m.setStatus(ui.StatusConnecting)
		m.dial()
	})
	m.machine.On(StateSynced, func() {
		m.backoff.Reset()
		m.setStatus(ui.StatusSynced)
	})
	m.machine.On(StateDropped, func() {
		m.teardown(errs.New("connection/dropped", errs.CodeTransport, errs.WithReason(errs.ReasonNotConnected)))
		m.setStatus(ui.StatusDisconnected)
		m.scheduleRetry()
	})
	m.machine.On(StateDesynced, func() {
		m.teardown(errs.New("connection/desynced", errs.CodeProtocol, errs.WithReason(errs.ReasonNotConnected)))
		m.stopRetry()
		m.setStatus(ui.StatusDesynced)
	})
}

// Start dials the server. It may be called from any goroutine.
func (m *Manager) Start() error {
	return m.loop.Post(func() {
		m.setStatus(ui.StatusConnecting)
		m.dial()
	})
}

// Stop closes the link and cancels any pending reconnect. Safe from any goroutine.
func (m *Manager) Stop() {
	m.cancel()
	_ = m.loop.Post(m.stopRetry)
	m.closeLink()
}

// State returns the current state. Loop only.
func (m *Manager) State() State { return m.machine.State() }

// Feed applies event. Loop only.
func (m *Manager) Feed(event Event) { m.machine.Feed(event) }

// Feeder returns a function feeding event, for cross-machine hooks.
func (m *Manager) Feeder(event Event) func() { return m.machine.Feeder(event) }

// On registers an entry hook. Loop only, or before Start.
func (m *Manager) On(state State, callback func()) { m.machine.On(state, callback) }

// Observe registers a transition observer. Loop only, or before Start.
func (m *Manager) Observe(observer fsm.Observer[State, Event]) { m.machine.Observe(observer) }

// Send encodes and writes a message on the current link.
func (m *Manager) Send(ctx context.Context, typ protocol.MessageType, payload any) error {
	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	m.linkMu.RLock()
	link := m.link
	m.linkMu.RUnlock()
	if link == nil {
		return errs.New("connection/send", errs.CodeTransport, errs.WithReason(errs.ReasonNotConnected),
			errs.WithMessage("send "+typ.String()))
	}
	return link.Send(ctx, frame)
}

// Request sends a message and waits for the first frame of type reply.
func (m *Manager) Request(ctx context.Context, typ protocol.MessageType, payload any, reply protocol.MessageType) ([]byte, error) {
	pending := m.table.Expect(reply)
	if err := m.Send(ctx, typ, payload); err != nil {
		pending.Cancel()
		return nil, err
	}
	return pending.Wait(ctx)
}

func (m *Manager) dial() {
	if m.ctx.Err() != nil {
		return
	}
	m.generation++
	gen := m.generation
	go func() {
		link, err := m.dialer.Dial(m.ctx)
		postErr := m.loop.Post(func() { m.dialed(gen, link, err) })
		if postErr != nil && link != nil {
			_ = link.Close()
		}
	}()
}

func (m *Manager) dialed(gen uint64, link Link, err error) {
	if gen != m.generation || m.machine.State() != StateConnecting || m.ctx.Err() != nil {
		if link != nil {
			_ = link.Close()
		}
		return
	}
	if err != nil {
		m.metrics.RecordDial(telemetry.ResultError)
		m.logger.Printf("connection: dial failed: %v", err)
		m.machine.Feed(EventDisconnect)
		return
	}
	m.metrics.RecordDial(telemetry.ResultSuccess)

	m.linkMu.Lock()
	m.link = link
	m.linkMu.Unlock()

	go func() {
		runErr := link.Run(m.ctx, func(frame []byte) {
			_ = m.loop.Post(func() { m.received(gen, frame) })
		})
		_ = m.loop.Post(func() { m.linkFailed(gen, runErr) })
	}()
	m.machine.Feed(EventSync)
}

func (m *Manager) received(gen uint64, frame []byte) {
	if gen != m.generation {
		return
	}
	if typ, _, err := protocol.Decode(frame); err == nil {
		m.metrics.RecordFrame(typ.String())
	}
	if err := m.table.Dispatch(frame); err != nil {
		if errs.Is(err, errs.CodeProtocol) {
			m.logger.Printf("connection: protocol error: %v", err)
			m.machine.Feed(EventError)
			return
		}
		m.logger.Printf("connection: handler error: %v", err)
	}
}

func (m *Manager) linkFailed(gen uint64, err error) {
	if gen != m.generation {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Printf("connection: link lost: %v", err)
	}
	m.machine.Feed(EventDisconnect)
}

// teardown invalidates the current generation, closes the link and fails
// every caller waiting on a reply.
func (m *Manager) teardown(cause error) {
	m.generation++
	m.closeLink()
	if m.table != nil {
		m.table.FailWaiters(cause)
	}
}

func (m *Manager) closeLink() {
	m.linkMu.Lock()
	link := m.link
	m.link = nil
	m.linkMu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}

func (m *Manager) scheduleRetry() {
	m.stopRetry()
	if m.ctx.Err() != nil {
		return
	}
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = m.backoff.MaxInterval
	}
	m.metrics.RecordReconnectDelay(delay)
	m.logger.Printf("connection: reconnecting in %s", delay)
	m.retry = time.AfterFunc(delay, func() {
		_ = m.loop.Post(m.machine.Feeder(EventRetry))
	})
}

func (m *Manager) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) setStatus(status ui.Status) {
	if m.status != nil {
		m.status.SetStatus(status)
	}
}
