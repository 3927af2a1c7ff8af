// Package compose governs the lifecycle of the single post the local user may
// be writing: drafting, server allocation, captcha gating, single-shot
// submission and ownership across connectivity loss.
package compose

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/threadline/errs"
	"github.com/coachpo/threadline/internal/api"
	"github.com/coachpo/threadline/internal/fsm"
	"github.com/coachpo/threadline/internal/infra/telemetry"
	"github.com/coachpo/threadline/internal/protocol"
	"github.com/coachpo/threadline/internal/ui"
	"github.com/coachpo/threadline/lib/async"
)

// State is a composition state.
type State string

const (
	StateNone           State = "none"
	StateReady          State = "ready"
	StateHalted         State = "halted"
	StateLocked         State = "locked"
	StateDraft          State = "draft"
	StateAlloc          State = "alloc"
	StateNeedCaptcha    State = "needCaptcha"
	StateSendingNonLive State = "sendingNonLive"
	StateErrored        State = "errored"
)

// Event drives the composition machine.
type Event string

const (
	EventSync          Event = "sync"
	EventOpen          Event = "open"
	EventAlloc         Event = "alloc"
	EventDone          Event = "done"
	EventCaptchaSolved Event = "captchaSolved"
	EventReclaim       Event = "reclaim"
	EventAbandon       Event = "abandon"
	EventDisconnect    Event = "disconnect"
	EventError         Event = "error"
	EventReset         Event = "reset"
	// EventFail reports a failed single-shot submission.
	EventFail Event = "fail"
)

const defaultRequestTimeout = 15 * time.Second

// Sender is the websocket side the machine streams a live post through.
type Sender interface {
	Send(ctx context.Context, typ protocol.MessageType, payload any) error
	Request(ctx context.Context, typ protocol.MessageType, payload any, reply protocol.MessageType) ([]byte, error)
}

// Poster is the HTTP side used for uploads and single-shot submissions.
type Poster interface {
	FetchToken(ctx context.Context) (api.Token, error)
	Submit(ctx context.Context, sub api.Submission) (api.SubmitResult, error)
	Upload(ctx context.Context, file api.File) (string, error)
}

// MineSet remembers which posts this client authored.
type MineSet interface {
	Has(id uint64) bool
	Add(id uint64) error
}

// Options configures a Machine.
type Options struct {
	Loop           *async.Loop
	Conn           Sender
	API            Poster
	Form           ui.Form
	Alerter        ui.Alerter
	Mine           MineSet
	Now            func() time.Time
	NewPassword    func() string
	RequestTimeout time.Duration
	Logger         *log.Logger
	Metrics        *telemetry.Metrics
}

// Machine is the post-composition state machine. All methods must be called on
// the event loop.
type Machine struct {
	fsm     *fsm.Machine[State, Event]
	loop    *async.Loop
	conn    Sender
	api     Poster
	form    ui.Form
	alerter ui.Alerter
	mine    MineSet
	now     func() time.Time
	newPass func() string
	timeout time.Duration
	logger  *log.Logger
	metrics *telemetry.Metrics

	outbox          chan outbound
	record          *Record
	board           string
	thread          uint64
	name            string
	captchaRequired bool
}

// New builds the machine in the none state.
func New(opts Options) *Machine {
	m := &Machine{
		fsm:     fsm.New[State, Event](StateNone),
		loop:    opts.Loop,
		conn:    opts.Conn,
		api:     opts.API,
		form:    opts.Form,
		alerter: opts.Alerter,
		mine:    opts.Mine,
		now:     opts.Now,
		newPass: opts.NewPassword,
		timeout: opts.RequestTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newPass == nil {
		m.newPass = uuid.NewString
	}
	if m.timeout <= 0 {
		m.timeout = defaultRequestTimeout
	}
	if m.logger == nil {
		m.logger = log.Default()
	}
	m.install()
	return m
}

func (m *Machine) install() {
	to := func(state State) fsm.Handler[State] {
		return func(...any) State { return state }
	}

	m.fsm.Act(StateNone, EventSync, to(StateReady))
	m.fsm.Act(StateLocked, EventSync, to(StateReady))
	m.fsm.Act(StateReady, EventOpen, m.openDraft)
	m.fsm.Act(StateDraft, EventAlloc, to(StateAlloc))
	m.fsm.Act(StateDraft, EventDone, m.finishDraft)
	m.fsm.Act(StateAlloc, EventDone, m.closeAllocated)
	m.fsm.Act(StateSendingNonLive, EventDone, m.discardTo(StateReady))
	m.fsm.Act(StateSendingNonLive, EventFail, m.submissionFailed)
	m.fsm.Act(StateNeedCaptcha, EventCaptchaSolved, m.captchaSolved)
	m.fsm.Act(StateNeedCaptcha, EventDone, m.discardTo(StateReady))
	m.fsm.Act(StateHalted, EventReclaim, m.reclaimed)
	m.fsm.Act(StateHalted, EventAbandon, m.discardTo(StateReady))

	m.fsm.WildAct(EventDisconnect, m.disconnected)
	m.fsm.WildAct(EventError, m.discardTo(StateErrored))
	m.fsm.WildAct(EventReset, m.discardTo(StateReady))

	m.fsm.Observe(func(from, to State, event Event) {
		m.logger.Printf("compose: %s -> %s (%s)", from, to, event)
		m.metrics.RecordTransition(telemetry.MachinePost, string(from), string(to), string(event))
	})

	m.fsm.On(StateReady, func() {
		m.setGuard(false)
		m.setControls(ui.ControlsEnabled)
	})
	m.fsm.On(StateLocked, func() {
		m.setGuard(false)
		m.setControls(ui.ControlsDisabled)
	})
	m.fsm.On(StateHalted, func() {
		if rec := m.record; rec != nil {
			rec.epoch.Add(1)
		}
		m.setControls(ui.ControlsDisabled)
	})
	m.fsm.On(StateDraft, func() {
		m.setControls(ui.ControlsEnabled)
	})
	m.fsm.On(StateNeedCaptcha, func() {
		m.setControls(ui.ControlsEnabled)
	})
	m.fsm.On(StateAlloc, func() {
		m.setGuard(true)
		m.setControls(ui.ControlsEnabled)
		m.flush()
	})
	m.fsm.On(StateSendingNonLive, func() {
		m.setControls(ui.ControlsDisabled)
		m.submit()
	})
	m.fsm.On(StateErrored, func() {
		m.setGuard(false)
		m.setControls(ui.ControlsErrored)
	})
}

// State returns the current state.
func (m *Machine) State() State { return m.fsm.State() }

// Feed applies event.
func (m *Machine) Feed(event Event, args ...any) { m.fsm.Feed(event, args...) }

// Feeder returns a function feeding event, for cross-machine hooks.
func (m *Machine) Feeder(event Event) func() { return m.fsm.Feeder(event) }

// On registers an entry hook.
func (m *Machine) On(state State, callback func()) { m.fsm.On(state, callback) }

// Observe registers a transition observer.
func (m *Machine) Observe(observer fsm.Observer[State, Event]) { m.fsm.Observe(observer) }

// HasAct reports whether the per-state table handles (state, event).
func (m *Machine) HasAct(state State, event Event) bool { return m.fsm.HasAct(state, event) }

// Record returns a copy of the current record.
func (m *Machine) Record() (Record, bool) {
	if m.record == nil {
		return Record{}, false
	}
	return m.record.snapshot(), true
}

// SetTarget selects the board and thread new posts go to. A zero thread
// creates a new thread.
func (m *Machine) SetTarget(board string, thread uint64) {
	m.board = board
	m.thread = thread
}

// SetName sets the poster name used for new records.
func (m *Machine) SetName(name string) { m.name = name }

// SetCaptchaRequired records whether the server demands a captcha before the
// next post.
func (m *Machine) SetCaptchaRequired(required bool) { m.captchaRequired = required }

// CaptchaRequired reports the captcha flag.
func (m *Machine) CaptchaRequired() bool { return m.captchaRequired }

// Open starts a new post. Single-shot posts are submitted as one request on Done.
func (m *Machine) Open(nonLive bool) error {
	if !m.fsm.HasAct(m.State(), EventOpen) {
		return m.rejected("compose/open")
	}
	m.Feed(EventOpen, nonLive)
	return nil
}

// SolveCaptcha attaches a solved captcha token and leaves the captcha gate.
func (m *Machine) SolveCaptcha(token string) error {
	if m.State() != StateNeedCaptcha {
		return m.rejected("compose/captcha")
	}
	m.Feed(EventCaptchaSolved, token)
	return nil
}

// Done finishes the current post: closes an allocated post, submits a
// single-shot post, cancels an in-flight submission or discards a draft.
func (m *Machine) Done() error {
	if !m.fsm.HasAct(m.State(), EventDone) {
		return m.rejected("compose/done")
	}
	m.Feed(EventDone)
	return nil
}

func (m *Machine) rejected(op string) error {
	return errs.New(op, errs.CodeInvalid, errs.WithMessage("not allowed in state "+string(m.State())))
}

func (m *Machine) openDraft(args ...any) State {
	nonLive := false
	if len(args) > 0 {
		if v, ok := args[0].(bool); ok {
			nonLive = v
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.record = &Record{
		Board:    m.board,
		Thread:   m.thread,
		Name:     m.name,
		Password: m.newPass(),
		NonLive:  nonLive,
		epoch:    new(atomic.Uint64),
		ctx:      ctx,
		cancel:   cancel,
	}
	if nonLive {
		m.prefetchToken(m.record)
	}
	if m.captchaRequired {
		return StateNeedCaptcha
	}
	return StateDraft
}

func (m *Machine) finishDraft(...any) State {
	rec := m.record
	if rec != nil && rec.NonLive && (rec.Body != "" || rec.File != nil) {
		return StateSendingNonLive
	}
	m.discard()
	return StateReady
}

func (m *Machine) closeAllocated(...any) State {
	if rec := m.record; rec != nil {
		m.flush()
		m.sendAsync("compose/close", protocol.MessageClosePost, rec.ID)
	}
	m.discard()
	return StateReady
}

// reclaimed rebases the record on what the server acknowledged so the alloc
// entry flush resends edits lost with the old link.
func (m *Machine) reclaimed(...any) State {
	if rec := m.record; rec != nil {
		rec.sentBody = rec.acked
		rec.imageSent = rec.imageAcked
	}
	return StateAlloc
}

func (m *Machine) captchaSolved(args ...any) State {
	rec := m.record
	if rec != nil && len(args) > 0 {
		if token, ok := args[0].(string); ok {
			rec.Captcha = token
		}
	}
	m.captchaRequired = false
	if rec != nil && rec.uploadQueued && rec.live() {
		rec.uploadQueued = false
		m.startUpload(rec)
	}
	if rec != nil && rec.live() && rec.ID == 0 && !rec.allocating && rec.Body != "" {
		m.allocate(rec)
	}
	return StateDraft
}

func (m *Machine) disconnected(...any) State {
	switch m.State() {
	case StateAlloc, StateHalted:
		return StateHalted
	case StateErrored:
		return StateErrored
	default:
		m.discard()
		return StateLocked
	}
}

func (m *Machine) discardTo(state State) fsm.Handler[State] {
	return func(...any) State {
		m.discard()
		return state
	}
}

func (m *Machine) discard() {
	if m.record != nil {
		m.record.discard()
		m.record = nil
	}
}

func (m *Machine) setControls(state ui.ControlState) {
	if m.form != nil {
		m.form.SetControls(state)
	}
}

func (m *Machine) setGuard(enabled bool) {
	if m.form != nil {
		m.form.SetNavigationGuard(enabled)
	}
}

// report routes a failure to the form when it is the user's to fix and to an
// alert otherwise.
func (m *Machine) report(err error) {
	if err == nil {
		return
	}
	m.logger.Printf("compose: %v", err)
	if errs.Is(err, errs.CodeValidation) {
		if m.form != nil {
			m.form.InlineError(err)
		}
		return
	}
	if m.alerter != nil {
		m.alerter.Alert(err)
	}
}

// post schedules fn on the loop unless rec has been discarded in the meantime.
func (m *Machine) post(rec *Record, fn func()) {
	_ = m.loop.Post(func() {
		if rec != m.record || rec.ctx.Err() != nil {
			return
		}
		fn()
	})
}
