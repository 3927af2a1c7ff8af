package compose

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/threadline/errs"
	"github.com/coachpo/threadline/internal/api"
	"github.com/coachpo/threadline/internal/posts"
	"github.com/coachpo/threadline/internal/protocol"
	"github.com/coachpo/threadline/internal/ui"
	"github.com/coachpo/threadline/lib/async"
)

type sentMessage struct {
	typ     protocol.MessageType
	payload any
}

type fakeConn struct {
	mu       sync.Mutex
	sent     []sentMessage
	requests []protocol.InsertPostRequest
	nextID   uint64
	// down makes every Send fail like a dropped link.
	down bool
	// hold delays allocation replies until closed.
	hold chan struct{}
}

func (c *fakeConn) Send(_ context.Context, typ protocol.MessageType, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errs.New("connection/send", errs.CodeTransport, errs.WithReason(errs.ReasonNotConnected))
	}
	c.sent = append(c.sent, sentMessage{typ: typ, payload: payload})
	return nil
}

func (c *fakeConn) setDown(down bool) {
	c.mu.Lock()
	c.down = down
	c.mu.Unlock()
}

func (c *fakeConn) Request(_ context.Context, typ protocol.MessageType, payload any, reply protocol.MessageType) ([]byte, error) {
	if typ != protocol.MessageInsertPost || reply != protocol.MessagePostID {
		return nil, errors.New("unexpected request")
	}
	c.mu.Lock()
	c.requests = append(c.requests, payload.(protocol.InsertPostRequest))
	id, hold := c.nextID, c.hold
	c.mu.Unlock()
	if hold != nil {
		<-hold
	}
	frame, _ := protocol.Encode(protocol.MessagePostID, id)
	return frame[2:], nil
}

func (c *fakeConn) messages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

func (c *fakeConn) inserts() []protocol.InsertPostRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.InsertPostRequest(nil), c.requests...)
}

type fakeAPI struct {
	mu          sync.Mutex
	uploads     []api.File
	submissions []api.Submission
	submitErr   error
	block       bool
	cancelled   chan struct{}
}

func (a *fakeAPI) FetchToken(context.Context) (api.Token, error) {
	return api.Token{ID: "tok", Salt: "salt"}, nil
}

func (a *fakeAPI) Submit(ctx context.Context, sub api.Submission) (api.SubmitResult, error) {
	a.mu.Lock()
	a.submissions = append(a.submissions, sub)
	block, err := a.block, a.submitErr
	a.mu.Unlock()
	if block {
		<-ctx.Done()
		close(a.cancelled)
		return api.SubmitResult{}, ctx.Err()
	}
	if err != nil {
		return api.SubmitResult{}, err
	}
	return api.SubmitResult{ID: 99, Thread: sub.Thread}, nil
}

func (a *fakeAPI) Upload(_ context.Context, file api.File) (string, error) {
	a.mu.Lock()
	a.uploads = append(a.uploads, file)
	a.mu.Unlock()
	return "img-" + file.Name, nil
}

func (a *fakeAPI) uploadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.uploads)
}

func (a *fakeAPI) submitted() []api.Submission {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]api.Submission(nil), a.submissions...)
}

type harness struct {
	loop    *async.Loop
	conn    *fakeConn
	api     *fakeAPI
	surface *ui.Recorder
	mine    *posts.Mine
	machine *Machine
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mine, err := posts.NewMine("")
	require.NoError(t, err)
	h := &harness{
		loop:    async.NewLoop(64),
		conn:    &fakeConn{nextID: 7},
		api:     &fakeAPI{cancelled: make(chan struct{})},
		surface: &ui.Recorder{},
		mine:    mine,
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.machine = New(Options{
		Loop:        h.loop,
		Conn:        h.conn,
		API:         h.api,
		Form:        h.surface,
		Alerter:     h.surface,
		Mine:        mine,
		Now:         func() time.Time { return h.now },
		NewPassword: func() string { return "secret" },
		Logger:      log.New(io.Discard, "", 0),
	})
	h.machine.SetTarget("a", 12)
	t.Cleanup(func() {
		_ = h.loop.Do(context.Background(), h.machine.Close)
		h.loop.Close()
	})
	return h
}

func (h *harness) do(t *testing.T, fn func(m *Machine)) {
	t.Helper()
	require.NoError(t, h.loop.Do(context.Background(), func() { fn(h.machine) }))
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	var st State
	h.do(t, func(m *Machine) { st = m.State() })
	return st
}

func (h *harness) record(t *testing.T) (Record, bool) {
	t.Helper()
	var rec Record
	var ok bool
	h.do(t, func(m *Machine) { rec, ok = m.Record() })
	return rec, ok
}

func (h *harness) waitFor(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.state(t) == want }, 2*time.Second, 5*time.Millisecond,
		"expected compose state %s", want)
}

// driveTo brings a fresh machine into state through ordinary events.
func (h *harness) driveTo(t *testing.T, state State) {
	t.Helper()
	switch state {
	case StateNone:
	case StateReady:
		h.do(t, func(m *Machine) { m.Feed(EventSync) })
	case StateLocked:
		h.do(t, func(m *Machine) { m.Feed(EventDisconnect) })
	case StateErrored:
		h.do(t, func(m *Machine) { m.Feed(EventError) })
	case StateDraft:
		h.driveTo(t, StateReady)
		h.do(t, func(m *Machine) { require.NoError(t, m.Open(false)) })
	case StateNeedCaptcha:
		h.do(t, func(m *Machine) { m.SetCaptchaRequired(true) })
		h.driveTo(t, StateReady)
		h.do(t, func(m *Machine) { require.NoError(t, m.Open(false)) })
	case StateAlloc:
		h.driveTo(t, StateDraft)
		h.do(t, func(m *Machine) { require.NoError(t, m.Write("hello")) })
		h.waitFor(t, StateAlloc)
	case StateHalted:
		h.driveTo(t, StateAlloc)
		h.do(t, func(m *Machine) { m.Feed(EventDisconnect) })
	case StateSendingNonLive:
		h.api.block = true
		h.driveTo(t, StateReady)
		h.do(t, func(m *Machine) {
			require.NoError(t, m.Open(true))
			require.NoError(t, m.Write("body"))
			require.NoError(t, m.Done())
		})
	}
	require.Equal(t, state, h.state(t))
}

var allStates = []State{
	StateNone, StateReady, StateHalted, StateLocked, StateDraft,
	StateAlloc, StateNeedCaptcha, StateSendingNonLive, StateErrored,
}

var tableEvents = []Event{
	EventSync, EventOpen, EventAlloc, EventDone, EventCaptchaSolved,
	EventReclaim, EventAbandon, EventFail,
}

func TestMissingTransitionsAreNoOps(t *testing.T) {
	for _, state := range allStates {
		for _, event := range tableEvents {
			h := newHarness(t)
			h.driveTo(t, state)
			var handled bool
			h.do(t, func(m *Machine) { handled = m.HasAct(state, event) })
			if handled {
				continue
			}
			h.do(t, func(m *Machine) { m.Feed(event) })
			assert.Equal(t, state, h.state(t), "%s + %s must be a no-op", state, event)
		}
	}
}

func TestReadyUnlocksControls(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateReady)
	assert.Equal(t, ui.ControlsEnabled, h.surface.Controls())

	h.do(t, func(m *Machine) { m.Feed(EventDisconnect) })
	assert.Equal(t, StateLocked, h.state(t))
	assert.Equal(t, ui.ControlsDisabled, h.surface.Controls())

	h.do(t, func(m *Machine) { m.Feed(EventSync) })
	assert.Equal(t, StateReady, h.state(t))
}

func TestDraftDisconnectDiscardsRecord(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateDraft)
	_, ok := h.record(t)
	require.True(t, ok)

	h.do(t, func(m *Machine) { m.Feed(EventDisconnect) })
	assert.Equal(t, StateLocked, h.state(t))
	_, ok = h.record(t)
	assert.False(t, ok)

	h.do(t, func(m *Machine) {
		assert.False(t, m.HasAct(StateLocked, EventDone))
		m.Feed(EventDone)
	})
	assert.Equal(t, StateLocked, h.state(t))
	assert.Equal(t, ui.ControlsDisabled, h.surface.Controls())
}

func TestAllocDisconnectThenReclaim(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateAlloc)
	before, ok := h.record(t)
	require.True(t, ok)
	assert.Equal(t, uint64(7), before.ID)
	assert.Equal(t, h.now, before.AllocatedAt)
	assert.True(t, h.mine.Has(7))
	assert.True(t, h.surface.Guard())

	h.do(t, func(m *Machine) { m.Feed(EventDisconnect) })
	assert.Equal(t, StateHalted, h.state(t))
	assert.Equal(t, ui.ControlsDisabled, h.surface.Controls())

	h.do(t, func(m *Machine) { m.Feed(EventDisconnect) })
	assert.Equal(t, StateHalted, h.state(t), "halted survives repeated disconnects")

	h.do(t, func(m *Machine) { m.Feed(EventReclaim) })
	assert.Equal(t, StateAlloc, h.state(t))
	after, ok := h.record(t)
	require.True(t, ok)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.Password, after.Password)
	assert.Equal(t, before.AllocatedAt, after.AllocatedAt)
}

func TestHaltedAbandonDiscards(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateHalted)
	h.do(t, func(m *Machine) { m.Feed(EventAbandon) })
	assert.Equal(t, StateReady, h.state(t))
	_, ok := h.record(t)
	assert.False(t, ok)
	assert.False(t, h.surface.Guard())
}

func TestLiveEditingStreamsMessages(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateAlloc)

	inserts := h.conn.inserts()
	require.Len(t, inserts, 1)
	assert.Equal(t, protocol.InsertPostRequest{Board: "a", Thread: 12, Body: "hello", Password: "secret"}, inserts[0])

	h.do(t, func(m *Machine) {
		require.NoError(t, m.Write("hello world"))
		require.NoError(t, m.Write("hello worl"))
		require.NoError(t, m.Write("jello worl"))
		require.NoError(t, m.Done())
	})
	assert.Equal(t, StateReady, h.state(t))

	require.Eventually(t, func() bool { return len(h.conn.messages()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []sentMessage{
		{typ: protocol.MessageAppend, payload: protocol.Append{ID: 7, Text: " world"}},
		{typ: protocol.MessageBackspace, payload: uint64(7)},
		{typ: protocol.MessageSplice, payload: protocol.Splice{ID: 7, Start: 0, Len: 10, Text: "jello worl"}},
		{typ: protocol.MessageClosePost, payload: uint64(7)},
	}, h.conn.messages())
}

func TestFailedEditIsResentOnNextWrite(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateAlloc)

	h.conn.setDown(true)
	h.do(t, func(m *Machine) { require.NoError(t, m.Write("hello world")) })
	require.Eventually(t, func() bool {
		var rewound bool
		h.do(t, func(m *Machine) { rewound = m.record.sentBody == "hello" })
		return rewound
	}, time.Second, 5*time.Millisecond)

	h.conn.setDown(false)
	h.do(t, func(m *Machine) { require.NoError(t, m.Write("hello world!")) })
	require.Eventually(t, func() bool { return len(h.conn.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []sentMessage{
		{typ: protocol.MessageAppend, payload: protocol.Append{ID: 7, Text: " world!"}},
	}, h.conn.messages())
}

func TestEditLostWithLinkIsResentAfterReclaim(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateAlloc)

	h.conn.setDown(true)
	h.do(t, func(m *Machine) {
		require.NoError(t, m.Write("hello world"))
		m.Feed(EventDisconnect)
	})
	assert.Equal(t, StateHalted, h.state(t))
	h.conn.setDown(false)

	h.do(t, func(m *Machine) { m.Feed(EventReclaim) })
	assert.Equal(t, StateAlloc, h.state(t))
	require.Eventually(t, func() bool { return len(h.conn.messages()) == 1 }, time.Second, 5*time.Millisecond)

	h.do(t, func(m *Machine) { require.NoError(t, m.Write("hello world!")) })
	require.Eventually(t, func() bool { return len(h.conn.messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []sentMessage{
		{typ: protocol.MessageAppend, payload: protocol.Append{ID: 7, Text: " world"}},
		{typ: protocol.MessageAppend, payload: protocol.Append{ID: 7, Text: "!"}},
	}, h.conn.messages())
}

func TestLateAllocationAfterDiscardIsClosed(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateDraft)
	hold := make(chan struct{})
	h.conn.mu.Lock()
	h.conn.hold = hold
	h.conn.mu.Unlock()

	h.do(t, func(m *Machine) { require.NoError(t, m.Write("hi")) })
	require.Eventually(t, func() bool { return len(h.conn.inserts()) == 1 }, time.Second, 5*time.Millisecond)
	h.do(t, func(m *Machine) { require.NoError(t, m.Done()) })
	assert.Equal(t, StateReady, h.state(t))

	close(hold)
	require.Eventually(t, func() bool { return len(h.conn.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []sentMessage{{typ: protocol.MessageClosePost, payload: uint64(7)}}, h.conn.messages())
	assert.True(t, h.mine.Has(7))
	assert.Equal(t, StateReady, h.state(t))
	_, ok := h.record(t)
	assert.False(t, ok)
}

func TestEditsDuringAllocationAreFlushed(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateDraft)
	h.do(t, func(m *Machine) {
		require.NoError(t, m.Write("hi"))
		require.NoError(t, m.Write("hi there"))
	})
	h.waitFor(t, StateAlloc)
	require.Eventually(t, func() bool { return len(h.conn.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.Append{ID: 7, Text: " there"}, h.conn.messages()[0].payload)
	assert.Len(t, h.conn.inserts(), 1)
}

func TestAllocationRejected(t *testing.T) {
	h := newHarness(t)
	h.conn.nextID = 0
	h.driveTo(t, StateDraft)
	h.do(t, func(m *Machine) { require.NoError(t, m.Write("spam")) })

	require.Eventually(t, func() bool { return len(h.surface.InlineErrors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDraft, h.state(t))
	assert.True(t, errs.Is(h.surface.InlineErrors()[0], errs.CodeValidation))
}

func TestCaptchaGateResumesQueuedUpload(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateNeedCaptcha)
	h.do(t, func(m *Machine) {
		require.NoError(t, m.Attach(api.File{Name: "cat.png", Data: []byte{1}}))
	})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.api.uploadCount(), "upload waits behind the captcha gate")

	h.do(t, func(m *Machine) { require.NoError(t, m.SolveCaptcha("solved")) })
	assert.Equal(t, StateDraft, h.state(t))
	require.Eventually(t, func() bool { return h.api.uploadCount() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		rec, ok := h.record(t)
		return ok && rec.ImageToken == "img-cat.png"
	}, time.Second, 5*time.Millisecond)
	rec, _ := h.record(t)
	assert.Equal(t, "solved", rec.Captcha)

	h.do(t, func(m *Machine) {
		assert.False(t, m.CaptchaRequired())
		require.NoError(t, m.Write("with image"))
	})
	h.waitFor(t, StateAlloc)
	inserts := h.conn.inserts()
	require.Len(t, inserts, 1)
	assert.Equal(t, "img-cat.png", inserts[0].Image)
	assert.Equal(t, "solved", inserts[0].Captcha)
}

func TestUploadAfterAllocationLinksImage(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateAlloc)
	h.do(t, func(m *Machine) {
		require.NoError(t, m.Attach(api.File{Name: "a.gif", Spoiler: true}))
	})
	require.Eventually(t, func() bool { return len(h.conn.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, sentMessage{
		typ:     protocol.MessageInsertImage,
		payload: protocol.InsertImage{ID: 7, Token: "img-a.gif", Spoiler: true},
	}, h.conn.messages()[0])
}

func TestNonLiveSubmission(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateReady)
	h.do(t, func(m *Machine) {
		require.NoError(t, m.Open(true))
		require.NoError(t, m.Write("complete post"))
		require.NoError(t, m.Attach(api.File{Name: "b.png", Data: []byte{2}}))
		require.NoError(t, m.Done())
		assert.Equal(t, StateSendingNonLive, m.State())
	})
	h.waitFor(t, StateReady)

	subs := h.api.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, "complete post", subs[0].Body)
	assert.Equal(t, uint64(12), subs[0].Thread)
	assert.Equal(t, "tok", subs[0].Token.ID)
	require.NotNil(t, subs[0].File)
	assert.Equal(t, "b.png", subs[0].File.Name)
	assert.Zero(t, h.api.uploadCount())
	assert.Empty(t, h.conn.inserts(), "single-shot posts never allocate over the socket")
	assert.True(t, h.mine.Has(99))
}

func TestNonLiveCancel(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateSendingNonLive)
	h.do(t, func(m *Machine) { require.NoError(t, m.Done()) })
	assert.Equal(t, StateReady, h.state(t))

	select {
	case <-h.api.cancelled:
	case <-time.After(time.Second):
		t.Fatal("submission context was not cancelled")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateReady, h.state(t))
	assert.Empty(t, h.surface.Alerts())
}

func TestNonLiveFailures(t *testing.T) {
	cases := map[string]struct {
		err    error
		want   State
		inline bool
	}{
		"captcha": {
			err:    errs.New("api/submit", errs.CodeValidation, errs.WithReason(errs.ReasonCaptchaRequired)),
			want:   StateNeedCaptcha,
			inline: true,
		},
		"server": {
			err:  errs.New("api/submit", errs.CodeRequest, errs.WithHTTP(500)),
			want: StateDraft,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.api.submitErr = tc.err
			h.driveTo(t, StateReady)
			h.do(t, func(m *Machine) {
				require.NoError(t, m.Open(true))
				require.NoError(t, m.Write("retry me"))
				require.NoError(t, m.Done())
			})
			h.waitFor(t, tc.want)
			rec, ok := h.record(t)
			require.True(t, ok)
			assert.Equal(t, "retry me", rec.Body)
			if tc.inline {
				assert.Len(t, h.surface.InlineErrors(), 1)
			} else {
				assert.Len(t, h.surface.Alerts(), 1)
			}
		})
	}
}

func TestEmptyDraftDoneReturnsReady(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateReady)
	h.do(t, func(m *Machine) {
		require.NoError(t, m.Open(true))
		require.NoError(t, m.Done())
	})
	assert.Equal(t, StateReady, h.state(t))
	assert.Empty(t, h.api.submitted())
}

func TestResetAndErrorInterrupts(t *testing.T) {
	h := newHarness(t)
	h.driveTo(t, StateAlloc)
	h.do(t, func(m *Machine) { m.Feed(EventReset) })
	assert.Equal(t, StateReady, h.state(t))
	_, ok := h.record(t)
	assert.False(t, ok)

	h.do(t, func(m *Machine) { require.NoError(t, m.Open(false)) })
	h.do(t, func(m *Machine) { m.Feed(EventError) })
	assert.Equal(t, StateErrored, h.state(t))
	assert.Equal(t, ui.ControlsErrored, h.surface.Controls())
	assert.False(t, h.surface.Guard())

	h.do(t, func(m *Machine) { m.Feed(EventDisconnect) })
	assert.Equal(t, StateErrored, h.state(t))
	h.do(t, func(m *Machine) { m.Feed(EventSync) })
	assert.Equal(t, StateErrored, h.state(t))
}

func TestCommandsRejectedOutsideTheirStates(t *testing.T) {
	h := newHarness(t)
	h.do(t, func(m *Machine) {
		assert.True(t, errs.Is(m.Open(false), errs.CodeInvalid))
		assert.True(t, errs.Is(m.Write("x"), errs.CodeInvalid))
		assert.True(t, errs.Is(m.Done(), errs.CodeInvalid))
		assert.True(t, errs.Is(m.SolveCaptcha("x"), errs.CodeInvalid))
		assert.True(t, errs.Is(m.Attach(api.File{Name: "x"}), errs.CodeInvalid))
	})
	assert.Equal(t, StateNone, h.state(t))
}

func TestDiff(t *testing.T) {
	cases := []struct {
		name     string
		old, new string
		want     edit
	}{
		{"append", "ab", "abc", edit{typ: protocol.MessageAppend, payload: protocol.Append{ID: 1, Text: "c"}}},
		{"append to empty", "", "hi", edit{typ: protocol.MessageAppend, payload: protocol.Append{ID: 1, Text: "hi"}}},
		{"backspace", "abc", "ab", edit{typ: protocol.MessageBackspace, payload: uint64(1)}},
		{"backspace rune", "añ", "a", edit{typ: protocol.MessageBackspace, payload: uint64(1)}},
		{"truncate", "abcd", "ab", edit{typ: protocol.MessageSplice, payload: protocol.Splice{ID: 1, Start: 2, Len: 2}}},
		{"middle", "añbc", "añxc", edit{typ: protocol.MessageSplice, payload: protocol.Splice{ID: 1, Start: 2, Len: 2, Text: "xc"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := diff(1, tc.old, tc.new)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
	_, ok := diff(1, "same", "same")
	assert.False(t, ok)
}
