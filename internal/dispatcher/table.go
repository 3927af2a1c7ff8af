// Package dispatcher routes decoded server frames to handlers by message code.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/coachpo/threadline/errs"
	"github.com/coachpo/threadline/internal/protocol"
)

// Handler consumes the raw JSON payload of a frame.
type Handler func(payload []byte) error

// Table maps message codes to handlers and holds one-shot reply waiters.
type Table struct {
	mu       sync.RWMutex
	handlers map[protocol.MessageType]Handler
	waiters  map[protocol.MessageType][]*Pending
}

// NewTable constructs an empty dispatch table.
func NewTable() *Table {
	table := new(Table)
	table.handlers = make(map[protocol.MessageType]Handler)
	table.waiters = make(map[protocol.MessageType][]*Pending)
	return table
}

// Register installs or replaces the handler for typ.
func (t *Table) Register(typ protocol.MessageType, handler Handler) error {
	if handler == nil {
		return errs.New("dispatcher/register", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("nil handler for %s", typ)))
	}
	if typ == protocol.MessageConcat {
		return errs.New("dispatcher/register", errs.CodeInvalid, errs.WithMessage("concat frames are unpacked by the table"))
	}
	t.mu.Lock()
	t.handlers[typ] = handler
	t.mu.Unlock()
	return nil
}

// Remove deletes the handler if present.
func (t *Table) Remove(typ protocol.MessageType) {
	t.mu.Lock()
	delete(t.handlers, typ)
	t.mu.Unlock()
}

// Lookup returns the handler if present.
func (t *Table) Lookup(typ protocol.MessageType) (Handler, bool) {
	t.mu.RLock()
	handler, ok := t.handlers[typ]
	t.mu.RUnlock()
	return handler, ok
}

// Types returns the registered message codes in ascending order.
func (t *Table) Types() []protocol.MessageType {
	t.mu.RLock()
	out := make([]protocol.MessageType, 0, len(t.handlers))
	for typ := range t.handlers {
		out = append(out, typ)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch decodes frame and routes it. A pending waiter for the frame's code
// takes precedence over the registered handler. Frames with no handler are ignored.
func (t *Table) Dispatch(frame []byte) error {
	typ, payload, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	if typ == protocol.MessageConcat {
		frames, err := protocol.DecodeConcat(payload)
		if err != nil {
			return err
		}
		var joined error
		for _, inner := range frames {
			if err := t.Dispatch(inner); err != nil {
				joined = errors.Join(joined, err)
			}
		}
		return joined
	}

	if waiter := t.popWaiter(typ); waiter != nil {
		waiter.resolve(append([]byte(nil), payload...), nil)
		return nil
	}

	handler, ok := t.Lookup(typ)
	if !ok {
		return nil
	}
	if err := handler(payload); err != nil {
		return fmt.Errorf("handle %s: %w", typ, err)
	}
	return nil
}

// Expect registers a one-shot waiter for the next frame of type typ. Register
// the waiter before sending the request it answers.
func (t *Table) Expect(typ protocol.MessageType) *Pending {
	p := &Pending{typ: typ, table: t, result: make(chan reply, 1)}
	t.mu.Lock()
	t.waiters[typ] = append(t.waiters[typ], p)
	t.mu.Unlock()
	return p
}

// FailWaiters resolves every pending waiter with err. Used when the link drops.
func (t *Table) FailWaiters(err error) {
	t.mu.Lock()
	pending := t.waiters
	t.waiters = make(map[protocol.MessageType][]*Pending)
	t.mu.Unlock()
	for _, list := range pending {
		for _, p := range list {
			p.resolve(nil, err)
		}
	}
}

func (t *Table) popWaiter(typ protocol.MessageType) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.waiters[typ]
	if len(list) == 0 {
		return nil
	}
	head := list[0]
	if len(list) == 1 {
		delete(t.waiters, typ)
	} else {
		t.waiters[typ] = list[1:]
	}
	return head
}

func (t *Table) drop(p *Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.waiters[p.typ]
	for i, candidate := range list {
		if candidate == p {
			t.waiters[p.typ] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(t.waiters[p.typ]) == 0 {
		delete(t.waiters, p.typ)
	}
}

type reply struct {
	payload []byte
	err     error
}

// Pending is a one-shot reply waiter created by Table.Expect.
type Pending struct {
	typ    protocol.MessageType
	table  *Table
	result chan reply
	once   sync.Once
}

// Wait blocks until the reply arrives, the waiter fails, or ctx ends. On
// context expiry the waiter is removed and a timeout error returned.
func (p *Pending) Wait(ctx context.Context) ([]byte, error) {
	select {
	case r := <-p.result:
		return r.payload, r.err
	case <-ctx.Done():
		p.Cancel()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errs.New("dispatcher/wait", errs.CodeTimeout,
				errs.WithMessage(fmt.Sprintf("no %s reply", p.typ)), errs.WithCause(ctx.Err()))
		}
		return nil, fmt.Errorf("wait for %s: %w", p.typ, ctx.Err())
	}
}

// Cancel removes the waiter without resolving it.
func (p *Pending) Cancel() {
	p.table.drop(p)
}

func (p *Pending) resolve(payload []byte, err error) {
	p.once.Do(func() {
		p.result <- reply{payload: payload, err: err}
	})
}
