package compose

import (
	"context"

	"github.com/coachpo/threadline/errs"
	"github.com/coachpo/threadline/internal/api"
	"github.com/coachpo/threadline/internal/protocol"
)

const outboxSize = 256

type outbound struct {
	op      string
	typ     protocol.MessageType
	payload any

	// rec is set for edits of an allocated post. Such messages are dropped
	// once rec.epoch moves past epoch, and their delivery is reported back.
	rec   *Record
	epoch uint64
	body  string
	image bool
}

// Write replaces the body of the open post. Live posts allocate on the first
// non-empty write and stream every later change to the server.
func (m *Machine) Write(body string) error {
	rec := m.record
	switch m.State() {
	case StateDraft, StateNeedCaptcha:
	case StateAlloc:
	default:
		return m.rejected("compose/write")
	}
	rec.Body = body
	switch m.State() {
	case StateDraft:
		if rec.live() && rec.ID == 0 && !rec.allocating && body != "" {
			m.allocate(rec)
		}
	case StateAlloc:
		m.flush()
	}
	return nil
}

// Attach adds a file to the open post. Live posts upload it right away, or
// once the captcha gate is passed; single-shot posts carry it in the submission.
func (m *Machine) Attach(file api.File) error {
	rec := m.record
	switch m.State() {
	case StateDraft, StateAlloc, StateNeedCaptcha:
	default:
		return m.rejected("compose/attach")
	}
	if rec.File != nil || rec.uploading || rec.ImageToken != "" {
		return errs.New("compose/attach", errs.CodeInvalid, errs.WithMessage("post already has a file"))
	}
	rec.File = &file
	if rec.NonLive {
		return nil
	}
	if m.State() == StateNeedCaptcha {
		rec.uploadQueued = true
		return nil
	}
	m.startUpload(rec)
	return nil
}

func (m *Machine) allocate(rec *Record) {
	rec.allocating = true
	rec.sentBody = rec.Body
	req := protocol.InsertPostRequest{
		Board:    rec.Board,
		Thread:   rec.Thread,
		Name:     rec.Name,
		Body:     rec.Body,
		Password: rec.Password,
		Captcha:  rec.Captcha,
		Image:    rec.ImageToken,
	}
	if rec.ImageToken != "" {
		rec.imageSent = true
	}
	// The request outlives the record: a reply landing after discard still
	// names a post the server opened for us.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		payload, err := m.conn.Request(ctx, protocol.MessageInsertPost, req, protocol.MessagePostID)
		_ = m.loop.Post(func() {
			if rec != m.record || rec.ctx.Err() != nil {
				m.orphaned(payload, err)
				return
			}
			m.allocated(rec, payload, err)
		})
	}()
}

// orphaned closes a post the server allocated after its draft was discarded.
func (m *Machine) orphaned(payload []byte, err error) {
	if err != nil {
		return
	}
	var id uint64
	if protocol.Unmarshal(protocol.MessagePostID, payload, &id) != nil || id == 0 {
		return
	}
	m.logger.Printf("compose: closing post %d allocated after discard", id)
	if m.mine != nil {
		if mineErr := m.mine.Add(id); mineErr != nil {
			m.logger.Printf("compose: remember post %d: %v", id, mineErr)
		}
	}
	m.sendAsync("compose/close", protocol.MessageClosePost, id)
}

func (m *Machine) allocated(rec *Record, payload []byte, err error) {
	rec.allocating = false
	if err == nil {
		var id uint64
		if err = protocol.Unmarshal(protocol.MessagePostID, payload, &id); err == nil && id == 0 {
			err = errs.New("compose/allocate", errs.CodeValidation, errs.WithMessage("post rejected by server"))
		}
		if err == nil {
			rec.ID = id
			rec.AllocatedAt = m.now()
			rec.acked = rec.sentBody
			rec.imageAcked = rec.imageSent
			if m.mine != nil {
				if mineErr := m.mine.Add(id); mineErr != nil {
					m.logger.Printf("compose: remember post %d: %v", id, mineErr)
				}
			}
			m.Feed(EventAlloc)
			return
		}
	}
	// Unsent state is rolled back so the next write retries the allocation.
	rec.sentBody = ""
	if rec.ImageToken != "" {
		rec.imageSent = false
	}
	if m.State() == StateDraft {
		m.report(err)
	}
}

// flush streams every local change the server has not seen yet. It is a no-op
// unless the post is allocated.
func (m *Machine) flush() {
	rec := m.record
	if rec == nil || rec.ID == 0 {
		return
	}
	if e, ok := diff(rec.ID, rec.sentBody, rec.Body); ok {
		m.enqueue(outbound{
			op: "compose/edit", typ: e.typ, payload: e.payload,
			rec: rec, epoch: rec.epoch.Load(), body: rec.Body,
		})
		rec.sentBody = rec.Body
	}
	if rec.ImageToken != "" && !rec.imageSent {
		spoiler := rec.File != nil && rec.File.Spoiler
		m.enqueue(outbound{
			op: "compose/insert_image", typ: protocol.MessageInsertImage,
			payload: protocol.InsertImage{
				ID:      rec.ID,
				Token:   rec.ImageToken,
				Spoiler: spoiler,
			},
			rec: rec, epoch: rec.epoch.Load(), image: true,
		})
		rec.imageSent = true
	}
}

func (m *Machine) startUpload(rec *Record) {
	if rec.File == nil || rec.uploading {
		return
	}
	rec.uploading = true
	file := *rec.File
	go func() {
		ctx, cancel := context.WithTimeout(rec.ctx, m.timeout)
		defer cancel()
		token, err := m.api.Upload(ctx, file)
		m.post(rec, func() { m.uploaded(rec, token, err) })
	}()
}

func (m *Machine) uploaded(rec *Record, token string, err error) {
	rec.uploading = false
	if err != nil {
		rec.File = nil
		m.report(err)
		return
	}
	rec.ImageToken = token
	if m.State() == StateAlloc {
		m.flush()
	}
}

func (m *Machine) sendAsync(op string, typ protocol.MessageType, payload any) {
	m.enqueue(outbound{op: op, typ: typ, payload: payload})
}

func (m *Machine) enqueue(msg outbound) {
	if m.outbox == nil {
		m.outbox = make(chan outbound, outboxSize)
		go m.drain(m.outbox)
	}
	m.outbox <- msg
}

// drain writes queued live messages in order on a single goroutine. After a
// failed edit the rest of that record's epoch is skipped: those edits were
// computed on a base the server never received.
func (m *Machine) drain(outbox <-chan outbound) {
	var failed *Record
	var failedEpoch uint64
	for msg := range outbox {
		rec := msg.rec
		if rec != nil && (rec.epoch.Load() != msg.epoch || (rec == failed && msg.epoch == failedEpoch)) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err := m.conn.Send(ctx, msg.typ, msg.payload)
		cancel()
		if err != nil {
			m.logger.Printf("compose: %s: %v", msg.op, err)
		}
		if rec == nil {
			continue
		}
		if err != nil {
			failed, failedEpoch = rec, msg.epoch
			m.post(rec, func() { m.sendFailed(rec, msg.epoch) })
			continue
		}
		m.post(rec, func() { m.delivered(rec, msg) })
	}
}

func (m *Machine) delivered(rec *Record, msg outbound) {
	if msg.image {
		rec.imageAcked = true
		return
	}
	rec.acked = msg.body
}

// sendFailed rewinds the record to the last acknowledged state; the next
// flush resends the difference.
func (m *Machine) sendFailed(rec *Record, epoch uint64) {
	if rec.epoch.Load() != epoch {
		return
	}
	rec.epoch.Add(1)
	rec.sentBody = rec.acked
	rec.imageSent = rec.imageAcked
}

// Close stops the outbound writer. The machine must not be fed afterwards.
func (m *Machine) Close() {
	m.discard()
	if m.outbox != nil {
		close(m.outbox)
		m.outbox = nil
	}
}
