package compose

import (
	"context"

	"github.com/coachpo/threadline/errs"
	"github.com/coachpo/threadline/internal/api"
	"github.com/coachpo/threadline/internal/infra/telemetry"
)

// prefetchToken requests the anti-abuse token while the user is still writing.
func (m *Machine) prefetchToken(rec *Record) {
	if m.api == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(rec.ctx, m.timeout)
		defer cancel()
		token, err := m.api.FetchToken(ctx)
		if err != nil {
			m.logger.Printf("compose: prefetch token: %v", err)
			return
		}
		m.post(rec, func() {
			if rec.token == nil {
				rec.token = &token
			}
		})
	}()
}

// submit sends a single-shot post. Its outcome feeds done on success and fail
// otherwise; cancelling through Done discards the record and the late result.
func (m *Machine) submit() {
	rec := m.record
	if rec == nil {
		return
	}
	sub := api.Submission{
		Board:    rec.Board,
		Thread:   rec.Thread,
		Name:     rec.Name,
		Subject:  rec.Subject,
		Body:     rec.Body,
		Password: rec.Password,
		Captcha:  rec.Captcha,
	}
	if rec.File != nil {
		file := *rec.File
		sub.File = &file
	}
	prefetched := rec.token
	rec.token = nil

	go func() {
		ctx, cancel := context.WithTimeout(rec.ctx, m.timeout)
		defer cancel()

		if prefetched != nil {
			sub.Token = *prefetched
		} else {
			token, err := m.api.FetchToken(ctx)
			if err != nil {
				m.post(rec, func() { m.Feed(EventFail, err) })
				return
			}
			sub.Token = token
		}

		result, err := m.api.Submit(ctx, sub)
		m.post(rec, func() {
			if err != nil {
				m.Feed(EventFail, err)
				return
			}
			m.submitted(result)
		})
	}()
}

func (m *Machine) submitted(result api.SubmitResult) {
	m.metrics.RecordSubmission(telemetry.ResultSuccess)
	if m.mine != nil && result.ID != 0 {
		if err := m.mine.Add(result.ID); err != nil {
			m.logger.Printf("compose: remember post %d: %v", result.ID, err)
		}
	}
	m.Feed(EventDone)
}

func (m *Machine) submissionFailed(args ...any) State {
	var err error
	if len(args) > 0 {
		err, _ = args[0].(error)
	}
	m.metrics.RecordSubmission(telemetry.ResultError)
	m.report(err)
	if errs.ReasonOf(err) == errs.ReasonCaptchaRequired {
		m.captchaRequired = true
		if m.record != nil {
			m.record.Captcha = ""
		}
		return StateNeedCaptcha
	}
	return StateDraft
}
