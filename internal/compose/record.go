package compose

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coachpo/threadline/internal/api"
	"github.com/coachpo/threadline/internal/protocol"
)

// Record is the draft or allocated post. It exists only while the machine is
// in draft, alloc, halted, needCaptcha or sendingNonLive.
type Record struct {
	Board   string
	Thread  uint64
	Name    string
	Subject string
	Body    string
	File    *api.File

	// ID is zero until the server allocates the post.
	ID          uint64
	Password    string
	AllocatedAt time.Time
	NonLive     bool
	Captcha     string
	ImageToken  string

	token *api.Token
	// sentBody is the body queued to the server; acked is the body the server
	// confirmed. They differ while edits are in flight.
	sentBody     string
	acked        string
	imageAcked   bool
	allocating   bool
	uploading    bool
	uploadQueued bool
	imageSent    bool

	// epoch invalidates queued live messages after a failed send or a halt.
	epoch *atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

func (r *Record) snapshot() Record {
	out := *r
	if r.File != nil {
		file := *r.File
		out.File = &file
	}
	out.ctx, out.cancel = nil, nil
	return out
}

func (r *Record) discard() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Record) live() bool { return !r.NonLive }

type edit struct {
	typ     protocol.MessageType
	payload any
}

// diff expresses the change from old to updated as a single live edit message
// addressed to post id. It returns false when the bodies are equal.
func diff(id uint64, old, updated string) (edit, bool) {
	if old == updated {
		return edit{}, false
	}
	oldRunes := []rune(old)
	newRunes := []rune(updated)
	prefix := 0
	for prefix < len(oldRunes) && prefix < len(newRunes) && oldRunes[prefix] == newRunes[prefix] {
		prefix++
	}
	switch {
	case prefix == len(oldRunes):
		return edit{typ: protocol.MessageAppend, payload: protocol.Append{ID: id, Text: string(newRunes[prefix:])}}, true
	case prefix == len(newRunes) && len(oldRunes)-prefix == 1:
		return edit{typ: protocol.MessageBackspace, payload: id}, true
	default:
		return edit{typ: protocol.MessageSplice, payload: protocol.Splice{
			ID:    id,
			Start: prefix,
			Len:   len(oldRunes) - prefix,
			Text:  string(newRunes[prefix:]),
		}}, true
	}
}
