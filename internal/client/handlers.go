package client

import (
	"github.com/coachpo/threadline/errs"
	"github.com/coachpo/threadline/internal/dispatcher"
	"github.com/coachpo/threadline/internal/protocol"
)

func (s *Session) registerHandlers() error {
	handlers := map[protocol.MessageType]dispatcher.Handler{
		protocol.MessageInvalid:      s.onInvalid,
		protocol.MessageInsertPost:   s.onInsertPost,
		protocol.MessageAppend:       s.onAppend,
		protocol.MessageBackspace:    s.withID(protocol.MessageBackspace, s.Posts.Backspace),
		protocol.MessageSplice:       s.onSplice,
		protocol.MessageClosePost:    s.withID(protocol.MessageClosePost, s.Posts.Close),
		protocol.MessageInsertImage:  s.onInsertImage,
		protocol.MessageDeletePost:   s.withID(protocol.MessageDeletePost, s.Posts.MarkDeleted),
		protocol.MessageBanned:       s.withID(protocol.MessageBanned, s.Posts.MarkBanned),
		protocol.MessageDeleteImage:  s.withID(protocol.MessageDeleteImage, s.Posts.RemoveImage),
		protocol.MessageRedirect:     s.onRedirect,
		protocol.MessageCaptcha:      s.onCaptcha,
		protocol.MessageNoop:         ignore,
		protocol.MessageServerTime:   ignore,
		protocol.MessageSyncCount:    ignore,
		protocol.MessageNotification: ignore,
	}
	for typ, handler := range handlers {
		if err := s.Table.Register(typ, handler); err != nil {
			return err
		}
	}
	return nil
}

func ignore([]byte) error { return nil }

func (s *Session) onInvalid(payload []byte) error {
	var reason string
	_ = protocol.Unmarshal(protocol.MessageInvalid, payload, &reason)
	return errs.New("client/invalid", errs.CodeProtocol, errs.WithMessage("server reported invalid message"), errs.WithRawMessage(reason))
}

func (s *Session) onInsertPost(payload []byte) error {
	var post protocol.Post
	if err := protocol.Unmarshal(protocol.MessageInsertPost, payload, &post); err != nil {
		return err
	}
	view := s.Syncer.View()
	if view.Thread != 0 && post.OP != view.Thread && post.ID != view.Thread {
		return nil
	}
	s.Posts.Insert(post)
	return nil
}

func (s *Session) onAppend(payload []byte) error {
	var msg protocol.Append
	if err := protocol.Unmarshal(protocol.MessageAppend, payload, &msg); err != nil {
		return err
	}
	s.Posts.Append(msg.ID, msg.Text)
	return nil
}

func (s *Session) onSplice(payload []byte) error {
	var msg protocol.Splice
	if err := protocol.Unmarshal(protocol.MessageSplice, payload, &msg); err != nil {
		return err
	}
	s.Posts.Splice(msg.ID, msg.Start, msg.Len, msg.Text)
	return nil
}

func (s *Session) onInsertImage(payload []byte) error {
	var msg protocol.InsertImage
	if err := protocol.Unmarshal(protocol.MessageInsertImage, payload, &msg); err != nil {
		return err
	}
	if msg.Image != nil {
		s.Posts.SetImage(msg.ID, *msg.Image)
	}
	return nil
}

func (s *Session) onRedirect(payload []byte) error {
	var msg protocol.Redirect
	if err := protocol.Unmarshal(protocol.MessageRedirect, payload, &msg); err != nil {
		return err
	}
	s.logger.Printf("client: redirected to /%s/%d", msg.Board, msg.Thread)
	view := s.Syncer.View()
	view.Board, view.Thread = msg.Board, msg.Thread
	s.Navigate(view)
	return nil
}

func (s *Session) onCaptcha(payload []byte) error {
	var msg protocol.CaptchaNotice
	if err := protocol.Unmarshal(protocol.MessageCaptcha, payload, &msg); err != nil {
		return err
	}
	s.Composer.SetCaptchaRequired(msg.Required)
	return nil
}

// withID adapts a store mutation keyed by a bare post id payload.
func (s *Session) withID(typ protocol.MessageType, apply func(id uint64) bool) dispatcher.Handler {
	return func(payload []byte) error {
		var id uint64
		if err := protocol.Unmarshal(typ, payload, &id); err != nil {
			return err
		}
		apply(id)
		return nil
	}
}
