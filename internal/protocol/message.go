// Package protocol defines the websocket frame format and payloads exchanged with the board server.
package protocol

import (
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/coachpo/threadline/errs"
)

// MessageType is the two-digit code prefixing every frame.
type MessageType uint8

// Codes 1-29 mutate post state. Codes from 30 up are session level.
const (
	MessageInvalid     MessageType = 0
	MessageInsertPost  MessageType = 1
	MessageAppend      MessageType = 2
	MessageBackspace   MessageType = 3
	MessageSplice      MessageType = 4
	MessageClosePost   MessageType = 5
	MessageInsertImage MessageType = 6
	MessageSpoiler     MessageType = 7
	MessageDeletePost  MessageType = 8
	MessageBanned      MessageType = 9
	MessageDeleteImage MessageType = 10

	MessageSynchronise  MessageType = 30
	MessageReclaim      MessageType = 31
	MessagePostID       MessageType = 32
	MessageConcat       MessageType = 33
	MessageNoop         MessageType = 34
	MessageSyncCount    MessageType = 35
	MessageServerTime   MessageType = 36
	MessageRedirect     MessageType = 37
	MessageNotification MessageType = 38
	MessageCaptcha      MessageType = 39
)

var messageNames = map[MessageType]string{
	MessageInvalid:      "invalid",
	MessageInsertPost:   "insertPost",
	MessageAppend:       "append",
	MessageBackspace:    "backspace",
	MessageSplice:       "splice",
	MessageClosePost:    "closePost",
	MessageInsertImage:  "insertImage",
	MessageSpoiler:      "spoiler",
	MessageDeletePost:   "deletePost",
	MessageBanned:       "banned",
	MessageDeleteImage:  "deleteImage",
	MessageSynchronise:  "synchronise",
	MessageReclaim:      "reclaim",
	MessagePostID:       "postID",
	MessageConcat:       "concat",
	MessageNoop:         "noop",
	MessageSyncCount:    "syncCount",
	MessageServerTime:   "serverTime",
	MessageRedirect:     "redirect",
	MessageNotification: "notification",
	MessageCaptcha:      "captcha",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return "message(" + strconv.Itoa(int(t)) + ")"
}

// Encode builds a frame from a message type and a JSON-serialisable payload.
// A nil payload produces a bare type prefix.
func Encode(typ MessageType, payload any) ([]byte, error) {
	if typ > 99 {
		return nil, errs.New("protocol/encode", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("message type %d out of range", typ)))
	}
	prefix := []byte{'0' + byte(typ/10), '0' + byte(typ%10)}
	if payload == nil {
		return prefix, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return append(prefix, body...), nil
}

// Decode splits a frame into its type and raw JSON payload.
func Decode(frame []byte) (MessageType, []byte, error) {
	if len(frame) < 2 {
		return 0, nil, malformed(fmt.Sprintf("frame too short: %d bytes", len(frame)))
	}
	hi, lo := frame[0], frame[1]
	if hi < '0' || hi > '9' || lo < '0' || lo > '9' {
		return 0, nil, malformed(fmt.Sprintf("invalid type prefix %q", frame[:2]))
	}
	return MessageType((hi-'0')*10 + (lo - '0')), frame[2:], nil
}

// DecodeConcat unpacks a concat payload into its component frames.
func DecodeConcat(payload []byte) ([][]byte, error) {
	var parts []string
	if err := json.Unmarshal(payload, &parts); err != nil {
		return nil, malformedCause("decode concat payload", err)
	}
	frames := make([][]byte, 0, len(parts))
	for _, part := range parts {
		frames = append(frames, []byte(part))
	}
	return frames, nil
}

// Unmarshal decodes a payload, reporting failures as protocol errors.
func Unmarshal(typ MessageType, payload []byte, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return malformedCause(fmt.Sprintf("decode %s payload", typ), err)
	}
	return nil
}

func malformed(msg string) error {
	return errs.New("protocol/decode", errs.CodeProtocol, errs.WithReason(errs.ReasonMalformedFrame), errs.WithMessage(msg))
}

func malformedCause(msg string, cause error) error {
	return errs.New("protocol/decode", errs.CodeProtocol, errs.WithReason(errs.ReasonMalformedFrame), errs.WithMessage(msg), errs.WithCause(cause))
}
