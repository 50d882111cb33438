package model

import (
	"fmt"

	"github.com/getlantern/msgpack"
)

const (
	ErrCodeUnknownError   = 1
	ErrCodeUnmarshalError = 2

	ErrCodeBadRequest    = 100
	ErrCodeNotAcceptable = 101
	ErrCodeForbidden     = 102
	ErrCodeRetryLater    = 103
	ErrCodeItemNotFound  = 104
)

var (
	ErrUnparseable = &Error{
		Code:        ErrCodeUnmarshalError,
		Description: "unparseable message",
	}

	ErrBadRequest = &Error{
		Code:        ErrCodeBadRequest,
		Description: "invalid request",
	}

	ErrTooLarge = &Error{
		Code:        ErrCodeNotAcceptable,
		Description: "file too large",
	}

	ErrForbidden = &Error{
		Code:        ErrCodeForbidden,
		Description: "access denied",
	}

	ErrRetryLater = &Error{
		Code:        ErrCodeRetryLater,
		Description: "quota exceeded, retry later",
	}

	ErrItemNotFound = &Error{
		Code:        ErrCodeItemNotFound,
		Description: "no such endpoint",
	}
)

// Error is a message indicating that there was an error. It is encoded with
// MessagePack.
//
// If the error corresponds to an original message, the sequence on the
// enclosing Message envelope is set to the sequence from the original
// message.
type Error struct {
	Code        uint16
	Description string
	// Limit qualifies errors that were caused by exceeding a numeric bound,
	// like the maximum file size or an upload quota. Zero means the error
	// carries no bound.
	Limit uint64
}

func (err *Error) Error() string {
	return fmt.Sprintf("%d|%s", err.Code, err.Description)
}

// WithDescription returns a copy of this error with the given description.
// The predefined errors are shared, so they are never mutated in place.
func (err *Error) WithDescription(description string) *Error {
	clone := *err
	clone.Description = description
	return &clone
}

// WithLimit returns a copy of this error carrying the given bound.
func (err *Error) WithLimit(limit uint64) *Error {
	clone := *err
	clone.Limit = limit
	return &clone
}

func TypedError(err error) *Error {
	typed, ok := err.(*Error)
	if ok {
		return typed
	}
	return &Error{Code: ErrCodeUnknownError, Description: err.Error()}
}

func (b *MessageBuilder) NewError(sequence Sequence, err *Error) Message {
	payload, merr := msgpack.Marshal(err)
	if merr != nil {
		// Marshaling a plain struct of scalars cannot fail, but don't lose
		// the original error text if it somehow does.
		payload = nil
	}
	msg := b.NewMessage(TypeError, payload)
	msg.SetSequence(sequence)
	return msg
}

func (msg Message) Error() (*Error, error) {
	result := &Error{}
	err := msgpack.Unmarshal(msg.Payload(), result)
	if err != nil {
		return nil, err
	}
	return result, nil
}
