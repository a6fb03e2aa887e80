package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

type ErrorKind uint

const (
	ErrKindParse ErrorKind = iota + 1
	ErrKindMissingContent
	ErrKindIO
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindParse:
		return "parse"
	case ErrKindMissingContent:
		return "missing_content"
	case ErrKindIO:
		return "io"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint(k))
	}
}

// Status is the HTTP status a save failure of this kind is answered with.
func (k ErrorKind) Status() int {
	switch k {
	case ErrKindMissingContent:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

type SaveError struct {
	Kind ErrorKind
	Err  error
}

func (e *SaveError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// Message is the text returned to the caller. IO details stay in the log.
func (e *SaveError) Message() string {
	switch e.Kind {
	case ErrKindMissingContent:
		return "No content provided"
	case ErrKindParse:
		if e.Err != nil {
			return "invalid request body: " + e.Err.Error()
		}
		return "invalid request body"
	default:
		return "failed to save stage file"
	}
}

var (
	errNotUTF8        = errors.New("request body is not valid UTF-8")
	errLoneSurrogate  = errors.New("request body contains an unpaired surrogate escape")
	errNotObject      = errors.New("request body must be a JSON object")
	errContentNotText = errors.New("content must be a string")
	errMissingContent = &SaveError{Kind: ErrKindMissingContent}
)

func parseError(err error) *SaveError {
	return &SaveError{Kind: ErrKindParse, Err: err}
}

func ioError(err error) *SaveError {
	return &SaveError{Kind: ErrKindIO, Err: err}
}

// asSaveError classifies err, anything untyped is treated as an IO failure.
func asSaveError(err error) *SaveError {
	var se *SaveError
	if errors.As(err, &se) {
		return se
	}
	return ioError(err)
}
