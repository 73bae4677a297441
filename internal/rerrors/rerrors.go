// Package rerrors defines the typed error kinds shared across rewindos
// packages, modeled on the wrap-and-classify idiom the teacher uses around
// pgx/driver errors.
package rerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch with Is(err, kind)
// instead of string-matching messages.
type Kind int

const (
	Unknown Kind = iota
	Database
	IO
	Config
	OCR
	Migration
	Hash
	Embedding
	Chat
	CaptureUnavailable
	CaptureBackend
	WindowInfo
	IPC
)

func (k Kind) String() string {
	switch k {
	case Database:
		return "database"
	case IO:
		return "io"
	case Config:
		return "config"
	case OCR:
		return "ocr"
	case Migration:
		return "migration"
	case Hash:
		return "hash"
	case Embedding:
		return "embedding"
	case Chat:
		return "chat"
	case CaptureUnavailable:
		return "capture_unavailable"
	case CaptureBackend:
		return "capture_backend"
	case WindowInfo:
		return "window_info"
	case IPC:
		return "ipc"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by rewindos packages. Op is the
// failing operation ("storage.InsertScreenshot"), Err is the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error, tagging it with kind and the failing operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var re *Error
		if !errors.As(err, &re) {
			return false
		}
		if re.Kind == kind {
			return true
		}
		err = re.Err
	}
	return false
}
