package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed error taxonomy for the pipeline. Retry policy and
// user-facing messages key off the kind; everything else travels in the
// wrapped error.
type Kind string

const (
	// KindCapture covers capture-surface failures (stream acquisition,
	// writer finalize). Retryable unless the user declined sharing.
	KindCapture Kind = "CAPTURE"
	// KindTransport covers network-level failures: timeouts, connection
	// loss, DNS. Retryable with exponential backoff.
	KindTransport Kind = "TRANSPORT"
	// KindProtocol covers malformed or undecodable model output. The model
	// is non-deterministic, so an immediate identical retry may succeed.
	KindProtocol Kind = "PROTOCOL"
	// KindQuota covers rate limits, quota exhaustion, and server overload.
	// Triggers model downgrade in addition to long backoff.
	KindQuota Kind = "QUOTA"
	// KindSemantic covers validation failures of otherwise well-formed
	// model output: coverage gaps, duration-floor violations.
	KindSemantic Kind = "SEMANTIC"
	// KindPersistence covers database write failures. Fatal for the
	// operation; never retried by the core.
	KindPersistence Kind = "PERSISTENCE"

	KindInvalid  Kind = "INVALID_ARGUMENT"
	KindNotFound Kind = "NOT_FOUND"
	KindInternal Kind = "INTERNAL"
)

// Fault is the unified error contract across layers.
type Fault struct {
	Kind    Kind
	Op      string // operation name, ex: "Orchestrator.Transcribe"
	Message string // safe message
	Err     error  // wrapped error
}

func (f *Fault) Error() string {
	if f == nil {
		return "<nil>"
	}
	switch {
	case f.Op != "" && f.Message != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Op, f.Message, f.Err)
	case f.Op != "" && f.Message != "":
		return fmt.Sprintf("%s: %s", f.Op, f.Message)
	case f.Op != "" && f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Op, f.Err)
	case f.Message != "" && f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Message, f.Err)
	case f.Message != "":
		return f.Message
	case f.Err != nil:
		return f.Err.Error()
	default:
		return "error"
	}
}

func (f *Fault) Unwrap() error { return f.Err }

func E(kind Kind, op, msg string, err error) error {
	return &Fault{Kind: kind, Op: op, Message: msg, Err: err}
}

// KindOf reports the fault kind of err, or KindInternal for errors outside
// the taxonomy.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}

// Retryable reports whether the kind may succeed on a later attempt.
// Capture retryability is decided separately by the recorder, which also
// distinguishes user-initiated stops.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTransport, KindProtocol, KindQuota, KindSemantic:
		return true
	default:
		return false
	}
}

// HTTPStatus maps fault kinds to API statuses at the boundary only.
func HTTPStatus(err error) int {
	var f *Fault
	if errors.As(err, &f) {
		switch f.Kind {
		case KindInvalid:
			return http.StatusBadRequest
		case KindNotFound:
			return http.StatusNotFound
		case KindQuota:
			return http.StatusTooManyRequests
		case KindTransport:
			return http.StatusBadGateway
		default:
			return http.StatusInternalServerError
		}
	}
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

var ErrNotFound = errors.New("not found")
