package capture

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrPermissionDenied is returned (possibly wrapped) by a Platform when
	// access to the camera was refused.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrUnsupported means neither a native nor an emulated frame producer is
	// available on the platform.
	ErrUnsupported = errors.New("no frame production mechanism available")
	// ErrSessionClosed is returned when Initialize is called on a stopped negotiator.
	ErrSessionClosed = errors.New("stream session has been stopped")
	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("stream session already initialized")
)

// AcquisitionErrorKind classifies a failure to set up the pipeline.
type AcquisitionErrorKind int

const (
	// AcquisitionFailed covers failures other than permission or capability,
	// e.g. no device or a failed warm-up pull.
	AcquisitionFailed AcquisitionErrorKind = iota
	// PermissionDenied means device access was refused.
	PermissionDenied
	// Unsupported means no frame producer could be selected.
	Unsupported
)

func (k AcquisitionErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission denied"
	case Unsupported:
		return "unsupported"
	case AcquisitionFailed:
		return "failed"
	default:
		return fmt.Sprintf("AcquisitionErrorKind(%d)", int(k))
	}
}

// AcquisitionError is returned from StreamNegotiator.Initialize. It is never
// retried by the pipeline.
type AcquisitionError struct {
	Kind AcquisitionErrorKind
	Err  error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("camera acquisition %s", e.Kind)
	}
	return fmt.Sprintf("camera acquisition %s: %v", e.Kind, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match an AcquisitionError against the kind sentinels.
func (e *AcquisitionError) Is(target error) bool {
	switch target { //nolint:errorlint
	case ErrPermissionDenied:
		return e.Kind == PermissionDenied
	case ErrUnsupported:
		return e.Kind == Unsupported
	}
	return false
}

func newAcquisitionError(err error) *AcquisitionError {
	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) {
		return acqErr
	}
	kind := AcquisitionFailed
	if errors.Is(err, ErrPermissionDenied) {
		kind = PermissionDenied
	}
	return &AcquisitionError{Kind: kind, Err: err}
}

// StreamError records a mid-stream failure that ended a Stream.
type StreamError struct {
	Op  string
	Seq uint64
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s failed after frame %d: %v", e.Op, e.Seq, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// LifecycleViolationError reports a frame that was released more than once.
// It indicates a programming error in the caller.
type LifecycleViolationError struct {
	Seq uint64
}

func (e *LifecycleViolationError) Error() string {
	return fmt.Sprintf("frame %d released more than once", e.Seq)
}
