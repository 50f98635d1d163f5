package capture

import (
	"context"
)

// ProducerKind names a FrameProducer implementation.
type ProducerKind string

// The two producer kinds.
const (
	ProducerNative   ProducerKind = "native"
	ProducerEmulated ProducerKind = "emulated"
)

// A FrameProducer is a pull-based source of frames. Pull blocks until a frame
// is ready and returns io.EOF when the underlying stream has ended. A producer
// is not restartable; build a new one instead.
type FrameProducer interface {
	Kind() ProducerKind
	Pull(ctx context.Context) (*Frame, error)
	// Close releases the pull handle. Pulls after Close return io.EOF.
	Close() error
}

// SelectProducerKind picks the producer for the probed capabilities. An
// installed emulation layer takes priority over a native processor.
func SelectProducerKind(caps Capabilities) (ProducerKind, error) {
	switch {
	case caps.EmulationInstalled:
		return ProducerEmulated, nil
	case caps.NativeProcessor:
		return ProducerNative, nil
	default:
		return "", &AcquisitionError{Kind: Unsupported, Err: ErrUnsupported}
	}
}
