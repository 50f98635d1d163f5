package capture

import (
	"context"
	"io"
	"iter"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/waypoint-ar/framesource/logging"
)

// A Stream is the consumer-facing sequence of frames. It pulls from a
// FrameProducer only when the consumer asks, drops frames according to its
// RateState, and releases every frame it does not forward.
type Stream struct {
	// mu is held for the whole of a pull so that Close never tears down the
	// producer under an in-flight read.
	mu       sync.Mutex
	producer FrameProducer
	rate     *RateState
	ledger   *ReleaseLedger
	logger   logging.Logger
	ended    bool
	closed   bool

	streaming atomic.Bool
	err       atomic.Error
	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

// StreamStats summarizes a Stream.
type StreamStats struct {
	Kind      ProducerKind
	Interval  uint64
	Forwarded uint64
	Dropped   uint64
	Ledger    LedgerSnapshot
}

// NewStream returns a streaming Stream over producer. ledger may be shared
// with other pulls on the same producer (e.g. a warm-up); nil creates one.
func NewStream(producer FrameProducer, rate *RateState, ledger *ReleaseLedger, logger logging.Logger) *Stream {
	if ledger == nil {
		ledger = NewReleaseLedger()
	}
	ledger.setKind(producer.Kind())
	s := &Stream{
		producer: producer,
		rate:     rate,
		ledger:   ledger,
		logger:   logger,
	}
	s.streaming.Store(true)
	return s
}

// Next returns the next forwarded frame. The caller owns it and must Release
// it. Once the stream has stopped, reached its end, or failed, Next returns
// io.EOF; a failure is available from Err. A cancelled ctx returns ctx.Err()
// without ending the stream.
func (s *Stream) Next(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.ended || !s.streaming.Load() {
			return nil, io.EOF
		}

		frame, err := s.producer.Pull(ctx)
		if err == nil && frame == nil {
			err = errors.New("producer returned no frame")
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Debugw("frame source ended", "pulled", s.ledger.Snapshot().Acquired)
				s.ended = true
				return nil, io.EOF
			case ctx.Err() != nil:
				return nil, ctx.Err()
			default:
				streamErr := &StreamError{Op: "pull", Seq: s.ledger.Snapshot().Acquired, Err: err}
				s.logger.Errorw("frame pull failed; ending stream", "error", streamErr)
				s.err.Store(streamErr)
				s.ended = true
				return nil, io.EOF
			}
		}
		s.ledger.track(frame)

		if s.admit(frame) {
			return frame, nil
		}
	}
}

// admit decides whether frame is forwarded. Every path that does not forward
// it, including a panic, releases it before returning.
func (s *Stream) admit(frame *Frame) (forward bool) {
	defer func() {
		if !forward {
			s.release(frame)
		}
	}()

	// Stopped while the pull was in flight.
	if !s.streaming.Load() {
		return false
	}
	if !s.rate.Admit() {
		s.dropped.Inc()
		recordFrameEvent(string(s.producer.Kind()), framesDropped)
		return false
	}
	s.forwarded.Inc()
	recordFrameEvent(string(s.producer.Kind()), framesForwarded)
	return true
}

func (s *Stream) release(frame *Frame) {
	if err := frame.Release(); err != nil {
		s.logger.Errorw("frame lifecycle violation", "error", err)
	}
}

// Frames returns the stream as a range-over-func sequence. Each frame is
// released after the loop body returns, so the body must copy out any pixels
// it keeps. The sequence ends quietly on stop, end of stream, pull failure or
// ctx cancellation.
func (s *Stream) Frames(ctx context.Context) iter.Seq[*Frame] {
	return func(yield func(*Frame) bool) {
		for {
			frame, err := s.Next(ctx)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.logger.Debugw("frame iteration interrupted", "error", err)
				}
				return
			}
			if !s.yieldFrame(frame, yield) {
				return
			}
		}
	}
}

func (s *Stream) yieldFrame(frame *Frame, yield func(*Frame) bool) bool {
	defer func() {
		if !frame.Released() {
			s.release(frame)
		}
	}()
	return yield(frame)
}

// Streaming reports whether the stream may still forward frames.
func (s *Stream) Streaming() bool {
	return s.streaming.Load()
}

// Err returns the pull failure that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err.Load()
}

// Stats returns the stream's counters.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Kind:      s.producer.Kind(),
		Interval:  s.rate.Interval(),
		Forwarded: s.forwarded.Load(),
		Dropped:   s.dropped.Load(),
		Ledger:    s.ledger.Snapshot(),
	}
}

// Close stops forwarding, waits for any in-flight pull to finish and closes
// the producer. It is safe to call more than once.
func (s *Stream) Close() error {
	s.streaming.Store(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.ended = true
	s.closed = true
	return s.producer.Close()
}
