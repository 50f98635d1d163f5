package capture

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/waypoint-ar/framesource/logging"
)

// scriptedProducer hands out small frames, counting releases, until limit
// frames have been pulled or failAt is reached. From emptyAt on it returns
// neither a frame nor an error.
type scriptedProducer struct {
	limit   int
	failAt  int
	emptyAt int
	// block, if set, is waited on by every pull after the first.
	block chan struct{}
	// inPull is closed when a blocked pull starts.
	inPull chan struct{}

	pulls    atomic.Int64
	releases atomic.Int64
	closes   atomic.Int64
	closed   atomic.Bool

	mu     sync.Mutex
	frames []*Frame
}

func (p *scriptedProducer) Kind() ProducerKind {
	return ProducerNative
}

func (p *scriptedProducer) Pull(ctx context.Context) (*Frame, error) {
	if p.closed.Load() {
		return nil, io.EOF
	}
	n := int(p.pulls.Inc())
	if p.block != nil && n > 1 {
		if p.inPull != nil {
			close(p.inPull)
			p.inPull = nil
		}
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.failAt > 0 && n >= p.failAt {
		return nil, errors.New("decoder exploded")
	}
	if p.emptyAt > 0 && n >= p.emptyAt {
		return nil, nil
	}
	if p.limit > 0 && n > p.limit {
		return nil, io.EOF
	}
	f := NewFrame(image.NewRGBA(image.Rect(0, 0, 4, 4)), time.Time{}, func() { p.releases.Inc() })
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
	return f, nil
}

func (p *scriptedProducer) Close() error {
	p.closes.Inc()
	p.closed.Store(true)
	return nil
}

func (p *scriptedProducer) handedOut() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.frames))
}

func newTestStream(t *testing.T, p *scriptedProducer, native, target float64) *Stream {
	t.Helper()
	rate, err := NewRateState(native, target)
	test.That(t, err, test.ShouldBeNil)
	return NewStream(p, rate, nil, logging.NewTestLogger(t))
}

func TestStreamForwardsAndReleases(t *testing.T) {
	p := &scriptedProducer{limit: 10}
	s := newTestStream(t, p, 30, 30)

	var seqs []uint64
	for {
		f, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		test.That(t, err, test.ShouldBeNil)
		seqs = append(seqs, f.Seq)
		test.That(t, f.Release(), test.ShouldBeNil)
	}
	test.That(t, seqs, test.ShouldResemble, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	test.That(t, p.releases.Load(), test.ShouldEqual, 10)
	test.That(t, s.Err(), test.ShouldBeNil)

	stats := s.Stats()
	test.That(t, stats.Forwarded, test.ShouldEqual, 10)
	test.That(t, stats.Dropped, test.ShouldEqual, 0)
	test.That(t, stats.Ledger, test.ShouldResemble, LedgerSnapshot{Acquired: 10, Released: 10})

	// the end is sticky
	_, err := s.Next(context.Background())
	test.That(t, err, test.ShouldEqual, io.EOF)
	test.That(t, p.pulls.Load(), test.ShouldEqual, 11)
}

func TestStreamDropsReleaseFrames(t *testing.T) {
	p := &scriptedProducer{limit: 9}
	s := newTestStream(t, p, 30, 10)

	var seqs []uint64
	for f := range s.Frames(context.Background()) {
		seqs = append(seqs, f.Seq)
	}
	test.That(t, seqs, test.ShouldResemble, []uint64{1, 4, 7})
	test.That(t, p.releases.Load(), test.ShouldEqual, 9)

	stats := s.Stats()
	test.That(t, stats.Interval, test.ShouldEqual, 3)
	test.That(t, stats.Forwarded, test.ShouldEqual, 3)
	test.That(t, stats.Dropped, test.ShouldEqual, 6)
	test.That(t, stats.Ledger.Outstanding(), test.ShouldEqual, 0)
	test.That(t, stats.Ledger.Violations, test.ShouldEqual, 0)
}

func TestStreamFramesReleasedByBody(t *testing.T) {
	p := &scriptedProducer{limit: 3}
	s := newTestStream(t, p, 30, 30)

	for f := range s.Frames(context.Background()) {
		test.That(t, f.Release(), test.ShouldBeNil)
	}
	test.That(t, p.releases.Load(), test.ShouldEqual, 3)
	test.That(t, s.Stats().Ledger.Violations, test.ShouldEqual, 0)
}

func TestStreamFramesBreak(t *testing.T) {
	p := &scriptedProducer{}
	s := newTestStream(t, p, 30, 30)

	var n int
	for range s.Frames(context.Background()) {
		n++
		if n == 2 {
			break
		}
	}
	test.That(t, p.releases.Load(), test.ShouldEqual, 2)
	test.That(t, s.Streaming(), test.ShouldBeTrue)
	test.That(t, s.Close(), test.ShouldBeNil)
}

func TestStreamCloseStopsForwarding(t *testing.T) {
	p := &scriptedProducer{}
	s := newTestStream(t, p, 30, 30)

	f, err := s.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Release(), test.ShouldBeNil)

	test.That(t, s.Close(), test.ShouldBeNil)
	test.That(t, s.Close(), test.ShouldBeNil)
	test.That(t, p.closes.Load(), test.ShouldEqual, 1)
	test.That(t, s.Streaming(), test.ShouldBeFalse)

	_, err = s.Next(context.Background())
	test.That(t, err, test.ShouldEqual, io.EOF)
	test.That(t, p.pulls.Load(), test.ShouldEqual, 1)
}

func TestStreamCloseDuringPull(t *testing.T) {
	p := &scriptedProducer{block: make(chan struct{}), inPull: make(chan struct{})}
	s := newTestStream(t, p, 30, 30)
	inPull := p.inPull

	f, err := s.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Release(), test.ShouldBeNil)

	type result struct {
		frame *Frame
		err   error
	}
	results := make(chan result, 1)
	go func() {
		frame, err := s.Next(context.Background())
		results <- result{frame, err}
	}()
	<-inPull

	closed := make(chan error, 1)
	go func() {
		closed <- s.Close()
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, s.Streaming(), test.ShouldBeFalse)
	})
	// Close waits for the pull in flight
	test.That(t, p.closes.Load(), test.ShouldEqual, 0)

	close(p.block)
	res := <-results
	test.That(t, res.err, test.ShouldEqual, io.EOF)
	test.That(t, res.frame, test.ShouldBeNil)
	test.That(t, <-closed, test.ShouldBeNil)

	// the frame that arrived after the stop was released, not forwarded
	test.That(t, p.handedOut(), test.ShouldEqual, 2)
	test.That(t, p.releases.Load(), test.ShouldEqual, 2)
	test.That(t, s.Stats().Forwarded, test.ShouldEqual, 1)
	test.That(t, p.closes.Load(), test.ShouldEqual, 1)
}

func TestStreamPullFailure(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	p := &scriptedProducer{failAt: 3}
	rate, err := NewRateState(30, 30)
	test.That(t, err, test.ShouldBeNil)
	s := NewStream(p, rate, nil, logger)

	var n int
	for f := range s.Frames(context.Background()) {
		n++
		test.That(t, f.Seq, test.ShouldEqual, n)
	}
	test.That(t, n, test.ShouldEqual, 2)
	test.That(t, p.releases.Load(), test.ShouldEqual, 2)

	var streamErr *StreamError
	test.That(t, errors.As(s.Err(), &streamErr), test.ShouldBeTrue)
	test.That(t, streamErr.Op, test.ShouldEqual, "pull")
	test.That(t, streamErr.Seq, test.ShouldEqual, 2)
	test.That(t, streamErr.Error(), test.ShouldContainSubstring, "decoder exploded")
	test.That(t, logs.FilterMessage("frame pull failed; ending stream").Len(), test.ShouldEqual, 1)

	_, err = s.Next(context.Background())
	test.That(t, err, test.ShouldEqual, io.EOF)
	test.That(t, p.pulls.Load(), test.ShouldEqual, 3)
}

func TestStreamPullWithoutFrame(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	p := &scriptedProducer{emptyAt: 2}
	rate, err := NewRateState(30, 30)
	test.That(t, err, test.ShouldBeNil)
	s := NewStream(p, rate, nil, logger)

	var n int
	for range s.Frames(context.Background()) {
		n++
	}
	test.That(t, n, test.ShouldEqual, 1)
	test.That(t, p.releases.Load(), test.ShouldEqual, 1)

	var streamErr *StreamError
	test.That(t, errors.As(s.Err(), &streamErr), test.ShouldBeTrue)
	test.That(t, streamErr.Op, test.ShouldEqual, "pull")
	test.That(t, streamErr.Error(), test.ShouldContainSubstring, "no frame")
	test.That(t, logs.FilterMessage("frame pull failed; ending stream").Len(), test.ShouldEqual, 1)

	stats := s.Stats()
	test.That(t, stats.Ledger.Acquired, test.ShouldEqual, 1)
	test.That(t, stats.Ledger.Released, test.ShouldEqual, 1)

	_, err = s.Next(context.Background())
	test.That(t, err, test.ShouldEqual, io.EOF)
	test.That(t, p.pulls.Load(), test.ShouldEqual, 2)
}

func TestStreamCancelledPull(t *testing.T) {
	p := &scriptedProducer{block: make(chan struct{})}
	s := newTestStream(t, p, 30, 30)

	f, err := s.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Release(), test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Next(ctx)
	test.That(t, err, test.ShouldEqual, context.Canceled)
	// cancellation does not end the stream
	test.That(t, s.Err(), test.ShouldBeNil)

	close(p.block)
	f, err = s.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Release(), test.ShouldBeNil)
	test.That(t, s.Close(), test.ShouldBeNil)
}

func TestStreamReleasesOnPanic(t *testing.T) {
	p := &scriptedProducer{}
	// a nil RateState panics inside admit
	s := NewStream(p, nil, nil, logging.NewTestLogger(t))

	func() {
		defer func() {
			test.That(t, recover(), test.ShouldNotBeNil)
		}()
		//nolint:errcheck
		s.Next(context.Background())
	}()
	test.That(t, p.handedOut(), test.ShouldEqual, 1)
	test.That(t, p.releases.Load(), test.ShouldEqual, 1)
}

func TestStreamDoubleReleaseIsCounted(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	p := &scriptedProducer{limit: 1}
	rate, err := NewRateState(30, 30)
	test.That(t, err, test.ShouldBeNil)
	s := NewStream(p, rate, nil, logger)

	for f := range s.Frames(context.Background()) {
		test.That(t, f.Release(), test.ShouldBeNil)
		err := f.Release()
		var violation *LifecycleViolationError
		test.That(t, errors.As(err, &violation), test.ShouldBeTrue)
		test.That(t, violation.Seq, test.ShouldEqual, 1)
	}
	test.That(t, p.releases.Load(), test.ShouldEqual, 1)
	test.That(t, s.Stats().Ledger.Violations, test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("frame lifecycle violation").Len(), test.ShouldEqual, 0)
}
