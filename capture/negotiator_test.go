package capture_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/waypoint-ar/framesource/capture"
	"github.com/waypoint-ar/framesource/logging"
	"github.com/waypoint-ar/framesource/platform/fake"
)

func newNegotiator(t *testing.T, fakeConf fake.Config, conf capture.Config, opts ...capture.Option) (*capture.StreamNegotiator, *fake.Platform) {
	t.Helper()
	platform, err := fake.NewPlatform(fakeConf)
	test.That(t, err, test.ShouldBeNil)
	n, err := capture.NewStreamNegotiator(platform, conf, logging.NewTestLogger(t), opts...)
	test.That(t, err, test.ShouldBeNil)
	return n, platform
}

func TestInitializeReportsGrantedResolution(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	platform, err := fake.NewPlatform(fake.Config{Width: 352, Height: 288, Native: true})
	test.That(t, err, test.ShouldBeNil)
	n, err := capture.NewStreamNegotiator(platform, capture.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer n.Stop()

	session, err := n.Initialize(context.Background(), 640, 480, capture.FacingEnvironment)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, session.Width, test.ShouldEqual, 352)
	test.That(t, session.Height, test.ShouldEqual, 288)
	test.That(t, session.Kind, test.ShouldEqual, capture.ProducerNative)
	test.That(t, session.FacingMode, test.ShouldEqual, capture.FacingEnvironment)
	test.That(t, session.Streaming, test.ShouldBeTrue)
	test.That(t, session.ID, test.ShouldNotBeEmpty)
	test.That(t, logs.FilterMessage("camera granted a different resolution than requested").Len(), test.ShouldEqual, 1)

	tracks := platform.Tracks()
	test.That(t, tracks, test.ShouldHaveLength, 1)
	test.That(t, tracks[0].Constraints(), test.ShouldResemble, capture.TrackConstraints{
		Width:      640,
		Height:     480,
		FacingMode: capture.FacingEnvironment,
		FrameRate:  30,
	})

	// the warm-up frame was released
	test.That(t, platform.Reads(), test.ShouldEqual, 1)
	test.That(t, platform.Releases(), test.ShouldEqual, 1)

	f, err := n.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Width, test.ShouldEqual, 352)
	test.That(t, f.Height, test.ShouldEqual, 288)
	test.That(t, f.Seq, test.ShouldEqual, 2)
	test.That(t, f.Release(), test.ShouldBeNil)
}

func TestInitializeDefaults(t *testing.T) {
	n, platform := newNegotiator(t, fake.Config{Native: true}, capture.Config{FacingMode: "user"})
	defer n.Stop()

	session, err := n.Initialize(context.Background(), 0, 0, "")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, session.Width, test.ShouldEqual, 640)
	test.That(t, session.Height, test.ShouldEqual, 480)
	test.That(t, session.FacingMode, test.ShouldEqual, capture.FacingUser)
	test.That(t, platform.Tracks()[0].Constraints().FacingMode, test.ShouldEqual, capture.FacingUser)
}

func TestInitializePermissionDenied(t *testing.T) {
	n, platform := newNegotiator(t, fake.Config{Native: true, DenyPermission: true}, capture.Config{})

	_, err := n.Initialize(context.Background(), 640, 480, capture.FacingEnvironment)
	var acqErr *capture.AcquisitionError
	test.That(t, errors.As(err, &acqErr), test.ShouldBeTrue)
	test.That(t, acqErr.Kind, test.ShouldEqual, capture.PermissionDenied)
	test.That(t, errors.Is(err, capture.ErrPermissionDenied), test.ShouldBeTrue)
	test.That(t, platform.Tracks(), test.ShouldBeEmpty)
	test.That(t, n.Stream(), test.ShouldBeNil)
	test.That(t, n.Session().Streaming, test.ShouldBeFalse)

	_, err = n.Next(context.Background())
	test.That(t, err, test.ShouldEqual, io.EOF)
	n.Stop()
}

func TestInitializeUnsupported(t *testing.T) {
	n, platform := newNegotiator(t, fake.Config{}, capture.Config{})

	_, err := n.Initialize(context.Background(), 640, 480, capture.FacingEnvironment)
	var acqErr *capture.AcquisitionError
	test.That(t, errors.As(err, &acqErr), test.ShouldBeTrue)
	test.That(t, acqErr.Kind, test.ShouldEqual, capture.Unsupported)

	// the acquired track is not leaked
	tracks := platform.Tracks()
	test.That(t, tracks, test.ShouldHaveLength, 1)
	test.That(t, tracks[0].StopCount(), test.ShouldEqual, 1)
}

func TestInitializeWarmUpFailure(t *testing.T) {
	n, platform := newNegotiator(t, fake.Config{EmulationInstalled: true, HoldPlayback: true}, capture.Config{})
	defer n.Stop()

	// playback never starts, so the warm-up pull cannot complete
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := n.Initialize(ctx, 640, 480, capture.FacingEnvironment)
	var acqErr *capture.AcquisitionError
	test.That(t, errors.As(err, &acqErr), test.ShouldBeTrue)
	test.That(t, acqErr.Kind, test.ShouldEqual, capture.AcquisitionFailed)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "warm-up pull failed")

	test.That(t, platform.Surfaces()[0].Closed(), test.ShouldBeTrue)
	test.That(t, platform.Tracks()[0].StopCount(), test.ShouldEqual, 1)

	// a failed Initialize may be retried
	go func() {
		for len(platform.Surfaces()) < 2 {
			time.Sleep(time.Millisecond)
		}
		surface := platform.Surfaces()[1]
		surface.StartPlayback()
		surface.LoadMetadata()
	}()
	session, err := n.Initialize(context.Background(), 640, 480, capture.FacingEnvironment)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, session.Kind, test.ShouldEqual, capture.ProducerEmulated)
}

func TestInitializePrefersEmulation(t *testing.T) {
	n, platform := newNegotiator(t,
		fake.Config{Native: true, EmulationInstalled: true},
		capture.Config{},
	)
	defer n.Stop()

	session, err := n.Initialize(context.Background(), 320, 240, capture.FacingUser)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, session.Kind, test.ShouldEqual, capture.ProducerEmulated)
	test.That(t, session.Width, test.ShouldEqual, 320)
	test.That(t, session.Height, test.ShouldEqual, 240)
	test.That(t, platform.Surfaces(), test.ShouldHaveLength, 1)
	test.That(t, platform.Reads(), test.ShouldEqual, 0)

	f, err := n.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Width, test.ShouldEqual, 320)
	test.That(t, f.Release(), test.ShouldBeNil)
}

func TestInitializeTwice(t *testing.T) {
	n, _ := newNegotiator(t, fake.Config{Native: true}, capture.Config{})
	defer n.Stop()

	_, err := n.Initialize(context.Background(), 640, 480, capture.FacingEnvironment)
	test.That(t, err, test.ShouldBeNil)
	_, err = n.Initialize(context.Background(), 640, 480, capture.FacingEnvironment)
	test.That(t, err, test.ShouldEqual, capture.ErrAlreadyInitialized)
}

func TestStopTearsDownOnce(t *testing.T) {
	n, platform := newNegotiator(t, fake.Config{Native: true}, capture.Config{})
	_, err := n.Initialize(context.Background(), 640, 480, capture.FacingEnvironment)
	test.That(t, err, test.ShouldBeNil)

	f, err := n.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Release(), test.ShouldBeNil)

	n.Stop()
	n.Stop()
	track := platform.Tracks()[0]
	test.That(t, track.StopCount(), test.ShouldEqual, 1)
	test.That(t, n.Session().Streaming, test.ShouldBeFalse)

	_, err = n.Next(context.Background())
	test.That(t, err, test.ShouldEqual, io.EOF)
	var frames int
	for range n.Frames(context.Background()) {
		frames++
	}
	test.That(t, frames, test.ShouldEqual, 0)

	_, err = n.Initialize(context.Background(), 640, 480, capture.FacingEnvironment)
	test.That(t, err, test.ShouldEqual, capture.ErrSessionClosed)

	snapshot := n.Ledger().Snapshot()
	test.That(t, snapshot.Acquired, test.ShouldEqual, 2)
	test.That(t, snapshot.Outstanding(), test.ShouldEqual, 0)
	test.That(t, platform.Releases(), test.ShouldEqual, platform.Reads())
}

func TestStopBeforeInitialize(t *testing.T) {
	n, platform := newNegotiator(t, fake.Config{Native: true}, capture.Config{})
	n.Stop()
	test.That(t, platform.Tracks(), test.ShouldBeEmpty)
	_, err := n.Initialize(context.Background(), 640, 480, capture.FacingEnvironment)
	test.That(t, err, test.ShouldEqual, capture.ErrSessionClosed)
}

func TestRateLimitedSession(t *testing.T) {
	n, platform := newNegotiator(t,
		fake.Config{Native: true, FrameLimit: 13},
		capture.Config{NativeFrameRate: 30, TargetFrameRate: 10},
	)
	defer n.Stop()
	_, err := n.Initialize(context.Background(), 64, 48, capture.FacingEnvironment)
	test.That(t, err, test.ShouldBeNil)

	var seqs []uint64
	for f := range n.Frames(context.Background()) {
		seqs = append(seqs, f.Seq)
	}
	// the warm-up was frame 1; frames 2 to 13 go through the limiter
	test.That(t, seqs, test.ShouldResemble, []uint64{2, 5, 8, 11})
	test.That(t, platform.Reads(), test.ShouldEqual, 13)
	test.That(t, platform.Releases(), test.ShouldEqual, 13)

	stats := n.Stream().Stats()
	test.That(t, stats.Forwarded, test.ShouldEqual, 4)
	test.That(t, stats.Dropped, test.ShouldEqual, 8)
	test.That(t, stats.Ledger.Outstanding(), test.ShouldEqual, 0)
}

func TestStreamFailureEndsSession(t *testing.T) {
	n, platform := newNegotiator(t, fake.Config{Native: true, FailAfter: 3}, capture.Config{})
	defer n.Stop()
	_, err := n.Initialize(context.Background(), 64, 48, capture.FacingEnvironment)
	test.That(t, err, test.ShouldBeNil)

	var frames int
	for range n.Frames(context.Background()) {
		frames++
	}
	test.That(t, frames, test.ShouldEqual, 2)
	test.That(t, platform.Releases(), test.ShouldEqual, platform.Reads())

	var streamErr *capture.StreamError
	test.That(t, errors.As(n.Stream().Err(), &streamErr), test.ShouldBeTrue)
	test.That(t, errors.Is(streamErr, fake.ErrReadFailed), test.ShouldBeTrue)
}

func TestStopFromAnotherGoroutine(t *testing.T) {
	n, platform := newNegotiator(t,
		fake.Config{EmulationInstalled: true},
		capture.Config{SourceFrameRate: 30, RefreshRate: 60},
		capture.WithClock(clock.New()),
	)
	_, err := n.Initialize(context.Background(), 64, 48, capture.FacingEnvironment)
	test.That(t, err, test.ShouldBeNil)

	var frames atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range n.Frames(context.Background()) {
			frames.Inc()
		}
	}()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, frames.Load(), test.ShouldBeGreaterThanOrEqualTo, 3)
	})
	n.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after Stop")
	}
	test.That(t, platform.Surfaces()[0].Closed(), test.ShouldBeTrue)
	test.That(t, platform.Tracks()[0].StopCount(), test.ShouldEqual, 1)
	test.That(t, n.Ledger().Snapshot().Outstanding(), test.ShouldEqual, 0)
	test.That(t, n.Stream().Stats().Forwarded, test.ShouldEqual, frames.Load())
}

func TestStopWhileConsuming(t *testing.T) {
	n, platform := newNegotiator(t, fake.Config{Native: true}, capture.Config{})
	_, err := n.Initialize(context.Background(), 64, 48, capture.FacingEnvironment)
	test.That(t, err, test.ShouldBeNil)

	var frames int
	for range n.Frames(context.Background()) {
		frames++
		if frames == 3 {
			n.Stop()
		}
	}
	test.That(t, frames, test.ShouldEqual, 3)
	test.That(t, platform.Tracks()[0].StopCount(), test.ShouldEqual, 1)
	test.That(t, platform.Releases(), test.ShouldEqual, platform.Reads())
}

func TestNegotiatorDefaultsToGlobalLogger(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	orig := logging.Global()
	logging.ReplaceGlobal(logger)
	defer logging.ReplaceGlobal(orig)

	platform, err := fake.NewPlatform(fake.Config{Native: true})
	test.That(t, err, test.ShouldBeNil)
	n, err := capture.NewStreamNegotiator(platform, capture.Config{}, nil)
	test.That(t, err, test.ShouldBeNil)
	_, err = n.Initialize(context.Background(), 64, 48, capture.FacingUser)
	test.That(t, err, test.ShouldBeNil)
	n.Stop()
	test.That(t, logs.FilterMessage("stream session established").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("stream session stopped").Len(), test.ShouldEqual, 1)
}

func TestNewStreamNegotiatorValidates(t *testing.T) {
	platform, err := fake.NewPlatform(fake.Config{Native: true})
	test.That(t, err, test.ShouldBeNil)
	_, err = capture.NewStreamNegotiator(platform, capture.Config{FacingMode: "up"}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = capture.NewStreamNegotiator(nil, capture.Config{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStopUnblocksStalledCamera(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	platform, err := fake.NewPlatform(fake.Config{Native: true, StallAfter: 2})
	test.That(t, err, test.ShouldBeNil)
	n, err := capture.NewStreamNegotiator(platform, capture.Config{}, logger,
		capture.WithCloseTimeout(20*time.Millisecond))
	test.That(t, err, test.ShouldBeNil)

	_, err = n.Initialize(context.Background(), 64, 48, capture.FacingUser)
	test.That(t, err, test.ShouldBeNil)
	f, err := n.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Release(), test.ShouldBeNil)

	// the third read never delivers
	pullErr := make(chan error, 1)
	go func() {
		_, err := n.Next(context.Background())
		pullErr <- err
	}()
	track := platform.Tracks()[0]
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, track.ReadAttempts(), test.ShouldEqual, 3)
	})

	stopped := make(chan struct{})
	go func() {
		n.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop hung on a stalled camera")
	}

	test.That(t, <-pullErr, test.ShouldEqual, io.EOF)
	test.That(t, track.StopCount(), test.ShouldEqual, 1)
	test.That(t, n.Session().Streaming, test.ShouldBeFalse)
	test.That(t, platform.Releases(), test.ShouldEqual, platform.Reads())
	test.That(t, logs.FilterMessage("frame producer did not close in time; stopping track under it").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("errors while stopping stream session").Len(), test.ShouldEqual, 0)
}
