package capture

import (
	"context"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/waypoint-ar/framesource/logging"
)

// StreamSession is the negotiated state of one pipeline.
type StreamSession struct {
	ID         string
	Width      int
	Height     int
	FacingMode FacingMode
	Kind       ProducerKind
	Streaming  bool
}

// StreamNegotiator acquires a camera track, chooses how frames will be
// produced from it, and owns the resulting Stream. A negotiator serves a
// single session; after Stop a new negotiator is needed.
type StreamNegotiator struct {
	mu           sync.Mutex
	platform     Platform
	conf         Config
	clk          clock.Clock
	closeTimeout time.Duration
	logger       logging.Logger
	ledger       *ReleaseLedger

	track       MediaTrack
	stream      *Stream
	session     StreamSession
	initialized bool
	stopped     bool
}

// DefaultCloseTimeout is how long Stop waits for the frame producer to close
// before stopping the track under it.
const DefaultCloseTimeout = 2 * time.Second

// Option configures a StreamNegotiator.
type Option func(*StreamNegotiator)

// WithCloseTimeout sets how long Stop waits for the frame producer to close
// before stopping the track under it. Non-positive values are ignored.
func WithCloseTimeout(d time.Duration) Option {
	return func(n *StreamNegotiator) {
		if d > 0 {
			n.closeTimeout = d
		}
	}
}

// WithClock sets the clock used for frame timestamps, repaint timing and the
// close timeout.
func WithClock(clk clock.Clock) Option {
	return func(n *StreamNegotiator) {
		n.clk = clk
	}
}

// NewStreamNegotiator returns a negotiator for platform. Zero config fields
// take their defaults. A nil logger means logging.Global().
func NewStreamNegotiator(
	platform Platform,
	conf Config,
	logger logging.Logger,
	opts ...Option,
) (*StreamNegotiator, error) {
	if platform == nil {
		return nil, errors.New("a platform is required")
	}
	if _, err := conf.Validate("capture"); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Global()
	}
	n := &StreamNegotiator{
		platform:     platform,
		conf:         conf.WithDefaults(),
		clk:          clock.New(),
		closeTimeout: DefaultCloseTimeout,
		logger:       logger,
		ledger:       NewReleaseLedger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Initialize acquires a track close to the requested size and facing mode,
// builds a frame producer for it and pulls one warm-up frame to learn the
// dimensions actually delivered. Zero arguments fall back to the config.
// Errors are *AcquisitionError; a failed Initialize may be retried.
func (n *StreamNegotiator) Initialize(
	ctx context.Context,
	width, height int,
	facingMode FacingMode,
) (StreamSession, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return StreamSession{}, ErrSessionClosed
	}
	if n.initialized {
		return StreamSession{}, ErrAlreadyInitialized
	}

	if width <= 0 {
		width = n.conf.Width
	}
	if height <= 0 {
		height = n.conf.Height
	}
	if facingMode == "" {
		facingMode = FacingMode(n.conf.FacingMode)
	}
	rate, err := NewRateState(n.conf.NativeFrameRate, n.conf.TargetFrameRate)
	if err != nil {
		return StreamSession{}, newAcquisitionError(err)
	}

	constraints := TrackConstraints{
		Width:      width,
		Height:     height,
		FacingMode: facingMode,
		FrameRate:  n.conf.NativeFrameRate,
	}
	n.logger.CDebugw(ctx, "requesting camera track", "constraints", constraints)
	track, err := n.platform.GetUserMedia(ctx, constraints)
	if err != nil {
		return StreamSession{}, newAcquisitionError(errors.Wrap(err, "cannot acquire camera track"))
	}

	producer, err := n.establish(ctx, track)
	if err != nil {
		if stopErr := track.Stop(); stopErr != nil {
			n.logger.Errorw("failed to stop track after failed negotiation", "error", stopErr)
		}
		return StreamSession{}, newAcquisitionError(err)
	}

	if width != n.session.Width || height != n.session.Height {
		n.logger.Infow("camera granted a different resolution than requested",
			"requested_width", width, "requested_height", height,
			"width", n.session.Width, "height", n.session.Height)
	}

	n.track = track
	n.stream = NewStream(producer, rate, n.ledger, n.logger.Sublogger("stream"))
	n.session.ID = uuid.NewString()
	n.session.FacingMode = facingMode
	n.session.Kind = producer.Kind()
	n.session.Streaming = true
	n.initialized = true

	n.logger.Infow("stream session established",
		"session", n.session.ID,
		"track", track.ID(),
		"kind", n.session.Kind,
		"width", n.session.Width,
		"height", n.session.Height,
		"forward_interval", rate.Interval())
	return n.session, nil
}

// establish selects and builds the producer for track and runs the warm-up
// pull. On error nothing it built is left open; the track is the caller's.
func (n *StreamNegotiator) establish(ctx context.Context, track MediaTrack) (FrameProducer, error) {
	kind, err := SelectProducerKind(n.platform.Probe())
	if err != nil {
		return nil, err
	}
	producer, err := n.newProducer(ctx, kind, track)
	if err != nil {
		return nil, err
	}
	n.ledger.setKind(kind)

	width, height, err := n.warmUp(ctx, producer)
	if err != nil {
		if closeErr := producer.Close(); closeErr != nil {
			err = multierr.Append(err, errors.Wrap(closeErr, "cannot close frame producer"))
		}
		return nil, err
	}
	n.session.Width = width
	n.session.Height = height
	return producer, nil
}

func (n *StreamNegotiator) newProducer(ctx context.Context, kind ProducerKind, track MediaTrack) (FrameProducer, error) {
	switch kind {
	case ProducerNative:
		proc, err := n.platform.NewNativeProcessor(track)
		if err != nil {
			return nil, errors.Wrap(err, "cannot create native frame processor")
		}
		return NewNativeFrameProducer(proc, n.clk), nil
	case ProducerEmulated:
		surface, err := n.platform.NewPlaybackSurface(ctx, track)
		if err != nil {
			return nil, errors.Wrap(err, "cannot create playback surface")
		}
		var repaint RepaintSource
		if provider, ok := n.platform.(RepaintProvider); ok {
			repaint = provider.NewRepaintSource()
		} else {
			repaint = NewClockRepaint(n.clk, n.conf.RefreshRate)
		}
		producer, err := NewEmulatedFrameProducer(surface, repaint, n.conf.SourceFrameRate, n.conf.RasterPoolSize)
		if err != nil {
			if stopper, ok := repaint.(interface{ Stop() }); ok {
				stopper.Stop()
			}
			return nil, multierr.Combine(err, surface.Close())
		}
		return producer, nil
	default:
		return nil, errors.Errorf("unknown producer kind %q", kind)
	}
}

// warmUp pulls and releases one frame, returning its dimensions.
func (n *StreamNegotiator) warmUp(ctx context.Context, producer FrameProducer) (width, height int, err error) {
	frame, err := producer.Pull(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, 0, errors.New("warm-up pull failed: stream ended before the first frame")
		}
		return 0, 0, errors.Wrap(err, "warm-up pull failed")
	}
	n.ledger.track(frame)
	defer func() {
		if releaseErr := frame.Release(); releaseErr != nil {
			n.logger.Errorw("frame lifecycle violation", "error", releaseErr)
		}
	}()
	return frame.Width, frame.Height, nil
}

// Next returns the next forwarded frame of the session's stream. See Stream.Next.
func (n *StreamNegotiator) Next(ctx context.Context) (*Frame, error) {
	stream := n.Stream()
	if stream == nil {
		return nil, io.EOF
	}
	return stream.Next(ctx)
}

// Frames returns the session's frames as a sequence. See Stream.Frames.
func (n *StreamNegotiator) Frames(ctx context.Context) iter.Seq[*Frame] {
	stream := n.Stream()
	if stream == nil {
		return func(func(*Frame) bool) {}
	}
	return stream.Frames(ctx)
}

// Stream returns the session's stream, or nil before Initialize succeeds.
func (n *StreamNegotiator) Stream() *Stream {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stream
}

// Session returns the negotiated session.
func (n *StreamNegotiator) Session() StreamSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	session := n.session
	session.Streaming = n.stream != nil && !n.stopped && n.stream.Streaming()
	return session
}

// Ledger returns the release ledger shared by the warm-up and the stream.
func (n *StreamNegotiator) Ledger() *ReleaseLedger {
	return n.ledger
}

// Stop ends the session: it stops forwarding, waits for an in-flight pull,
// closes the producer's pull handle and then stops the track. A pull stuck
// for longer than the close timeout gets the track stopped under it instead,
// so a camera that stops delivering cannot hang Stop. It is idempotent and
// safe to call before or without Initialize. Teardown errors are logged.
func (n *StreamNegotiator) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	n.session.Streaming = false

	var (
		errs         error
		trackStopped bool
	)
	if n.stream != nil {
		var err error
		trackStopped, err = n.closeStream()
		errs = multierr.Append(errs, err)
	}
	if n.track != nil && !trackStopped {
		errs = multierr.Append(errs, errors.Wrap(n.track.Stop(), "cannot stop track"))
	}
	if errs != nil {
		n.logger.Errorw("errors while stopping stream session", "session", n.session.ID, "error", errs)
	}

	snapshot := n.ledger.Snapshot()
	n.logger.Infow("stream session stopped",
		"session", n.session.ID,
		"pulled", snapshot.Acquired,
		"released", snapshot.Released,
		"outstanding", snapshot.Outstanding())
}

// closeStream closes the stream within closeTimeout. Past it, the track is
// stopped to end the stuck read, and after one more closeTimeout the
// producer is abandoned.
func (n *StreamNegotiator) closeStream() (trackStopped bool, err error) {
	stream := n.stream
	closed := make(chan error, 1)
	goutils.PanicCapturingGo(func() {
		closed <- stream.Close()
	})
	select {
	case closeErr := <-closed:
		return false, errors.Wrap(closeErr, "cannot close frame producer")
	case <-n.clk.After(n.closeTimeout):
	}

	n.logger.Warnw("frame producer did not close in time; stopping track under it",
		"session", n.session.ID, "timeout", n.closeTimeout)
	if n.track != nil {
		err = errors.Wrap(n.track.Stop(), "cannot stop track")
		trackStopped = true
	}
	select {
	case closeErr := <-closed:
		return trackStopped, multierr.Append(err, errors.Wrap(closeErr, "cannot close frame producer"))
	case <-n.clk.After(n.closeTimeout):
		return trackStopped, multierr.Append(err,
			errors.Errorf("frame producer still closing after %s; abandoning it", 2*n.closeTimeout))
	}
}
