package capture

import (
	"context"
	"image"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// captureSlack is how far short of the source interval a repaint may land
// and still be captured. Repaint periods and source intervals are both
// truncated to whole nanoseconds, so two 60Hz repaints come to 1ns less than
// one 30fps interval.
const captureSlack = time.Millisecond

// EmulatedFrameProducer synthesizes frames on platforms without a native
// processor. It paints a playing surface into an off-screen raster, timed by
// display repaints: each pull polls repaints until a source frame interval,
// give or take a millisecond, has passed since the previous capture.
type EmulatedFrameProducer struct {
	mu       sync.Mutex
	surface  PlaybackSurface
	repaint  RepaintSource
	interval time.Duration
	pool     *rasterPool

	ready       bool
	lastCapture time.Time
	closed      bool
}

// NewEmulatedFrameProducer returns a producer capturing surface at
// sourceFPS frames per second. rasterPoolSize bounds the frames that may be
// outstanding; zero means DefaultRasterPoolSize.
func NewEmulatedFrameProducer(
	surface PlaybackSurface,
	repaint RepaintSource,
	sourceFPS float64,
	rasterPoolSize int,
) (*EmulatedFrameProducer, error) {
	if sourceFPS <= 0 {
		return nil, errors.Errorf("source frame rate must be positive, got %v", sourceFPS)
	}
	return &EmulatedFrameProducer{
		surface:  surface,
		repaint:  repaint,
		interval: time.Duration(float64(time.Second) / sourceFPS),
		pool:     newRasterPool(rasterPoolSize),
	}, nil
}

// Kind returns ProducerEmulated.
func (p *EmulatedFrameProducer) Kind() ProducerKind {
	return ProducerEmulated
}

// Interval is the minimum time between two captures.
func (p *EmulatedFrameProducer) Interval() time.Duration {
	return p.interval
}

// Pull waits for the surface to be ready, then for the capture interval to
// elapse, and paints the current picture into a raster.
func (p *EmulatedFrameProducer) Pull(ctx context.Context) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, io.EOF
	}

	if !p.ready {
		if err := p.waitReady(ctx); err != nil {
			return nil, err
		}
		p.ready = true
	}

	due := p.interval - min(captureSlack, p.interval/2)
	var captureTime time.Time
	for {
		ts, err := p.repaint.NextRepaint(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "waiting for repaint")
		}
		if p.lastCapture.IsZero() || ts.Sub(p.lastCapture) >= due {
			captureTime = ts
			break
		}
	}

	img, err := p.surface.Snapshot()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "cannot snapshot playback surface")
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, errors.New("playback surface has no picture")
	}

	raster, err := p.pool.get(ctx, image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	if err != nil {
		return nil, errors.Wrap(err, "no raster available")
	}
	draw.Draw(raster, raster.Bounds(), img, bounds.Min, draw.Src)
	p.lastCapture = captureTime

	return NewFrame(raster, captureTime, func() { p.pool.put(raster) }), nil
}

// waitReady waits for both the playing and the metadata signal. Either one
// alone can fire before a decodable picture exists.
func (p *EmulatedFrameProducer) waitReady(ctx context.Context) error {
	for _, signal := range []<-chan struct{}{p.surface.Playing(), p.surface.MetadataLoaded()} {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for playback to start")
		case <-signal:
		}
	}
	return nil
}

// Close closes the playback surface and stops the repaint source if it can
// be stopped. It is safe to call more than once.
func (p *EmulatedFrameProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if stopper, ok := p.repaint.(interface{ Stop() }); ok {
		stopper.Stop()
	}
	return p.surface.Close()
}
