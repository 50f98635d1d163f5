// Package fake implements a synthetic camera platform which always renders the
// same gradient at a configurable granted resolution.
package fake

import (
	"context"
	"image"
	"image/color"
	"io"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/waypoint-ar/framesource/capture"
)

// Config are the attributes of the fake platform.
type Config struct {
	// Width and Height are what the camera grants. Zero grants the request.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
	// Native reports a native frame processor from Probe.
	Native bool `json:"native,omitempty"`
	// EmulationInstalled reports an installed emulation layer from Probe.
	EmulationInstalled bool `json:"emulation_installed,omitempty"`
	// DenyPermission makes GetUserMedia fail as if the user refused access.
	DenyPermission bool `json:"deny_permission,omitempty"`
	// FrameLimit ends the stream after this many frames. Zero is unlimited.
	FrameLimit int `json:"frame_limit,omitempty"`
	// FailAfter makes every read after this many frames fail. Zero never fails.
	FailAfter int `json:"fail_after,omitempty"`
	// StallAfter makes every read after this many frames block until the
	// track is stopped, like a camera unplugged mid-read. Zero never stalls.
	StallAfter int `json:"stall_after,omitempty"`
	// HoldPlayback keeps playback surfaces from signalling until
	// StartPlayback and LoadMetadata are called on them.
	HoldPlayback bool `json:"hold_playback,omitempty"`
}

// Validate checks that the config attributes are valid for a fake platform.
func (conf *Config) Validate(path string) ([]string, error) {
	if conf.Height%2 != 0 {
		return nil, errors.Errorf("odd-number resolutions cannot be rendered, cannot use a height of %d", conf.Height)
	}
	if conf.Width%2 != 0 {
		return nil, errors.Errorf("odd-number resolutions cannot be rendered, cannot use a width of %d", conf.Width)
	}
	if conf.FrameLimit < 0 || conf.FailAfter < 0 || conf.StallAfter < 0 {
		return nil, errors.Errorf("%s: frame_limit, fail_after and stall_after cannot be negative", path)
	}
	return nil, nil
}

// ErrReadFailed is returned by reads past Config.FailAfter.
var ErrReadFailed = errors.New("fake decoder failure")

// Platform is a capture.Platform that renders a gradient.
type Platform struct {
	conf Config

	mu       sync.Mutex
	tracks   []*Track
	surfaces []*Surface

	reads    atomic.Int64
	releases atomic.Int64
}

// NewPlatform returns a fake platform.
func NewPlatform(conf Config) (*Platform, error) {
	if _, err := conf.Validate("fake"); err != nil {
		return nil, err
	}
	return &Platform{conf: conf}, nil
}

// GetUserMedia grants a track at the configured resolution, or at the
// requested one when none is configured.
func (p *Platform) GetUserMedia(ctx context.Context, constraints capture.TrackConstraints) (capture.MediaTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.conf.DenyPermission {
		return nil, errors.Wrap(capture.ErrPermissionDenied, "user dismissed the camera prompt")
	}
	width, height := p.conf.Width, p.conf.Height
	if width == 0 || height == 0 {
		width, height = constraints.Width, constraints.Height
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("cannot grant a %dx%d track", width, height)
	}
	track := &Track{
		id:          uuid.NewString(),
		constraints: constraints,
		width:       width,
		height:      height,
		done:        make(chan struct{}),
	}
	p.mu.Lock()
	p.tracks = append(p.tracks, track)
	p.mu.Unlock()
	return track, nil
}

// Probe reports the configured capabilities.
func (p *Platform) Probe() capture.Capabilities {
	return capture.Capabilities{
		EmulationInstalled: p.conf.EmulationInstalled,
		NativeProcessor:    p.conf.Native,
	}
}

// NewNativeProcessor returns a processor that reads the gradient.
func (p *Platform) NewNativeProcessor(track capture.MediaTrack) (capture.NativeProcessor, error) {
	t, ok := track.(*Track)
	if !ok {
		return nil, errors.Errorf("expected a fake track, got %T", track)
	}
	return &processor{platform: p, track: t}, nil
}

// NewPlaybackSurface returns a surface playing the gradient.
func (p *Platform) NewPlaybackSurface(ctx context.Context, track capture.MediaTrack) (capture.PlaybackSurface, error) {
	t, ok := track.(*Track)
	if !ok {
		return nil, errors.Errorf("expected a fake track, got %T", track)
	}
	s := &Surface{
		platform: p,
		track:    t,
		playing:  make(chan struct{}),
		metadata: make(chan struct{}),
	}
	if !p.conf.HoldPlayback {
		s.StartPlayback()
		s.LoadMetadata()
	}
	p.mu.Lock()
	p.surfaces = append(p.surfaces, s)
	p.mu.Unlock()
	return s, nil
}

// Tracks returns every track granted so far.
func (p *Platform) Tracks() []*Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Track(nil), p.tracks...)
}

// Surfaces returns every playback surface created so far.
func (p *Platform) Surfaces() []*Surface {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Surface(nil), p.surfaces...)
}

// Reads is the number of frames handed out by native processors.
func (p *Platform) Reads() int64 {
	return p.reads.Load()
}

// Releases is the number of release calls made on those frames. A correct
// consumer ends with Releases() == Reads().
func (p *Platform) Releases() int64 {
	return p.releases.Load()
}

// nextFrame accounts for one frame read on track and reports whether the
// stream has ended or failed.
func (p *Platform) nextFrame(track *Track) error {
	n := int(track.frames.Inc())
	if track.Stopped() {
		return io.EOF
	}
	if p.conf.StallAfter > 0 && n > p.conf.StallAfter {
		<-track.done
		return io.EOF
	}
	if p.conf.FailAfter > 0 && n > p.conf.FailAfter {
		return ErrReadFailed
	}
	if p.conf.FrameLimit > 0 && n > p.conf.FrameLimit {
		return io.EOF
	}
	return nil
}

// Track is a fake media track.
type Track struct {
	id          string
	constraints capture.TrackConstraints
	width       int
	height      int

	frames atomic.Int64
	stops  atomic.Int64

	stopOnce sync.Once
	done     chan struct{}

	once  sync.Once
	image *image.RGBA
}

// ID returns the track's id.
func (t *Track) ID() string {
	return t.id
}

// Constraints returns what the track was requested with.
func (t *Track) Constraints() capture.TrackConstraints {
	return t.constraints
}

// Stop marks the track stopped and wakes any stalled read.
func (t *Track) Stop() error {
	t.stops.Inc()
	t.stopOnce.Do(func() { close(t.done) })
	return nil
}

// Stopped reports whether Stop has been called.
func (t *Track) Stopped() bool {
	return t.stops.Load() > 0
}

// ReadAttempts is how many frames have been asked of the track, including
// reads that failed or are still stalled.
func (t *Track) ReadAttempts() int64 {
	return t.frames.Load()
}

// StopCount is how many times Stop has been called.
func (t *Track) StopCount() int64 {
	return t.stops.Load()
}

// Gradient returns the track's picture: a yellow to blue gradient.
func (t *Track) Gradient() *image.RGBA {
	t.once.Do(func() {
		t.image = gradient(t.width, t.height)
	})
	return t.image
}

func gradient(w, h int) *image.RGBA {
	width := float64(w)
	height := float64(h)
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	totalDist := math.Sqrt(math.Pow(0-width, 2) + math.Pow(0-height, 2))

	var x, y float64
	for x = 0; x < width; x++ {
		for y = 0; y < height; y++ {
			dist := math.Sqrt(math.Pow(0-x, 2) + math.Pow(0-y, 2))
			dist /= totalDist
			thisColor := color.RGBA{uint8(255 - (255 * dist)), uint8(255 - (255 * dist)), uint8(0 + (255 * dist)), 255}
			img.SetRGBA(int(x), int(y), thisColor)
		}
	}
	return img
}

type processor struct {
	platform *Platform
	track    *Track
	closed   atomic.Bool
}

func (proc *processor) Read() (image.Image, func(), error) {
	if proc.closed.Load() {
		return nil, nil, io.EOF
	}
	if err := proc.platform.nextFrame(proc.track); err != nil {
		return nil, nil, err
	}
	proc.platform.reads.Inc()
	return proc.track.Gradient(), func() { proc.platform.releases.Inc() }, nil
}

func (proc *processor) Close() error {
	proc.closed.Store(true)
	return nil
}

// Surface is a fake playback surface.
type Surface struct {
	platform *Platform
	track    *Track

	playOnce, metaOnce sync.Once
	playing, metadata  chan struct{}
	closed             atomic.Bool
}

// StartPlayback fires the playing signal.
func (s *Surface) StartPlayback() {
	s.playOnce.Do(func() { close(s.playing) })
}

// LoadMetadata fires the metadata signal.
func (s *Surface) LoadMetadata() {
	s.metaOnce.Do(func() { close(s.metadata) })
}

// Playing implements capture.PlaybackSurface.
func (s *Surface) Playing() <-chan struct{} {
	return s.playing
}

// MetadataLoaded implements capture.PlaybackSurface.
func (s *Surface) MetadataLoaded() <-chan struct{} {
	return s.metadata
}

// Snapshot returns the gradient.
func (s *Surface) Snapshot() (image.Image, error) {
	if s.closed.Load() {
		return nil, io.EOF
	}
	if err := s.platform.nextFrame(s.track); err != nil {
		return nil, err
	}
	return s.track.Gradient(), nil
}

// Close stops playback.
func (s *Surface) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether Close has been called.
func (s *Surface) Closed() bool {
	return s.closed.Load()
}
