package capture

import (
	"context"
	"image"
	"time"
)

// FacingMode is the camera orientation preference passed to the platform.
type FacingMode string

// Known facing modes.
const (
	FacingEnvironment FacingMode = "environment"
	FacingUser        FacingMode = "user"
)

// TrackConstraints describes the video track being requested. All values are
// ideals; the platform may grant something else.
type TrackConstraints struct {
	Width      int
	Height     int
	FacingMode FacingMode
	FrameRate  float64
}

// A MediaTrack is one acquired video source. Stop ends capture on it.
type MediaTrack interface {
	ID() string
	Stop() error
}

// Capabilities is the result of probing a platform for frame production support.
type Capabilities struct {
	// EmulationInstalled is set when a software emulation layer has taken over
	// frame production on this platform. It wins over a native processor.
	EmulationInstalled bool
	// NativeProcessor is set when the platform can produce frames directly
	// from a track.
	NativeProcessor bool
}

// A NativeProcessor pulls decoded frames straight from a track. Read returns
// io.EOF once the track has ended. The returned release func must be called
// once the image is no longer used.
type NativeProcessor interface {
	Read() (img image.Image, release func(), err error)
	Close() error
}

// A PlaybackSurface continuously plays a track so that its current picture
// can be painted on demand.
type PlaybackSurface interface {
	// Playing is closed once playback has started.
	Playing() <-chan struct{}
	// MetadataLoaded is closed once the video dimensions are known.
	MetadataLoaded() <-chan struct{}
	// Snapshot returns the picture currently on the surface. It returns io.EOF
	// once playback has ended.
	Snapshot() (image.Image, error)
	Close() error
}

// A RepaintSource blocks until the next display repaint and returns its time.
type RepaintSource interface {
	NextRepaint(ctx context.Context) (time.Time, error)
}

// Platform is everything the negotiator needs from the host environment.
type Platform interface {
	GetUserMedia(ctx context.Context, constraints TrackConstraints) (MediaTrack, error)
	Probe() Capabilities
	NewNativeProcessor(track MediaTrack) (NativeProcessor, error)
	NewPlaybackSurface(ctx context.Context, track MediaTrack) (PlaybackSurface, error)
}

// RepaintProvider is implemented by platforms that have their own repaint
// timing. Other platforms get a clock-driven RepaintSource.
type RepaintProvider interface {
	NewRepaintSource() RepaintSource
}
