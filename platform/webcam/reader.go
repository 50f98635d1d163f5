package webcam

import (
	"context"
	"image"
	"io"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/waypoint-ar/framesource/logging"
)

// nativeReader exposes a mediadevices reader as a capture.NativeProcessor.
type nativeReader struct {
	reader video.Reader
	closed atomic.Bool
}

func newNativeReader(reader video.Reader) *nativeReader {
	return &nativeReader{reader: reader}
}

func (r *nativeReader) Read() (image.Image, func(), error) {
	if r.closed.Load() {
		return nil, nil, io.EOF
	}
	return r.reader.Read()
}

// Close detaches from the reader. The track itself is stopped separately.
func (r *nativeReader) Close() error {
	r.closed.Store(true)
	return nil
}

// playbackSurface plays a track in the background, keeping a copy of the
// latest decoded picture for Snapshot.
type playbackSurface struct {
	reader video.Reader
	logger logging.Logger

	playOnce, metaOnce sync.Once
	playing, metadata  chan struct{}

	mu      sync.Mutex
	current image.Image
	err     error

	cancelCtx               context.Context
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

func newPlaybackSurface(reader video.Reader, logger logging.Logger) *playbackSurface {
	cancelCtx, cancel := context.WithCancel(context.Background())
	s := &playbackSurface{
		reader:    reader,
		logger:    logger,
		playing:   make(chan struct{}),
		metadata:  make(chan struct{}),
		cancelCtx: cancelCtx,
		cancel:    cancel,
	}
	s.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(s.play, s.activeBackgroundWorkers.Done)
	return s
}

func (s *playbackSurface) play() {
	s.playOnce.Do(func() { close(s.playing) })
	for {
		if s.cancelCtx.Err() != nil {
			return
		}
		img, release, err := s.reader.Read()
		if err != nil {
			if release != nil {
				release()
			}
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			if !errors.Is(err, io.EOF) {
				s.logger.Errorw("playback stopped", "error", err)
			}
			return
		}
		s.present(img)
		release()
		s.metaOnce.Do(func() {
			bounds := img.Bounds()
			s.logger.Debugw("playback metadata loaded", "width", bounds.Dx(), "height", bounds.Dy())
			close(s.metadata)
		})
	}
}

// present copies img, whose storage goes back to the decoder right after.
func (s *playbackSurface) present(img image.Image) {
	picture := imaging.Clone(img)
	s.mu.Lock()
	s.current = picture
	s.mu.Unlock()
}

func (s *playbackSurface) Playing() <-chan struct{} {
	return s.playing
}

func (s *playbackSurface) MetadataLoaded() <-chan struct{} {
	return s.metadata
}

// Snapshot returns the latest picture. Pictures are never modified after
// being presented, so the caller may read it without copying.
func (s *playbackSurface) Snapshot() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		if errors.Is(s.err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(s.err, "playback failed")
	}
	if s.current == nil {
		return nil, errors.New("nothing has been played yet")
	}
	return s.current, nil
}

// Close stops the player and waits for it to exit. The player leaves after
// its current read returns.
func (s *playbackSurface) Close() error {
	s.cancel()
	s.activeBackgroundWorkers.Wait()
	return nil
}
