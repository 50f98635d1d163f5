package capture

import (
	"image"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/image/draw"
)

// A Frame is one decoded image. Its pixel storage belongs to whoever produced
// it and is handed back through Release, which must be called exactly once.
type Frame struct {
	// Seq is assigned when the frame is pulled and increases by one per pull.
	Seq       uint64
	Width     int
	Height    int
	Timestamp time.Time
	// Pixels must not be read after Release.
	Pixels image.Image

	release  func()
	released atomic.Bool
	ledger   *ReleaseLedger
}

// NewFrame wraps img as a frame. release is called on the first Release and
// may be nil when the image holds no scarce resource.
func NewFrame(img image.Image, ts time.Time, release func()) *Frame {
	bounds := img.Bounds()
	return &Frame{
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Timestamp: ts,
		Pixels:    img,
		release:   release,
	}
}

// Release hands the frame's storage back to its producer. Only the first call
// has an effect; later calls return a *LifecycleViolationError.
func (f *Frame) Release() error {
	if !f.released.CompareAndSwap(false, true) {
		if f.ledger != nil {
			f.ledger.recordViolation()
		}
		return &LifecycleViolationError{Seq: f.Seq}
	}
	if f.release != nil {
		f.release()
	}
	if f.ledger != nil {
		f.ledger.recordRelease()
	}
	return nil
}

// Released reports whether Release has been called.
func (f *Frame) Released() bool {
	return f.released.Load()
}

// CopyPixels copies the frame into a newly allocated RGBA buffer whose origin
// is (0, 0). Consumers that need pixels beyond the frame's lifetime copy them
// out before releasing.
func (f *Frame) CopyPixels() (*image.RGBA, error) {
	if f.Released() {
		return nil, errors.Errorf("frame %d read after release", f.Seq)
	}
	bounds := f.Pixels.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), f.Pixels, bounds.Min, draw.Src)
	return dst, nil
}
