package capture

import (
	"context"
	"io"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// NativeFrameProducer pulls frames directly from the platform's native
// processor, one decoded frame per pull at the camera's delivery rate.
type NativeFrameProducer struct {
	mu     sync.Mutex
	proc   NativeProcessor
	clk    clock.Clock
	closed bool
}

// NewNativeFrameProducer wraps proc. Frame timestamps come from clk.
func NewNativeFrameProducer(proc NativeProcessor, clk clock.Clock) *NativeFrameProducer {
	if clk == nil {
		clk = clock.New()
	}
	return &NativeFrameProducer{proc: proc, clk: clk}
}

// Kind returns ProducerNative.
func (p *NativeFrameProducer) Kind() ProducerKind {
	return ProducerNative
}

// Pull reads the next decoded frame.
func (p *NativeFrameProducer) Pull(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, io.EOF
	}

	img, release, err := p.proc.Read()
	if err != nil {
		if release != nil {
			release()
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "native frame read failed")
	}
	if img == nil {
		if release != nil {
			release()
		}
		return nil, errors.New("native processor returned no image")
	}
	return NewFrame(img, p.clk.Now(), release), nil
}

// Close closes the native processor. It is safe to call more than once.
func (p *NativeFrameProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.proc.Close()
}
