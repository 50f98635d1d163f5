package capture

import (
	"context"
	"image"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultRasterPoolSize bounds the off-screen rasters an emulated producer
// may have outstanding at once.
const DefaultRasterPoolSize = 3

// rasterPool hands out off-screen RGBA rasters. At most size rasters can be
// out at a time; get blocks until one is returned, the way a platform decoder
// stalls once all its frame slots are held.
type rasterPool struct {
	slots *semaphore.Weighted

	mu   sync.Mutex
	free []*image.RGBA
}

func newRasterPool(size int) *rasterPool {
	if size <= 0 {
		size = DefaultRasterPoolSize
	}
	return &rasterPool{slots: semaphore.NewWeighted(int64(size))}
}

func (p *rasterPool) get(ctx context.Context, rect image.Rectangle) (*image.RGBA, error) {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.free) > 0 {
		last := len(p.free) - 1
		raster := p.free[last]
		p.free = p.free[:last]
		if raster.Rect.Eq(rect) {
			return raster, nil
		}
	}
	return image.NewRGBA(rect), nil
}

func (p *rasterPool) put(raster *image.RGBA) {
	p.mu.Lock()
	p.free = append(p.free, raster)
	p.mu.Unlock()
	p.slots.Release(1)
}
