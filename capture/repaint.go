package capture

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultRefreshRate is the display refresh rate assumed by NewClockRepaint.
const DefaultRefreshRate = 60.0

// ClockRepaint emits a repaint on every tick of a clock at the display refresh rate.
type ClockRepaint struct {
	ticker *clock.Ticker
}

// NewClockRepaint starts a repaint ticker at refreshRate Hz. A non-positive
// rate means DefaultRefreshRate. Call Stop when done.
func NewClockRepaint(clk clock.Clock, refreshRate float64) *ClockRepaint {
	if clk == nil {
		clk = clock.New()
	}
	if refreshRate <= 0 {
		refreshRate = DefaultRefreshRate
	}
	period := time.Duration(float64(time.Second) / refreshRate)
	return &ClockRepaint{ticker: clk.Ticker(period)}
}

// NextRepaint waits for the next tick.
func (r *ClockRepaint) NextRepaint(ctx context.Context) (time.Time, error) {
	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case ts := <-r.ticker.C:
		return ts, nil
	}
}

// Stop stops the underlying ticker.
func (r *ClockRepaint) Stop() {
	r.ticker.Stop()
}
