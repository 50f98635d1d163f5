package capture

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	goutils "go.viam.com/utils"
)

var (
	producerKindKey = tag.MustNewKey("producer_kind")

	framesPulled = stats.Int64(
		"framesource/frames_pulled",
		"Frames pulled from a frame producer, warm-up included",
		stats.UnitDimensionless)
	framesForwarded = stats.Int64(
		"framesource/frames_forwarded",
		"Frames handed to the consumer",
		stats.UnitDimensionless)
	framesDropped = stats.Int64(
		"framesource/frames_dropped",
		"Frames released by the rate limiter without being forwarded",
		stats.UnitDimensionless)
	framesReleased = stats.Int64(
		"framesource/frames_released",
		"Frames handed back to their producer",
		stats.UnitDimensionless)
	lifecycleViolations = stats.Int64(
		"framesource/lifecycle_violations",
		"Frames released more than once",
		stats.UnitDimensionless)
)

// Views are the opencensus views over the pipeline's frame counters. They are
// not registered automatically; see RegisterViews.
var Views = []*view.View{
	countView(framesPulled),
	countView(framesForwarded),
	countView(framesDropped),
	countView(framesReleased),
	countView(lifecycleViolations),
}

func countView(m *stats.Int64Measure) *view.View {
	return &view.View{
		Name:        m.Name(),
		Description: m.Description(),
		Measure:     m,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{producerKindKey},
	}
}

// RegisterViews registers Views with the default opencensus worker.
func RegisterViews() error {
	return view.Register(Views...)
}

// UnregisterViews undoes RegisterViews.
func UnregisterViews() {
	view.Unregister(Views...)
}

func recordFrameEvent(kind string, m *stats.Int64Measure) {
	if kind == "" {
		kind = "unknown"
	}
	goutils.UncheckedError(stats.RecordWithTags(
		context.Background(),
		[]tag.Mutator{tag.Upsert(producerKindKey, kind)},
		m.M(1),
	))
}
