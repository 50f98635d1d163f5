package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
	goutils "go.viam.com/utils"

	"github.com/waypoint-ar/framesource/capture"
	"github.com/waypoint-ar/framesource/logging"
	"github.com/waypoint-ar/framesource/platform/fake"
	"github.com/waypoint-ar/framesource/platform/webcam"
)

const (
	stepAcquire = "acquire"
	stepCapture = "capture"
)

// newLogger returns the command's logger and a func that flushes and closes it.
func newLogger(c *cli.Context) (logging.Logger, func()) {
	level := zapcore.InfoLevel
	if c.Bool(flagDebug) {
		level = zapcore.DebugLevel
	}
	if path := c.Path(flagLogFile); path != "" {
		logger, closer := logging.NewFileLogger("framegrab", path, level)
		return logger, func() {
			//nolint:errcheck
			logger.Sync()
			goutils.UncheckedError(closer.Close())
		}
	}
	logger := logging.NewLogger("framegrab")
	logger.SetLevel(level)
	return logger, func() {
		//nolint:errcheck
		logger.Sync()
	}
}

// CaptureAction opens a camera, grabs frames through a rate-limited stream
// and prints a summary of the session.
func CaptureAction(c *cli.Context) error {
	logger, closeLogger := newLogger(c)
	defer closeLogger()
	logging.ReplaceGlobal(logger)

	conf, err := captureConfigFromFlags(c)
	if err != nil {
		return err
	}
	platform, err := newPlatform(c, logger)
	if err != nil {
		return err
	}
	if err := capture.RegisterViews(); err != nil {
		return errors.Wrap(err, "cannot register frame metrics")
	}
	defer capture.UnregisterViews()

	outDir := c.Path(flagOutput)
	format := c.String(flagImageFmt)
	if outDir != "" {
		if _, ok := imageExtensions[format]; !ok {
			return errors.Errorf("unknown image format %q", format)
		}
		if err := os.MkdirAll(outDir, 0o750); err != nil {
			return errors.Wrapf(err, "cannot create output directory %q", outDir)
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	pm := NewProgressManager(
		[]*Step{
			{ID: stepAcquire, Message: "Acquiring camera"},
			{ID: stepCapture, Message: "Capturing frames"},
		},
		WithProgressOutput(!c.Bool(flagNoProgress)),
		WithProgressWriter(c.App.ErrWriter),
	)
	defer pm.Stop()

	negotiator, err := capture.NewStreamNegotiator(platform, *conf, logger.Sublogger("capture"))
	if err != nil {
		return err
	}
	defer negotiator.Stop()

	if err := pm.Start(stepAcquire); err != nil {
		return err
	}
	session, err := negotiator.Initialize(ctx, conf.Width, conf.Height, capture.FacingMode(conf.FacingMode))
	if err != nil {
		//nolint:errcheck
		pm.Fail(stepAcquire, err)
		return err
	}
	//nolint:errcheck
	pm.CompleteWithMessage(stepAcquire, fmt.Sprintf("Camera acquired: %dx%d, %s frames",
		session.Width, session.Height, session.Kind))

	limit := c.Int(flagFrames)
	if err := pm.Start(stepCapture); err != nil {
		return err
	}
	result, err := grabFrames(negotiator.Frames(ctx), limit, outDir, format, func(n int) {
		pm.UpdateText(fmt.Sprintf("Capturing frames (%d/%d)", n, limit))
	})
	negotiator.Stop()
	if err == nil {
		err = negotiator.Stream().Err()
	}
	if err != nil {
		//nolint:errcheck
		pm.Fail(stepCapture, err)
		return err
	}
	//nolint:errcheck
	pm.CompleteWithMessage(stepCapture, fmt.Sprintf("Captured %d frames", len(result.Timestamps)))

	printSummary(c, session, negotiator.Stream().Stats(), result)
	return nil
}

// captureConfigFromFlags loads the --config file, if any, and lets explicitly
// set flags override it.
func captureConfigFromFlags(c *cli.Context) (*capture.Config, error) {
	conf := &capture.Config{}
	if path := c.Path(flagConfig); path != "" {
		loaded, err := readCaptureConfig(path)
		if err != nil {
			return nil, err
		}
		conf = loaded
	}
	if c.IsSet(flagWidth) || conf.Width == 0 {
		conf.Width = c.Int(flagWidth)
	}
	if c.IsSet(flagHeight) || conf.Height == 0 {
		conf.Height = c.Int(flagHeight)
	}
	if c.IsSet(flagFacing) || conf.FacingMode == "" {
		conf.FacingMode = c.String(flagFacing)
	}
	if c.IsSet(flagTargetFPS) || conf.TargetFrameRate == 0 {
		conf.TargetFrameRate = c.Float64(flagTargetFPS)
	}
	if c.IsSet(flagNativeFPS) || conf.NativeFrameRate == 0 {
		conf.NativeFrameRate = c.Float64(flagNativeFPS)
	}
	if _, err := conf.Validate(flagConfig); err != nil {
		return nil, err
	}
	return conf, nil
}

func readCaptureConfig(path string) (*capture.Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read config")
	}
	var attrs map[string]interface{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %q", path)
	}
	return capture.ConfigFromAttributes(attrs)
}

func newPlatform(c *cli.Context, logger logging.Logger) (capture.Platform, error) {
	emulate := c.Bool(flagEmulate)
	if c.Bool(flagFake) {
		return fake.NewPlatform(fake.Config{
			Native:             !emulate,
			EmulationInstalled: emulate,
		})
	}
	return webcam.NewPlatform(webcam.Config{
		Debug:          c.Bool(flagDebug),
		Format:         c.String(flagFormat),
		Path:           c.String(flagDevice),
		ForceEmulation: emulate,
	}, logger.Sublogger("webcam")), nil
}

type grabResult struct {
	Timestamps []time.Time
	Written    []string
	Bytes      int64
}

// grabFrames consumes up to limit frames. When outDir is set each frame is
// copied out, released, and written as an image in format.
func grabFrames(
	frames iter.Seq[*capture.Frame],
	limit int,
	outDir, format string,
	progress func(int),
) (grabResult, error) {
	var result grabResult
	if limit <= 0 {
		return result, nil
	}
	for frame := range frames {
		result.Timestamps = append(result.Timestamps, frame.Timestamp)
		if outDir != "" {
			img, err := frame.CopyPixels()
			if err != nil {
				return result, err
			}
			if err := frame.Release(); err != nil {
				return result, err
			}
			path, size, err := writeImage(img, outDir, fmt.Sprintf("frame-%05d", frame.Seq), format)
			if err != nil {
				return result, err
			}
			result.Written = append(result.Written, path)
			result.Bytes += size
		}
		progress(len(result.Timestamps))
		if len(result.Timestamps) >= limit {
			break
		}
	}
	return result, nil
}

type intervalSummary struct {
	Mean, P95, Min, Max time.Duration
}

// summarizeIntervals describes the gaps between consecutive frame timestamps.
func summarizeIntervals(timestamps []time.Time) (intervalSummary, error) {
	if len(timestamps) < 2 {
		return intervalSummary{}, errors.New("need at least two frames to measure intervals")
	}
	intervals := make(stats.Float64Data, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		intervals = append(intervals, float64(timestamps[i].Sub(timestamps[i-1])))
	}
	mean, err := intervals.Mean()
	if err != nil {
		return intervalSummary{}, err
	}
	p95, err := intervals.Percentile(95)
	if err != nil {
		return intervalSummary{}, err
	}
	fastest, err := intervals.Min()
	if err != nil {
		return intervalSummary{}, err
	}
	slowest, err := intervals.Max()
	if err != nil {
		return intervalSummary{}, err
	}
	return intervalSummary{
		Mean: time.Duration(mean),
		P95:  time.Duration(p95),
		Min:  time.Duration(fastest),
		Max:  time.Duration(slowest),
	}, nil
}

func printSummary(c *cli.Context, session capture.StreamSession, st capture.StreamStats, result grabResult) {
	out := c.App.Writer
	printf(out, "session %s: %dx%d facing %s via %s frames\n",
		session.ID, session.Width, session.Height, session.FacingMode, session.Kind)
	printf(out, "forwarded %d, dropped %d (every %d), released %d/%d\n",
		st.Forwarded, st.Dropped, st.Interval, st.Ledger.Released, st.Ledger.Acquired)
	if st.Ledger.Violations > 0 {
		printf(out, "lifecycle violations: %d\n", st.Ledger.Violations)
	}
	if summary, err := summarizeIntervals(result.Timestamps); err == nil {
		printf(out, "frame interval mean %s, p95 %s, min %s, max %s\n",
			summary.Mean.Round(time.Microsecond), summary.P95.Round(time.Microsecond),
			summary.Min.Round(time.Microsecond), summary.Max.Round(time.Microsecond))
	}
	if len(result.Written) > 0 {
		printf(out, "wrote %d frames (%s) to %s\n",
			len(result.Written), units.HumanSize(float64(result.Bytes)), filepath.Dir(result.Written[0]))
	}
}

// printf prints a message with no decoration.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format, a...)
}
