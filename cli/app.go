// Package cli contains the framegrab command line app.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"

	"github.com/waypoint-ar/framesource/capture"
)

const (
	// Flags.
	flagDebug      = "debug"
	flagConfig     = "config"
	flagWidth      = "width"
	flagHeight     = "height"
	flagFacing     = "facing"
	flagTargetFPS  = "target-fps"
	flagNativeFPS  = "native-fps"
	flagFrames     = "frames"
	flagOutput     = "output"
	flagFake       = "fake"
	flagEmulate    = "emulate"
	flagDevice     = "device"
	flagFormat     = "format"
	flagNoProgress = "no-progress"
	flagLogFile    = "log-file"
	flagImageFmt   = "image-format"
)

const defaultFrameCap = 30

var app = &cli.App{
	Name:            "framegrab",
	Usage:           "grab rate-limited frames from a camera",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.PathFlag{
			Name:  flagLogFile,
			Usage: "also write JSON logs to `FILE`",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "capture",
			Usage:     "open a camera and pull frames from it",
			UsageText: "framegrab capture [--frames N] [--output DIR] [--fake]",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:    flagConfig,
					Aliases: []string{"c"},
					Usage:   "load capture settings from JSON `FILE`",
				},
				&cli.IntFlag{
					Name:  flagWidth,
					Usage: "requested frame width",
					Value: capture.DefaultWidth,
				},
				&cli.IntFlag{
					Name:  flagHeight,
					Usage: "requested frame height",
					Value: capture.DefaultHeight,
				},
				&cli.StringFlag{
					Name:  flagFacing,
					Usage: "camera facing mode: environment or user",
					Value: string(capture.DefaultFacingMode),
				},
				&cli.Float64Flag{
					Name:  flagTargetFPS,
					Usage: "most frames per second to forward",
					Value: capture.DefaultTargetFrameRate,
				},
				&cli.Float64Flag{
					Name:  flagNativeFPS,
					Usage: "frame rate the camera delivers",
					Value: capture.DefaultNativeFrameRate,
				},
				&cli.IntFlag{
					Name:  flagFrames,
					Usage: "number of frames to grab",
					Value: defaultFrameCap,
				},
				&cli.PathFlag{
					Name:  flagOutput,
					Usage: "write each frame as an image into `DIR`",
				},
				&cli.StringFlag{
					Name:  flagImageFmt,
					Usage: "image format for --output: png, jpeg, ppm or qoi",
					Value: formatPNG,
				},
				&cli.BoolFlag{
					Name:  flagFake,
					Usage: "use a synthetic camera",
				},
				&cli.BoolFlag{
					Name:  flagEmulate,
					Usage: "paint frames from a playing surface instead of reading them natively",
				},
				&cli.StringFlag{
					Name:  flagDevice,
					Usage: "video device path; default picks one by facing mode",
				},
				&cli.StringFlag{
					Name:  flagFormat,
					Usage: "pin the webcam pixel format, e.g. MJPG",
				},
				&cli.BoolFlag{
					Name:  flagNoProgress,
					Usage: "do not show progress spinners",
				},
			},
			Action: CaptureAction,
		},
		{
			Name:   "list",
			Usage:  "list the webcams on this machine",
			Action: ListWebcamsAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
