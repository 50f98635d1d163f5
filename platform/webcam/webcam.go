// Package webcam implements the capture platform on top of local video
// devices using pion/mediadevices.
package webcam

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/pion/mediadevices"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"

	"github.com/waypoint-ar/framesource/capture"
	"github.com/waypoint-ar/framesource/logging"
)

// Config is the native config attribute struct for webcams.
type Config struct {
	Debug  bool   `json:"debug,omitempty"`
	Format string `json:"format,omitempty"`
	// Path pins a specific device. Empty picks one by facing mode.
	Path string `json:"video_path,omitempty"`
	// ForceEmulation installs the emulation layer: frames are painted from a
	// continuously playing surface instead of read natively.
	ForceEmulation bool `json:"force_emulation,omitempty"`
}

// Platform is a capture.Platform for local webcams.
type Platform struct {
	conf   Config
	logger logging.Logger
}

// NewPlatform returns a webcam platform.
func NewPlatform(conf Config, logger logging.Logger) *Platform {
	mediadevicescamera.Initialize()
	return &Platform{conf: conf, logger: logger}
}

// makeConstraints is a helper that returns constraints to mediadevices in order to find and make a video source.
// Constraints are specifications for the video stream such as frame format, resolution etc.
func makeConstraints(
	requested capture.TrackConstraints,
	conf Config,
	deviceID string,
	logger logging.Logger,
) mediadevices.MediaStreamConstraints {
	return mediadevices.MediaStreamConstraints{
		Video: func(constraint *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				constraint.DeviceID = prop.StringExact(deviceID)
			}

			width := requested.Width
			if width <= 0 {
				width = capture.DefaultWidth
			}
			constraint.Width = prop.IntRanged{Min: 0, Ideal: width, Max: 4096}

			height := requested.Height
			if height <= 0 {
				height = capture.DefaultHeight
			}
			constraint.Height = prop.IntRanged{Min: 0, Ideal: height, Max: 2160}

			frameRate := float32(requested.FrameRate)
			if frameRate <= 0 {
				frameRate = float32(capture.DefaultNativeFrameRate)
			}
			constraint.FrameRate = prop.FloatRanged{Min: 0.0, Ideal: frameRate, Max: 140.0}

			if conf.Format == "" {
				constraint.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatYUY2,
					frame.FormatUYVY,
					frame.FormatRGBA,
					frame.FormatMJPEG,
					frame.FormatNV12,
					frame.FormatNV21,
				}
			} else {
				constraint.FrameFormat = prop.FrameFormatExact(conf.Format)
			}

			if conf.Debug {
				logger.Debugf("constraints: %v", constraint)
			}
		},
	}
}

// GetUserMedia opens a video device close to the requested constraints.
func (p *Platform) GetUserMedia(ctx context.Context, requested capture.TrackConstraints) (capture.MediaTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deviceID, err := p.resolveDevice(requested.FacingMode)
	if err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(makeConstraints(requested, p.conf, deviceID, p.logger))
	if err != nil {
		return nil, classifyOpenError(err)
	}
	videoTracks := stream.GetVideoTracks()
	if len(videoTracks) == 0 {
		return nil, errors.New("camera returned no video tracks")
	}
	for _, extra := range videoTracks[1:] {
		if closeErr := extra.Close(); closeErr != nil {
			p.logger.Debugw("failed to close extra video track", "error", closeErr)
		}
	}
	videoTrack, ok := videoTracks[0].(*mediadevices.VideoTrack)
	if !ok {
		return nil, multiClose(videoTracks[0], errors.Errorf("unexpected video track type %T", videoTracks[0]))
	}
	p.logger.Debugw("opened camera track", "track", videoTrack.ID(), "device", deviceID)
	return &track{video: videoTrack, deviceID: deviceID}, nil
}

// resolveDevice returns the device to open: the configured path, the best
// match for facing, or "" to let mediadevices choose.
func (p *Platform) resolveDevice(facing capture.FacingMode) (string, error) {
	drivers := VideoDrivers()
	if p.conf.Path != "" {
		path := p.conf.Path
		if resolvedPath, err := filepath.EvalSymlinks(path); err == nil {
			path = resolvedPath
		}
		for _, d := range drivers {
			if labelPath(d.Info().Label) == path || labelPath(d.Info().Label) == filepath.Base(path) {
				return d.ID(), nil
			}
		}
		return "", errors.Errorf("no webcam found at %q", p.conf.Path)
	}
	return deviceForFacing(driverDevices(drivers), facing), nil
}

// Probe reports a native processor unless emulation is forced.
func (p *Platform) Probe() capture.Capabilities {
	return capture.Capabilities{
		EmulationInstalled: p.conf.ForceEmulation,
		NativeProcessor:    true,
	}
}

// NewNativeProcessor returns a reader over the track's decoded frames.
func (p *Platform) NewNativeProcessor(mt capture.MediaTrack) (capture.NativeProcessor, error) {
	t, ok := mt.(*track)
	if !ok {
		return nil, errors.Errorf("expected a webcam track, got %T", mt)
	}
	return newNativeReader(t.video.NewReader(false)), nil
}

// NewPlaybackSurface starts playing the track in the background.
func (p *Platform) NewPlaybackSurface(ctx context.Context, mt capture.MediaTrack) (capture.PlaybackSurface, error) {
	t, ok := mt.(*track)
	if !ok {
		return nil, errors.Errorf("expected a webcam track, got %T", mt)
	}
	return newPlaybackSurface(t.video.NewReader(false), p.logger.Sublogger("playback")), nil
}

// classifyOpenError maps device access failures onto capture.ErrPermissionDenied.
func classifyOpenError(err error) error {
	if errors.Is(err, fs.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return errors.Wrapf(capture.ErrPermissionDenied, "cannot open webcam: %v", err)
	}
	return errors.Wrap(err, "found no webcams")
}

// labelPath returns the device path part of a mediadevices label.
func labelPath(label string) string {
	return strings.Split(label, mediadevicescamera.LabelSeparator)[0]
}

type track struct {
	video    *mediadevices.VideoTrack
	deviceID string
}

func (t *track) ID() string {
	return t.video.ID()
}

func (t *track) Stop() error {
	return t.video.Close()
}

func multiClose(t mediadevices.Track, err error) error {
	if closeErr := t.Close(); closeErr != nil {
		return errors.Wrapf(err, "also failed to close track: %v", closeErr)
	}
	return err
}
