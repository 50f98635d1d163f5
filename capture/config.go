package capture

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Defaults for Config fields left at their zero value.
const (
	DefaultWidth           = 640
	DefaultHeight          = 480
	DefaultFacingMode      = FacingEnvironment
	DefaultTargetFrameRate = 30.0
	DefaultNativeFrameRate = 30.0
)

// Config holds the pipeline settings.
type Config struct {
	Width      int    `json:"width_px,omitempty"`
	Height     int    `json:"height_px,omitempty"`
	FacingMode string `json:"facing_mode,omitempty"`
	// TargetFrameRate is the most frames per second forwarded to the consumer.
	TargetFrameRate float64 `json:"target_frame_rate,omitempty"`
	// NativeFrameRate is the capture rate assumed when computing the
	// forwarding interval.
	NativeFrameRate float64 `json:"native_frame_rate,omitempty"`
	// SourceFrameRate is the capture cadence of the emulated producer.
	// Defaults to NativeFrameRate.
	SourceFrameRate float64 `json:"source_frame_rate,omitempty"`
	// RefreshRate is the display repaint rate used when the platform has no
	// repaint source of its own.
	RefreshRate    float64 `json:"refresh_rate,omitempty"`
	RasterPoolSize int     `json:"raster_pool_size,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c Config) Validate(path string) ([]string, error) {
	if c.Width < 0 || c.Height < 0 {
		return nil, errors.Errorf(
			"%s: got illegal negative dimensions for width_px and height_px (%d, %d)",
			path, c.Width, c.Height)
	}
	for name, rate := range map[string]float64{
		"target_frame_rate": c.TargetFrameRate,
		"native_frame_rate": c.NativeFrameRate,
		"source_frame_rate": c.SourceFrameRate,
		"refresh_rate":      c.RefreshRate,
	} {
		if rate < 0 {
			return nil, errors.Errorf("%s: got illegal negative %s (%.2f)", path, name, rate)
		}
	}
	if c.RasterPoolSize < 0 {
		return nil, errors.Errorf("%s: got illegal negative raster_pool_size (%d)", path, c.RasterPoolSize)
	}
	switch FacingMode(c.FacingMode) {
	case "", FacingEnvironment, FacingUser:
	default:
		return nil, errors.Errorf("%s: unknown facing_mode %q", path, c.FacingMode)
	}
	return []string{}, nil
}

// WithDefaults returns a copy of c with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.Width == 0 {
		c.Width = DefaultWidth
	}
	if c.Height == 0 {
		c.Height = DefaultHeight
	}
	if c.FacingMode == "" {
		c.FacingMode = string(DefaultFacingMode)
	}
	if c.TargetFrameRate == 0 {
		c.TargetFrameRate = DefaultTargetFrameRate
	}
	if c.NativeFrameRate == 0 {
		c.NativeFrameRate = DefaultNativeFrameRate
	}
	if c.SourceFrameRate == 0 {
		c.SourceFrameRate = c.NativeFrameRate
	}
	if c.RefreshRate == 0 {
		c.RefreshRate = DefaultRefreshRate
	}
	if c.RasterPoolSize == 0 {
		c.RasterPoolSize = DefaultRasterPoolSize
	}
	return c
}

// ConfigFromAttributes decodes a loosely typed attribute map, such as one read
// from a JSON file, into a Config. Unknown keys are an error.
func ConfigFromAttributes(attrs map[string]interface{}) (*Config, error) {
	var conf Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &conf,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return nil, errors.Wrap(err, "cannot decode capture config")
	}
	return &conf, nil
}

func (c Config) String() string {
	return fmt.Sprintf("%dx%d facing=%s target=%.1ffps native=%.1ffps",
		c.Width, c.Height, c.FacingMode, c.TargetFrameRate, c.NativeFrameRate)
}
