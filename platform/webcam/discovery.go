package webcam

import (
	"context"
	"strings"

	driverutils "github.com/pion/mediadevices/pkg/driver"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/samber/lo"

	"github.com/waypoint-ar/framesource/capture"
	"github.com/waypoint-ar/framesource/logging"
)

// Webcam describes a discovered video device.
type Webcam struct {
	ID         string
	Name       string
	Label      string
	Status     string
	Properties []Property
}

// Property is one mode a webcam can deliver.
type Property struct {
	WidthPx     int
	HeightPx    int
	FrameRate   float32
	FrameFormat string
}

// getDriverProperties is a helper func for webcam discovery that returns the Media properties of a specific driver.
func getDriverProperties(d driverutils.Driver) (_ []prop.Media, err error) {
	// Need to open driver to get properties
	if d.Status() == driverutils.StateClosed {
		errOpen := d.Open()
		if errOpen != nil {
			return nil, errOpen
		}
		defer func() {
			if errClose := d.Close(); errClose != nil {
				err = errClose
			}
		}()
	}
	return d.Properties(), err
}

// Discover lists the webcams that getDrivers returns, skipping those that
// are busy or report no properties.
func Discover(ctx context.Context, getDrivers func() []driverutils.Driver, logger logging.Logger) ([]Webcam, error) {
	mediadevicescamera.Initialize()
	var webcams []Webcam
	for _, d := range getDrivers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		driverInfo := d.Info()
		props, err := getDriverProperties(d)
		if len(props) == 0 {
			logger.CDebugw(ctx, "no properties detected for driver, skipping discovery...", "driver", driverInfo.Label)
			continue
		} else if err != nil {
			logger.CDebugw(ctx, "cannot access driver properties, skipping discovery...", "driver", driverInfo.Label, "error", err)
			continue
		}

		if d.Status() == driverutils.StateRunning {
			logger.CDebugw(ctx, "driver is in use, skipping discovery...", "driver", driverInfo.Label)
			continue
		}

		label := labelPath(driverInfo.Label)
		name, id := func() (string, string) {
			nameParts := strings.Split(driverInfo.Name, mediadevicescamera.LabelSeparator)
			if len(nameParts) > 1 {
				return nameParts[0], nameParts[1]
			}
			// fallback to the label if the name does not have an any additional parts to use.
			return nameParts[0], label
		}()

		webcams = append(webcams, Webcam{
			ID:     id,
			Name:   name,
			Label:  label,
			Status: string(d.Status()),
			Properties: lo.Map(props, func(p prop.Media, _ int) Property {
				return Property{
					WidthPx:     p.Video.Width,
					HeightPx:    p.Video.Height,
					FrameRate:   p.Video.FrameRate,
					FrameFormat: string(p.Video.FrameFormat),
				}
			}),
		})
	}
	return webcams, nil
}

// VideoDrivers returns every video recorder known to mediadevices.
func VideoDrivers() []driverutils.Driver {
	return driverutils.GetManager().Query(driverutils.FilterVideoRecorder())
}

type device struct {
	id    string
	label string
}

func driverDevices(drivers []driverutils.Driver) []device {
	return lo.Map(drivers, func(d driverutils.Driver, _ int) device {
		return device{id: d.ID(), label: d.Info().Label + " " + d.Info().Name}
	})
}

var facingKeywords = map[capture.FacingMode][]string{
	capture.FacingEnvironment: {"environment", "back", "rear", "world"},
	capture.FacingUser:        {"user", "front", "face", "selfie"},
}

// deviceForFacing picks the first device whose label names the facing mode.
// It returns "" when no label matches so that any device may be used.
func deviceForFacing(devices []device, facing capture.FacingMode) string {
	keywords := facingKeywords[facing]
	match, ok := lo.Find(devices, func(d device) bool {
		label := strings.ToLower(d.label)
		return lo.SomeBy(keywords, func(k string) bool { return strings.Contains(label, k) })
	})
	if !ok {
		return ""
	}
	return match.id
}
