package cli

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/waypoint-ar/framesource/platform/webcam"
)

// ListWebcamsAction prints the webcams that can be opened and their modes.
func ListWebcamsAction(c *cli.Context) error {
	logger, closeLogger := newLogger(c)
	defer closeLogger()
	webcams, err := webcam.Discover(c.Context, webcam.VideoDrivers, logger)
	if err != nil {
		return err
	}
	if len(webcams) == 0 {
		printf(c.App.Writer, "no webcams found\n")
		return nil
	}
	printf(c.App.Writer, "%s\n", renderWebcams(webcams))
	return nil
}

// renderWebcams returns a table with one row per webcam.
func renderWebcams(webcams []webcam.Webcam) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Name", "ID", "Path", "Modes"})
	for i, cam := range webcams {
		modes := lo.Uniq(lo.Map(cam.Properties, func(p webcam.Property, _ int) string {
			return fmt.Sprintf("%dx%d %s", p.WidthPx, p.HeightPx, p.FrameFormat)
		}))
		t.AppendRow(table.Row{i + 1, cam.Name, cam.ID, cam.Label, strings.Join(modes, "\n")})
	}
	return t.Render()
}
