package cli

import (
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/lmittmann/ppm"
	"github.com/pkg/errors"
	"github.com/xfmoulet/qoi"
	"go.uber.org/multierr"
)

const (
	formatPNG  = "png"
	formatJPEG = "jpeg"
	formatPPM  = "ppm"
	formatQOI  = "qoi"
)

var imageExtensions = map[string]string{
	formatPNG:  ".png",
	formatJPEG: ".jpg",
	formatPPM:  ".ppm",
	formatQOI:  ".qoi",
}

// writeImage writes img to dir/name in format and returns the path and the
// number of bytes written.
func writeImage(img image.Image, dir, name, format string) (string, int64, error) {
	ext, ok := imageExtensions[format]
	if !ok {
		return "", 0, errors.Errorf("unknown image format %q", format)
	}
	path := filepath.Join(dir, name+ext)

	var err error
	switch format {
	case formatPNG, formatJPEG:
		err = imaging.Save(img, path)
	default:
		err = encodeFile(path, img, format)
	}
	if err != nil {
		return "", 0, errors.Wrapf(err, "cannot write %q", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	return path, info.Size(), nil
}

func encodeFile(path string, img image.Image, format string) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	if format == formatPPM {
		return ppm.Encode(f, img)
	}
	return qoi.Encode(f, img)
}
