package display

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"robustmnist/internal/model"
)

// digitGrid exposes a flattened image as a heat map grid. Row 0 of the image
// is drawn at the top.
type digitGrid []float64

func (g digitGrid) Dims() (c, r int) { return model.ImageCols, model.ImageRows }

func (g digitGrid) Z(c, r int) float64 {
	return g[(model.ImageRows-1-r)*model.ImageCols+c]
}

func (g digitGrid) X(c int) float64 { return float64(c) }

func (g digitGrid) Y(r int) float64 { return float64(r) }

// grayPalette maps [Min, Max] linearly from black to white in n steps.
type grayPalette int

func (p grayPalette) Colors() []color.Color {
	n := int(p)
	colors := make([]color.Color, n)
	for i := range colors {
		colors[i] = color.Gray{Y: uint8(i * 255 / (n - 1))}
	}
	return colors
}

// Size is the edge length of rendered images.
const Size = 4 * vg.Inch

// RenderDigit draws image on a fixed 0..1 gray scale titled with the predicted
// label and saves it to path. The format follows the file extension.
func RenderDigit(image []float64, label int, path string) error {
	if len(image) != model.ImageSize {
		return errors.Errorf("image has %d values, want %d", len(image), model.ImageSize)
	}
	p, err := plot.New()
	if err != nil {
		return errors.Wrap(err, "new plot")
	}
	p.Title.Text = fmt.Sprintf("Predicted label: %d", label)
	p.HideAxes()

	hm := plotter.NewHeatMap(digitGrid(image), grayPalette(256))
	hm.Min, hm.Max = 0, 1
	p.Add(hm)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	return errors.Wrapf(p.Save(Size, Size, path), "save %s", path)
}

// ASCII renders image with one character per pixel for terminal output.
func ASCII(image []float64) string {
	const ramp = " .:-=+*#%@"
	var b strings.Builder
	for r := 0; r < model.ImageRows; r++ {
		for c := 0; c < model.ImageCols; c++ {
			v := image[r*model.ImageCols+c]
			idx := int(v * float64(len(ramp)-1))
			if idx < 0 {
				idx = 0
			}
			if idx >= len(ramp) {
				idx = len(ramp) - 1
			}
			b.WriteByte(ramp[idx])
		}
		b.WriteByte('\n')
	}
	return b.String()
}
