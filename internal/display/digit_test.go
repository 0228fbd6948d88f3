package display

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"robustmnist/internal/model"
)

func TestRenderDigitWritesPNG(t *testing.T) {
	img := make([]float64, model.ImageSize)
	for i := range img {
		img[i] = float64(i%model.ImageCols) / float64(model.ImageCols-1)
	}
	path := filepath.Join(t.TempDir(), "out", "digit.png")
	if err := RenderDigit(img, 7, path); err != nil {
		t.Fatalf("RenderDigit: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(raw) < 8 || string(raw[1:4]) != "PNG" {
		t.Fatalf("output is not a PNG")
	}
}

func TestRenderDigitRejectsWrongSize(t *testing.T) {
	if err := RenderDigit(make([]float64, 10), 1, filepath.Join(t.TempDir(), "x.png")); err == nil {
		t.Fatal("expected size error")
	}
}

func TestDigitGridFlipsRows(t *testing.T) {
	img := make([]float64, model.ImageSize)
	img[0] = 1 // top-left pixel
	g := digitGrid(img)
	if g.Z(0, model.ImageRows-1) != 1 || g.Z(0, 0) != 0 {
		t.Fatal("top image row must map to the highest grid row")
	}
}

func TestASCII(t *testing.T) {
	img := make([]float64, model.ImageSize)
	img[0] = 1
	out := ASCII(img)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != model.ImageRows || len(lines[0]) != model.ImageCols {
		t.Fatalf("unexpected geometry %dx%d", len(lines), len(lines[0]))
	}
	if lines[0][0] != '@' || lines[0][1] != ' ' {
		t.Fatalf("unexpected first row %q", lines[0])
	}
}
