package colormap

import (
	"image/color"
	"math"
	"testing"
)

func TestSeuratColormapEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Seurat.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 211, G: 211, B: 211, A: 255}) {
		t.Fatalf("unexpected Seurat.At(0): %#v", c0)
	}

	c1, ok := Seurat.At(1).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=1")
	}
	if c1 != (color.RGBA{R: 255, G: 0, B: 0, A: 255}) {
		t.Fatalf("unexpected Seurat.At(1): %#v", c1)
	}
}

func TestLinearColormap_OutOfRange(t *testing.T) {
	t.Parallel()

	if Viridis.At(math.NaN()) != Viridis.At(0) {
		t.Fatalf("expected NaN to map to the low end")
	}
	if Viridis.At(-3) != Viridis.At(0) || Viridis.At(7) != Viridis.At(1) {
		t.Fatalf("expected clamping outside [0, 1]")
	}
}

func TestAtIndexWraps(t *testing.T) {
	t.Parallel()

	if Categorical.AtIndex(20) != Categorical.AtIndex(0) {
		t.Fatalf("expected index 20 to wrap to 0")
	}
	if Categorical.AtIndex(-1) != Categorical.AtIndex(19) {
		t.Fatalf("expected index -1 to wrap to 19")
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	for _, name := range Names() {
		if _, ok := ByName(name); !ok {
			t.Fatalf("registered name %q not found", name)
		}
	}
	if _, ok := ByName("jet"); ok {
		t.Fatalf("unexpected colormap jet")
	}
}
