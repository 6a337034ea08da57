// Package render draws selection diagnostics using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sort"
	"sync"

	"github.com/fogleman/gg"

	"github.com/atlasmap-sc/triku/internal/service"
	"github.com/atlasmap-sc/triku/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Width           int
	Height          int
	DefaultColormap string
}

// CurveRenderer renders cutoff curves and null distributions as PNG.
type CurveRenderer struct {
	config     Config
	bufferPool sync.Pool
	cmap       colormap.Colormap
}

const margin = 40.0

var (
	axisColor   = color.RGBA{60, 60, 60, 255}
	chordColor  = color.RGBA{150, 150, 150, 255}
	cutoffColor = color.RGBA{214, 39, 40, 255}
)

// NewCurveRenderer creates a renderer. Unknown colormap names fall back to viridis.
func NewCurveRenderer(cfg Config) *CurveRenderer {
	if cfg.Width <= 0 {
		cfg.Width = 800
	}
	if cfg.Height <= 0 {
		cfg.Height = 600
	}
	cmap, ok := colormap.ByName(cfg.DefaultColormap)
	if !ok {
		cmap = colormap.Viridis
	}
	return &CurveRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
		cmap: cmap,
	}
}

// frame maps data coordinates into the plot area.
type frame struct {
	x0, x1, y0, y1 float64
	w, h           float64
}

func newFrame(w, h int, x0, x1, y0, y1 float64) frame {
	if x1 == x0 {
		x1 = x0 + 1
	}
	if y1 == y0 {
		y1 = y0 + 1
	}
	return frame{x0: x0, x1: x1, y0: y0, y1: y1, w: float64(w), h: float64(h)}
}

func (f frame) px(x float64) float64 {
	return margin + (x-f.x0)/(f.x1-f.x0)*(f.w-2*margin)
}

func (f frame) py(y float64) float64 {
	return f.h - margin - (y-f.y0)/(f.y1-f.y0)*(f.h-2*margin)
}

func (r *CurveRenderer) canvas(title string) *gg.Context {
	dc := gg.NewContext(r.config.Width, r.config.Height)
	dc.SetColor(color.White)
	dc.Clear()

	w, h := float64(r.config.Width), float64(r.config.Height)
	dc.SetColor(axisColor)
	dc.SetLineWidth(1)
	dc.DrawLine(margin, h-margin, w-margin, h-margin)
	dc.DrawLine(margin, margin, margin, h-margin)
	dc.Stroke()
	dc.DrawStringAnchored(title, w/2, margin/2, 0.5, 0.5)
	return dc
}

// RenderCurve plots the ascending-sorted distances, the chord joining the
// extremes and the cutoff. Selected genes are colored from the high end of the
// colormap and the others from the low end.
func (r *CurveRenderer) RenderCurve(res *service.Result) ([]byte, error) {
	n := len(res.Distance)
	if n == 0 {
		return nil, fmt.Errorf("no distances to plot")
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return res.Distance[order[a]] < res.Distance[order[b]] })

	lo, hi := res.Distance[order[0]], res.Distance[order[n-1]]
	f := newFrame(r.config.Width, r.config.Height, 0, float64(max(n-1, 1)), lo, hi)

	dc := r.canvas(fmt.Sprintf("sorted distance (%d genes, %d selected)", n, len(res.Selected())))

	dc.SetColor(chordColor)
	dc.SetDash(4, 4)
	dc.DrawLine(f.px(0), f.py(lo), f.px(float64(n-1)), f.py(hi))
	dc.Stroke()

	if !math.IsNaN(res.Cutoff) && res.Cutoff >= lo && res.Cutoff <= hi {
		dc.SetColor(cutoffColor)
		dc.DrawLine(f.px(0), f.py(res.Cutoff), f.px(float64(n-1)), f.py(res.Cutoff))
		dc.Stroke()
		dc.DrawStringAnchored(fmt.Sprintf("cutoff %.4g", res.Cutoff), f.px(0)+4, f.py(res.Cutoff)-4, 0, 1)
	}
	dc.SetDash()

	radius := math.Max(1, math.Min(3, 600/float64(n)))
	for rank, g := range order {
		t := 0.15
		if res.HighlyVariable[g] {
			t = 0.95
		}
		dc.SetColor(r.cmap.At(t))
		dc.DrawCircle(f.px(float64(rank)), f.py(res.Distance[g]), radius)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

// RenderNull plots the null distribution of a gene as bars with the observed
// neighborhood sums of its expressing cells overlaid as a normalized histogram
// on the same support. Requires a result carrying diagnostics.
func (r *CurveRenderer) RenderNull(res *service.Result, gene string) ([]byte, error) {
	if res.Diagnostics == nil || res.Diagnostics.KNNExpression == nil || res.Diagnostics.Null == nil {
		return nil, fmt.Errorf("result has no diagnostics; rerun at triku or debug verbosity")
	}
	g := -1
	for i, id := range res.Genes {
		if id == gene {
			g = i
			break
		}
	}
	if g < 0 {
		return nil, fmt.Errorf("gene %q not in result", gene)
	}

	null := res.Diagnostics.Null[g]
	_, observed := res.Diagnostics.KNNExpression.Gene(g)
	if len(null.X) == 0 {
		return nil, fmt.Errorf("gene %q has an empty null distribution", gene)
	}

	xMax := null.X[len(null.X)-1]
	for _, v := range observed {
		xMax = math.Max(xMax, v)
	}
	step := 1.0
	if len(null.X) > 1 {
		step = null.X[1] - null.X[0]
	}
	bins := int(math.Floor(xMax/step)) + 1
	hist := make([]float64, bins)
	for _, v := range observed {
		hist[min(int(v/step), bins-1)]++
	}
	if len(observed) > 0 {
		for i := range hist {
			hist[i] /= float64(len(observed))
		}
	}

	yMax := 0.0
	for _, y := range null.Y {
		yMax = math.Max(yMax, y)
	}
	for _, y := range hist {
		yMax = math.Max(yMax, y)
	}
	f := newFrame(r.config.Width, r.config.Height, 0, xMax+step, 0, yMax)

	dc := r.canvas(fmt.Sprintf("%s: distance %.4g", gene, res.Distance[g]))

	barW := math.Max(1, f.px(step)-f.px(0)-1)
	for i, x := range null.X {
		dc.SetColor(r.cmap.At(float64(i) / float64(max(len(null.X)-1, 1))))
		top := f.py(null.Y[i])
		dc.DrawRectangle(f.px(x), top, barW, f.py(0)-top)
		dc.Fill()
	}

	dc.SetColor(cutoffColor)
	dc.SetLineWidth(2)
	for i, y := range hist {
		x := float64(i) * step
		if i == 0 {
			dc.MoveTo(f.px(x)+barW/2, f.py(y))
			continue
		}
		dc.LineTo(f.px(x)+barW/2, f.py(y))
	}
	dc.Stroke()

	return r.encodeContext(dc)
}

func (r *CurveRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
