package render

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/triku/internal/counts"
	"github.com/atlasmap-sc/triku/internal/neighbors"
	"github.com/atlasmap-sc/triku/internal/service"
)

func testResult() *service.Result {
	return &service.Result{
		Genes:          []string{"a", "b", "c", "d"},
		HighlyVariable: []bool{false, true, false, true},
		Distance:       []float64{0.1, 0.8, 0.2, 1.5},
		Cutoff:         0.5,
	}
}

func TestRenderCurve(t *testing.T) {
	r := NewCurveRenderer(Config{Width: 320, Height: 200, DefaultColormap: "seurat"})

	data, err := r.RenderCurve(testResult())
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
	assert.Equal(t, 200, img.Bounds().Dy())

	_, err = r.RenderCurve(&service.Result{})
	assert.Error(t, err)
}

func TestRenderNull(t *testing.T) {
	r := NewCurveRenderer(Config{})

	res := testResult()
	_, err := r.RenderNull(res, "a")
	assert.Error(t, err, "diagnostics are required")

	m, err := counts.FromTriplets(3, 1, []counts.Triplet{{Row: 0, Col: 0, Value: 1}, {Row: 2, Col: 0, Value: 2}})
	require.NoError(t, err)
	idx, err := neighbors.NewIndex(3, 1, []int{0, 2, 1, 0, 2, 0})
	require.NoError(t, err)
	knn, err := service.ComputeKNNExpression(m, idx)
	require.NoError(t, err)

	res = &service.Result{
		Genes:    []string{"a"},
		Distance: []float64{0.4},
		Diagnostics: &service.Diagnostics{
			KNNExpression: knn,
			Null:          []service.NullDistribution{{X: []float64{0, 1, 2, 3}, Y: []float64{0.1, 0.4, 0.4, 0.1}}},
		},
	}
	data, err := r.RenderNull(res, "a")
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 800, img.Bounds().Dx())

	_, err = r.RenderNull(res, "zzz")
	assert.Error(t, err)
}
