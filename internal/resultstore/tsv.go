package resultstore

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/atlasmap-sc/triku/internal/service"
)

// TSVHeader is the column layout written by WriteTSV.
var TSVHeader = []string{
	"gene", "highly_variable", "emd_distance", "emd_distance_uncorrected",
	"emd_distance_random", "mean", "proportion_zeros",
}

// WriteTSV writes one tab-separated row per gene, in input order.
func WriteTSV(w io.Writer, res *service.Result) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	if err := cw.Write(TSVHeader); err != nil {
		return err
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, g := range res.GeneStats() {
		random := ""
		if res.DistanceRandom != nil {
			random = f(g.DistanceRandom)
		}
		row := []string{
			g.Gene,
			strconv.FormatBool(g.HighlyVariable),
			f(g.Distance),
			f(g.DistanceUncorrected),
			random,
			f(g.Mean),
			f(g.ProportionZeros),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
