// Package service implements highly variable gene selection: neighborhood
// aggregation, convolution null models, distance scoring and cutoff
// selection.
package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atlasmap-sc/triku/internal/cache"
	"github.com/atlasmap-sc/triku/internal/counts"
	"github.com/atlasmap-sc/triku/internal/logging"
	"github.com/atlasmap-sc/triku/internal/neighbors"
)

// Neighbor sources recorded in Params.
const (
	NeighborSourcePrecomputed = "precomputed"
	NeighborSourcePCA         = "pca"
	NeighborSourceRandom      = "random"
)

// Params records the parameters a run actually used.
type Params struct {
	KNN                  int     `json:"knn"`
	Draws                int     `json:"draws"`
	Granularity          int     `json:"granularity"`
	Workers              int     `json:"workers"`
	RandomSeed           int64   `json:"random_seed"`
	Metric               string  `json:"metric"`
	NComponents          int     `json:"n_components"`
	NeighborSource       string  `json:"neighbor_source"`
	NFeatures            int     `json:"n_features"`
	Stringency           float64 `json:"stringency"`
	NWindows             int     `json:"n_windows"`
	MinKNN               int     `json:"min_knn"`
	BackgroundCorrection bool    `json:"background_correction"`
	BackgroundNeighbors  string  `json:"background_neighbors,omitempty"`
}

// Diagnostics holds the intermediate arrays of a run. It is only collected
// below info verbosity.
type Diagnostics struct {
	Counts              *counts.CSR
	KNNIndices          *neighbors.Index
	KNNIndicesRandom    *neighbors.Index
	KNNExpression       *KNNExpression
	KNNExpressionRandom *KNNExpression
	Null                []NullDistribution
	NullRandom          []NullDistribution
	Curve               *CurveDiagnostics
}

// Result is the outcome of a selection run. All slices are indexed by gene.
type Result struct {
	NCells              int
	Genes               []string
	HighlyVariable      []bool
	Distance            []float64
	DistanceUncorrected []float64
	DistanceRandom      []float64
	Mean                []float64
	ProportionZeros     []float64
	Cutoff              float64
	Params              Params
	Elapsed             time.Duration
	Diagnostics         *Diagnostics
}

// GeneStat is one gene's row of a result.
type GeneStat struct {
	Index               int     `json:"index"`
	Gene                string  `json:"gene"`
	Mean                float64 `json:"mean"`
	ProportionZeros     float64 `json:"proportion_zeros"`
	DistanceUncorrected float64 `json:"distance_uncorrected"`
	DistanceRandom      float64 `json:"distance_random"`
	DistanceCorrected   float64 `json:"distance_corrected"`
	Distance            float64 `json:"distance"`
	HighlyVariable      bool    `json:"highly_variable"`
}

// GeneStats flattens the result into per-gene records.
func (r *Result) GeneStats() []GeneStat {
	out := make([]GeneStat, len(r.Genes))
	for g := range r.Genes {
		st := GeneStat{
			Index:               g,
			Gene:                r.Genes[g],
			Mean:                r.Mean[g],
			ProportionZeros:     r.ProportionZeros[g],
			DistanceUncorrected: r.DistanceUncorrected[g],
			DistanceCorrected:   r.DistanceUncorrected[g],
			Distance:            r.Distance[g],
			HighlyVariable:      r.HighlyVariable[g],
		}
		if r.DistanceRandom != nil {
			st.DistanceRandom = r.DistanceRandom[g]
			st.DistanceCorrected = correct(st.DistanceUncorrected, st.DistanceRandom)
		}
		out[g] = st
	}
	return out
}

// Selected returns the ids of the highly variable genes.
func (r *Result) Selected() []string {
	var out []string
	for g, hv := range r.HighlyVariable {
		if hv {
			out = append(out, r.Genes[g])
		}
	}
	return out
}

// TrikuService runs highly variable gene selection.
type TrikuService struct {
	opts  Options
	cache *cache.Manager
	log   *logrus.Logger
}

// NewTrikuService creates a selection service. cm may be nil to disable
// caching; a nil log writes to stderr at opts.Verbosity.
func NewTrikuService(opts Options, cm *cache.Manager, log *logrus.Logger) *TrikuService {
	return &TrikuService{opts: opts, cache: cm, log: log}
}

// Options returns the configured options.
func (s *TrikuService) Options() Options { return s.opts }

// Run loads the count matrix from src and selects highly variable genes.
// Precomputed neighbors are used when src offers them and the options allow.
func (s *TrikuService) Run(ctx context.Context, src counts.Source) (*Result, error) {
	if err := s.opts.Validate(); err != nil {
		return nil, err
	}
	m, genes, err := src.CountMatrix()
	if err != nil {
		return nil, fmt.Errorf("failed to load count matrix: %w", err)
	}

	var conns *neighbors.Connectivities
	if ns, ok := src.(neighbors.Source); ok && s.opts.UsePrecomputedNeighbors {
		conns, err = ns.PrecomputedNeighbors()
		if err != nil {
			return nil, fmt.Errorf("failed to load precomputed neighbors: %w", err)
		}
	}
	return s.run(ctx, m, genes, conns)
}

// RunMatrix selects highly variable genes of an in-memory matrix.
func (s *TrikuService) RunMatrix(ctx context.Context, m counts.Matrix, genes []string) (*Result, error) {
	return s.Run(ctx, counts.NewSource(m, genes))
}

func (s *TrikuService) logger() (*logrus.Logger, error) {
	if s.log != nil {
		return s.log, nil
	}
	return logging.New(s.opts.Verbosity, os.Stderr)
}

func (s *TrikuService) run(ctx context.Context, m counts.Matrix, genes []string, conns *neighbors.Connectivities) (*Result, error) {
	start := time.Now()
	opts := s.opts
	log, err := s.logger()
	if err != nil {
		return nil, err
	}

	if m == nil {
		return nil, counts.InvalidInputf("no count matrix")
	}
	csr := counts.ToCSR(m)
	if err := counts.Validate(csr, genes); err != nil {
		return nil, err
	}
	nCells, nGenes := csr.Dims()
	if opts.NFeatures > nGenes {
		return nil, counts.Configurationf("n_features %d exceeds the %d genes available", opts.NFeatures, nGenes)
	}
	workers := resolveWorkers(opts.Workers, log)
	logging.Triku(log, "[Triku] %d cells x %d genes, %d workers", nCells, nGenes, workers)

	diag := logging.Diagnostic(log)
	res := &Result{
		NCells:          nCells,
		Genes:           append([]string(nil), genes...),
		Mean:            counts.GeneMeans(csr),
		ProportionZeros: counts.ProportionZeros(csr),
	}
	if diag {
		res.Diagnostics = &Diagnostics{Counts: csr}
	}

	// Neighbors of the real matrix
	var idx *neighbors.Index
	var source string
	if conns != nil {
		log.Infof("[Triku] using precomputed neighbors with knn=%d", conns.NNeighbors)
		idx, err = neighbors.FromConnectivities(conns)
		if err != nil {
			return nil, err
		}
		source = NeighborSourcePrecomputed
	} else {
		k := opts.KNN
		if k == 0 {
			k = DefaultKNN(nCells)
			log.Infof("[Triku] number of neighbors set to %d", k)
		}
		if k >= nCells {
			return nil, counts.Configurationf("knn %d must be smaller than the number of cells (%d)", k, nCells)
		}
		idx, err = s.countNeighbors(ctx, csr, s.neighborOptions(k, workers), log)
		if err != nil {
			return nil, err
		}
		source = NeighborSourcePCA
		if strings.EqualFold(opts.NeighborMode, neighbors.ModeRandom) {
			source = NeighborSourceRandom
		}
	}

	granularity := counts.Granularity(csr)
	res.Params = Params{
		KNN:                  idx.K(),
		Draws:                idx.Width(),
		Granularity:          granularity,
		Workers:              workers,
		RandomSeed:           opts.RandomSeed,
		Metric:               opts.Metric,
		NComponents:          opts.NComponents,
		NeighborSource:       source,
		NFeatures:            opts.NFeatures,
		Stringency:           opts.Stringency,
		NWindows:             opts.NWindows,
		MinKNN:               opts.MinKNN,
		BackgroundCorrection: opts.ApplyBackgroundCorrection,
	}
	score := ScoreParams{
		NCells:       nCells,
		Draws:        idx.Width(),
		MinKNN:       opts.MinKNN,
		Granularity:  granularity,
		FFTThreshold: opts.FFTThreshold,
		Memo:         s.cache,
	}

	log.Info("[Triku] calculating knn expression")
	knnExpr, err := ComputeKNNExpression(csr, idx)
	if err != nil {
		return nil, err
	}
	log.Info("[Triku] calculating distances")
	observed, err := Distribute(ctx, &DistributeJob{Label: "real", Counts: csr.T(), KNN: knnExpr, Params: score}, workers, log)
	if err != nil {
		return nil, fmt.Errorf("failed to score genes: %w", err)
	}
	res.DistanceUncorrected = distances(observed)
	if diag {
		res.Diagnostics.KNNIndices = idx
		res.Diagnostics.KNNExpression = knnExpr
		res.Diagnostics.Null = nulls(observed)
	}

	corrected := res.DistanceUncorrected
	if opts.ApplyBackgroundCorrection {
		log.Info("[Triku] creating randomized count matrix")
		random, err := RandomizeCounts(csr, granularity, opts.RandomSeed)
		if err != nil {
			return nil, err
		}
		idxRandom, err := s.backgroundNeighbors(ctx, csr, random, idx, source, workers, log)
		if err != nil {
			return nil, err
		}
		res.Params.BackgroundNeighbors = strings.ToLower(opts.BackgroundNeighbors)
		if res.Params.BackgroundNeighbors == "" {
			res.Params.BackgroundNeighbors = BackgroundNeighborsOriginal
		}

		knnRandom, err := ComputeKNNExpression(random, idxRandom)
		if err != nil {
			return nil, err
		}
		log.Info("[Triku] calculating distances on randomized matrix")
		scoreRandom := score
		scoreRandom.Draws = idxRandom.Width()
		rnd, err := Distribute(ctx, &DistributeJob{Label: "random", Counts: random.T(), KNN: knnRandom, Params: scoreRandom}, workers, log)
		if err != nil {
			return nil, fmt.Errorf("failed to score randomized genes: %w", err)
		}
		res.DistanceRandom = distances(rnd)
		corrected = make([]float64, nGenes)
		for g := range corrected {
			corrected[g] = correct(res.DistanceUncorrected[g], res.DistanceRandom[g])
		}
		if diag {
			res.Diagnostics.KNNIndicesRandom = idxRandom
			res.Diagnostics.KNNExpressionRandom = knnRandom
			res.Diagnostics.NullRandom = nulls(rnd)
		}
	}

	log.Info("[Triku] subtracting median")
	res.Distance, err = SubtractMedian(res.Mean, corrected, opts.NWindows)
	if err != nil {
		return nil, err
	}

	if opts.NFeatures > 0 {
		res.HighlyVariable, res.Cutoff = TopN(res.Distance, opts.NFeatures)
	} else {
		log.Info("[Triku] selecting cutoff point")
		cutoff, curve := CutoffCurve(res.Distance, opts.Stringency)
		res.Cutoff = cutoff
		res.HighlyVariable = SelectAbove(res.Distance, cutoff)
		if diag {
			res.Diagnostics.Curve = &curve
		}
	}
	res.Elapsed = time.Since(start)
	log.Infof("[Triku] cutoff point set to %g; %d genes selected in %s", res.Cutoff, len(res.Selected()), res.Elapsed.Round(time.Millisecond))
	return res, nil
}

func (s *TrikuService) neighborOptions(k, workers int) neighbors.Options {
	return neighbors.Options{
		K:           k,
		NComponents: s.opts.NComponents,
		Metric:      strings.ToLower(s.opts.Metric),
		Mode:        strings.ToLower(s.opts.NeighborMode),
		Seed:        s.opts.RandomSeed,
		Workers:     workers,
	}
}

// countNeighbors derives neighbors from m, going through the neighbor cache.
func (s *TrikuService) countNeighbors(ctx context.Context, m *counts.CSR, opts neighbors.Options, log *logrus.Logger) (*neighbors.Index, error) {
	key := cache.NeighborKey(m.Fingerprint(), opts)
	if idx, ok := s.cache.GetNeighbors(key); ok {
		logging.Triku(log, "[Triku] neighbor cache hit (k=%d)", opts.K)
		return idx, nil
	}
	log.Info("[Triku] calculating knn indices")
	idx, err := neighbors.FromCounts(ctx, m, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to compute neighbors: %w", err)
	}
	s.cache.SetNeighbors(key, idx)
	return idx, nil
}

// backgroundNeighbors picks the neighbors used on the randomized matrix:
// those of the original counts, or neighbors recomputed on the randomized
// counts.
func (s *TrikuService) backgroundNeighbors(ctx context.Context, orig, random *counts.CSR, idx *neighbors.Index, source string, workers int, log *logrus.Logger) (*neighbors.Index, error) {
	opts := s.neighborOptions(idx.K(), workers)
	if strings.EqualFold(s.opts.BackgroundNeighbors, BackgroundNeighborsRandomized) {
		logging.Triku(log, "[Triku] calculating knn indices on randomized matrix")
		return s.countNeighbors(ctx, random, opts, log)
	}
	if source != NeighborSourcePrecomputed {
		return idx, nil
	}
	return s.countNeighbors(ctx, orig, opts, log)
}

func correct(observed, random float64) float64 {
	if d := observed - random; d > 0 {
		return d
	}
	return 0
}

func distances(scores []GeneScore) []float64 {
	out := make([]float64, len(scores))
	for g, sc := range scores {
		out[g] = sc.Distance
	}
	return out
}

func nulls(scores []GeneScore) []NullDistribution {
	out := make([]NullDistribution, len(scores))
	for g, sc := range scores {
		out[g] = sc.Null
	}
	return out
}

func errLengthMismatch(a string, na int, b string, nb int) error {
	return counts.InvalidInputf("%s has %d entries but %s has %d", a, na, b, nb)
}
