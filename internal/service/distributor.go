package service

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/atlasmap-sc/triku/internal/counts"
)

// DistributeJob is one scoring pass over every gene. Counts is the gene-major
// count matrix; both matrices are shared read-only by all workers.
type DistributeJob struct {
	Label  string
	Counts *counts.CSR
	KNN    *KNNExpression
	Params ScoreParams
}

// release drops the shared matrix handles once the pass is over.
func (j *DistributeJob) release() {
	j.Counts = nil
	j.KNN = nil
}

// Distribute scores every gene of job with workers goroutines and returns
// the scores ordered by gene. The first failing gene aborts the pass.
func Distribute(ctx context.Context, job *DistributeJob, workers int, log *logrus.Logger) ([]GeneScore, error) {
	defer job.release()

	if job.Counts == nil || job.KNN == nil {
		return nil, fmt.Errorf("distribute %s: missing matrices", job.Label)
	}
	nGenes, _ := job.Counts.Dims()
	if _, kg := job.KNN.Dims(); kg != nGenes {
		return nil, fmt.Errorf("distribute %s: count matrix has %d genes, knn expression has %d", job.Label, nGenes, kg)
	}
	if workers < 1 {
		workers = 1
	}

	results := make([]GeneScore, nGenes)
	if workers == 1 {
		step := nGenes / 10
		if step < 1 {
			step = 1
		}
		for g := 0; g < nGenes; g++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			score, err := scoreOne(job, g)
			if err != nil {
				return nil, err
			}
			results[g] = score
			if (g+1)%step == 0 || g+1 == nGenes {
				log.Infof("[Distributor] %s: %d/%d genes (%d%%)", job.Label, g+1, nGenes, (g+1)*100/nGenes)
			}
		}
		return results, nil
	}

	entry := log.WithField("workers", workers)
	entry.Debugf("[Distributor] %s: scoring %d genes in parallel", job.Label, nGenes)

	queue := make(chan int, workers*4)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for gene := 0; gene < nGenes; gene++ {
			select {
			case queue <- gene:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for gene := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				score, err := scoreOne(job, gene)
				if err != nil {
					return err
				}
				results[gene] = score
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	entry.Debugf("[Distributor] %s: done", job.Label)
	return results, nil
}

// scoreOne scores gene g, turning a panic into an error so a single bad gene
// fails the pass instead of the process.
func scoreOne(job *DistributeJob, g int) (score GeneScore, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gene %d (%s): panic: %v\n%s", g, job.Label, r, debug.Stack())
		}
	}()
	_, countVals := job.Counts.Row(g)
	_, knnVals := job.KNN.Gene(g)
	score, err = ScoreGene(countVals, knnVals, job.Params)
	if err != nil {
		return GeneScore{}, fmt.Errorf("gene %d (%s): %w", g, job.Label, err)
	}
	return score, nil
}
