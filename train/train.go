// Package train runs the demonstration training loop over a parallelized model:
// deterministic per-step batches, forward/backward through the engine's Sharded
// handle, and an optimizer step, with hooks for progress reporting.
//
// Batch seeding is rank-aware in exactly one way: the seed of a step depends on
// the data-parallel rank only, so all tensor-parallel peers within one
// data-parallel group draw identical batches. Tensor parallelism requires that —
// replicated activations must start from identical inputs — while different
// data-parallel groups should see different data.
package train

import (
	"math/rand"

	"github.com/pkg/errors"
)

// SeedForStep returns the deterministic random seed of one training step for one
// data-parallel group: step + dataParallelRank. It is independent of the
// tensor-parallel rank.
func SeedForStep(step, dataParallelRank int) int64 {
	return int64(step) + int64(dataParallelRank)
}

// BatchSource synthesizes deterministic batches of random token ids, standing in
// for a dataloader: the batch of a step is a pure function of
// (step, dataParallelRank).
type BatchSource struct {
	vocabSize        int
	batchSize        int
	seqLen           int
	dataParallelRank int
}

// NewBatchSource creates a source of [batchSize][seqLen] token batches with ids in
// [0, vocabSize), seeded per step for the given data-parallel rank.
func NewBatchSource(vocabSize, batchSize, seqLen, dataParallelRank int) (*BatchSource, error) {
	if vocabSize <= 0 || batchSize <= 0 || seqLen <= 0 {
		return nil, errors.Errorf(
			"train.NewBatchSource: vocabSize=%d, batchSize=%d and seqLen=%d must all be positive",
			vocabSize, batchSize, seqLen)
	}
	if dataParallelRank < 0 {
		return nil, errors.Errorf("train.NewBatchSource: negative data-parallel rank %d", dataParallelRank)
	}
	return &BatchSource{
		vocabSize:        vocabSize,
		batchSize:        batchSize,
		seqLen:           seqLen,
		dataParallelRank: dataParallelRank,
	}, nil
}

// BatchForStep returns the batch of the given step.
func (s *BatchSource) BatchForStep(step int) [][]int32 {
	rng := rand.New(rand.NewSource(SeedForStep(step, s.dataParallelRank)))
	batch := make([][]int32, s.batchSize)
	for i := range batch {
		row := make([]int32, s.seqLen)
		for j := range row {
			row[j] = rng.Int31n(int32(s.vocabSize))
		}
		batch[i] = row
	}
	return batch
}
