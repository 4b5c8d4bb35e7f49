// fsdp_tp_example demonstrates 2D parallelism, combining tensor/sequence
// parallelism with fully-sharded data parallelism (TP/SP + FSDP) on a small
// Llama-style model, end-to-end: forward, backward and optimizer steps.
//
// The two parallel strategies run on separate mesh dimensions:
//
//	Data Parallel ("dp") across hosts
//	Tensor Parallel ("tp") within each host
//
// On a job of N hosts with 8 devices each, the tensor-parallel groups are
// [0..7], [8..15], ..., and the FSDP groups [0, 8, ..., 8N-8], ..., [7, 15, ...,
// 8N-1].
//
// The worker identity comes from the RANK and WORLD_SIZE environment variables,
// as set by the usual launchers. The engine is selected with DTENSOR_ENGINE (the
// in-process simulation engine "simplemesh" is linked in and is the default).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dtensor/engines"
	_ "github.com/gomlx/dtensor/engines/simplemesh"
	"github.com/gomlx/dtensor/mesh"
	"github.com/gomlx/dtensor/models/llama"
	"github.com/gomlx/dtensor/optimizers"
	"github.com/gomlx/dtensor/plan"
	"github.com/gomlx/dtensor/train"
	"github.com/gomlx/dtensor/train/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

const minDevices = 4

var (
	flagTPSize        = flag.Int("tp_size", 2, "Tensor-parallel group size. The world size must be divisible by it.")
	flagNumIterations = flag.Int("iterations", 10, "Number of training iterations to run.")
	flagBatchSize     = flag.Int("batch_size", 8, "Training batch size per data-parallel group.")
	flagSeqLen        = flag.Int("seq_len", 256, "Sequence length of the synthetic batches.")
	flagLearningRate  = flag.Float64("learning_rate", 3e-3, "AdamW learning rate.")
	flagProgressBar   = flag.Bool("progressbar", true, "Display a progress bar during training.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	engine := must.M1(engines.New())
	defer engine.Finalize()

	if engine.NumDevices() < minDevices {
		// Single "insufficient resources" exit path, before any distributed setup.
		fmt.Printf("Unable to locate sufficient %d accelerator devices to run this example. Exiting.\n", minDevices)
		os.Exit(0)
	}

	worker := must.M1(mesh.FromEnv())
	rankLog(worker.Rank, "Starting 2D (FSDP + TP) example on rank %d.", worker.Rank)

	topo := must.M1(mesh.NewTopology(worker.WorldSize, *flagTPSize))
	deviceMesh := must.M1(mesh.New2D(worker.Rank, topo))
	rankLog(worker.Rank, "Device mesh created: %s", deviceMesh)

	// For TP, input needs to be the same across all TP ranks, while different
	// data-parallel groups draw different data: batches are seeded by the
	// data-parallel rank.
	dpRank := must.M1(deviceMesh.LocalRank(mesh.DataParallelDim))

	modelConfig := llama.Config{Dim: 256, NumLayers: 2, NumHeads: 16, VocabSize: 32000}
	model := must.M1(llama.New(modelConfig))
	llama.InitWeights(model, 0)
	rankLog(worker.Rank, "Model created: %s parameters", humanize.Comma(model.NumParams()))

	// Parallelize the embedding, the final norm and the output projection, plus
	// the 11 entries per transformer block, over the tensor-parallel dimension.
	tpPlan := plan.ForTransformer(modelConfig.NumLayers, plan.WithFinalNorm())
	sharded := must.M1(engine.Parallelize(model, deviceMesh, mesh.TensorParallelDim, tpPlan))

	// Init FSDP over the data-parallel dimension.
	sharded = must.M1(engine.FullyShard(sharded, mesh.DataParallelDim))
	rankLog(worker.Rank, "Model after parallelization: %s local parameters",
		humanize.Comma(sharded.NumLocalParams()))

	rankLog(worker.Rank, "Creating AdamW optimizer with learning rate %g", *flagLearningRate)
	optimizer := optimizers.AdamW().LearningRate(*flagLearningRate).Done()

	source := must.M1(train.NewBatchSource(modelConfig.VocabSize, *flagBatchSize, *flagSeqLen, dpRank))
	loop := must.M1(train.NewLoop(sharded, optimizer, source))
	if *flagProgressBar {
		commandline.AttachProgressBar(loop)
	}
	loop.OnStep("rank_log", func(loop *train.Loop, metrics train.StepMetrics) error {
		klog.V(1).Infof("[rank%d] 2D iter %d complete, loss=%.4f", worker.Rank, metrics.Step, metrics.Loss)
		return nil
	})

	rankLog(worker.Rank, "Starting 2D training, %d iterations...", *flagNumIterations)
	last := must.M1(loop.RunSteps(*flagNumIterations))
	rankLog(worker.Rank, "2D training successfully completed! Final loss: %.4f", last.Loss)
}

// rankLog logs only on rank 0, so a multi-worker launch prints each message once.
func rankLog(rank int, format string, args ...any) {
	if rank != 0 {
		return
	}
	klog.Infof(format, args...)
}
