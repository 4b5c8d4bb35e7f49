package simplemesh

import (
	"testing"

	"github.com/gomlx/dtensor/engines"
	"github.com/gomlx/dtensor/mesh"
	"github.com/gomlx/dtensor/models/llama"
	"github.com/gomlx/dtensor/nn"
	"github.com/gomlx/dtensor/plan"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyConfig is a transformer small enough to inspect: dim 8, one layer.
var tinyConfig = llama.Config{
	Dim: 8, NumLayers: 1, NumHeads: 2, VocabSize: 16, FFNHiddenDim: 8,
}

func newTinySharded(t *testing.T, worldSize, tpSize, rank int) (*Engine, engines.Sharded) {
	t.Helper()
	engine := must.M1(New(worldSize))
	model := must.M1(llama.New(tinyConfig))
	llama.InitWeights(model, 42)
	topo := must.M1(mesh.NewTopology(worldSize, tpSize))
	m := must.M1(mesh.New2D(rank, topo))
	p := plan.ForTransformer(tinyConfig.NumLayers, plan.WithFinalNorm())
	sharded := must.M1(engine.Parallelize(model, m, mesh.TensorParallelDim, p))
	return engine, sharded
}

func paramByPath(t *testing.T, s engines.Sharded, path string) engines.Parameter {
	t.Helper()
	for _, p := range s.Parameters() {
		if p.Path() == path {
			return p
		}
	}
	t.Fatalf("no local parameter %q", path)
	return nil
}

func TestParallelizeShapes(t *testing.T) {
	_, sharded := newTinySharded(t, 4, 2, 0)

	// Column-wise shards axis 0, row-wise shards axis 1, norms stay replicated.
	assert.Equal(t, []int{4, 8}, paramByPath(t, sharded, "layers.0.attention.wq.weight").LocalDimensions())
	assert.Equal(t, []int{8, 4}, paramByPath(t, sharded, "layers.0.attention.wo.weight").LocalDimensions())
	assert.Equal(t, []int{4, 8}, paramByPath(t, sharded, "layers.0.feed_forward.w1.weight").LocalDimensions())
	assert.Equal(t, []int{8, 4}, paramByPath(t, sharded, "layers.0.feed_forward.w2.weight").LocalDimensions())
	assert.Equal(t, []int{16, 4}, paramByPath(t, sharded, "tok_embeddings.weight").LocalDimensions())
	assert.Equal(t, []int{8, 8}, paramByPath(t, sharded, "output.weight").LocalDimensions())
	assert.Equal(t, []int{8}, paramByPath(t, sharded, "layers.0.attention_norm.weight").LocalDimensions())
	assert.Equal(t, []int{8}, paramByPath(t, sharded, "norm.weight").LocalDimensions())
}

// Verifies the exact slices each tensor-parallel rank receives.
func TestShardSlicing(t *testing.T) {
	engine := must.M1(New(2))
	m0 := must.M1(mesh.New(0, []string{"tp"}, []int{2}))
	m1 := must.M1(mesh.New(1, []string{"tp"}, []int{2}))

	build := func() *nn.Module {
		root := nn.NewRoot("model")
		w := root.NewChild("proj").NewParam("weight", dtypes.Float32, 2, 4)
		for i := range w.Data {
			w.Data[i] = float32(i)
		}
		return root
	}

	colPlan := func() *plan.Plan { return plan.NewBuilder().Add("proj", plan.Colwise()).Done() }
	s0 := must.M1(engine.Parallelize(build(), m0, "tp", colPlan()))
	s1 := must.M1(engine.Parallelize(build(), m1, "tp", colPlan()))
	assert.Equal(t, []float32{0, 1, 2, 3}, paramByPath(t, s0, "proj.weight").Value())
	assert.Equal(t, []float32{4, 5, 6, 7}, paramByPath(t, s1, "proj.weight").Value())

	rowPlan := func() *plan.Plan { return plan.NewBuilder().Add("proj", plan.Rowwise()).Done() }
	s0 = must.M1(engine.Parallelize(build(), m0, "tp", rowPlan()))
	s1 = must.M1(engine.Parallelize(build(), m1, "tp", rowPlan()))
	assert.Equal(t, []float32{0, 1, 4, 5}, paramByPath(t, s0, "proj.weight").Value())
	assert.Equal(t, []float32{2, 3, 6, 7}, paramByPath(t, s1, "proj.weight").Value())
}

func TestParallelizeErrors(t *testing.T) {
	engine := must.M1(New(4))
	model := must.M1(llama.New(tinyConfig))
	topo := must.M1(mesh.NewTopology(4, 2))
	m := must.M1(mesh.New2D(0, topo))

	// A plan is consumed exactly once.
	p := plan.ForTransformer(tinyConfig.NumLayers)
	_ = must.M1(engine.Parallelize(model, m, mesh.TensorParallelDim, p))
	_, err := engine.Parallelize(model, m, mesh.TensorParallelDim, p)
	require.Error(t, err)

	// Unknown plan path.
	bad := plan.NewBuilder().Add("no_such_module", plan.Colwise()).Done()
	_, err = engine.Parallelize(model, m, mesh.TensorParallelDim, bad)
	require.Error(t, err)

	// Unknown mesh dimension.
	_, err = engine.Parallelize(model, m, "pp", plan.ForTransformer(tinyConfig.NumLayers))
	require.Error(t, err)

	// Weight dimension not divisible by the group size.
	root := nn.NewRoot("model")
	root.NewChild("proj").NewParam("weight", dtypes.Float32, 3, 4)
	odd := plan.NewBuilder().Add("proj", plan.Colwise()).Done()
	_, err = engine.Parallelize(root, m, mesh.TensorParallelDim, odd)
	require.Error(t, err)
}

func TestParallelizeDoesNotAliasModel(t *testing.T) {
	engine := must.M1(New(2))
	m := must.M1(mesh.New(0, []string{"tp"}, []int{2}))
	root := nn.NewRoot("model")
	w := root.NewChild("proj").NewParam("weight", dtypes.Float32, 2, 2)
	for i := range w.Data {
		w.Data[i] = 1
	}
	sharded := must.M1(engine.Parallelize(root, m, "tp",
		plan.NewBuilder().Add("proj", plan.Colwise()).Done()))

	paramByPath(t, sharded, "proj.weight").Value()[0] = 99
	assert.Equal(t, float32(1), w.Data[0], "the input model must stay untouched")
}

func TestFullyShard(t *testing.T) {
	engine, sharded := newTinySharded(t, 4, 2, 0)
	beforeLocal := sharded.NumLocalParams()

	fsdp := must.M1(engine.FullyShard(sharded, mesh.DataParallelDim))
	assert.Equal(t, beforeLocal/2, fsdp.NumLocalParams(), "dp=2 halves the local parameter count")

	// wq was [4, 8] locally, its FSDP chunk is flat.
	assert.Equal(t, []int{16}, paramByPath(t, fsdp, "layers.0.attention.wq.weight").LocalDimensions())

	// Already fully sharded, and the tp dimension is off limits.
	_, err := engine.FullyShard(fsdp, mesh.DataParallelDim)
	require.Error(t, err)
	_, err = engine.FullyShard(sharded, mesh.TensorParallelDim)
	require.Error(t, err)
}

func TestForwardBackward(t *testing.T) {
	engine, sharded := newTinySharded(t, 4, 2, 0)
	fsdp := must.M1(engine.FullyShard(sharded, mesh.DataParallelDim))

	batch := [][]int32{{1, 2, 3}, {4, 5, 6}}
	loss := must.M1(fsdp.Forward(batch))
	assert.NotZero(t, loss)

	// Deterministic: same batch, same loss.
	again := must.M1(fsdp.Forward(batch))
	assert.Equal(t, loss, again)

	require.NoError(t, fsdp.Backward())
	for _, p := range fsdp.Parameters() {
		require.Equal(t, len(p.Value()), len(p.Grad()), p.Path())
		for _, g := range p.Grad() {
			require.NotZero(t, g, "gradients of %s must be populated", p.Path())
		}
	}

	// Backward consumed the pending forward.
	require.Error(t, fsdp.Backward())
}

func TestBackwardWithoutForward(t *testing.T) {
	_, sharded := newTinySharded(t, 4, 2, 1)
	require.Error(t, sharded.Backward())
}

func TestForwardValidation(t *testing.T) {
	_, sharded := newTinySharded(t, 4, 2, 0)
	_, err := sharded.Forward(nil)
	require.Error(t, err)
	_, err = sharded.Forward([][]int32{{1, 2}, {3}})
	require.Error(t, err)
}

func TestFinalize(t *testing.T) {
	engine, sharded := newTinySharded(t, 4, 2, 0)
	engine.Finalize()
	_, err := sharded.Forward([][]int32{{1}})
	require.Error(t, err)
	require.Error(t, sharded.Backward())
	_, err = engine.FullyShard(sharded, mesh.DataParallelDim)
	require.Error(t, err)
}

func TestRegistered(t *testing.T) {
	engine := must.M1(engines.NewWithConfig("simplemesh:4"))
	assert.Equal(t, Name, engine.Name())
	assert.Equal(t, 4, engine.NumDevices())
	engine.Finalize()

	_, err := engines.NewWithConfig("simplemesh:not-a-number")
	require.Error(t, err)

	t.Setenv(NumDevicesEnvVar, "6")
	engine = must.M1(engines.NewWithConfig("simplemesh:"))
	assert.Equal(t, 6, engine.NumDevices())
}

// Tensor-parallel peers of the same data-parallel group see the same loss for the
// same batch.
func TestLossAgreesAcrossTensorParallelPeers(t *testing.T) {
	batch := [][]int32{{7, 8}, {9, 10}}
	_, s0 := newTinySharded(t, 4, 2, 0)
	_, s1 := newTinySharded(t, 4, 2, 1)
	loss0 := must.M1(s0.Forward(batch))
	loss1 := must.M1(s1.Forward(batch))
	assert.InDelta(t, loss0, loss1, 1e-6)
}
