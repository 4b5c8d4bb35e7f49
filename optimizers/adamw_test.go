package optimizers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testParam is a plain in-memory Parameter.
type testParam struct {
	path  string
	value []float32
	grad  []float32
}

func (p *testParam) Path() string     { return p.path }
func (p *testParam) Value() []float32 { return p.value }
func (p *testParam) Grad() []float32  { return p.grad }

func newTestParam(path string, value, grad []float32) *testParam {
	return &testParam{path: path, value: value, grad: grad}
}

func TestAdamWFirstStep(t *testing.T) {
	opt := AdamW().LearningRate(0.1).Done()
	p := newTestParam("w", []float32{1}, []float32{2})
	require.NoError(t, opt.Step([]Parameter{p}))

	// At step 1 the bias-corrected update is lr * g/(|g| + eps) ≈ lr, moving
	// against the gradient.
	assert.InDelta(t, 1-0.1, float64(p.value[0]), 1e-4)

	p.grad[0] = -2
	require.NoError(t, opt.Step([]Parameter{p}))
	assert.Greater(t, p.value[0], float32(0.89), "update follows the sign flip")
}

func TestAdamWDeterministic(t *testing.T) {
	run := func() []float32 {
		opt := AdamW().LearningRate(0.01).Betas(0.8, 0.99).Epsilon(1e-8).WeightDecay(0.1).Done()
		p := newTestParam("w", []float32{1, -2, 3}, []float32{0.5, -0.25, 0.125})
		for step := 0; step < 5; step++ {
			require.NoError(t, opt.Step([]Parameter{p}))
		}
		return p.value
	}
	assert.Equal(t, run(), run())
}

func TestAdamWWeightDecay(t *testing.T) {
	// Zero gradient isolates the decay term: the value must shrink geometrically.
	opt := AdamW().LearningRate(0.5).WeightDecay(0.5).Done()
	p := newTestParam("w", []float32{4}, []float32{0})
	require.NoError(t, opt.Step([]Parameter{p}))
	assert.InDelta(t, 3, float64(p.value[0]), 1e-5)

	noDecay := AdamW().LearningRate(0.5).Done()
	q := newTestParam("w", []float32{4}, []float32{0})
	require.NoError(t, noDecay.Step([]Parameter{q}))
	assert.InDelta(t, 4, float64(q.value[0]), 1e-5)
}

func TestAdamWConverges(t *testing.T) {
	// Minimize f(x) = x² with exact gradients: x must approach 0.
	opt := AdamW().LearningRate(0.1).Done()
	p := newTestParam("x", []float32{3}, []float32{0})
	for step := 0; step < 500; step++ {
		p.grad[0] = 2 * p.value[0]
		require.NoError(t, opt.Step([]Parameter{p}))
	}
	assert.Less(t, math.Abs(float64(p.value[0])), 0.01)
}

func TestAdamWStatePerParameter(t *testing.T) {
	opt := AdamW().Done()
	a := newTestParam("a", []float32{1}, []float32{1})
	b := newTestParam("b", []float32{1, 1}, []float32{1, 1})
	require.NoError(t, opt.Step([]Parameter{a, b}))
	require.NoError(t, opt.Step([]Parameter{a, b}))

	// A parameter resizing between steps is an error.
	b.value = []float32{1}
	b.grad = []float32{1}
	require.Error(t, opt.Step([]Parameter{b}))

	opt.Clear()
	require.NoError(t, opt.Step([]Parameter{b}))
}

func TestAdamWErrors(t *testing.T) {
	opt := AdamW().Done()
	p := newTestParam("w", []float32{1, 2}, []float32{1})
	require.Error(t, opt.Step([]Parameter{p}))

	require.Panics(t, func() { AdamW().LearningRate(-1).Done() })
	require.Panics(t, func() { AdamW().LearningRate(math.NaN()).Done() })
	require.Panics(t, func() { AdamW().Betas(1, 0.5).Done() })
	require.Panics(t, func() { AdamW().Epsilon(0).Done() })
	require.Panics(t, func() { AdamW().WeightDecay(-0.1).Done() })
}
