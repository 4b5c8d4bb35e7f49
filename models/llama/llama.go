// Package llama describes the reference Llama-style transformer used by the 2D
// parallelism demo: its configuration and its named-module tree, with the exact
// sub-module names the parallelization plans in the plan package key by
// (tok_embeddings, layers.<i>.attention.wq, ..., norm, output).
//
// Only the model's structure (names and parameter shapes) lives here; the forward
// and backward computation is owned by whichever engine the model is handed to.
package llama

import (
	"fmt"
	"math/rand"

	"github.com/gomlx/dtensor/nn"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Config holds the architecture hyperparameters of the reference transformer.
type Config struct {
	// Dim is the model (hidden) dimension.
	Dim int

	// NumLayers is the number of transformer blocks.
	NumLayers int

	// NumHeads is the number of attention heads. Dim must be divisible by it.
	NumHeads int

	// VocabSize is the token vocabulary size.
	VocabSize int

	// FFNHiddenDim is the feed-forward hidden dimension. If zero it is derived
	// from Dim the usual Llama way: 2/3 of 4*Dim, rounded up to a multiple of
	// FFNDimMultiple.
	FFNHiddenDim int

	// FFNDimMultiple is the rounding multiple for the derived FFNHiddenDim.
	// Defaults to 256.
	FFNDimMultiple int
}

// HeadDim returns the per-head dimension, Dim/NumHeads.
func (c Config) HeadDim() int {
	return c.Dim / c.NumHeads
}

// hiddenDim resolves FFNHiddenDim, deriving the default when unset.
func (c Config) hiddenDim() int {
	if c.FFNHiddenDim > 0 {
		return c.FFNHiddenDim
	}
	multiple := c.FFNDimMultiple
	if multiple <= 0 {
		multiple = 256
	}
	hidden := 2 * (4 * c.Dim) / 3
	return multiple * ((hidden + multiple - 1) / multiple)
}

// validate checks the configuration is usable.
func (c Config) validate() error {
	if c.Dim <= 0 || c.NumLayers < 0 || c.NumHeads <= 0 || c.VocabSize <= 0 {
		return errors.Errorf("invalid llama config %+v: dim, heads and vocab must be positive, layers non-negative", c)
	}
	if c.Dim%c.NumHeads != 0 {
		return errors.Errorf("llama config: dim %d must be divisible by the number of heads %d", c.Dim, c.NumHeads)
	}
	return nil
}

// New builds the module tree of the reference transformer:
//
//	tok_embeddings                         [VocabSize, Dim]
//	layers.<i>.attention_norm              [Dim]
//	layers.<i>.attention.{wq,wk,wv,wo}     [Dim, Dim]
//	layers.<i>.ffn_norm                    [Dim]
//	layers.<i>.feed_forward.{w1,w3}        [FFNHiddenDim, Dim]
//	layers.<i>.feed_forward.w2             [Dim, FFNHiddenDim]
//	norm                                   [Dim]
//	output                                 [VocabSize, Dim]
//
// Each leaf holds one parameter named "weight", shaped [outputFeatures,
// inputFeatures] for the projections.
func New(cfg Config) (*nn.Module, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	hidden := cfg.hiddenDim()

	root := nn.NewRoot("transformer")
	root.NewChild("tok_embeddings").NewParam("weight", dtypes.Float32, cfg.VocabSize, cfg.Dim)

	layers := root.NewChild("layers")
	for i := 0; i < cfg.NumLayers; i++ {
		block := layers.NewChild(fmt.Sprintf("%d", i))
		block.NewChild("attention_norm").NewParam("weight", dtypes.Float32, cfg.Dim)
		attention := block.NewChild("attention")
		for _, proj := range []string{"wq", "wk", "wv", "wo"} {
			attention.NewChild(proj).NewParam("weight", dtypes.Float32, cfg.Dim, cfg.Dim)
		}
		block.NewChild("ffn_norm").NewParam("weight", dtypes.Float32, cfg.Dim)
		feedForward := block.NewChild("feed_forward")
		feedForward.NewChild("w1").NewParam("weight", dtypes.Float32, hidden, cfg.Dim)
		feedForward.NewChild("w2").NewParam("weight", dtypes.Float32, cfg.Dim, hidden)
		feedForward.NewChild("w3").NewParam("weight", dtypes.Float32, hidden, cfg.Dim)
	}

	root.NewChild("norm").NewParam("weight", dtypes.Float32, cfg.Dim)
	root.NewChild("output").NewParam("weight", dtypes.Float32, cfg.VocabSize, cfg.Dim)
	return root, nil
}

// InitWeights initializes the model in place, deterministically from the seed:
// normalization weights to one, projection and embedding weights to small
// gaussian values. Two calls with the same seed over the same structure produce
// identical parameters on every worker.
func InitWeights(m *nn.Module, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	m.VisitParams(func(_ string, p *nn.Param) {
		if len(p.Dimensions()) == 1 {
			// Norm gains start at identity.
			for i := range p.Data {
				p.Data[i] = 1
			}
			return
		}
		const scale = 0.02
		for i := range p.Data {
			p.Data[i] = float32(rng.NormFloat64()) * scale
		}
	})
}
