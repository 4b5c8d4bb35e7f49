package plan

import (
	"github.com/gomlx/dtensor/layouts"
)

// Module path names of the reference transformer tree (see models/llama). The
// per-layer names are relative to "layers.<i>.".
const (
	TokEmbeddingsPath = "tok_embeddings"
	FinalNormPath     = "norm"
	OutputPath        = "output"
	LayersPrefix      = "layers"
)

// LayerTemplate returns the tensor/sequence-parallel directives for one transformer
// block, 11 entries, with paths relative to the block:
//
//   - The two norms run sequence-parallel.
//   - The attention and feed-forward blocks redistribute their sequence-sharded
//     inputs to fully replicated before the projections run.
//   - q/k/v projections are column-wise and keep their outputs distributed, so the
//     attention computation consumes head-sharded values directly.
//   - The attention output projection and the second feed-forward projection are
//     row-wise and re-shard the result along the sequence axis, handing it back to
//     the following sequence-parallel norm.
//   - The first and third feed-forward projections are column-wise.
func LayerTemplate() []PathEntry {
	seqShard := layouts.Shard(layouts.SequenceAxis)
	replicate := layouts.Replicate()
	return []PathEntry{
		{"attention_norm", SequenceParallel()},
		{"attention", PrepareInput(
			[]layouts.Placement{seqShard, replicate},
			[]layouts.Placement{replicate, replicate})},
		{"attention.wq", Colwise().KeepDistributed()},
		{"attention.wk", Colwise().KeepDistributed()},
		{"attention.wv", Colwise().KeepDistributed()},
		{"attention.wo", Rowwise().WithOutputLayouts(seqShard)},
		{"ffn_norm", SequenceParallel()},
		{"feed_forward", PrepareInput(
			[]layouts.Placement{seqShard},
			[]layouts.Placement{replicate})},
		{"feed_forward.w1", Colwise()},
		{"feed_forward.w2", Rowwise().WithOutputLayouts(seqShard)},
		{"feed_forward.w3", Colwise()},
	}
}

// TransformerOption configures ForTransformer.
type TransformerOption func(*transformerOptions)

type transformerOptions struct {
	finalNorm bool
}

// WithFinalNorm also plans the model's final normalization ("norm") as
// sequence-parallel, adding one entry. The end-to-end demo uses it; the plain
// head/tail plan covers only the embedding and the output projection.
func WithFinalNorm() TransformerOption {
	return func(o *transformerOptions) {
		o.finalNorm = true
	}
}

// ForTransformer builds the 2D-parallelism plan for the reference transformer with
// the given number of layers: the token embedding enters replicated and leaves
// sharded along the sequence axis, the output projection takes the sequence-sharded
// stream back to a replicated result, and each of the numLayers blocks gets the 11
// LayerTemplate entries keyed "layers.<i>.<name>".
//
// The resulting plan has 2 + 11*numLayers entries (3 + 11*numLayers with
// WithFinalNorm). Negative numLayers panics.
func ForTransformer(numLayers int, opts ...TransformerOption) *Plan {
	var options transformerOptions
	for _, opt := range opts {
		opt(&options)
	}
	seqShard := layouts.Shard(layouts.SequenceAxis)
	replicate := layouts.Replicate()

	b := NewBuilder()
	b.Add(TokEmbeddingsPath, Rowwise().
		WithInputLayouts(replicate).
		WithOutputLayouts(seqShard))
	if options.finalNorm {
		b.Add(FinalNormPath, SequenceParallel())
	}
	b.Add(OutputPath, Colwise().
		WithInputLayouts(seqShard).
		WithOutputLayouts(replicate))
	b.AddLayers(LayersPrefix, numLayers, LayerTemplate())
	return b.Done()
}
