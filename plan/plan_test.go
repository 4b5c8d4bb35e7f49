package plan

import (
	"fmt"
	"testing"

	"github.com/gomlx/dtensor/layouts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryConstructors(t *testing.T) {
	col := Colwise()
	assert.Equal(t, KindColwise, col.Kind())
	assert.Equal(t, []layouts.Placement{layouts.Replicate()}, col.InputLayouts())
	assert.Equal(t, []layouts.Placement{layouts.Shard(layouts.FeatureAxis)}, col.OutputLayouts())
	assert.True(t, col.UseLocalOutput())
	assert.False(t, col.KeepDistributed().UseLocalOutput())
	// KeepDistributed returns a copy, the original is unchanged.
	assert.True(t, col.UseLocalOutput())

	row := Rowwise()
	assert.Equal(t, KindRowwise, row.Kind())
	assert.Equal(t, []layouts.Placement{layouts.Shard(layouts.FeatureAxis)}, row.InputLayouts())
	assert.Equal(t, []layouts.Placement{layouts.Replicate()}, row.OutputLayouts())

	sp := SequenceParallel()
	assert.Equal(t, KindSequenceParallel, sp.Kind())
	assert.Equal(t, []layouts.Placement{layouts.Shard(layouts.SequenceAxis)}, sp.OutputLayouts())
	assert.False(t, sp.UseLocalOutput())

	prep := PrepareInput(
		[]layouts.Placement{layouts.Shard(1), layouts.Replicate()},
		[]layouts.Placement{layouts.Replicate(), layouts.Replicate()})
	assert.Equal(t, KindPrepareInput, prep.Kind())
	assert.Len(t, prep.DesiredInputLayouts(), 2)
	require.Panics(t, func() {
		PrepareInput([]layouts.Placement{layouts.Replicate()}, nil)
	})
}

func TestBuilder(t *testing.T) {
	p := NewBuilder().
		Add("a", Colwise()).
		Add("b", Rowwise()).
		Done()
	require.Equal(t, 2, p.Len())
	assert.Equal(t, []string{"a", "b"}, p.Paths())
	entry, found := p.Get("a")
	require.True(t, found)
	assert.Equal(t, KindColwise, entry.Kind())
	_, found = p.Get("missing")
	assert.False(t, found)

	require.Panics(t, func() { NewBuilder().Add("", Colwise()) })
	require.Panics(t, func() { NewBuilder().Add("a", Entry{}) })
	require.Panics(t, func() { NewBuilder().Add("a", Colwise()).Add("a", Rowwise()) })
	require.Panics(t, func() {
		b := NewBuilder()
		b.Done()
		b.Add("late", Colwise())
	})
	require.Panics(t, func() {
		b := NewBuilder()
		b.Done()
		b.Done()
	})
}

func TestAddLayersNegative(t *testing.T) {
	require.Panics(t, func() {
		NewBuilder().AddLayers("layers", -1, LayerTemplate())
	})
	require.Panics(t, func() { ForTransformer(-1) })
}

// perLayerPaths are the sub-modules every transformer block plans, relative to
// "layers.<i>.".
var perLayerPaths = []string{
	"attention_norm",
	"attention",
	"attention.wq",
	"attention.wk",
	"attention.wv",
	"attention.wo",
	"ffn_norm",
	"feed_forward",
	"feed_forward.w1",
	"feed_forward.w2",
	"feed_forward.w3",
}

func TestForTransformerEntryCount(t *testing.T) {
	for _, numLayers := range []int{0, 1, 2, 7} {
		p := ForTransformer(numLayers)
		assert.Equal(t, 2+11*numLayers, p.Len(), "numLayers=%d", numLayers)

		withNorm := ForTransformer(numLayers, WithFinalNorm())
		assert.Equal(t, 3+11*numLayers, withNorm.Len(), "numLayers=%d with final norm", numLayers)
	}
}

func TestForTransformerLayerPaths(t *testing.T) {
	const numLayers = 3
	p := ForTransformer(numLayers)
	for layer := 0; layer < numLayers; layer++ {
		for _, sub := range perLayerPaths {
			path := fmt.Sprintf("layers.%d.%s", layer, sub)
			_, found := p.Get(path)
			assert.True(t, found, "missing plan entry for %q", path)
		}
	}
	// No entry beyond the last layer.
	_, found := p.Get(fmt.Sprintf("layers.%d.attention.wq", numLayers))
	assert.False(t, found)
}

func TestForTransformerDirectives(t *testing.T) {
	seqShard := layouts.Shard(layouts.SequenceAxis)
	replicate := layouts.Replicate()
	p := ForTransformer(2, WithFinalNorm())

	embed, found := p.Get("tok_embeddings")
	require.True(t, found)
	assert.Equal(t, KindRowwise, embed.Kind())
	assert.Equal(t, []layouts.Placement{replicate}, embed.InputLayouts())
	assert.Equal(t, []layouts.Placement{seqShard}, embed.OutputLayouts())

	norm, found := p.Get("norm")
	require.True(t, found)
	assert.Equal(t, KindSequenceParallel, norm.Kind())

	output, found := p.Get("output")
	require.True(t, found)
	assert.Equal(t, KindColwise, output.Kind())
	assert.Equal(t, []layouts.Placement{seqShard}, output.InputLayouts())
	assert.Equal(t, []layouts.Placement{replicate}, output.OutputLayouts())

	attnNorm, _ := p.Get("layers.1.attention_norm")
	assert.Equal(t, KindSequenceParallel, attnNorm.Kind())

	attn, _ := p.Get("layers.1.attention")
	assert.Equal(t, KindPrepareInput, attn.Kind())
	assert.Equal(t, []layouts.Placement{seqShard, replicate}, attn.InputLayouts())
	assert.Equal(t, []layouts.Placement{replicate, replicate}, attn.DesiredInputLayouts())

	for _, proj := range []string{"wq", "wk", "wv"} {
		entry, _ := p.Get("layers.0.attention." + proj)
		assert.Equal(t, KindColwise, entry.Kind(), proj)
		assert.False(t, entry.UseLocalOutput(), "%s output must stay distributed", proj)
	}

	wo, _ := p.Get("layers.0.attention.wo")
	assert.Equal(t, KindRowwise, wo.Kind())
	assert.Equal(t, []layouts.Placement{seqShard}, wo.OutputLayouts())
	assert.True(t, wo.UseLocalOutput())

	ffn, _ := p.Get("layers.0.feed_forward")
	assert.Equal(t, KindPrepareInput, ffn.Kind())
	assert.Equal(t, []layouts.Placement{seqShard}, ffn.InputLayouts())
	assert.Equal(t, []layouts.Placement{replicate}, ffn.DesiredInputLayouts())

	w1, _ := p.Get("layers.0.feed_forward.w1")
	assert.Equal(t, KindColwise, w1.Kind())
	w2, _ := p.Get("layers.0.feed_forward.w2")
	assert.Equal(t, KindRowwise, w2.Kind())
	assert.Equal(t, []layouts.Placement{seqShard}, w2.OutputLayouts())
	w3, _ := p.Get("layers.0.feed_forward.w3")
	assert.Equal(t, KindColwise, w3.Kind())
}

func TestMarkApplied(t *testing.T) {
	p := ForTransformer(1)
	require.NoError(t, p.MarkApplied())
	require.Error(t, p.MarkApplied())
}
