package plan

import (
	"fmt"
	"strings"

	"github.com/gomlx/dtensor/layouts"
	"github.com/gomlx/exceptions"
	"golang.org/x/exp/slices"
)

// Kind discriminates the parallel styles an Entry can prescribe for a module.
type Kind int

const (
	// KindInvalid is the zero Kind; entries must be built with one of the
	// constructors below.
	KindInvalid Kind = iota

	// KindColwise shards the module's weight column-wise (axis 0 of an
	// [outputFeatures, inputFeatures] weight), so each group member produces a
	// slice of the output features.
	KindColwise

	// KindRowwise shards the module's weight row-wise (axis 1), so each group
	// member consumes a slice of the input features and partial results are
	// summed across the group.
	KindRowwise

	// KindSequenceParallel keeps the module's (elementwise) computation local and
	// shards its activations along the sequence axis.
	KindSequenceParallel

	// KindPrepareInput redistributes the module's inputs from their current
	// layouts to desired layouts before the module runs. It touches no weight.
	KindPrepareInput
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindColwise:
		return "ColwiseParallel"
	case KindRowwise:
		return "RowwiseParallel"
	case KindSequenceParallel:
		return "SequenceParallel"
	case KindPrepareInput:
		return "PrepareModuleInput"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Entry is the directive for one module of a parallelization plan: the parallel
// style, the layouts its inputs arrive in and its outputs leave in, and whether its
// output is materialized locally or stays distributed.
//
// Entries are immutable values: the With* methods return modified copies, so a
// template entry can be reused across layers.
type Entry struct {
	kind                Kind
	inputLayouts        []layouts.Placement
	desiredInputLayouts []layouts.Placement
	outputLayouts       []layouts.Placement
	useLocalOutput      bool
}

// Colwise returns a column-wise-parallel entry: replicated input, output sharded on
// the feature axis, materialized locally. Adjust with WithInputLayouts,
// WithOutputLayouts and KeepDistributed.
func Colwise() Entry {
	return Entry{
		kind:           KindColwise,
		inputLayouts:   []layouts.Placement{layouts.Replicate()},
		outputLayouts:  []layouts.Placement{layouts.Shard(layouts.FeatureAxis)},
		useLocalOutput: true,
	}
}

// Rowwise returns a row-wise-parallel entry: input sharded on the feature axis,
// replicated (summed) output, materialized locally.
func Rowwise() Entry {
	return Entry{
		kind:           KindRowwise,
		inputLayouts:   []layouts.Placement{layouts.Shard(layouts.FeatureAxis)},
		outputLayouts:  []layouts.Placement{layouts.Replicate()},
		useLocalOutput: true,
	}
}

// SequenceParallel returns an entry for elementwise modules (norms, dropout) whose
// activations are sharded along the sequence axis. Its output stays distributed.
func SequenceParallel() Entry {
	seq := layouts.Shard(layouts.SequenceAxis)
	return Entry{
		kind:          KindSequenceParallel,
		inputLayouts:  []layouts.Placement{seq},
		outputLayouts: []layouts.Placement{seq},
	}
}

// PrepareInput returns an entry that redistributes a module's inputs: the i-th input
// arrives with current[i] and is converted to desired[i] before the module runs.
// It panics if the two lists have different lengths or are empty.
func PrepareInput(current, desired []layouts.Placement) Entry {
	if len(current) == 0 || len(current) != len(desired) {
		exceptions.Panicf("plan.PrepareInput: got %d current and %d desired input layouts, "+
			"they must be the same non-zero count", len(current), len(desired))
	}
	return Entry{
		kind:                KindPrepareInput,
		inputLayouts:        slices.Clone(current),
		desiredInputLayouts: slices.Clone(desired),
	}
}

// WithInputLayouts returns a copy of the entry with the given input layouts.
func (e Entry) WithInputLayouts(placements ...layouts.Placement) Entry {
	e.inputLayouts = slices.Clone(placements)
	return e
}

// WithOutputLayouts returns a copy of the entry with the given output layouts.
func (e Entry) WithOutputLayouts(placements ...layouts.Placement) Entry {
	e.outputLayouts = slices.Clone(placements)
	return e
}

// KeepDistributed returns a copy of the entry whose output stays a distributed
// value instead of being materialized as a local tensor — used when the consumer is
// itself distributed-aware, e.g. attention heads reading sharded q/k/v projections.
func (e Entry) KeepDistributed() Entry {
	e.useLocalOutput = false
	return e
}

// Kind returns the parallel style of the entry.
func (e Entry) Kind() Kind {
	return e.kind
}

// InputLayouts returns the layouts the module's inputs arrive in.
func (e Entry) InputLayouts() []layouts.Placement {
	return slices.Clone(e.inputLayouts)
}

// DesiredInputLayouts returns the layouts a PrepareInput entry converts the inputs
// to. It is nil for other kinds.
func (e Entry) DesiredInputLayouts() []layouts.Placement {
	return slices.Clone(e.desiredInputLayouts)
}

// OutputLayouts returns the layouts the module's outputs leave in.
func (e Entry) OutputLayouts() []layouts.Placement {
	return slices.Clone(e.outputLayouts)
}

// UseLocalOutput returns whether the module's output is materialized as a plain
// local tensor, as opposed to staying distributed.
func (e Entry) UseLocalOutput() bool {
	return e.useLocalOutput
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(e.kind.String())
	b.WriteByte('(')
	b.WriteString(fmt.Sprintf("in=%v", e.inputLayouts))
	if e.kind == KindPrepareInput {
		b.WriteString(fmt.Sprintf(", desired=%v", e.desiredInputLayouts))
	} else {
		b.WriteString(fmt.Sprintf(", out=%v", e.outputLayouts))
	}
	if !e.useLocalOutput {
		b.WriteString(", distributed")
	}
	b.WriteByte(')')
	return b.String()
}
