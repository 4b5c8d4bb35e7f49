// Package layouts defines Placement, the directive describing how a tensor is laid out
// across one dimension of a device mesh: either fully replicated on every member of the
// group, or sharded (partitioned) along one of its logical axes.
//
// Placements are small immutable values, comparable with ==. They carry no reference to
// any mesh or tensor: the same Placement value can describe a weight of a module or an
// activation flowing through it, relative to whatever mesh dimension the consumer pairs
// it with.
package layouts

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// Conventional axes of activations shaped [batch, sequence, features].
const (
	// SequenceAxis is the axis holding the sequence dimension. Sequence parallelism
	// shards along this axis.
	SequenceAxis = 1

	// FeatureAxis is the axis holding the feature (hidden) dimension. Column-wise
	// parallel projections produce outputs sharded along this axis.
	FeatureAxis = 2
)

// Placement describes how a tensor is distributed across one mesh dimension.
//
// The zero value is Replicate().
type Placement struct {
	// axisPlusOne is 0 for replicated, otherwise 1 + the axis being sharded, so that
	// the zero value means Replicate.
	axisPlusOne int
}

// Replicate returns the placement for a tensor fully copied on every member of the group.
func Replicate() Placement {
	return Placement{}
}

// Shard returns the placement for a tensor partitioned along the given axis across the
// members of the group. It panics if axis is negative.
func Shard(axis int) Placement {
	if axis < 0 {
		exceptions.Panicf("layouts.Shard(%d): axis must be non-negative", axis)
	}
	return Placement{axisPlusOne: axis + 1}
}

// IsReplicate returns whether the tensor is fully copied on every group member.
func (p Placement) IsReplicate() bool {
	return p.axisPlusOne == 0
}

// IsShard returns whether the tensor is partitioned along some axis.
func (p Placement) IsShard() bool {
	return p.axisPlusOne > 0
}

// ShardAxis returns the axis a sharded tensor is partitioned along.
// It panics if the placement is Replicate.
func (p Placement) ShardAxis() int {
	if p.IsReplicate() {
		exceptions.Panicf("layouts.Placement.ShardAxis: placement is Replicate, it has no shard axis")
	}
	return p.axisPlusOne - 1
}

// String implements fmt.Stringer.
func (p Placement) String() string {
	if p.IsReplicate() {
		return "Replicate"
	}
	return fmt.Sprintf("Shard(%d)", p.ShardAxis())
}
