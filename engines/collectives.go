package engines

import "fmt"

// ReduceOp is the reduction applied by collective operations.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMean
	ReduceMax
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceMean:
		return "mean"
	case ReduceMax:
		return "max"
	default:
		return fmt.Sprintf("ReduceOp(%d)", int(op))
	}
}

// Collectives are the communication primitives an engine runs its plans on.
// Buffers are keyed by global rank; replicaGroups list the ranks cooperating on
// each operation (see mesh.DeviceMesh.ReplicaGroups). Within a group all buffers
// must have matching lengths.
//
// An engine is not required to expose its collectives — they are how plans
// execute, not part of the planning API — but the simulation engine does, which
// makes the communication patterns directly testable.
type Collectives interface {
	// AllReduce reduces the buffers of each replica group elementwise with op,
	// leaving every member of the group with the reduced result, in place.
	AllReduce(buffers map[int][]float32, op ReduceOp, replicaGroups [][]int) error

	// AllGather concatenates the shards of each replica group in rank order,
	// returning the full buffer for every member.
	AllGather(shards map[int][]float32, replicaGroups [][]int) (map[int][]float32, error)

	// ReduceScatter reduces the buffers of each replica group elementwise with op
	// and returns to the i-th group member the i-th equal chunk of the result.
	// Buffer lengths must be divisible by the group size.
	ReduceScatter(buffers map[int][]float32, op ReduceOp, replicaGroups [][]int) (map[int][]float32, error)
}
