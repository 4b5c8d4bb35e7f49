// Package engines defines the interface a distributed-tensor runtime needs to
// implement to execute parallelization plans for dtensor, plus the registry used
// to select one at startup.
//
// The hard distributed-systems machinery — sharding parameter storage, scheduling
// collective communication, running the forward/backward computation — lives
// behind the Engine interface. This module only configures and invokes it: it
// builds a mesh (package mesh) and a plan (package plan) and hands both over.
//
// The in-process simulation engine under engines/simplemesh is the reference
// implementation; real accelerator runtimes register themselves the same way.
package engines

import (
	"github.com/gomlx/dtensor/mesh"
	"github.com/gomlx/dtensor/nn"
	"github.com/gomlx/dtensor/plan"
)

// Parameter is this worker's local view of one sharded model parameter, the unit
// the optimizer consumes. Value and Grad are the locally-owned shards, always of
// equal length.
type Parameter interface {
	// Path identifies the parameter: module path plus parameter name, e.g.
	// "layers.0.attention.wq.weight".
	Path() string

	// LocalDimensions is the shape of the locally-owned shard.
	LocalDimensions() []int

	// Value is the locally-owned slice of the parameter. Mutating it (the
	// optimizer does) updates the model.
	Value() []float32

	// Grad is the gradient for the locally-owned slice, populated by Backward.
	Grad() []float32
}

// Sharded is an engine-owned handle to a model after parallelization. It is a new
// value, deliberately distinct from the *nn.Module it was built from: the input
// module is left untouched and shares no storage with the handle.
type Sharded interface {
	// Mesh returns the device mesh the model is distributed over.
	Mesh() *mesh.DeviceMesh

	// Parameters returns this worker's local parameter shards, in a stable order.
	Parameters() []Parameter

	// NumLocalParams returns the number of parameter elements this worker stores,
	// after all sharding.
	NumLocalParams() int64

	// Forward runs the model on a batch of token ids shaped [batchSize][seqLen]
	// and returns the scalar training loss (already reduced across the mesh).
	Forward(batch [][]int32) (float64, error)

	// Backward populates the parameter gradients for the last Forward call. It
	// fails if no forward pass is pending.
	Backward() error
}

// Engine is the API a distributed-tensor runtime implements.
type Engine interface {
	// Name returns the short name the engine was registered under.
	Name() string

	// Description is a longer description of the engine that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of accelerator devices available to this worker.
	NumDevices() int

	// Parallelize applies the plan to the model over the named mesh dimension
	// (typically "tp") and returns a new Sharded handle. The plan is consumed:
	// applying the same plan value twice is an error. The input model is not
	// modified.
	Parallelize(model *nn.Module, m *mesh.DeviceMesh, dim string, p *plan.Plan) (Sharded, error)

	// FullyShard applies fully-sharded data parallelism over the named mesh
	// dimension (typically "dp"): parameters, gradients and optimizer inputs
	// become 1/dimSize shards, reconstituted on demand. It returns a new handle.
	FullyShard(s Sharded, dim string) (Sharded, error)

	// Finalize releases all resources held by the engine immediately, and makes
	// the engine invalid.
	Finalize()
}
