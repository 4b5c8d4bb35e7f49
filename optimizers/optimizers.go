/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package optimizers implements gradient-descent optimizers over sharded model
// parameters.
//
// The optimizer consumes whatever parameter shards the engine hands this worker
// (see engines.Sharded.Parameters): with FSDP each worker only steps the 1/dp
// slice it owns, which is exactly how optimizer state stays memory-efficient.
package optimizers

// Parameter is the optimizer's view of one locally-owned parameter shard.
// engines.Parameter satisfies it.
type Parameter interface {
	// Path identifies the parameter, used to key optimizer state.
	Path() string

	// Value is the locally-owned slice, updated in place by Step.
	Value() []float32

	// Grad is the gradient for the slice, same length as Value.
	Grad() []float32
}

// Interface implemented by optimizers.
type Interface interface {
	// Step applies one update to the given parameters from their gradients.
	Step(params []Parameter) error

	// Clear drops all accumulated optimizer state (moments, step counters).
	Clear()
}
