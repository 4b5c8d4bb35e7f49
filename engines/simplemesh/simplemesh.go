// Package simplemesh is an in-process simulation of a distributed-tensor runtime.
//
// It implements engines.Engine by simulating every rank of the device mesh inside
// one process: parameter shards for all workers live in local memory and the
// collective operations (all-reduce, all-gather, reduce-scatter) are plain loops
// over those shards. There is no transport and no accelerator — the point is to
// execute parallelization plans with real sharding arithmetic, so the wiring of a
// 2D (FSDP + TP) job can run and be tested on any machine.
//
// Sharding rule: a column-wise entry shards axis 0 of the module's weight, a
// row-wise entry shards axis 1; sequence-parallel and prepare-input entries affect
// activation layouts only and leave weights replicated. The simulated forward pass
// computes a surrogate scalar loss that is linear in the parameters, so Backward
// has an exact, cheap gradient; a real engine substitutes the actual model
// computation here.
//
// The engine registers itself under the name "simplemesh"; importing the package
// is enough:
//
//	import _ "github.com/gomlx/dtensor/engines/simplemesh"
package simplemesh

import (
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/dtensor/engines"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name the engine is registered under.
const Name = "simplemesh"

// NumDevicesEnvVar overrides the simulated device count when the engine
// configuration string doesn't set it.
const NumDevicesEnvVar = "SIMPLEMESH_NUM_DEVICES"

// DefaultNumDevices is the simulated accelerator count when neither the
// configuration nor SIMPLEMESH_NUM_DEVICES says otherwise.
const DefaultNumDevices = 8

func init() {
	engines.Register(Name, func(config string) (engines.Engine, error) {
		numDevices, err := numDevicesFromConfig(config)
		if err != nil {
			return nil, err
		}
		return New(numDevices)
	})
}

// numDevicesFromConfig resolves the device count: config string first, then the
// environment variable, then the default.
func numDevicesFromConfig(config string) (int, error) {
	config = strings.TrimSpace(config)
	if config == "" {
		config = strings.TrimSpace(os.Getenv(NumDevicesEnvVar))
	}
	if config == "" {
		return DefaultNumDevices, nil
	}
	numDevices, err := strconv.Atoi(config)
	if err != nil {
		return 0, errors.Wrapf(err, "simplemesh configuration %q is not a device count", config)
	}
	return numDevices, nil
}

// Engine simulates a distributed-tensor runtime in-process.
type Engine struct {
	numDevices int
	finalized  bool
}

// Compile-time check.
var _ engines.Engine = (*Engine)(nil)

// New creates a simulation engine pretending to own numDevices accelerator devices.
func New(numDevices int) (*Engine, error) {
	if numDevices <= 0 {
		return nil, errors.Errorf("simplemesh needs a positive device count, got %d", numDevices)
	}
	klog.V(1).Infof("simplemesh engine created with %d simulated devices", numDevices)
	return &Engine{numDevices: numDevices}, nil
}

// Name implements engines.Engine.
func (e *Engine) Name() string { return Name }

// Description implements engines.Engine.
func (e *Engine) Description() string {
	return "in-process simulation of a distributed-tensor runtime (no transport, no accelerators)"
}

// NumDevices implements engines.Engine.
func (e *Engine) NumDevices() int { return e.numDevices }

// Collectives returns the engine's in-memory collective operations, exposed so the
// communication patterns are directly testable.
func (e *Engine) Collectives() engines.Collectives {
	return memCollectives{}
}

// Finalize implements engines.Engine. After Finalize every operation fails.
func (e *Engine) Finalize() {
	e.finalized = true
}

// checkUsable returns an error if the engine was finalized.
func (e *Engine) checkUsable() error {
	if e.finalized {
		return errors.New("simplemesh engine was finalized")
	}
	return nil
}
