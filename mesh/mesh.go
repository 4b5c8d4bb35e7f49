// Package mesh models the process topology of a distributed job: how many workers
// participate, how they are split between the data-parallel and tensor-parallel
// dimensions, and how a worker's global rank maps to its coordinates on the resulting
// 2D logical grid (the "device mesh").
//
// Nothing in this package talks to any device or transport: a DeviceMesh is pure
// addressing, consumed by an engines.Engine that owns the actual communication.
package mesh

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Conventional names for the two mesh dimensions of a 2D (FSDP + TP) job.
const (
	// DataParallelDim is the mesh dimension across which FSDP shards parameters.
	DataParallelDim = "dp"

	// TensorParallelDim is the mesh dimension across which individual weights are
	// sharded by tensor parallelism.
	TensorParallelDim = "tp"
)

// Environment variables identifying this worker within the job. They follow the
// usual launcher convention and are required by FromEnv.
const (
	RankEnvVar      = "RANK"
	WorldSizeEnvVar = "WORLD_SIZE"
)

// Topology is the split of a job's workers between the data-parallel and
// tensor-parallel dimensions. It is immutable: build one with NewTopology and pass
// it explicitly to whoever needs it.
type Topology struct {
	DataParallelSize   int
	TensorParallelSize int
}

// NewTopology derives a 2D topology from the total number of workers and the
// tensor-parallel group size: the data-parallel size is worldSize/tensorParallelSize.
//
// It returns an error if either size is not positive or if worldSize is not
// divisible by tensorParallelSize.
func NewTopology(worldSize, tensorParallelSize int) (Topology, error) {
	if worldSize <= 0 {
		return Topology{}, errors.Errorf("world size must be positive, got %d", worldSize)
	}
	if tensorParallelSize <= 0 {
		return Topology{}, errors.Errorf("tensor-parallel size must be positive, got %d", tensorParallelSize)
	}
	if worldSize%tensorParallelSize != 0 {
		return Topology{}, errors.Errorf(
			"world size %d needs to be divisible by tensor-parallel size %d",
			worldSize, tensorParallelSize)
	}
	return Topology{
		DataParallelSize:   worldSize / tensorParallelSize,
		TensorParallelSize: tensorParallelSize,
	}, nil
}

// WorldSize returns the total number of workers of the topology.
func (t Topology) WorldSize() int {
	return t.DataParallelSize * t.TensorParallelSize
}

// String implements fmt.Stringer.
func (t Topology) String() string {
	return fmt.Sprintf("Topology(dp=%d, tp=%d)", t.DataParallelSize, t.TensorParallelSize)
}

// Worker identifies this process within the job: its global rank and the job's
// world size. It is read once at startup (see FromEnv) and never mutated.
type Worker struct {
	Rank      int
	WorldSize int
}

// FromEnv reads the worker identity from the RANK and WORLD_SIZE environment
// variables, as set by the usual distributed launchers.
func FromEnv() (Worker, error) {
	rank, err := intFromEnv(RankEnvVar)
	if err != nil {
		return Worker{}, err
	}
	worldSize, err := intFromEnv(WorldSizeEnvVar)
	if err != nil {
		return Worker{}, err
	}
	if worldSize <= 0 {
		return Worker{}, errors.Errorf("%s must be positive, got %d", WorldSizeEnvVar, worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return Worker{}, errors.Errorf("%s=%d out of range for %s=%d", RankEnvVar, rank, WorldSizeEnvVar, worldSize)
	}
	return Worker{Rank: rank, WorldSize: worldSize}, nil
}

func intFromEnv(key string) (int, error) {
	value, found := os.LookupEnv(key)
	if !found {
		return 0, errors.Errorf("required environment variable %s is not set", key)
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, errors.Wrapf(err, "environment variable %s=%q is not an integer", key, value)
	}
	return parsed, nil
}
