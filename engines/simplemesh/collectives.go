package simplemesh

import (
	"github.com/gomlx/dtensor/engines"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// memCollectives runs collective operations as loops over in-memory per-rank
// buffers. Buffers of ranks not covered by any replica group are left untouched.
type memCollectives struct{}

var _ engines.Collectives = memCollectives{}

// groupBuffers collects and validates the buffers of one replica group.
func groupBuffers(buffers map[int][]float32, group []int) ([][]float32, error) {
	if len(group) == 0 {
		return nil, errors.New("empty replica group")
	}
	collected := make([][]float32, len(group))
	for i, rank := range group {
		buffer, found := buffers[rank]
		if !found {
			return nil, errors.Errorf("replica group %v: no buffer for rank %d", group, rank)
		}
		if i > 0 && len(buffer) != len(collected[0]) {
			return nil, errors.Errorf("replica group %v: rank %d has %d elements, rank %d has %d",
				group, rank, len(buffer), group[0], len(collected[0]))
		}
		collected[i] = buffer
	}
	return collected, nil
}

// reduce combines the group's buffers elementwise into a new slice.
func reduce(collected [][]float32, op engines.ReduceOp) ([]float32, error) {
	result := slices.Clone(collected[0])
	for _, buffer := range collected[1:] {
		for i, v := range buffer {
			switch op {
			case engines.ReduceSum, engines.ReduceMean:
				result[i] += v
			case engines.ReduceMax:
				if v > result[i] {
					result[i] = v
				}
			default:
				return nil, errors.Errorf("unsupported reduce op %s", op)
			}
		}
	}
	if op == engines.ReduceMean {
		scale := float32(1) / float32(len(collected))
		for i := range result {
			result[i] *= scale
		}
	}
	return result, nil
}

// AllReduce implements engines.Collectives.
func (memCollectives) AllReduce(buffers map[int][]float32, op engines.ReduceOp, replicaGroups [][]int) error {
	for _, group := range replicaGroups {
		collected, err := groupBuffers(buffers, group)
		if err != nil {
			return err
		}
		result, err := reduce(collected, op)
		if err != nil {
			return err
		}
		for _, buffer := range collected {
			copy(buffer, result)
		}
	}
	return nil
}

// AllGather implements engines.Collectives.
func (memCollectives) AllGather(shards map[int][]float32, replicaGroups [][]int) (map[int][]float32, error) {
	gathered := make(map[int][]float32, len(shards))
	for _, group := range replicaGroups {
		collected, err := groupBuffers(shards, group)
		if err != nil {
			return nil, err
		}
		full := make([]float32, 0, len(group)*len(collected[0]))
		for _, shard := range collected {
			full = append(full, shard...)
		}
		for _, rank := range group {
			gathered[rank] = slices.Clone(full)
		}
	}
	return gathered, nil
}

// ReduceScatter implements engines.Collectives.
func (memCollectives) ReduceScatter(buffers map[int][]float32, op engines.ReduceOp, replicaGroups [][]int) (map[int][]float32, error) {
	scattered := make(map[int][]float32, len(buffers))
	for _, group := range replicaGroups {
		collected, err := groupBuffers(buffers, group)
		if err != nil {
			return nil, err
		}
		if len(collected[0])%len(group) != 0 {
			return nil, errors.Errorf("replica group %v: buffer length %d is not divisible by the group size %d",
				group, len(collected[0]), len(group))
		}
		result, err := reduce(collected, op)
		if err != nil {
			return nil, err
		}
		chunkLen := len(result) / len(group)
		for i, rank := range group {
			scattered[rank] = slices.Clone(result[i*chunkLen : (i+1)*chunkLen])
		}
	}
	return scattered, nil
}
