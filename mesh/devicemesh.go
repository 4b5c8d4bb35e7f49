package mesh

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// DeviceMesh is a multi-dimensional logical grid of workers with named dimensions.
// Global ranks are laid out row-major over the dimension sizes: on a ("dp","tp") mesh
// of sizes (4, 2), rank 5 sits at coordinates (2, 1).
//
// A DeviceMesh is immutable after construction, and is built from the point of view
// of one worker (its Rank): Dim returns the 1D sub-group that worker belongs to along
// a given dimension.
type DeviceMesh struct {
	rank  int
	names []string
	sizes []int
}

// SubMesh is the 1D group of workers a given worker belongs to along one mesh
// dimension, e.g. the tensor-parallel group of rank 5.
type SubMesh struct {
	// Name of the mesh dimension this group runs along.
	Name string

	// Ranks are the global ranks of the group members, ordered by their coordinate
	// along the dimension.
	Ranks []int

	// LocalRank is the position of the owning worker within Ranks.
	LocalRank int
}

// Size returns the number of workers in the sub-group.
func (s SubMesh) Size() int {
	return len(s.Ranks)
}

// New creates a device mesh from the point of view of the worker with the given
// global rank. names and sizes must have the same length, sizes must be positive,
// and their product must equal the total number of workers the rank is validated
// against.
func New(rank int, names []string, sizes []int) (*DeviceMesh, error) {
	if len(names) == 0 || len(names) != len(sizes) {
		return nil, errors.Errorf("mesh.New: %d dimension names for %d sizes", len(names), len(sizes))
	}
	total := 1
	for i, size := range sizes {
		if size <= 0 {
			return nil, errors.Errorf("mesh.New: dimension %q has non-positive size %d", names[i], size)
		}
		total *= size
	}
	for i, name := range names {
		if name == "" {
			return nil, errors.Errorf("mesh.New: dimension %d has an empty name", i)
		}
		if slices.Index(names[:i], name) >= 0 {
			return nil, errors.Errorf("mesh.New: duplicate dimension name %q", name)
		}
	}
	if rank < 0 || rank >= total {
		return nil, errors.Errorf("mesh.New: rank %d out of range for a mesh of %d workers", rank, total)
	}
	return &DeviceMesh{
		rank:  rank,
		names: slices.Clone(names),
		sizes: slices.Clone(sizes),
	}, nil
}

// New2D creates the conventional 2D ("dp", "tp") mesh for the given topology, from
// the point of view of the given worker rank.
func New2D(rank int, topo Topology) (*DeviceMesh, error) {
	return New(rank,
		[]string{DataParallelDim, TensorParallelDim},
		[]int{topo.DataParallelSize, topo.TensorParallelSize})
}

// Rank returns the global rank of the worker owning this mesh view.
func (m *DeviceMesh) Rank() int {
	return m.rank
}

// Size returns the total number of workers on the mesh.
func (m *DeviceMesh) Size() int {
	total := 1
	for _, size := range m.sizes {
		total *= size
	}
	return total
}

// DimNames returns the mesh dimension names, outermost first.
func (m *DeviceMesh) DimNames() []string {
	return slices.Clone(m.names)
}

// DimSize returns the size of the named dimension, or an error if the mesh has no
// such dimension.
func (m *DeviceMesh) DimSize(name string) (int, error) {
	axis := slices.Index(m.names, name)
	if axis < 0 {
		return 0, errors.Errorf("mesh has no dimension %q (dimensions: %s)", name, strings.Join(m.names, ", "))
	}
	return m.sizes[axis], nil
}

// Coordinates returns the per-dimension coordinates of the given global rank,
// outermost dimension first.
func (m *DeviceMesh) Coordinates(rank int) ([]int, error) {
	if rank < 0 || rank >= m.Size() {
		return nil, errors.Errorf("rank %d out of range for a mesh of %d workers", rank, m.Size())
	}
	coords := make([]int, len(m.sizes))
	remainder := rank
	for axis := len(m.sizes) - 1; axis >= 0; axis-- {
		coords[axis] = remainder % m.sizes[axis]
		remainder /= m.sizes[axis]
	}
	return coords, nil
}

// LocalRank returns the coordinate of the owning worker along the named dimension —
// e.g. its position within its tensor-parallel group.
func (m *DeviceMesh) LocalRank(name string) (int, error) {
	axis := slices.Index(m.names, name)
	if axis < 0 {
		return 0, errors.Errorf("mesh has no dimension %q (dimensions: %s)", name, strings.Join(m.names, ", "))
	}
	coords, err := m.Coordinates(m.rank)
	if err != nil {
		return 0, err
	}
	return coords[axis], nil
}

// Dim returns the 1D sub-group the owning worker belongs to along the named
// dimension: the group members are the ranks whose coordinates agree with the
// worker's on every other dimension.
func (m *DeviceMesh) Dim(name string) (SubMesh, error) {
	axis := slices.Index(m.names, name)
	if axis < 0 {
		return SubMesh{}, errors.Errorf("mesh has no dimension %q (dimensions: %s)", name, strings.Join(m.names, ", "))
	}
	coords, err := m.Coordinates(m.rank)
	if err != nil {
		return SubMesh{}, err
	}
	group := SubMesh{Name: name, LocalRank: coords[axis]}
	group.Ranks = make([]int, m.sizes[axis])
	for i := range group.Ranks {
		peer := slices.Clone(coords)
		peer[axis] = i
		group.Ranks[i] = m.rankOf(peer)
	}
	return group, nil
}

// ReplicaGroups returns every 1D group along the named dimension, covering all ranks
// of the mesh. This is the replica-groups form collective operations take.
func (m *DeviceMesh) ReplicaGroups(name string) ([][]int, error) {
	axis := slices.Index(m.names, name)
	if axis < 0 {
		return nil, errors.Errorf("mesh has no dimension %q (dimensions: %s)", name, strings.Join(m.names, ", "))
	}
	numGroups := m.Size() / m.sizes[axis]
	groups := make([][]int, 0, numGroups)
	seen := make(map[int]bool, m.Size())
	for rank := 0; rank < m.Size(); rank++ {
		if seen[rank] {
			continue
		}
		coords, _ := m.Coordinates(rank)
		group := make([]int, m.sizes[axis])
		for i := range group {
			peer := slices.Clone(coords)
			peer[axis] = i
			group[i] = m.rankOf(peer)
			seen[group[i]] = true
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// rankOf is the inverse of Coordinates. coords must be in range.
func (m *DeviceMesh) rankOf(coords []int) int {
	rank := 0
	for axis, coord := range coords {
		rank = rank*m.sizes[axis] + coord
	}
	return rank
}

// String implements fmt.Stringer.
func (m *DeviceMesh) String() string {
	parts := make([]string, len(m.names))
	for i, name := range m.names {
		parts[i] = fmt.Sprintf("%s=%d", name, m.sizes[i])
	}
	return fmt.Sprintf("DeviceMesh(%s, rank=%d)", strings.Join(parts, ", "), m.rank)
}
