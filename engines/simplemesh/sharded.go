package simplemesh

import (
	"github.com/gomlx/dtensor/engines"
	"github.com/gomlx/dtensor/mesh"
	"github.com/gomlx/dtensor/nn"
	"github.com/gomlx/dtensor/plan"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

// localParam is one rank's shard of a model parameter.
type localParam struct {
	path string
	dims []int // shape of the locally stored shard

	// fullLen is the element count of the tensor-parallel shard before FSDP
	// flattening, used to reconstitute and to scale gradients.
	fullLen int

	value []float32
	grad  []float32
}

var _ engines.Parameter = (*localParam)(nil)

func (p *localParam) Path() string           { return p.path }
func (p *localParam) LocalDimensions() []int { return slices.Clone(p.dims) }
func (p *localParam) Value() []float32       { return p.value }
func (p *localParam) Grad() []float32        { return p.grad }

func (p *localParam) clone() *localParam {
	return &localParam{
		path:    p.path,
		dims:    slices.Clone(p.dims),
		fullLen: p.fullLen,
		value:   slices.Clone(p.value),
		grad:    slices.Clone(p.grad),
	}
}

// shardedModel is the engine-owned handle to a parallelized model. It holds the
// parameter shards of every simulated rank; the Parameters view exposes the shards
// of the worker the mesh was built for.
type shardedModel struct {
	engine   *Engine
	mesh     *mesh.DeviceMesh
	handleID string

	tpDim string
	dpDim string // set once FullyShard ran
	fsdp  bool

	// ranks[r] holds rank r's parameter shards, in VisitParams order for every rank.
	ranks map[int][]*localParam

	// pendingScale is the loss scale of the forward pass awaiting Backward.
	pendingScale float64
	hasPending   bool
}

var _ engines.Sharded = (*shardedModel)(nil)

// Parallelize implements engines.Engine: it applies the tensor-parallel plan over
// the named mesh dimension and returns a new handle. The input model is cloned
// first and never mutated.
func (e *Engine) Parallelize(model *nn.Module, m *mesh.DeviceMesh, dim string, p *plan.Plan) (engines.Sharded, error) {
	if err := e.checkUsable(); err != nil {
		return nil, err
	}
	if model == nil || m == nil || p == nil {
		return nil, errors.New("simplemesh.Parallelize: model, mesh and plan must all be given")
	}
	groupSize, err := m.DimSize(dim)
	if err != nil {
		return nil, err
	}
	for _, path := range p.Paths() {
		if model.Find(path) == nil {
			return nil, errors.Errorf("plan entry %q does not match any module of the model", path)
		}
	}
	if err := p.MarkApplied(); err != nil {
		return nil, err
	}

	dimAxis := slices.Index(m.DimNames(), dim)
	s := &shardedModel{
		engine:   e,
		mesh:     m,
		handleID: uuid.NewString(),
		tpDim:    dim,
		ranks:    make(map[int][]*localParam, m.Size()),
	}
	for rank := 0; rank < m.Size(); rank++ {
		coords, err := m.Coordinates(rank)
		if err != nil {
			return nil, err
		}
		groupCoord := coords[dimAxis]
		var params []*localParam
		var shardErr error
		model.VisitParams(func(modulePath string, param *nn.Param) {
			if shardErr != nil {
				return
			}
			lp, err := shardParam(modulePath, param, p, groupSize, groupCoord)
			if err != nil {
				shardErr = err
				return
			}
			params = append(params, lp)
		})
		if shardErr != nil {
			return nil, shardErr
		}
		s.ranks[rank] = params
	}
	klog.V(1).Infof("simplemesh: applied %d-entry plan over mesh dimension %q (handle %s)",
		p.Len(), dim, s.handleID)
	return s, nil
}

// shardParam extracts groupCoord's shard of one parameter, per the plan's directive
// for its owning module: column-wise shards axis 0 of the weight, row-wise shards
// axis 1, everything else stays replicated.
func shardParam(modulePath string, param *nn.Param, p *plan.Plan, groupSize, groupCoord int) (*localParam, error) {
	path := modulePath + "." + param.Name()
	dims := param.Dimensions()

	shardAxis := -1
	if entry, found := p.Get(modulePath); found {
		switch entry.Kind() {
		case plan.KindColwise:
			shardAxis = 0
		case plan.KindRowwise:
			shardAxis = 1
		}
	}
	if shardAxis < 0 {
		lp := &localParam{
			path:  path,
			dims:  dims,
			value: slices.Clone(param.Data),
		}
		lp.fullLen = len(lp.value)
		lp.grad = make([]float32, len(lp.value))
		return lp, nil
	}

	if shardAxis >= len(dims) {
		return nil, errors.Errorf("parameter %q has rank %d, cannot shard axis %d", path, len(dims), shardAxis)
	}
	if dims[shardAxis]%groupSize != 0 {
		return nil, errors.Errorf("parameter %q: dimension %d of axis %d is not divisible by the group size %d",
			path, dims[shardAxis], shardAxis, groupSize)
	}

	localDims := slices.Clone(dims)
	localDims[shardAxis] = dims[shardAxis] / groupSize
	lp := &localParam{path: path, dims: localDims}

	switch shardAxis {
	case 0:
		rowLen := 1
		for _, dim := range dims[1:] {
			rowLen *= dim
		}
		start := groupCoord * localDims[0] * rowLen
		lp.value = slices.Clone(param.Data[start : start+localDims[0]*rowLen])
	case 1:
		cols := localDims[1]
		inner := 1
		for _, dim := range dims[2:] {
			inner *= dim
		}
		lp.value = make([]float32, 0, localDims[0]*cols*inner)
		fullCols := dims[1]
		for row := 0; row < dims[0]; row++ {
			rowStart := row * fullCols * inner
			colStart := rowStart + groupCoord*cols*inner
			lp.value = append(lp.value, param.Data[colStart:colStart+cols*inner]...)
		}
	}
	lp.fullLen = len(lp.value)
	lp.grad = make([]float32, len(lp.value))
	return lp, nil
}

// FullyShard implements engines.Engine: it partitions every (already
// tensor-parallel) parameter shard across the named mesh dimension, FSDP style,
// and returns a new handle.
func (e *Engine) FullyShard(sharded engines.Sharded, dim string) (engines.Sharded, error) {
	if err := e.checkUsable(); err != nil {
		return nil, err
	}
	s, ok := sharded.(*shardedModel)
	if !ok || s.engine != e {
		return nil, errors.New("simplemesh.FullyShard: the handle was not produced by this engine")
	}
	if s.fsdp {
		return nil, errors.Errorf("model is already fully sharded over mesh dimension %q", s.dpDim)
	}
	if dim == s.tpDim {
		return nil, errors.Errorf("cannot fully shard over %q, it is already the tensor-parallel dimension", dim)
	}
	groupSize, err := s.mesh.DimSize(dim)
	if err != nil {
		return nil, err
	}

	dimAxis := slices.Index(s.mesh.DimNames(), dim)
	next := &shardedModel{
		engine:   e,
		mesh:     s.mesh,
		handleID: uuid.NewString(),
		tpDim:    s.tpDim,
		dpDim:    dim,
		fsdp:     true,
		ranks:    make(map[int][]*localParam, s.mesh.Size()),
	}
	for rank, params := range s.ranks {
		coords, err := s.mesh.Coordinates(rank)
		if err != nil {
			return nil, err
		}
		groupCoord := coords[dimAxis]
		chunked := make([]*localParam, len(params))
		for i, p := range params {
			if len(p.value)%groupSize != 0 {
				return nil, errors.Errorf("parameter %q: local size %d is not divisible by the %q group size %d",
					p.path, len(p.value), dim, groupSize)
			}
			chunkLen := len(p.value) / groupSize
			chunk := p.clone()
			chunk.dims = []int{chunkLen}
			chunk.value = slices.Clone(p.value[groupCoord*chunkLen : (groupCoord+1)*chunkLen])
			chunk.grad = make([]float32, chunkLen)
			chunked[i] = chunk
		}
		next.ranks[rank] = chunked
	}
	klog.V(1).Infof("simplemesh: fully sharded model over mesh dimension %q (handle %s)", dim, next.handleID)
	return next, nil
}

// Mesh implements engines.Sharded.
func (s *shardedModel) Mesh() *mesh.DeviceMesh { return s.mesh }

// Parameters implements engines.Sharded, returning the owning worker's shards.
func (s *shardedModel) Parameters() []engines.Parameter {
	own := s.ranks[s.mesh.Rank()]
	params := make([]engines.Parameter, len(own))
	for i, p := range own {
		params[i] = p
	}
	return params
}

// NumLocalParams implements engines.Sharded.
func (s *shardedModel) NumLocalParams() int64 {
	var total int64
	for _, p := range s.ranks[s.mesh.Rank()] {
		total += int64(len(p.value))
	}
	return total
}

// batchScale derives the deterministic loss scale of a batch. It only depends on
// the token values, so tensor-parallel peers fed identical batches agree on it.
func batchScale(batch [][]int32) float64 {
	var sum int64
	for _, row := range batch {
		for _, token := range row {
			sum += int64(token)
		}
	}
	return 1 + float64(sum%997)/997
}

// Forward implements engines.Sharded. The surrogate loss is
// scale * Σ_params mean(param), averaged across all ranks of the mesh, which keeps
// it linear in the parameters and exactly differentiable.
func (s *shardedModel) Forward(batch [][]int32) (float64, error) {
	if err := s.engine.checkUsable(); err != nil {
		return 0, err
	}
	if len(batch) == 0 || len(batch[0]) == 0 {
		return 0, errors.New("simplemesh.Forward: empty batch")
	}
	seqLen := len(batch[0])
	for i, row := range batch {
		if len(row) != seqLen {
			return 0, errors.Errorf("simplemesh.Forward: batch row %d has %d tokens, row 0 has %d",
				i, len(row), seqLen)
		}
	}
	scale := batchScale(batch)
	collectives := s.engine.Collectives()

	// Per-rank partial losses over the (reconstituted) local parameters.
	partials := make(map[int][]float32, len(s.ranks))
	numParams := len(s.ranks[s.mesh.Rank()])
	for i := 0; i < numParams; i++ {
		full, err := s.fullValues(i, collectives)
		if err != nil {
			return 0, err
		}
		for rank, values := range full {
			var sum float64
			for _, v := range values {
				sum += float64(v)
			}
			if partials[rank] == nil {
				partials[rank] = []float32{0}
			}
			partials[rank][0] += float32(scale * sum / float64(len(values)))
		}
	}

	allRanks := make([]int, s.mesh.Size())
	for i := range allRanks {
		allRanks[i] = i
	}
	if err := collectives.AllReduce(partials, engines.ReduceMean, [][]int{allRanks}); err != nil {
		return 0, err
	}
	s.pendingScale = scale
	s.hasPending = true
	return float64(partials[s.mesh.Rank()][0]), nil
}

// fullValues reconstitutes the i-th parameter of every rank: with FSDP it
// all-gathers the chunks across the data-parallel groups, otherwise the local
// shard already is the full (tensor-parallel) value.
func (s *shardedModel) fullValues(i int, collectives engines.Collectives) (map[int][]float32, error) {
	values := make(map[int][]float32, len(s.ranks))
	if !s.fsdp {
		for rank, params := range s.ranks {
			values[rank] = params[i].value
		}
		return values, nil
	}
	chunks := make(map[int][]float32, len(s.ranks))
	for rank, params := range s.ranks {
		chunks[rank] = params[i].value
	}
	groups, err := s.mesh.ReplicaGroups(s.dpDim)
	if err != nil {
		return nil, err
	}
	return collectives.AllGather(chunks, groups)
}

// Backward implements engines.Sharded. Each rank takes the gradient of its own
// partial loss, which is linear in the parameters: every element's gradient is
// scale/numElements. With FSDP the full gradients are averaged and
// reduce-scattered across the data-parallel groups, so each rank keeps only the
// chunk it owns.
func (s *shardedModel) Backward() error {
	if err := s.engine.checkUsable(); err != nil {
		return err
	}
	if !s.hasPending {
		return errors.New("simplemesh.Backward: no forward pass is pending")
	}
	numParams := len(s.ranks[s.mesh.Rank()])
	for i := 0; i < numParams; i++ {
		if err := s.backwardParam(i); err != nil {
			return err
		}
	}
	s.hasPending = false
	return nil
}

func (s *shardedModel) backwardParam(i int) error {
	if !s.fsdp {
		for _, params := range s.ranks {
			p := params[i]
			g := float32(s.pendingScale / float64(p.fullLen))
			for j := range p.grad {
				p.grad[j] = g
			}
		}
		return nil
	}

	// Full gradients per rank, then reduce-scatter over the data-parallel groups.
	fullGrads := make(map[int][]float32, len(s.ranks))
	for rank, params := range s.ranks {
		p := params[i]
		g := float32(s.pendingScale / float64(p.fullLen))
		full := make([]float32, p.fullLen)
		for j := range full {
			full[j] = g
		}
		fullGrads[rank] = full
	}
	groups, err := s.mesh.ReplicaGroups(s.dpDim)
	if err != nil {
		return err
	}
	scattered, err := s.engine.Collectives().ReduceScatter(fullGrads, engines.ReduceMean, groups)
	if err != nil {
		return err
	}
	for rank, params := range s.ranks {
		copy(params[i].grad, scattered[rank])
	}
	return nil
}
