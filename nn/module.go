// Package nn provides Module, a named tree of sub-modules and parameters.
//
// A Module describes a model's structure — what sub-modules exist, under which
// names, with which parameter shapes — without prescribing how it computes: that
// is owned by whichever engine (see the engines package) the model is handed to.
// The dot-separated paths of the tree ("layers.1.attention.wq") are what
// parallelization plans key their directives by.
//
// Tree construction panics on misuse (duplicate names, names containing dots),
// since models are built from static configuration.
package nn

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"golang.org/x/exp/slices"
)

// Param is a named parameter of a Module: a dtype, a logical shape and its flat
// backing data, stored row-major.
type Param struct {
	name  string
	dtype dtypes.DType
	dims  []int

	// Data is the flat backing storage of the parameter. Engines replace it when
	// they shard the parameter.
	Data []float32
}

// Name returns the parameter name within its module, e.g. "weight".
func (p *Param) Name() string {
	return p.name
}

// DType returns the element type of the parameter.
func (p *Param) DType() dtypes.DType {
	return p.dtype
}

// Dimensions returns the logical (unsharded) shape of the parameter.
func (p *Param) Dimensions() []int {
	return slices.Clone(p.dims)
}

// NumElements returns the number of elements of the logical shape.
func (p *Param) NumElements() int {
	count := 1
	for _, dim := range p.dims {
		count *= dim
	}
	return count
}

// String implements fmt.Stringer.
func (p *Param) String() string {
	return fmt.Sprintf("%s: (%s)%v", p.name, p.dtype, p.dims)
}

// clone deep-copies the parameter, including its data.
func (p *Param) clone() *Param {
	return &Param{
		name:  p.name,
		dtype: p.dtype,
		dims:  slices.Clone(p.dims),
		Data:  slices.Clone(p.Data),
	}
}

// Module is one node of a model tree. Create the root with NewRoot, sub-modules
// with NewChild and parameters with NewParam.
type Module struct {
	name        string
	parent      *Module
	children    []*Module
	childByName map[string]*Module
	params      []*Param
	paramByName map[string]*Param
}

// NewRoot creates the root module of a model tree. The root name is descriptive
// only, it does not participate in paths.
func NewRoot(name string) *Module {
	return newModule(name, nil)
}

func newModule(name string, parent *Module) *Module {
	return &Module{
		name:        name,
		parent:      parent,
		childByName: make(map[string]*Module),
		paramByName: make(map[string]*Param),
	}
}

// Name returns the module's name within its parent.
func (m *Module) Name() string {
	return m.name
}

// Path returns the dot-separated path of the module from the root. The root
// itself has path "".
func (m *Module) Path() string {
	if m.parent == nil {
		return ""
	}
	parentPath := m.parent.Path()
	if parentPath == "" {
		return m.name
	}
	return parentPath + "." + m.name
}

// NewChild creates and returns a sub-module with the given name. It panics if the
// name is empty, contains a dot, or is already taken.
func (m *Module) NewChild(name string) *Module {
	checkName(m, "NewChild", name)
	if _, found := m.childByName[name]; found {
		exceptions.Panicf("nn: module %q already has a child %q", m.Path(), name)
	}
	child := newModule(name, m)
	m.childByName[name] = child
	m.children = append(m.children, child)
	return child
}

// NewParam creates a parameter with the given name and shape, with zero-initialized
// backing data. It panics on an empty or duplicate name, or non-positive dimensions.
func (m *Module) NewParam(name string, dtype dtypes.DType, dims ...int) *Param {
	checkName(m, "NewParam", name)
	if _, found := m.paramByName[name]; found {
		exceptions.Panicf("nn: module %q already has a parameter %q", m.Path(), name)
	}
	count := 1
	for _, dim := range dims {
		if dim <= 0 {
			exceptions.Panicf("nn: parameter %q of module %q has non-positive dimension in shape %v",
				name, m.Path(), dims)
		}
		count *= dim
	}
	p := &Param{
		name:  name,
		dtype: dtype,
		dims:  slices.Clone(dims),
		Data:  make([]float32, count),
	}
	m.paramByName[name] = p
	m.params = append(m.params, p)
	return p
}

func checkName(m *Module, op, name string) {
	if name == "" {
		exceptions.Panicf("nn: %s on module %q with an empty name", op, m.Path())
	}
	if strings.ContainsRune(name, '.') {
		exceptions.Panicf("nn: %s(%q) on module %q: names cannot contain dots, they separate path components",
			op, name, m.Path())
	}
}

// Child returns the direct sub-module with the given name, or nil.
func (m *Module) Child(name string) *Module {
	return m.childByName[name]
}

// Children returns the direct sub-modules in creation order.
func (m *Module) Children() []*Module {
	return slices.Clone(m.children)
}

// Param returns the parameter with the given name, or nil.
func (m *Module) Param(name string) *Param {
	return m.paramByName[name]
}

// Params returns the module's own parameters in creation order.
func (m *Module) Params() []*Param {
	return slices.Clone(m.params)
}

// Find returns the descendant module at the given dot-separated path, or nil if
// any component is missing. The empty path returns the module itself.
func (m *Module) Find(path string) *Module {
	if path == "" {
		return m
	}
	current := m
	for _, component := range strings.Split(path, ".") {
		current = current.childByName[component]
		if current == nil {
			return nil
		}
	}
	return current
}

// VisitParams calls fn for every parameter of the tree in depth-first creation
// order, with the owning module's path.
func (m *Module) VisitParams(fn func(modulePath string, p *Param)) {
	path := m.Path()
	for _, p := range m.params {
		fn(path, p)
	}
	for _, child := range m.children {
		child.VisitParams(fn)
	}
}

// NumParams returns the total number of parameter elements of the tree, using the
// logical (unsharded) shapes.
func (m *Module) NumParams() int64 {
	var total int64
	m.VisitParams(func(_ string, p *Param) {
		total += int64(p.NumElements())
	})
	return total
}

// Clone returns a deep copy of the tree, parameters and data included. The copy
// shares nothing with the original.
func (m *Module) Clone() *Module {
	root := newModule(m.name, nil)
	m.cloneInto(root)
	return root
}

func (m *Module) cloneInto(target *Module) {
	for _, p := range m.params {
		cloned := p.clone()
		target.paramByName[cloned.name] = cloned
		target.params = append(target.params, cloned)
	}
	for _, child := range m.children {
		clonedChild := newModule(child.name, target)
		target.childByName[clonedChild.name] = clonedChild
		target.children = append(target.children, clonedChild)
		child.cloneInto(clonedChild)
	}
}
