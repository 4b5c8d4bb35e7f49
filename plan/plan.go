// Package plan builds parallelization plans: ordered mappings from module paths
// ("layers.1.attention.wq") to directives describing how each module is distributed
// across one device-mesh dimension.
//
// A plan is pure configuration. It is assembled once at startup with a Builder (or
// the ForTransformer preset), is immutable after Done, and is consumed exactly once
// by an engine (see the engines package), which rewrites the model's parameter
// storage and forward behavior accordingly.
package plan

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// PathEntry pairs a module path with its directive, preserving plan order.
type PathEntry struct {
	Path  string
	Entry Entry
}

// Plan is an ordered, immutable mapping from module path to Entry. Build one with
// a Builder or with ForTransformer.
type Plan struct {
	ordered []PathEntry
	byPath  map[string]Entry
	applied atomic.Bool
}

// Len returns the number of entries of the plan.
func (p *Plan) Len() int {
	return len(p.ordered)
}

// Get returns the entry for the given module path.
func (p *Plan) Get(path string) (Entry, bool) {
	entry, found := p.byPath[path]
	return entry, found
}

// Entries returns the plan's entries in insertion order. The returned slice is a
// copy, the plan itself never changes.
func (p *Plan) Entries() []PathEntry {
	return slices.Clone(p.ordered)
}

// Paths returns the module paths of the plan in insertion order.
func (p *Plan) Paths() []string {
	paths := make([]string, len(p.ordered))
	for i, pe := range p.ordered {
		paths[i] = pe.Path
	}
	return paths
}

// MarkApplied flags the plan as consumed. A plan is applied to a model exactly
// once; a second application returns an error. Engines call this when they start
// executing the plan.
func (p *Plan) MarkApplied() error {
	if !p.applied.CompareAndSwap(false, true) {
		return errors.New("parallelization plan was already applied, plans are consumed exactly once")
	}
	return nil
}

// String implements fmt.Stringer, listing one entry per line.
func (p *Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan with %d entries:\n", p.Len())
	for _, pe := range p.ordered {
		fmt.Fprintf(&b, "\t%q: %s\n", pe.Path, pe.Entry)
	}
	return b.String()
}

// Builder assembles a Plan. Entries are added with Add and AddLayers, and Done
// seals the result. Builder methods panic on misuse (empty or duplicate paths,
// invalid entries, negative layer counts), since those are programming errors in
// static configuration, not runtime conditions.
type Builder struct {
	ordered []PathEntry
	byPath  map[string]Entry
	done    bool
}

// NewBuilder creates an empty plan builder.
func NewBuilder() *Builder {
	return &Builder{byPath: make(map[string]Entry)}
}

// Add appends the directive for one module path. It returns the builder, so calls
// can be chained.
func (b *Builder) Add(path string, entry Entry) *Builder {
	if b.done {
		exceptions.Panicf("plan.Builder.Add(%q): builder was already sealed by Done", path)
	}
	if path == "" {
		exceptions.Panicf("plan.Builder.Add: module path cannot be empty")
	}
	if entry.Kind() == KindInvalid {
		exceptions.Panicf("plan.Builder.Add(%q): entry was not created with one of the plan constructors", path)
	}
	if _, found := b.byPath[path]; found {
		exceptions.Panicf("plan.Builder.Add(%q): path already has an entry", path)
	}
	b.byPath[path] = entry
	b.ordered = append(b.ordered, PathEntry{Path: path, Entry: entry})
	return b
}

// AddLayers instantiates the template once per layer, interpolating the layer index
// into the path: template path "attention.wq" under prefix "layers" becomes
// "layers.0.attention.wq", "layers.1.attention.wq", etc. numLayers may be zero,
// negative values panic.
func (b *Builder) AddLayers(prefix string, numLayers int, template []PathEntry) *Builder {
	if numLayers < 0 {
		exceptions.Panicf("plan.Builder.AddLayers(%q): negative layer count %d", prefix, numLayers)
	}
	for layer := 0; layer < numLayers; layer++ {
		for _, pe := range template {
			b.Add(fmt.Sprintf("%s.%d.%s", prefix, layer, pe.Path), pe.Entry)
		}
	}
	return b
}

// Done seals the builder and returns the immutable plan. The builder cannot be
// used afterward.
func (b *Builder) Done() *Plan {
	if b.done {
		exceptions.Panicf("plan.Builder.Done: builder was already sealed")
	}
	b.done = true
	return &Plan{ordered: b.ordered, byPath: b.byPath}
}
