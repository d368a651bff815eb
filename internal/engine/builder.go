package engine

import (
	"sync"

	"github.com/webtests/asynctest/asynctest"
)

// TestBuilder resolves a declaration of the catalog into hosts and child
// builders. Resolution happens once, on first access to Children or Filter.
type TestBuilder interface {
	Identifier() string
	Name() asynctest.TestName
	Parent() TestBuilder
	Path() *asynctest.TestPath
	Host() TestHost
	Children() []TestBuilder
	Filter() *TestFilter
	IsLeaf() bool
	SkipThisTest() bool
	RunFilter(tc *asynctest.TestContext) bool

	// CreateInvoker returns the invoker of this builder's subtree. Parameter
	// values pinned in path restrict the enumeration.
	CreateInvoker(path *asynctest.TestPath) TestInvoker

	// wrap surrounds inner with the hosts of this builder. It is used to run a
	// descendant without running its siblings.
	wrap(path *asynctest.TestPath, inner TestInvoker) TestInvoker
}

type resolveState int

const (
	unresolved resolveState = iota
	resolving
	resolved
)

// builderBase holds the resolution state shared by all builders.
type builderBase struct {
	identifier string
	name       asynctest.TestName
	parent     TestBuilder
	path       *asynctest.TestPath

	mu       sync.Mutex
	state    resolveState
	children []TestBuilder
	filter   *TestFilter
}

func (b *builderBase) Identifier() string        { return b.identifier }
func (b *builderBase) Name() asynctest.TestName  { return b.name }
func (b *builderBase) Parent() TestBuilder       { return b.parent }
func (b *builderBase) Path() *asynctest.TestPath { return b.path }

// ensureResolved runs resolve the first time it is called. Resolving a
// builder from within its own resolution panics.
func (b *builderBase) ensureResolved(resolve func() ([]TestBuilder, *TestFilter)) {
	b.mu.Lock()
	switch b.state {
	case resolved:
		b.mu.Unlock()
		return
	case resolving:
		b.mu.Unlock()
		panic(internalErrorf("%s: reentrant resolution", b.identifier))
	}
	b.state = resolving
	b.mu.Unlock()

	children, filter := resolve()

	b.mu.Lock()
	b.children, b.filter = children, filter
	b.state = resolved
	b.mu.Unlock()
}

// runFilter implements TestBuilder.RunFilter: the builder's filter must
// match, and unless it is a leaf, at least one child must run.
func runFilter(b TestBuilder, tc *asynctest.TestContext) bool {
	if !b.Filter().Matches(tc, b.IsLeaf()) {
		return false
	}
	if b.IsLeaf() {
		return true
	}
	for _, c := range b.Children() {
		if c.RunFilter(tc) {
			return true
		}
	}
	return false
}

// childInvokers returns the filtered invokers of all children.
func childInvokers(b TestBuilder, path *asynctest.TestPath) []TestInvoker {
	var out []TestInvoker
	for _, c := range b.Children() {
		if c.SkipThisTest() {
			continue
		}
		out = append(out, &filterInvoker{builder: c, inner: c.CreateInvoker(path)})
	}
	return out
}

// TestFilter decides whether a builder runs under the configuration of a
// TestContext. Filters are chained: a node only runs if its parent's filter
// matches too.
type TestFilter struct {
	parent     *TestFilter
	categories []string
	features   []string
	mustMatch  bool
}

// NewTestFilter creates a filter below parent.
func NewTestFilter(parent *TestFilter, categories, features []string, mustMatch bool) *TestFilter {
	return &TestFilter{parent: parent, categories: categories, features: features, mustMatch: mustMatch}
}

// Categories returns the categories of this filter and its ancestors.
func (f *TestFilter) Categories() []string {
	if f == nil {
		return nil
	}
	return append(f.parent.Categories(), f.categories...)
}

func (f *TestFilter) allFeatures() []string {
	if f == nil {
		return nil
	}
	return append(f.parent.allFeatures(), f.features...)
}

func (f *TestFilter) explicit() bool {
	return f != nil && (f.mustMatch || f.parent.explicit())
}

// Matches evaluates the filter. For inner nodes the category check is only
// applied when running all categories; under a selected category the leaves
// decide.
func (f *TestFilter) Matches(tc *asynctest.TestContext, leaf bool) bool {
	config := tc.Configuration()
	if !config.MatchesFeatures(f.allFeatures()) {
		return false
	}
	if !leaf && config.CurrentCategory().Name != asynctest.CategoryAll.Name {
		return true
	}
	return config.MatchesCategories(f.Categories(), f.explicit())
}
