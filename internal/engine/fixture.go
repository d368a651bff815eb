package engine

import (
	"time"

	"github.com/webtests/asynctest/asynctest"
)

// catalogBuilder is the root of the tree. Its children are the fixtures of
// a catalog.
type catalogBuilder struct {
	builderBase
	env     *asynctest.Env
	catalog *asynctest.Catalog
}

func newCatalogBuilder(env *asynctest.Env, catalog *asynctest.Catalog) *catalogBuilder {
	b := &catalogBuilder{env: env, catalog: catalog}
	b.identifier = catalog.Name
	b.name = asynctest.NewName(catalog.Name)
	b.path = (*asynctest.TestPath)(nil).Append(asynctest.PathNode{Identifier: catalog.Name, Name: catalog.Name, Hidden: true})
	return b
}

func (b *catalogBuilder) resolve() {
	b.ensureResolved(func() ([]TestBuilder, *TestFilter) {
		var children []TestBuilder
		seen := make(map[string]bool)
		for _, t := range b.catalog.Types {
			if t.Unexported || t.FixtureAttributeOf() == nil {
				continue
			}
			if seen[t.Name] {
				panic(internalErrorf("%s: duplicate fixture %s", b.catalog.Name, t.Name))
			}
			seen[t.Name] = true
			children = append(children, newFixtureBuilder(b, t))
		}
		return children, nil
	})
}

func (b *catalogBuilder) Host() TestHost { return nil }
func (b *catalogBuilder) IsLeaf() bool   { return false }

func (b *catalogBuilder) Children() []TestBuilder {
	b.resolve()
	return b.children
}

func (b *catalogBuilder) Filter() *TestFilter {
	b.resolve()
	return b.filter
}

func (b *catalogBuilder) SkipThisTest() bool {
	return len(b.Children()) == 0
}

func (b *catalogBuilder) RunFilter(tc *asynctest.TestContext) bool {
	return runFilter(b, tc)
}

func (b *catalogBuilder) CreateInvoker(path *asynctest.TestPath) TestInvoker {
	return &aggregatedInvoker{children: childInvokers(b, path), continueOnError: true}
}

func (b *catalogBuilder) wrap(path *asynctest.TestPath, inner TestInvoker) TestInvoker {
	return inner
}

// fixtureBuilder resolves one fixture type.
type fixtureBuilder struct {
	builderBase
	env  *asynctest.Env
	typ  *asynctest.Type
	attr *asynctest.FixtureAttribute

	// Set during resolution. hosts is ordered outermost first and ends with
	// the fixture host.
	hosts   []TestHost
	fixture *fixtureHost
}

func newFixtureBuilder(parent *catalogBuilder, t *asynctest.Type) *fixtureBuilder {
	b := &fixtureBuilder{env: parent.env, typ: t, attr: t.FixtureAttributeOf()}
	b.identifier = t.Name
	b.name = asynctest.NewName(t.Name)
	b.parent = parent
	b.path = parent.path.Append(asynctest.PathNode{Identifier: t.Name, Name: t.Name})
	return b
}

func (b *fixtureBuilder) resolve() {
	b.ensureResolved(func() ([]TestBuilder, *TestFilter) {
		methods := testMethods(b.typ)
		var static, instance bool
		for _, m := range methods {
			if m.Static {
				static = true
			} else {
				instance = true
			}
		}
		if static && instance {
			panic(internalErrorf("%s: fixture mixes static and instance test methods", b.typ.Name))
		}
		if instance && b.typ.New == nil {
			panic(internalErrorf("%s: fixture with instance test methods has no constructor", b.typ.Name))
		}

		props := properties(b.typ)
		fixed := make(map[string]bool)
		if b.attr.Repeat > 0 {
			b.hosts = append(b.hosts, newRepeatHost(b.identifier+".#repeat", b.attr.Repeat))
		}
		for _, fp := range fixedParameters(b.typ) {
			p := findProperty(props, fp.Property)
			if p == nil {
				panic(internalErrorf("%s: fixed parameter for unknown property %s", b.typ.Name, fp.Property))
			}
			fixed[p.Name] = true
			b.hosts = append(b.hosts, newFixedValueHost(b.identifier+".="+p.Name, p, fp.Value))
		}
		for _, p := range props {
			if fixed[p.Name] {
				continue
			}
			src := p.Source
			if src == nil {
				var ok bool
				if src, ok = b.env.Serializers().DefaultSource(p.Type); !ok {
					continue
				}
			}
			b.hosts = append(b.hosts, newPropertyHost(b.identifier+"."+p.Name, p, src))
		}
		b.fixture = newFixtureHost(b.typ, !b.attr.StopOnError)
		b.hosts = append(b.hosts, b.fixture)

		filter := NewTestFilter(b.parent.Filter(), b.attr.Categories, b.attr.Features, b.attr.Explicit)
		children := make([]TestBuilder, 0, len(methods))
		for _, m := range methods {
			children = append(children, newMethodBuilder(b, m))
		}
		return children, filter
	})
}

func (b *fixtureBuilder) Host() TestHost {
	b.resolve()
	return b.fixture
}

func (b *fixtureBuilder) IsLeaf() bool { return false }

func (b *fixtureBuilder) Children() []TestBuilder {
	b.resolve()
	return b.children
}

func (b *fixtureBuilder) Filter() *TestFilter {
	b.resolve()
	return b.filter
}

func (b *fixtureBuilder) SkipThisTest() bool {
	return len(b.Children()) == 0
}

func (b *fixtureBuilder) RunFilter(tc *asynctest.TestContext) bool {
	return runFilter(b, tc)
}

func (b *fixtureBuilder) CreateInvoker(path *asynctest.TestPath) TestInvoker {
	body := &aggregatedInvoker{children: childInvokers(b, path), continueOnError: !b.attr.StopOnError}
	return b.wrap(path, body)
}

func (b *fixtureBuilder) wrap(path *asynctest.TestPath, inner TestInvoker) TestInvoker {
	b.resolve()
	for i := len(b.hosts) - 1; i >= 0; i-- {
		inner = &hostInvoker{host: b.hosts[i], node: nodeFor(path, b.hosts[i]), inner: inner}
	}
	return &resultGroupInvoker{name: b.name, path: b.path, inner: inner}
}

// methodBuilder resolves a test method. It is a leaf of the builder tree;
// its parameters become hosts of the invoker chain.
type methodBuilder struct {
	builderBase
	fixture *fixtureBuilder
	method  *asynctest.Method

	params []TestHost
	fork   *forkedHost
}

func newMethodBuilder(parent *fixtureBuilder, m *asynctest.Method) *methodBuilder {
	b := &methodBuilder{fixture: parent, method: m}
	b.identifier = parent.identifier + "." + m.Name
	b.name = parent.name.Child(m.Name)
	b.parent = parent
	b.path = parent.path.Append(asynctest.PathNode{Identifier: b.identifier, Name: m.Name})
	return b
}

func (b *methodBuilder) resolve() {
	b.ensureResolved(func() ([]TestBuilder, *TestFilter) {
		test := b.method.Test
		repeat := test.Repeat
		if repeat == 0 && b.fixture.attr.Repeat == 0 {
			repeat = b.fixture.env.Settings.Int(asynctest.SettingRepeat, 0)
		}
		if repeat > 0 {
			b.params = append(b.params, newRepeatHost(b.identifier+".#repeat", repeat))
		}
		for _, p := range b.method.Params {
			if p.Type == asynctest.ContextType || p.Type == asynctest.TestContextType {
				continue
			}
			id := b.identifier + "." + p.Name
			if p.Host != nil {
				b.params = append(b.params, newCustomHost(id, p))
				continue
			}
			src := p.Source
			if src == nil {
				var ok bool
				if src, ok = b.fixture.env.Serializers().DefaultSource(p.Type); !ok {
					panic(internalErrorf("%s: no parameter source for %s (%v)", b.identifier, p.Name, p.Type))
				}
			}
			b.params = append(b.params, newParameterHost(id, p, src))
		}
		if test.Fork > 1 {
			b.fork = newForkedHost(b.identifier+".#fork", test.Fork)
		}
		filter := NewTestFilter(b.fixture.Filter(), test.Categories, test.Features, test.Explicit)
		return nil, filter
	})
}

func (b *methodBuilder) Host() TestHost {
	b.resolve()
	if len(b.params) > 0 {
		return b.params[0]
	}
	return nil
}

func (b *methodBuilder) IsLeaf() bool { return true }

func (b *methodBuilder) Children() []TestBuilder {
	b.resolve()
	return nil
}

func (b *methodBuilder) Filter() *TestFilter {
	b.resolve()
	return b.filter
}

func (b *methodBuilder) SkipThisTest() bool { return false }

func (b *methodBuilder) RunFilter(tc *asynctest.TestContext) bool {
	return runFilter(b, tc)
}

// Parameters returns the hosts of the method's parameters, outermost first.
func (b *methodBuilder) Parameters() []TestHost {
	b.resolve()
	return b.params
}

// timeout returns the effective timeout: the method's, else the fixture's,
// else DefaultTimeout.
func (b *methodBuilder) timeout() time.Duration {
	if t := b.method.Test.Timeout; t > 0 {
		return t
	}
	if t := b.fixture.attr.Timeout; t > 0 {
		return t
	}
	return DefaultTimeout
}

func (b *methodBuilder) CreateInvoker(path *asynctest.TestPath) TestInvoker {
	b.resolve()
	fixture := b.fixture.Host()

	var inv TestInvoker = &methodInvoker{method: b.method, fixture: fixture}
	inv = &resultGroupInvoker{name: b.name, path: b.path, inner: inv}
	inv = &prePostInvoker{fixture: fixture, inner: inv}
	inv = &timeoutInvoker{timeout: b.timeout(), inner: inv}
	if b.fork != nil {
		inv = &forkedInvoker{host: b.fork, inner: inv}
	}
	for i := len(b.params) - 1; i >= 0; i-- {
		inv = &hostInvoker{host: b.params[i], node: nodeFor(path, b.params[i]), inner: inv}
	}
	if len(b.params) > 0 {
		inv = &resultGroupInvoker{name: b.name, path: b.path, inner: inv}
	}
	return inv
}

func (b *methodBuilder) wrap(path *asynctest.TestPath, inner TestInvoker) TestInvoker {
	return inner
}

// testMethods collects the test methods of t and its base types. A method
// declared on a derived type hides base methods with the same name.
func testMethods(t *asynctest.Type) []*asynctest.Method {
	var out []*asynctest.Method
	seen := make(map[string]bool)
	for cur := t; cur != nil; cur = cur.Base {
		for _, m := range cur.Methods {
			if seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			if m.Test != nil {
				out = append(out, m)
			}
		}
	}
	return out
}

func properties(t *asynctest.Type) []*asynctest.Property {
	var out []*asynctest.Property
	seen := make(map[string]bool)
	for cur := t; cur != nil; cur = cur.Base {
		for _, p := range cur.Properties {
			if !seen[p.Name] {
				seen[p.Name] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func fixedParameters(t *asynctest.Type) []*asynctest.FixedParameter {
	var out []*asynctest.FixedParameter
	seen := make(map[string]bool)
	for cur := t; cur != nil; cur = cur.Base {
		for _, fp := range cur.FixedParameters {
			if !seen[fp.Property] {
				seen[fp.Property] = true
				out = append(out, fp)
			}
		}
	}
	return out
}

func findProperty(props []*asynctest.Property, name string) *asynctest.Property {
	for _, p := range props {
		if p.Name == name {
			return p
		}
	}
	return nil
}
