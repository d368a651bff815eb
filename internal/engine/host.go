package engine

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/webtests/asynctest/asynctest"
)

// HostFlags describe how a host behaves in the tree.
type HostFlags int

const (
	FlagBrowsable HostFlags = 1 << iota
	FlagHidden
	FlagContinueOnError
	FlagPathHidden
	FlagParameterized
)

func (f HostFlags) Has(flag HostFlags) bool { return f&flag != 0 }

func (f HostFlags) String() string {
	var names []string
	for _, x := range []struct {
		flag HostFlags
		name string
	}{
		{FlagBrowsable, "Browsable"},
		{FlagHidden, "Hidden"},
		{FlagContinueOnError, "ContinueOnError"},
		{FlagPathHidden, "PathHidden"},
		{FlagParameterized, "Parameterized"},
	} {
		if f.Has(x.flag) {
			names = append(names, x.name)
		}
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}

// HostKind is the role a host plays in an instance chain.
type HostKind int

const (
	KindFixture HostKind = iota
	KindParameter
	KindFixedValue
	KindRepeat
	KindCustom
	KindProperty
	KindForked
)

var hostKindNames = [...]string{"Fixture", "Parameter", "FixedValue", "Repeat", "Custom", "Property", "Forked"}

func (k HostKind) String() string {
	if int(k) < len(hostKindNames) {
		return hostKindNames[k]
	}
	return fmt.Sprintf("HostKind(%d)", int(k))
}

// TestHost describes how to produce the value or instance at one position of
// the test tree. Hosts are created during resolution and shared by all runs.
type TestHost interface {
	Identifier() string
	Name() string
	ParameterType() reflect.Type
	Flags() HostFlags
	Kind() HostKind

	// CreateInstance creates the per-run realization of the host. It must not
	// modify the host.
	CreateInstance(tc *asynctest.TestContext, node *TestNode, parent TestInstance) TestInstance
}

// TestNode is the position of a host in the path being run. A node with a
// Parameter pins a parameterized host to that serialized value.
type TestNode struct {
	Identifier string
	Parameter  *asynctest.ParameterValue
}

func nodeFor(path *asynctest.TestPath, host TestHost) *TestNode {
	if pv, ok := path.Pinned(host.Identifier()); ok {
		return &TestNode{Identifier: host.Identifier(), Parameter: pv}
	}
	return nil
}

type hostBase struct {
	id    string
	name  string
	typ   reflect.Type
	flags HostFlags
	kind  HostKind
}

func (h *hostBase) Identifier() string          { return h.id }
func (h *hostBase) Name() string                { return h.name }
func (h *hostBase) ParameterType() reflect.Type { return h.typ }
func (h *hostBase) Flags() HostFlags            { return h.flags }
func (h *hostBase) Kind() HostKind              { return h.kind }

func (h *hostBase) String() string {
	return fmt.Sprintf("%v(%s)", h.kind, h.id)
}

// parameterHost expands a method parameter or a fixture property from a
// ParameterSource.
type parameterHost struct {
	hostBase
	source asynctest.ParameterSource
	filter string
	// set assigns property values to the fixture instance.
	set func(fixture, value any)
}

func newParameterHost(id string, p asynctest.Param, source asynctest.ParameterSource) *parameterHost {
	flags := FlagParameterized | FlagContinueOnError | FlagBrowsable
	if p.Hidden {
		flags |= FlagHidden
	}
	return &parameterHost{
		hostBase: hostBase{id: id, name: p.Name, typ: p.Type, flags: flags, kind: KindParameter},
		source:   source,
		filter:   p.Filter,
	}
}

func newPropertyHost(id string, p *asynctest.Property, source asynctest.ParameterSource) *parameterHost {
	flags := FlagParameterized | FlagContinueOnError | FlagBrowsable
	if p.Hidden {
		flags |= FlagHidden
	}
	return &parameterHost{
		hostBase: hostBase{id: id, name: p.Name, typ: p.Type, flags: flags, kind: KindProperty},
		source:   source,
		filter:   p.Filter,
		set:      p.Set,
	}
}

func (h *parameterHost) CreateInstance(tc *asynctest.TestContext, node *TestNode, parent TestInstance) TestInstance {
	return &parameterInstance{instanceBase: instanceBase{host: h, parent: parent, node: node}, pos: -1}
}

// fixedValueHost assigns one value to a fixture property.
type fixedValueHost struct {
	hostBase
	value any
	set   func(fixture, value any)
}

func newFixedValueHost(id string, p *asynctest.Property, value any) *fixedValueHost {
	return &fixedValueHost{
		hostBase: hostBase{id: id, name: p.Name, typ: p.Type, flags: FlagParameterized | FlagHidden | FlagPathHidden, kind: KindFixedValue},
		value:    value,
		set:      p.Set,
	}
}

func (h *fixedValueHost) CreateInstance(tc *asynctest.TestContext, node *TestNode, parent TestInstance) TestInstance {
	return &fixedInstance{instanceBase: instanceBase{host: h, parent: parent, node: node}}
}

// repeatHost runs its subtree a fixed number of times.
type repeatHost struct {
	hostBase
	count int
}

func newRepeatHost(id string, count int) *repeatHost {
	return &repeatHost{
		hostBase: hostBase{id: id, name: "repeat", typ: reflect.TypeOf(0), flags: FlagParameterized | FlagHidden | FlagContinueOnError, kind: KindRepeat},
		count:    count,
	}
}

func (h *repeatHost) CreateInstance(tc *asynctest.TestContext, node *TestNode, parent TestInstance) TestInstance {
	return &repeatInstance{instanceBase: instanceBase{host: h, parent: parent, node: node}, index: -1}
}

// customHost produces a value through a user-supplied CustomHost.
type customHost struct {
	hostBase
	hook *asynctest.CustomHost
}

func newCustomHost(id string, p asynctest.Param) *customHost {
	flags := FlagHidden
	if p.Hidden {
		flags |= FlagPathHidden
	}
	return &customHost{
		hostBase: hostBase{id: id, name: p.Name, typ: p.Type, flags: flags, kind: KindCustom},
		hook:     p.Host,
	}
}

func (h *customHost) CreateInstance(tc *asynctest.TestContext, node *TestNode, parent TestInstance) TestInstance {
	return &customInstance{instanceBase: instanceBase{host: h, parent: parent, node: node}}
}

// fixtureHost constructs the fixture instance. It is the innermost host of a
// fixture and the ancestor leaf invocations unwind to.
type fixtureHost struct {
	hostBase
	fixture *asynctest.Type
}

func newFixtureHost(t *asynctest.Type, continueOnError bool) *fixtureHost {
	flags := FlagBrowsable
	if continueOnError {
		flags |= FlagContinueOnError
	}
	return &fixtureHost{
		hostBase: hostBase{id: t.Name, name: t.Name, flags: flags, kind: KindFixture},
		fixture:  t,
	}
}

func (h *fixtureHost) CreateInstance(tc *asynctest.TestContext, node *TestNode, parent TestInstance) TestInstance {
	return &fixtureInstance{instanceBase: instanceBase{host: h, parent: parent, node: node}}
}

// forkedHost runs copies of its subtree concurrently.
type forkedHost struct {
	hostBase
	count int
}

func newForkedHost(id string, count int) *forkedHost {
	return &forkedHost{
		hostBase: hostBase{id: id, name: "fork", typ: reflect.TypeOf(0), flags: FlagHidden | FlagPathHidden | FlagContinueOnError, kind: KindForked},
		count:    count,
	}
}

func (h *forkedHost) CreateInstance(tc *asynctest.TestContext, node *TestNode, parent TestInstance) TestInstance {
	return &forkedInstance{instanceBase: instanceBase{host: h, parent: parent, node: node}}
}
