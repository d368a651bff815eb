package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/webtests/asynctest/asynctest"
)

// TestInstance is the per-run realization of a TestHost. Instances form a
// chain through their parents which mirrors the path being run.
type TestInstance interface {
	Host() TestHost
	Parent() TestInstance
	Node() *TestNode
	Initialize(ctx context.Context, tc *asynctest.TestContext) error
	Destroy(ctx context.Context, tc *asynctest.TestContext) error
}

// ParameterizedValue is the current value of a parameterized instance.
// Serialized is nil when the value's type has no serializer.
type ParameterizedValue struct {
	Value      any
	Serialized *asynctest.ParameterValue
}

// Display returns the value as shown in test names.
func (v ParameterizedValue) Display() string {
	if v.Serialized != nil {
		return v.Serialized.Value
	}
	return fmt.Sprint(v.Value)
}

// ParameterizedInstance enumerates the values of a parameterized host. It is
// a manual iterator so that invokers can walk back up the chain while it is
// suspended.
type ParameterizedInstance interface {
	TestInstance
	HasNext() bool
	MoveNext(tc *asynctest.TestContext) bool
	Current() ParameterizedValue
}

// ValueInstance is implemented by instances that produce a single value.
type ValueInstance interface {
	TestInstance
	Value() any
}

// Unwind walks up from instance to the first instance created by host. It
// returns nil if host is not on the chain.
func Unwind(instance TestInstance, host TestHost) TestInstance {
	for cur := instance; cur != nil; cur = cur.Parent() {
		if cur.Host() == host {
			return cur
		}
	}
	return nil
}

type instanceState int

const (
	stateUninitialized instanceState = iota
	stateInitialized
	stateDestroyed
)

type instanceBase struct {
	host   TestHost
	parent TestInstance
	node   *TestNode
	state  instanceState
}

func (i *instanceBase) Host() TestHost       { return i.host }
func (i *instanceBase) Parent() TestInstance { return i.parent }
func (i *instanceBase) Node() *TestNode      { return i.node }

func (i *instanceBase) pinned() *asynctest.ParameterValue {
	if i.node == nil {
		return nil
	}
	return i.node.Parameter
}

func (i *instanceBase) initialized() {
	if i.state != stateUninitialized {
		panic(internalErrorf("%s: initialized twice", i.host.Identifier()))
	}
	i.state = stateInitialized
}

func (i *instanceBase) mustBeInitialized() {
	if i.state != stateInitialized {
		panic(internalErrorf("%s: instance used outside of its lifetime", i.host.Identifier()))
	}
}

func (i *instanceBase) Destroy(ctx context.Context, tc *asynctest.TestContext) error {
	i.state = stateDestroyed
	return nil
}

func currentValue(tc *asynctest.TestContext, v any) ParameterizedValue {
	pv := ParameterizedValue{Value: v}
	if s, err := tc.Env().Serializers().Serialize(v); err == nil {
		pv.Serialized = &s
	}
	return pv
}

// parameterInstance enumerates the values of a parameterHost.
type parameterInstance struct {
	instanceBase
	values  []any
	pos     int
	current ParameterizedValue
}

func (i *parameterInstance) Initialize(ctx context.Context, tc *asynctest.TestContext) error {
	i.initialized()
	i.pos = -1
	if pv := i.pinned(); pv != nil {
		v, err := tc.Env().Serializers().Deserialize(*pv)
		if err != nil {
			return errors.Wrapf(err, "parameter %s", i.host.Name())
		}
		i.values = []any{v}
		return nil
	}
	h := i.host.(*parameterHost)
	i.values = h.source.GetParameters(tc, h.filter)
	return nil
}

func (i *parameterInstance) HasNext() bool {
	i.mustBeInitialized()
	return i.pos+1 < len(i.values)
}

func (i *parameterInstance) MoveNext(tc *asynctest.TestContext) bool {
	if !i.HasNext() {
		return false
	}
	i.pos++
	i.current = currentValue(tc, i.values[i.pos])
	return true
}

func (i *parameterInstance) Current() ParameterizedValue { return i.current }

// fixedInstance yields the value of a fixedValueHost once.
type fixedInstance struct {
	instanceBase
	moved bool
}

func (i *fixedInstance) Initialize(ctx context.Context, tc *asynctest.TestContext) error {
	i.initialized()
	return nil
}

func (i *fixedInstance) HasNext() bool {
	i.mustBeInitialized()
	return !i.moved
}

func (i *fixedInstance) MoveNext(tc *asynctest.TestContext) bool {
	if !i.HasNext() {
		return false
	}
	i.moved = true
	return true
}

func (i *fixedInstance) Current() ParameterizedValue {
	return ParameterizedValue{Value: i.host.(*fixedValueHost).value}
}

// repeatInstance counts from zero to the repeat count.
type repeatInstance struct {
	instanceBase
	index int
	last  int
}

func (i *repeatInstance) Initialize(ctx context.Context, tc *asynctest.TestContext) error {
	i.initialized()
	i.index = -1
	i.last = i.host.(*repeatHost).count - 1
	if pv := i.pinned(); pv != nil {
		n, err := strconv.Atoi(pv.Value)
		if err != nil {
			return errors.Wrap(err, "repeat index")
		}
		i.index, i.last = n-1, n
	}
	return nil
}

func (i *repeatInstance) HasNext() bool {
	i.mustBeInitialized()
	return i.index < i.last
}

func (i *repeatInstance) MoveNext(tc *asynctest.TestContext) bool {
	if !i.HasNext() {
		return false
	}
	i.index++
	return true
}

func (i *repeatInstance) Current() ParameterizedValue {
	return ParameterizedValue{
		Value:      i.index,
		Serialized: &asynctest.ParameterValue{Type: "int", Value: strconv.Itoa(i.index)},
	}
}

// customInstance holds the value created by a CustomHost.
type customInstance struct {
	instanceBase
	value   any
	created bool
}

func (i *customInstance) Initialize(ctx context.Context, tc *asynctest.TestContext) error {
	i.initialized()
	hook := i.host.(*customHost).hook
	v, err := hook.Create(ctx, tc)
	if err != nil {
		return errors.Wrapf(err, "%s: create", hook.Name)
	}
	i.value, i.created = v, true
	return nil
}

func (i *customInstance) Destroy(ctx context.Context, tc *asynctest.TestContext) error {
	i.state = stateDestroyed
	hook := i.host.(*customHost).hook
	if !i.created || hook.Destroy == nil {
		return nil
	}
	i.created = false
	if err := hook.Destroy(ctx, tc, i.value); err != nil {
		return errors.Wrapf(err, "%s: destroy", hook.Name)
	}
	return nil
}

func (i *customInstance) Value() any { return i.value }

// fixtureInstance owns the fixture object.
type fixtureInstance struct {
	instanceBase
	value any
	setUp bool
}

func (i *fixtureInstance) Initialize(ctx context.Context, tc *asynctest.TestContext) error {
	i.initialized()
	t := i.host.(*fixtureHost).fixture
	if t.New == nil {
		return nil
	}
	v, err := t.New(tc)
	if err != nil {
		return errors.Wrapf(err, "%s: constructor", t.Name)
	}
	i.value = v

	// Assign the properties expanded by the hosts above this one.
	for p := i.parent; p != nil; p = p.Parent() {
		switch h := p.Host().(type) {
		case *parameterHost:
			if h.set != nil {
				h.set(v, p.(ParameterizedInstance).Current().Value)
			}
		case *fixedValueHost:
			h.set(v, h.value)
		}
	}
	if s, ok := v.(asynctest.FixtureSetUp); ok {
		if err := s.SetUp(ctx, tc); err != nil {
			return errors.Wrapf(err, "%s: setup", t.Name)
		}
	}
	i.setUp = true
	return nil
}

func (i *fixtureInstance) Destroy(ctx context.Context, tc *asynctest.TestContext) error {
	i.state = stateDestroyed
	if !i.setUp {
		return nil
	}
	i.setUp = false
	if td, ok := i.value.(asynctest.FixtureTearDown); ok {
		return td.TearDown(ctx, tc)
	}
	return nil
}

func (i *fixtureInstance) Value() any { return i.value }

// forkedInstance is one concurrent copy of a forked subtree.
type forkedInstance struct {
	instanceBase
	index int
}

func (i *forkedInstance) Initialize(ctx context.Context, tc *asynctest.TestContext) error {
	i.initialized()
	return nil
}

func (i *forkedInstance) Value() any { return i.index }
