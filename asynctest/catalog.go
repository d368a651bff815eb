package asynctest

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// Catalog is the registration-based equivalent of a test assembly. Test
// code adds type descriptors at startup; the engine never inspects Go types
// beyond what is declared here.
type Catalog struct {
	Name       string
	Types      []*Type
	Categories []Category
	Features   []Feature

	// Setup registers additional providers and serializers before the
	// catalog is resolved.
	Setup func(env *Env) error
}

// NewCatalog creates an empty catalog.
func NewCatalog(name string) *Catalog {
	return &Catalog{Name: name}
}

// Add adds a type to the catalog.
func (c *Catalog) Add(t *Type) *Catalog {
	c.Types = append(c.Types, t)
	return c
}

// AddCategory declares a category.
func (c *Catalog) AddCategory(cat Category) *Catalog {
	c.Categories = append(c.Categories, cat)
	return c
}

// AddFeature declares a feature.
func (c *Catalog) AddFeature(f Feature) *Catalog {
	c.Features = append(c.Features, f)
	return c
}

// Type describes a test class. A type is a fixture when it or one of its
// base types has a FixtureAttribute. Methods and properties are inherited
// from base types.
type Type struct {
	Name string
	// Description is shown in generated documentation. It may be an
	// indented raw string literal.
	Description string
	Base        *Type
	// Unexported types are skipped when the catalog is enumerated; they can
	// still serve as base types.
	Unexported bool
	Fixture    *FixtureAttribute

	// New constructs the fixture instance. Fixtures with only static test
	// methods leave it nil.
	New func(tc *TestContext) (any, error)

	Methods         []*Method
	Properties      []*Property
	FixedParameters []*FixedParameter
}

// FixtureAttributeOf returns the fixture attribute of t, walking base types.
func (t *Type) FixtureAttributeOf() *FixtureAttribute {
	for cur := t; cur != nil; cur = cur.Base {
		if cur.Fixture != nil {
			return cur.Fixture
		}
	}
	return nil
}

// FixtureAttribute marks a fixture type.
type FixtureAttribute struct {
	Categories []string
	Features   []string
	// Timeout applies to every test method that doesn't declare its own.
	Timeout time.Duration
	Repeat  int
	// Explicit fixtures only run when their category is selected.
	Explicit bool
	// StopOnError stops running further tests of the fixture after the
	// first failure.
	StopOnError bool
}

// TestAttribute marks a test method.
type TestAttribute struct {
	Categories []string
	Features   []string
	Timeout    time.Duration
	Repeat     int
	Explicit   bool
	// Fork runs the test this many times concurrently.
	Fork int
	// ExpectedError is the error type the test must fail with.
	ExpectedError reflect.Type
}

// Method describes a method of a type. Only methods with a TestAttribute are
// test methods.
type Method struct {
	Name        string
	Description string
	Static      bool
	Test        *TestAttribute
	Params      []Param
	Run         func(call *Call) error
}

// Param describes a declared method parameter. Parameters of type
// context.Context and *TestContext are supplied by the engine; all others are
// expanded from Source, from the default source registered for Type, or
// produced by Host.
type Param struct {
	Name   string
	Type   reflect.Type
	Source ParameterSource
	Filter string
	Hidden bool
	Host   *CustomHost
}

// CustomHost produces a single value for the duration of a subtree, for
// instance a server the test talks to.
type CustomHost struct {
	Name    string
	Create  func(ctx context.Context, tc *TestContext) (any, error)
	Destroy func(ctx context.Context, tc *TestContext, value any) error
}

// Property is a fixture property that is expanded like a parameter and
// assigned before the fixture's SetUp runs.
type Property struct {
	Name   string
	Type   reflect.Type
	Source ParameterSource
	Filter string
	Hidden bool
	Set    func(fixture any, value any)
}

// FixedParameter assigns a fixed value to a property of every instance of
// the fixture.
type FixedParameter struct {
	Property string
	Value    any
}

// Call carries the arguments of a test method invocation. Args is in
// declaration order and includes the context parameters.
type Call struct {
	Context context.Context
	Test    *TestContext
	Fixture any
	Args    []any
}

// Arg returns argument i converted to T.
func Arg[T any](call *Call, i int) T {
	v, ok := call.Args[i].(T)
	if !ok {
		panic(fmt.Sprintf("asynctest: argument %d is %T, not %v", i, call.Args[i], typeOf[T]()))
	}
	return v
}

var (
	// ContextType is the type of context.Context parameters.
	ContextType = typeOf[context.Context]()
	// TestContextType is the type of *TestContext parameters.
	TestContextType = typeOf[*TestContext]()
)

// P declares a parameter of type T.
func P[T any](name string, source ParameterSource) Param {
	return Param{Name: name, Type: typeOf[T](), Source: source}
}

// ContextParam declares a context.Context parameter.
func ContextParam() Param {
	return Param{Name: "ctx", Type: ContextType}
}

// TestContextParam declares a *TestContext parameter.
func TestContextParam() Param {
	return Param{Name: "tc", Type: TestContextType}
}

// HostParam declares a parameter produced by a custom host.
func HostParam[T any](name string, host *CustomHost) Param {
	return Param{Name: name, Type: typeOf[T](), Host: host}
}

// Prop declares a fixture property of type T.
func Prop[T any](name string, source ParameterSource, set func(fixture any, value T)) *Property {
	return &Property{
		Name:   name,
		Type:   typeOf[T](),
		Source: source,
		Set: func(fixture any, value any) {
			set(fixture, value.(T))
		},
	}
}

// ErrorType returns the reflect.Type of E, for TestAttribute.ExpectedError.
func ErrorType[E error]() reflect.Type {
	return typeOf[E]()
}

// Hooks a fixture instance may implement.
type (
	// FixtureSetUp runs after the fixture instance is constructed.
	FixtureSetUp interface {
		SetUp(ctx context.Context, tc *TestContext) error
	}
	// FixtureTearDown runs when the fixture instance is destroyed.
	FixtureTearDown interface {
		TearDown(ctx context.Context, tc *TestContext) error
	}
	// PreRunHook runs before each test method invocation.
	PreRunHook interface {
		PreRun(ctx context.Context, tc *TestContext) error
	}
	// PostRunHook runs after each test method invocation, even a failed one.
	PostRunHook interface {
		PostRun(ctx context.Context, tc *TestContext) error
	}
)
