// Package selftest is the built-in test catalog. It exercises the test
// framework itself and the HTTP listener harness.
package selftest

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/webtests/asynctest/asynctest"
	"github.com/webtests/asynctest/internal/listener"
	"golang.org/x/sync/errgroup"
)

// Catalog features.
const (
	FeatureListener = "Listener"
	FeatureSlow     = "Slow"
)

// CategoryStress is an explicit category of long running tests.
var CategoryStress = asynctest.Category{Name: "Stress", Explicit: true}

// HandlerKind selects a listener scenario.
type HandlerKind int

const (
	HelloWorld HandlerKind = iota
	Redirect
	RedirectNewConnection
	BasicAuth
	Chunked
	PostEcho
)

var handlerKinds = []asynctest.EnumMember[HandlerKind]{
	{Name: "HelloWorld", Value: HelloWorld},
	{Name: "Redirect", Value: Redirect},
	{Name: "RedirectNewConnection", Value: RedirectNewConnection},
	{Name: "BasicAuth", Value: BasicAuth},
	{Name: "Chunked", Value: Chunked},
	{Name: "PostEcho", Value: PostEcho},
}

// Catalog returns the self-test catalog.
func Catalog() *asynctest.Catalog {
	c := asynctest.NewCatalog("selftest").
		AddCategory(CategoryStress).
		AddFeature(asynctest.Feature{Name: FeatureListener, Description: "HTTP listener tests", Default: true}).
		AddFeature(asynctest.Feature{Name: FeatureSlow, Description: "Tests which wait on timers"})
	c.Setup = setup
	c.Add(frameworkType()).Add(lifecycleType()).Add(listenerType())
	return c
}

func setup(env *asynctest.Env) error {
	ser := env.Serializers()
	if _, ok := ser.Lookup(reflect.TypeOf(HelloWorld)); !ok {
		asynctest.RegisterEnum(ser, handlerKinds...)
	}
	return nil
}

func static(name string, test *asynctest.TestAttribute, run func(call *asynctest.Call) error, params ...asynctest.Param) *asynctest.Method {
	if test == nil {
		test = &asynctest.TestAttribute{}
	}
	return &asynctest.Method{Name: name, Static: true, Test: test, Params: params, Run: run}
}

func frameworkType() *asynctest.Type {
	return &asynctest.Type{
		Name: "Framework",
		Description: `
			Checks how the engine expands, repeats and forks test methods.
			Every test passes when the framework behaves.`,
		Fixture: &asynctest.FixtureAttribute{},
		Methods: []*asynctest.Method{
			static("Bool", nil, func(call *asynctest.Call) error {
				tc := asynctest.Arg[*asynctest.TestContext](call, 0)
				tc.Logf("flag is %v", asynctest.Arg[bool](call, 1))
				return nil
			}, asynctest.TestContextParam(), asynctest.P[bool]("flag", nil)),

			static("Values", nil, func(call *asynctest.Call) error {
				tc := asynctest.Arg[*asynctest.TestContext](call, 0)
				n := asynctest.Arg[int](call, 1)
				tc.Expect(n > 0, "value %d is not positive", n)
				return nil
			}, asynctest.TestContextParam(), asynctest.P[int]("n", asynctest.Values(1, 2, 3))),

			static("Repeat", &asynctest.TestAttribute{Repeat: 3}, func(call *asynctest.Call) error {
				return nil
			}),

			static("Fork", &asynctest.TestAttribute{Fork: 2}, func(call *asynctest.Call) error {
				tc := asynctest.Arg[*asynctest.TestContext](call, 0)
				tc.Log("forked")
				return nil
			}, asynctest.TestContextParam()),

			static("Timeout", &asynctest.TestAttribute{Timeout: 5 * time.Second, Features: []string{FeatureSlow}}, func(call *asynctest.Call) error {
				ctx := asynctest.Arg[context.Context](call, 0)
				select {
				case <-time.After(50 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}, asynctest.ContextParam()),

			static("ExpectedError", &asynctest.TestAttribute{ExpectedError: asynctest.ErrorType[*ExpectedError]()}, func(call *asynctest.Call) error {
				return &ExpectedError{"raised on purpose"}
			}),
		},
	}
}

// ExpectedError is raised by a test which declares it as its expected
// error.
type ExpectedError struct{ Msg string }

func (e *ExpectedError) Error() string { return e.Msg }

// lifecycle is an instance fixture which checks the order of its hooks.
type lifecycle struct {
	setUp    bool
	runs     atomic.Int32
	tornDown bool
}

func (f *lifecycle) SetUp(ctx context.Context, tc *asynctest.TestContext) error {
	f.setUp = true
	return nil
}

func (f *lifecycle) TearDown(ctx context.Context, tc *asynctest.TestContext) error {
	if !f.setUp {
		return errors.New("torn down before set up")
	}
	f.tornDown = true
	tc.LogDebug(1, "fixture ran %d tests", f.runs.Load())
	return nil
}

func lifecycleType() *asynctest.Type {
	check := func(call *asynctest.Call) error {
		f := call.Fixture.(*lifecycle)
		if !f.setUp || f.tornDown {
			return errors.New("fixture is not set up")
		}
		f.runs.Add(1)
		return nil
	}
	return &asynctest.Type{
		Name: "Lifecycle",
		Description: `
			An instance fixture. 'SetUp' must run before each test and
			'TearDown' after the last one.`,
		Fixture: &asynctest.FixtureAttribute{},
		New: func(tc *asynctest.TestContext) (any, error) {
			return new(lifecycle), nil
		},
		Methods: []*asynctest.Method{
			{Name: "First", Description: "Runs on a fixture which is set up and not yet torn down.", Test: &asynctest.TestAttribute{}, Run: check},
			{Name: "Second", Test: &asynctest.TestAttribute{}, Run: check},
		},
	}
}

// listenerHost starts one listener for all tests of the fixture.
var listenerHost = &asynctest.CustomHost{
	Name: "listener",
	Create: func(ctx context.Context, tc *asynctest.TestContext) (any, error) {
		cfg := listener.ConfigFromSettings(tc.Settings())
		if cfg.ParallelConnections < 2 {
			cfg.ParallelConnections = 2
		}
		return listener.New(cfg, tc.Env().Log)
	},
	Destroy: func(ctx context.Context, tc *asynctest.TestContext, v any) error {
		return v.(*listener.Listener).Close()
	},
}

func listenerType() *asynctest.Type {
	return &asynctest.Type{
		Name: "Listener",
		Description: `
			Runs HTTP scenarios against a shared listener. The listener
			serves at least two connections at a time.`,
		Fixture: &asynctest.FixtureAttribute{Features: []string{FeatureListener}, Timeout: 30 * time.Second},
		Methods: []*asynctest.Method{
			static("Operation", nil, func(call *asynctest.Call) error {
				ctx := asynctest.Arg[context.Context](call, 0)
				l := asynctest.Arg[*listener.Listener](call, 1)
				h, client := Scenario(asynctest.Arg[HandlerKind](call, 2))
				return l.Run(ctx, h, client)
			}, asynctest.ContextParam(), asynctest.HostParam[*listener.Listener]("listener", listenerHost), asynctest.P[HandlerKind]("handler", nil)),

			static("Parallel", &asynctest.TestAttribute{Categories: []string{CategoryStress.Name}}, func(call *asynctest.Call) error {
				ctx := asynctest.Arg[context.Context](call, 0)
				tc := asynctest.Arg[*asynctest.TestContext](call, 1)
				l := asynctest.Arg[*listener.Listener](call, 2)
				return RunParallel(ctx, tc, l, 4*l.ParallelConnections())
			}, asynctest.ContextParam(), asynctest.TestContextParam(), asynctest.HostParam[*listener.Listener]("listener", listenerHost)),
		},
	}
}

// Scenario returns the server and client side of a listener scenario.
func Scenario(kind HandlerKind) (listener.Handler, listener.ClientFunc) {
	switch kind {
	case HelloWorld:
		return listener.HelloWorld, listener.GetText(listener.HelloWorldText)
	case Redirect:
		return &listener.Redirect{}, listener.GetText(listener.HelloWorldText)
	case RedirectNewConnection:
		return &listener.Redirect{Code: http.StatusTemporaryRedirect, Close: true}, listener.GetText(listener.HelloWorldText)
	case BasicAuth:
		return &listener.BasicAuth{Username: "user", Password: "secret"}, listener.Authenticate("user", "secret", listener.HelloWorldText)
	case Chunked:
		return &listener.Chunked{Chunks: []string{"Hello", " ", "World"}}, listener.GetText(listener.HelloWorldText)
	case PostEcho:
		return listener.PostEcho, listener.PostText("the quick brown fox")
	}
	panic(fmt.Sprintf("selftest: unknown handler kind %d", kind))
}

// RunParallel runs n operations of every scenario concurrently and checks
// that the listener never exceeded its connection limit.
func RunParallel(ctx context.Context, tc *asynctest.TestContext, l *listener.Listener, n int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		kind := handlerKinds[i%len(handlerKinds)].Value
		g.Go(func() error {
			h, client := Scenario(kind)
			return errors.Wrapf(l.Run(ctx, h, client), "operation %d", i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	tc.Logf("%d operations, peak of %d connections", n, l.Peak())
	if peak := l.Peak(); peak > l.ParallelConnections() {
		return errors.Errorf("%d live connections exceed the limit of %d", peak, l.ParallelConnections())
	}
	return nil
}
