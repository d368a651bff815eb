package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webtests/asynctest/asynctest"
	"gopkg.in/inconshreveable/log15.v2"
)

// recorder collects events from test bodies and fixture hooks.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newSuite(t *testing.T, catalog *asynctest.Catalog, settings map[string]string) *Suite {
	t.Helper()
	env := asynctest.NewEnv(settings)
	env.Log = log15.New()
	env.Log.SetHandler(log15.DiscardHandler())
	s, err := NewSuite(env, catalog)
	require.NoError(t, err)
	return s
}

func runAll(t *testing.T, s *Suite) *asynctest.TestResult {
	t.Helper()
	root, err := s.RootTestCase(context.Background())
	require.NoError(t, err)
	result, err := s.Run(context.Background(), root, nil)
	require.NoError(t, err)
	return result
}

func leafStatus(result *asynctest.TestResult) map[string]asynctest.TestStatus {
	out := make(map[string]asynctest.TestStatus)
	for _, l := range result.Leaves() {
		out[l.Name.String()] = l.CurrentStatus()
	}
	return out
}

func staticMethod(name string, test *asynctest.TestAttribute, run func(call *asynctest.Call) error, params ...asynctest.Param) *asynctest.Method {
	if test == nil {
		test = &asynctest.TestAttribute{}
	}
	return &asynctest.Method{Name: name, Static: true, Test: test, Params: params, Run: run}
}

func flagsCatalog(rec *recorder) *asynctest.Catalog {
	return asynctest.NewCatalog("engine").Add(&asynctest.Type{
		Name:    "Flags",
		Fixture: &asynctest.FixtureAttribute{},
		Methods: []*asynctest.Method{
			staticMethod("Run", nil, func(call *asynctest.Call) error {
				rec.add("run %v", asynctest.Arg[bool](call, 1))
				return nil
			}, asynctest.ContextParam(), asynctest.P[bool]("flag", nil)),
		},
	})
}

func TestBoolParameterExpansion(t *testing.T) {
	rec := new(recorder)
	s := newSuite(t, flagsCatalog(rec), nil)
	result := runAll(t, s)

	want := map[string]asynctest.TestStatus{
		"Flags.Run(flag=false)": asynctest.StatusSuccess,
		"Flags.Run(flag=true)":  asynctest.StatusSuccess,
	}
	if got := leafStatus(result); !assert.Equal(t, want, got) {
		t.Log("result tree:", spew.Sdump(result))
	}
	assert.Equal(t, []string{"run false", "run true"}, rec.get())
	assert.Equal(t, asynctest.StatusSuccess, result.Status)
}

func TestBuilderIdempotence(t *testing.T) {
	s := newSuite(t, flagsCatalog(new(recorder)), nil)
	first := s.Root().Children()
	second := s.Root().Children()
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Same(t, first[0], second[0])

	methods := first[0].Children()
	assert.Same(t, methods[0], first[0].Children()[0])
	assert.Same(t, first[0].Filter(), first[0].Filter())
}

func expectInternalError(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if _, ok := r.(*InternalError); !ok {
			t.Fatalf("expected *InternalError panic, got %#v", r)
		}
	}()
	fn()
}

func TestMixedStaticAndInstanceMethods(t *testing.T) {
	catalog := asynctest.NewCatalog("engine").Add(&asynctest.Type{
		Name:    "Mixed",
		Fixture: &asynctest.FixtureAttribute{},
		New:     func(tc *asynctest.TestContext) (any, error) { return struct{}{}, nil },
		Methods: []*asynctest.Method{
			staticMethod("Static", nil, func(*asynctest.Call) error { return nil }),
			{Name: "Instance", Test: &asynctest.TestAttribute{}, Run: func(*asynctest.Call) error { return nil }},
		},
	})
	s := newSuite(t, catalog, nil)
	fixtures := s.Root().Children()
	require.Len(t, fixtures, 1)
	expectInternalError(t, func() { fixtures[0].Children() })
}

func TestTimeout(t *testing.T) {
	catalog := asynctest.NewCatalog("engine").Add(&asynctest.Type{
		Name:    "Slow",
		Fixture: &asynctest.FixtureAttribute{},
		Methods: []*asynctest.Method{
			staticMethod("Wait", &asynctest.TestAttribute{Timeout: 100 * time.Millisecond}, func(call *asynctest.Call) error {
				<-call.Context.Done()
				return call.Context.Err()
			}, asynctest.ContextParam()),
			staticMethod("Quick", nil, func(*asynctest.Call) error { return nil }),
		},
	})
	s := newSuite(t, catalog, nil)

	start := time.Now()
	result := runAll(t, s)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, map[string]asynctest.TestStatus{
		"Slow.Wait":  asynctest.StatusError,
		"Slow.Quick": asynctest.StatusSuccess,
	}, leafStatus(result))
}

func TestDisableTimeouts(t *testing.T) {
	catalog := asynctest.NewCatalog("engine").Add(&asynctest.Type{
		Name:    "Sleepy",
		Fixture: &asynctest.FixtureAttribute{Timeout: 10 * time.Millisecond},
		Methods: []*asynctest.Method{
			staticMethod("Sleep", nil, func(call *asynctest.Call) error {
				time.Sleep(50 * time.Millisecond)
				return nil
			}),
		},
	})
	s := newSuite(t, catalog, map[string]string{asynctest.SettingDisableTimeouts: "true"})
	assert.Equal(t, map[string]asynctest.TestStatus{"Sleepy.Sleep": asynctest.StatusSuccess}, leafStatus(runAll(t, s)))
}

type codeError struct{ code int }

func (e *codeError) Error() string { return fmt.Sprintf("code %d", e.code) }

func TestExpectedError(t *testing.T) {
	expect := &asynctest.TestAttribute{ExpectedError: asynctest.ErrorType[*codeError]()}
	catalog := asynctest.NewCatalog("engine").Add(&asynctest.Type{
		Name:    "Expect",
		Fixture: &asynctest.FixtureAttribute{},
		Methods: []*asynctest.Method{
			staticMethod("Direct", expect, func(*asynctest.Call) error { return &codeError{1} }),
			staticMethod("Wrapped", expect, func(*asynctest.Call) error { return fmt.Errorf("wrapped: %w", &codeError{2}) }),
			staticMethod("WrappedWithStack", expect, func(*asynctest.Call) error { return errors.Wrap(&codeError{3}, "context") }),
			staticMethod("WithStack", expect, func(*asynctest.Call) error { return errors.WithStack(&codeError{4}) }),
			staticMethod("TwoLevels", expect, func(*asynctest.Call) error {
				return errors.Wrap(errors.Wrap(&codeError{5}, "inner"), "outer")
			}),
			staticMethod("Missing", expect, func(*asynctest.Call) error { return nil }),
			staticMethod("Wrong", expect, func(*asynctest.Call) error { return errors.New("other") }),
		},
	})
	s := newSuite(t, catalog, nil)
	assert.Equal(t, map[string]asynctest.TestStatus{
		"Expect.Direct":           asynctest.StatusSuccess,
		"Expect.Wrapped":          asynctest.StatusSuccess,
		"Expect.WrappedWithStack": asynctest.StatusSuccess,
		"Expect.WithStack":        asynctest.StatusSuccess,
		"Expect.TwoLevels":        asynctest.StatusError,
		"Expect.Missing":          asynctest.StatusError,
		"Expect.Wrong":            asynctest.StatusError,
	}, leafStatus(runAll(t, s)))
}

func TestPanicAndFailNow(t *testing.T) {
	rec := new(recorder)
	catalog := asynctest.NewCatalog("engine").Add(&asynctest.Type{
		Name:    "Broken",
		Fixture: &asynctest.FixtureAttribute{},
		Methods: []*asynctest.Method{
			staticMethod("Panic", nil, func(*asynctest.Call) error { panic("boom") }),
			staticMethod("Fatal", nil, func(call *asynctest.Call) error {
				call.Test.Fatal("stop here")
				rec.add("unreachable")
				return nil
			}),
			staticMethod("Fine", nil, func(*asynctest.Call) error {
				rec.add("fine")
				return nil
			}),
		},
	})
	s := newSuite(t, catalog, nil)
	result := runAll(t, s)
	assert.Equal(t, map[string]asynctest.TestStatus{
		"Broken.Panic": asynctest.StatusError,
		"Broken.Fatal": asynctest.StatusError,
		"Broken.Fine":  asynctest.StatusSuccess,
	}, leafStatus(result))
	assert.Equal(t, []string{"fine"}, rec.get())
	assert.Equal(t, asynctest.StatusError, result.Status)
}

type lifecycleFixture struct {
	rec  *recorder
	mode string
}

func (f *lifecycleFixture) SetUp(ctx context.Context, tc *asynctest.TestContext) error {
	f.rec.add("setup %s", f.mode)
	return nil
}

func (f *lifecycleFixture) TearDown(ctx context.Context, tc *asynctest.TestContext) error {
	f.rec.add("teardown %s", f.mode)
	return nil
}

func (f *lifecycleFixture) PreRun(ctx context.Context, tc *asynctest.TestContext) error {
	f.rec.add("prerun")
	return nil
}

func (f *lifecycleFixture) PostRun(ctx context.Context, tc *asynctest.TestContext) error {
	f.rec.add("postrun")
	return nil
}

func lifecycleCatalog(rec *recorder, fail bool) *asynctest.Catalog {
	return asynctest.NewCatalog("engine").Add(&asynctest.Type{
		Name:    "Lifecycle",
		Fixture: &asynctest.FixtureAttribute{},
		New: func(tc *asynctest.TestContext) (any, error) {
			rec.add("new")
			return &lifecycleFixture{rec: rec}, nil
		},
		Properties: []*asynctest.Property{
			asynctest.Prop[string]("mode", asynctest.Values("a", "b"), func(f any, v string) {
				f.(*lifecycleFixture).mode = v
			}),
		},
		Methods: []*asynctest.Method{{
			Name: "Check",
			Test: &asynctest.TestAttribute{},
			Run: func(call *asynctest.Call) error {
				f := call.Fixture.(*lifecycleFixture)
				rec.add("test %s", f.mode)
				if fail {
					return errors.New("failed")
				}
				return nil
			},
		}},
	})
}

func TestFixtureLifecycle(t *testing.T) {
	rec := new(recorder)
	s := newSuite(t, lifecycleCatalog(rec, false), nil)
	result := runAll(t, s)

	assert.Equal(t, map[string]asynctest.TestStatus{
		"Lifecycle.Check(mode=a)": asynctest.StatusSuccess,
		"Lifecycle.Check(mode=b)": asynctest.StatusSuccess,
	}, leafStatus(result))
	assert.Equal(t, []string{
		"new", "setup a", "prerun", "test a", "postrun", "teardown a",
		"new", "setup b", "prerun", "test b", "postrun", "teardown b",
	}, rec.get())
}

func TestPostRunAfterFailure(t *testing.T) {
	rec := new(recorder)
	s := newSuite(t, lifecycleCatalog(rec, true), nil)
	result := runAll(t, s)
	assert.Equal(t, asynctest.StatusError, result.Status)
	assert.Contains(t, rec.get(), "postrun")
	assert.Contains(t, rec.get(), "teardown b")
}

func TestStopOnError(t *testing.T) {
	rec := new(recorder)
	catalog := asynctest.NewCatalog("engine").Add(&asynctest.Type{
		Name:    "Strict",
		Fixture: &asynctest.FixtureAttribute{StopOnError: true},
		Methods: []*asynctest.Method{
			staticMethod("First", nil, func(*asynctest.Call) error { return errors.New("first") }),
			staticMethod("Second", nil, func(*asynctest.Call) error {
				rec.add("second")
				return nil
			}),
		},
	})
	s := newSuite(t, catalog, nil)
	runAll(t, s)
	assert.Empty(t, rec.get())
}

func categoryCatalog(rec *recorder) *asynctest.Catalog {
	return asynctest.NewCatalog("engine").
		AddCategory(asynctest.Category{Name: "Slow", Explicit: true}).
		AddCategory(asynctest.Category{Name: "Net"}).
		AddFeature(asynctest.Feature{Name: "SSL", Default: true}).
		Add(&asynctest.Type{
			Name:    "Heavy",
			Fixture: &asynctest.FixtureAttribute{Categories: []string{"Slow"}},
			Methods: []*asynctest.Method{
				staticMethod("Run", nil, func(*asynctest.Call) error { rec.add("heavy"); return nil }),
			},
		}).
		Add(&asynctest.Type{
			Name:    "Light",
			Fixture: &asynctest.FixtureAttribute{},
			Methods: []*asynctest.Method{
				staticMethod("Plain", nil, func(*asynctest.Call) error { rec.add("plain"); return nil }),
				staticMethod("Net", &asynctest.TestAttribute{Categories: []string{"Net"}}, func(*asynctest.Call) error { rec.add("net"); return nil }),
				staticMethod("Secure", &asynctest.TestAttribute{Features: []string{"SSL"}}, func(*asynctest.Call) error { rec.add("secure"); return nil }),
			},
		})
}

func TestCategoryAndFeatureFilter(t *testing.T) {
	tests := []struct {
		settings map[string]string
		want     []string
	}{
		{nil, []string{"plain", "net", "secure"}},
		{map[string]string{"Category": "Slow"}, []string{"heavy"}},
		{map[string]string{"Category": "Net"}, []string{"net"}},
		{map[string]string{"Feature.SSL": "false"}, []string{"plain", "net"}},
	}
	for _, test := range tests {
		rec := new(recorder)
		s := newSuite(t, categoryCatalog(rec), test.settings)
		runAll(t, s)
		assert.Equal(t, test.want, rec.get(), "settings %v", test.settings)
	}
}

func TestSkipThisTest(t *testing.T) {
	catalog := asynctest.NewCatalog("engine").Add(&asynctest.Type{
		Name:    "Empty",
		Fixture: &asynctest.FixtureAttribute{},
		Methods: []*asynctest.Method{{Name: "Helper", Static: true}},
	})
	s := newSuite(t, catalog, nil)
	fixture := s.Root().Children()[0]
	assert.True(t, fixture.SkipThisTest())
	assert.False(t, s.Root().SkipThisTest())
	assert.False(t, s.Root().RunFilter(s.newContext(nil)))
}

// Invoke must return false exactly when the context has a pending error.
func TestInvokeStatusConsistency(t *testing.T) {
	catalogs := []*asynctest.Catalog{
		flagsCatalog(new(recorder)),
		lifecycleCatalog(new(recorder), false),
		lifecycleCatalog(new(recorder), true),
		categoryCatalog(new(recorder)),
	}
	for _, catalog := range catalogs {
		s := newSuite(t, catalog, nil)
		root, err := s.RootTestCase(context.Background())
		require.NoError(t, err)
		invoker, err := s.createInvoker(root)
		require.NoError(t, err)
		tc := s.newContext(nil)
		ok := invoker.Invoke(context.Background(), tc, nil)
		assert.Equal(t, !tc.HasPendingException(), ok)
	}
}

func TestCanceledRun(t *testing.T) {
	catalog := asynctest.NewCatalog("engine").Add(&asynctest.Type{
		Name:    "Block",
		Fixture: &asynctest.FixtureAttribute{},
		Methods: []*asynctest.Method{
			staticMethod("Wait", nil, func(call *asynctest.Call) error {
				<-call.Context.Done()
				return call.Context.Err()
			}, asynctest.ContextParam()),
		},
	})
	s := newSuite(t, catalog, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)
	root, err := s.RootTestCase(ctx)
	require.NoError(t, err)
	result, err := s.Run(ctx, root, nil)
	require.NoError(t, err)
	assert.Equal(t, asynctest.StatusCanceled, result.Status)
}

func TestPinnedParameterRerun(t *testing.T) {
	rec := new(recorder)
	s := newSuite(t, flagsCatalog(rec), nil)
	ctx := context.Background()

	root, err := s.RootTestCase(ctx)
	require.NoError(t, err)
	all, err := Flatten(func(tc *TestCase) ([]*TestCase, error) { return s.Children(ctx, tc) }, root)
	require.NoError(t, err)

	var names []string
	for _, c := range all {
		names = append(names, c.String())
	}
	assert.Equal(t, []string{"", "Flags", "Flags.Run", "Flags.Run(flag=false)", "Flags.Run(flag=true)"}, names)

	// Resolve the last one from its path alone, as a remote client would.
	pinned, err := s.Resolve(ctx, all[len(all)-1].Path)
	require.NoError(t, err)
	assert.False(t, pinned.HasChildren)
	result, err := s.Run(ctx, pinned, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"run true"}, rec.get())
	leaves := result.Leaves()
	require.Len(t, leaves, 1)
	assert.Equal(t, "Flags.Run(flag=true)", leaves[0].Path.String())
}

func TestResolveUnknownPath(t *testing.T) {
	s := newSuite(t, flagsCatalog(new(recorder)), nil)
	path := s.Root().Path().Append(asynctest.PathNode{Identifier: "Nope", Name: "Nope"})
	_, err := s.Resolve(context.Background(), path)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestForkedTest(t *testing.T) {
	rec := new(recorder)
	catalog := asynctest.NewCatalog("engine").Add(&asynctest.Type{
		Name:    "Forked",
		Fixture: &asynctest.FixtureAttribute{},
		Methods: []*asynctest.Method{
			staticMethod("Run", &asynctest.TestAttribute{Fork: 3}, func(*asynctest.Call) error {
				rec.add("run")
				return nil
			}),
		},
	})
	s := newSuite(t, catalog, nil)
	result := runAll(t, s)
	assert.Len(t, rec.get(), 3)
	assert.Len(t, result.Leaves(), 3)
	assert.Equal(t, asynctest.StatusSuccess, result.Status)
}

func TestRepeat(t *testing.T) {
	rec := new(recorder)
	catalog := asynctest.NewCatalog("engine").Add(&asynctest.Type{
		Name:    "Again",
		Fixture: &asynctest.FixtureAttribute{},
		Methods: []*asynctest.Method{
			staticMethod("Run", &asynctest.TestAttribute{Repeat: 4}, func(*asynctest.Call) error {
				rec.add("run")
				return nil
			}),
		},
	})
	s := newSuite(t, catalog, nil)
	result := runAll(t, s)
	assert.Len(t, rec.get(), 4)
	for _, l := range result.Leaves() {
		// The repeat index is a hidden parameter.
		assert.Equal(t, "Again.Run", l.Name.String())
	}
}

func TestRepeatSetting(t *testing.T) {
	rec := new(recorder)
	catalog := asynctest.NewCatalog("engine").
		Add(&asynctest.Type{
			Name:    "Again",
			Fixture: &asynctest.FixtureAttribute{},
			Methods: []*asynctest.Method{
				staticMethod("Plain", nil, func(*asynctest.Call) error {
					rec.add("plain")
					return nil
				}),
				staticMethod("Own", &asynctest.TestAttribute{Repeat: 2}, func(*asynctest.Call) error {
					rec.add("own")
					return nil
				}),
			},
		}).
		Add(&asynctest.Type{
			Name:    "Fixed",
			Fixture: &asynctest.FixtureAttribute{Repeat: 1},
			Methods: []*asynctest.Method{
				staticMethod("Run", nil, func(*asynctest.Call) error {
					rec.add("fixed")
					return nil
				}),
			},
		})
	s := newSuite(t, catalog, map[string]string{asynctest.SettingRepeat: "3"})
	result := runAll(t, s)
	require.Equal(t, asynctest.StatusSuccess, result.Status)

	counts := make(map[string]int)
	for _, e := range rec.get() {
		counts[e]++
	}
	assert.Equal(t, map[string]int{"plain": 3, "own": 2, "fixed": 1}, counts)
}

func TestCustomHost(t *testing.T) {
	rec := new(recorder)
	server := &asynctest.CustomHost{
		Name: "server",
		Create: func(ctx context.Context, tc *asynctest.TestContext) (any, error) {
			rec.add("create")
			return "http://127.0.0.1:1", nil
		},
		Destroy: func(ctx context.Context, tc *asynctest.TestContext, v any) error {
			rec.add("destroy")
			return nil
		},
	}
	catalog := asynctest.NewCatalog("engine").Add(&asynctest.Type{
		Name:    "Hosted",
		Fixture: &asynctest.FixtureAttribute{},
		Methods: []*asynctest.Method{
			staticMethod("Run", nil, func(call *asynctest.Call) error {
				rec.add("run %s %v", asynctest.Arg[string](call, 1), asynctest.Arg[bool](call, 2))
				return nil
			}, asynctest.TestContextParam(), asynctest.HostParam[string]("url", server), asynctest.P[bool]("flag", nil)),
		},
	})
	s := newSuite(t, catalog, nil)
	runAll(t, s)
	assert.Equal(t, []string{
		"create",
		"run http://127.0.0.1:1 false",
		"run http://127.0.0.1:1 true",
		"destroy",
	}, rec.get())
}
