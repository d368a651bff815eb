package engine

import (
	"context"
	"reflect"
	"runtime"

	"github.com/pkg/errors"
	"github.com/webtests/asynctest/asynctest"
)

// methodInvoker calls a test method. The arguments are rebuilt from the
// instance chain between the leaf and the fixture instance.
type methodInvoker struct {
	method  *asynctest.Method
	fixture TestHost
}

func (mi *methodInvoker) Invoke(ctx context.Context, tc *asynctest.TestContext, instance TestInstance) bool {
	call := mi.buildCall(ctx, tc, instance)
	finished, err := runBody(ctx, tc, mi.method.Run, call)
	if !finished {
		if ctx.Err() == context.DeadlineExceeded {
			tc.OnError(errors.Errorf("%s: test timed out", tc.Name()))
		} else {
			tc.OnCanceled()
		}
		return false
	}
	mi.checkResult(tc, err)
	return !tc.HasPendingException()
}

func (mi *methodInvoker) checkResult(tc *asynctest.TestContext, err error) {
	expected := mi.method.Test.ExpectedError
	if expected == nil {
		tc.OnError(err)
		return
	}
	switch {
	case err == nil:
		tc.OnError(errors.Errorf("expected error of type %v, but the test succeeded", expected))
	case errorMatches(err, expected):
		tc.LogDebug(1, "got expected error: %v", err)
	default:
		tc.OnError(errors.Errorf("expected error of type %v, got %T: %v", expected, err, err))
	}
}

// errorMatches reports whether err, or the error it wraps, has a dynamic type
// assignable to expected.
func errorMatches(err error, expected reflect.Type) bool {
	if reflect.TypeOf(err).AssignableTo(expected) {
		return true
	}
	if inner := unwrapOnce(err); inner != nil {
		return reflect.TypeOf(inner).AssignableTo(expected)
	}
	return false
}

var pkgErrorsPath = reflect.TypeOf(errors.New("")).Elem().PkgPath()

// unwrapOnce removes one level of wrapping. errors.Wrap stores its message
// and its stack trace in two nested values, which count as one level.
func unwrapOnce(err error) error {
	inner := errors.Unwrap(err)
	if inner == nil {
		return nil
	}
	if _, ok := err.(interface{ StackTrace() errors.StackTrace }); !ok {
		return inner
	}
	if t := reflect.TypeOf(inner); t.Kind() == reflect.Pointer && t.Elem().PkgPath() == pkgErrorsPath && t.Elem().Name() == "withMessage" {
		if cause := errors.Unwrap(inner); cause != nil {
			return cause
		}
	}
	return inner
}

// runBody runs the test function on its own goroutine so that FailNow and
// panics end only the test body. It returns finished=false if ctx ended
// before the body returned.
func runBody(ctx context.Context, tc *asynctest.TestContext, run func(*asynctest.Call) error, call *asynctest.Call) (finished bool, err error) {
	var result error
	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				i := runtime.Stack(buf, false)
				tc.LogDebug(1, "panic: %v\n\n%s", r, buf[:i])
				result = errors.Errorf("panic: %v", r)
			}
			close(done)
		}()
		result = run(call)
	}()
	select {
	case <-done:
		return true, result
	case <-ctx.Done():
		return false, nil
	}
}

// buildCall reconstructs the argument list. Context parameters are filled by
// type, every other parameter takes the next value of the chain, in
// declaration order.
func (mi *methodInvoker) buildCall(ctx context.Context, tc *asynctest.TestContext, instance TestInstance) *asynctest.Call {
	var values []TestInstance
	var fixture any
	for cur := instance; cur != nil; cur = cur.Parent() {
		if cur.Host() == mi.fixture {
			if fi, ok := cur.(ValueInstance); ok {
				fixture = fi.Value()
			}
			break
		}
		switch cur.Host().Kind() {
		case KindParameter, KindCustom:
			values = append(values, cur)
		}
	}

	call := &asynctest.Call{Context: ctx, Test: tc, Fixture: fixture}
	next := len(values) - 1
	for _, p := range mi.method.Params {
		switch p.Type {
		case asynctest.ContextType:
			call.Args = append(call.Args, ctx)
			continue
		case asynctest.TestContextType:
			call.Args = append(call.Args, tc)
			continue
		}
		if next < 0 {
			panic(internalErrorf("%s: no value for parameter %s", mi.method.Name, p.Name))
		}
		inst := values[next]
		next--
		if inst.Host().Name() != p.Name {
			panic(internalErrorf("%s: parameter %s bound to host %s", mi.method.Name, p.Name, inst.Host().Identifier()))
		}
		v := instanceValue(inst)
		if !assignable(v, p.Type) {
			panic(internalErrorf("%s: parameter %s has type %v, host produced %T", mi.method.Name, p.Name, p.Type, v))
		}
		call.Args = append(call.Args, v)
	}
	if next >= 0 {
		panic(internalErrorf("%s: %d unused parameter values", mi.method.Name, next+1))
	}
	return call
}

func instanceValue(inst TestInstance) any {
	switch i := inst.(type) {
	case ParameterizedInstance:
		return i.Current().Value
	case ValueInstance:
		return i.Value()
	}
	panic(internalErrorf("%s does not produce a value", inst.Host().Identifier()))
}

func assignable(v any, t reflect.Type) bool {
	if v == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return true
		}
		return false
	}
	return reflect.TypeOf(v).AssignableTo(t)
}
