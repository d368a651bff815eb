package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/webtests/asynctest/asynctest"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout applies to test methods that don't declare a timeout.
const DefaultTimeout = 30 * time.Second

// TestInvoker is one stage of the invocation pipeline. Invoke returns false
// if and only if tc has recorded an error or cancellation when it returns.
type TestInvoker interface {
	Invoke(ctx context.Context, tc *asynctest.TestContext, instance TestInstance) bool
}

// InvokerFunc adapts a function to TestInvoker.
type InvokerFunc func(ctx context.Context, tc *asynctest.TestContext, instance TestInstance) bool

func (f InvokerFunc) Invoke(ctx context.Context, tc *asynctest.TestContext, instance TestInstance) bool {
	return f(ctx, tc, instance)
}

// hostInvoker creates the instance of a host, enumerates it if it is
// parameterized and runs inner once per value.
type hostInvoker struct {
	host  TestHost
	node  *TestNode
	inner TestInvoker
}

func (hi *hostInvoker) Invoke(ctx context.Context, tc *asynctest.TestContext, parent TestInstance) bool {
	instance := hi.host.CreateInstance(tc, hi.node, parent)
	defer func() {
		if err := instance.Destroy(ctx, tc); err != nil {
			tc.OnError(err)
		}
	}()
	if err := instance.Initialize(ctx, tc); err != nil {
		tc.OnError(err)
		return false
	}

	p, ok := instance.(ParameterizedInstance)
	if !ok {
		hi.inner.Invoke(ctx, tc, instance)
		return !tc.HasPendingException()
	}

	continueOnError := hi.host.Flags().Has(FlagContinueOnError)
	count := 0
	for p.HasNext() {
		if ctx.Err() != nil {
			tc.OnCanceled()
			break
		}
		if !p.MoveNext(tc) {
			break
		}
		count++
		if !hi.inner.Invoke(ctx, tc, instance) && !continueOnError {
			break
		}
	}
	if count == 0 {
		tc.IgnoreThisTest()
	}
	return !tc.HasPendingException()
}

// timeoutInvoker runs inner under a deadline. The deadline only applies to
// the subtree below it.
type timeoutInvoker struct {
	timeout time.Duration
	inner   TestInvoker
}

func (ti *timeoutInvoker) Invoke(ctx context.Context, tc *asynctest.TestContext, instance TestInstance) bool {
	if ti.timeout <= 0 || tc.Settings().Bool(asynctest.SettingDisableTimeouts) {
		return ti.inner.Invoke(ctx, tc, instance)
	}
	ctx, cancel := context.WithTimeout(ctx, ti.timeout)
	defer cancel()
	return ti.inner.Invoke(ctx, tc, instance)
}

// prePostInvoker calls the PreRun and PostRun hooks of the fixture object.
// PostRun runs even when inner failed.
type prePostInvoker struct {
	fixture TestHost
	inner   TestInvoker
}

func (pi *prePostInvoker) Invoke(ctx context.Context, tc *asynctest.TestContext, instance TestInstance) bool {
	var obj any
	if fi, ok := Unwind(instance, pi.fixture).(ValueInstance); ok {
		obj = fi.Value()
	}
	if hook, ok := obj.(asynctest.PreRunHook); ok {
		if err := hook.PreRun(ctx, tc); err != nil {
			tc.OnError(errors.Wrap(err, "pre-run"))
			return false
		}
	}
	pi.inner.Invoke(ctx, tc, instance)
	if hook, ok := obj.(asynctest.PostRunHook); ok {
		if err := hook.PostRun(ctx, tc); err != nil {
			tc.OnError(errors.Wrap(err, "post-run"))
		}
	}
	return !tc.HasPendingException()
}

// resultGroupInvoker opens a child result for inner. The child's name and
// path carry the parameter values of the instance chain.
type resultGroupInvoker struct {
	name  asynctest.TestName
	path  *asynctest.TestPath
	inner TestInvoker
}

func (ri *resultGroupInvoker) Invoke(ctx context.Context, tc *asynctest.TestContext, instance TestInstance) bool {
	name, path := describeChain(ri.name, ri.path, instance)
	child := tc.CreateChild(name, nil)
	child.Result().SetPath(path)
	child.OnTestRunning()

	status := asynctest.StatusSuccess
	if !ri.inner.Invoke(ctx, child, instance) {
		status = child.Result().CurrentStatus()
	} else if child.Result().CurrentStatus() == asynctest.StatusIgnored {
		status = asynctest.StatusIgnored
	}
	child.OnTestFinished(status)
	return !tc.HasPendingException()
}

// aggregatedInvoker runs a list of children in order.
type aggregatedInvoker struct {
	children        []TestInvoker
	continueOnError bool
}

func (ai *aggregatedInvoker) Invoke(ctx context.Context, tc *asynctest.TestContext, instance TestInstance) bool {
	for _, child := range ai.children {
		if ctx.Err() != nil {
			tc.OnCanceled()
			break
		}
		if !child.Invoke(ctx, tc, instance) && !ai.continueOnError {
			break
		}
	}
	return !tc.HasPendingException()
}

// filterInvoker skips builders whose filter doesn't match the configuration
// of the run.
type filterInvoker struct {
	builder TestBuilder
	inner   TestInvoker
}

func (fi *filterInvoker) Invoke(ctx context.Context, tc *asynctest.TestContext, instance TestInstance) bool {
	if !fi.builder.RunFilter(tc) {
		return !tc.HasPendingException()
	}
	return fi.inner.Invoke(ctx, tc, instance)
}

// forkedInvoker runs count copies of inner concurrently.
type forkedInvoker struct {
	host  *forkedHost
	inner TestInvoker
}

func (fi *forkedInvoker) Invoke(ctx context.Context, tc *asynctest.TestContext, parent TestInstance) bool {
	var g errgroup.Group
	for i := 0; i < fi.host.count; i++ {
		instance := fi.host.CreateInstance(tc, nil, parent).(*forkedInstance)
		instance.index = i
		g.Go(func() error {
			if err := instance.Initialize(ctx, tc); err != nil {
				tc.OnError(err)
				return nil
			}
			defer instance.Destroy(ctx, tc)
			fi.inner.Invoke(ctx, tc, instance)
			return nil
		})
	}
	g.Wait()
	return !tc.HasPendingException()
}

// describeChain appends the parameter values found on the instance chain to
// name and path, outermost first.
func describeChain(name asynctest.TestName, path *asynctest.TestPath, instance TestInstance) (asynctest.TestName, *asynctest.TestPath) {
	var chain []TestInstance
	for cur := instance; cur != nil; cur = cur.Parent() {
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		cur := chain[i]
		h := cur.Host()
		switch inst := cur.(type) {
		case ParameterizedInstance:
			if h.Kind() == KindFixedValue {
				continue
			}
			v := inst.Current()
			hidden := h.Flags().Has(FlagHidden)
			name = name.WithParameter(h.Name(), v.Display(), hidden)
			if v.Serialized != nil {
				path = path.Append(asynctest.PathNode{
					Identifier: h.Identifier(),
					Name:       h.Name(),
					Parameter:  v.Serialized,
					Hidden:     hidden,
				})
			}
		case *forkedInstance:
			name = name.WithParameter(h.Name(), strconv.Itoa(inst.index), true)
		}
	}
	return name, path
}
