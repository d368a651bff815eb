package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/webtests/asynctest/asynctest"
	"gopkg.in/inconshreveable/log15.v2"
)

// Session is the facade through which test cases are listed and run. It is
// implemented by the local Suite and by remote client sessions.
type Session interface {
	Name() string
	Configuration() *asynctest.Configuration
	RootTestCase(ctx context.Context) (*TestCase, error)
	Children(ctx context.Context, test *TestCase) ([]*TestCase, error)
	Resolve(ctx context.Context, path *asynctest.TestPath) (*TestCase, error)
	Run(ctx context.Context, test *TestCase, sink asynctest.EventSink) (*asynctest.TestResult, error)
}

// ErrNotFound is returned when a path does not resolve to a test case.
var ErrNotFound = errors.New("test case not found")

// Suite is the local session over a catalog.
type Suite struct {
	env     *asynctest.Env
	catalog *asynctest.Catalog
	root    *catalogBuilder
	log     log15.Logger

	// mu serializes builder resolution.
	mu     sync.Mutex
	config *asynctest.Configuration
}

var _ Session = (*Suite)(nil)

// NewSuite runs the catalog's setup function and creates the builder tree.
// The tree is resolved lazily.
func NewSuite(env *asynctest.Env, catalog *asynctest.Catalog) (*Suite, error) {
	if catalog.Setup != nil {
		if err := catalog.Setup(env); err != nil {
			return nil, errors.Wrapf(err, "%s: setup failed", catalog.Name)
		}
	}
	s := &Suite{
		env:     env,
		catalog: catalog,
		root:    newCatalogBuilder(env, catalog),
		log:     env.Log.New("suite", catalog.Name),
	}
	s.Reconfigure()
	return s, nil
}

// Reconfigure reads the category and feature selection from the settings
// again, e.g. after remote settings have been merged.
func (s *Suite) Reconfigure() {
	config := asynctest.NewConfiguration(s.catalog.Categories, s.catalog.Features, s.env.Settings)
	s.mu.Lock()
	s.config = config
	s.mu.Unlock()
}

func (s *Suite) Name() string        { return s.catalog.Name }
func (s *Suite) Env() *asynctest.Env { return s.env }
func (s *Suite) Root() TestBuilder   { return s.root }

func (s *Suite) Configuration() *asynctest.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

func (s *Suite) newContext(sink asynctest.EventSink) *asynctest.TestContext {
	return asynctest.NewTestContext(s.env, s.Configuration(), sink, asynctest.NewResult(s.root.Name()))
}

func (s *Suite) testCase(b TestBuilder, path *asynctest.TestPath) *TestCase {
	hasChildren := !b.IsLeaf()
	if m, ok := b.(*methodBuilder); ok {
		hasChildren = len(unpinnedParameters(m, path)) > 0
	}
	return &TestCase{Name: b.Name(), Path: path, HasChildren: hasChildren, builder: b}
}

func (s *Suite) RootTestCase(ctx context.Context) (*TestCase, error) {
	return s.testCase(s.root, s.root.Path()), nil
}

// Children lists the children of a test case. Fixtures and the catalog list
// their builders that would run under the current configuration; test methods
// list one test case per parameter combination.
func (s *Suite) Children(ctx context.Context, test *TestCase) ([]*TestCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.builderOf(test)
	if err != nil {
		return nil, err
	}
	tc := asynctest.NewTestContext(s.env, s.config, nil, asynctest.NewResult(b.Name()))
	if m, ok := b.(*methodBuilder); ok {
		return s.expandParameters(tc, m, test), nil
	}
	var out []*TestCase
	for _, c := range b.Children() {
		if c.RunFilter(tc) {
			out = append(out, s.testCase(c, c.Path()))
		}
	}
	return out, nil
}

func (s *Suite) builderOf(test *TestCase) (TestBuilder, error) {
	if test.builder != nil {
		return test.builder, nil
	}
	return s.resolve(test.Path)
}

// Resolve finds the test case addressed by path. Parameter nodes of the path
// are kept and pin the parameters when the test case is run.
func (s *Suite) Resolve(ctx context.Context, path *asynctest.TestPath) (*TestCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	return s.testCase(b, path), nil
}

func (s *Suite) resolve(path *asynctest.TestPath) (TestBuilder, error) {
	if path.Len() == 0 {
		return nil, errors.Wrap(ErrNotFound, "empty path")
	}
	if path.Nodes[0].Identifier != s.root.Identifier() {
		return nil, errors.Wrapf(ErrNotFound, "%s is not in %s", path, s.root.Identifier())
	}
	var b TestBuilder = s.root
	for _, node := range path.Nodes[1:] {
		if node.Parameter != nil {
			continue
		}
		var next TestBuilder
		for _, c := range b.Children() {
			if c.Identifier() == node.Identifier {
				next = c
				break
			}
		}
		if next == nil {
			return nil, errors.Wrapf(ErrNotFound, "%s: no child %s", b.Identifier(), node.Identifier)
		}
		b = next
	}
	return b, nil
}

// Run runs a test case and returns the result tree, rooted at the catalog.
// Cancellation of ctx is reported in the result, not as an error.
func (s *Suite) Run(ctx context.Context, test *TestCase, sink asynctest.EventSink) (*asynctest.TestResult, error) {
	invoker, err := s.createInvoker(test)
	if err != nil {
		return nil, err
	}
	tc := s.newContext(sink)
	s.log.Debug("running test case", "test", test)
	tc.OnTestRunning()
	status := asynctest.StatusSuccess
	if !invoker.Invoke(ctx, tc, nil) {
		status = tc.Result().CurrentStatus()
	}
	status = tc.OnTestFinished(status)
	s.log.Debug("test case finished", "test", test, "status", status)
	return tc.Result(), nil
}

// createInvoker builds the invoker of the test case and wraps it in the hosts
// of its ancestors.
func (s *Suite) createInvoker(test *TestCase) (TestInvoker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.builderOf(test)
	if err != nil {
		return nil, err
	}
	invoker := b.CreateInvoker(test.Path)
	for p := b.Parent(); p != nil; p = p.Parent() {
		invoker = p.wrap(test.Path, invoker)
	}
	return invoker, nil
}

func unpinnedParameters(m *methodBuilder, path *asynctest.TestPath) []*parameterHost {
	var out []*parameterHost
	for _, h := range m.Parameters() {
		ph, ok := h.(*parameterHost)
		if !ok {
			continue
		}
		if _, pinned := path.Pinned(ph.Identifier()); !pinned {
			out = append(out, ph)
		}
	}
	return out
}

// expandParameters lists one test case per combination of the method's
// unpinned parameter values. Values that cannot be serialized can't be
// addressed by a path; such methods are listed without children.
func (s *Suite) expandParameters(tc *asynctest.TestContext, m *methodBuilder, test *TestCase) []*TestCase {
	hosts := unpinnedParameters(m, test.Path)
	if len(hosts) == 0 {
		return nil
	}
	serializers := s.env.Serializers()
	type choice struct {
		host  *parameterHost
		value asynctest.ParameterValue
	}
	var choices [][]choice
	for _, h := range hosts {
		var values []choice
		for _, v := range h.source.GetParameters(tc, h.filter) {
			pv, err := serializers.Serialize(v)
			if err != nil {
				return nil
			}
			values = append(values, choice{h, pv})
		}
		choices = append(choices, values)
	}

	var out []*TestCase
	var walk func(i int, name asynctest.TestName, path *asynctest.TestPath)
	walk = func(i int, name asynctest.TestName, path *asynctest.TestPath) {
		if i == len(choices) {
			out = append(out, &TestCase{Name: name, Path: path, builder: m})
			return
		}
		for _, c := range choices[i] {
			pv := c.value
			hidden := c.host.Flags().Has(FlagHidden)
			walk(i+1,
				name.WithParameter(c.host.Name(), pv.Value, hidden),
				path.Append(asynctest.PathNode{Identifier: c.host.Identifier(), Name: c.host.Name(), Parameter: &pv, Hidden: hidden}))
		}
	}
	walk(0, test.Name, test.Path)
	return out
}
