/*
Package asynctest is the public surface of the asynctest framework. Test code
registers fixtures in a Catalog, the engine resolves the catalog into a tree of
test cases and runs them, reporting results through a TestContext.

# Catalogs, Types and Methods

A catalog plays the role of a test assembly. It holds type descriptors, and a
type becomes a fixture when it (or one of its base types) carries a
FixtureAttribute:

	catalog := asynctest.NewCatalog("selftest")
	catalog.Add(&asynctest.Type{
		Name:    "Simple",
		Fixture: &asynctest.FixtureAttribute{},
		New:     func(tc *asynctest.TestContext) (any, error) { return new(Simple), nil },
		Methods: []*asynctest.Method{{
			Name: "Flag",
			Test: &asynctest.TestAttribute{},
			Params: []asynctest.Param{
				asynctest.TestContextParam(),
				asynctest.P[bool]("flag", asynctest.BoolSource{}),
			},
			Run: func(call *asynctest.Call) error {
				flag := asynctest.Arg[bool](call, 1)
				call.Test.Logf("flag is %v", flag)
				return nil
			},
		}},
	})

Parameters of a test method are expanded by their ParameterSource. A boolean
parameter runs the method twice, once with false and once with true.

# Test Context

The TestContext passed to a test body works a lot like testing.T: Log, Logf,
Error, Errorf, Fatal and FailNow are available. All log output goes to the
result of the current test and to the event sink of the session, which may be
a remote process.
*/
package asynctest
