package engine

import (
	"testing"

	"github.com/webtests/asynctest/asynctest"
)

func TestMatch(t *testing.T) {
	m, err := ParsePattern("fixture/test")
	if err != nil {
		t.Fatal(err)
	}

	if !m.Match("fixture", "test") {
		t.Fatal("expected match")
	}
	if !m.Match("Fixture", "Test") {
		t.Fatal("expected match")
	}
	if !m.Match("Fixture", "TestTest") {
		t.Fatal("expected match")
	}
	if m.Match("Fixture", "Tst") {
		t.Fatal("expected no match")
	}
	if !m.Match("Fixture", "") {
		t.Fatal("expected fixture-only match")
	}
}

func TestMatchCase(t *testing.T) {
	m, err := ParsePattern("flags/run")
	if err != nil {
		t.Fatal(err)
	}
	root := (*asynctest.TestPath)(nil).Append(asynctest.PathNode{Identifier: "c", Hidden: true})
	fixture := root.Append(asynctest.PathNode{Identifier: "Flags", Name: "Flags"})
	method := fixture.Append(asynctest.PathNode{Identifier: "Flags.Run", Name: "Run"})
	other := fixture.Append(asynctest.PathNode{Identifier: "Flags.Skip", Name: "Skip"})

	tests := []struct {
		test *TestCase
		want bool
	}{
		{&TestCase{Name: asynctest.NewName("c"), Path: root}, true},
		{&TestCase{Name: asynctest.NewName("Flags"), Path: fixture}, true},
		{&TestCase{Name: asynctest.NewName("Flags.Run"), Path: method}, true},
		{&TestCase{Name: asynctest.NewName("Flags.Skip"), Path: other}, false},
	}
	for _, test := range tests {
		if got := m.MatchCase(test.test); got != test.want {
			t.Errorf("MatchCase(%s) = %v, want %v", test.test, got, test.want)
		}
	}
}

func TestSplitPattern(t *testing.T) {
	tests := []struct {
		pattern, fixture, test string
		hasTest                bool
	}{
		{"Flags", "Flags", "", false},
		{"Flags/", "Flags", "", true},
		{"Flags/Run", "Flags", "Run", true},
		{"Flags/Run/x", "Flags", "Run/x", true},
		{"[/a]b/c", "[/a]b", "c", true},
		{"(a/b)/c", "(a/b)", "c", true},
		{`a\/b/c`, `a\/b`, "c", true},
	}
	for _, test := range tests {
		fixture, tst, ok := splitPattern(test.pattern)
		if fixture != test.fixture || tst != test.test || ok != test.hasTest {
			t.Errorf("splitPattern(%q) = %q, %q, %v, want %q, %q, %v", test.pattern, fixture, tst, ok, test.fixture, test.test, test.hasTest)
		}
	}
}
