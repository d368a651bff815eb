package engine

import (
	"regexp"
	"strings"
)

// Matcher selects test cases by a "fixture/test" pattern. Both parts are
// case-insensitive regular expressions; the test part is optional.
type Matcher struct {
	fixture *regexp.Regexp
	test    *regexp.Regexp
	pattern string
}

// ParsePattern compiles a pattern. An empty pattern matches everything.
func ParsePattern(p string) (*Matcher, error) {
	m := &Matcher{pattern: p}
	if p == "" {
		return m, nil
	}
	fixture, test, hasTest := splitPattern(p)
	var err error
	if m.fixture, err = regexp.Compile("(?i:" + fixture + ")"); err != nil {
		return nil, err
	}
	if hasTest {
		if m.test, err = regexp.Compile("(?i:" + test + ")"); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Matcher) String() string { return m.pattern }

// Match checks whether the pattern matches a fixture and test name. An empty
// test name only checks the fixture.
func (m *Matcher) Match(fixture, test string) bool {
	if m.fixture != nil && !m.fixture.MatchString(fixture) {
		return false
	}
	if test != "" && m.test != nil && !m.test.MatchString(test) {
		return false
	}
	return true
}

// MatchCase matches a test case by the fixture and method components of its
// name. The catalog itself always matches.
func (m *Matcher) MatchCase(test *TestCase) bool {
	name := test.Name.Name
	fixture, method, _ := strings.Cut(name, ".")
	if test.Path.Len() <= 1 {
		return true
	}
	return m.Match(fixture, method)
}

// splitPattern splits p at its first slash outside of a character class or
// group. The test part keeps any further slashes.
func splitPattern(p string) (fixture, test string, ok bool) {
	var class, depth int
	for i := 0; i < len(p); i++ {
		switch c := p[i]; {
		case c == '\\':
			i++
		case c == '[':
			class++
		case c == ']' && class > 0:
			class--
		case class > 0:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == '/' && depth == 0:
			return p[:i], p[i+1:], true
		}
	}
	return p, "", false
}
