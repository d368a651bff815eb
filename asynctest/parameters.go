package asynctest

import (
	"fmt"
)

// ParameterSource enumerates the candidate values of a parameter.
// Enumeration must be deterministic for a given configuration.
type ParameterSource interface {
	GetParameters(tc *TestContext, filter string) []any
}

// BoolSource yields false, then true.
type BoolSource struct{}

func (BoolSource) GetParameters(tc *TestContext, filter string) []any {
	switch filter {
	case "false":
		return []any{false}
	case "true":
		return []any{true}
	}
	return []any{false, true}
}

// ValueSource yields a fixed list of values in order. A filter selects the
// value whose string form equals it.
type ValueSource []any

// Values creates a ValueSource.
func Values(values ...any) ValueSource {
	return ValueSource(values)
}

func (s ValueSource) GetParameters(tc *TestContext, filter string) []any {
	if filter == "" {
		return append([]any(nil), s...)
	}
	var out []any
	for _, v := range s {
		if fmt.Sprint(v) == filter {
			out = append(out, v)
		}
	}
	return out
}

// FuncSource adapts a function to ParameterSource.
type FuncSource func(tc *TestContext, filter string) []any

func (f FuncSource) GetParameters(tc *TestContext, filter string) []any {
	return f(tc, filter)
}

// EnumMember is one member of an enumeration. A member is only enumerated
// when its categories and features all match the current configuration.
type EnumMember[T comparable] struct {
	Name       string
	Value      T
	Categories []string
	Features   []string
}

// EnumSource yields the members of an enumeration in declaration order.
type EnumSource[T comparable] struct {
	Members []EnumMember[T]
}

// Enum creates an EnumSource.
func Enum[T comparable](members ...EnumMember[T]) *EnumSource[T] {
	return &EnumSource[T]{Members: members}
}

func (s *EnumSource[T]) GetParameters(tc *TestContext, filter string) []any {
	var out []any
	for _, m := range s.Members {
		if filter != "" && m.Name != filter {
			continue
		}
		if !s.memberEnabled(tc, m) {
			continue
		}
		out = append(out, m.Value)
	}
	return out
}

func (s *EnumSource[T]) memberEnabled(tc *TestContext, m EnumMember[T]) bool {
	if tc == nil {
		return true
	}
	config := tc.Configuration()
	if len(m.Categories) > 0 && !config.MatchesCategories(m.Categories, false) {
		return false
	}
	return config.MatchesFeatures(m.Features)
}

// member looks up a member by value.
func (s *EnumSource[T]) member(v T) (EnumMember[T], bool) {
	for _, m := range s.Members {
		if m.Value == v {
			return m, true
		}
	}
	return EnumMember[T]{}, false
}

// memberByName looks up a member by name.
func (s *EnumSource[T]) memberByName(name string) (EnumMember[T], bool) {
	for _, m := range s.Members {
		if m.Name == name {
			return m, true
		}
	}
	return EnumMember[T]{}, false
}
