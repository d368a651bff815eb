package asynctest

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type protocol int

const (
	protoHTTP10 protocol = iota
	protoHTTP11
	protoHTTPS
)

func protocolMembers() []EnumMember[protocol] {
	return []EnumMember[protocol]{
		{Name: "HTTP10", Value: protoHTTP10},
		{Name: "HTTP11", Value: protoHTTP11},
		{Name: "HTTPS", Value: protoHTTPS, Features: []string{"SSL"}},
	}
}

func newTestContext(t *testing.T, settings map[string]string) *TestContext {
	t.Helper()
	env := NewEnv(settings)
	config := NewConfiguration(
		[]Category{{Name: "Slow", Explicit: true}, {Name: "Net"}},
		[]Feature{{Name: "SSL", Default: true}},
		env.Settings,
	)
	return NewTestContext(env, config, nil, NewResult(NewName("root")))
}

func TestBoolSource(t *testing.T) {
	tc := newTestContext(t, nil)
	assert.Equal(t, []any{false, true}, BoolSource{}.GetParameters(tc, ""))
	assert.Equal(t, []any{true}, BoolSource{}.GetParameters(tc, "true"))
}

func TestSourcesAreDeterministic(t *testing.T) {
	tc := newTestContext(t, nil)
	sources := []ParameterSource{
		BoolSource{},
		Values(1, 2, 3),
		Enum(protocolMembers()...),
	}
	for _, src := range sources {
		first := src.GetParameters(tc, "")
		second := src.GetParameters(tc, "")
		if !reflect.DeepEqual(first, second) {
			t.Errorf("%T: enumeration differs: %v != %v", src, first, second)
		}
	}
}

func TestEnumSourceFeatureFilter(t *testing.T) {
	src := Enum(protocolMembers()...)

	tc := newTestContext(t, nil)
	assert.Equal(t, []any{protoHTTP10, protoHTTP11, protoHTTPS}, src.GetParameters(tc, ""))

	tc = newTestContext(t, map[string]string{"Feature.SSL": "false"})
	assert.Equal(t, []any{protoHTTP10, protoHTTP11}, src.GetParameters(tc, ""))

	assert.Equal(t, []any{protoHTTP11}, src.GetParameters(tc, "HTTP11"))
}

func TestSerializerRoundTrip(t *testing.T) {
	s := NewSerializers()
	RegisterEnum(s, protocolMembers()...)

	values := []any{false, true, 0, -42, 1 << 20, "", "hello world", protoHTTP10, protoHTTPS}
	for _, v := range values {
		pv, err := s.Serialize(v)
		require.NoError(t, err, "serialize %v", v)
		back, err := s.Deserialize(pv)
		require.NoError(t, err, "deserialize %v", pv)
		assert.Equal(t, v, back)
	}
}

func TestSerializerErrors(t *testing.T) {
	s := NewSerializers()
	_, err := s.Serialize(3.5)
	assert.ErrorIs(t, err, ErrNoSerializer)

	_, err = s.Deserialize(ParameterValue{Type: "bool", Value: "maybe"})
	assert.Error(t, err)

	_, err = s.Deserialize(ParameterValue{Type: "unknown", Value: "x"})
	assert.ErrorIs(t, err, ErrNoSerializer)
}

func TestRegisterEnumSetsDefaultSource(t *testing.T) {
	s := NewSerializers()
	src := RegisterEnum(s, protocolMembers()...)
	got, ok := s.DefaultSource(reflect.TypeOf(protoHTTP10))
	require.True(t, ok)
	assert.Same(t, src, got)

	assert.Panics(t, func() { RegisterEnum(s, protocolMembers()...) })
}
