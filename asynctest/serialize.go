package asynctest

import (
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// ParameterValue is the wire form of a parameter value.
type ParameterValue struct {
	Type  string `xml:"Type,attr" json:"type"`
	Value string `xml:"Value,attr" json:"value"`
}

func (v ParameterValue) String() string {
	return v.Type + ":" + v.Value
}

// Serializer converts the values of one Go type to and from strings.
type Serializer interface {
	TypeName() string
	Serialize(v any) (string, error)
	Deserialize(s string) (any, error)
}

// ErrNoSerializer is returned for values without a registered serializer.
var ErrNoSerializer = errors.New("no serializer for parameter type")

// Serializers is the table of parameter serializers, keyed by Go type and by
// wire type name. It also records the default ParameterSource of a type.
type Serializers struct {
	mu      sync.RWMutex
	byType  map[reflect.Type]Serializer
	byName  map[string]Serializer
	sources map[reflect.Type]ParameterSource
}

// NewSerializers creates a table with serializers for bool, int and string.
func NewSerializers() *Serializers {
	s := &Serializers{
		byType:  make(map[reflect.Type]Serializer),
		byName:  make(map[string]Serializer),
		sources: make(map[reflect.Type]ParameterSource),
	}
	s.Register(typeOf[bool](), boolSerializer{})
	s.Register(typeOf[int](), intSerializer{})
	s.Register(typeOf[string](), stringSerializer{})
	s.sources[typeOf[bool]()] = BoolSource{}
	return s
}

// Register adds a serializer for t. Registering a type or wire name twice
// panics.
func (s *Serializers) Register(t reflect.Type, ser Serializer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byType[t]; ok {
		panic(fmt.Sprintf("asynctest: duplicate serializer for %v", t))
	}
	if _, ok := s.byName[ser.TypeName()]; ok {
		panic(fmt.Sprintf("asynctest: duplicate serializer name %q", ser.TypeName()))
	}
	s.byType[t] = ser
	s.byName[ser.TypeName()] = ser
}

// DefaultSource returns the source used for parameters of type t that don't
// declare one.
func (s *Serializers) DefaultSource(t reflect.Type) (ParameterSource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[t]
	return src, ok
}

// Lookup returns the serializer for t.
func (s *Serializers) Lookup(t reflect.Type) (Serializer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser, ok := s.byType[t]
	return ser, ok
}

// Serialize converts v to its wire form.
func (s *Serializers) Serialize(v any) (ParameterValue, error) {
	ser, ok := s.Lookup(reflect.TypeOf(v))
	if !ok {
		return ParameterValue{}, errors.Wrapf(ErrNoSerializer, "%T", v)
	}
	text, err := ser.Serialize(v)
	if err != nil {
		return ParameterValue{}, err
	}
	return ParameterValue{Type: ser.TypeName(), Value: text}, nil
}

// Deserialize converts a wire value back into a Go value.
func (s *Serializers) Deserialize(pv ParameterValue) (any, error) {
	s.mu.RLock()
	ser, ok := s.byName[pv.Type]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNoSerializer, "%s", pv.Type)
	}
	return ser.Deserialize(pv.Value)
}

type boolSerializer struct{}

func (boolSerializer) TypeName() string { return "bool" }

func (boolSerializer) Serialize(v any) (string, error) {
	return strconv.FormatBool(v.(bool)), nil
}

func (boolSerializer) Deserialize(s string) (any, error) {
	return strconv.ParseBool(s)
}

type intSerializer struct{}

func (intSerializer) TypeName() string { return "int" }

func (intSerializer) Serialize(v any) (string, error) {
	return strconv.Itoa(v.(int)), nil
}

func (intSerializer) Deserialize(s string) (any, error) {
	return strconv.Atoi(s)
}

type stringSerializer struct{}

func (stringSerializer) TypeName() string { return "string" }

func (stringSerializer) Serialize(v any) (string, error) {
	return v.(string), nil
}

func (stringSerializer) Deserialize(s string) (any, error) {
	return s, nil
}

type enumSerializer[T comparable] struct {
	name   string
	source *EnumSource[T]
}

func (e enumSerializer[T]) TypeName() string { return e.name }

func (e enumSerializer[T]) Serialize(v any) (string, error) {
	m, ok := e.source.member(v.(T))
	if !ok {
		return "", errors.Errorf("%v is not a member of %s", v, e.name)
	}
	return m.Name, nil
}

func (e enumSerializer[T]) Deserialize(s string) (any, error) {
	m, ok := e.source.memberByName(s)
	if !ok {
		return nil, errors.Errorf("%q is not a member of %s", s, e.name)
	}
	return m.Value, nil
}

// RegisterEnum registers the members of enumeration type T. The returned
// source becomes the default source for parameters of type T.
func RegisterEnum[T comparable](s *Serializers, members ...EnumMember[T]) *EnumSource[T] {
	t := typeOf[T]()
	src := Enum(members...)
	s.Register(t, enumSerializer[T]{name: t.String(), source: src})
	s.mu.Lock()
	s.sources[t] = src
	s.mu.Unlock()
	return src
}
