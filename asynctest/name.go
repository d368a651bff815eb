package asynctest

import (
	"strings"
)

// TestParameter is one parameter of a TestName.
type TestParameter struct {
	Name   string `xml:"Name,attr" json:"name"`
	Value  string `xml:"Value,attr" json:"value"`
	Hidden bool   `xml:"Hidden,attr,omitempty" json:"hidden,omitempty"`
}

// TestName identifies a test node for display purposes. The name is the
// dot-separated path of fixture and method names; parameters record the
// values the node was run with.
type TestName struct {
	Name       string          `xml:"Name,attr" json:"name"`
	Parameters []TestParameter `xml:"Parameter" json:"parameters,omitempty"`
}

// NewName creates a name without parameters.
func NewName(name string) TestName {
	return TestName{Name: name}
}

// IsEmpty reports whether the name is unset.
func (n TestName) IsEmpty() bool {
	return n.Name == "" && len(n.Parameters) == 0
}

// Child returns the name of a child node.
func (n TestName) Child(name string) TestName {
	c := n.clone()
	if c.Name == "" {
		c.Name = name
	} else if name != "" {
		c.Name = c.Name + "." + name
	}
	return c
}

// WithParameter returns a copy of n with an additional parameter.
func (n TestName) WithParameter(name, value string, hidden bool) TestName {
	c := n.clone()
	c.Parameters = append(c.Parameters, TestParameter{Name: name, Value: value, Hidden: hidden})
	return c
}

// LocalName is the last component of the dotted name.
func (n TestName) LocalName() string {
	if i := strings.LastIndexByte(n.Name, '.'); i >= 0 {
		return n.Name[i+1:]
	}
	return n.Name
}

func (n TestName) clone() TestName {
	c := TestName{Name: n.Name}
	if len(n.Parameters) > 0 {
		c.Parameters = append([]TestParameter(nil), n.Parameters...)
	}
	return c
}

// String renders the name as "Fixture.Method(a=1,b=true)". Hidden parameters
// are left out.
func (n TestName) String() string {
	var visible []string
	for _, p := range n.Parameters {
		if !p.Hidden {
			visible = append(visible, p.Name+"="+p.Value)
		}
	}
	if len(visible) == 0 {
		return n.Name
	}
	return n.Name + "(" + strings.Join(visible, ",") + ")"
}
