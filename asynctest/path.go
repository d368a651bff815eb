package asynctest

import (
	"encoding/xml"
	"strings"
)

// PathNode is one position in a TestPath. Identifier names the host that
// produced the node; Parameter, when set, pins the node to one serialized
// parameter value.
type PathNode struct {
	Identifier string          `xml:"Identifier,attr" json:"identifier"`
	Name       string          `xml:"Name,attr,omitempty" json:"name,omitempty"`
	Parameter  *ParameterValue `xml:"Parameter,omitempty" json:"parameter,omitempty"`
	Hidden     bool            `xml:"Hidden,attr,omitempty" json:"hidden,omitempty"`
}

// TestPath is the serializable address of a test case. It is immutable:
// Append returns a new path.
type TestPath struct {
	XMLName xml.Name   `xml:"TestPath" json:"-"`
	Nodes   []PathNode `xml:"Node" json:"nodes"`
}

// Append returns a copy of p extended by node.
func (p *TestPath) Append(node PathNode) *TestPath {
	np := &TestPath{}
	if p != nil {
		np.Nodes = make([]PathNode, 0, len(p.Nodes)+1)
		np.Nodes = append(np.Nodes, p.Nodes...)
	}
	np.Nodes = append(np.Nodes, node)
	return np
}

// Len returns the number of nodes.
func (p *TestPath) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Nodes)
}

// Last returns the innermost node.
func (p *TestPath) Last() (PathNode, bool) {
	if p.Len() == 0 {
		return PathNode{}, false
	}
	return p.Nodes[len(p.Nodes)-1], true
}

// Parent returns the path without its innermost node.
func (p *TestPath) Parent() *TestPath {
	if p.Len() <= 1 {
		return nil
	}
	return &TestPath{Nodes: append([]PathNode(nil), p.Nodes[:len(p.Nodes)-1]...)}
}

// Pinned returns the pinned parameter value of the node with the given host
// identifier, if any.
func (p *TestPath) Pinned(identifier string) (*ParameterValue, bool) {
	if p == nil {
		return nil, false
	}
	for i := len(p.Nodes) - 1; i >= 0; i-- {
		n := p.Nodes[i]
		if n.Identifier == identifier && n.Parameter != nil {
			return n.Parameter, true
		}
	}
	return nil, false
}

// Find returns the node with the given host identifier.
func (p *TestPath) Find(identifier string) (PathNode, bool) {
	if p == nil {
		return PathNode{}, false
	}
	for _, n := range p.Nodes {
		if n.Identifier == identifier {
			return n, true
		}
	}
	return PathNode{}, false
}

// String renders the visible nodes, e.g. "Fixture.Method(flag=true)".
func (p *TestPath) String() string {
	if p == nil {
		return ""
	}
	var (
		names  []string
		params []string
	)
	for _, n := range p.Nodes {
		if n.Hidden {
			continue
		}
		if n.Parameter != nil {
			params = append(params, n.Name+"="+n.Parameter.Value)
		} else if n.Name != "" {
			names = append(names, n.Name)
		}
	}
	s := strings.Join(names, ".")
	if len(params) > 0 {
		s += "(" + strings.Join(params, ",") + ")"
	}
	return s
}
