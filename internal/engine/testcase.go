package engine

import (
	"encoding/xml"

	"github.com/webtests/asynctest/asynctest"
)

// TestCase is a node of the test tree as seen by sessions: a path that can
// be resolved, listed and run. Test cases returned by a local session keep a
// reference to their builder; those decoded from the wire only carry the
// path.
type TestCase struct {
	XMLName     xml.Name            `xml:"TestCase" json:"-"`
	Name        asynctest.TestName  `xml:"Name" json:"name"`
	Path        *asynctest.TestPath `xml:"TestPath" json:"path"`
	HasChildren bool                `xml:"HasChildren,attr,omitempty" json:"hasChildren,omitempty"`

	builder TestBuilder
}

func (t *TestCase) String() string {
	if s := t.Path.String(); s != "" {
		return s
	}
	return t.Name.String()
}

// Builder returns the builder of a local test case.
func (t *TestCase) Builder() TestBuilder { return t.builder }

// TestCaseList is the wire form of a list of test cases.
type TestCaseList struct {
	XMLName xml.Name    `xml:"TestCaseList" json:"-"`
	Cases   []*TestCase `xml:"TestCase" json:"cases"`
}

// Flatten returns test and all of its descendants in depth-first order.
func Flatten(children func(*TestCase) ([]*TestCase, error), test *TestCase) ([]*TestCase, error) {
	out := []*TestCase{test}
	if !test.HasChildren {
		return out, nil
	}
	list, err := children(test)
	if err != nil {
		return nil, err
	}
	for _, c := range list {
		sub, err := Flatten(children, c)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}
