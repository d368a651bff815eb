package asynctest

import (
	"fmt"
	"strings"
)

// TestStatus is the outcome of a test node.
type TestStatus int

const (
	StatusNone TestStatus = iota
	StatusIgnored
	StatusSuccess
	StatusUnstable
	StatusError
	StatusCanceled
)

var statusNames = [...]string{
	StatusNone:     "None",
	StatusIgnored:  "Ignored",
	StatusSuccess:  "Success",
	StatusUnstable: "Unstable",
	StatusError:    "Error",
	StatusCanceled: "Canceled",
}

func (s TestStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("TestStatus(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus parses the string form of a status, ignoring case.
func ParseStatus(s string) (TestStatus, error) {
	for i, name := range statusNames {
		if strings.EqualFold(name, s) {
			return TestStatus(i), nil
		}
	}
	return StatusNone, fmt.Errorf("unknown test status %q", s)
}

// Failed reports whether the status counts as a failure.
func (s TestStatus) Failed() bool {
	return s == StatusError || s == StatusCanceled
}

// Merge returns the more severe of the two statuses.
func (s TestStatus) Merge(other TestStatus) TestStatus {
	if other > s {
		return other
	}
	return s
}

func (s TestStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TestStatus) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
