package engine

import "fmt"

// InternalError reports a defect in the test declarations or in the engine
// itself. It is raised with panic and is never turned into a test failure.
type InternalError struct {
	msg string
}

func (e *InternalError) Error() string {
	return "internal error: " + e.msg
}

func internalErrorf(format string, args ...any) *InternalError {
	return &InternalError{msg: fmt.Sprintf(format, args...)}
}
