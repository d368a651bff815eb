package asynctest

import (
	"encoding/xml"
	"sync"
	"time"
)

// TestResult is the result tree of a test run. All methods are safe for
// concurrent use; the exported fields must only be read after the run has
// completed.
type TestResult struct {
	mu sync.Mutex

	XMLName  xml.Name      `xml:"TestResult" json:"-"`
	Name     TestName      `xml:"Name" json:"name"`
	Status   TestStatus    `xml:"Status,attr" json:"status"`
	Path     *TestPath     `xml:"TestPath,omitempty" json:"path,omitempty"`
	Elapsed  time.Duration `xml:"Elapsed,attr,omitempty" json:"elapsed,omitempty"`
	Errors   []string      `xml:"Error" json:"errors,omitempty"`
	Messages []string      `xml:"Message" json:"messages,omitempty"`
	Children []*TestResult `xml:"TestResult" json:"children,omitempty"`
}

// NewResult creates an empty result.
func NewResult(name TestName) *TestResult {
	return &TestResult{Name: name}
}

// AddChild appends a child result.
func (r *TestResult) AddChild(child *TestResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Children = append(r.Children, child)
}

// AddError records an error and marks the result failed.
func (r *TestResult) AddError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, err.Error())
	r.Status = r.Status.Merge(StatusError)
}

// AddMessage appends a log message.
func (r *TestResult) AddMessage(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, msg)
}

// CurrentStatus returns the status.
func (r *TestResult) CurrentStatus() TestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

// MergeStatus raises the status to s if s is more severe.
func (r *TestResult) MergeStatus(s TestStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = r.Status.Merge(s)
}

// SetStatus overwrites the status.
func (r *TestResult) SetStatus(s TestStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = s
}

// SetPath records the path that reruns this result.
func (r *TestResult) SetPath(p *TestPath) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Path = p
}

func (r *TestResult) setElapsed(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Elapsed = d
}

// Summary counts the leaf results by outcome.
type Summary struct {
	Total    int `json:"total"`
	Success  int `json:"success"`
	Errors   int `json:"errors"`
	Canceled int `json:"canceled"`
	Ignored  int `json:"ignored"`
}

// Add accumulates the counts of other.
func (s *Summary) Add(other Summary) {
	s.Total += other.Total
	s.Success += other.Success
	s.Errors += other.Errors
	s.Canceled += other.Canceled
	s.Ignored += other.Ignored
}

// Summarize walks the tree and counts leaves.
func (r *TestResult) Summarize() Summary {
	var s Summary
	r.summarize(&s)
	return s
}

func (r *TestResult) summarize(s *Summary) {
	r.mu.Lock()
	children := append([]*TestResult(nil), r.Children...)
	status := r.Status
	r.mu.Unlock()

	if len(children) > 0 {
		for _, c := range children {
			c.summarize(s)
		}
		return
	}
	s.Total++
	switch status {
	case StatusSuccess, StatusUnstable:
		s.Success++
	case StatusError:
		s.Errors++
	case StatusCanceled:
		s.Canceled++
	case StatusIgnored:
		s.Ignored++
	}
}

// Leaves returns all results without children, in tree order.
func (r *TestResult) Leaves() []*TestResult {
	r.mu.Lock()
	children := append([]*TestResult(nil), r.Children...)
	r.mu.Unlock()

	if len(children) == 0 {
		return []*TestResult{r}
	}
	var out []*TestResult
	for _, c := range children {
		out = append(out, c.Leaves()...)
	}
	return out
}
