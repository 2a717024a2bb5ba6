package sim

import "fmt"

// DefaultMaxRetries is the number of retries an invocation gets before the run is aborted.
const DefaultMaxRetries = 5

// InvocationState is the state of an InvocationControl.
type InvocationState int

const (
	InvocationIdle InvocationState = iota
	InvocationProgressing
	InvocationCompleted
	InvocationAborted
)

func (s InvocationState) String() string {
	switch s {
	case InvocationIdle:
		return "Idle"
	case InvocationProgressing:
		return "Progressing"
	case InvocationCompleted:
		return "Completed"
	case InvocationAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("InvocationState(%d)", int(s))
	}
}

// InvocationControl decides whether another invocation should run: it
// advances, retries or aborts the sequence of repetitions of one experiment.
//
// Typical use:
//
//	for ic.Progress() {
//		if err := runOnce(ic.CurrentInvocation()); err != nil {
//			ic.Retry()
//		}
//	}
//
// Thread-safety: NOT thread-safe. Owned by the run driver.
type InvocationControl struct {
	total      int
	current    int
	retries    int
	maxRetries int
	state      InvocationState
	retrying   bool
}

// NewInvocationControl creates a control for total invocations with at most
// maxRetries retries each. Panics if total < 1 or maxRetries < 0.
func NewInvocationControl(total, maxRetries int) *InvocationControl {
	if total < 1 {
		panic(fmt.Sprintf("NewInvocationControl: total must be >= 1, got %d", total))
	}
	if maxRetries < 0 {
		panic(fmt.Sprintf("NewInvocationControl: maxRetries must be >= 0, got %d", maxRetries))
	}
	return &InvocationControl{total: total, maxRetries: maxRetries}
}

// Progress reports whether an invocation should run now. It advances to the
// next invocation unless the previous one asked for a retry.
func (c *InvocationControl) Progress() bool {
	switch c.state {
	case InvocationAborted, InvocationCompleted:
		return false
	case InvocationIdle:
		c.state = InvocationProgressing
		return true
	}
	if c.retrying {
		c.retrying = false
		return true
	}
	if c.current+1 < c.total {
		c.current++
		c.retries = 0
		return true
	}
	c.state = InvocationCompleted
	return false
}

// Retry asks for the current invocation to be repeated. Once the retry budget
// of the invocation is exhausted the control aborts instead.
func (c *InvocationControl) Retry() {
	if c.state != InvocationProgressing {
		return
	}
	c.retries++
	if c.retries > c.maxRetries {
		c.Abort()
		return
	}
	c.retrying = true
}

// Abort stops the sequence; every later Progress returns false.
func (c *InvocationControl) Abort() {
	c.state = InvocationAborted
	c.retrying = false
}

// CurrentInvocation returns the zero-based index of the current invocation.
// It never decreases.
func (c *InvocationControl) CurrentInvocation() int { return c.current }

// Total returns the configured number of invocations.
func (c *InvocationControl) Total() int { return c.total }

// Retries returns the retries spent on the current invocation.
func (c *InvocationControl) Retries() int { return c.retries }

// State returns the control state.
func (c *InvocationControl) State() InvocationState { return c.state }
