// Package composite implements the Composite Manager (C6): an
// all-or-nothing transactional group of handles with LIFO teardown and
// checkpoint-based partial rollback. The checkpoint/restore shape follows
// the teacher's arena SaveState/RestoreState in
// internal/allocator/arena.go, applied to a sequence of handles instead of
// an arena offset.
package composite

import (
	"fmt"
	"sync"

	"github.com/hellblazer/gpuresource/internal/gpuerr"
	"github.com/hellblazer/gpuresource/internal/handle"
)

// State is a point in the composite's lifecycle state machine.
type State int32

const (
	Initializing State = iota
	Active
	RollingBack
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "INITIALIZING"
	case Active:
		return "ACTIVE"
	case RollingBack:
		return "ROLLING_BACK"
	case Closed:
		return "CLOSED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Composite owns an ordered sequence of handles, torn down in reverse
// insertion order, with an optional name-to-handle index.
type Composite struct {
	mu       sync.Mutex
	sequence []*handle.Handle
	named    map[string]*handle.Handle
	state    State
	cause    error
}

// New creates an empty composite in the INITIALIZING state.
func New() *Composite {
	return &Composite{named: make(map[string]*handle.Handle), state: Initializing}
}

func (c *Composite) acceptsMutation() bool {
	return c.state == Initializing || c.state == Active
}

// State returns the current lifecycle state.
func (c *Composite) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Size returns the number of handles currently held.
func (c *Composite) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sequence)
}

// Cause returns the captured failure, if the composite is FAILED.
func (c *Composite) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Add appends an already-constructed handle to the sequence, installing a
// cleanup callback so the composite forgets it if something else closes
// it first.
func (c *Composite) Add(h *handle.Handle) error {
	return c.AddNamed("", h)
}

// AddNamed is Add with an additional name-map entry.
func (c *Composite) AddNamed(name string, h *handle.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acceptsMutation() {
		return gpuerr.InvalidState("composite.Add", "composite is "+c.state.String())
	}

	c.sequence = append(c.sequence, h)
	if name != "" {
		c.named[name] = h
	}
	if c.state == Initializing {
		c.state = Active
	}

	h.SetCleanupCallback(func(any) error {
		c.forget(h)
		return nil
	})
	return nil
}

func (c *Composite) forget(h *handle.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.sequence {
		if existing == h {
			c.sequence = append(c.sequence[:i], c.sequence[i+1:]...)
			break
		}
	}
	for name, existing := range c.named {
		if existing == h {
			delete(c.named, name)
			break
		}
	}
}

// AllocFunc produces a new handle, or fails.
type AllocFunc func() (*handle.Handle, error)

// Allocate runs fn to produce a handle and adds it. On failure, the entire
// composite is rolled back and the error is surfaced as alloc-failed.
func (c *Composite) Allocate(fn AllocFunc) (*handle.Handle, error) {
	return c.AllocateNamed("", fn)
}

// AllocateNamed is Allocate with an additional name-map entry.
func (c *Composite) AllocateNamed(name string, fn AllocFunc) (*handle.Handle, error) {
	c.mu.Lock()
	if !c.acceptsMutation() {
		state := c.state
		c.mu.Unlock()
		return nil, gpuerr.InvalidState("composite.Allocate", "composite is "+state.String())
	}
	c.mu.Unlock()

	h, err := fn()
	if err != nil {
		c.rollbackAll(err)
		return nil, gpuerr.AllocFailed("composite.Allocate", err)
	}

	if err := c.AddNamed(name, h); err != nil {
		_ = h.Close()
		c.rollbackAll(err)
		return nil, gpuerr.AllocFailed("composite.Allocate", err)
	}
	return h, nil
}

// Block is a unit of work run under Transaction; it receives the
// composite so it can Add/Allocate further handles.
type Block func(c *Composite) error

// Transaction remembers the current size, runs block, and on success
// transitions to ACTIVE. On failure, only the handles added during block
// are rolled back (in reverse order), leaving prior handles untouched.
func (c *Composite) Transaction(block Block) error {
	c.mu.Lock()
	if !c.acceptsMutation() {
		state := c.state
		c.mu.Unlock()
		return gpuerr.InvalidState("composite.Transaction", "composite is "+state.String())
	}
	checkpoint := len(c.sequence)
	c.mu.Unlock()

	if err := block(c); err != nil {
		c.rollbackSince(checkpoint, err)
		return err
	}

	c.mu.Lock()
	if c.state == Initializing {
		c.state = Active
	}
	c.mu.Unlock()
	return nil
}

// rollbackSince closes every handle added since checkpoint, in reverse
// order, and transitions through ROLLING_BACK to FAILED.
func (c *Composite) rollbackSince(checkpoint int, cause error) {
	c.mu.Lock()
	c.state = RollingBack
	toClose := append([]*handle.Handle(nil), c.sequence[checkpoint:]...)
	c.sequence = c.sequence[:checkpoint]
	for name, h := range c.named {
		for _, removed := range toClose {
			if h == removed {
				delete(c.named, name)
			}
		}
	}
	c.cause = cause
	c.mu.Unlock()

	for i := len(toClose) - 1; i >= 0; i-- {
		_ = toClose[i].Close()
	}

	c.mu.Lock()
	c.state = Failed
	c.mu.Unlock()
}

func (c *Composite) rollbackAll(cause error) {
	c.rollbackSince(0, cause)
}

// Get looks up a named handle.
func (c *Composite) Get(name string) (*handle.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.named[name]
	return h, ok
}

// Require looks up a named handle and fails with invalid-argument if
// absent. expectedType is a caller-supplied descriptive label, compared
// against the handle's own type tag.
func (c *Composite) Require(name, expectedType string) (*handle.Handle, error) {
	h, ok := c.Get(name)
	if !ok {
		return nil, gpuerr.InvalidArgument("composite.Require", fmt.Sprintf("no handle named %q", name))
	}
	if expectedType != "" && h.TypeTag() != expectedType {
		return nil, gpuerr.InvalidArgument("composite.Require",
			fmt.Sprintf("handle %q has type %q, want %q", name, h.TypeTag(), expectedType))
	}
	return h, nil
}

// Close is idempotent: it closes every handle in reverse insertion order,
// aggregating every encountered error into a single close-failed.
func (c *Composite) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	toClose := append([]*handle.Handle(nil), c.sequence...)
	c.sequence = nil
	c.named = make(map[string]*handle.Handle)
	c.state = Closed
	c.mu.Unlock()

	var errs []error
	for i := len(toClose) - 1; i >= 0; i-- {
		if err := toClose[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return gpuerr.CloseFailed("composite.Close", errs)
	}
	return nil
}
