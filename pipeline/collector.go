package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/stepstreams/errors"
)

// PayloadSlot is the reserved slot holding the group input. It is readable
// at any time without blocking.
const PayloadSlot = "payload"

// DefaultGroupTimeout applies to collector groups that set no deadline
const DefaultGroupTimeout = 30 * time.Second

// Member is one stage of a collector group
type Member struct {
	Name string
	Fn   MemberFunc
	// Requires lists the slots this member reads. It is optional and only
	// feeds the static cycle check; reads are resolved at run time either way.
	Requires []string
}

// Group declares a collector group. The result of Terminal becomes the
// pipeline payload.
type Group struct {
	Name     string
	Terminal string
	Members  []Member
	// Timeout is the group deadline, DefaultGroupTimeout when zero
	Timeout time.Duration
}

// Validate checks member names, the terminal and declared dependencies, and
// rejects declared dependency cycles.
func (g Group) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("collector group without a name")
	}
	if len(g.Members) == 0 {
		return fmt.Errorf("collector group %s has no members", g.Name)
	}
	if g.Timeout < 0 {
		return fmt.Errorf("collector group %s has a negative timeout", g.Name)
	}

	index := make(map[string]int, len(g.Members))
	for i, m := range g.Members {
		if m.Name == "" {
			return fmt.Errorf("collector group %s has a member without a name", g.Name)
		}
		if m.Fn == nil {
			return fmt.Errorf("member %s of group %s has no function", m.Name, g.Name)
		}
		if _, dup := index[m.Name]; dup || m.Name == PayloadSlot {
			return fmt.Errorf("%w: %s in group %s", ErrDuplicateStep, m.Name, g.Name)
		}
		index[m.Name] = i
	}
	if _, ok := index[g.Terminal]; !ok {
		return fmt.Errorf("terminal %q of group %s is not a member", g.Terminal, g.Name)
	}

	// Kahn's algorithm over declared requirements
	indegree := make([]int, len(g.Members))
	dependents := make([][]int, len(g.Members))
	for i, m := range g.Members {
		for _, req := range m.Requires {
			if req == PayloadSlot {
				continue
			}
			j, ok := index[req]
			if !ok {
				return fmt.Errorf("%w: member %s of group %s requires %s", ErrUnknownSlot, m.Name, g.Name, req)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	queue := make([]int, 0, len(g.Members))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[n] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(g.Members) {
		var cyclic []string
		for i, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, g.Members[i].Name)
			}
		}
		return fmt.Errorf("collector group %s has a dependency cycle among %v", g.Name, cyclic)
	}
	return nil
}

type slot struct {
	name  string
	fn    MemberFunc
	done  chan struct{} // closed once value or err is set
	value any
	err   error
}

func (s *slot) set(value any, err error) {
	s.value, s.err = value, err
	close(s.done)
}

// Collector runs the members of one group execution concurrently. Members
// read each other's results by name with Get, which blocks until the slot is
// filled. Every member runs exactly once, and every read returns an
// independent copy.
//
// A Collector performs no cycle detection at run time. Members waiting on
// each other block until the group deadline cancels the whole group.
type Collector struct {
	payload any
	timeout time.Duration

	mu       sync.Mutex
	slots    map[string]*slot
	order    []string
	executed bool
}

// CollectorOption configures a Collector
type CollectorOption func(*Collector)

// WithDeadline sets the group deadline
func WithDeadline(timeout time.Duration) CollectorOption {
	return func(c *Collector) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// NewCollector creates a collector whose input slot holds a copy of payload
func NewCollector(payload any, opts ...CollectorOption) *Collector {
	c := &Collector{
		payload: Clone(payload),
		timeout: DefaultGroupTimeout,
		slots:   make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Steps registers members. Names must be unique and may not be "payload".
// Members cannot be added once Run was called.
func (c *Collector) Steps(members ...Member) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.executed {
		return ErrCollectorExecuted
	}

	for _, m := range members {
		if m.Fn == nil {
			return errors.WrapInvalid(errors.ErrInvalidPipeline, "Collector", "Steps",
				fmt.Sprintf("member %s has no function", m.Name))
		}
		if _, dup := c.slots[m.Name]; dup || m.Name == PayloadSlot {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, m.Name)
		}
		// The guard is held from registration until the member completes.
		c.slots[m.Name] = &slot{name: m.Name, fn: m.Fn, done: make(chan struct{})}
		c.order = append(c.order, m.Name)
	}
	return nil
}

// Names returns the registered member names in registration order
func (c *Collector) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.order)
}

// Run executes every member concurrently and waits for all of them. It
// returns the first member failure, or ErrCollectorTimeout as soon as the
// group deadline passes; in both cases the remaining members are cancelled.
// Run may be called only once.
func (c *Collector) Run(ctx context.Context, inv *Invocation) error {
	c.mu.Lock()
	if c.executed {
		c.mu.Unlock()
		return ErrCollectorExecuted
	}
	c.executed = true
	slots := make([]*slot, 0, len(c.order))
	for _, name := range c.order {
		slots = append(slots, c.slots[name])
	}
	c.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	failed := make(chan error, 1)

	for _, s := range slots {
		g.Go(func() error {
			value, err := c.invoke(gctx, inv, s)
			s.set(value, err)
			if err != nil {
				err = stageError(s.name, inv, err)
				select {
				case failed <- err:
				default:
				}
				return err
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
		if err == nil {
			return nil
		}
	case err = <-failed:
	case <-runCtx.Done():
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if stderrors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrCollectorTimeout, c.timeout)
	}
	return err
}

func (c *Collector) invoke(ctx context.Context, inv *Invocation, s *slot) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("member panicked: %v", r)
		}
	}()
	return s.fn(ctx, inv, c)
}

// Get returns a copy of the named slot's value. "payload" returns the group
// input immediately; any other slot blocks until its member has completed or
// ctx is done. Reading a failed slot returns the member's error.
func (c *Collector) Get(ctx context.Context, name string) (any, error) {
	if name == PayloadSlot {
		return Clone(c.payload), nil
	}

	c.mu.Lock()
	executed := c.executed
	s, ok := c.slots[name]
	c.mu.Unlock()

	if !executed {
		return nil, fmt.Errorf("%w: read of %s", ErrCollectorNotRunning, name)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSlot, name)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if s.err != nil {
		return nil, fmt.Errorf("slot %s: %w", name, s.err)
	}
	return Clone(s.value), nil
}
