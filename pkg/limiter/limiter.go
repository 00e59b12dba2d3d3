package limiter

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/runlet/runlet/pkg/models"
)

// ErrResourceNotFound is returned when acquiring against an unregistered
// concurrency-limit name. It is fatal to the acquiring call, never retried.
var ErrResourceNotFound = errors.New("concurrency limit resource not found")

// ErrSlotsExceedCapacity is returned when a request can never be satisfied
// because it asks for more slots than the resource's capacity.
var ErrSlotsExceedCapacity = errors.New("requested slots exceed resource capacity")

// Registry holds named concurrency-limit resources. It is explicit
// process-wide state: construct one and pass it into the components that
// need Acquire, there is no package-level singleton.
//
// Each resource is a token bucket: tokens regenerate continuously at the
// resource's decay rate up to its capacity, and an acquire deducts tokens
// without ever returning them. Waiters are served strictly first come,
// first served.
type Registry struct {
	mu        sync.Mutex
	resources map[string]*bucket
}

func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]*bucket)}
}

// Register installs (or replaces) a named resource. Replacing a resource
// fails any callers currently waiting on the old one.
func (r *Registry) Register(l models.ConcurrencyLimit) error {
	if l.Name == "" {
		return errors.New("concurrency limit name cannot be empty")
	}
	if l.Capacity < 1 {
		return errors.New("concurrency limit capacity must be positive")
	}
	if l.DecayPerSecond < 0 {
		return errors.New("concurrency limit decay rate cannot be negative")
	}

	r.mu.Lock()
	old := r.resources[l.Name]
	r.resources[l.Name] = newBucket(l)
	r.mu.Unlock()

	if old != nil {
		old.failWaiters(errors.Wrapf(ErrResourceNotFound, "resource '%s' was replaced", l.Name))
	}
	return nil
}

// RegisterAll installs every limit, stopping at the first invalid one.
func (r *Registry) RegisterAll(limits []models.ConcurrencyLimit) error {
	for _, l := range limits {
		if err := r.Register(l); err != nil {
			return errors.Wrapf(err, "register limit '%s'", l.Name)
		}
	}
	return nil
}

// Unregister removes a named resource, failing any waiting acquirers.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	b := r.resources[name]
	delete(r.resources, name)
	r.mu.Unlock()

	if b != nil {
		b.failWaiters(errors.Wrapf(ErrResourceNotFound, "resource '%s' was removed", name))
	}
}

// List returns the registered limits.
func (r *Registry) List() []models.ConcurrencyLimit {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ConcurrencyLimit, 0, len(r.resources))
	for _, b := range r.resources {
		out = append(out, b.limit)
	}
	return out
}

// Acquire blocks until the named resource can grant the requested slots,
// then deducts them. Slots are reclaimed by decay alone; there is no
// release call. Returns ErrResourceNotFound for unknown names and the
// context error if ctx is cancelled while waiting.
func (r *Registry) Acquire(ctx context.Context, name string, slots int) error {
	if slots < 1 {
		slots = 1
	}

	r.mu.Lock()
	b, ok := r.resources[name]
	r.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrResourceNotFound, "resource '%s'", name)
	}
	if slots > b.limit.Capacity {
		return errors.Wrapf(ErrSlotsExceedCapacity, "resource '%s': %d > %d", name, slots, b.limit.Capacity)
	}
	return b.acquire(ctx, float64(slots))
}

// Available reports the number of whole tokens currently available in the
// named resource. Intended for inspection and tests.
func (r *Registry) Available(name string) (int, error) {
	r.mu.Lock()
	b, ok := r.resources[name]
	r.mu.Unlock()
	if !ok {
		return 0, errors.Wrapf(ErrResourceNotFound, "resource '%s'", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return int(b.tokens), nil
}

type waiter struct {
	slots float64
	ready chan struct{}
	// granted and err are written under the bucket mutex before ready closes.
	granted bool
	err     error
}

type bucket struct {
	mu      sync.Mutex
	limit   models.ConcurrencyLimit
	tokens  float64
	last    time.Time
	waiters *list.List
	timer   *time.Timer
}

func newBucket(l models.ConcurrencyLimit) *bucket {
	return &bucket{
		limit:   l,
		tokens:  float64(l.Capacity),
		last:    time.Now(),
		waiters: list.New(),
	}
}

func (b *bucket) acquire(ctx context.Context, slots float64) error {
	b.mu.Lock()
	b.refillLocked(time.Now())
	if b.waiters.Len() == 0 && b.tokens >= slots {
		b.tokens -= slots
		b.mu.Unlock()
		return nil
	}

	w := &waiter{slots: slots, ready: make(chan struct{})}
	elem := b.waiters.PushBack(w)
	b.rescheduleLocked()
	b.mu.Unlock()

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
		b.mu.Lock()
		if w.granted {
			// The grant raced with cancellation; the tokens are ours.
			b.mu.Unlock()
			return nil
		}
		if w.err != nil {
			// Settled by a resource replacement or removal: the element is
			// no longer on the list, so there is nothing to remove or grant.
			b.mu.Unlock()
			return w.err
		}
		b.waiters.Remove(elem)
		b.grantLocked(time.Now())
		b.mu.Unlock()
		return ctx.Err()
	}
}

// refillLocked regenerates tokens for the elapsed time, up to capacity.
func (b *bucket) refillLocked(now time.Time) {
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens += b.limit.DecayPerSecond * elapsed.Seconds()
		if max := float64(b.limit.Capacity); b.tokens > max {
			b.tokens = max
		}
	}
	b.last = now
}

// grantLocked serves waiters in FIFO order for as long as tokens last. The
// head waiter blocks everyone behind it, which is what keeps the queue
// starvation-free under a positive decay rate.
func (b *bucket) grantLocked(now time.Time) {
	b.refillLocked(now)
	for e := b.waiters.Front(); e != nil; {
		w := e.Value.(*waiter)
		if b.tokens < w.slots {
			break
		}
		b.tokens -= w.slots
		w.granted = true
		close(w.ready)
		next := e.Next()
		b.waiters.Remove(e)
		e = next
	}
	b.rescheduleLocked()
}

// rescheduleLocked arms a timer for the instant the head waiter's demand
// will be covered by decay. With decay 0 there is nothing to schedule: the
// head waits until capacity is replaced by other means (resource removal or
// cancellation).
func (b *bucket) rescheduleLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	head := b.waiters.Front()
	if head == nil || b.limit.DecayPerSecond <= 0 {
		return
	}
	need := head.Value.(*waiter).slots - b.tokens
	d := time.Duration(need / b.limit.DecayPerSecond * float64(time.Second))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	b.timer = time.AfterFunc(d, func() {
		b.mu.Lock()
		b.grantLocked(time.Now())
		b.mu.Unlock()
	})
}

func (b *bucket) failWaiters(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for e := b.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.err = err
		close(w.ready)
	}
	b.waiters.Init()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
