package events

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// entry is one registered handler.
type entry struct {
	name     string
	priority int
	owner    any
	handler  Handler
	removed  atomic.Bool
}

// Bus dispatches events to handlers in ascending priority order. Handlers
// with equal priority run in registration order.
//
// All dispatch goes through a single FIFO task queue. A trigger issued while
// a dispatch is in progress (from a handler, or from another goroutine) is
// appended to the queue and runs after the current dispatch completes, on the
// goroutine that is already draining. No two dispatches ever overlap.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]*entry
	self     string
	relay    Relay
	queue    []func()
	draining bool
	logger   *zap.Logger
}

// New creates an empty Bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]*entry),
		logger:   logger,
	}
}

// SetSelf sets the local peer id. Events triggered here carry it as origin,
// and calls addressed to it run locally.
func (b *Bus) SetSelf(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.self = peerID
}

// Self returns the local peer id.
func (b *Bus) Self() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.self
}

// SetRelay installs the network relay. nil detaches it.
func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = r
}

// Handle identifies a single registered handler.
type Handle struct {
	bus   *Bus
	entry *entry
}

// Remove unregisters the handler. It is safe to call more than once.
func (h *Handle) Remove() {
	if h == nil || h.entry == nil {
		return
	}
	h.bus.remove(func(e *entry) bool { return e == h.entry })
}

// On registers a handler not bound to any listener.
func (b *Bus) On(name string, priority int, h Handler) *Handle {
	return &Handle{bus: b, entry: b.add(name, priority, nil, h)}
}

// Listener scopes a group of handlers to one owner so they can be
// unregistered together.
type Listener struct {
	bus   *Bus
	owner any
}

// Register returns a listener for owner.
func (b *Bus) Register(owner any) *Listener {
	return &Listener{bus: b, owner: owner}
}

// On attaches a handler to the listener's owner.
func (l *Listener) On(name string, priority int, h Handler) *Listener {
	l.bus.add(name, priority, l.owner, h)
	return l
}

// Unregister removes every handler registered for owner.
func (b *Bus) Unregister(owner any) {
	if owner == nil {
		return
	}
	b.remove(func(e *entry) bool { return e.owner == owner })
}

func (b *Bus) add(name string, priority int, owner any, h Handler) *entry {
	e := &entry{name: name, priority: priority, owner: owner, handler: h}

	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[name]
	// insert after every entry with the same priority
	i := sort.Search(len(list), func(i int) bool { return list[i].priority > priority })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	b.handlers[name] = list
	return e
}

func (b *Bus) remove(match func(*entry) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, list := range b.handlers {
		kept := make([]*entry, 0, len(list))
		for _, e := range list {
			if match(e) {
				e.removed.Store(true)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(b.handlers, name)
		} else {
			b.handlers[name] = kept
		}
	}
}

// HandlerCount returns the number of handlers registered for name.
func (b *Bus) HandlerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[name])
}

// Trigger broadcasts an event to local handlers and, through the relay, to
// every connected peer.
func (b *Bus) Trigger(name string, data Data) {
	b.enqueueEvent(Event{Name: name, Data: data}, true)
}

// TriggerLocal dispatches an event that is never forwarded.
func (b *Bus) TriggerLocal(name string, data Data) {
	b.enqueueEvent(Event{Name: name, Data: data, Local: true}, true)
}

// Call addresses an event to exactly one peer. When target is the local
// peer the handlers run here and nothing is sent; otherwise only target acts.
func (b *Bus) Call(name string, data Data, target string) {
	b.enqueueEvent(Event{Name: name, Data: data, Target: target}, true)
}

// Inject dispatches an event received from another peer. Its origin is kept.
func (b *Bus) Inject(ev Event) {
	b.enqueueEvent(ev, false)
}

// Post schedules fn to run after the current dispatch completes.
func (b *Bus) Post(fn func()) {
	b.enqueue(func() {
		defer b.recoverTask("posted task")
		fn()
	})
}

func (b *Bus) enqueueEvent(ev Event, stampOrigin bool) {
	if stampOrigin {
		ev.Origin = b.Self()
	}
	b.enqueue(func() { b.dispatch(ev) })
}

func (b *Bus) enqueue(task func()) {
	b.mu.Lock()
	b.queue = append(b.queue, task)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.mu.Unlock()
		next()
		b.mu.Lock()
	}
	b.draining = false
	b.mu.Unlock()
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	self := b.self
	relay := b.relay
	list := append([]*entry(nil), b.handlers[ev.Name]...)
	b.mu.Unlock()

	if ev.Target == "" || ev.Target == self {
		for _, e := range list {
			if e.removed.Load() {
				continue
			}
			if b.invoke(e, ev) {
				break
			}
		}
	}

	if relay != nil && !ev.Local && ev.Origin == self && (ev.Target == "" || ev.Target != self) {
		relay.Relay(ev)
	}
}

// invoke runs one handler and reports whether propagation should stop.
func (b *Bus) invoke(e *entry, ev Event) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", ev.Name),
				zap.Int("priority", e.priority),
				zap.Any("panic", r),
			)
			stop = false
		}
	}()
	err := e.handler(ev)
	if errors.Is(err, ErrStopPropagation) {
		return true
	}
	if err != nil {
		b.logger.Warn("event handler failed",
			zap.String("event", ev.Name),
			zap.String("origin", ev.Origin),
			zap.Int("priority", e.priority),
			zap.Error(err),
		)
	}
	return false
}

func (b *Bus) recoverTask(what string) {
	if r := recover(); r != nil {
		b.logger.Error("task panicked", zap.String("task", what), zap.Any("panic", r))
	}
}
