package ffi

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/orneryd/vrtree/pkg/tree"
)

// Event register names.
const (
	RegisterSelf  = "__Self"
	RegisterOther = "__Other"
)

var (
	ErrDuplicate       = errors.New("ffi: function already registered")
	ErrUnknownFunction = errors.New("ffi: unknown function")
	ErrArgCount        = errors.New("ffi: too few arguments")
	ErrNoEvent         = errors.New("ffi: no event in progress")
)

// Func is a registered function. It returns one value; functions without
// a result return Nil.
type Func func(args []Var, userData any) (Var, error)

// EventFunc is a registered event function. The triggering nodes are
// available through Registry.EventRegister while it runs.
type EventFunc func(userData any) error

type function struct {
	fn       Func
	ptr      uintptr
	minArgc  int
	userData any
}

type eventFunction struct {
	fn       EventFunc
	userData any
}

// Registry holds named functions and event functions. It is safe for
// concurrent use; callbacks run without the lock held.
type Registry struct {
	mu        sync.RWMutex
	funcs     map[string]*function
	events    map[string]*eventFunction
	registers []map[string]Var
	log       *zap.Logger
}

// NewRegistry returns an empty registry. log may be nil.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		funcs:  make(map[string]*function),
		events: make(map[string]*eventFunction),
		log:    log,
	}
}

// Register adds fn under name. Calls with fewer than minArgc arguments are
// rejected before fn runs.
func (r *Registry) Register(name string, fn Func, minArgc int, userData any) error {
	if name == "" || fn == nil {
		return fmt.Errorf("ffi: register %q: name and function are required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.funcs[name] = &function{fn: fn, ptr: reflect.ValueOf(fn).Pointer(), minArgc: minArgc, userData: userData}
	return nil
}

// Unregister removes name. A non-nil fn must be the registered function.
func (r *Registry) Unregister(name string, fn Func) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.funcs[name]
	if !ok {
		return false
	}
	if fn != nil && reflect.ValueOf(fn).Pointer() != f.ptr {
		return false
	}
	delete(r.funcs, name)
	return true
}

// Functions lists the registered function names in order.
func (r *Registry) Functions() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Invoke calls the function registered under name.
func (r *Registry) Invoke(name string, args ...Var) (Var, error) {
	r.mu.RLock()
	f, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return Var{}, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	if len(args) < f.minArgc {
		return Var{}, fmt.Errorf("%w: %s takes at least %d, got %d", ErrArgCount, name, f.minArgc, len(args))
	}
	return f.fn(args, f.userData)
}

// RegisterEventFunction adds or replaces the event function for name.
func (r *Registry) RegisterEventFunction(name string, fn EventFunc, userData any) error {
	if name == "" || fn == nil {
		return fmt.Errorf("ffi: register event %q: name and function are required", name)
	}
	r.mu.Lock()
	r.events[name] = &eventFunction{fn: fn, userData: userData}
	r.mu.Unlock()
	return nil
}

// UnregisterEventFunction removes an event function and reports whether it
// was registered.
func (r *Registry) UnregisterEventFunction(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[name]; !ok {
		return false
	}
	delete(r.events, name)
	return true
}

// InvokeEvent runs the event function name with the given registers.
// Nested events see their own registers.
func (r *Registry) InvokeEvent(name string, registers map[string]Var) error {
	r.mu.Lock()
	ev, ok := r.events[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: event %s", ErrUnknownFunction, name)
	}
	r.registers = append(r.registers, registers)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.registers = r.registers[:len(r.registers)-1]
		r.mu.Unlock()
	}()
	return ev.fn(ev.userData)
}

// EventRegister returns the register name of the innermost running event.
// Unset registers read as Nil.
func (r *Registry) EventRegister(name string) (Var, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.registers) == 0 {
		return Var{}, ErrNoEvent
	}
	return r.registers[len(r.registers)-1][name], nil
}

// BindNodeEvent runs the event function funcName whenever event fires on
// n. The node is in the __Self register and the node that caused the
// event, if any, in __Other.
func (r *Registry) BindNodeEvent(s *tree.Store, n *tree.Node, event, funcName string) (tree.Subscription, error) {
	return s.OnNodeEvent(n, event, func(self, other *tree.Node, _ any) {
		regs := make(map[string]Var, 2)
		if v, err := MakeNode(s, self); err == nil {
			regs[RegisterSelf] = v
		}
		if other != nil {
			if v, err := MakeNode(s, other); err == nil {
				regs[RegisterOther] = v
			}
		}
		if err := r.InvokeEvent(funcName, regs); err != nil {
			r.log.Warn("node event function failed",
				zap.String("event", event),
				zap.String("function", funcName),
				zap.Error(err))
		}
	}, nil)
}
