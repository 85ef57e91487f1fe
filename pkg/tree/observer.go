package tree

import (
	"reflect"
	"slices"
)

// EventKind identifies an observer event.
type EventKind uint8

const (
	EventCreated EventKind = iota + 1
	EventDestroying
	EventValuesChanged
	EventRenamed
	EventChildAdded
	EventChildRemoved
	EventParentChanged
	EventUpdate
)

var eventNames = map[EventKind]string{
	EventCreated:       "created",
	EventDestroying:    "destroying",
	EventValuesChanged: "values-changed",
	EventRenamed:       "renamed",
	EventChildAdded:    "child-added",
	EventChildRemoved:  "child-removed",
	EventParentChanged: "parent-changed",
	EventUpdate:        "update",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return "unknown"
}

// Observer callback signatures. Node handles passed to callbacks are
// closed when the callback returns; use CopyNodeHandle to keep one.
type (
	// NodeFunc observes created, destroying, values-changed and renamed.
	NodeFunc func(n *Node, userData any)
	// ChildFunc observes child-added and child-removed on the parent's
	// metanode.
	ChildFunc func(parent, child *Node, userData any)
	// ParentFunc observes parent-changed on the moved node's metanode.
	ParentFunc func(n, newParent, oldParent *Node, userData any)
	// UpdateFunc observes the per-frame update tick.
	UpdateFunc func(dt float64, userData any)
	// NodeEventFunc observes a named interaction event on one node.
	NodeEventFunc func(n, other *Node, userData any)
	// ChangeFunc receives committed mutations.
	ChangeFunc func(c Change)
)

// Subscription identifies one registration.
type Subscription uint64

type subscription struct {
	id       Subscription
	kind     EventKind
	meta     string
	event    string // node events only
	fn       any
	fnPtr    uintptr
	userData any
	removed  bool
}

func funcPtr(fn any) uintptr {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return 0
	}
	return v.Pointer()
}

func (s *Store) subscribe(kind EventKind, metaName string, fn any, userData any) Subscription {
	if s.guard("Register", PermObserve) != nil {
		return 0
	}
	sub := &subscription{
		id:       s.nextSubscription(),
		kind:     kind,
		meta:     metaName,
		fn:       fn,
		fnPtr:    funcPtr(fn),
		userData: userData,
	}
	s.observers[kind] = append(s.observers[kind], sub)
	return sub.id
}

// OnCreated registers fn for nodes of metaName being created. An empty
// metaName observes every metanode.
func (s *Store) OnCreated(metaName string, fn NodeFunc, userData any) Subscription {
	return s.subscribe(EventCreated, metaName, fn, userData)
}

// OnDestroying registers fn for nodes of metaName about to be deleted.
func (s *Store) OnDestroying(metaName string, fn NodeFunc, userData any) Subscription {
	return s.subscribe(EventDestroying, metaName, fn, userData)
}

// OnValuesChanged registers fn for property changes on nodes of metaName.
func (s *Store) OnValuesChanged(metaName string, fn NodeFunc, userData any) Subscription {
	return s.subscribe(EventValuesChanged, metaName, fn, userData)
}

// OnRenamed registers fn for renames of nodes of metaName.
func (s *Store) OnRenamed(metaName string, fn NodeFunc, userData any) Subscription {
	return s.subscribe(EventRenamed, metaName, fn, userData)
}

// OnChildAdded registers fn for children added to parents of metaName.
func (s *Store) OnChildAdded(metaName string, fn ChildFunc, userData any) Subscription {
	return s.subscribe(EventChildAdded, metaName, fn, userData)
}

// OnChildRemoved registers fn for children removed from parents of
// metaName.
func (s *Store) OnChildRemoved(metaName string, fn ChildFunc, userData any) Subscription {
	return s.subscribe(EventChildRemoved, metaName, fn, userData)
}

// OnParentChanged registers fn for moves of nodes of metaName.
func (s *Store) OnParentChanged(metaName string, fn ParentFunc, userData any) Subscription {
	return s.subscribe(EventParentChanged, metaName, fn, userData)
}

// OnUpdate registers fn for the per-frame tick run by Update.
func (s *Store) OnUpdate(fn UpdateFunc, userData any) Subscription {
	return s.subscribe(EventUpdate, "", fn, userData)
}

// Remove unregisters every registration of fn for kind and metaName and
// returns how many were removed.
func (s *Store) Remove(kind EventKind, metaName string, fn any) int {
	ptr := funcPtr(fn)
	return s.removeWhere(kind, func(sub *subscription) bool {
		return sub.meta == metaName && sub.fnPtr == ptr
	})
}

// RemoveEx is Remove restricted to registrations made with userData.
func (s *Store) RemoveEx(kind EventKind, metaName string, fn any, userData any) int {
	ptr := funcPtr(fn)
	return s.removeWhere(kind, func(sub *subscription) bool {
		return sub.meta == metaName && sub.fnPtr == ptr && sameUserData(sub.userData, userData)
	})
}

// Unsubscribe removes one registration. It reports whether sub existed.
func (s *Store) Unsubscribe(sub Subscription) bool {
	for kind := range s.observers {
		if s.removeWhere(kind, func(x *subscription) bool { return x.id == sub }) > 0 {
			return true
		}
	}
	for id, list := range s.nodeEvents {
		if i := slices.IndexFunc(list, func(x *subscription) bool { return x.id == sub }); i >= 0 {
			list[i].removed = true
			s.nodeEvents[id] = slices.Delete(list, i, i+1)
			return true
		}
	}
	if i := slices.IndexFunc(s.sinks, func(x *subscription) bool { return x.id == sub }); i >= 0 {
		s.sinks[i].removed = true
		s.sinks = slices.Delete(s.sinks, i, i+1)
		return true
	}
	return false
}

func (s *Store) removeWhere(kind EventKind, match func(*subscription) bool) int {
	removed := 0
	s.observers[kind] = slices.DeleteFunc(s.observers[kind], func(sub *subscription) bool {
		if match(sub) {
			sub.removed = true
			removed++
			return true
		}
		return false
	})
	return removed
}

// sameUserData compares user data without panicking on incomparable
// dynamic types; those only match themselves by pointer identity.
func sameUserData(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch va.Kind() {
	case reflect.Map, reflect.Slice, reflect.Func:
		return va.Pointer() == vb.Pointer()
	}
	return false
}

// dispatch calls the registrations of kind for metaName in registration
// order, followed by the wildcard registrations.
func (s *Store) dispatch(kind EventKind, metaName string, call func(sub *subscription)) {
	if s.silent > 0 {
		return
	}
	list := s.observers[kind]
	if len(list) == 0 {
		return
	}
	var specific, wildcard []*subscription
	for _, sub := range list {
		switch sub.meta {
		case metaName:
			specific = append(specific, sub)
		case "":
			wildcard = append(wildcard, sub)
		}
	}
	for _, sub := range append(specific, wildcard...) {
		if !sub.removed {
			call(sub)
		}
	}
}

func (s *Store) emitNode(kind EventKind, nd *node) {
	s.dispatch(kind, nd.meta.name(), func(sub *subscription) {
		h := s.handle(nd)
		sub.fn.(NodeFunc)(h, sub.userData)
		h.Close()
	})
}

func (s *Store) emitChild(kind EventKind, parent, child *node) {
	s.dispatch(kind, parent.meta.name(), func(sub *subscription) {
		p, c := s.handle(parent), s.handle(child)
		sub.fn.(ChildFunc)(p, c, sub.userData)
		p.Close()
		c.Close()
	})
}

func (s *Store) emitParent(nd, newParent, oldParent *node) {
	s.dispatch(EventParentChanged, nd.meta.name(), func(sub *subscription) {
		h, np, op := s.handle(nd), s.handle(newParent), s.handle(oldParent)
		sub.fn.(ParentFunc)(h, np, op, sub.userData)
		h.Close()
		np.Close()
		op.Close()
	})
}

func (s *Store) emitUpdate(dt float64) {
	for _, sub := range slices.Clone(s.observers[EventUpdate]) {
		if !sub.removed {
			sub.fn.(UpdateFunc)(dt, sub.userData)
		}
	}
}

// OnNodeEvent registers fn for the interaction event named event on the
// node of n, e.g. "Activate" or "Touch". The registration follows the
// node across migrations and ends when the node is deleted.
func (s *Store) OnNodeEvent(n *Node, event string, fn NodeEventFunc, userData any) (Subscription, error) {
	const op = "OnNodeEvent"
	if err := s.guard(op, PermObserve); err != nil {
		return 0, err
	}
	nd, err := s.nodeOf(op, n)
	if err != nil {
		return 0, err
	}
	if event == "" || fn == nil {
		return 0, s.fail(op, InvalidParameter, "event name and callback are required")
	}
	sub := &subscription{id: s.nextSubscription(), event: event, fn: fn, fnPtr: funcPtr(fn), userData: userData}
	s.nodeEvents[nd.id] = append(s.nodeEvents[nd.id], sub)
	return sub.id, nil
}

// FireNodeEvent runs the callbacks registered for event on n. other is the
// node that caused the interaction and may be nil.
func (s *Store) FireNodeEvent(n *Node, event string, other *Node) error {
	const op = "FireNodeEvent"
	nd, err := s.nodeOf(op, n)
	if err != nil {
		return err
	}
	for _, sub := range slices.Clone(s.nodeEvents[nd.id]) {
		if sub.removed || sub.event != event {
			continue
		}
		h := s.handle(nd)
		sub.fn.(NodeEventFunc)(h, other, sub.userData)
		h.Close()
	}
	return nil
}

// AddChangeSink registers fn to receive every committed mutation.
func (s *Store) AddChangeSink(fn ChangeFunc) Subscription {
	sub := &subscription{id: s.nextSubscription(), fn: fn, fnPtr: funcPtr(fn)}
	s.sinks = append(s.sinks, sub)
	return sub.id
}

func (s *Store) emitChange(c Change) {
	if s.silent > 0 || len(s.sinks) == 0 {
		return
	}
	c.Remote = c.Remote || s.remote > 0
	for _, sub := range slices.Clone(s.sinks) {
		if !sub.removed {
			sub.fn.(ChangeFunc)(c)
		}
	}
}
