package ffi

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// DefaultScriptPackages are the standard library packages a script may
// import. os, net, syscall, unsafe and friends are never exposed.
var DefaultScriptPackages = []string{
	"bytes",
	"errors",
	"fmt",
	"math",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode/utf8",
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Script is a Go interpreter bound to a Registry. Script code imports
// "vrtree" to reach the host:
//
//	import "vrtree"
//
//	func Grow(factor float64) (float64, error) {
//		v, err := vrtree.Call("Scale", factor, 2.0)
//		if err != nil {
//			return 0, err
//		}
//		return v.(float64), nil
//	}
type Script struct {
	mu  sync.Mutex
	in  *interp.Interpreter
	reg *Registry
}

// NewScript creates an interpreter that may import packages (nil means
// DefaultScriptPackages) plus the vrtree host package.
func NewScript(reg *Registry, packages []string) (*Script, error) {
	if packages == nil {
		packages = DefaultScriptPackages
	}
	allowed := make(map[string]bool, len(packages))
	for _, p := range packages {
		allowed[p] = true
	}
	symbols := interp.Exports{}
	for key, syms := range stdlib.Symbols {
		// keys are "import/path/name"
		if i := strings.LastIndexByte(key, '/'); i > 0 && allowed[key[:i]] {
			symbols[key] = syms
		}
	}

	s := &Script{in: interp.New(interp.Options{}), reg: reg}
	if err := s.in.Use(symbols); err != nil {
		return nil, fmt.Errorf("ffi: load stdlib: %w", err)
	}
	if err := s.in.Use(s.hostSymbols()); err != nil {
		return nil, fmt.Errorf("ffi: load host package: %w", err)
	}
	return s, nil
}

func (s *Script) hostSymbols() interp.Exports {
	call := func(name string, args ...any) (any, error) {
		vars := make([]Var, len(args))
		for i, a := range args {
			v, err := FromAny(a)
			if err != nil {
				return nil, err
			}
			vars[i] = v
		}
		res, err := s.reg.Invoke(name, vars...)
		if err != nil {
			return nil, err
		}
		return res.Any(), nil
	}
	register := func(name string) (any, error) {
		v, err := s.reg.EventRegister(name)
		if err != nil {
			return nil, err
		}
		return v.Any(), nil
	}
	return interp.Exports{
		"vrtree/vrtree": {
			"Call":          reflect.ValueOf(call),
			"EventRegister": reflect.ValueOf(register),
			"Self":          reflect.ValueOf(RegisterSelf),
			"Other":         reflect.ValueOf(RegisterOther),
		},
	}
}

// Eval runs src in the interpreter and returns the value of its last
// expression, if any.
func (s *Script) Eval(ctx context.Context, src string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.in.EvalWithContext(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("ffi: eval: %w", err)
	}
	if !res.IsValid() || !res.CanInterface() {
		return nil, nil
	}
	return res.Interface(), nil
}

func (s *Script) lookup(symbol string) (reflect.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, err := s.in.Eval(symbol)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("ffi: %s: %w", symbol, err)
	}
	if fn.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("ffi: %s is %s, not a function", symbol, fn.Kind())
	}
	if fn.Type().IsVariadic() {
		return reflect.Value{}, fmt.Errorf("ffi: %s: variadic script functions are not supported", symbol)
	}
	return fn, nil
}

// Export registers the script function symbol (e.g. "main.Grow") under
// name. Its parameters receive converted Var arguments; its first
// non-error result becomes the return value.
func (s *Script) Export(name, symbol string) error {
	fn, err := s.lookup(symbol)
	if err != nil {
		return err
	}
	t := fn.Type()
	return s.reg.Register(name, func(args []Var, _ any) (Var, error) {
		if len(args) != t.NumIn() {
			return Var{}, fmt.Errorf("%w: %s takes %d, got %d", ErrArgCount, name, t.NumIn(), len(args))
		}
		in := make([]reflect.Value, len(args))
		for i, a := range args {
			v, err := argValue(a, t.In(i))
			if err != nil {
				return Var{}, fmt.Errorf("ffi: %s argument %d: %w", name, i, err)
			}
			in[i] = v
		}
		return results(fn.Call(in))
	}, t.NumIn(), nil)
}

// ExportEvent registers the script function symbol, which must take no
// arguments, as the event function name.
func (s *Script) ExportEvent(name, symbol string) error {
	fn, err := s.lookup(symbol)
	if err != nil {
		return err
	}
	if fn.Type().NumIn() != 0 {
		return fmt.Errorf("ffi: event function %s must take no arguments", symbol)
	}
	return s.reg.RegisterEventFunction(name, func(any) error {
		_, err := results(fn.Call(nil))
		return err
	}, nil)
}

func argValue(a Var, t reflect.Type) (reflect.Value, error) {
	x := a.Any()
	if x == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(x)
	switch {
	case v.Type().AssignableTo(t):
		return v, nil
	case t.Kind() == reflect.String || v.Kind() == reflect.String:
		// reflect would convert ints to runes
	case v.Type().ConvertibleTo(t):
		return v.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("%w: %s into %s", ErrType, a.Kind(), t)
}

func results(out []reflect.Value) (Var, error) {
	var res Var
	found := false
	for _, o := range out {
		if o.Type() == errorType {
			if !o.IsNil() {
				return Var{}, o.Interface().(error)
			}
			continue
		}
		if found {
			continue
		}
		found = true
		v, err := FromAny(o.Interface())
		if err != nil {
			return Var{}, err
		}
		res = v
	}
	return res, nil
}
