package parsers

import (
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// jsDangerousGlobals are removed from every parser VM. The sandbox keeps the
// transform a pure function over its input.
var jsDangerousGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
	"setTimeout",
	"setInterval",
}

// JS runs a user-supplied JavaScript transform as an output parser. The
// source must define a function parse(text) returning a string, an array of
// strings, or an object with string values. The VM is sandboxed and reused
// across calls under a mutex.
type JS struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	parseFn goja.Callable
	timeout time.Duration
}

// NewJS compiles source in a sandboxed VM. timeout bounds a single Parse
// call; zero means one second.
func NewJS(source string, timeout time.Duration) (*JS, error) {
	if timeout <= 0 {
		timeout = time.Second
	}

	vm := goja.New()
	if err := applyJSSandbox(vm); err != nil {
		return nil, sdkerrors.Parser(err)
	}
	if _, err := vm.RunString(source); err != nil {
		return nil, sdkerrors.Parser(fmt.Errorf("compile parser source: %w", err))
	}

	parseFn, ok := goja.AssertFunction(vm.Get("parse"))
	if !ok {
		return nil, sdkerrors.Parser(fmt.Errorf("parser source must define a parse(text) function"))
	}

	return &JS{vm: vm, parseFn: parseFn, timeout: timeout}, nil
}

// Parse implements Output.
func (p *JS) Parse(text string) (Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	timer := time.AfterFunc(p.timeout, func() {
		p.vm.Interrupt("parse timeout exceeded")
	})
	defer timer.Stop()
	defer p.vm.ClearInterrupt()

	result, err := p.parseFn(goja.Undefined(), p.vm.ToValue(text))
	if err != nil {
		return Value{}, sdkerrors.Parser(fmt.Errorf("parse(text) failed: %w", err))
	}
	return fromJSValue(result.Export())
}

// fromJSValue converts an exported goja value into a tagged Value.
func fromJSValue(exported any) (Value, error) {
	switch v := exported.(type) {
	case string:
		return StringValue(v), nil
	case []any:
		items := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return Value{}, sdkerrors.Parser(fmt.Errorf("array element %d is %T, want string", i, item))
			}
			items[i] = s
		}
		return ListValue(items), nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for key, item := range v {
			s, ok := item.(string)
			if !ok {
				return Value{}, sdkerrors.Parser(fmt.Errorf("object value for %q is %T, want string", key, item))
			}
			out[key] = s
		}
		return MapValue(out), nil
	default:
		return Value{}, sdkerrors.Parser(fmt.Errorf("parse(text) returned %T, want string, array or object", exported))
	}
}

// applyJSSandbox removes host-environment globals from the VM.
func applyJSSandbox(vm *goja.Runtime) error {
	for _, name := range jsDangerousGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}

// NewJSInput compiles source as an input parser. The source must define a
// function parse(items) receiving an array of strings and returning an array
// of strings.
func NewJSInput(source string, timeout time.Duration) (Input, error) {
	js, err := NewJS(source, timeout)
	if err != nil {
		return nil, err
	}
	return func(values []string) ([]string, error) {
		js.mu.Lock()
		defer js.mu.Unlock()

		timer := time.AfterFunc(js.timeout, func() {
			js.vm.Interrupt("parse timeout exceeded")
		})
		defer timer.Stop()
		defer js.vm.ClearInterrupt()

		result, err := js.parseFn(goja.Undefined(), js.vm.ToValue(values))
		if err != nil {
			return nil, sdkerrors.Parser(fmt.Errorf("parse(items) failed: %w", err))
		}
		value, err := fromJSValue(result.Export())
		if err != nil {
			return nil, err
		}
		if value.Kind != KindList {
			return nil, sdkerrors.Parser(fmt.Errorf("input parser must return an array of strings"))
		}
		return value.List, nil
	}, nil
}
