// Copyright (C) 2026  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

package deploy

// method table

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"

	"lab.nexedi.com/kirr/entity/ejb"
	"lab.nexedi.com/kirr/entity/txpolicy"
)

var (
	rContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	rError   = reflect.TypeOf((*error)(nil)).Elem()
)

// BeanMethod is bean method that implements an interface method.
type BeanMethod struct {
	Method ejb.Method    // interface method
	Op     ejb.Operation // what kind of call it is: create, find, home, business or remove
	Name   string        // name of bean method

	TxType txpolicy.Type
	Roles  []string

	// EjbPostCreateX for create methods.
	PostCreate *BeanMethod

	beanType reflect.Type // type of bean instances
	index    int          // method index in beanType
	ftype    reflect.Type // method type without receiver
	result   bool         // whether method returns a value besides error
}

func (bm *BeanMethod) String() string {
	return fmt.Sprintf("%s -> %s", bm.Method, bm.Name)
}

// NumIn returns number of arguments the method accepts after ctx.
func (bm *BeanMethod) NumIn() int { return bm.ftype.NumIn() - 1 }

// Signature returns Go signature of the bean method.
func (bm *BeanMethod) Signature() string {
	return strings.TrimPrefix(bm.ftype.String(), "func")
}

// resolve finds bean method implementing interface method m.
func (bc *BeanContext) resolve(m ejb.Method) (*BeanMethod, error) {
	name := m.Name
	var op ejb.Operation
	var implName string
	withResult := false

	switch {
	case name == "Remove":
		op, implName = ejb.OpRemove, "EjbRemove"

	case !m.Interface.IsHome():
		op, implName = ejb.OpBusiness, name

	case strings.HasPrefix(name, "Create"):
		op, implName, withResult = ejb.OpCreate, "Ejb"+name, true

	case strings.HasPrefix(name, "Find"):
		op, implName, withResult = ejb.OpFind, "Ejb"+name, true

	default:
		op, implName = ejb.OpHome, "EjbHome"+name
	}

	bm, err := bc.method(m, op, implName)
	if err != nil {
		return nil, err
	}
	if withResult && !bm.result {
		return nil, fmt.Errorf("%s: %s%s: must return (result, error)", m, bm.Name, bm.Signature())
	}

	if op == ejb.OpCreate {
		post, err := bc.method(m, ejb.OpPostCreate, "EjbPost"+name)
		if err != nil {
			return nil, err
		}
		if post.result {
			return nil, fmt.Errorf("%s: %s%s: must return only error", m, post.Name, post.Signature())
		}
		if post.NumIn() != bm.NumIn() {
			return nil, fmt.Errorf("%s: %s%s: arguments mismatch %s%s", m,
				post.Name, post.Signature(), bm.Name, bm.Signature())
		}
		for i := 1; i < bm.ftype.NumIn(); i++ {
			if post.ftype.In(i) != bm.ftype.In(i) {
				return nil, fmt.Errorf("%s: %s%s: arguments mismatch %s%s", m,
					post.Name, post.Signature(), bm.Name, bm.Signature())
			}
		}
		bm.PostCreate = post
	}

	return bm, nil
}

// method looks up bean method by name and checks its signature is
//
//	func(ctx context.Context, args...) ([result,] error)
func (bc *BeanContext) method(m ejb.Method, op ejb.Operation, name string) (*BeanMethod, error) {
	rm, ok := bc.beanType.MethodByName(name)
	if !ok {
		return nil, fmt.Errorf("%s: bean %s has no method %s", m, bc.beanType, name)
	}

	ftype := rm.Type // includes receiver
	bad := func(why string) error {
		return fmt.Errorf("%s: %s%s: %s", m, name, strings.TrimPrefix(ftype.String(), "func"), why)
	}

	if ftype.IsVariadic() {
		return nil, bad("variadic methods not supported")
	}
	if ftype.NumIn() < 2 || ftype.In(1) != rContext {
		return nil, bad("first argument must be context.Context")
	}
	nout := ftype.NumOut()
	if !(nout == 1 || nout == 2) || ftype.Out(nout-1) != rError {
		return nil, bad("must return ([result,] error)")
	}

	in := make([]reflect.Type, 0, ftype.NumIn()-1)
	for i := 1; i < ftype.NumIn(); i++ {
		in = append(in, ftype.In(i))
	}
	out := make([]reflect.Type, 0, nout)
	for i := 0; i < nout; i++ {
		out = append(out, ftype.Out(i))
	}

	return &BeanMethod{
		Method:   m,
		Op:       op,
		Name:     name,
		beanType: bc.beanType,
		index:    rm.Index,
		ftype:    reflect.FuncOf(in, out, false),
		result:   nout == 2,
	}, nil
}

// PanicError is bean code panic turned into error.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Call invokes the method on bean instance inst.
//
// The error returned by bean code is returned as is. Mechanism failures, such
// as arguments mismatch, and panics in bean code are returned as *ejb.SystemError.
func (bm *BeanMethod) Call(ctx context.Context, inst ejb.EntityBean, args []interface{}) (ret interface{}, err error) {
	if reflect.TypeOf(inst) != bm.beanType {
		return nil, ejb.SystemErrorf("%s: instance %T does not match deployment", bm, inst)
	}
	fn := reflect.ValueOf(inst).Method(bm.index)

	if len(args) != bm.NumIn() {
		return nil, ejb.SystemErrorf("%s: got %d arguments; want %d", bm, len(args), bm.NumIn())
	}
	argv := make([]reflect.Value, 1+len(args))
	argv[0] = reflect.ValueOf(ctx)
	for i, arg := range args {
		typ := bm.ftype.In(1 + i)
		v, ok := convertArg(arg, typ)
		if !ok {
			return nil, ejb.SystemErrorf("%s: argument #%d: cannot use %T as %s", bm, i, arg, typ)
		}
		argv[1+i] = v
	}

	defer func() {
		r := recover()
		if r != nil {
			ret = nil
			err = &ejb.SystemError{Err: &PanicError{Value: r, Stack: debug.Stack()}}
		}
	}()

	outv := fn.Call(argv)
	errv := outv[len(outv)-1]
	if !errv.IsNil() {
		err = errv.Interface().(error)
	}
	if bm.result {
		ret = outv[0].Interface()
	}
	return ret, err
}

// convertArg converts arg to value of type typ.
func convertArg(arg interface{}, typ reflect.Type) (reflect.Value, bool) {
	if arg == nil {
		switch typ.Kind() {
		case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
			return reflect.Zero(typ), true
		}
		return reflect.Value{}, false
	}

	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(typ) {
		return v, true
	}
	// untyped constants: e.g. int given for int64.
	// Only conversions that preserve the value are allowed.
	kind := numKind(v.Kind())
	if kind != 0 && kind == numKind(typ.Kind()) {
		c := v.Convert(typ)
		if c.Convert(v.Type()).Interface() == arg {
			return c, true
		}
	}
	return reflect.Value{}, false
}

// numKind tells whether kind is integer ('i') or floating point ('f') number.
func numKind(kind reflect.Kind) byte {
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return 'i'
	case reflect.Float32, reflect.Float64:
		return 'f'
	}
	return 0
}
