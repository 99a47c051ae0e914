package projection

import (
	"fmt"
	"reflect"
	"runtime"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/plan"
)

var (
	errorType = reflect.TypeOf((*error)(nil)).Elem()
	valueType = reflect.TypeOf((*ir.Value)(nil)).Elem()
)

// ClassBased passes the values at Params, in order, to a constructor
// function and returns its result.
type ClassBased struct {
	ctor   reflect.Value
	name   string
	params []entity.Path
}

// NewClassBased wraps ctor, a function returning T or (T, error). The
// constructor must take exactly one parameter per path.
func NewClassBased(ctor any, params ...string) (*ClassBased, error) {
	v := reflect.ValueOf(ctor)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, &FieldError{Field: fmt.Sprintf("%T", ctor), Reason: "constructor is not a function"}
	}
	name := funcName(v)
	t := v.Type()
	if t.IsVariadic() || t.NumIn() != len(params) {
		return nil, &ProjectionArityError{Constructor: name, Want: len(params), Got: t.NumIn()}
	}
	switch {
	case t.NumOut() == 1:
	case t.NumOut() == 2 && t.Out(1) == errorType:
	default:
		return nil, &FieldError{Field: name, Reason: "constructor must return T or (T, error)"}
	}

	c := &ClassBased{ctor: v, name: name}
	for _, p := range params {
		c.params = append(c.params, entity.ParsePath(p))
	}
	return c, nil
}

// MustClassBased is like NewClassBased but panics on error.
func MustClassBased(ctor any, params ...string) *ClassBased {
	c, err := NewClassBased(ctor, params...)
	if err != nil {
		panic(err)
	}
	return c
}

// Describe restricts retrieval to the constructor parameters plus the
// identity.
func (c *ClassBased) Describe(desc *entity.Descriptor) (plan.Projection, error) {
	cols := make([]entity.Path, 0, len(c.params))
	for _, p := range c.params {
		if _, err := desc.Resolve(p); err != nil {
			return plan.Projection{}, &FieldError{Field: p.String(), Reason: err.Error()}
		}
		cols = append(cols, p.Clone())
	}
	return plan.Projection{Kind: plan.ProjectionClass, Columns: identityFirst(desc, cols)}, nil
}

// Apply calls the constructor with the row's values.
func (c *ClassBased) Apply(t *Target) (any, error) {
	ft := c.ctor.Type()
	args := make([]reflect.Value, len(c.params))
	for i, p := range c.params {
		v, err := t.Get(p)
		if err != nil {
			return nil, err
		}
		arg, err := convert(v, ft.In(i))
		if err != nil {
			return nil, &FieldError{Field: p.String(), Reason: err.Error()}
		}
		args[i] = arg
	}

	out := c.ctor.Call(args)
	if len(out) == 2 && !out[1].IsNil() {
		return nil, fmt.Errorf("%s: %w", c.name, out[1].Interface().(error))
	}
	return out[0].Interface(), nil
}

// convert maps a Value onto a Go parameter type. Null becomes the zero
// value; pointer parameters receive nil for null.
func convert(v ir.Value, t reflect.Type) (reflect.Value, error) {
	if ir.IsNull(v) {
		return reflect.Zero(t), nil
	}
	if t == valueType {
		return reflect.ValueOf(&v).Elem(), nil
	}
	if t.Kind() == reflect.Pointer {
		elem, err := convert(v, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(t.Elem())
		ptr.Elem().Set(elem)
		return ptr, nil
	}
	if t.Kind() == reflect.Interface && t.NumMethod() == 0 {
		return reflect.ValueOf(ir.ToAny(v)).Convert(t), nil
	}

	var src reflect.Value
	switch val := v.(type) {
	case ir.String:
		if t.Kind() != reflect.String {
			return reflect.Value{}, fmt.Errorf("cannot pass string to %s", t)
		}
		src = reflect.ValueOf(string(val))
	case ir.Int:
		switch t.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		default:
			return reflect.Value{}, fmt.Errorf("cannot pass int to %s", t)
		}
		src = reflect.ValueOf(int64(val))
	case ir.Bool:
		if t.Kind() != reflect.Bool {
			return reflect.Value{}, fmt.Errorf("cannot pass bool to %s", t)
		}
		src = reflect.ValueOf(bool(val))
	case ir.Record:
		if t != reflect.TypeOf(ir.Record{}) {
			return reflect.Value{}, fmt.Errorf("cannot pass record to %s", t)
		}
		src = reflect.ValueOf(val)
	default:
		return reflect.Value{}, fmt.Errorf("cannot pass %T to %s", v, t)
	}
	return src.Convert(t), nil
}

func funcName(v reflect.Value) string {
	if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
		return fn.Name()
	}
	return v.Type().String()
}
