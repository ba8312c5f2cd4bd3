// Package tt supports table-driven tests with little boilerplate.
//
// A test names the function under test with Fn, and lists cases built with
// Args(...).Rets(...):
//
//	tt.Test(t, tt.Fn("Resolve", r.Resolve),
//		tt.Args(".").Rets(wd, nil),
//		tt.Args("").Rets("", tt.AnyError),
//	)
package tt

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Case is one call of the function under test, with the arguments and the
// expected return values.
type Case struct {
	args []any
	rets []any
}

// Args returns a new Case with the given arguments.
func Args(args ...any) *Case { return &Case{args: args} }

// Rets sets the expected return values and returns the receiver. A value
// implementing Matcher is matched by calling its Match method; other values
// are compared with cmp.Equal, treating nil and empty slices and maps as
// equal.
func (c *Case) Rets(rets ...any) *Case {
	c.rets = rets
	return c
}

// FnToTest describes a function to test.
type FnToTest struct {
	name string
	body any
}

// Fn makes a new FnToTest with the given function name and body.
func Fn(name string, body any) *FnToTest {
	return &FnToTest{name, body}
}

// T is the subset of testing.TB used by Test.
type T interface {
	Helper()
	Errorf(format string, args ...any)
}

var cmpOpts = []cmp.Option{cmpopts.EquateEmpty(), cmpopts.EquateErrors()}

// Test calls fn with the arguments of each Case and reports return values
// that do not match.
func Test(t T, fn *FnToTest, cases ...*Case) {
	t.Helper()
	for _, c := range cases {
		rets := call(fn.body, c.args)
		if len(rets) != len(c.rets) {
			t.Errorf("%s(%s) returned %d values, test case expects %d",
				fn.name, join(c.args), len(rets), len(c.rets))
			continue
		}
		for i, want := range c.rets {
			if !matchOne(want, rets[i]) {
				t.Errorf("%s(%s) -> %s, want %s",
					fn.name, join(c.args), sprintRets(rets), sprintRets(c.rets))
				break
			}
		}
	}
}

// Matcher wraps the Match method.
type Matcher interface {
	// Match reports whether a return value is considered a match. The argument
	// is of type RetValue so that it cannot be implemented accidentally.
	Match(RetValue) bool
}

// RetValue is the type of the argument to Matcher.Match.
type RetValue any

// Any is a Matcher that matches any value.
var Any Matcher = matcherFunc(func(RetValue) bool { return true })

// AnyError is a Matcher that matches any non-nil error.
var AnyError Matcher = matcherFunc(func(v RetValue) bool {
	err, ok := v.(error)
	return ok && err != nil
})

// ErrorContaining returns a Matcher that matches errors whose message
// contains s.
func ErrorContaining(s string) Matcher {
	return matcherFunc(func(v RetValue) bool {
		err, ok := v.(error)
		return ok && err != nil && strings.Contains(err.Error(), s)
	})
}

type matcherFunc func(RetValue) bool

func (f matcherFunc) Match(v RetValue) bool { return f(v) }

func matchOne(want, got any) bool {
	if m, ok := want.(Matcher); ok {
		return m.Match(got)
	}
	return cmp.Equal(want, got, cmpOpts...)
}

func sprintRets(rets []any) string {
	if len(rets) == 1 {
		return fmt.Sprintf("%#v", rets[0])
	}
	return "(" + join(rets) + ")"
}

func join(args []any) string {
	var sb strings.Builder
	for i, arg := range args {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%#v", arg)
	}
	return sb.String()
}

func call(fn any, args []any) []any {
	fnValue := reflect.ValueOf(fn)
	fnType := fnValue.Type()
	argsReflect := make([]reflect.Value, len(args))
	for i, arg := range args {
		if arg == nil {
			// reflect.ValueOf(nil) is the zero Value; use a zero value of the
			// parameter type instead.
			argsReflect[i] = reflect.Zero(paramType(fnType, i))
		} else {
			argsReflect[i] = reflect.ValueOf(arg)
		}
	}
	retsReflect := fnValue.Call(argsReflect)
	rets := make([]any, len(retsReflect))
	for i, retReflect := range retsReflect {
		rets[i] = retReflect.Interface()
	}
	return rets
}

func paramType(fnType reflect.Type, i int) reflect.Type {
	if fnType.IsVariadic() && i >= fnType.NumIn()-1 {
		return fnType.In(fnType.NumIn() - 1).Elem()
	}
	return fnType.In(i)
}
