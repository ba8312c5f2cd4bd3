package evaluator

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"src.elv.sh/pkg/diag"
	"src.elv.sh/pkg/eval"
	"src.elv.sh/pkg/parse"
	"src.elv.sh/pkg/strutil"

	"github.com/elves/evald/pkg/evalproto"
)

// Kinds of evaluation errors other than exception reasons.
const (
	KindParse       = "parse-error"
	KindCompilation = "compilation-error"
	KindFail        = "fail"
	KindPanic       = "panic"
	KindInternal    = "internal"
)

type panicError struct{ value any }

func (e panicError) Error() string { return fmt.Sprint(e.value) }

type internalError struct{ err error }

func (e internalError) Error() string { return e.err.Error() }

func describe(err error) *evalproto.EvalError {
	if len(parse.UnpackErrors(err)) > 0 {
		return &evalproto.EvalError{Kind: KindParse, Message: err.Error()}
	}
	if len(eval.UnpackCompilationErrors(err)) > 0 {
		return &evalproto.EvalError{Kind: KindCompilation, Message: err.Error()}
	}
	switch err := err.(type) {
	case panicError:
		return &evalproto.EvalError{Kind: KindPanic, Message: err.Error()}
	case internalError:
		return &evalproto.EvalError{Kind: KindInternal, Message: err.Error()}
	case eval.Exception:
		reason := err.Reason()
		return &evalproto.EvalError{
			Kind:    reasonKind(reason),
			Message: reason.Error(),
			Trace:   trace(err.StackTrace()),
		}
	}
	return &evalproto.EvalError{Kind: KindInternal, Message: err.Error()}
}

func reasonKind(reason error) string {
	switch reason.(type) {
	case eval.FailError:
		return KindFail
	case eval.PipelineError:
		return "pipeline"
	case eval.ExternalCmdExit:
		return "external-cmd"
	case eval.Flow:
		return "flow"
	}
	t := reflect.TypeOf(reason)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "exception"
	}
	// CamelToDashed prefixes unexported names with a dash.
	return strings.TrimPrefix(strutil.CamelToDashed(t.Name()), "-")
}

// Renders a stack trace, innermost frame first, as "name:line:col: culprit".
func trace(st *eval.StackTrace) []string {
	var lines []string
	for ; st != nil; st = st.Next {
		if st.Head != nil {
			lines = append(lines, traceLine(st.Head))
		}
	}
	return lines
}

func traceLine(c *diag.Context) string {
	culprit := c.Body
	if i := strings.IndexByte(culprit, '\n'); i >= 0 {
		culprit = culprit[:i] + " ..."
	}
	return c.Name + ":" + strconv.Itoa(c.StartLine) + ":" + strconv.Itoa(c.StartCol) + ": " + culprit
}
