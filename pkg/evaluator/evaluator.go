// Package evaluator evaluates code chunks in a persistent Elvish namespace.
//
// An Evaluator is what a worker serves over its channel. It is also used
// directly by the in-process session, which is why it knows nothing about
// processes or pipes.
package evaluator

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"src.elv.sh/pkg/eval"
	"src.elv.sh/pkg/eval/vals"
	"src.elv.sh/pkg/eval/vars"
	"src.elv.sh/pkg/mods"
	"src.elv.sh/pkg/parse"

	"github.com/elves/evald/pkg/evalproto"
	"github.com/elves/evald/pkg/logutil"
)

var logger = logutil.GetLogger("evaluator")

// SourceName is the name given to evaluated code chunks in error traces.
const SourceName = "[eval]"

// EnvVarName is the name of the read-only variable holding the path of the
// activated environment.
const EnvVarName = "evald-env"

// Evaluator keeps an Elvish Evaler and evaluates code chunks in its global
// namespace, one at a time. It implements evalproto.Handler.
type Evaluator struct {
	mu      sync.Mutex
	ev      *eval.Evaler
	envPath string
}

var _ evalproto.Handler = (*Evaluator)(nil)

// New creates an Evaluator with the standard library modules available to
// "use" and the environment variable defined in the global namespace.
func New() *Evaluator {
	e := &Evaluator{ev: eval.NewEvaler()}
	mods.AddTo(e.ev)
	e.ev.ExtendGlobal(eval.BuildNs().AddVar(EnvVarName, vars.FromGet(e.getEnvPath)))
	return e
}

// Only called during evaluation, with e.mu held.
func (e *Evaluator) getEnvPath() any { return e.envPath }

// Eval evaluates a code chunk and returns everything it produced. Output
// written before a failure is kept.
func (e *Evaluator) Eval(req evalproto.EvalRequest) *evalproto.EvalResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	values, stdout, stderr, err := e.run(req.Code)
	res := &evalproto.EvalResult{
		ID: req.ID, Stdout: string(stdout), Stderr: string(stderr)}
	if err != nil {
		res.Error = describe(err)
	} else {
		res.Values = toValues(values)
	}
	res.Duration = time.Since(start)
	logger.Debug().Str("id", req.ID).Dur("duration", res.Duration).
		Bool("failed", res.Error != nil).Msg("evaluated")
	return res
}

func (e *Evaluator) run(code string) (values []any, stdout, stderr []byte, err error) {
	outPort, collectOut, err := eval.CapturePort()
	if err != nil {
		return nil, nil, nil, internalError{err}
	}
	errPort, collectErr, err := eval.CapturePort()
	if err != nil {
		collectOut()
		return nil, nil, nil, internalError{err}
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).
				Msg("evaluation panicked")
			err = panicError{r}
		}
		values, stdout = collectOut()
		_, stderr = collectErr()
	}()
	err = e.ev.Eval(parse.Source{Name: SourceName, Code: code},
		eval.EvalCfg{Ports: []*eval.Port{eval.DummyInputPort, outPort, errPort}})
	return
}

func toValues(vs []any) []evalproto.Value {
	if len(vs) == 0 {
		return nil
	}
	values := make([]evalproto.Value, len(vs))
	for i, v := range vs {
		values[i] = toValue(v)
	}
	return values
}

func toValue(v any) (value evalproto.Value) {
	value.Kind = vals.Kind(v)
	defer func() {
		if r := recover(); r != nil {
			value.Repr = fmt.Sprintf("<unrepresentable %s>", value.Kind)
		}
	}()
	value.Repr = vals.ReprPlain(v)
	return value
}

// Activate makes path the working directory of subsequent evaluations and
// loads the .env file in it, if there is one. It fails without changing
// anything if path is not a directory or the .env file cannot be parsed.
func (e *Evaluator) Activate(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	dotEnv, err := loadEnv(path)
	if err != nil {
		return err
	}
	if err := e.ev.Chdir(path); err != nil {
		return err
	}
	for k, v := range dotEnv {
		os.Setenv(k, v)
	}
	e.envPath = path
	logger.Info().Str("path", path).Int("dotenv", len(dotEnv)).Msg("activated")
	return nil
}

// EnvPath returns the path of the activated environment, or "" if none has
// been activated.
func (e *Evaluator) EnvPath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.envPath
}

// Info returns a snapshot of the evaluator.
func (e *Evaluator) Info() *evalproto.InfoResult {
	names := e.Names()
	modules := 0
	for _, name := range names {
		if strings.HasSuffix(name, eval.NsSuffix) {
			modules++
		}
	}
	return &evalproto.InfoResult{
		Pid:            os.Getpid(),
		RuntimeVersion: RuntimeVersion(),
		EnvPath:        e.EnvPath(),
		Bindings:       names,
		Modules:        modules,
	}
}

// Names returns the names of all bindings in the global namespace, sorted.
// Functions carry the "~" suffix and namespaces the ":" suffix.
func (e *Evaluator) Names() []string {
	var names []string
	vals.IterateKeys(e.ev.Global(), func(k any) bool {
		if name, ok := k.(string); ok {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	return names
}

// ErrStructural is returned by Delete for namespace bindings.
var ErrStructural = errors.New("namespace bindings cannot be deleted")

// Delete removes a binding from the global namespace.
func (e *Evaluator) Delete(name string) error {
	if strings.HasSuffix(name, eval.NsSuffix) {
		return ErrStructural
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _, _, err := e.run("del " + parse.Quote(name))
	return err
}

// RuntimeVersion returns the version of the Elvish runtime linked into the
// binary.
func RuntimeVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	if bi.Main.Path == "src.elv.sh" {
		return bi.Main.Version
	}
	for _, dep := range bi.Deps {
		if dep.Path == "src.elv.sh" {
			if dep.Replace != nil {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}
	return "unknown"
}
