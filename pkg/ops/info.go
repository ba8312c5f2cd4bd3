package ops

import (
	"context"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/elves/evald/pkg/evaluator"
)

type infoDoc struct {
	Mode           string     `yaml:"mode"`
	RuntimeVersion string     `yaml:"runtime_version,omitempty"`
	Environment    string     `yaml:"environment"`
	Generation     *int       `yaml:"generation,omitempty"`
	Worker         *workerDoc `yaml:"worker,omitempty"`
	WorkerError    string     `yaml:"worker_error,omitempty"`
	Bindings       []string   `yaml:"bindings"`
	Protected      []string   `yaml:"protected,omitempty"`
	Modules        int        `yaml:"modules"`
}

type workerDoc struct {
	ID      string `yaml:"id"`
	Pid     int    `yaml:"pid"`
	Started string `yaml:"started"`
}

// Info returns a YAML snapshot of the evaluation state. It does not spawn a
// worker.
func (o *Ops) Info(ctx context.Context) (Result, error) {
	doc := infoDoc{Mode: o.Mode(), Bindings: []string{}}
	if o.inproc != nil {
		info := o.inproc.Info()
		doc.RuntimeVersion = info.RuntimeVersion
		doc.Environment = info.EnvPath
		doc.Bindings = info.Bindings
		doc.Modules = info.Modules
		for _, b := range o.inproc.Bindings() {
			if b.Protected {
				doc.Protected = append(doc.Protected, b.Name)
			}
		}
	} else {
		info, err := o.sess.Info(ctx)
		if err != nil {
			return Result{}, err
		}
		doc.Generation = &info.Generation
		doc.Environment = info.EnvPath
		doc.WorkerError = info.WorkerFailure
		if info.WorkerID != "" {
			doc.Worker = &workerDoc{info.WorkerID, info.Pid, info.Started.Format(time.RFC3339)}
		}
		if wi := info.Worker; wi != nil {
			doc.RuntimeVersion = wi.RuntimeVersion
			doc.Bindings = wi.Bindings
			doc.Modules = wi.Modules
		} else {
			doc.RuntimeVersion = evaluator.RuntimeVersion()
		}
	}
	if doc.Environment == "" {
		doc.Environment = "(none)"
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return failed("Cannot render info: %v", err), nil
	}
	return Result{Text: string(out)}, nil
}
