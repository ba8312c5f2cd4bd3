// Package evalproto implements the channel between the controller and a worker.
//
// The channel is a pair of unidirectional pipes carrying JSON-RPC 2.0
// messages with Content-Length framing. The worker announces itself with a
// "ready" notification, and then serves one request at a time. Everything
// produced by one evaluation, its output, error output and values or error,
// travels back in a single response.
//
// Values cross the process boundary as text: each value is sent as its
// representation plus the name of its kind, and nothing else of its structure
// survives.
package evalproto

import (
	"time"
)

// Methods of the protocol.
const (
	// Sent by the worker as a notification once it can accept requests.
	MethodReady    = "ready"
	MethodEval     = "eval"
	MethodActivate = "activate"
	MethodInfo     = "info"
)

// JSON-RPC error code for failed activations.
const CodeActivationFailed int64 = -32001

// ReadyInfo is the payload of the ready notification.
type ReadyInfo struct {
	Pid            int    `json:"pid"`
	RuntimeVersion string `json:"runtimeVersion"`
}

// EvalRequest asks the worker to evaluate a code chunk.
type EvalRequest struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// Value is the textual form of a value produced by an evaluation.
type Value struct {
	Repr string `json:"repr"`
	Kind string `json:"kind"`
}

// EvalError describes why an evaluation failed. It is data, not a Go error:
// a failed evaluation is a well-formed result.
type EvalError struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Trace   []string `json:"trace,omitempty"`
}

// EvalResult is the outcome of an evaluation. Values and Error are mutually
// exclusive.
type EvalResult struct {
	ID       string        `json:"id"`
	Values   []Value       `json:"values,omitempty"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Error    *EvalError    `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// HasValue returns whether the evaluation produced any value.
func (r *EvalResult) HasValue() bool { return len(r.Values) > 0 }

// ActivateRequest asks the worker to evaluate subsequent code in an
// environment.
type ActivateRequest struct {
	Path string `json:"path"`
}

// InfoResult is a snapshot of the state of a worker.
type InfoResult struct {
	Pid            int      `json:"pid"`
	RuntimeVersion string   `json:"runtimeVersion"`
	EnvPath        string   `json:"envPath"`
	Bindings       []string `json:"bindings"`
	Modules        int      `json:"modules"`
}
