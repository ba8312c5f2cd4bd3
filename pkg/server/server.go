// Package server serves the operations of evald as JSON-RPC 2.0 methods over
// stdin and stdout, framed with Content-Length headers.
package server

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/elves/evald/pkg/logutil"
	"github.com/elves/evald/pkg/ops"
	"github.com/elves/evald/pkg/prog"
)

var logger = logutil.GetLogger("server")

// Method names.
const (
	MethodEvaluate      = "evaluate"
	MethodHardReset     = "hardReset"
	MethodSoftReset     = "softReset"
	MethodInfo          = "info"
	MethodActivate      = "activate"
	MethodPackageAction = "packageAction"
	MethodHistory       = "history"
)

var (
	errMethodNotFound = &jsonrpc2.Error{
		Code: jsonrpc2.CodeMethodNotFound, Message: "method not found"}
	errInvalidParams = &jsonrpc2.Error{
		Code: jsonrpc2.CodeInvalidParams, Message: "invalid params"}
)

// CodeOperationFailed is the JSON-RPC error code of an operation that was
// aborted, such as when no worker could be spawned.
const CodeOperationFailed = -32000

// EvaluateParams are the parameters of "evaluate".
type EvaluateParams struct {
	Code      string `json:"code"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

// ActivateParams are the parameters of "activate".
type ActivateParams struct {
	Path string `json:"path"`
}

// PackageActionParams are the parameters of "packageAction".
type PackageActionParams struct {
	Action   string   `json:"action"`
	Packages []string `json:"packages"`
}

// HistoryParams are the parameters of "history".
type HistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

// Program is the server subprogram, selected with --serve.
type Program struct {
	run       bool
	inprocess *bool
	config    *string
}

func (p *Program) RegisterFlags(fs *prog.FlagSet) {
	fs.BoolVar(&p.run, "serve", false,
		"Serve JSON-RPC requests on stdin and stdout")
	p.inprocess = fs.InProcess()
	p.config = fs.Config()
}

func (p *Program) Run(fds [3]*os.File, args []string) error {
	if !p.run {
		return prog.NextProgram()
	}
	if len(args) > 0 {
		return prog.BadUsage("arguments are not allowed with --serve")
	}
	ctx := context.Background()
	o, err := ops.Start(ctx, ops.StartOptions{ConfigPath: *p.config, InProcess: *p.inprocess})
	if err != nil {
		return err
	}
	defer o.Close()
	Serve(ctx, fds[0], fds[1], o)
	return nil
}

// Serve serves requests read from r, writing responses to w, until r is
// exhausted or ctx is done.
func Serve(ctx context.Context, r io.ReadCloser, w io.WriteCloser, o *ops.Ops) {
	conn := jsonrpc2.NewConn(ctx,
		jsonrpc2.NewBufferedStream(transport{r, w}, jsonrpc2.VSCodeObjectCodec{}),
		handler(o), jsonrpc2.SetLogger(&logger))
	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		conn.Close()
	}
}

type transport struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (c transport) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c transport) Write(p []byte) (int, error) { return c.out.Write(p) }

func (c transport) Close() error {
	if err := c.in.Close(); err != nil {
		c.out.Close()
		return err
	}
	return c.out.Close()
}

type method func(context.Context, json.RawMessage) (ops.Result, error)

func handler(o *ops.Ops) jsonrpc2.Handler {
	return routingHandler(map[string]method{
		MethodEvaluate: func(ctx context.Context, raw json.RawMessage) (ops.Result, error) {
			var p EvaluateParams
			if err := unmarshal(raw, &p); err != nil {
				return ops.Result{}, err
			}
			return o.Evaluate(ctx, p.Code, time.Duration(p.TimeoutMs)*time.Millisecond)
		},
		MethodHardReset: noParams(o.HardReset),
		MethodSoftReset: noParams(o.SoftReset),
		MethodInfo:      noParams(o.Info),
		MethodActivate: func(ctx context.Context, raw json.RawMessage) (ops.Result, error) {
			var p ActivateParams
			if err := unmarshal(raw, &p); err != nil || p.Path == "" {
				return ops.Result{}, errInvalidParams
			}
			return o.Activate(ctx, p.Path)
		},
		MethodPackageAction: func(ctx context.Context, raw json.RawMessage) (ops.Result, error) {
			var p PackageActionParams
			if err := unmarshal(raw, &p); err != nil {
				return ops.Result{}, err
			}
			return o.PackageAction(ctx, p.Action, p.Packages)
		},
		MethodHistory: func(ctx context.Context, raw json.RawMessage) (ops.Result, error) {
			var p HistoryParams
			if err := unmarshal(raw, &p); err != nil {
				return ops.Result{}, err
			}
			return o.History(ctx, p.Limit)
		},
	})
}

func noParams(f func(context.Context) (ops.Result, error)) method {
	return func(ctx context.Context, _ json.RawMessage) (ops.Result, error) { return f(ctx) }
}

// Absent params are the same as an empty object.
func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if json.Unmarshal(raw, v) != nil {
		return errInvalidParams
	}
	return nil
}

// Each request is handled in its own goroutine, so that a hardReset can reach
// the session while an evaluation is blocked on a hung worker.
func routingHandler(methods map[string]method) jsonrpc2.Handler {
	return jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(func(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		fn, ok := methods[req.Method]
		if !ok {
			return nil, errMethodNotFound
		}
		var params json.RawMessage
		if req.Params != nil {
			params = *req.Params
		}
		start := time.Now()
		res, err := fn(ctx, params)
		if err != nil {
			if rpcErr, ok := err.(*jsonrpc2.Error); ok {
				return nil, rpcErr
			}
			logger.Error().Err(err).Str("method", req.Method).Msg("operation aborted")
			return nil, &jsonrpc2.Error{Code: CodeOperationFailed, Message: err.Error()}
		}
		logger.Debug().Str("method", req.Method).Dur("took", time.Since(start)).
			Bool("isError", res.IsError).Msg("served")
		return res, nil
	}))
}
