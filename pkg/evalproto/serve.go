package evalproto

import (
	"context"
	"encoding/json"
	"io"

	"github.com/sourcegraph/jsonrpc2"
)

// Handler serves requests on the worker side. Its methods are called one at a
// time.
type Handler interface {
	Eval(EvalRequest) *EvalResult
	Activate(path string) error
	Info() *InfoResult
}

// Serve serves requests read from r, writing responses to w, until the
// controller closes its end of the channel or ctx is done. It sends the ready
// notification before serving any request.
func Serve(ctx context.Context, r io.ReadCloser, w io.WriteCloser, h Handler, ready ReadyInfo) error {
	conn := jsonrpc2.NewConn(ctx,
		jsonrpc2.NewBufferedStream(pipes{r, w}, jsonrpc2.VSCodeObjectCodec{}),
		routingHandler(map[string]method{
			MethodEval:     evalMethod(h),
			MethodActivate: activateMethod(h),
			MethodInfo:     infoMethod(h),
		}),
		jsonrpc2.SetLogger(&logger))
	if err := conn.Notify(ctx, MethodReady, ready); err != nil {
		conn.Close()
		return err
	}
	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		conn.Close()
	}
	return nil
}

type method func(json.RawMessage) (any, error)

// Handlers are called synchronously by the connection, so the worker never
// evaluates two requests at once.
func routingHandler(methods map[string]method) jsonrpc2.Handler {
	return jsonrpc2.HandlerWithError(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		fn, ok := methods[req.Method]
		if !ok {
			return nil, errMethodNotFound
		}
		var params json.RawMessage
		if req.Params != nil {
			params = *req.Params
		}
		return fn(params)
	})
}

func evalMethod(h Handler) method {
	return func(params json.RawMessage) (any, error) {
		var req EvalRequest
		if json.Unmarshal(params, &req) != nil {
			return nil, errInvalidParams
		}
		return h.Eval(req), nil
	}
}

func activateMethod(h Handler) method {
	return func(params json.RawMessage) (any, error) {
		var req ActivateRequest
		if json.Unmarshal(params, &req) != nil || req.Path == "" {
			return nil, errInvalidParams
		}
		if err := h.Activate(req.Path); err != nil {
			return nil, &jsonrpc2.Error{Code: CodeActivationFailed, Message: err.Error()}
		}
		return nil, nil
	}
}

func infoMethod(h Handler) method {
	return func(json.RawMessage) (any, error) {
		return h.Info(), nil
	}
}
