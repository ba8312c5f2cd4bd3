package evalproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

// ChannelErrorKind classifies failures of the channel.
type ChannelErrorKind int

const (
	// The worker is gone: the channel was closed or could not be written.
	DeadWorker ChannelErrorKind = iota
	// The response could not be understood.
	Malformed
	// No response arrived in time. The worker should be considered hung.
	Timeout
	// The request was never sent: the context was done while another request
	// was in flight.
	Busy
	// The caller gave up on a request in flight. The worker is not considered
	// hung.
	Canceled
)

func (k ChannelErrorKind) String() string {
	switch k {
	case DeadWorker:
		return "dead worker"
	case Malformed:
		return "malformed response"
	case Timeout:
		return "timeout"
	case Busy:
		return "busy"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("ChannelErrorKind(%d)", int(k))
	}
}

// ChannelError is returned when a request cannot be completed because of the
// channel or the worker process, as opposed to the code being evaluated.
type ChannelError struct {
	Kind   ChannelErrorKind
	Method string
	Err    error
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Method, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Method, e.Kind, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// IsChannelError returns whether err is a *ChannelError of the given kind.
func IsChannelError(err error, kind ChannelErrorKind) bool {
	var chErr *ChannelError
	return errors.As(err, &chErr) && chErr.Kind == kind
}

// ActivationError is returned when an environment cannot be activated.
type ActivationError struct {
	Path string
	Err  error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("cannot activate %s: %v", e.Path, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// Turns an error from the JSON-RPC layer into a *ChannelError or an
// *ActivationError.
func classify(method string, err error, params any) error {
	if err == nil {
		return nil
	}
	var rpcErr *jsonrpc2.Error
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ChannelError{Timeout, method, err}
	case errors.Is(err, context.Canceled):
		return &ChannelError{Canceled, method, err}
	case errors.As(err, &rpcErr):
		if rpcErr.Code == CodeActivationFailed {
			path := ""
			if req, ok := params.(ActivateRequest); ok {
				path = req.Path
			}
			return &ActivationError{path, errors.New(rpcErr.Message)}
		}
		return &ChannelError{Malformed, method, err}
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return &ChannelError{Malformed, method, err}
	default:
		// jsonrpc2.ErrClosed, or an error writing to the request pipe.
		return &ChannelError{DeadWorker, method, err}
	}
}
