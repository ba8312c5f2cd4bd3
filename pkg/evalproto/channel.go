package evalproto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/elves/evald/pkg/logutil"
)

var logger = logutil.GetLogger("evalproto")

// Channel is the controller end of the channel to one worker.
//
// At most one request is in flight at any time; other callers wait for their
// turn, or until their context is done, in which case they fail with a Busy
// error. After a request in flight times out, the channel is considered broken
// and all further requests fail immediately.
type Channel struct {
	conn   *jsonrpc2.Conn
	cancel context.CancelFunc
	sem    chan struct{}
	ready  chan ReadyInfo

	brokenOnce sync.Once
	broken     chan struct{}
}

// NewChannel creates a Channel that reads responses from r and writes requests
// to w. Closing the Channel closes both.
func NewChannel(r io.ReadCloser, w io.WriteCloser) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		cancel: cancel,
		sem:    make(chan struct{}, 1),
		ready:  make(chan ReadyInfo, 1),
		broken: make(chan struct{}),
	}
	ch.conn = jsonrpc2.NewConn(ctx,
		jsonrpc2.NewBufferedStream(pipes{r, w}, jsonrpc2.VSCodeObjectCodec{}),
		jsonrpc2.HandlerWithError(ch.handle),
		jsonrpc2.SetLogger(&logger))
	return ch
}

func (ch *Channel) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if req.Method != MethodReady {
		return nil, errMethodNotFound
	}
	var info ReadyInfo
	if req.Params == nil || json.Unmarshal(*req.Params, &info) != nil {
		logger.Warn().Msg("ignoring malformed ready notification")
		return nil, nil
	}
	select {
	case ch.ready <- info:
	default:
		logger.Warn().Int("worker", info.Pid).Msg("ignoring duplicate ready notification")
	}
	return nil, nil
}

// Ready returns a channel that delivers the payload of the ready notification.
func (ch *Channel) Ready() <-chan ReadyInfo { return ch.ready }

// Done returns a channel that is closed when the connection is gone.
func (ch *Channel) Done() <-chan struct{} { return ch.conn.DisconnectNotify() }

// Broken returns whether a request on the Channel has timed out, or the
// connection is gone.
func (ch *Channel) Broken() bool {
	select {
	case <-ch.broken:
		return true
	case <-ch.conn.DisconnectNotify():
		return true
	default:
		return false
	}
}

// Close closes the connection. Requests in flight fail with a DeadWorker
// error.
func (ch *Channel) Close() error {
	err := ch.conn.Close()
	ch.cancel()
	return err
}

// Evaluate sends an evaluation request and waits for its result.
func (ch *Channel) Evaluate(ctx context.Context, req EvalRequest) (*EvalResult, error) {
	var res EvalResult
	if err := ch.call(ctx, MethodEval, req, &res); err != nil {
		return nil, err
	}
	if res.ID != req.ID {
		return nil, &ChannelError{Malformed, MethodEval,
			fmt.Errorf("response for request %q, want %q", res.ID, req.ID)}
	}
	if res.Error != nil && len(res.Values) > 0 {
		return nil, &ChannelError{Malformed, MethodEval,
			fmt.Errorf("response has both an error and values")}
	}
	return &res, nil
}

// Activate asks the worker to activate an environment. A failure on the worker
// side is reported as an *ActivationError.
func (ch *Channel) Activate(ctx context.Context, path string) error {
	var ignored json.RawMessage
	return ch.call(ctx, MethodActivate, ActivateRequest{Path: path}, &ignored)
}

// Info asks the worker for a snapshot of its state.
func (ch *Channel) Info(ctx context.Context) (*InfoResult, error) {
	var res InfoResult
	if err := ch.call(ctx, MethodInfo, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (ch *Channel) call(ctx context.Context, method string, params, result any) error {
	select {
	case ch.sem <- struct{}{}:
	case <-ctx.Done():
		return &ChannelError{Busy, method, ctx.Err()}
	case <-ch.broken:
		return &ChannelError{DeadWorker, method, errBroken}
	case <-ch.conn.DisconnectNotify():
		return &ChannelError{DeadWorker, method, jsonrpc2.ErrClosed}
	}
	defer func() { <-ch.sem }()

	// The channel may have broken while we were waiting for the semaphore.
	select {
	case <-ch.broken:
		return &ChannelError{DeadWorker, method, errBroken}
	default:
	}

	err := classify(method, ch.conn.Call(ctx, method, params, result), params)
	if IsChannelError(err, Timeout) {
		ch.brokenOnce.Do(func() { close(ch.broken) })
	}
	return err
}

var (
	errMethodNotFound = &jsonrpc2.Error{
		Code: jsonrpc2.CodeMethodNotFound, Message: "method not found"}
	errInvalidParams = &jsonrpc2.Error{
		Code: jsonrpc2.CodeInvalidParams, Message: "invalid params"}
	errBroken = fmt.Errorf("an earlier request timed out")
)

type pipes struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (p pipes) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipes) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p pipes) Close() error {
	if err := p.w.Close(); err != nil {
		p.r.Close()
		return err
	}
	return p.r.Close()
}
