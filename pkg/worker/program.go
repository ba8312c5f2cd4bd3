package worker

import (
	"context"
	"errors"
	"os"

	"github.com/elves/evald/pkg/evalproto"
	"github.com/elves/evald/pkg/evaluator"
	"github.com/elves/evald/pkg/logutil"
	"github.com/elves/evald/pkg/prog"
)

// File descriptors of the channel in the worker process.
const (
	RequestFd  = 3
	ResponseFd = 4
)

// Program is the worker subprogram, selected with --worker.
type Program struct {
	run bool
}

func (p *Program) RegisterFlags(fs *prog.FlagSet) {
	fs.BoolVar(&p.run, "worker", false,
		"[internal flag] Serve evaluation requests on fd 3 and 4")
}

func (p *Program) Run(fds [3]*os.File, args []string) error {
	if !p.run {
		return prog.NextProgram()
	}
	if len(args) > 0 {
		return prog.BadUsage("arguments are not allowed with --worker")
	}
	// The stdout of a worker is its log file.
	logutil.SetOutput(fds[1])

	in := os.NewFile(RequestFd, "requests")
	out := os.NewFile(ResponseFd, "responses")
	if in == nil || out == nil {
		return errors.New("channel file descriptors are not open")
	}
	ready := evalproto.ReadyInfo{
		Pid: os.Getpid(), RuntimeVersion: evaluator.RuntimeVersion()}
	logger.Info().Int("pid", ready.Pid).Str("runtime", ready.RuntimeVersion).
		Msg("worker starting")
	err := evalproto.Serve(context.Background(), in, out, evaluator.New(), ready)
	logger.Info().AnErr("err", err).Msg("worker stopping")
	return err
}
