// Package worker manages worker processes from the controller side, and
// contains the worker subprogram itself.
//
// A worker is a child process running the same binary with --worker. It
// reads requests from fd 3 and writes responses to fd 4; its stdin is
// /dev/null and its stdout and stderr go to a log file.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/elves/evald/pkg/evalproto"
	"github.com/elves/evald/pkg/logutil"
)

var logger = logutil.GetLogger("worker")

// DefaultArgs are the arguments used when SpawnConfig.Args is nil.
var DefaultArgs = []string{"--worker"}

// Default durations used when the corresponding SpawnConfig fields are zero.
const (
	DefaultReadyTimeout = 10 * time.Second
	DefaultGracePeriod  = 2 * time.Second
)

// SpawnConfig keeps configurations for spawning a worker.
type SpawnConfig struct {
	// BinPath is the path to the evald binary. If empty, it is determined with
	// os.Executable.
	BinPath string
	// Args are the arguments passed to the binary, not including the binary
	// itself.
	Args []string
	// Env is the environment of the worker. If nil, the worker inherits the
	// environment of the current process.
	Env []string
	// LogDir is the directory in which to create the worker log file. If
	// empty, the output of the worker is discarded.
	LogDir string
	// EnvPath, if not empty, is activated before Spawn returns.
	EnvPath string
	// ReadyTimeout bounds the wait for the ready notification.
	ReadyTimeout time.Duration
	// GracePeriod is how long Terminate waits after each step before
	// escalating.
	GracePeriod time.Duration
}

// SpawnError is returned when a worker cannot be started or does not become
// ready.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return "cannot spawn worker: " + e.Err.Error() }

func (e *SpawnError) Unwrap() error { return e.Err }

var (
	errExitedBeforeReady = errors.New("worker exited before becoming ready")
	errReadyTimeout      = errors.New("timed out waiting for worker to become ready")
)

// Worker is a handle to a worker process.
type Worker struct {
	// ID is a unique identifier of the worker, used in logs.
	ID string
	// Pid is the process ID of the worker.
	Pid int
	// Created is when the worker became ready.
	Created time.Time
	// RuntimeVersion is the version of the runtime reported by the worker.
	RuntimeVersion string
	// LogPath is the path of the log file of the worker, or "" if its output
	// is discarded.
	LogPath string

	cmd         *exec.Cmd
	ch          *evalproto.Channel
	exited      chan struct{}
	gracePeriod time.Duration

	hung          atomic.Bool
	terminated    atomic.Bool
	terminateOnce sync.Once
}

// Spawn starts a worker and waits until it is ready to accept requests.
// Errors are always of type *SpawnError.
func Spawn(ctx context.Context, cfg SpawnConfig) (*Worker, error) {
	w, err := spawn(ctx, cfg)
	if err != nil {
		return nil, &SpawnError{err}
	}
	return w, nil
}

func spawn(ctx context.Context, cfg SpawnConfig) (*Worker, error) {
	binPath := cfg.BinPath
	if binPath == "" {
		bin, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("cannot find evald: %w", err)
		}
		binPath = bin
	}
	args := cfg.Args
	if args == nil {
		args = DefaultArgs
	}
	readyTimeout := orDefault(cfg.ReadyTimeout, DefaultReadyTimeout)

	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, err
	}
	// The ends used by the child; they are closed in the parent once the
	// child has started.
	childFiles := []*os.File{reqR, respW}

	// The worker does not read any input; use DevNull for stdin. We could
	// also just close the stdin, but on Unix that would make the first file
	// opened by the worker take FD 0.
	in, err := os.Open(os.DevNull)
	if err != nil {
		closeAll(reqR, reqW, respR, respW)
		return nil, err
	}
	childFiles = append(childFiles, in)
	out, logPath, err := openLog(cfg.LogDir)
	if err != nil {
		closeAll(reqR, reqW, respR, respW, in)
		return nil, err
	}
	childFiles = append(childFiles, out)

	cmd := exec.Command(binPath, args...)
	cmd.Env = cfg.Env
	cmd.Stdin = in
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.ExtraFiles = []*os.File{reqR, respW}
	cmd.SysProcAttr = sysProcAttr()

	err = cmd.Start()
	closeAll(childFiles...)
	if err != nil {
		closeAll(reqW, respR)
		return nil, err
	}

	w := &Worker{
		ID:          uuid.NewString(),
		Pid:         cmd.Process.Pid,
		LogPath:     logPath,
		cmd:         cmd,
		ch:          evalproto.NewChannel(respR, reqW),
		exited:      make(chan struct{}),
		gracePeriod: orDefault(cfg.GracePeriod, DefaultGracePeriod),
	}
	go func() {
		err := cmd.Wait()
		logger.Info().Str("worker", w.ID).Int("pid", w.Pid).AnErr("status", err).
			Msg("worker exited")
		close(w.exited)
	}()

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()
	select {
	case info := <-w.ch.Ready():
		w.RuntimeVersion = info.RuntimeVersion
	case <-w.exited:
		w.Terminate()
		return nil, withLog(errExitedBeforeReady, logPath)
	case <-timer.C:
		w.Terminate()
		return nil, withLog(errReadyTimeout, logPath)
	case <-ctx.Done():
		w.Terminate()
		return nil, ctx.Err()
	}
	w.Created = time.Now()

	if cfg.EnvPath != "" {
		if err := w.ch.Activate(ctx, cfg.EnvPath); err != nil {
			w.Terminate()
			return nil, err
		}
	}
	logger.Info().Str("worker", w.ID).Int("pid", w.Pid).
		Str("runtime", w.RuntimeVersion).Str("env", cfg.EnvPath).Msg("worker ready")
	return w, nil
}

func openLog(dir string) (*os.File, string, error) {
	if dir == "" {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		return f, "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, "", err
	}
	f, err := os.CreateTemp(dir, "worker-*.log")
	if err != nil {
		return nil, "", err
	}
	path, err := filepath.Abs(f.Name())
	if err != nil {
		path = f.Name()
	}
	return f, path, nil
}

func withLog(err error, logPath string) error {
	if logPath == "" {
		return err
	}
	return fmt.Errorf("%w (see %s)", err, logPath)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// IsAlive returns whether the worker can still serve requests. It is false
// once the process has exited, after Terminate or MarkHung has been called,
// or after the channel broke.
func (w *Worker) IsAlive() bool {
	if w.hung.Load() || w.terminated.Load() || w.ch.Broken() {
		return false
	}
	select {
	case <-w.exited:
		return false
	case <-w.ch.Done():
		return false
	default:
		return true
	}
}

// MarkHung records that the worker did not respond in time. A hung worker is
// never reused.
func (w *Worker) MarkHung() {
	if !w.hung.Swap(true) {
		logger.Warn().Str("worker", w.ID).Int("pid", w.Pid).Msg("worker marked hung")
	}
}

// Exited returns a channel that is closed once the process has exited and
// been reaped.
func (w *Worker) Exited() <-chan struct{} { return w.exited }

// Evaluate sends a code chunk to the worker and waits for the result.
func (w *Worker) Evaluate(ctx context.Context, req evalproto.EvalRequest) (*evalproto.EvalResult, error) {
	return w.ch.Evaluate(ctx, req)
}

// Activate asks the worker to activate an environment.
func (w *Worker) Activate(ctx context.Context, path string) error {
	return w.ch.Activate(ctx, path)
}

// Info asks the worker for a snapshot of its state.
func (w *Worker) Info(ctx context.Context) (*evalproto.InfoResult, error) {
	return w.ch.Info(ctx)
}

// Terminate stops the worker and reaps it. It closes the channel, which makes
// a healthy worker exit on its own; a worker that is still around after the
// grace period gets SIGTERM, and then SIGKILL after another grace period. It
// is safe to call Terminate multiple times and from multiple goroutines.
func (w *Worker) Terminate() {
	w.terminateOnce.Do(w.terminate)
}

func (w *Worker) terminate() {
	w.terminated.Store(true)
	w.ch.Close()
	if w.waitExit() {
		return
	}
	logger.Warn().Str("worker", w.ID).Int("pid", w.Pid).Msg("sending SIGTERM")
	if err := signalTerm(w.cmd.Process); err != nil {
		logger.Debug().Err(err).Msg("SIGTERM")
	}
	if w.waitExit() {
		return
	}
	logger.Warn().Str("worker", w.ID).Int("pid", w.Pid).Msg("sending SIGKILL")
	if err := signalKill(w.cmd.Process); err != nil {
		logger.Debug().Err(err).Msg("SIGKILL")
	}
	if !w.waitExit() {
		logger.Error().Str("worker", w.ID).Int("pid", w.Pid).
			Msg("worker not reaped after SIGKILL")
	}
}

func (w *Worker) waitExit() bool {
	timer := time.NewTimer(w.gracePeriod)
	defer timer.Stop()
	select {
	case <-w.exited:
		return true
	case <-timer.C:
		return false
	}
}
