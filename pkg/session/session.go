// Package session implements the lifecycle of the worker behind a
// controller.
//
// A Session owns at most one worker at a time. The worker is spawned lazily
// on the first evaluation, replaced when it dies or hangs, and destroyed and
// respawned by HardReset, which is the only way to get rid of definitions
// that cannot be undone within a process, such as cached modules. The path
// of the activated environment belongs to the Session, not the worker, and
// is carried over to every replacement.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elves/evald/pkg/config"
	"github.com/elves/evald/pkg/envpath"
	"github.com/elves/evald/pkg/evalproto"
	"github.com/elves/evald/pkg/evaluator"
	"github.com/elves/evald/pkg/logutil"
	"github.com/elves/evald/pkg/worker"
)

var logger = logutil.GetLogger("session")

// ErrClosed is returned by operations on a closed Session.
var ErrClosed = errors.New("session is closed")

// StaleGenerationError is returned when a request failed because the worker
// it was sent to was replaced while the request was in flight. The request
// may be retried against the new worker.
type StaleGenerationError struct {
	Generation int
	Current    int
	Err        error
}

func (e *StaleGenerationError) Error() string {
	return fmt.Sprintf("worker of generation %d was replaced by generation %d: %v",
		e.Generation, e.Current, e.Err)
}

func (e *StaleGenerationError) Unwrap() error { return e.Err }

// Config keeps the configuration of a Session.
type Config struct {
	// Spawn is used for every worker. Its EnvPath field is ignored; the
	// Session supplies its own.
	Spawn worker.SpawnConfig
	// Resolver resolves activation targets.
	Resolver envpath.Resolver
}

// ConfigFrom derives a Config from the evald configuration.
func ConfigFrom(cfg *config.Config) Config {
	args := worker.DefaultArgs
	if cfg.LogLevel != "" {
		args = append([]string{}, args...)
		args = append(args, "--log-level", cfg.LogLevel)
	}
	return Config{
		Spawn: worker.SpawnConfig{
			BinPath:      cfg.Worker.Bin,
			Args:         args,
			LogDir:       cfg.Worker.LogDir,
			ReadyTimeout: cfg.Worker.ReadyTimeout.Duration,
			GracePeriod:  cfg.Worker.GracePeriod.Duration,
		},
		Resolver: envpath.Resolver{SharedDir: cfg.Envs.SharedDir},
	}
}

// Session is the state of a controller: the active worker, the activated
// environment and the generation counter. Its methods are safe for
// concurrent use.
type Session struct {
	cfg Config

	// Guards all fields below. Held while spawning and terminating workers,
	// but never during an evaluation.
	mu         sync.Mutex
	w          *worker.Worker
	envPath    string
	generation int
	closed     bool
}

// New creates a Session. No worker is spawned until one is needed.
func New(cfg Config) *Session {
	return &Session{cfg: cfg}
}

// Handle is a worker together with the generation it belongs to.
type Handle struct {
	Worker     *worker.Worker
	Generation int
}

// EnsureWorker returns the active worker if it is alive. Otherwise it
// terminates the old worker, if any, and spawns a new one with the activated
// environment. A failed spawn is retried once.
func (s *Session) EnsureWorker(ctx context.Context) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureWorker(ctx)
}

func (s *Session) ensureWorker(ctx context.Context) (Handle, error) {
	if s.closed {
		return Handle{}, ErrClosed
	}
	if s.w != nil {
		if s.w.IsAlive() {
			return Handle{s.w, s.generation}, nil
		}
		logger.Info().Str("worker", s.w.ID).Int("generation", s.generation).
			Msg("replacing dead or hung worker")
		s.w.Terminate()
		s.w = nil
		s.generation++
	}
	w, err := s.spawn(ctx)
	if err != nil {
		return Handle{}, err
	}
	s.w = w
	return Handle{w, s.generation}, nil
}

func (s *Session) spawn(ctx context.Context) (*worker.Worker, error) {
	cfg := s.cfg.Spawn
	cfg.EnvPath = s.envPath
	w, err := worker.Spawn(ctx, cfg)
	if err == nil {
		return w, nil
	}
	logger.Warn().Err(err).Msg("spawn failed, retrying once")
	return worker.Spawn(ctx, cfg)
}

// HardReset terminates the active worker, whatever its state, and spawns a
// replacement with the same environment. It returns the new generation once
// the replacement is ready.
func (s *Session) HardReset(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.generation, ErrClosed
	}
	if s.w != nil {
		s.w.Terminate()
		s.w = nil
	}
	s.generation++
	logger.Info().Int("generation", s.generation).Str("env", s.envPath).Msg("hard reset")
	w, err := s.spawn(ctx)
	if err != nil {
		return s.generation, err
	}
	s.w = w
	return s.generation, nil
}

// Evaluate evaluates a code chunk in the active worker, spawning one if
// needed, and returns the result together with the generation of the worker
// that produced it. A positive timeout bounds the wait for the result; when it
// expires while the request is in flight, the worker is marked hung and
// replaced on the next interaction. When it expires while the request is still
// waiting for an earlier one, the worker is left alone.
//
// The returned error is a *worker.SpawnError, a *evalproto.ChannelError or a
// *StaleGenerationError. Failures of the code itself are reported in the
// result.
func (s *Session) Evaluate(ctx context.Context, code string, timeout time.Duration) (*evalproto.EvalResult, int, error) {
	h, err := s.EnsureWorker(ctx)
	if err != nil {
		return nil, s.Generation(), err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := h.Worker.Evaluate(ctx, evalproto.EvalRequest{ID: uuid.NewString(), Code: code})
	if err != nil {
		return nil, h.Generation, s.channelError(h, err)
	}
	return res, h.Generation, nil
}

func (s *Session) channelError(h Handle, err error) error {
	if evalproto.IsChannelError(err, evalproto.Timeout) {
		h.Worker.MarkHung()
	}
	if current := s.Generation(); current != h.Generation {
		return &StaleGenerationError{h.Generation, current, err}
	}
	return err
}

// Activate resolves target and makes it the environment of the Session. The
// directory and its .env file are checked before anything is committed. If a
// worker is alive, the environment is also activated in it; otherwise it is
// activated when the next worker is spawned. If the environment is rejected,
// the previous environment is kept and a *evalproto.ActivationError is
// returned.
//
// An activation sent while an evaluation is in flight waits for the
// evaluation to finish. If ctx is done first, the previous environment is
// restored and a Busy *evalproto.ChannelError is returned.
func (s *Session) Activate(ctx context.Context, target string) error {
	path, err := s.cfg.Resolver.Resolve(target)
	if err != nil {
		return &evalproto.ActivationError{Path: target, Err: err}
	}
	if err := evaluator.CheckEnv(path); err != nil {
		return &evalproto.ActivationError{Path: path, Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.envPath
	s.envPath = path
	h := Handle{s.w, s.generation}
	s.mu.Unlock()
	logger.Info().Str("path", path).Str("previous", prev).Msg("environment committed")

	if h.Worker == nil || !h.Worker.IsAlive() {
		return nil
	}
	err = h.Worker.Activate(ctx, path)
	if err == nil {
		return nil
	}
	var actErr *evalproto.ActivationError
	if errors.As(err, &actErr) || evalproto.IsChannelError(err, evalproto.Busy) {
		s.mu.Lock()
		if s.envPath == path {
			s.envPath = prev
		}
		s.mu.Unlock()
		return err
	}
	if evalproto.IsChannelError(err, evalproto.DeadWorker) {
		// The replacement will be spawned with the new environment.
		return nil
	}
	return s.channelError(h, err)
}

// EnvPath returns the path of the activated environment, or "" if none has
// been activated.
func (s *Session) EnvPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envPath
}

// Generation returns the current generation.
func (s *Session) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Info is a snapshot of a Session.
type Info struct {
	Generation int
	EnvPath    string
	// The fields below are only set when a worker is alive.
	WorkerID      string
	Pid           int
	Started       time.Time
	Worker        *evalproto.InfoResult
	WorkerFailure string
}

// Info returns a snapshot of the Session. It does not spawn a worker.
func (s *Session) Info(ctx context.Context) (*Info, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	info := &Info{Generation: s.generation, EnvPath: s.envPath}
	h := Handle{s.w, s.generation}
	s.mu.Unlock()

	if h.Worker == nil || !h.Worker.IsAlive() {
		return info, nil
	}
	info.WorkerID, info.Pid, info.Started = h.Worker.ID, h.Worker.Pid, h.Worker.Created
	wi, err := h.Worker.Info(ctx)
	if err != nil {
		info.WorkerFailure = s.channelError(h, err).Error()
		return info, nil
	}
	info.Worker = wi
	return info, nil
}

// Close terminates the active worker. The Session cannot be used
// afterwards. It is safe to call Close more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.w != nil {
		s.w.Terminate()
		s.w = nil
	}
	return nil
}
