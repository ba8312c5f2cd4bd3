// Package ops implements the operations offered to callers. Every operation
// returns text; only failures that leave the controller unable to evaluate
// anything are returned as errors.
package ops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elves/evald/pkg/config"
	"github.com/elves/evald/pkg/evalproto"
	"github.com/elves/evald/pkg/format"
	"github.com/elves/evald/pkg/inproc"
	"github.com/elves/evald/pkg/logutil"
	"github.com/elves/evald/pkg/pkgmgr"
	"github.com/elves/evald/pkg/session"
	"github.com/elves/evald/pkg/store"
	"github.com/elves/evald/pkg/store/storedefs"
	"github.com/elves/evald/pkg/symfilter"
)

var logger = logutil.GetLogger("ops")

// Result is the outcome of an operation.
type Result struct {
	Text    string `json:"text"`
	IsError bool   `json:"isError"`
}

func ok(format string, args ...any) Result {
	return Result{Text: fmt.Sprintf(format, args...)}
}

func failed(format string, args ...any) Result {
	return Result{Text: fmt.Sprintf(format, args...), IsError: true}
}

// Config keeps the configuration of Ops.
type Config struct {
	// Either config.ModeSubprocess or config.ModeInProcess.
	Mode    string
	Session session.Config
	Policy  symfilter.Policy
	// If nil, the history is disabled.
	Store   storedefs.Store
	Format  format.Options
	Timeout time.Duration
}

// FromConfig derives a Config from the evald configuration, opening the
// history store if it is enabled.
func FromConfig(cfg *config.Config) (Config, error) {
	c := Config{
		Mode:    cfg.Mode,
		Session: session.ConfigFrom(cfg),
		Policy:  symfilter.PolicyFrom(cfg.Reset),
		Format:  format.Options{StripANSI: cfg.Eval.StripANSI != nil && *cfg.Eval.StripANSI},
		Timeout: cfg.Eval.Timeout.Duration,
	}
	if cfg.HistoryEnabled() {
		st, err := store.NewStore(cfg.Store.Path)
		if err != nil {
			return Config{}, fmt.Errorf("cannot open history: %w", err)
		}
		c.Store = st
	}
	return c, nil
}

// Ops implements the operations on top of a session.Session or, in the
// in-process mode, an inproc.Session.
type Ops struct {
	cfg    Config
	sess   *session.Session
	inproc *inproc.Session
}

// New creates Ops. Nothing is spawned until the first evaluation.
func New(cfg Config) *Ops {
	o := &Ops{cfg: cfg}
	if cfg.Mode == config.ModeInProcess {
		o.inproc = inproc.New(cfg.Policy, cfg.Session.Resolver)
	} else {
		o.sess = session.New(cfg.Session)
	}
	return o
}

// Mode returns the evaluation mode.
func (o *Ops) Mode() string {
	if o.inproc != nil {
		return config.ModeInProcess
	}
	return config.ModeSubprocess
}

// Evaluate evaluates code and returns the formatted result. A positive
// timeout overrides the configured one.
func (o *Ops) Evaluate(ctx context.Context, code string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = o.cfg.Timeout
	}
	res, generation, err := o.evaluate(ctx, code, timeout)
	if err != nil {
		return o.evalFailure(err, timeout)
	}
	r := Result{Text: format.Format(res, o.cfg.Format), IsError: res.Error != nil}
	o.record(code, r, res.Duration, generation)
	return r, nil
}

func (o *Ops) evaluate(ctx context.Context, code string, timeout time.Duration) (*evalproto.EvalResult, int, error) {
	if o.inproc != nil {
		return o.inproc.Evaluate(code), 0, nil
	}
	return o.sess.Evaluate(ctx, code, timeout)
}

// Turns an evaluation failure into text, unless it is fatal.
func (o *Ops) evalFailure(err error, timeout time.Duration) (Result, error) {
	var staleErr *session.StaleGenerationError
	var chanErr *evalproto.ChannelError
	switch {
	case errors.As(err, &staleErr):
		return failed("The worker was reset while evaluating (generation %d, now %d); "+
			"the evaluation was lost. Run it again.", staleErr.Generation, staleErr.Current), nil
	case errors.As(err, &chanErr) && chanErr.Kind == evalproto.Timeout:
		return failed("Evaluation timed out after %v. The worker is considered hung "+
			"and will be replaced on the next operation; all bindings will be lost.", timeout), nil
	case errors.As(err, &chanErr) && chanErr.Kind == evalproto.Busy:
		return failed("Evaluation did not start within %v: the worker is busy with "+
			"another request. Nothing was evaluated and all bindings are kept.", timeout), nil
	case errors.As(err, &chanErr) && chanErr.Kind == evalproto.Canceled:
		return failed("Evaluation was canceled. The worker may still be running it."), nil
	case errors.As(err, &chanErr) && chanErr.Kind == evalproto.DeadWorker:
		return failed("The worker died during evaluation (%v). "+
			"A new worker will be started on the next operation.", chanErr.Err), nil
	}
	return Result{}, err
}

func (o *Ops) record(code string, r Result, d time.Duration, generation int) {
	if o.cfg.Store == nil {
		return
	}
	_, err := o.cfg.Store.AddEntry(storedefs.Entry{
		Time: time.Now(), Generation: generation, EnvPath: o.envPath(),
		Code: code, Result: r.Text, IsError: r.IsError, Duration: d,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("cannot record history")
	}
}

func (o *Ops) envPath() string {
	if o.inproc != nil {
		return o.inproc.EnvPath()
	}
	return o.sess.EnvPath()
}

// HardReset replaces the worker.
func (o *Ops) HardReset(ctx context.Context) (Result, error) {
	if o.inproc != nil {
		return failed("Hard reset is not available in the in-process mode; " +
			"use softReset, which cannot undo module definitions."), nil
	}
	generation, err := o.sess.HardReset(ctx)
	if err != nil {
		return Result{}, err
	}
	return ok("Worker reset (generation %d).", generation), nil
}

// SoftReset clears user bindings in the in-process mode.
func (o *Ops) SoftReset(ctx context.Context) (Result, error) {
	if o.inproc == nil {
		return failed("Soft reset is only available in the in-process mode; " +
			"use hardReset."), nil
	}
	r := o.inproc.SoftReset()
	if len(r.Uncleared) == 0 {
		return ok("Cleared %d bindings.", r.Cleared), nil
	}
	return ok("Cleared %d bindings; kept: %s.", r.Cleared, strings.Join(r.Uncleared, ", ")), nil
}

// Activate activates an environment.
func (o *Ops) Activate(ctx context.Context, target string) (Result, error) {
	var err error
	if o.inproc != nil {
		err = o.inproc.Activate(target)
	} else {
		err = o.sess.Activate(ctx, target)
	}
	var actErr *evalproto.ActivationError
	switch {
	case err == nil:
		return ok("Activated %s", o.envPath()), nil
	case errors.As(err, &actErr):
		return failed("%v", err), nil
	case evalproto.IsChannelError(err, evalproto.Timeout):
		return failed("Activation timed out; the worker will be replaced on the next operation."), nil
	case evalproto.IsChannelError(err, evalproto.Busy):
		return failed("Activation did not reach the worker, which is busy with another request; " +
			"the previous environment is kept."), nil
	}
	return Result{}, err
}

// PackageAction performs a package action through the package manager of the
// runtime and passes its output through.
func (o *Ops) PackageAction(ctx context.Context, action string, pkgs []string) (Result, error) {
	code, err := pkgmgr.Code(action, pkgs)
	if err != nil {
		return failed("%v", err), nil
	}
	return o.Evaluate(ctx, code, 0)
}

// DefaultHistoryLimit is the number of entries History shows by default.
const DefaultHistoryLimit = 20

// History shows recent evaluations.
func (o *Ops) History(ctx context.Context, limit int) (Result, error) {
	if o.cfg.Store == nil {
		return failed("History is disabled."), nil
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	entries, err := o.cfg.Store.Recent(limit)
	if err != nil {
		return failed("Cannot read history: %v", err), nil
	}
	if len(entries) == 0 {
		return ok("No evaluations yet."), nil
	}
	var sb strings.Builder
	for _, e := range entries {
		status := "ok"
		if e.IsError {
			status = "error"
		}
		fmt.Fprintf(&sb, "#%d %s gen=%d %s %s\n", e.Seq,
			e.Time.Format(time.RFC3339), e.Generation, status, e.Digest[:min(12, len(e.Digest))])
		for _, line := range strings.Split(e.Code, "\n") {
			sb.WriteString("  " + line + "\n")
		}
	}
	return ok("%s", strings.TrimSuffix(sb.String(), "\n")), nil
}

// Close terminates the worker and closes the history.
func (o *Ops) Close() error {
	var err error
	if o.sess != nil {
		err = o.sess.Close()
	}
	if o.cfg.Store != nil {
		err = errors.Join(err, o.cfg.Store.Close())
	}
	return err
}
