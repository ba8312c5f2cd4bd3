// Package inproc evaluates code in the controller process.
//
// It is the fallback for platforms where workers cannot be spawned. Its
// reset is a soft reset: it deletes the bindings a symfilter.Policy allows,
// but cannot undo anything structural, such as cached modules. Use the
// session package when a clean state is required.
package inproc

import (
	"sync"

	"github.com/google/uuid"

	"github.com/elves/evald/pkg/envpath"
	"github.com/elves/evald/pkg/evalproto"
	"github.com/elves/evald/pkg/evaluator"
	"github.com/elves/evald/pkg/logutil"
	"github.com/elves/evald/pkg/symfilter"
)

var logger = logutil.GetLogger("inproc")

// Session evaluates code in one Evaluator for its whole lifetime.
type Session struct {
	policy   symfilter.Policy
	resolver envpath.Resolver

	mu sync.Mutex
	ev *evaluator.Evaluator
}

// New creates a Session.
func New(policy symfilter.Policy, resolver envpath.Resolver) *Session {
	return &Session{policy: policy, resolver: resolver, ev: evaluator.New()}
}

// Evaluate evaluates a code chunk.
func (s *Session) Evaluate(code string) *evalproto.EvalResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ev.Eval(evalproto.EvalRequest{ID: uuid.NewString(), Code: code})
}

// SoftReset clears all user bindings that the policy does not protect.
func (s *Session) SoftReset() symfilter.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := symfilter.ClearAll(s.ev, s.policy)
	logger.Info().Int("cleared", r.Cleared).Strs("uncleared", r.Uncleared).
		Msg("soft reset")
	return r
}

// Bindings lists all bindings, marking those a soft reset keeps.
func (s *Session) Bindings() []symfilter.Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return symfilter.ListBindings(s.ev, s.policy)
}

// UserBindings lists the bindings that a soft reset would try to clear.
func (s *Session) UserBindings() []symfilter.Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return symfilter.ListUserBindings(s.ev, s.policy)
}

// Activate resolves target and activates it. A failure leaves the previous
// environment in place.
func (s *Session) Activate(target string) error {
	path, err := s.resolver.Resolve(target)
	if err != nil {
		return &evalproto.ActivationError{Path: target, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ev.Activate(path); err != nil {
		return &evalproto.ActivationError{Path: path, Err: err}
	}
	return nil
}

// EnvPath returns the path of the activated environment.
func (s *Session) EnvPath() string { return s.ev.EnvPath() }

// Info returns a snapshot of the evaluator.
func (s *Session) Info() *evalproto.InfoResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ev.Info()
}
