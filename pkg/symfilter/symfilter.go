// Package symfilter decides which bindings of a namespace a soft reset may
// clear, and clears them.
//
// Bindings are classified by the suffix of their names: "~" for functions,
// ":" for namespaces, none for variables. Namespace bindings are structural:
// they stand for modules that stay cached in the runtime, so they are listed
// but can never be cleared.
package symfilter

import (
	"sort"
	"strings"

	"github.com/elves/evald/pkg/config"
	"github.com/elves/evald/pkg/logutil"
)

var logger = logutil.GetLogger("symfilter")

// Scope is a namespace whose bindings can be enumerated and deleted.
type Scope interface {
	// Names returns the names of all bindings.
	Names() []string
	// Delete removes a binding.
	Delete(name string) error
}

// Kind is the kind of a binding.
type Kind int

// Kinds of bindings.
const (
	Variable Kind = iota
	Function
	Namespace
)

func (k Kind) String() string {
	switch k {
	case Function:
		return "function"
	case Namespace:
		return "namespace"
	default:
		return "variable"
	}
}

// Binding is a binding in a Scope.
type Binding struct {
	// Name of the binding, including the suffix.
	Name string
	Kind Kind
	// Whether the binding is protected by a Policy.
	Protected bool
}

// Structural returns whether the binding cannot be cleared.
func (b Binding) Structural() bool { return b.Kind == Namespace }

// KindOf returns the kind of a binding from its name.
func KindOf(name string) Kind {
	switch {
	case strings.HasSuffix(name, ":"):
		return Namespace
	case strings.HasSuffix(name, "~"):
		return Function
	default:
		return Variable
	}
}

// Policy decides which bindings are protected from clearing.
type Policy struct {
	// Names that are never cleared, without suffixes.
	Deny []string
	// Prefixes of names reserved for internal use.
	InternalPrefixes []string
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Deny:             append([]string(nil), config.DefaultDeny...),
		InternalPrefixes: append([]string(nil), config.DefaultInternalPrefixes...),
	}
}

// PolicyFrom returns the policy in the soft reset configuration.
func PolicyFrom(cfg config.Reset) Policy {
	return Policy{Deny: cfg.Deny, InternalPrefixes: cfg.InternalPrefixes}
}

// Protected returns whether the binding with the given name is protected.
func (p Policy) Protected(name string) bool {
	bare := strings.TrimRight(name, "~:")
	for _, deny := range p.Deny {
		if bare == deny {
			return true
		}
	}
	for _, prefix := range p.InternalPrefixes {
		if prefix != "" && strings.HasPrefix(bare, prefix) {
			return true
		}
	}
	return false
}

// ListBindings returns all bindings of the scope sorted by name, marking
// those protected by the policy.
func ListBindings(s Scope, p Policy) []Binding {
	var bindings []Binding
	for _, name := range s.Names() {
		bindings = append(bindings,
			Binding{Name: name, Kind: KindOf(name), Protected: p.Protected(name)})
	}
	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].Name < bindings[j].Name
	})
	return bindings
}

// ListUserBindings returns the bindings of the scope that are not protected
// by the policy, sorted by name.
func ListUserBindings(s Scope, p Policy) []Binding {
	var bindings []Binding
	for _, b := range ListBindings(s, p) {
		if !b.Protected {
			bindings = append(bindings, b)
		}
	}
	return bindings
}

// ClearBinding removes a binding from the scope. It returns false if the
// binding is structural or the scope failed to delete it.
func ClearBinding(s Scope, name string) bool {
	if KindOf(name) == Namespace {
		return false
	}
	if err := s.Delete(name); err != nil {
		logger.Debug().Str("name", name).Err(err).Msg("cannot clear binding")
		return false
	}
	return true
}

// Report is the outcome of ClearAll.
type Report struct {
	Cleared int
	// Names of the bindings that could not be cleared, sorted.
	Uncleared []string
}

// ClearAll clears every binding returned by ListUserBindings. Failing to
// clear one binding does not stop the others from being cleared.
func ClearAll(s Scope, p Policy) Report {
	var r Report
	for _, b := range ListUserBindings(s, p) {
		if ClearBinding(s, b.Name) {
			r.Cleared++
		} else {
			r.Uncleared = append(r.Uncleared, b.Name)
		}
	}
	return r
}
