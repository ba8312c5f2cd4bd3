// Package pkgmgr translates package actions into calls of Elvish's bundled
// epm module. The generated code is evaluated like any other code, so the
// packages end up wherever the evaluating runtime keeps its modules.
package pkgmgr

import (
	"errors"
	"fmt"
	"strings"

	"src.elv.sh/pkg/parse"
)

// Actions.
const (
	Add    = "add"
	Remove = "rm"
	Update = "update"
	Status = "status"
)

// Actions lists all supported actions.
var Actions = []string{Add, Remove, Update, Status}

// ErrNoPackages is returned when an action that needs packages gets none.
var ErrNoPackages = errors.New("at least one package is required")

// UnknownActionError is returned for unsupported actions.
type UnknownActionError struct {
	Action string
}

func (e UnknownActionError) Error() string {
	return fmt.Sprintf("unknown package action %q; supported actions are %s",
		e.Action, strings.Join(Actions, ", "))
}

// Code returns the code that performs the action on the packages.
func Code(action string, pkgs []string) (string, error) {
	var call string
	switch action {
	case Add:
		if len(pkgs) == 0 {
			return "", fmt.Errorf("%s: %w", action, ErrNoPackages)
		}
		call = "epm:install &silent-if-installed " + quoteAll(pkgs)
	case Remove:
		if len(pkgs) == 0 {
			return "", fmt.Errorf("%s: %w", action, ErrNoPackages)
		}
		call = "epm:uninstall " + quoteAll(pkgs)
	case Update:
		call = strings.TrimSpace("epm:upgrade " + quoteAll(pkgs))
	case Status:
		if len(pkgs) == 0 {
			call = "epm:installed"
		} else {
			call = "each {|p| put $p (epm:is-installed $p) } [" + quoteAll(pkgs) + "]"
		}
	default:
		return "", UnknownActionError{action}
	}
	return "use epm\n" + call, nil
}

func quoteAll(pkgs []string) string {
	quoted := make([]string, len(pkgs))
	for i, pkg := range pkgs {
		quoted[i] = parse.Quote(pkg)
	}
	return strings.Join(quoted, " ")
}
