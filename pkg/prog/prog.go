// Package prog provides the entry point to evald. Its subpackages correspond
// to subprograms of evald.
package prog

// This package sets up the basic environment and calls the appropriate
// "subprogram", one of the worker, the JSON-RPC server, or the line-oriented
// front end.

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/elves/evald/pkg/logutil"
)

// Program represents a subprogram.
type Program interface {
	// RegisterFlags is called with a FlagSet, to register flags that the
	// subprogram uses.
	RegisterFlags(fs *FlagSet)
	// Run runs the subprogram. It returns an error returned by NextProgram if
	// the subprogram is not applicable to the current flags.
	Run(fds [3]*os.File, args []string) error
}

// FlagSet wraps a [pflag.FlagSet] and keeps the flags shared by all
// subprograms.
type FlagSet struct {
	*pflag.FlagSet
	config    *string
	inprocess *bool
}

// Config returns a pointer to the value of the --config flag, registering it
// the first time it is called.
func (fs *FlagSet) Config() *string {
	if fs.config == nil {
		var config string
		fs.StringVar(&config, "config", "",
			"Path to the configuration file")
		fs.config = &config
	}
	return fs.config
}

// InProcess returns a pointer to the value of the --inprocess flag, registering
// it the first time it is called.
func (fs *FlagSet) InProcess() *bool {
	if fs.inprocess == nil {
		var inprocess bool
		fs.BoolVar(&inprocess, "inprocess", false,
			"Evaluate in the evald process; only soft resets are available")
		fs.inprocess = &inprocess
	}
	return fs.inprocess
}

func usage(out io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintln(out, "Usage: evald [flags]")
	fmt.Fprintln(out, "Supported flags:")
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// Run parses command-line flags and runs the first applicable subprogram. It
// returns the exit status of the program.
func Run(fds [3]*os.File, args []string, p Program) int {
	fs := pflag.NewFlagSet("evald", pflag.ContinueOnError)
	// Error and usage will be printed explicitly.
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	var log, level string
	var help bool
	fs.StringVar(&log, "log", "", "Path to a file to write debug log to")
	fs.StringVar(&level, "log-level", "", "Log level (debug, info, warn, error)")
	fs.BoolVar(&help, "help", false, "Show usage help and quit")

	p.RegisterFlags(&FlagSet{FlagSet: fs})

	err := fs.Parse(args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			// -h is not defined; treat it like any other unknown flag.
			fmt.Fprintln(fds[2], "flag provided but not defined: -h")
		} else {
			fmt.Fprintln(fds[2], err)
		}
		usage(fds[2], fs)
		return 2
	}

	if log != "" {
		err = logutil.SetOutputFile(log)
		if err != nil {
			fmt.Fprintln(fds[2], err)
		}
	}
	if level != "" {
		if err := logutil.SetLevelString(level); err != nil {
			fmt.Fprintln(fds[2], err)
		}
	}

	if help {
		usage(fds[1], fs)
		return 0
	}

	err = p.Run(fds, fs.Args())
	if err == nil {
		return 0
	}
	var np nextProgramError
	if errors.As(err, &np) {
		np.runCleanups(fds)
		err = errNoSuitableSubprogram
	}
	if msg := err.Error(); msg != "" {
		fmt.Fprintln(fds[2], msg)
	}
	var badUsage badUsageError
	var exit exitError
	switch {
	case errors.As(err, &badUsage):
		usage(fds[2], fs)
	case errors.As(err, &exit):
		return exit.exit
	}
	return 2
}

// Composite returns a Program made up from a list of subprograms. It tries
// each subprogram in turn, until one of them doesn't return an error created
// by NextProgram.
func Composite(programs ...Program) Program {
	return composite(programs)
}

type composite []Program

func (cp composite) RegisterFlags(fs *FlagSet) {
	for _, p := range cp {
		p.RegisterFlags(fs)
	}
}

func (cp composite) Run(fds [3]*os.File, args []string) error {
	var cleanups []func([3]*os.File)
	for _, p := range cp {
		err := p.Run(fds, args)
		var np nextProgramError
		if !errors.As(err, &np) {
			nextProgramError{cleanups}.runCleanups(fds)
			return err
		}
		cleanups = append(cleanups, np.cleanups...)
	}
	// If we have reached here, all subprograms have returned NextProgram
	return nextProgramError{cleanups}
}

var errNoSuitableSubprogram = errors.New("internal error: no suitable subprogram")

// NextProgram returns a special error that may be returned by Program.Run to
// signify that this Program should not be run; the next one in a Composite
// should be tried instead. The cleanups are run after the Program that
// actually runs returns.
func NextProgram(cleanups ...func([3]*os.File)) error {
	return nextProgramError{cleanups}
}

type nextProgramError struct{ cleanups []func([3]*os.File) }

func (nextProgramError) Error() string { return "next program" }

func (e nextProgramError) runCleanups(fds [3]*os.File) {
	for i := len(e.cleanups) - 1; i >= 0; i-- {
		e.cleanups[i](fds)
	}
}

// BadUsage returns a special error that may be returned by Program.Run. It
// causes the main function to print out a message, the usage information and
// exit with 2.
func BadUsage(msg string) error { return badUsageError{msg} }

type badUsageError struct{ msg string }

func (e badUsageError) Error() string { return e.msg }

// Exit returns a special error that may be returned by Program.Run. It causes
// the main function to exit with the given code without printing any error
// messages. Exit(0) returns nil.
func Exit(exit int) error {
	if exit == 0 {
		return nil
	}
	return exitError{exit}
}

type exitError struct{ exit int }

func (e exitError) Error() string { return "" }
