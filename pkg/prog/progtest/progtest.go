// Package progtest contains utilities for testing subprograms.
package progtest

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/elves/evald/pkg/prog"
)

// Run runs a Program with the given arguments, with stdin connected to
// /dev/null. It returns the exit status and everything written to stdout and
// stderr.
func Run(p prog.Program, args ...string) (exit int, stdout, stderr string) {
	return RunWithInput(p, "", args...)
}

// RunWithInput is like Run, but feeds input to the stdin of the Program.
func RunWithInput(p prog.Program, input string, args ...string) (int, string, string) {
	r0, w0 := mustPipe()
	r1, w1 := mustPipe()
	r2, w2 := mustPipe()

	go func() {
		io.WriteString(w0, input)
		w0.Close()
	}()
	outCh := readAllAsync(r1)
	errCh := readAllAsync(r2)

	exit := prog.Run([3]*os.File{r0, w1, w2}, append([]string{"evald"}, args...), p)
	r0.Close()
	w1.Close()
	w2.Close()
	return exit, <-outCh, <-errCh
}

// Case is one invocation of a Program together with expectations about its
// outcome.
type Case struct {
	args         []string
	input        string
	exit         int
	stdoutSubstr []string
	stderrSubstr []string
}

// That returns a new Case that runs the Program with the given arguments.
func That(args ...string) *Case { return &Case{args: args} }

// WithStdin sets the stdin of the Program.
func (c *Case) WithStdin(s string) *Case {
	c.input = s
	return c
}

// ExitsWith requires the Program to exit with the given status.
func (c *Case) ExitsWith(exit int) *Case {
	c.exit = exit
	return c
}

// WritesStdoutContaining requires the stdout to contain s.
func (c *Case) WritesStdoutContaining(s string) *Case {
	c.stdoutSubstr = append(c.stdoutSubstr, s)
	return c
}

// WritesStderrContaining requires the stderr to contain s.
func (c *Case) WritesStderrContaining(s string) *Case {
	c.stderrSubstr = append(c.stderrSubstr, s)
	return c
}

// Test runs the Program for each Case and checks its expectations.
func Test(t *testing.T, p prog.Program, cases ...*Case) {
	t.Helper()
	for _, c := range cases {
		exit, stdout, stderr := RunWithInput(p, c.input, c.args...)
		if exit != c.exit {
			t.Errorf("evald %v exited with %d, want %d (stderr: %q)",
				c.args, exit, c.exit, stderr)
		}
		for _, s := range c.stdoutSubstr {
			if !strings.Contains(stdout, s) {
				t.Errorf("evald %v stdout %q, want it to contain %q", c.args, stdout, s)
			}
		}
		for _, s := range c.stderrSubstr {
			if !strings.Contains(stderr, s) {
				t.Errorf("evald %v stderr %q, want it to contain %q", c.args, stderr, s)
			}
		}
	}
}

func mustPipe() (*os.File, *os.File) {
	r, w, err := os.Pipe()
	if err != nil {
		panic(err)
	}
	return r, w
}

func readAllAsync(r *os.File) <-chan string {
	ch := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(r)
		r.Close()
		ch <- string(b)
	}()
	return ch
}
