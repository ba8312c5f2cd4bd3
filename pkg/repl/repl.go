// Package repl implements the line-oriented front end of evald. Lines that
// start with ":" are commands; everything else is code.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/elves/evald/pkg/format"
	"github.com/elves/evald/pkg/logutil"
	"github.com/elves/evald/pkg/ops"
	"github.com/elves/evald/pkg/prog"
)

var logger = logutil.GetLogger("repl")

// Prompt is written before reading each line when stdin is a terminal.
const Prompt = "evald> "

// Program is the REPL subprogram. It is the default program and never defers
// to another one.
type Program struct {
	inprocess *bool
	config    *string
}

func (p *Program) RegisterFlags(fs *prog.FlagSet) {
	p.inprocess = fs.InProcess()
	p.config = fs.Config()
}

func (p *Program) Run(fds [3]*os.File, args []string) error {
	if len(args) > 0 {
		return prog.BadUsage("arguments are not supported")
	}
	ctx := context.Background()
	o, err := ops.Start(ctx, ops.StartOptions{ConfigPath: *p.config, InProcess: *p.inprocess})
	if err != nil {
		return err
	}
	defer o.Close()
	r := New(fds[1], fds[2], o)
	r.Prompt = isTerminal(fds[0])
	if isTerminal(fds[1]) {
		r.Highlight(fds[1])
	}
	return r.Run(ctx, fds[0])
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// REPL reads commands and code line by line.
type REPL struct {
	// Whether to write Prompt before reading each line.
	Prompt bool

	out, errOut io.Writer
	ops         *ops.Ops
	styles      map[string]lipgloss.Style
}

// New creates a REPL that writes results to out and aborted operations to
// errOut.
func New(out, errOut io.Writer, o *ops.Ops) *REPL {
	return &REPL{out: out, errOut: errOut, ops: o}
}

// Highlight enables styling of section headers, with the color profile of w.
func (r *REPL) Highlight(w io.Writer) {
	re := lipgloss.NewRenderer(w)
	header := re.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	r.styles = map[string]lipgloss.Style{
		format.ErrorHeader:  re.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		format.OutputHeader: header,
		format.StderrHeader: re.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		format.ResultHeader: header,
	}
}

// Run reads lines from in until it is exhausted or the :quit command.
func (r *REPL) Run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for {
		if r.Prompt {
			fmt.Fprint(r.out, Prompt)
		}
		if !sc.Scan() {
			if r.Prompt {
				fmt.Fprintln(r.out)
			}
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == ":quit" {
			return nil
		}
		res, err := r.exec(ctx, line)
		if err != nil {
			logger.Error().Err(err).Str("line", line).Msg("operation aborted")
			fmt.Fprintln(r.errOut, "evald:", err)
			continue
		}
		r.show(res)
	}
}

const help = `Commands:
  :reset              replace the worker, losing all state
  :soft-reset         clear user bindings (in-process mode)
  :info               show the evaluation state
  :activate PATH      evaluate in an environment
  :pkg ACTION PKG...  add, rm, update or status of packages
  :history [N]        show recent evaluations
  :quit               quit
Everything else is evaluated as code.`

func (r *REPL) exec(ctx context.Context, line string) (ops.Result, error) {
	if !strings.HasPrefix(line, ":") {
		return r.ops.Evaluate(ctx, line, 0)
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case ":reset":
		return r.ops.HardReset(ctx)
	case ":soft-reset":
		return r.ops.SoftReset(ctx)
	case ":info":
		return r.ops.Info(ctx)
	case ":activate":
		if rest == "" {
			return ops.Result{Text: "Usage: :activate PATH", IsError: true}, nil
		}
		return r.ops.Activate(ctx, rest)
	case ":pkg":
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return ops.Result{Text: "Usage: :pkg ACTION PKG...", IsError: true}, nil
		}
		return r.ops.PackageAction(ctx, fields[0], fields[1:])
	case ":history":
		limit := 0
		if rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil || n <= 0 {
				return ops.Result{Text: "Usage: :history [N]", IsError: true}, nil
			}
			limit = n
		}
		return r.ops.History(ctx, limit)
	case ":help":
		return ops.Result{Text: help}, nil
	}
	return ops.Result{Text: fmt.Sprintf("Unknown command %s; try :help", cmd), IsError: true}, nil
}

func (r *REPL) show(res ops.Result) {
	text := res.Text
	if r.styles != nil {
		lines := strings.Split(text, "\n")
		for i, line := range lines {
			if style, ok := r.styles[line]; ok {
				lines[i] = style.Render(line)
			}
		}
		text = strings.Join(lines, "\n")
	}
	fmt.Fprintln(r.out, text)
}
