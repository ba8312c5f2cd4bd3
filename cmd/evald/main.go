// Evald evaluates Elvish code for a caller that needs a persistent session
// which it can reset. Code runs in a worker process that a hard reset
// replaces; the in-process mode offers a weaker soft reset instead.
package main

import (
	"os"

	"github.com/elves/evald/pkg/buildinfo"
	"github.com/elves/evald/pkg/pprof"
	"github.com/elves/evald/pkg/prog"
	"github.com/elves/evald/pkg/repl"
	"github.com/elves/evald/pkg/server"
	"github.com/elves/evald/pkg/worker"
)

func main() {
	os.Exit(prog.Run(
		[3]*os.File{os.Stdin, os.Stdout, os.Stderr}, os.Args,
		prog.Composite(
			&pprof.Program{}, &buildinfo.Program{}, &worker.Program{}, &server.Program{},
			&repl.Program{})))
}
