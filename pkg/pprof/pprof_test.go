package pprof_test

import (
	"os"
	"testing"

	"github.com/elves/evald/pkg/pprof"
	"github.com/elves/evald/pkg/prog"
	"github.com/elves/evald/pkg/prog/progtest"
	"github.com/elves/evald/pkg/testutil"
)

func TestProgram(t *testing.T) {
	testutil.InTempDir(t)

	progtest.Test(t, prog.Composite(&pprof.Program{}, noopProgram{}),
		progtest.That("--cpuprofile", "cpuprof", "--allocsprofile", "allocsprof"),
		progtest.That("--cpuprofile", "/a/bad/path/cpuprof").
			WritesStderrContaining("Warning: cannot create CPU profile:"),
	)

	// There isn't much to test beyond a sanity check that the profiles exist.
	for _, name := range []string{"cpuprof", "allocsprof"} {
		if _, err := os.Stat(name); err != nil {
			t.Errorf("profile %s does not exist: %v", name, err)
		}
	}
}

type noopProgram struct{}

func (noopProgram) RegisterFlags(*prog.FlagSet)     {}
func (noopProgram) Run([3]*os.File, []string) error { return nil }
