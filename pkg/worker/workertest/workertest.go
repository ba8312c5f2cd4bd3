// Package workertest supports tests that spawn real workers.
//
// Test binaries that use it re-execute themselves as workers: their TestMain
// calls Main, which runs the worker program instead of the tests when the
// binary was started by Config.
package workertest

import (
	"os"
	"testing"
	"time"

	"github.com/elves/evald/pkg/prog"
	"github.com/elves/evald/pkg/testutil"
	"github.com/elves/evald/pkg/worker"
)

const envWorker = "EVALD_TEST_AS_WORKER"

// Main runs the worker program if the test binary has been started as a
// worker, and the tests otherwise.
func Main(m *testing.M) {
	if os.Getenv(envWorker) == "1" {
		os.Exit(prog.Run([3]*os.File{os.Stdin, os.Stdout, os.Stderr},
			os.Args, &worker.Program{}))
	}
	os.Exit(m.Run())
}

// Config returns a SpawnConfig that starts the test binary as a worker, with
// its log in a temporary directory.
func Config(t testutil.TB) worker.SpawnConfig {
	t.Helper()
	bin, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	return worker.SpawnConfig{
		BinPath:      bin,
		Args:         []string{"--worker", "--log-level", "debug"},
		Env:          append(os.Environ(), envWorker+"=1"),
		LogDir:       testutil.TempDir(t),
		ReadyTimeout: testutil.Scaled(10 * time.Second),
		GracePeriod:  testutil.Scaled(500 * time.Millisecond),
	}
}
