package worker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"src.elv.sh/pkg/parse"

	"github.com/elves/evald/pkg/evalproto"
	"github.com/elves/evald/pkg/prog/progtest"
	"github.com/elves/evald/pkg/testutil"
	. "github.com/elves/evald/pkg/worker"
	"github.com/elves/evald/pkg/worker/workertest"
)

func TestMain(m *testing.M) { workertest.Main(m) }

func spawn(t *testing.T, cfg SpawnConfig) *Worker {
	t.Helper()
	w, err := Spawn(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Terminate)
	return w
}

func evaluate(t *testing.T, w *Worker, code string) *evalproto.EvalResult {
	t.Helper()
	res, err := w.Evaluate(context.Background(), evalproto.EvalRequest{ID: "t", Code: code})
	if err != nil {
		t.Fatalf("Evaluate(%q) -> %v", code, err)
	}
	return res
}

func TestSpawn(t *testing.T) {
	w := spawn(t, workertest.Config(t))

	if w.Pid == 0 || w.Pid == os.Getpid() {
		t.Errorf("got pid %d", w.Pid)
	}
	if w.ID == "" || w.Created.IsZero() || w.RuntimeVersion == "" {
		t.Errorf("worker fields not set: %+v", w)
	}
	if !w.IsAlive() {
		t.Errorf("IsAlive() = false for new worker")
	}
	if _, err := os.Stat(w.LogPath); err != nil {
		t.Errorf("log file: %v", err)
	}

	evaluate(t, w, "var x = 7")
	res := evaluate(t, w, "* $x 6")
	if len(res.Values) != 1 || res.Values[0].Repr != "(num 42)" {
		t.Errorf("got %+v, want (num 42)", res)
	}

	info, err := w.Info(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Pid != w.Pid {
		t.Errorf("info reports pid %d, want %d", info.Pid, w.Pid)
	}
}

func TestSpawn_WithEnvPath(t *testing.T) {
	cfg := workertest.Config(t)
	cfg.EnvPath = testutil.TempDir(t)
	w := spawn(t, cfg)

	res := evaluate(t, w, "put $pwd")
	if len(res.Values) != 1 || res.Values[0].Repr != parse.Quote(cfg.EnvPath) {
		t.Errorf("got %+v, want $pwd to be %s", res, cfg.EnvPath)
	}
}

func TestSpawn_BadEnvPath(t *testing.T) {
	cfg := workertest.Config(t)
	cfg.EnvPath = filepath.Join(testutil.TempDir(t), "nonexistent")
	_, err := Spawn(context.Background(), cfg)

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("got %v, want *SpawnError", err)
	}
	var actErr *evalproto.ActivationError
	if !errors.As(err, &actErr) {
		t.Errorf("got %v, want it to wrap *ActivationError", err)
	}
}

func TestSpawn_Failures(t *testing.T) {
	badBin := workertest.Config(t)
	badBin.BinPath = filepath.Join(testutil.TempDir(t), "nonexistent")

	exitsEarly := workertest.Config(t)
	exitsEarly.Args = []string{"--no-such-flag"}

	for name, cfg := range map[string]SpawnConfig{
		"bad binary": badBin, "exits before ready": exitsEarly} {
		t.Run(name, func(t *testing.T) {
			_, err := Spawn(context.Background(), cfg)
			var spawnErr *SpawnError
			if !errors.As(err, &spawnErr) {
				t.Errorf("got %v, want *SpawnError", err)
			}
		})
	}
}

func TestTerminate(t *testing.T) {
	w := spawn(t, workertest.Config(t))
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			w.Terminate()
			wg.Done()
		}()
	}
	wg.Wait()

	if w.IsAlive() {
		t.Errorf("IsAlive() = true after Terminate")
	}
	select {
	case <-w.Exited():
	default:
		t.Errorf("process not reaped after Terminate returned")
	}
	_, err := w.Evaluate(context.Background(), evalproto.EvalRequest{ID: "t", Code: "put x"})
	if !evalproto.IsChannelError(err, evalproto.DeadWorker) {
		t.Errorf("got %v, want dead worker error", err)
	}
}

func TestTerminate_HungWorker(t *testing.T) {
	cfg := workertest.Config(t)
	w := spawn(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), testutil.Scaled(100*time.Millisecond))
	defer cancel()
	_, err := w.Evaluate(ctx, evalproto.EvalRequest{ID: "t", Code: "sleep 1000"})
	if !evalproto.IsChannelError(err, evalproto.Timeout) {
		t.Fatalf("got %v, want timeout error", err)
	}
	w.MarkHung()
	if w.IsAlive() {
		t.Errorf("IsAlive() = true for hung worker")
	}

	start := time.Now()
	w.Terminate()
	if d := time.Since(start); d > 3*cfg.GracePeriod+testutil.Scaled(time.Second) {
		t.Errorf("Terminate took %v", d)
	}
	select {
	case <-w.Exited():
	default:
		t.Errorf("hung worker not reaped")
	}
}

func TestProgram(t *testing.T) {
	progtest.Test(t, &Program{},
		progtest.That("--worker", "foo").
			ExitsWith(2).WritesStderrContaining("arguments are not allowed"),
		progtest.That().
			ExitsWith(2).WritesStderrContaining("no suitable subprogram"),
	)
}
