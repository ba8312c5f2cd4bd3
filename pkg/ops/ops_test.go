package ops_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
	"src.elv.sh/pkg/parse"

	"github.com/elves/evald/pkg/config"
	"github.com/elves/evald/pkg/env"
	"github.com/elves/evald/pkg/envpath"
	. "github.com/elves/evald/pkg/ops"
	"github.com/elves/evald/pkg/session"
	"github.com/elves/evald/pkg/store"
	"github.com/elves/evald/pkg/symfilter"
	"github.com/elves/evald/pkg/testutil"
	"github.com/elves/evald/pkg/worker/workertest"
)

func TestMain(m *testing.M) { workertest.Main(m) }

var bg = context.Background()

func setup(t *testing.T, mode string) *Ops {
	t.Helper()
	o := New(Config{
		Mode: mode,
		Session: session.Config{
			Spawn:    workertest.Config(t),
			Resolver: envpath.Resolver{SharedDir: testutil.TempDir(t)},
		},
		Policy: symfilter.DefaultPolicy(),
		Store:  store.MustGetTempStore(t),
	})
	t.Cleanup(func() { o.Close() })
	return o
}

// mustOK returns a function that takes the results of an operation and
// returns its text, failing the test if the operation failed.
func mustOK(t *testing.T) func(Result, error) string {
	return func(r Result, err error) string {
		t.Helper()
		if err != nil {
			t.Fatalf("got error %v", err)
		}
		if r.IsError {
			t.Fatalf("got error result %q", r.Text)
		}
		return r.Text
	}
}

func wantText(t *testing.T, r Result, err error, isError bool, want string) {
	t.Helper()
	if err != nil {
		t.Fatalf("got error %v", err)
	}
	if r.IsError != isError || r.Text != want {
		t.Errorf("got %+v, want text %q with IsError=%v", r, want, isError)
	}
}

func TestEvaluate(t *testing.T) {
	o := setup(t, config.ModeSubprocess)

	r, err := o.Evaluate(bg, "var x = 42; echo hi; put $x", 0)
	wantText(t, r, err, false, "Output:\n  hi\nResult:\n  42")

	r, err = o.Evaluate(bg, "fail oops", 0)
	if err != nil || !r.IsError || !strings.HasPrefix(r.Text, "Error:\n  fail: ") || !strings.Contains(r.Text, "oops") {
		t.Errorf("got %+v, %v, want failure text", r, err)
	}

	r, err = o.Evaluate(bg, "put $x", 0)
	wantText(t, r, err, false, "Result:\n  42")
}

func TestEvaluate_Timeout(t *testing.T) {
	o := setup(t, config.ModeSubprocess)
	mustOK(t)(o.Evaluate(bg, "var x = 1", 0))

	r, err := o.Evaluate(bg, "sleep 10", testutil.Scaled(100*time.Millisecond))
	if err != nil || !r.IsError || !strings.Contains(r.Text, "timed out") {
		t.Fatalf("got %+v, %v, want timeout text", r, err)
	}

	r, err = o.Evaluate(bg, "put $x", 0)
	if err != nil || !r.IsError || !strings.Contains(r.Text, "compilation-error") {
		t.Errorf("got %+v, %v, want compilation error in fresh worker", r, err)
	}
}

func TestEvaluate_Busy(t *testing.T) {
	o := setup(t, config.ModeSubprocess)
	mustOK(t)(o.Evaluate(bg, "var x = 1", 0))

	slow := make(chan Result, 1)
	go func() {
		r, _ := o.Evaluate(bg, "sleep 0.5; put done", 0)
		slow <- r
	}()
	time.Sleep(testutil.Scaled(100 * time.Millisecond))

	r, err := o.Evaluate(bg, "put $x", testutil.Scaled(50*time.Millisecond))
	if err != nil || !r.IsError || !strings.Contains(r.Text, "busy") {
		t.Errorf("got %+v, %v, want busy text", r, err)
	}
	if r := <-slow; r != (Result{Text: "Result:\n  done"}) {
		t.Errorf("slow evaluation -> %+v", r)
	}
	r, err = o.Evaluate(bg, "put $x", 0)
	wantText(t, r, err, false, "Result:\n  1")
}

func TestHistory_Generation(t *testing.T) {
	o := setup(t, config.ModeSubprocess)
	mustOK(t)(o.Evaluate(bg, "put a", 0))
	mustOK(t)(o.HardReset(bg))
	mustOK(t)(o.Evaluate(bg, "put b", 0))

	lines := strings.Split(mustOK(t)(o.History(bg, 0)), "\n")
	if len(lines) != 4 {
		t.Fatalf("History -> %q, want 4 lines", lines)
	}
	if !strings.Contains(lines[0], " gen=0 ") || lines[1] != "  put a" {
		t.Errorf("first entry -> %q, want generation 0", lines[:2])
	}
	if !strings.Contains(lines[2], " gen=1 ") || lines[3] != "  put b" {
		t.Errorf("second entry -> %q, want generation 1", lines[2:])
	}
}

func TestHardReset(t *testing.T) {
	o := setup(t, config.ModeSubprocess)
	mustOK(t)(o.Evaluate(bg, "var x = 1", 0))

	r, err := o.HardReset(bg)
	wantText(t, r, err, false, "Worker reset (generation 1).")
	r, err = o.HardReset(bg)
	wantText(t, r, err, false, "Worker reset (generation 2).")

	r, _ = o.Evaluate(bg, "put $x", 0)
	if !r.IsError {
		t.Errorf("binding survived hard reset: %q", r.Text)
	}
}

func TestSoftReset(t *testing.T) {
	o := setup(t, config.ModeInProcess)
	mustOK(t)(o.Evaluate(bg, "var x = 1; fn f { }; use str", 0))

	r, err := o.SoftReset(bg)
	wantText(t, r, err, false, "Cleared 2 bindings; kept: str:.")

	r, err = o.SoftReset(bg)
	wantText(t, r, err, false, "Cleared 0 bindings; kept: str:.")
}

func TestResetModeMismatch(t *testing.T) {
	sub := setup(t, config.ModeSubprocess)
	if r, err := sub.SoftReset(bg); err != nil || !r.IsError {
		t.Errorf("SoftReset in subprocess mode -> %+v, %v", r, err)
	}
	in := setup(t, config.ModeInProcess)
	if r, err := in.HardReset(bg); err != nil || !r.IsError {
		t.Errorf("HardReset in in-process mode -> %+v, %v", r, err)
	}
}

func TestActivate(t *testing.T) {
	for _, mode := range []string{config.ModeSubprocess, config.ModeInProcess} {
		t.Run(mode, func(t *testing.T) {
			testutil.InTempDir(t)
			testutil.SaveEnv(t, "PWD")
			testutil.Unsetenv(t, "EVALD_TEST_GREETING")
			o := setup(t, mode)
			dir := testutil.TempDir(t)
			testutil.MustWriteFile(filepath.Join(dir, ".env"), "EVALD_TEST_GREETING=hello\n")

			r, err := o.Activate(bg, dir)
			wantText(t, r, err, false, "Activated "+dir)

			r, err = o.Evaluate(bg, "put $E:EVALD_TEST_GREETING $evald-env", 0)
			wantText(t, r, err, false,
				"Result:\n  hello\n  "+parse.Quote(dir))

			r, err = o.Activate(bg, filepath.Join(dir, "missing"))
			if err != nil || !r.IsError {
				t.Errorf("Activate missing dir -> %+v, %v", r, err)
			}
		})
	}
}

func TestInfo(t *testing.T) {
	o := setup(t, config.ModeSubprocess)

	var doc map[string]any
	r := mustOK(t)(o.Info(bg))
	if err := yaml.Unmarshal([]byte(r), &doc); err != nil {
		t.Fatal(err)
	}
	if doc["mode"] != "subprocess" || doc["environment"] != "(none)" ||
		doc["generation"] != 0 || doc["worker"] != nil {
		t.Errorf("Info before first evaluation -> %v", doc)
	}

	mustOK(t)(o.Evaluate(bg, "var x = 1", 0))
	r = mustOK(t)(o.Info(bg))
	doc = nil
	if err := yaml.Unmarshal([]byte(r), &doc); err != nil {
		t.Fatal(err)
	}
	w, _ := doc["worker"].(map[string]any)
	if w == nil || w["pid"] == 0 {
		t.Errorf("Info after evaluation -> %v, want worker", doc)
	}
	bindings, _ := doc["bindings"].([]any)
	found := false
	for _, b := range bindings {
		found = found || b == "x"
	}
	if !found {
		t.Errorf("bindings %v missing x", bindings)
	}
}

func TestInfo_InProcessProtected(t *testing.T) {
	o := setup(t, config.ModeInProcess)
	mustOK(t)(o.Evaluate(bg, "var x = 1; var _y = 2", 0))

	var doc struct {
		Bindings  []string `yaml:"bindings"`
		Protected []string `yaml:"protected"`
	}
	if err := yaml.Unmarshal([]byte(mustOK(t)(o.Info(bg))), &doc); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"_y", "evald-env"}, doc.Protected); diff != "" {
		t.Errorf("protected (-want +got):\n%s", diff)
	}
	if len(doc.Bindings) != 3 {
		t.Errorf("bindings %v, want 3", doc.Bindings)
	}
}

func TestPackageAction(t *testing.T) {
	o := setup(t, config.ModeInProcess)
	r, err := o.PackageAction(bg, "frobnicate", []string{"x"})
	if err != nil || !r.IsError || !strings.Contains(r.Text, "frobnicate") {
		t.Errorf("unknown action -> %+v, %v", r, err)
	}
	r, err = o.PackageAction(bg, "add", nil)
	if err != nil || !r.IsError {
		t.Errorf("add without packages -> %+v, %v", r, err)
	}
}

func TestHistory(t *testing.T) {
	o := setup(t, config.ModeInProcess)
	r, err := o.History(bg, 0)
	wantText(t, r, err, false, "No evaluations yet.")

	mustOK(t)(o.Evaluate(bg, "put a", 0))
	o.Evaluate(bg, "fail b", 0)
	mustOK(t)(o.Evaluate(bg, "put c\nput d", 0))

	text := mustOK(t)(o.History(bg, 2))
	lines := strings.Split(text, "\n")
	if len(lines) != 5 {
		t.Fatalf("History -> %q, want 5 lines", text)
	}
	if !strings.HasPrefix(lines[0], "#2 ") || !strings.Contains(lines[0], " error ") ||
		lines[1] != "  fail b" {
		t.Errorf("first entry -> %q", lines[:2])
	}
	if !strings.HasPrefix(lines[2], "#3 ") || lines[3] != "  put c" || lines[4] != "  put d" {
		t.Errorf("second entry -> %q", lines[2:])
	}
}

func TestHistory_Disabled(t *testing.T) {
	o := New(Config{Mode: config.ModeInProcess, Policy: symfilter.DefaultPolicy()})
	defer o.Close()
	r, err := o.History(bg, 0)
	wantText(t, r, err, true, "History is disabled.")
}

func TestClosed(t *testing.T) {
	o := setup(t, config.ModeSubprocess)
	o.Close()
	_, err := o.Evaluate(bg, "put x", 0)
	if !errors.Is(err, session.ErrClosed) {
		t.Errorf("Evaluate after Close -> %v, want ErrClosed", err)
	}
}

func TestSpawnFailureIsFatal(t *testing.T) {
	cfg := workertest.Config(t)
	cfg.BinPath = filepath.Join(testutil.TempDir(t), "no-such-binary")
	o := New(Config{Mode: config.ModeSubprocess, Session: session.Config{Spawn: cfg}})
	defer o.Close()
	if _, err := o.Evaluate(bg, "put x", 0); err == nil {
		t.Errorf("Evaluate with missing binary -> nil error")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(testutil.TempDir(t), "h.db")
	c, err := FromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Store.Close()
	if c.Mode != config.ModeSubprocess || !c.Format.StripANSI || c.Store == nil {
		t.Errorf("FromConfig -> %+v", c)
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		t.Errorf("store not created: %v", err)
	}
}

func TestStart(t *testing.T) {
	testutil.InTempDir(t)
	testutil.SaveEnv(t, "PWD")
	dir := testutil.TempDir(t)
	cfgFile := filepath.Join(dir, "evald.toml")
	testutil.MustWriteFile(cfgFile, "mode = \"inprocess\"\n[store]\npath = \"-\"\n")
	testutil.Setenv(t, env.EVALD_PROJECT, dir)
	testutil.Unsetenv(t, env.EVALD_MODE)

	o, err := Start(bg, StartOptions{ConfigPath: cfgFile})
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()
	if o.Mode() != config.ModeInProcess {
		t.Errorf("Mode -> %q, want inprocess", o.Mode())
	}
	r, err := o.Evaluate(bg, "put $evald-env", 0)
	wantText(t, r, err, false, "Result:\n  "+parse.Quote(dir))

	testutil.Setenv(t, env.EVALD_PROJECT, filepath.Join(dir, "missing"))
	if _, err := Start(bg, StartOptions{ConfigPath: cfgFile}); err == nil {
		t.Errorf("Start with bad project -> nil error")
	}
}
