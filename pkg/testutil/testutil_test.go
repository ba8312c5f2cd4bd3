package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/elves/evald/pkg/env"
)

func TestTempDir_DirHasSymlinksResolved(t *testing.T) {
	dir := TempDir(t)

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if dir != resolved {
		t.Errorf("TempDir returns %q, but it resolves to %q", dir, resolved)
	}
}

func TestInTempDir_RestoresWorkingDir(t *testing.T) {
	before, _ := os.Getwd()
	t.Run("inner", func(t *testing.T) {
		dir := InTempDir(t)
		if wd, _ := os.Getwd(); wd != dir {
			t.Errorf("working dir is %q, want %q", wd, dir)
		}
	})
	if after, _ := os.Getwd(); after != before {
		t.Errorf("working dir is %q after test, want %q", after, before)
	}
}

func TestSetenv(t *testing.T) {
	const name = "EVALD_TESTUTIL_VAR"
	t.Run("inner", func(t *testing.T) {
		Setenv(t, name, "foo")
		if got := os.Getenv(name); got != "foo" {
			t.Errorf("got %q, want foo", got)
		}
	})
	if _, ok := os.LookupEnv(name); ok {
		t.Errorf("%s still set after test", name)
	}
}

func TestScaled(t *testing.T) {
	Setenv(t, env.EVALD_TEST_TIME_SCALE, "2")
	if got := Scaled(time.Second); got != 2*time.Second {
		t.Errorf("Scaled(1s) -> %v, want 2s", got)
	}
	Setenv(t, env.EVALD_TEST_TIME_SCALE, "bad")
	if got := Scaled(time.Second); got != time.Second {
		t.Errorf("Scaled(1s) with bad scale -> %v, want 1s", got)
	}
}
