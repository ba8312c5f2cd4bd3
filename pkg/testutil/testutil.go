// Package testutil contains common test utilities.
package testutil

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/elves/evald/pkg/env"
)

// Cleanuper wraps the Cleanup method. It is a subset of [testing.TB], thus
// satisfied by [*testing.T] and [*testing.B].
type Cleanuper interface {
	Cleanup(func())
}

// TB is the subset of [testing.TB] used by the helpers in this package.
type TB interface {
	Cleanuper
	Helper()
	TempDir() string
	Fatal(args ...any)
}

// TempDir returns a temporary directory with symlinks resolved, removed when
// the test finishes.
func TempDir(t TB) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

// InTempDir is like TempDir, but also changes into the directory, and changes
// back to the original working directory when the test finishes. It returns
// the directory.
func InTempDir(t TB) string {
	t.Helper()
	dir := TempDir(t)
	Chdir(t, dir)
	return dir
}

// Chdir changes into a directory, and restores the original working directory
// when the test finishes.
func Chdir(t TB, dir string) {
	t.Helper()
	oldWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(oldWd) })
}

// Setenv sets the value of an environment variable for the duration of a test.
// It returns value.
func Setenv(c Cleanuper, name, value string) string {
	SaveEnv(c, name)
	os.Setenv(name, value)
	return value
}

// Unsetenv unsets an environment variable for the duration of a test.
func Unsetenv(c Cleanuper, name string) {
	SaveEnv(c, name)
	os.Unsetenv(name)
}

// SaveEnv saves the current value of an environment variable so that it will be
// restored after a test has finished.
func SaveEnv(c Cleanuper, name string) {
	oldValue, existed := os.LookupEnv(name)
	if existed {
		c.Cleanup(func() { os.Setenv(name, oldValue) })
	} else {
		c.Cleanup(func() { os.Unsetenv(name) })
	}
}

// MustWriteFile writes data to a file, after creating all ancestor directories
// that don't exist. It panics on errors.
func MustWriteFile(filename, data string) {
	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		panic(err)
	}
	if err := os.WriteFile(filename, []byte(data), 0600); err != nil {
		panic(err)
	}
}

// Scaled returns d scaled by $EVALD_TEST_TIME_SCALE. If the environment
// variable does not exist or contains an invalid value, the scale defaults to
// 1.
func Scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * getTestTimeScale())
}

func getTestTimeScale() float64 {
	env := os.Getenv(env.EVALD_TEST_TIME_SCALE)
	if env == "" {
		return 1
	}
	scale, err := strconv.ParseFloat(env, 64)
	if err != nil || scale <= 0 {
		return 1
	}
	return scale
}
