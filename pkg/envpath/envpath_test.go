package envpath

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/elves/evald/pkg/testutil"
)

func TestResolve(t *testing.T) {
	dir := testutil.InTempDir(t)
	shared := filepath.Join(dir, "shared")
	testutil.MustWriteFile(filepath.Join(dir, "file"), "")
	r := Resolver{SharedDir: shared}

	tests := []struct {
		target  string
		want    string
		wantErr string
	}{
		{target: ".", want: dir},
		{target: dir + "/", want: dir},
		{target: "@proj", want: filepath.Join(shared, "proj")},
		{target: "", wantErr: "empty environment path"},
		{target: "relative", wantErr: "must be \".\""},
		{target: filepath.Join(dir, "missing"), wantErr: "bad environment path"},
		{target: filepath.Join(dir, "file"), wantErr: "is not a directory"},
		{target: "@", wantErr: "bad shared environment name"},
		{target: "@a/b", wantErr: "bad shared environment name"},
		{target: "@..", wantErr: "bad shared environment name"},
	}
	for _, test := range tests {
		got, err := r.Resolve(test.target)
		if test.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Resolve(%q) -> (%q, %v), want error containing %q",
					test.target, got, err, test.wantErr)
			}
			continue
		}
		if got != test.want || err != nil {
			t.Errorf("Resolve(%q) -> (%q, %v), want (%q, nil)", test.target, got, err, test.want)
		}
	}
}

func TestResolve_CreatesSharedEnvironment(t *testing.T) {
	shared := filepath.Join(testutil.TempDir(t), "shared")
	path, err := Resolver{SharedDir: shared}.Resolve("@data")
	if err != nil {
		t.Fatal(err)
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		t.Errorf("shared environment %s not created: %v", path, err)
	}
}

func TestResolve_NoSharedDir(t *testing.T) {
	_, err := Resolver{}.Resolve("@x")
	if err != ErrNoSharedDir {
		t.Errorf("got %v, want ErrNoSharedDir", err)
	}
}
