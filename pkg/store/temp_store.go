package store

import (
	"path/filepath"

	"github.com/elves/evald/pkg/testutil"
)

// MustGetTempStore returns a Store backed by a file in a temporary directory.
// The Store is closed when the test finishes.
func MustGetTempStore(t testutil.TB) DBStore {
	t.Helper()
	st, err := NewStore(filepath.Join(testutil.TempDir(t), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
