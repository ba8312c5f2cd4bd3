// Package storetest keeps test suites against storedefs.Store.
package storetest

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/elves/evald/pkg/store/storedefs"
)

var (
	t0 = time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)

	entries = []storedefs.Entry{
		{Time: t0, Code: "var x = 7", Result: "Result:\n  (no value)"},
		{Time: t0.Add(time.Second), Generation: 1, EnvPath: "/env",
			Code: "fail boom", Result: "Error:\n  fail: boom", IsError: true,
			Duration: time.Millisecond},
		{Time: t0.Add(2 * time.Second), Generation: 1,
			Code: "echo " + strings.Repeat("long ", 200), Result: strings.Repeat("long ", 200)},
	}
)

var ignoreSeqAndDigest = cmpopts.IgnoreFields(storedefs.Entry{}, "Seq", "Digest")

var timeEqual = cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

// TestEntries tests the entry functionality of a Store.
func TestEntries(t *testing.T, store storedefs.Store) {
	seq, err := store.NextSeq()
	if seq != 1 || err != nil {
		t.Errorf("store.NextSeq() -> (%d, %v), want (1, nil)", seq, err)
	}

	for i, e := range entries {
		seq, err := store.AddEntry(e)
		if seq != i+1 || err != nil {
			t.Errorf("store.AddEntry(...) -> (%d, %v), want (%d, nil)", seq, err, i+1)
		}
	}

	for i, want := range entries {
		got, err := store.Entry(i + 1)
		if err != nil {
			t.Errorf("store.Entry(%d) -> error %v", i+1, err)
			continue
		}
		if got.Seq != i+1 || len(got.Digest) != 64 {
			t.Errorf("store.Entry(%d) has seq %d and digest %q", i+1, got.Seq, got.Digest)
		}
		if diff := cmp.Diff(want, got, ignoreSeqAndDigest, timeEqual); diff != "" {
			t.Errorf("store.Entry(%d) (-want +got):\n%s", i+1, diff)
		}
	}

	got, err := store.Entries(2, 4)
	if err != nil || len(got) != 2 || got[0].Seq != 2 || got[1].Seq != 3 {
		t.Errorf("store.Entries(2, 4) -> (%v, %v), want entries 2 and 3", got, err)
	}

	got, err = store.Recent(2)
	if err != nil || len(got) != 2 || got[0].Seq != 2 || got[1].Seq != 3 {
		t.Errorf("store.Recent(2) -> (%v, %v), want entries 2 and 3", got, err)
	}
	got, err = store.Recent(10)
	if err != nil || len(got) != 3 {
		t.Errorf("store.Recent(10) -> (%v, %v), want all 3 entries", got, err)
	}

	e1, _ := store.Entry(1)
	added, _ := store.AddEntry(entries[0])
	e4, _ := store.Entry(added)
	if e1.Digest != e4.Digest {
		t.Errorf("same code has digests %q and %q", e1.Digest, e4.Digest)
	}

	if err := store.DelEntry(1); err != nil {
		t.Errorf("store.DelEntry(1) -> %v", err)
	}
	if _, err := store.Entry(1); err != storedefs.ErrNoMatchingEntry {
		t.Errorf("store.Entry(1) after deletion -> %v, want ErrNoMatchingEntry", err)
	}
	seq, err = store.NextSeq()
	if seq != 5 || err != nil {
		t.Errorf("store.NextSeq() -> (%d, %v), want (5, nil)", seq, err)
	}
}
