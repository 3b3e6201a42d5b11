package sstable

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jwwh/tinykv/internal/dbformat"
	"github.com/jwwh/tinykv/internal/filter"
	"github.com/jwwh/tinykv/internal/sstfile"
)

func buildTable(t *testing.T, path string, entries [][2]string, opts TableBuilderOptions) {
	t.Helper()
	w, err := sstfile.CreateWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	tb := NewTableBuilder(w, nil, opts)
	for i, e := range entries {
		ik := dbformat.AppendInternalKey(nil, []byte(e[0]), dbformat.SequenceNumber(i+1), dbformat.TypeValue)
		if err := tb.Add(ik, []byte(e[1])); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := tb.Finish(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestSSTWithFilter is scenario S5 from the spec.
func TestSSTWithFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	entries := [][2]string{{"apple", "1"}, {"banana", "2"}, {"cherry", "3"}}
	buildTable(t, path, entries, DefaultTableBuilderOptions())

	tr, err := Open(path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	lookup := dbformat.NewLookupKey([]byte("banana"), dbformat.MaxSequenceNumber)
	val, found, err := tr.Get(lookup.InternalKey())
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(val) != "2" {
		t.Fatalf("get(banana): found=%v val=%q", found, val)
	}

	if !tr.haveFilter {
		t.Fatal("expected a filter block to have been loaded")
	}
	falsePositives := 0
	const trials = 2000
	for i := 0; i < trials; i++ {
		k := []byte(fmt.Sprintf("absent-%d", i))
		if filter.MayMatch(k, tr.filterBytes) {
			falsePositives++
		}
	}
	if rate := float64(falsePositives) / trials; rate > 0.01 {
		t.Fatalf("false positive rate too high: %.4f", rate)
	}
}

// TestTableIteratorRoundTrip is spec §8 property 4: an SST iterator yields
// exactly the (key, value) list added, in the same order, across multiple
// data blocks.
func TestTableIteratorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")

	var entries [][2]string
	for i := 0; i < 500; i++ {
		entries = append(entries, [2]string{fmt.Sprintf("key-%04d", i), fmt.Sprintf("value-%04d", i)})
	}
	opts := DefaultTableBuilderOptions()
	opts.BlockSize = 256 // force many data blocks
	buildTable(t, path, entries, opts)

	tr, err := Open(path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	it := tr.NewIterator()
	it.First()
	for i, want := range entries {
		if !it.Valid() {
			t.Fatalf("iterator ended early at entry %d", i)
		}
		userKey := dbformat.ExtractUserKey(it.Key())
		if string(userKey) != want[0] || string(it.Value()) != want[1] {
			t.Fatalf("entry %d: got (%q, %q), want (%q, %q)", i, userKey, it.Value(), want[0], want[1])
		}
		it.Next()
	}
	if it.Valid() {
		t.Fatal("expected iterator to end after last entry")
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
}

func TestTableBuilderRejectsOutOfOrderKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	w, err := sstfile.CreateWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	tb := NewTableBuilder(w, nil, DefaultTableBuilderOptions())
	ik1 := dbformat.AppendInternalKey(nil, []byte("b"), 1, dbformat.TypeValue)
	ik2 := dbformat.AppendInternalKey(nil, []byte("a"), 2, dbformat.TypeValue)

	if err := tb.Add(ik1, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := tb.Add(ik2, []byte("y")); err == nil {
		t.Fatal("expected error adding an out-of-order key")
	}
}

func TestSingleBlockSmallerThanBlockSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	entries := [][2]string{{"a", "1"}, {"b", "2"}}
	buildTable(t, path, entries, DefaultTableBuilderOptions())

	tr, err := Open(path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	lookup := dbformat.NewLookupKey([]byte("a"), dbformat.MaxSequenceNumber)
	val, found, err := tr.Get(lookup.InternalKey())
	if err != nil || !found || string(val) != "1" {
		t.Fatalf("get(a): found=%v val=%q err=%v", found, val, err)
	}
}
