package sstable

import (
	"fmt"
	"testing"

	"github.com/jwwh/tinykv/internal/codec"
)

// TestBlockSeek is scenario S4 from the spec.
func TestBlockSeek(t *testing.T) {
	b := NewBlockBuilder(16)
	for i := 0; i < 100; i++ {
		b.Add([]byte(fmt.Sprintf("k%03d", i)), nil)
	}
	blk, err := NewBlock(b.Finish())
	if err != nil {
		t.Fatal(err)
	}

	it := NewBlockIterator(blk, codec.Compare)

	it.Seek([]byte("k042"))
	if !it.Valid() || string(it.Key()) != "k042" {
		t.Fatalf("seek(k042): valid=%v key=%q", it.Valid(), it.Key())
	}

	it.Seek([]byte("k100"))
	if it.Valid() {
		t.Fatal("seek(k100) should be invalid: no key >= k100")
	}

	it.Seek([]byte(""))
	if !it.Valid() || string(it.Key()) != "k000" {
		t.Fatalf("seek(\"\"): valid=%v key=%q", it.Valid(), it.Key())
	}
}

func TestBlockForwardIterationMatchesInsertOrder(t *testing.T) {
	b := NewBlockBuilder(4)
	keys := []string{"a", "ab", "abc", "b", "ba", "c"}
	for _, k := range keys {
		b.Add([]byte(k), []byte(k+"-value"))
	}
	blk, err := NewBlock(b.Finish())
	if err != nil {
		t.Fatal(err)
	}

	it := NewBlockIterator(blk, codec.Compare)
	it.First()
	for _, want := range keys {
		if !it.Valid() {
			t.Fatalf("iterator ended early, expected %q", want)
		}
		if string(it.Key()) != want {
			t.Fatalf("got %q, want %q", it.Key(), want)
		}
		if string(it.Value()) != want+"-value" {
			t.Fatalf("got value %q, want %q", it.Value(), want+"-value")
		}
		it.Next()
	}
	if it.Valid() {
		t.Fatal("expected iterator to end after last key")
	}
}

func TestBlockPrevAndLast(t *testing.T) {
	b := NewBlockBuilder(2)
	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		b.Add([]byte(k), nil)
	}
	blk, err := NewBlock(b.Finish())
	if err != nil {
		t.Fatal(err)
	}

	it := NewBlockIterator(blk, codec.Compare)
	it.Last()
	if !it.Valid() || string(it.Key()) != "e" {
		t.Fatalf("last: got %q", it.Key())
	}

	for i := len(keys) - 2; i >= 0; i-- {
		it.Prev()
		if !it.Valid() || string(it.Key()) != keys[i] {
			t.Fatalf("prev: got %q, want %q", it.Key(), keys[i])
		}
	}

	it.Prev()
	if it.Valid() {
		t.Fatal("prev before first key should be invalid")
	}
}

func TestBlockSingleRecord(t *testing.T) {
	b := NewBlockBuilder(16)
	b.Add([]byte("only"), []byte("value"))
	blk, err := NewBlock(b.Finish())
	if err != nil {
		t.Fatal(err)
	}

	it := NewBlockIterator(blk, codec.Compare)
	it.First()
	if !it.Valid() || string(it.Key()) != "only" {
		t.Fatalf("got %q", it.Key())
	}
	it.Next()
	if it.Valid() {
		t.Fatal("expected single-record block to end after first entry")
	}
}
