package dbformat

import (
	"sort"
	"testing"
)

func mustKey(userKey string, seq SequenceNumber, t ValueType) []byte {
	return AppendInternalKey(nil, []byte(userKey), seq, t)
}

// TestInternalOrdering is scenario S2 from the spec: for equal user keys,
// higher sequence numbers sort first.
func TestInternalOrdering(t *testing.T) {
	keys := [][]byte{
		mustKey("b", 0, TypeValue),
		mustKey("a", 1, TypeValue),
		mustKey("a", 2, TypeValue),
	}

	sort.Slice(keys, func(i, j int) bool {
		return Default.Compare(keys[i], keys[j]) < 0
	})

	want := [][]byte{
		mustKey("a", 2, TypeValue),
		mustKey("a", 1, TypeValue),
		mustKey("b", 0, TypeValue),
	}

	for i := range want {
		if Default.Compare(keys[i], want[i]) != 0 {
			t.Fatalf("position %d: got %v, want %v", i, keys[i], want[i])
		}
	}
}

func TestExtractUserKeyAndTrailer(t *testing.T) {
	ik := mustKey("hello", 42, TypeValue)

	if string(ExtractUserKey(ik)) != "hello" {
		t.Fatalf("user key mismatch: %q", ExtractUserKey(ik))
	}

	seq, typ := ExtractSequenceAndType(ik)
	if seq != 42 || typ != TypeValue {
		t.Fatalf("trailer mismatch: seq=%d type=%d", seq, typ)
	}
}

func TestComparatorPropertyDescendingSequence(t *testing.T) {
	// Property 2 from spec §8: for user(k1)==user(k2) and seq(k1) > seq(k2),
	// k1 < k2.
	k1 := mustKey("x", 10, TypeValue)
	k2 := mustKey("x", 5, TypeValue)

	if Default.Compare(k1, k2) >= 0 {
		t.Fatalf("expected k1 (higher seq) < k2, got cmp=%d", Default.Compare(k1, k2))
	}
}

func TestLookupKeySnapshotRead(t *testing.T) {
	lk := NewLookupKey([]byte("a"), 2)
	if string(lk.UserKey()) != "a" {
		t.Fatalf("user key: %q", lk.UserKey())
	}

	seq, typ := ExtractSequenceAndType(lk.InternalKey())
	if seq != 2 || typ != ValueTypeForSeek {
		t.Fatalf("lookup trailer: seq=%d type=%d", seq, typ)
	}
}

func TestFindShortestSeparatorStaysValidInternalKey(t *testing.T) {
	start := mustKey("helloworld", 5, TypeValue)
	limit := mustKey("hellozzzz", 3, TypeValue)

	sep := Default.FindShortestSeparator(start, limit)

	if Default.Compare(sep, start) < 0 {
		t.Fatalf("separator sorts before start")
	}
	if Default.Compare(sep, limit) >= 0 {
		t.Fatalf("separator sorts at or after limit")
	}
}

func TestFindShortSuccessorAllFF(t *testing.T) {
	key := mustKey(string([]byte{0xff, 0xff}), 1, TypeValue)
	succ := Default.FindShortSuccessor(key)
	if string(succ) != string(key) {
		t.Fatalf("expected unchanged key when user key is all 0xff")
	}
}
