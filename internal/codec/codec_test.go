package codec

import (
	"bytes"
	"testing"
)

func TestVarint32RoundTrip(t *testing.T) {
	values := []uint32{0, 1, 127, 128, 300, 16384, 1 << 28, ^uint32(0)}

	for _, v := range values {
		buf := PutVarint32(nil, v)
		got, n := GetVarint32(buf)
		if n != len(buf) || got != v {
			t.Fatalf("varint32(%d): got (%d, %d), want (%d, %d)", v, got, n, v, len(buf))
		}
	}
}

func TestVarint64RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 1 << 40, ^uint64(0)}

	for _, v := range values {
		buf := PutVarint64(nil, v)
		got, n := GetVarint64(buf)
		if n != len(buf) || got != v {
			t.Fatalf("varint64(%d): got (%d, %d), want (%d, %d)", v, got, n, v, len(buf))
		}
	}
}

func TestFixedRoundTrip(t *testing.T) {
	b32 := PutFixed32(nil, 0xdeadbeef)
	if got := GetFixed32(b32); got != 0xdeadbeef {
		t.Fatalf("fixed32: got %x", got)
	}

	b64 := PutFixed64(nil, 0x0102030405060708)
	if got := GetFixed64(b64); got != 0x0102030405060708 {
		t.Fatalf("fixed64: got %x", got)
	}
}

func TestLengthPrefixedSlice(t *testing.T) {
	buf := PutLengthPrefixedSlice(nil, []byte("hello"))
	buf = PutLengthPrefixedSlice(buf, []byte("world"))

	got, rest, ok := GetLengthPrefixedSlice(buf)
	if !ok || string(got) != "hello" {
		t.Fatalf("first slice: got %q ok=%v", got, ok)
	}

	got, rest, ok = GetLengthPrefixedSlice(rest)
	if !ok || string(got) != "world" {
		t.Fatalf("second slice: got %q ok=%v", got, ok)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no trailing bytes, got %d", len(rest))
	}
}

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b []byte
		want int
	}{
		{[]byte("a"), []byte("b"), -1},
		{[]byte("b"), []byte("a"), 1},
		{[]byte("a"), []byte("a"), 0},
		{[]byte("a"), []byte("aa"), -1},
		{[]byte(""), []byte(""), 0},
	}
	for _, c := range cases {
		if got := Compare(c.a, c.b); sign(got) != sign(c.want) {
			t.Fatalf("Compare(%q, %q) = %d, want sign %d", c.a, c.b, got, c.want)
		}
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

func TestFindShortestSeparator(t *testing.T) {
	for _, c := range []struct{ start, limit string }{
		{"helloworld", "hellozzzz"},
		{"abc", "abd"},
		{"", ""},
		{"abc", "abcdef"},
		{"abcdefg", "abchij"},
	} {
		s := FindShortestSeparator([]byte(c.start), []byte(c.limit))
		if Compare(s, []byte(c.start)) < 0 {
			t.Fatalf("separator(%q,%q) = %q < start", c.start, c.limit, s)
		}
		if c.start != c.limit && Compare(s, []byte(c.limit)) >= 0 {
			t.Fatalf("separator(%q,%q) = %q >= limit", c.start, c.limit, s)
		}
	}
}

func TestFindShortSuccessor(t *testing.T) {
	got := FindShortSuccessor([]byte("hello"))
	if !bytes.Equal(got, []byte("i")) {
		t.Fatalf("got %q, want %q", got, "i")
	}

	allFF := []byte{0xff, 0xff}
	got = FindShortSuccessor(allFF)
	if !bytes.Equal(got, allFF) {
		t.Fatalf("got %v, want unchanged %v", got, allFF)
	}
}
