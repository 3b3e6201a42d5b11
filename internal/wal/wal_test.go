package wal

import (
	"bytes"
	"io"
	"testing"
)

// TestWALRoundTrip is scenario S3 from the spec: records of sizes 10,
// 50,000, and 3 read back bytewise equal and in order.
func TestWALRoundTrip(t *testing.T) {
	sizes := []int{10, 50000, 3}
	var records [][]byte
	for i, n := range sizes {
		rec := make([]byte, n)
		for j := range rec {
			rec[j] = byte(i*7 + j)
		}
		records = append(records, rec)
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, rec := range records {
		if err := w.AddRecord(rec); err != nil {
			t.Fatal(err)
		}
	}

	r := NewReader(&buf, nil)
	for i, want := range records {
		got, _, err := r.ReadRecord()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("record %d: got len %d, want len %d", i, len(got), len(want))
		}
	}

	if _, _, err := r.ReadRecord(); err != io.EOF {
		t.Fatalf("expected io.EOF after last record, got %v", err)
	}
}

func TestWALZeroLengthRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.AddRecord(nil); err != nil {
		t.Fatal(err)
	}
	if err := w.AddRecord([]byte("after")); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf, nil)
	got, _, err := r.ReadRecord()
	if err != nil || len(got) != 0 {
		t.Fatalf("got %q, err %v, want empty record", got, err)
	}
	got, _, err = r.ReadRecord()
	if err != nil || string(got) != "after" {
		t.Fatalf("got %q, err %v, want %q", got, err, "after")
	}
}

// TestWALRecordExactBlockCapacity covers the boundary case where a logical
// record's size lands exactly on a block's payload capacity.
func TestWALRecordExactBlockCapacity(t *testing.T) {
	exact := BlockSize - HeaderSize
	rec := make([]byte, exact)
	for i := range rec {
		rec[i] = byte(i)
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.AddRecord(rec); err != nil {
		t.Fatal(err)
	}
	if err := w.AddRecord([]byte("next-block")); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf, nil)
	got, _, err := r.ReadRecord()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, rec) {
		t.Fatalf("got len %d, want len %d", len(got), len(rec))
	}

	got, _, err = r.ReadRecord()
	if err != nil || string(got) != "next-block" {
		t.Fatalf("got %q, err %v", got, err)
	}
}

func TestWALDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.AddRecord([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := w.AddRecord([]byte("world")); err != nil {
		t.Fatal(err)
	}

	corrupted := buf.Bytes()
	corrupted[10] ^= 0xff // flip a byte inside the first record's payload

	var reports []string
	r := NewReader(bytes.NewReader(corrupted), func(_ int64, reason string) {
		reports = append(reports, reason)
	})

	got, _, err := r.ReadRecord()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "world" {
		t.Fatalf("expected corrupted record to be skipped, got %q", got)
	}
	if len(reports) == 0 {
		t.Fatal("expected a corruption report")
	}
}
