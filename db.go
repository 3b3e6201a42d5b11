// Package tinykv is an embedded, ordered key-value storage engine: a
// memtable backed by a write-ahead log for durability, flushed to immutable
// sorted-string tables on disk once it grows past a size threshold, with a
// sharded block cache in front of SST reads. Engine is the entry point; it
// wires the five core subsystems (memtable, WAL, SST, filter, cache)
// together the way main.go's DB interface sketched but never implemented.
package tinykv

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jwwh/tinykv/errs"
	"github.com/jwwh/tinykv/internal/cache"
	"github.com/jwwh/tinykv/internal/codec"
	"github.com/jwwh/tinykv/internal/dbformat"
	"github.com/jwwh/tinykv/internal/memtable"
	"github.com/jwwh/tinykv/internal/segmentmanager"
	"github.com/jwwh/tinykv/internal/sstable"
	"github.com/jwwh/tinykv/internal/sstfile"
	"github.com/jwwh/tinykv/internal/wal"
)

// Options configures an Engine. Use Open's functional options to override
// individual fields; the zero value of each is replaced by its default.
type Options struct {
	// MemtableSizeThreshold is the approximate arena byte size at which a
	// write triggers a synchronous flush to a new SST file.
	MemtableSizeThreshold int64
	// BlockCachePerShardCapacity is the entry capacity of each of the block
	// cache's shards (see internal/cache).
	BlockCachePerShardCapacity int
	// Comparator orders user keys. Nil selects dbformat.Default (bytewise).
	Comparator *dbformat.Comparator
	// TableBuilderOptions configures every SST file this Engine writes.
	TableBuilderOptions sstable.TableBuilderOptions
}

const defaultMemtableSizeThreshold = 4 * 1024 * 1024

// Option mutates an Options at construction, matching the functional-options
// shape segmentmanager.DiskSegmentManagerOption already uses.
type Option func(*Options)

// WithMemtableSizeThreshold overrides the default 4 MiB flush threshold.
func WithMemtableSizeThreshold(n int64) Option {
	return func(o *Options) { o.MemtableSizeThreshold = n }
}

// WithBlockCachePerShardCapacity overrides the default per-shard cache size.
func WithBlockCachePerShardCapacity(n int) Option {
	return func(o *Options) { o.BlockCachePerShardCapacity = n }
}

// WithComparator overrides the user-key comparator.
func WithComparator(cmp *dbformat.Comparator) Option {
	return func(o *Options) { o.Comparator = cmp }
}

// WithTableBuilderOptions overrides the SST builder's block size, restart
// interval, and filter bits-per-key.
func WithTableBuilderOptions(opts sstable.TableBuilderOptions) Option {
	return func(o *Options) { o.TableBuilderOptions = opts }
}

func defaultOptions() Options {
	return Options{
		MemtableSizeThreshold:      defaultMemtableSizeThreshold,
		BlockCachePerShardCapacity: 1024,
		Comparator:                 dbformat.Default,
		TableBuilderOptions:        sstable.DefaultTableBuilderOptions(),
	}
}

// rotatingFiles is the subset of *segmentmanager's (unexported) type this
// package relies on — named here so Engine can hold one without naming the
// concrete type.
type rotatingFiles interface {
	Active(n int) (*os.File, error)
	ActivePath() string
	RotateSegment() error
	Sync() error
	Close() error
}

// table is one flushed, immutable SST file along with the plumbing db.go
// needs to reopen and read it: its own positional file handle (so cache
// misses can be satisfied independent of any other open handle on the same
// file) and the reader built on top of it.
type table struct {
	id     uint32
	path   string
	file   *sstfile.Reader
	reader *sstable.TableReader
}

// Engine is a single-process, single-writer embedded key-value store. All
// exported methods are safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	closed bool

	opts Options
	cmp  *dbformat.Comparator

	walAlloc    rotatingFiles
	walWriter   *wal.Writer
	walFile     *sstfile.Writer
	walFilePath string

	sstAlloc rotatingFiles
	sstDir   string

	mem *memtable.Memtable

	tables      []*table
	nextTableID uint32

	blockCache *cache.Cache

	nextSeq atomic.Uint64
}

// Open opens (or creates) a database rooted at dir, replaying its
// write-ahead log before returning so Engine reflects every durably
// acknowledged write.
func Open(dir string, options ...Option) (*Engine, error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	cmp := opts.Comparator
	if cmp == nil {
		cmp = dbformat.Default
	}

	walDir := filepath.Join(dir, "wal")
	sstDir := filepath.Join(dir, "sst")

	walAlloc, err := segmentmanager.NewDiskSegmentManager(walDir)
	if err != nil {
		return nil, fmt.Errorf("tinykv: opening wal directory: %w", err)
	}
	sstAlloc, err := segmentmanager.NewDiskSegmentManager(sstDir,
		segmentmanager.WithFilePrefix("table"),
		segmentmanager.WithLogFileExt(".sst"),
	)
	if err != nil {
		return nil, fmt.Errorf("tinykv: opening sst directory: %w", err)
	}

	e := &Engine{
		opts:       opts,
		cmp:        cmp,
		walAlloc:   walAlloc,
		sstAlloc:   sstAlloc,
		sstDir:     sstDir,
		mem:        memtable.New(cmp),
		blockCache: cache.New(opts.BlockCachePerShardCapacity),
	}

	if err := e.openExistingTables(); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.replayWAL(walDir); err != nil {
		e.Close()
		return nil, err
	}

	// Start writes on a fresh WAL segment rather than resuming mid-file:
	// the block-framing writer has no way to recover the byte offset
	// within the last 32 KiB block of a file it didn't write itself, so
	// resuming there would misalign subsequent record headers.
	if err := e.walAlloc.RotateSegment(); err != nil {
		e.Close()
		return nil, err
	}

	return e, nil
}

func (e *Engine) openExistingTables() error {
	entries, err := os.ReadDir(e.sstDir)
	if err != nil {
		return err
	}
	var names []string
	for _, ent := range entries {
		if !ent.Type().IsRegular() || !strings.HasSuffix(ent.Name(), ".sst") {
			continue
		}
		// segmentmanager eagerly creates an empty active file on first use;
		// until a flush ever writes through it, skip it rather than trying
		// (and failing) to parse it as a finished table.
		info, err := ent.Info()
		if err != nil || info.Size() < sstable.FooterSize {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names) // fixed-width "table-%04d.sst" numbering sorts correctly as strings

	for _, name := range names {
		path := filepath.Join(e.sstDir, name)
		t, err := e.openTable(path)
		if err != nil {
			return fmt.Errorf("tinykv: opening %s: %w", name, err)
		}
		e.tables = append(e.tables, t)
	}
	return nil
}

func (e *Engine) openTable(path string) (*table, error) {
	id := e.nextTableID
	e.nextTableID++

	f, err := sstfile.OpenReader(path)
	if err != nil {
		return nil, err
	}
	source := &cachingBlockSource{cache: e.blockCache, tableID: id, file: f}
	reader, err := sstable.Open(path, e.cmp, source)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &table{id: id, path: path, file: f, reader: reader}, nil
}

func (e *Engine) replayWAL(walDir string) error {
	entries, err := os.ReadDir(walDir)
	if err != nil {
		return err
	}
	var names []string
	for _, ent := range entries {
		if ent.Type().IsRegular() && strings.HasSuffix(ent.Name(), ".log") {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)

	var maxSeq dbformat.SequenceNumber
	for _, name := range names {
		f, err := os.Open(filepath.Join(walDir, name))
		if err != nil {
			return err
		}
		seq, err := e.replaySegment(f, name)
		f.Close()
		if err != nil {
			return err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	e.nextSeq.Store(uint64(maxSeq))
	return nil
}

func (e *Engine) replaySegment(f *os.File, name string) (maxSeq dbformat.SequenceNumber, err error) {
	reporter := func(n int64, reason string) {
		log.Printf("tinykv: wal %s: dropping %d bytes: %s", name, n, reason)
	}
	r := wal.NewReader(f, reporter)
	for {
		rec, _, err := r.ReadRecord()
		if err == io.EOF {
			return maxSeq, nil
		}
		if err != nil {
			return maxSeq, err
		}
		seq, typ, key, value, err := decodeWALRecord(rec)
		if err != nil {
			log.Printf("tinykv: wal %s: skipping malformed record: %v", name, err)
			continue
		}
		if err := e.mem.Add(seq, typ, key, value); err != nil {
			return maxSeq, err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
}

// encodeWALRecord packs one logical write as
// type(1) ∥ sequence(8) ∥ length-prefixed key ∥ length-prefixed value.
func encodeWALRecord(seq dbformat.SequenceNumber, t dbformat.ValueType, key, value []byte) []byte {
	buf := make([]byte, 0, 1+8+len(key)+len(value)+10)
	buf = append(buf, byte(t))
	buf = codec.PutFixed64(buf, uint64(seq))
	buf = codec.PutLengthPrefixedSlice(buf, key)
	buf = codec.PutLengthPrefixedSlice(buf, value)
	return buf
}

func decodeWALRecord(rec []byte) (seq dbformat.SequenceNumber, t dbformat.ValueType, key, value []byte, err error) {
	if len(rec) < 9 {
		return 0, 0, nil, nil, errs.NewCorruption(0, "wal record shorter than its fixed header")
	}
	t = dbformat.ValueType(rec[0])
	seq = dbformat.SequenceNumber(codec.GetFixed64(rec[1:9]))
	rest := rec[9:]

	key, rest, ok := codec.GetLengthPrefixedSlice(rest)
	if !ok {
		return 0, 0, nil, nil, errs.NewCorruption(0, "wal record: bad key length prefix")
	}
	value, _, ok = codec.GetLengthPrefixedSlice(rest)
	if !ok {
		return 0, 0, nil, nil, errs.NewCorruption(0, "wal record: bad value length prefix")
	}
	return seq, t, key, value, nil
}

// walWriterFor returns the Writer for the wal segment currently active,
// rebuilding its wrapper (and resetting block-framing state) whenever the
// allocator has rotated to a new file since the last call.
func (e *Engine) walWriterFor(n int) (*wal.Writer, error) {
	f, err := e.walAlloc.Active(n)
	if err != nil {
		return nil, err
	}
	if e.walFilePath != f.Name() {
		fw, err := sstfile.NewWriterFromFile(f)
		if err != nil {
			return nil, err
		}
		e.walFile = fw
		e.walWriter = wal.NewWriter(fw)
		e.walFilePath = f.Name()
	}
	return e.walWriter, nil
}

// Put inserts or overwrites key's value.
func (e *Engine) Put(key, value []byte) error {
	return e.apply(dbformat.TypeValue, key, value)
}

// Delete marks key as logically absent as of the next sequence number.
func (e *Engine) Delete(key []byte) error {
	return e.apply(dbformat.TypeDeletion, key, nil)
}

func (e *Engine) apply(t dbformat.ValueType, key, value []byte) error {
	if len(key) == 0 {
		return errs.ErrInvalidArgument
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errs.ErrClosed
	}

	seq := dbformat.SequenceNumber(e.nextSeq.Add(1))
	rec := encodeWALRecord(seq, t, key, value)

	logw, err := e.walWriterFor(len(rec) + wal.HeaderSize*4)
	if err != nil {
		return fmt.Errorf("tinykv: wal: %w", err)
	}
	if err := logw.AddRecord(rec); err != nil {
		return fmt.Errorf("tinykv: wal: %w", err)
	}
	if err := e.walFile.Sync(); err != nil {
		return fmt.Errorf("tinykv: wal sync: %w", err)
	}

	if err := e.mem.Add(seq, t, key, value); err != nil {
		return err
	}

	if e.mem.ApproximateMemoryUsage() >= e.opts.MemtableSizeThreshold {
		if err := e.flushLocked(); err != nil {
			return fmt.Errorf("tinykv: flush: %w", err)
		}
	}
	return nil
}

// Get returns the current value of key, errs.ErrNotFound if it has never
// been set or was deleted, or another error on I/O or corruption failure.
func (e *Engine) Get(key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, errs.ErrClosed
	}

	lookup := dbformat.NewLookupKey(key, dbformat.SequenceNumber(e.nextSeq.Load()))

	if v, res := e.mem.Get(lookup); res == memtable.Found {
		return v, nil
	} else if res == memtable.Deleted {
		return nil, errs.ErrNotFound
	}

	for i := len(e.tables) - 1; i >= 0; i-- {
		v, res, err := e.tables[i].reader.Lookup(lookup.InternalKey())
		if err != nil {
			return nil, err
		}
		switch res {
		case sstable.Found:
			return v, nil
		case sstable.Deleted:
			return nil, errs.ErrNotFound
		}
	}

	return nil, errs.ErrNotFound
}

// flushLocked writes the current memtable out as a new immutable SST file
// and installs a fresh, empty memtable in its place. Callers hold e.mu.
func (e *Engine) flushLocked() error {
	frozen := e.mem
	e.mem = memtable.New(e.cmp)

	if err := e.sstAlloc.RotateSegment(); err != nil {
		return err
	}
	path := e.sstAlloc.ActivePath()
	f, err := e.sstAlloc.Active(0)
	if err != nil {
		return err
	}

	fw, err := sstfile.NewWriterFromFile(f)
	if err != nil {
		return err
	}
	tb := sstable.NewTableBuilder(fw, e.cmp, e.opts.TableBuilderOptions)

	it := frozen.NewIterator()
	for it.SeekFirst(); it.Valid(); it.Next() {
		if err := tb.Add(it.InternalKey(), it.Value()); err != nil {
			return err
		}
	}
	if _, err := tb.Finish(); err != nil {
		return err
	}

	t, err := e.openTable(path)
	if err != nil {
		return err
	}
	e.tables = append(e.tables, t)
	frozen.Unref()
	return nil
}

// Close flushes pending WAL state and releases every open file handle. The
// Engine must not be used afterward.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.walFile != nil {
		// Flush only: the underlying *os.File is owned by walAlloc, which
		// closes it below. Closing it here too would double-close it.
		record(e.walFile.Flush())
	}
	if e.walAlloc != nil {
		record(e.walAlloc.Close())
	}
	for _, t := range e.tables {
		record(t.reader.Close())
		record(t.file.Close())
	}
	if e.sstAlloc != nil {
		record(e.sstAlloc.Close())
	}
	return firstErr
}

// cachingBlockSource adapts internal/cache.Cache to sstable.BlockSource:
// each table gets one instance, keyed internally by its table id so two
// tables' identically-offsetted blocks never collide in the shared cache.
type cachingBlockSource struct {
	cache   *cache.Cache
	tableID uint32
	file    *sstfile.Reader
}

func (c *cachingBlockSource) cacheKey(handle sstable.BlockHandle) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint32(key[0:4], c.tableID)
	binary.BigEndian.PutUint64(key[4:12], handle.Offset)
	return key
}

// GetBlock returns handle's decoded block bytes, serving from the shared
// cache on a hit and populating it on a miss.
func (c *cachingBlockSource) GetBlock(handle sstable.BlockHandle) ([]byte, error) {
	key := c.cacheKey(handle)

	if h, ok := c.cache.Get(key); ok {
		v := append([]byte(nil), h.Value()...)
		c.cache.Release(h)
		return v, nil
	}

	data, err := sstable.ReadBlock(c.file, handle)
	if err != nil {
		return nil, err
	}
	h := c.cache.Insert(key, data, 0)
	c.cache.Release(h)
	return data, nil
}
