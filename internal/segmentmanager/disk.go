// Package segmentmanager allocates a directory of numbered, size-bounded
// files and hands callers the currently active one to write into, rotating
// to a fresh file once a write would exceed the configured size. The WAL
// uses one instance (prefix "segment", extension ".log") for its log
// segments; the table builder uses a second (prefix "table", extension
// ".sst") for SST files, so table numbering survives process restarts the
// same way segment numbering does.
package segmentmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
)

const (
	defaultMaxSegmentSize = 16 * 1024 * 1024
	defaultFilePrefix     = "segment"
	defaultLogFileExt     = ".log"
)

type segmentEntry struct {
	id   int
	name string
}

// SegmentEntries sorts by ascending segment id.
type SegmentEntries []segmentEntry

func (s SegmentEntries) Len() int           { return len(s) }
func (s SegmentEntries) Less(i, j int) bool { return s[i].id < s[j].id }
func (s SegmentEntries) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

type diskSegmentManager struct {
	mu             sync.Mutex
	active         *os.File
	activeID       int
	dir            string
	filePrefix     string
	logFileExt     string
	maxSegmentSize int64
	pattern        *regexp.Regexp
}

func isDirectoryValid(path string) error {
	fileInfo, err := os.Stat(path)
	if err == nil {
		if fileInfo.IsDir() {
			return nil
		}
		return fmt.Errorf("path exists but is not a directory: %s", path)
	}
	return err
}

func initializeEmptySegmentDir(sm *diskSegmentManager) (*diskSegmentManager, error) {
	if err := sm.RotateSegment(); err != nil {
		return nil, fmt.Errorf("failed to create first segment: %w", err)
	}
	return sm, nil
}

// DiskSegmentManagerOption configures a diskSegmentManager at construction.
type DiskSegmentManagerOption func(sm *diskSegmentManager)

// WithMaxSegmentSize overrides the default 16 MiB rotation threshold.
func WithMaxSegmentSize(maxSegmentSize int64) DiskSegmentManagerOption {
	return func(sm *diskSegmentManager) {
		sm.maxSegmentSize = maxSegmentSize
	}
}

// WithLogFileExt overrides the default ".log" file extension — the table
// builder passes ".sst" to share this allocator for numbered SST files.
func WithLogFileExt(ext string) DiskSegmentManagerOption {
	return func(sm *diskSegmentManager) {
		sm.logFileExt = ext
	}
}

// WithFilePrefix overrides the default "segment" filename prefix.
func WithFilePrefix(prefix string) DiskSegmentManagerOption {
	return func(sm *diskSegmentManager) {
		sm.filePrefix = prefix
	}
}

// NewDiskSegmentManager opens (or creates) dir as a directory of numbered
// files, resuming at the highest existing id, or creating the first file if
// dir is empty or didn't exist.
func NewDiskSegmentManager(dir string, options ...DiskSegmentManagerOption) (*diskSegmentManager, error) {
	sm := &diskSegmentManager{
		activeID:       0,
		dir:            dir,
		filePrefix:     defaultFilePrefix,
		logFileExt:     defaultLogFileExt,
		maxSegmentSize: defaultMaxSegmentSize,
	}

	for _, option := range options {
		option(sm)
	}
	sm.pattern = regexp.MustCompile(`^` + regexp.QuoteMeta(sm.filePrefix) + `-(\d+)` + regexp.QuoteMeta(sm.logFileExt) + `$`)

	if err := isDirectoryValid(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
			return initializeEmptySegmentDir(sm)
		}
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	segmentEntries := SegmentEntries{}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if filepath.Ext(entry.Name()) != sm.logFileExt {
			continue
		}
		matches := sm.pattern.FindStringSubmatch(entry.Name())
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		segmentEntries = append(segmentEntries, segmentEntry{id: id, name: entry.Name()})
	}

	if len(segmentEntries) == 0 {
		return initializeEmptySegmentDir(sm)
	}

	sort.Sort(segmentEntries)
	sm.activeID = segmentEntries[len(segmentEntries)-1].id

	activeFile, err := os.OpenFile(sm.idToPath(sm.activeID), os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open active file: %w", err)
	}
	sm.active = activeFile

	return sm, nil
}

func (s *diskSegmentManager) idToPath(id int) string {
	filename := fmt.Sprintf("%s-%04d%s", s.filePrefix, id, s.logFileExt)
	return filepath.Join(s.dir, filename)
}

// ActivePath returns the filesystem path of the currently active file, so a
// caller that just rotated (e.g. to start a new SST file) can reopen it by
// name for reading back what it writes.
func (s *diskSegmentManager) ActivePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idToPath(s.activeID)
}

// RotateSegment closes the active file (if any) and opens a new, empty one
// with the next id.
func (s *diskSegmentManager) RotateSegment() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *diskSegmentManager) rotateLocked() error {
	if s.active != nil {
		if err := s.active.Close(); err != nil {
			return fmt.Errorf("failed to close previous segment: %w", err)
		}
	}

	s.activeID++
	file, err := os.Create(s.idToPath(s.activeID))
	if err != nil {
		return err
	}
	s.active = file
	return nil
}

// Active returns the current active file, rotating to a fresh one first if
// an upcoming write of n bytes would exceed the segment size budget. The
// caller writes directly to the returned file and is responsible for
// calling Sync when it needs durability.
func (s *diskSegmentManager) Active(n int) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(n) > s.maxSegmentSize {
		return nil, fmt.Errorf("n too large: %d", n)
	}
	if s.active == nil {
		return nil, fmt.Errorf("active file not initialized")
	}

	stat, err := s.active.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat active file: %w", err)
	}

	if stat.Size()+int64(n) > s.maxSegmentSize {
		if err := s.rotateLocked(); err != nil {
			return nil, fmt.Errorf("failed to rotate segment: %w", err)
		}
	}

	return s.active, nil
}

// WriteActive is a convenience wrapper around Active that runs fn against
// the active file and syncs afterward.
func (s *diskSegmentManager) WriteActive(n int, fn func(w io.Writer)) error {
	f, err := s.Active(n)
	if err != nil {
		return err
	}
	fn(f)
	return s.Sync()
}

func (s *diskSegmentManager) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return fmt.Errorf("active file not initialized")
	}
	if err := s.active.Sync(); err != nil {
		return fmt.Errorf("failed to sync active file: %w", err)
	}
	return nil
}

func (s *diskSegmentManager) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	if err := s.active.Close(); err != nil {
		return fmt.Errorf("failed to close active file: %w", err)
	}
	return nil
}
