package persister

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/thegridelectric/gwproactor/internal/problems"
)

// DefaultMaxBytes is the default on-disk cap.
const DefaultMaxBytes int64 = 500 * 1024 * 1024

const (
	dayFormat  = "2006-01-02"
	timeFormat = "20060102T150405.000000000"
)

var fileNamePattern = regexp.MustCompile(`^(\d{8}T\d{6}\.\d{9})\.uid\[(.+)\]\.json$`)

type entry struct {
	path string
	day  string
	size int64
}

// TimedRollingFilePersister is a size-capped Persister sharded into one
// directory per UTC day. When a write would exceed the cap, the oldest
// entries are removed first. Not safe for concurrent use; the owning
// proactor's dispatch loop is the only caller.
type TimedRollingFilePersister struct {
	baseDir   string
	maxBytes  int64
	pending   []string
	index     map[string]entry
	currBytes int64
	currDir   string
	lastStamp time.Time
	now       func() time.Time
	logger    *slog.Logger
}

// RollingOption customises a TimedRollingFilePersister.
type RollingOption func(*TimedRollingFilePersister)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RollingOption {
	return func(r *TimedRollingFilePersister) { r.now = now }
}

// WithLogger sets the logger used for skipped entries.
func WithLogger(logger *slog.Logger) RollingOption {
	return func(r *TimedRollingFilePersister) { r.logger = logger }
}

// NewTimedRollingFilePersister creates baseDir if needed and reindexes it.
// maxBytes <= 0 selects DefaultMaxBytes.
func NewTimedRollingFilePersister(baseDir string, maxBytes int64, opts ...RollingOption) (*TimedRollingFilePersister, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	r := &TimedRollingFilePersister{
		baseDir:  baseDir,
		maxBytes: maxBytes,
		index:    make(map[string]entry),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create event dir %s: %w", baseDir, err)
	}
	if err := r.Reindex(); problems.HasErrors(err) {
		return nil, err
	}
	return r, nil
}

// BaseDir returns the root directory.
func (r *TimedRollingFilePersister) BaseDir() string { return r.baseDir }

// MaxBytes returns the size cap.
func (r *TimedRollingFilePersister) MaxBytes() int64 { return r.maxBytes }

// CurrBytes returns the bytes currently held on disk.
func (r *TimedRollingFilePersister) CurrBytes() int64 { return r.currBytes }

// Persist writes content under uid.
func (r *TimedRollingFilePersister) Persist(uid string, content []byte) error {
	p := problems.New(0)
	size := int64(len(content))
	if size > r.maxBytes {
		return p.AddError(fmt.Errorf("%w: %s is %d bytes, max %d", ErrPayloadTooLarge, uid, size, r.maxBytes))
	}
	if _, ok := r.index[uid]; ok {
		p.AddWarning(fmt.Errorf("%w: %s", ErrFileExists, uid))
		if err := r.Clear(uid); err != nil {
			p.Add(err)
		}
	}
	for r.currBytes+size > r.maxBytes && len(r.pending) > 0 {
		oldest := r.pending[0]
		if err := r.Clear(oldest); err != nil {
			p.AddError(fmt.Errorf("%w: %s: %v", ErrTrimFailed, oldest, err))
		}
	}

	now := r.now().UTC()
	day := now.Format(dayFormat)
	dayDir := filepath.Join(r.baseDir, day)
	if day != r.currDir {
		if err := os.MkdirAll(dayDir, 0o755); err != nil {
			return p.AddError(fmt.Errorf("create day dir %s: %w", dayDir, err))
		}
		r.currDir = day
	}
	path := filepath.Join(dayDir, r.fileName(uid, now))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return p.AddError(fmt.Errorf("write %s: %w", path, err))
	}
	r.pending = append(r.pending, uid)
	r.index[uid] = entry{path: path, day: day, size: size}
	r.currBytes += size
	return p.ErrorOrNil()
}

// fileName returns a name whose timestamp is strictly later than any
// previous name from this persister, so name order is insertion order.
func (r *TimedRollingFilePersister) fileName(uid string, now time.Time) string {
	stamp := now
	if !stamp.After(r.lastStamp) {
		stamp = r.lastStamp.Add(time.Nanosecond)
	}
	r.lastStamp = stamp
	return stamp.Format(timeFormat) + ".uid[" + uid + "].json"
}

// Clear removes uid. Removing an unknown uid is a warning. The day
// directory is removed once it is empty.
func (r *TimedRollingFilePersister) Clear(uid string) error {
	e, ok := r.index[uid]
	if !ok {
		return warning(fmt.Errorf("%w: %s", ErrClearMissing, uid))
	}
	delete(r.index, uid)
	for i, u := range r.pending {
		if u == uid {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	r.currBytes -= e.size

	var err error
	if rmErr := os.Remove(e.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = fmt.Errorf("remove %s: %w", e.path, rmErr)
	}
	dayDir := filepath.Dir(e.path)
	if left, readErr := os.ReadDir(dayDir); readErr == nil && len(left) == 0 {
		if rmErr := os.Remove(dayDir); rmErr == nil && e.day == r.currDir {
			r.currDir = ""
		}
	}
	return err
}

// Retrieve returns the bytes persisted under uid.
func (r *TimedRollingFilePersister) Retrieve(uid string) ([]byte, error) {
	e, ok := r.index[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileMissing, uid)
	}
	b, err := os.ReadFile(e.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s at %s", ErrFileMissing, uid, e.path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", e.path, err)
	}
	return b, nil
}

// Pending returns uids in insertion order.
func (r *TimedRollingFilePersister) Pending() []string {
	return append([]string(nil), r.pending...)
}

// NumPending returns the number of held uids.
func (r *TimedRollingFilePersister) NumPending() int { return len(r.pending) }

// Contains reports whether uid is held.
func (r *TimedRollingFilePersister) Contains(uid string) bool {
	_, ok := r.index[uid]
	return ok
}

type found struct {
	uid   string
	stamp string
	entry entry
}

// Reindex rebuilds the index from disk. Directories that are not ISO dates
// and files that do not match the naming scheme are skipped with a
// warning. A failed walk leaves the index empty and returns ErrReindex.
func (r *TimedRollingFilePersister) Reindex() error {
	r.pending = nil
	r.index = make(map[string]entry)
	r.currBytes = 0
	r.currDir = ""

	p := problems.New(0)
	days, err := os.ReadDir(r.baseDir)
	if err != nil {
		return p.AddError(fmt.Errorf("%w: read %s: %v", ErrReindex, r.baseDir, err))
	}

	var all []found
	for _, d := range days {
		if !d.IsDir() {
			p.AddWarning(fmt.Errorf("skipping non-directory %s", d.Name()))
			continue
		}
		if _, err := time.Parse(dayFormat, d.Name()); err != nil {
			p.AddWarning(fmt.Errorf("skipping directory %s: not a date", d.Name()))
			continue
		}
		dayDir := filepath.Join(r.baseDir, d.Name())
		files, err := os.ReadDir(dayDir)
		if err != nil {
			return p.AddError(fmt.Errorf("%w: read %s: %v", ErrReindex, dayDir, err))
		}
		for _, f := range files {
			m := fileNamePattern.FindStringSubmatch(f.Name())
			if f.IsDir() || m == nil {
				p.AddWarning(fmt.Errorf("skipping %s/%s: unrecognized name", d.Name(), f.Name()))
				continue
			}
			info, err := f.Info()
			if err != nil {
				return p.AddError(fmt.Errorf("%w: stat %s: %v", ErrReindex, f.Name(), err))
			}
			all = append(all, found{
				uid:   m[2],
				stamp: m[1],
				entry: entry{path: filepath.Join(dayDir, f.Name()), day: d.Name(), size: info.Size()},
			})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].stamp < all[j].stamp })

	for _, f := range all {
		if prev, dup := r.index[f.uid]; dup {
			p.AddWarning(fmt.Errorf("uid %s found twice, keeping %s", f.uid, f.entry.path))
			r.currBytes -= prev.size
			for i, u := range r.pending {
				if u == f.uid {
					r.pending = append(r.pending[:i], r.pending[i+1:]...)
					break
				}
			}
		}
		r.index[f.uid] = f.entry
		r.pending = append(r.pending, f.uid)
		r.currBytes += f.entry.size
		if t, err := time.Parse(timeFormat, f.stamp); err == nil && t.After(r.lastStamp) {
			r.lastStamp = t
		}
	}
	if p.HasWarnings() {
		r.logger.Warn("persister reindex skipped entries", "dir", r.baseDir, "problems", p.Summary())
	}
	return p.ErrorOrNil()
}
