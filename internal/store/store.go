// Package store owns the self-describing on-disk layout for maps. Every map
// lives in its own directory keyed by a random uid, and a flat tag index
// points human-readable tags at those directories. All records are written
// with a write-then-rename discipline so readers never observe a partially
// written record, and the layout survives process restarts.
//
// Layout under the root:
//
//	maps/<uid>/            one directory per map
//	  created              creation time, RFC 3339
//	  itemdata             per-component submission rows, JSON
//	  submit               submit description, YAML
//	  cluster_ids          one scheduler cluster id per line
//	  num_components       component count
//	  func                 function envelope
//	  events               scheduler event log, JSONL
//	  events.offset        tracker checkpoint
//	  map_state            tracker state snapshot, JSON
//	  removed, transient   markers
//	  inputs/<i>.in        input envelopes
//	  outputs/<i>.out      output-or-error envelopes
//	tags/<tag>             contains the uid the tag resolves to
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Record and marker names inside a map directory.
const (
	RecordCreated       = "created"
	RecordItemdata      = "itemdata"
	RecordSubmit        = "submit"
	RecordClusterIDs    = "cluster_ids"
	RecordNumComponents = "num_components"
	RecordFunc          = "func"
	RecordEvents        = "events"
	RecordEventsOffset  = "events.offset"
	RecordMapState      = "map_state"

	MarkerRemoved   = "removed"
	MarkerTransient = "transient"

	inputsDir  = "inputs"
	outputsDir = "outputs"
)

var (
	// ErrMapExists reports a create against a tag that already resolves to
	// a map.
	ErrMapExists = errors.New("map already exists")
	// ErrMapNotFound reports a lookup for a tag with no map behind it.
	ErrMapNotFound = errors.New("map not found")
)

// RecordNotFoundError reports a read of a record that has not been written.
type RecordNotFoundError struct {
	Record string
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("record %q not found", e.Record)
}

// Store manages map directories under a single root.
type Store struct {
	root string
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	for _, sub := range []string{mapsRoot(dir), tagsRoot(dir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("initialize store: %w", err)
		}
	}
	return &Store{root: dir}, nil
}

func (s *Store) Root() string { return s.root }

func mapsRoot(root string) string { return filepath.Join(root, "maps") }
func tagsRoot(root string) string { return filepath.Join(root, "tags") }

func (s *Store) tagPath(tag string) string { return filepath.Join(tagsRoot(s.root), tag) }

// Create allocates a fresh map directory and claims tag for it. The claim is
// an exclusive create of the tag index entry, so concurrent creates of the
// same tag resolve to exactly one winner and the loser's view of the
// existing map is untouched.
func (s *Store) Create(tag string) (*MapDir, error) {
	uid := uuid.NewString()
	dir := filepath.Join(mapsRoot(s.root), uid)
	for _, sub := range []string{dir, filepath.Join(dir, inputsDir), filepath.Join(dir, outputsDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("create map directory: %w", err)
		}
	}
	if err := claimTag(s.tagPath(tag), uid); err != nil {
		// The unclaimed directory is unreachable; discard it.
		_ = os.RemoveAll(dir)
		return nil, err
	}
	md := &MapDir{uid: uid, tag: tag, path: dir}
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := md.WriteRecord(RecordCreated, []byte(stamp+"\n")); err != nil {
		_ = os.Remove(s.tagPath(tag))
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return md, nil
}

func claimTag(path, uid string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrMapExists
		}
		return fmt.Errorf("claim tag: %w", err)
	}
	if _, err := f.WriteString(uid + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("claim tag: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("claim tag: %w", err)
	}
	return f.Close()
}

// Open resolves tag to its map directory.
func (s *Store) Open(tag string) (*MapDir, error) {
	data, err := os.ReadFile(s.tagPath(tag))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMapNotFound
		}
		return nil, fmt.Errorf("resolve tag %q: %w", tag, err)
	}
	uid := trimRecord(data)
	dir := filepath.Join(mapsRoot(s.root), uid)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMapNotFound
		}
		return nil, fmt.Errorf("open map %q: %w", tag, err)
	}
	return &MapDir{uid: uid, tag: tag, path: dir}, nil
}

// Tags lists every tag in the index, sorted.
func (s *Store) Tags() ([]string, error) {
	entries, err := os.ReadDir(tagsRoot(s.root))
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	tags := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			tags = append(tags, e.Name())
		}
	}
	return tags, nil
}

// Delete removes the map's tag entry and its entire directory. It is
// idempotent: deleting an already-deleted map is not an error. The tag entry
// goes first so a crash mid-delete leaves an unreachable directory rather
// than a tag pointing at a half-removed map.
func (s *Store) Delete(m *MapDir) error {
	if err := os.Remove(s.tagPath(m.tag)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete tag %q: %w", m.tag, err)
	}
	if err := os.RemoveAll(m.path); err != nil {
		return fmt.Errorf("delete map %q: %w", m.tag, err)
	}
	return nil
}

// Retag points newTag at the map and releases the old tag. The new entry is
// claimed exclusively, so renaming onto an existing tag fails without
// touching either map.
func (s *Store) Retag(m *MapDir, newTag string) error {
	if err := claimTag(s.tagPath(newTag), m.uid); err != nil {
		return err
	}
	if err := os.Remove(s.tagPath(m.tag)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release tag %q: %w", m.tag, err)
	}
	m.tag = newTag
	return nil
}

// MapDir is a handle on one map's directory.
type MapDir struct {
	uid  string
	tag  string
	path string
}

func (m *MapDir) UID() string  { return m.uid }
func (m *MapDir) Tag() string  { return m.tag }
func (m *MapDir) Path() string { return m.path }

// CreatedAt returns the map's creation time.
func (m *MapDir) CreatedAt() (time.Time, error) {
	data, err := m.ReadRecord(RecordCreated)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, trimRecord(data))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse record %q: %w", RecordCreated, err)
	}
	return t, nil
}

// RecordPath returns the absolute path of a named record. Useful for records
// written by other processes, like the scheduler's event log.
func (m *MapDir) RecordPath(name string) string {
	return filepath.Join(m.path, name)
}

// WriteRecord durably replaces a named record.
func (m *MapDir) WriteRecord(name string, data []byte) error {
	return AtomicWrite(m.RecordPath(name), data)
}

// ReadRecord returns a named record's bytes.
func (m *MapDir) ReadRecord(name string) ([]byte, error) {
	data, err := os.ReadFile(m.RecordPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &RecordNotFoundError{Record: name}
		}
		return nil, fmt.Errorf("read record %q: %w", name, err)
	}
	return data, nil
}

// HasRecord reports whether a named record exists.
func (m *MapDir) HasRecord(name string) bool {
	_, err := os.Stat(m.RecordPath(name))
	return err == nil
}

// RemoveRecord deletes a named record. Removing a missing record is not an
// error, so markers can be cleared unconditionally.
func (m *MapDir) RemoveRecord(name string) error {
	if err := os.Remove(m.RecordPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove record %q: %w", name, err)
	}
	return nil
}

// InputFile names the input record of one component, relative to the map
// directory.
func InputFile(component int) string {
	return InputFilePattern(strconv.Itoa(component))
}

// OutputFile names the output-or-error record of one component, relative to
// the map directory.
func OutputFile(component int) string {
	return OutputFilePattern(strconv.Itoa(component))
}

// InputFilePattern is InputFile with an arbitrary token in place of the
// index, for building submit description macros.
func InputFilePattern(token string) string {
	return filepath.Join(inputsDir, token+".in")
}

// OutputFilePattern is OutputFile with an arbitrary token in place of the
// index.
func OutputFilePattern(token string) string {
	return filepath.Join(outputsDir, token+".out")
}

func (m *MapDir) WriteInput(component int, data []byte) error {
	return AtomicWrite(m.RecordPath(InputFile(component)), data)
}

func (m *MapDir) ReadInput(component int) ([]byte, error) {
	return m.ReadRecord(InputFile(component))
}

func (m *MapDir) WriteOutput(component int, data []byte) error {
	return AtomicWrite(m.RecordPath(OutputFile(component)), data)
}

func (m *MapDir) ReadOutput(component int) ([]byte, error) {
	return m.ReadRecord(OutputFile(component))
}

func (m *MapDir) HasOutput(component int) bool {
	return m.HasRecord(OutputFile(component))
}

func (m *MapDir) RemoveOutput(component int) error {
	return m.RemoveRecord(OutputFile(component))
}

// DiskUsage sums the sizes of every file under the map directory.
func (m *MapDir) DiskUsage() (int64, error) {
	var total int64
	err := filepath.WalkDir(m.path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure map %q: %w", m.tag, err)
	}
	return total, nil
}

func trimRecord(data []byte) string {
	end := len(data)
	for end > 0 && (data[end-1] == '\n' || data[end-1] == '\r' || data[end-1] == ' ') {
		end--
	}
	return string(data[:end])
}
