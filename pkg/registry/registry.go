// Package registry implements the gateway-owned document registry: a
// disk-persistent mapping of document ids to DocumentRecords, plus a
// name-to-index map so renamed documents keep resolving to the index
// their chunks were written under.
//
// Persistence is a single documents.json replaced atomically on every
// write, with a sibling version file holding a monotonic counter. An
// advisory file lock is held across each mutation so a second process
// pointed at the same data directory cannot interleave writes. Before
// any write the in-memory version is compared to the on-disk one; a
// mismatch means someone else wrote behind our back and the mutation is
// rejected with ErrConflict.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/google/renameio"
)

var (
	// ErrConflict is returned when the on-disk version no longer matches
	// the in-memory one. Callers should ReloadFromDisk and retry.
	ErrConflict = errors.New("registry version conflict")

	// ErrNotFound is returned when a document id is not in the registry.
	ErrNotFound = errors.New("document not found")

	// ErrDuplicate is returned when adding a record whose id already exists.
	ErrDuplicate = errors.New("document already exists")
)

const (
	documentsFile = "documents.json"
	versionFile   = "version"
	lockFile      = ".registry.lock"
)

// state is the on-disk shape of documents.json.
type state struct {
	Documents map[string]*DocumentRecord `json:"documents"`
	IndexMap  map[string]string          `json:"index_map"`
}

// Registry is a thread-safe, disk-persistent document registry.
type Registry struct {
	mu   sync.Mutex
	dir  string
	lock *flock.Flock

	docs     map[string]*DocumentRecord
	indexMap map[string]string
	version  int64

	watcher  *fsnotify.Watcher
	done     chan struct{}
	external atomic.Bool
}

// Open loads (or initialises) a registry rooted at dir and starts a
// watcher that flags external modifications of the backing files.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	r := &Registry{
		dir:      dir,
		lock:     flock.New(filepath.Join(dir, lockFile)),
		docs:     make(map[string]*DocumentRecord),
		indexMap: make(map[string]string),
		done:     make(chan struct{}),
	}

	if err := r.loadLocked(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("registry watcher unavailable, external changes will go unnoticed", "error", err)
	} else if err := watcher.Add(dir); err != nil {
		slog.Warn("failed to watch registry directory", "dir", dir, "error", err)
		watcher.Close()
	} else {
		r.watcher = watcher
		go r.watch()
	}

	return r, nil
}

// Close stops the watcher. Pending state is already on disk.
func (r *Registry) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// Add inserts a new record. The record's name is bound to its text index
// in the index map so retrieval can resolve it later.
func (r *Registry) Add(rec *DocumentRecord) error {
	if rec.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	return r.mutate(func() error {
		if _, ok := r.docs[rec.DocumentID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, rec.DocumentID)
		}
		cp := rec.Clone()
		if cp.OriginalName == "" {
			cp.OriginalName = cp.Name
		}
		if cp.VersionInfo.Version == 0 {
			cp.VersionInfo.Version = 1
		}
		r.docs[cp.DocumentID] = cp
		if cp.Name != "" && cp.TextIndex != "" {
			r.indexMap[cp.Name] = cp.TextIndex
		}
		return nil
	})
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (*DocumentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// List returns copies of all records.
func (r *Registry) List() []*DocumentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*DocumentRecord, 0, len(r.docs))
	for _, rec := range r.docs {
		out = append(out, rec.Clone())
	}
	return out
}

// Update applies fn to the record for id and persists the result. fn
// receives a copy; returning an error aborts the mutation. A name change
// is treated as a rename: the old name stays mapped in the index map and
// original_name is preserved.
func (r *Registry) Update(id string, summary string, fn func(*DocumentRecord) error) (*DocumentRecord, error) {
	var updated *DocumentRecord
	err := r.mutate(func() error {
		rec, ok := r.docs[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		cp := rec.Clone()
		oldName := cp.Name
		if err := fn(cp); err != nil {
			return err
		}
		cp.DocumentID = id
		if cp.OriginalName == "" {
			cp.OriginalName = rec.OriginalName
		}
		if cp.Name != oldName && cp.Name != "" {
			if idx, ok := r.indexMap[oldName]; ok {
				r.indexMap[cp.Name] = idx
			} else if cp.TextIndex != "" {
				r.indexMap[cp.Name] = cp.TextIndex
			}
		}
		cp.VersionInfo.History = append(cp.VersionInfo.History, VersionEntry{
			Version:   cp.VersionInfo.Version,
			ChangedAt: time.Now().UTC(),
			Summary:   summary,
		})
		cp.VersionInfo.Version++
		r.docs[id] = cp
		updated = cp.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Remove deletes the record for id. Index map entries for its names are
// dropped unless another document still uses them.
func (r *Registry) Remove(id string) error {
	return r.mutate(func() error {
		rec, ok := r.docs[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		delete(r.docs, id)
		for _, name := range []string{rec.Name, rec.OriginalName} {
			if name == "" || r.nameInUse(name) {
				continue
			}
			delete(r.indexMap, name)
		}
		return nil
	})
}

// IndexFor resolves a document name (current or original) to the index
// its chunks live in.
func (r *Registry) IndexFor(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.indexMap[name]
	return idx, ok
}

// GetSyncStatus reports the current version, document count and whether
// the backing files changed outside this process.
func (r *Registry) GetSyncStatus() SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SyncStatus{
		Version:            r.version,
		Documents:          len(r.docs),
		Path:               filepath.Join(r.dir, documentsFile),
		ExternallyModified: r.external.Load(),
	}
}

// CheckForConflicts compares the in-memory version against disk.
func (r *Registry) CheckForConflicts() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkDiskVersion()
}

// ReloadFromDisk replaces in-memory state with the on-disk state. It is
// idempotent when nothing else is writing.
func (r *Registry) ReloadFromDisk() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	r.external.Store(false)
	return nil
}

// mutate runs fn under the internal lock and the advisory file lock,
// checking the disk version first and persisting afterwards. The locks
// cover only the in-memory change plus the atomic write, never network
// I/O.
func (r *Registry) mutate(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire registry lock: %w", err)
	}
	defer func() {
		if err := r.lock.Unlock(); err != nil {
			slog.Warn("failed to release registry lock", "error", err)
		}
	}()

	if err := r.checkDiskVersion(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	r.version++
	return r.persistLocked()
}

func (r *Registry) checkDiskVersion() error {
	disk, err := r.readDiskVersion()
	if err != nil {
		return err
	}
	if disk != r.version {
		return fmt.Errorf("%w: memory at %d, disk at %d", ErrConflict, r.version, disk)
	}
	return nil
}

func (r *Registry) readDiskVersion() (int64, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, versionFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read version file: %w", err)
	}
	v, err := strconv.ParseInt(string(bytes.TrimSpace(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt version file: %w", err)
	}
	return v, nil
}

func (r *Registry) persistLocked() error {
	st := state{Documents: r.docs, IndexMap: r.indexMap}
	data, err := json.MarshalIndent(&st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(r.dir, documentsFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	version := strconv.FormatInt(r.version, 10)
	if err := renameio.WriteFile(filepath.Join(r.dir, versionFile), []byte(version), 0o644); err != nil {
		return fmt.Errorf("failed to write version file: %w", err)
	}
	return nil
}

func (r *Registry) loadLocked() error {
	version, err := r.readDiskVersion()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filepath.Join(r.dir, documentsFile))
	if errors.Is(err, os.ErrNotExist) {
		r.docs = make(map[string]*DocumentRecord)
		r.indexMap = make(map[string]string)
		r.version = version
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read registry: %w", err)
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("corrupt registry file: %w", err)
	}
	if st.Documents == nil {
		st.Documents = make(map[string]*DocumentRecord)
	}
	if st.IndexMap == nil {
		st.IndexMap = make(map[string]string)
	}
	r.docs = st.Documents
	r.indexMap = st.IndexMap
	r.version = version
	return nil
}

func (r *Registry) nameInUse(name string) bool {
	for _, rec := range r.docs {
		if rec.Name == name || rec.OriginalName == name {
			return true
		}
	}
	return false
}

// watch flags external modifications of the backing files. Our own
// writes also raise events, but by the time they are handled the
// in-memory version already matches disk, so they are ignored.
func (r *Registry) watch() {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			base := filepath.Base(ev.Name)
			if base != documentsFile && base != versionFile {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			r.mu.Lock()
			disk, err := r.readDiskVersion()
			modified := err == nil && disk != r.version
			r.mu.Unlock()
			if modified {
				slog.Warn("registry modified externally", "file", ev.Name)
				r.external.Store(true)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("registry watcher error", "error", err)
		}
	}
}
