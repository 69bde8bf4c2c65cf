// Package contentstore implements the content-addressed deduplication
// store: raw scraped content and its aligned HSDS result are written once
// per content hash, keyed by a SHA-256 fingerprint, so repeated scrapes of
// the same provider record short-circuit the alignment loop entirely.
package contentstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/for-the-greater-good/sheltermap/internal/errs"
)

// Entry is the index record for a single content hash.
type Entry struct {
	Hash      string            `json:"hash"`
	Tags      map[string]string `json:"tags"`
	JobID     string            `json:"job_id,omitempty"`
	HasResult bool              `json:"has_result"`
	CreatedAt time.Time         `json:"created_at"`
}

// Statistics summarises the index for operational visibility.
type Statistics struct {
	TotalContent     int `json:"total_content"`
	ProcessedContent int `json:"processed_content"`
}

// Store is a layered key-value store on disk: a content directory for raw
// payloads, a results directory for aligned outputs, and a JSON index file
// mapping content hash to Entry.
//
// A Store with an empty root is a valid no-op store: every dedup
// operation becomes a harmless miss, so callers never need a nil check of
// their own.
type Store struct {
	root string

	mu    sync.Mutex
	index map[string]*Entry
}

// New constructs a Store rooted at root. If root is empty, the returned
// Store is a disabled no-op store. Otherwise New creates the on-disk
// content and results directories and loads the index file, if present.
func New(root string) (*Store, error) {
	s := &Store{root: root, index: make(map[string]*Entry)}
	if root == "" {
		return s, nil
	}
	if err := os.MkdirAll(s.contentDir(), 0o755); err != nil {
		return nil, errs.NewStorageError("creating content directory", err)
	}
	if err := os.MkdirAll(s.resultsDir(), 0o755); err != nil {
		return nil, errs.NewStorageError("creating results directory", err)
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Enabled reports whether this store actually persists anything.
func (s *Store) Enabled() bool { return s.root != "" }

func (s *Store) contentDir() string { return filepath.Join(s.root, "content-store", "content") }
func (s *Store) resultsDir() string { return filepath.Join(s.root, "content-store", "results") }
func (s *Store) indexPath() string  { return filepath.Join(s.root, "content-store", "index.json") }

func shardedPath(dir, hash, suffix string) string {
	return filepath.Join(dir, hash[:2], hash[2:]+suffix)
}

// Hash returns the content-store fingerprint of content: SHA-256 of the
// content after trimming leading/trailing whitespace, lower-case hex.
// Pure; newline-sensitive and case-sensitive beyond the trim.
func Hash(content string) string {
	trimmed := strings.TrimSpace(content)
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:])
}

// StoreContent writes content under its hash, idempotently: if an entry
// already exists for this hash, it is returned unchanged; tags and any
// stored result are never overwritten by a later StoreContent call.
func (s *Store) StoreContent(content string, tags map[string]string) (*Entry, error) {
	hash := Hash(content)
	if !s.Enabled() {
		return &Entry{Hash: hash, Tags: tags, CreatedAt: time.Now()}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.index[hash]; ok {
		cp := *existing
		return &cp, nil
	}

	path := shardedPath(s.contentDir(), hash, "")
	if err := writeFileAtomic(path, []byte(content)); err != nil {
		return nil, errs.NewStorageError("writing content file", err)
	}

	entry := &Entry{Hash: hash, Tags: tags, CreatedAt: time.Now()}
	s.index[hash] = entry
	if err := s.saveIndexLocked(); err != nil {
		return nil, err
	}
	cp := *entry
	return &cp, nil
}

// LinkJob records the most recent job id that picked up this hash for
// processing. A hash with no entry is a no-op: nothing is recorded and
// nil is returned.
func (s *Store) LinkJob(hash, jobID string) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[hash]
	if !ok {
		return nil
	}
	entry.JobID = jobID
	return s.saveIndexLocked()
}

// GetResult returns the stored aligned-payload text for hash, if present.
func (s *Store) GetResult(hash string) (string, bool, error) {
	if !s.Enabled() {
		return "", false, nil
	}
	s.mu.Lock()
	entry, ok := s.index[hash]
	s.mu.Unlock()
	if !ok || !entry.HasResult {
		return "", false, nil
	}

	path := shardedPath(s.resultsDir(), hash, ".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errs.NewStorageError("reading result file", err)
	}
	return string(data), true, nil
}

// StoreResult writes the aligned result text for hash. A second call for
// the same hash replaces the file silently
// (last-writer-wins); multi-version history is the reconciler's concern,
// not this store's.
func (s *Store) StoreResult(hash, resultText string) error {
	if !s.Enabled() {
		return nil
	}
	path := shardedPath(s.resultsDir(), hash, ".json")
	if err := writeFileAtomic(path, []byte(resultText)); err != nil {
		return errs.NewStorageError("writing result file", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.index[hash]
	if !ok {
		entry = &Entry{Hash: hash, CreatedAt: time.Now()}
		s.index[hash] = entry
	}
	entry.HasResult = true
	return s.saveIndexLocked()
}

// Statistics performs an O(N) scan over the index only.
func (s *Store) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Statistics{}
	for _, e := range s.index {
		stats.TotalContent++
		if e.HasResult {
			stats.ProcessedContent++
		}
	}
	return stats
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.NewStorageError("reading index", err)
	}
	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return errs.NewStorageError("decoding index", err)
	}
	for _, e := range entries {
		s.index[e.Hash] = e
	}
	return nil
}

// saveIndexLocked must be called with s.mu held.
func (s *Store) saveIndexLocked() error {
	entries := make([]*Entry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return errs.NewStorageError("encoding index", err)
	}
	if err := writeFileAtomic(s.indexPath(), data); err != nil {
		return errs.NewStorageError("writing index", err)
	}
	return nil
}

// writeFileAtomic writes data to path by writing to a temp file in the
// same directory and renaming over the destination, so concurrent readers
// never observe a partial write and concurrent identical writers race
// harmlessly onto the same final bytes.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, path, err)
	}
	return nil
}
