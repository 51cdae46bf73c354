// Package watchlist manages the user's line-oriented watch-list file: one
// stock code per non-empty line. Writes are atomic (temp file + rename) and
// skipped when the content hash is unchanged; the engine polls the same
// hash to notice external edits and re-sync the interest pool.
package watchlist

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tickerd/tickerd/internal/market"
	"github.com/zeebo/xxh3"
)

// Store reads and mutates the watch-list file. All operations serialize on
// one mutex; concurrent handlers never interleave a read with a rewrite.
type Store struct {
	mu   sync.Mutex
	path string

	// lastHash is the xxh3 of the canonical content from the last load or
	// save. Zero means not yet loaded.
	lastHash uint64
}

// NewStore creates a Store for the file at path. The file may not exist
// yet; Load treats a missing file as empty.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the file and returns the codes in file order, deduplicated.
// Lines that fail code validation are skipped with a log line.
func (s *Store) Load() ([]market.StockCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() ([]market.StockCode, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.lastHash = hashCodes(nil)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("watchlist: read %s: %w", s.path, err)
	}

	seen := make(map[market.StockCode]struct{})
	var codes []market.StockCode
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		code, err := market.ParseStockCode(line)
		if err != nil {
			log.Printf("[watchlist] skipping invalid line %q in %s", line, s.path)
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	s.lastHash = hashCodes(codes)
	return codes, nil
}

// Save rewrites the file with codes, one per line, atomically. The write is
// skipped when the content hash matches the last known state.
func (s *Store) Save(codes []market.StockCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(codes)
}

func (s *Store) saveLocked(codes []market.StockCode) error {
	h := hashCodes(codes)
	if h == s.lastHash {
		return nil
	}

	var b strings.Builder
	for _, code := range codes {
		b.WriteString(string(code))
		b.WriteByte('\n')
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".watchlist-*")
	if err != nil {
		return fmt.Errorf("watchlist: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("watchlist: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("watchlist: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("watchlist: rename: %w", err)
	}

	s.lastHash = h
	return nil
}

// Add appends code to the file if absent. Reports whether the file changed.
func (s *Store) Add(code market.StockCode) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	codes, err := s.loadLocked()
	if err != nil {
		return false, err
	}
	for _, c := range codes {
		if c == code {
			return false, nil
		}
	}
	codes = append(codes, code)
	if err := s.saveLocked(codes); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes code from the file if present. Reports whether the file
// changed.
func (s *Store) Remove(code market.StockCode) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	codes, err := s.loadLocked()
	if err != nil {
		return false, err
	}
	kept := codes[:0]
	removed := false
	for _, c := range codes {
		if c == code {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	if !removed {
		return false, nil
	}
	if err := s.saveLocked(kept); err != nil {
		return false, err
	}
	return true, nil
}

// ChangedExternally re-reads the file and reports whether its content hash
// moved since the last load or save (an edit made outside this process).
// The returned codes are the current file content.
func (s *Store) ChangedExternally() (bool, []market.StockCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.lastHash
	codes, err := s.loadLocked()
	if err != nil {
		return false, nil, err
	}
	return before != 0 && s.lastHash != before, codes, nil
}

// hashCodes hashes the canonical (sorted, newline-joined) form so line
// order does not count as a change.
func hashCodes(codes []market.StockCode) uint64 {
	sorted := make([]string, len(codes))
	for i, c := range codes {
		sorted[i] = string(c)
	}
	sort.Strings(sorted)
	return xxh3.HashString(strings.Join(sorted, "\n"))
}
