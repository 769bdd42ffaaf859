// Package ledger records which staged files have been forwarded upstream and
// when. It is the only input to retention: a file absent from the ledger is
// never purged.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Error kinds.
var (
	ErrLoadCorrupt = errors.New("ledger corrupt")
	ErrSaveFailed  = errors.New("ledger save failed")
)

// Error is a ledger failure classified by kind.
type Error struct {
	Kind error
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

// Entry is one forwarded file.
type Entry struct {
	Path        string
	ForwardedAt time.Time

	stamp float64 // exact stored value, for RemoveIf
}

// Ledger maps absolute file paths to the unix time (seconds, fractional) they
// were forwarded. Every mutation is persisted before the call returns.
type Ledger struct {
	mu       sync.Mutex
	filePath string
	entries  map[string]float64
	saves    int
}

// Open creates a ledger backed by filePath and loads its current contents.
// A missing or unreadable file is not fatal: the ledger starts empty and a
// warning is logged.
func Open(filePath string) *Ledger {
	l := &Ledger{
		filePath: filePath,
		entries:  make(map[string]float64),
	}
	entries, err := l.Load()
	if err != nil {
		log.Warn().Err(err).Str("path", filePath).Msg("starting with empty ledger")
		return l
	}
	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	return l
}

// Path returns the durable location.
func (l *Ledger) Path() string {
	return l.filePath
}

// Load reads the durable copy. A missing file yields an empty map and no error.
func (l *Ledger) Load() (map[string]float64, error) {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]float64), nil
		}
		return make(map[string]float64), &Error{Kind: ErrLoadCorrupt, Path: l.filePath, Err: err}
	}

	entries := make(map[string]float64)
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return make(map[string]float64), &Error{Kind: ErrLoadCorrupt, Path: l.filePath, Err: err}
	}
	return entries, nil
}

// Append records that path was forwarded at t and persists the ledger.
// The in-memory entry is kept even if the save fails; the next successful
// save writes it out.
func (l *Ledger) Append(path string, t time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[path] = unixSeconds(t)
	return l.saveLocked()
}

// Remove deletes the given paths and persists the ledger once.
func (l *Ledger) Remove(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range paths {
		delete(l.entries, p)
	}
	return l.saveLocked()
}

// RemoveIf deletes each entry only if the ledger still holds it with the same
// forward time, so an entry re-appended since it was read survives. It saves
// once when anything was removed and returns the paths actually removed.
func (l *Ledger) RemoveIf(entries ...Entry) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := make([]string, 0, len(entries))
	for _, e := range entries {
		ts, ok := l.entries[e.Path]
		if !ok || ts != e.recorded() {
			continue
		}
		delete(l.entries, e.Path)
		removed = append(removed, e.Path)
	}
	if len(removed) == 0 {
		return removed, nil
	}
	return removed, l.saveLocked()
}

// Forget drops the entry for path, if any, because the file there is no longer
// the one that was forwarded. It reports whether an entry existed and only
// saves in that case.
func (l *Ledger) Forget(path string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[path]; !ok {
		return false, nil
	}
	delete(l.entries, path)
	return true, l.saveLocked()
}

// Save persists the current map.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked()
}

// saveLocked writes the map atomically: temp file, fsync, rename.
func (l *Ledger) saveLocked() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return &Error{Kind: ErrSaveFailed, Path: l.filePath, Err: fmt.Errorf("marshal: %w", err)}
	}

	dir := filepath.Dir(l.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &Error{Kind: ErrSaveFailed, Path: l.filePath, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(l.filePath)+".*.tmp")
	if err != nil {
		return &Error{Kind: ErrSaveFailed, Path: l.filePath, Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return &Error{Kind: ErrSaveFailed, Path: l.filePath, Err: fmt.Errorf("write temp file: %w", err)}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return &Error{Kind: ErrSaveFailed, Path: l.filePath, Err: fmt.Errorf("sync temp file: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return &Error{Kind: ErrSaveFailed, Path: l.filePath, Err: fmt.Errorf("close temp file: %w", err)}
	}
	if err := os.Rename(tmpPath, l.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return &Error{Kind: ErrSaveFailed, Path: l.filePath, Err: fmt.Errorf("rename: %w", err)}
	}

	l.saves++
	return nil
}

// Saves returns how many times the ledger has been written successfully.
func (l *Ledger) Saves() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saves
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Get returns the forward time of path.
func (l *Ledger) Get(path string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts, ok := l.entries[path]
	if !ok {
		return time.Time{}, false
	}
	return fromUnixSeconds(ts), true
}

// Snapshot returns a copy of the raw path -> unix seconds map.
func (l *Ledger) Snapshot() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}

// Entries returns all entries, oldest first.
func (l *Ledger) Entries() []Entry {
	return l.collect(func(float64) bool { return true })
}

// Expired returns entries forwarded strictly before cutoff, oldest first.
func (l *Ledger) Expired(cutoff time.Time) []Entry {
	limit := unixSeconds(cutoff)
	return l.collect(func(ts float64) bool { return ts < limit })
}

func (l *Ledger) collect(keep func(float64) bool) []Entry {
	l.mu.Lock()
	out := make([]Entry, 0, len(l.entries))
	for p, ts := range l.entries {
		if keep(ts) {
			out = append(out, Entry{Path: p, ForwardedAt: fromUnixSeconds(ts), stamp: ts})
		}
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ForwardedAt.Equal(out[j].ForwardedAt) {
			return out[i].Path < out[j].Path
		}
		return out[i].ForwardedAt.Before(out[j].ForwardedAt)
	})
	return out
}

// recorded is the stored timestamp, falling back to ForwardedAt for entries
// built outside the ledger.
func (e Entry) recorded() float64 {
	if e.stamp != 0 {
		return e.stamp
	}
	return unixSeconds(e.ForwardedAt)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnixSeconds(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}
