// Package store stages received objects on local disk under a deterministic
// patient/study/series/instance hierarchy.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pacsrelay/pacsrelay/pkg/proto"
)

// Extension is appended to the instance identifier to form the file name.
const Extension = ".dcm"

// Error kinds.
var (
	ErrPermission = errors.New("permission denied")
	ErrIO         = errors.New("i/o failure")
	ErrUnexpected = errors.New("unexpected storage failure")
)

// Error is a storage failure classified by kind.
type Error struct {
	Kind error
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

func classify(path string, err error) error {
	var kind error
	switch {
	case errors.Is(err, os.ErrPermission):
		kind = ErrPermission
	case errors.As(err, new(*os.PathError)), errors.As(err, new(*os.LinkError)):
		kind = ErrIO
	default:
		kind = ErrUnexpected
	}
	return &Error{Kind: kind, Path: path, Err: err}
}

// Writer saves objects below Root. Saves run concurrently with each other but
// not with a holder of Lock, which retention takes while it deletes files and
// prunes directories that a save could be about to use.
type Writer struct {
	root string
	mu   sync.RWMutex
}

// Lock excludes saves until Unlock.
func (w *Writer) Lock() { w.mu.Lock() }

// Unlock releases Lock.
func (w *Writer) Unlock() { w.mu.Unlock() }

// NewWriter creates a writer rooted at root, which must be absolute.
func NewWriter(root string) (*Writer, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("storage root must be absolute: %q", root)
	}
	return &Writer{root: filepath.Clean(root)}, nil
}

// Root returns the storage root.
func (w *Writer) Root() string {
	return w.root
}

// PathFor returns where an object with the given metadata is stored.
func (w *Writer) PathFor(md proto.Metadata) string {
	md = md.Normalize()
	return filepath.Join(w.root,
		component(md.PatientID),
		component(md.StudyUID),
		component(md.SeriesUID),
		component(md.InstanceUID)+Extension,
	)
}

// Save writes the object's payload and returns the absolute path. An existing
// file for the same identifiers is replaced.
func (w *Writer) Save(obj *proto.Object) (string, error) {
	path := w.PathFor(obj.Metadata)
	dir := filepath.Dir(path)

	w.mu.RLock()
	defer w.mu.RUnlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", classify(path, err)
	}

	// Write through a unique temp file so a crash never leaves a truncated
	// object at the final path.
	tmp, err := os.CreateTemp(dir, ".incoming-*.tmp")
	if err != nil {
		return "", classify(path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(obj.Payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", classify(path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", classify(path, err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return "", classify(path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", classify(path, err)
	}
	return path, nil
}

// component makes an identifier safe to use as a single path element.
func component(id string) string {
	id = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, id)
	if id == "." || id == ".." {
		return strings.Repeat("_", len(id))
	}
	return id
}
