// Package cleanup owns the transient files of a render batch: materialized
// scene documents, staged engine outputs, the batch workspace and the final
// bundle.
//
// Every artifact is acquired through a Scope and released exactly once,
// either individually as soon as its job is finished or by Scope.Release at
// the batch boundary. Deletion problems are logged as cleanup warnings and
// never returned, so they cannot mask the outcome of a render.
package cleanup

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sceneforge/internal/pkg/logger"
)

// Scope tracks artifacts until they are released.
type Scope struct {
	log *logger.Logger

	mu       sync.Mutex
	held     []*Artifact
	released bool
	warnings atomic.Int64
}

// NewScope returns an empty scope.
func NewScope(log *logger.Logger) *Scope {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Scope{log: log.WithComponent("cleanup")}
}

// Artifact is one tracked file or directory.
type Artifact struct {
	path  string
	dir   bool
	scope *Scope
	once  sync.Once
	done  atomic.Bool
}

// Track registers a file for deletion.
func (s *Scope) Track(path string) *Artifact {
	return s.track(path, false)
}

// TrackDir registers a directory tree for deletion.
func (s *Scope) TrackDir(path string) *Artifact {
	return s.track(path, true)
}

func (s *Scope) track(path string, dir bool) *Artifact {
	a := &Artifact{path: path, dir: dir, scope: s}

	s.mu.Lock()
	closed := s.released
	if !closed {
		s.held = append(s.held, a)
	}
	s.mu.Unlock()

	// A late Track after the scope closed still has to delete.
	if closed {
		a.Release()
	}
	return a
}

// Release deletes every artifact still held, most recent first. Safe to call
// more than once.
func (s *Scope) Release() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.released = true
	s.mu.Unlock()

	for i := len(held) - 1; i >= 0; i-- {
		held[i].Release()
	}
}

// Held reports how many artifacts have not been released yet.
func (s *Scope) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.held {
		if !a.Released() {
			n++
		}
	}
	return n
}

// Warnings returns the number of deletions that failed.
func (s *Scope) Warnings() int64 {
	return s.warnings.Load()
}

// Path returns the tracked path.
func (a *Artifact) Path() string {
	return a.path
}

// Released reports whether the artifact has been deleted (or its deletion
// attempted).
func (a *Artifact) Released() bool {
	return a.done.Load()
}

// Release deletes the artifact. Only the first call has an effect.
func (a *Artifact) Release() {
	a.once.Do(func() {
		defer a.done.Store(true)

		var err error
		if a.dir {
			err = os.RemoveAll(a.path)
		} else {
			err = os.Remove(a.path)
		}
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return
		}

		a.scope.warnings.Add(1)
		a.scope.log.Warn("cleanup warning",
			"path", a.path,
			"dir", a.dir,
			"error", err.Error(),
		)
	})
}

// Sweep removes directories directly under root whose name starts with
// prefix and that were last modified before olderThan ago. It returns how
// many were removed. A missing root is not an error.
func Sweep(root, prefix string, olderThan time.Duration, log *logger.Logger) (int, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("cleanup")

	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		p := filepath.Join(root, e.Name())
		if err := os.RemoveAll(p); err != nil {
			log.Warn("cleanup warning", "path", p, "error", err.Error())
			continue
		}
		log.Info("stale workspace removed", "path", p)
		removed++
	}
	return removed, nil
}
