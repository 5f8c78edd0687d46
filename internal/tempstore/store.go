package tempstore

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"audioscribe/internal/apperr"
)

// Kind distinguishes uploaded originals from derived conversion output.
type Kind string

const (
	KindUpload    Kind = "upload"
	KindConverted Kind = "converted"
)

// Artifact is a handle to one audio file owned by exactly one job.
type Artifact struct {
	Path      string
	Owner     string
	Kind      Kind
	Size      int64
	CreatedAt time.Time

	removed atomic.Bool
}

// Removed reports whether the file behind the handle has been deleted.
func (a *Artifact) Removed() bool {
	return a == nil || a.removed.Load()
}

// Ext returns the lower-cased extension including the dot.
func (a *Artifact) Ext() string {
	if a == nil {
		return ""
	}
	return strings.ToLower(filepath.Ext(a.Path))
}

// Store manages the directory holding uploaded and converted audio.
type Store struct {
	dir string
	now func() time.Time

	mu        sync.Mutex
	artifacts map[string]*Artifact // keyed by path
}

// New creates the backing directory if needed.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("temp directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}
	return &Store{
		dir:       dir,
		now:       time.Now,
		artifacts: make(map[string]*Artifact),
	}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save streams r into a freshly named file. The client filename only
// contributes its extension. Writing more than limit bytes fails with
// FILE_TOO_LARGE and leaves nothing on disk.
func (s *Store) Save(owner, clientName string, r io.Reader, limit int64) (*Artifact, error) {
	ext := strings.ToLower(filepath.Ext(filepath.Base(clientName)))
	a := s.newArtifact(owner, ext, KindUpload)

	f, err := os.OpenFile(a.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}
	if copyErr == nil && limit > 0 && n > limit {
		copyErr = apperr.New(apperr.CodeFileTooLarge, "upload exceeds %d bytes", limit)
	}
	if copyErr != nil {
		_ = os.Remove(a.Path)
		if _, ok := apperr.As(copyErr); ok {
			return nil, copyErr
		}
		return nil, fmt.Errorf("write temp file: %w", copyErr)
	}

	a.Size = n
	s.track(a)
	return a, nil
}

// Reserve registers a path for derived output (e.g. a conversion target)
// without creating the file.
func (s *Store) Reserve(owner, ext string, kind Kind) *Artifact {
	a := s.newArtifact(owner, strings.ToLower(ext), kind)
	s.track(a)
	return a
}

func (s *Store) newArtifact(owner, ext string, kind Kind) *Artifact {
	name := uuid.NewString() + ext
	return &Artifact{
		Path:      filepath.Join(s.dir, name),
		Owner:     owner,
		Kind:      kind,
		CreatedAt: s.now(),
	}
}

func (s *Store) track(a *Artifact) {
	s.mu.Lock()
	s.artifacts[a.Path] = a
	s.mu.Unlock()
}

// Remove deletes the file and forgets the handle. Removing twice is a no-op.
func (s *Store) Remove(a *Artifact) error {
	if a == nil || a.removed.Load() {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file %s: %w", a.Path, err)
	}
	a.removed.Store(true)
	s.mu.Lock()
	delete(s.artifacts, a.Path)
	s.mu.Unlock()
	return nil
}

// Lookup returns the tracked handle for path.
func (s *Store) Lookup(path string) (*Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[path]
	return a, ok
}

// Count reports how many artifacts are currently tracked.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.artifacts)
}

// Sweep removes tracked artifacts whose owner is no longer live, whatever
// their age, plus untracked files older than maxAge left behind by an earlier
// process. Without a live func tracked artifacts fall back to the age rule.
func (s *Store) Sweep(maxAge time.Duration, live func(owner string) bool) (int, error) {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	candidates := make([]*Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		candidates = append(candidates, a)
	}
	s.mu.Unlock()

	// live takes the job store's lock, so it is consulted outside mu
	var stale []*Artifact
	for _, a := range candidates {
		if live == nil {
			if a.CreatedAt.After(cutoff) {
				continue
			}
		} else if live(a.Owner) {
			continue
		}
		stale = append(stale, a)
	}

	removed := 0
	var firstErr error
	for _, a := range stale {
		if err := s.Remove(a); err != nil {
			log.Printf("[tempstore] sweep remove %s failed: %v", a.Path, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return removed, fmt.Errorf("read temp directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if _, tracked := s.Lookup(path); tracked {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("[tempstore] sweep remove orphan %s failed: %v", path, err)
			continue
		}
		removed++
	}
	return removed, firstErr
}

// Drain forcibly removes every file in the directory, tracked or not.
func (s *Store) Drain() (int, error) {
	s.mu.Lock()
	for _, a := range s.artifacts {
		a.removed.Store(true)
	}
	s.artifacts = make(map[string]*Artifact)
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read temp directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			log.Printf("[tempstore] drain remove %s failed: %v", entry.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}
