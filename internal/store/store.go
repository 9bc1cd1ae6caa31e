// Package store keeps rendered pages on disk, one directory per URL path.
//
// Every leaf holds index.html and, optionally, index.html.gz. Freshness is the
// file mtime; there is no other metadata. Writers of the same path are
// serialized by a striped lock (in-process mutex plus an advisory file lock, so
// a CLI regeneration and the server agree), and every file is published with
// a rename, so readers never take a lock and never see a partial file.
package store

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"staticboost/internal/errors"
	"staticboost/internal/pathmap"
)

const (
	lockDir     = ".locks"
	lockStripes = 64
)

type Store struct {
	root     string
	ttl      func() time.Duration
	now      func() time.Time
	gzip     bool
	preserve map[string]struct{}
	log      zerolog.Logger

	stripes [lockStripes]stripe
}

type stripe struct {
	mu sync.Mutex
	fl *flock.Flock
}

type Option func(*Store)

// WithTTL sets the freshness window. It is read on every check so settings
// changes apply without a restart.
func WithTTL(fn func() time.Duration) Option { return func(s *Store) { s.ttl = fn } }

// WithClock replaces time.Now. Written artifacts get their mtime from it too.
func WithClock(fn func() time.Time) Option { return func(s *Store) { s.now = fn } }

func WithGzip(on bool) Option { return func(s *Store) { s.gzip = on } }

// WithPreserve lists root-level names ClearAll must leave alone, such as
// server rewrite rules.
func WithPreserve(names ...string) Option {
	return func(s *Store) {
		for _, n := range names {
			s.preserve[n] = struct{}{}
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.log = l } }

// New opens the artifact tree at root, creating it when missing. A root that
// cannot be written is a configuration error.
func New(root string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.NewConfiguration("resolve artifact root", err)
	}
	s := &Store{
		root:     abs,
		ttl:      func() time.Duration { return time.Hour },
		now:      time.Now,
		gzip:     true,
		preserve: map[string]struct{}{},
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(filepath.Join(abs, lockDir), 0o755); err != nil {
		return nil, errors.NewConfiguration("create artifact root "+abs, err)
	}
	if err := s.CheckWritable(); err != nil {
		return nil, err
	}
	for i := range s.stripes {
		s.stripes[i].fl = flock.New(filepath.Join(abs, lockDir, fmt.Sprintf("stripe-%02d.lock", i)))
	}
	return s, nil
}

func (s *Store) Root() string { return s.root }

// CheckWritable creates and removes a probe file in the root.
func (s *Store) CheckWritable() error {
	f, err := os.CreateTemp(s.root, ".probe-*")
	if err != nil {
		return errors.NewConfiguration("artifact root "+s.root+" is not writable", err)
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		return errors.NewConfiguration("artifact root "+s.root+" is not writable", err)
	}
	return nil
}

// IsFresh reports whether rel has an artifact younger than the TTL.
// Any stat failure counts as a miss.
func (s *Store) IsFresh(rel string) bool {
	fi, err := os.Stat(pathmap.ArtifactPath(s.root, rel))
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	return s.now().Sub(fi.ModTime()) < s.ttl()
}

// Artifact is one stored page.
type Artifact struct {
	Content []byte
	Gzipped bool
	ModTime time.Time
	Size    int64
}

// Read returns the artifact at rel, the gzip sibling when acceptGzip and it
// exists, the plain file otherwise.
func (s *Store) Read(rel string, acceptGzip bool) (Artifact, error) {
	if acceptGzip && s.gzip {
		a, err := s.readFile(pathmap.CompressedPath(s.root, rel))
		if err == nil {
			a.Gzipped = true
			return a, nil
		}
		if !errors.Is(err, errors.ErrNotFound) {
			s.log.Debug().Err(err).Str("path", rel).Msg("gzip sibling unreadable, falling back")
		}
	}
	a, err := s.readFile(pathmap.ArtifactPath(s.root, rel))
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return Artifact{}, errors.NewNotFound(rel)
		}
		return Artifact{}, err
	}
	return a, nil
}

func (s *Store) readFile(path string) (Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return Artifact{}, errors.NewNotFound(path)
		}
		return Artifact{}, errors.NewArtifactIO("open", path, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return Artifact{}, errors.NewArtifactIO("stat", path, err)
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return Artifact{}, errors.NewArtifactIO("read", path, err)
	}
	return Artifact{Content: b, ModTime: fi.ModTime(), Size: int64(len(b))}, nil
}

// Write replaces the artifact at rel with content, then its gzip sibling.
func (s *Store) Write(rel string, content []byte) error {
	dir := pathmap.Dir(s.root, rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewArtifactIO("mkdir", dir, err)
	}

	unlock, err := s.lock(rel)
	if err != nil {
		return err
	}
	defer unlock()

	now := s.now()
	if err := s.writeAtomic(pathmap.ArtifactPath(s.root, rel), content, now); err != nil {
		return err
	}

	gzPath := pathmap.CompressedPath(s.root, rel)
	if !s.gzip {
		if err := os.Remove(gzPath); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return errors.NewArtifactIO("remove", gzPath, err)
		}
		return nil
	}
	gz, err := compress(content)
	if err != nil {
		return errors.NewArtifactIO("gzip", gzPath, err)
	}
	if err := s.writeAtomic(gzPath, gz, now); err != nil {
		// A stale sibling would be served to gzip clients; drop it.
		_ = os.Remove(gzPath)
		return err
	}
	return nil
}

func (s *Store) writeAtomic(path string, data []byte, mtime time.Time) error {
	var rnd [8]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return errors.NewArtifactIO("tempname", path, err)
	}
	tmp := path + "." + hex.EncodeToString(rnd[:]) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.NewArtifactIO("create", tmp, err)
	}
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmp)
		}
	}()
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.NewArtifactIO("write", tmp, err)
	}
	if err := f.Close(); err != nil {
		return errors.NewArtifactIO("close", tmp, err)
	}
	if err := os.Chtimes(tmp, mtime, mtime); err != nil {
		return errors.NewArtifactIO("chtimes", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.NewArtifactIO("rename", path, err)
	}
	ok = true
	return nil
}

func compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Delete removes the artifact at rel and its sibling. Missing files are fine.
// Directories are left in place; a concurrent writer may be about to use them.
func (s *Store) Delete(rel string) error {
	unlock, err := s.lock(rel)
	if err != nil {
		return err
	}
	defer unlock()

	var errs []error
	for _, p := range []string{pathmap.ArtifactPath(s.root, rel), pathmap.CompressedPath(s.root, rel)} {
		if err := os.Remove(p); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			errs = append(errs, errors.NewArtifactIO("remove", p, err))
		}
	}
	return stderrors.Join(errs...)
}

// ClearAll empties the root except for dot-prefixed entries and preserved
// files. Artifact paths never start with a dot and are always directories, so
// neither rule can keep a page alive. It is best effort: entries created while the sweep runs may survive.
func (s *Store) ClearAll() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return errors.NewArtifactIO("readdir", s.root, err)
	}
	var errs []error
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if _, keep := s.preserve[name]; keep && !e.IsDir() {
			continue
		}
		p := filepath.Join(s.root, name)
		if err := os.RemoveAll(p); err != nil {
			// A writer may have dropped a file in mid-sweep; one more pass.
			if err = os.RemoveAll(p); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
				errs = append(errs, errors.NewArtifactIO("remove", p, err))
				continue
			}
		}
		removed++
	}
	s.log.Info().Int("entries", removed).Int("errors", len(errs)).Msg("artifact tree cleared")
	return stderrors.Join(errs...)
}

// Stats summarizes the artifact tree.
type Stats struct {
	Files         int
	Bytes         int64
	LastGenerated time.Time
}

// Stats walks the whole tree. Cost is linear in the number of artifacts.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.walk(func(_ string, fi fs.FileInfo) {
		st.Files++
		st.Bytes += fi.Size()
		if fi.ModTime().After(st.LastGenerated) {
			st.LastGenerated = fi.ModTime()
		}
	})
	return st, err
}

// Page is one stored artifact.
type Page struct {
	Path    string
	ModTime time.Time
}

// Pages lists every stored artifact, most recently written first.
func (s *Store) Pages() ([]Page, error) {
	var out []Page
	err := s.walk(func(rel string, fi fs.FileInfo) {
		out = append(out, Page{Path: rel, ModTime: fi.ModTime()})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, err
}

// walk calls fn for every index.html under the root with its artifact path.
// Files removed during the walk are skipped.
func (s *Store) walk(fn func(rel string, fi fs.FileInfo)) error {
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if p != s.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != pathmap.ArtifactName {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(s.root, filepath.Dir(p))
		if err != nil || rel == "." {
			// An index.html at the root itself is not an artifact.
			return nil
		}
		fn(filepath.ToSlash(rel), fi)
		return nil
	})
	if err != nil {
		return errors.NewArtifactIO("walk", s.root, err)
	}
	return nil
}

func (s *Store) lock(rel string) (func(), error) {
	h := fnv.New32a()
	h.Write([]byte(rel))
	st := &s.stripes[h.Sum32()%lockStripes]

	st.mu.Lock()
	if err := st.fl.Lock(); err != nil {
		st.mu.Unlock()
		return nil, errors.NewArtifactIO("lock", st.fl.Path(), err)
	}
	return func() {
		if err := st.fl.Unlock(); err != nil {
			s.log.Warn().Err(err).Str("lock", st.fl.Path()).Msg("unlock failed")
		}
		st.mu.Unlock()
	}, nil
}
