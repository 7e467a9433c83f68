// Package target is the local registry storage that migrated items land in.
package target

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ErrChecksumMismatch is returned by Put when the written bytes do not hash
// to the expected sha256.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Store writes objects under a root directory of an afero filesystem.
type Store struct {
	fs afero.Fs
}

// New roots a Store at dir of fs.
func New(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating storage root %s: %w", dir, err)
	}
	return &Store{fs: afero.NewBasePathFs(fs, dir)}, nil
}

// NewOS roots a Store at dir on the local disk.
func NewOS(dir string) (*Store, error) {
	return New(afero.NewOsFs(), dir)
}

// clean rejects empty and escaping paths.
func clean(p string) (string, error) {
	slashed := strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid target path %q", p)
		}
	}
	c := path.Clean("/" + slashed)
	if c == "/" {
		return "", fmt.Errorf("invalid target path %q", p)
	}
	return filepath.FromSlash(c), nil
}

// Put streams r into p. The bytes land in a temporary file first and are
// renamed into place only after the sha256 matches expected (when set).
// Returns the size and hex sha256 of what was written.
func (s *Store) Put(p string, r io.Reader, expected string) (int64, string, error) {
	dst, err := clean(p)
	if err != nil {
		return 0, "", err
	}
	if err := s.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, "", fmt.Errorf("creating directory for %s: %w", p, err)
	}

	tmp := filepath.Join(filepath.Dir(dst), ".tmp-"+uuid.NewString())
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, "", fmt.Errorf("creating temp file for %s: %w", p, err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.fs.Remove(tmp)
		return n, "", fmt.Errorf("writing %s: %w", p, err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if expected != "" && !strings.EqualFold(sum, expected) {
		s.fs.Remove(tmp)
		return n, sum, fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, sum, expected)
	}
	if err := s.fs.Rename(tmp, dst); err != nil {
		s.fs.Remove(tmp)
		return n, sum, fmt.Errorf("committing %s: %w", p, err)
	}
	return n, sum, nil
}

// Exists reports whether an object is stored at p.
func (s *Store) Exists(p string) (bool, error) {
	dst, err := clean(p)
	if err != nil {
		return false, err
	}
	return afero.Exists(s.fs, dst)
}

// Checksum returns the hex sha256 of the object at p, or "" if absent.
func (s *Store) Checksum(p string) (string, error) {
	dst, err := clean(p)
	if err != nil {
		return "", err
	}
	f, err := s.fs.Open(dst)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("opening %s: %w", p, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Open reads the object at p.
func (s *Store) Open(p string) (io.ReadCloser, error) {
	dst, err := clean(p)
	if err != nil {
		return nil, err
	}
	return s.fs.Open(dst)
}
