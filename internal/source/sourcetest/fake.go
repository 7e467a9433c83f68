// Package sourcetest provides an in-memory source.Registry for tests.
package sourcetest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
	"github.com/rflorenc/artifact-migration-workbench/internal/secrets"
	"github.com/rflorenc/artifact-migration-workbench/internal/source"
)

// Fake is a scriptable registry. The zero value is not usable; call New.
type Fake struct {
	mu           sync.Mutex
	version      string
	pingErr      error
	enumerateErr error
	repos        []source.Repository
	entries      []source.Entry
	content      map[string][]byte
	fetchErr     map[string]error
	breaks       map[string]int
	fetched      []string
	pings        int

	// Gate, when non-nil, must yield a value before each artifact fetch
	// proceeds. Fetch gives up when the context ends first.
	Gate chan struct{}
	// Started, when non-nil, receives the source path of each fetch as it begins.
	Started chan string
	// Listing, when non-nil, must yield a value before Enumerate answers.
	Listing chan struct{}
}

func New(version string) *Fake {
	return &Fake{
		version:  version,
		content:  make(map[string][]byte),
		fetchErr: make(map[string]error),
		breaks:   make(map[string]int),
	}
}

// AddRepo appends a repository and its metadata entry.
func (f *Fake) AddRepo(name, format string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def := []byte(fmt.Sprintf(`{"name":%q,"format":%q}`, name, format))
	f.repos = append(f.repos, source.Repository{Name: name, Format: format})
	e := source.Entry{Repository: name, Type: models.ItemMetadata, Size: int64(len(def))}
	f.entries = append(f.entries, e)
	f.content[e.SourcePath()] = def
}

// AddArtifact appends an artifact whose advertised checksum matches content.
func (f *Fake) AddArtifact(repo, path string, content []byte) source.Entry {
	sum := sha256.Sum256(content)
	return f.AddEntry(source.Entry{
		Repository: repo,
		Path:       path,
		Type:       models.ItemArtifact,
		Size:       int64(len(content)),
		SHA256:     hex.EncodeToString(sum[:]),
	}, content)
}

// AddEntry appends e with arbitrary content, e.g. to simulate corruption.
func (f *Fake) AddEntry(e source.Entry, content []byte) source.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	f.content[e.SourcePath()] = content
	return e
}

// FailFetch makes fetching sourcePath return err.
func (f *Fake) FailFetch(sourcePath string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr[sourcePath] = err
}

// BreakStream makes the next times fetches of sourcePath deliver half the
// content and then fail with io.ErrUnexpectedEOF.
func (f *Fake) BreakStream(sourcePath string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breaks[sourcePath] = times
}

func (f *Fake) FailPing(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *Fake) FailEnumerate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enumerateErr = err
}

func (f *Fake) Ping(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if f.pingErr != nil {
		return "", f.pingErr
	}
	return f.version, nil
}

func (f *Fake) Enumerate(ctx context.Context, filter source.Filter) (*source.Inventory, error) {
	if f.Listing != nil {
		select {
		case <-f.Listing:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enumerateErr != nil {
		return nil, f.enumerateErr
	}
	inv := &source.Inventory{}
	for _, r := range f.repos {
		if filter == nil || filter(r.Name) {
			inv.Repositories = append(inv.Repositories, r)
		}
	}
	for _, e := range f.entries {
		if filter == nil || filter(e.Repository) {
			inv.Entries = append(inv.Entries, e)
		}
	}
	return inv, nil
}

func (f *Fake) Fetch(ctx context.Context, e source.Entry) (io.ReadCloser, error) {
	if f.Started != nil {
		select {
		case f.Started <- e.SourcePath():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Gate != nil && e.Type == models.ItemArtifact {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, e.SourcePath())
	if err := f.fetchErr[e.SourcePath()]; err != nil {
		return nil, err
	}
	content, ok := f.content[e.SourcePath()]
	if !ok {
		return nil, &source.StatusError{Method: "GET", URL: e.SourcePath(), Code: 404, Body: "not found"}
	}
	if f.breaks[e.SourcePath()] > 0 {
		f.breaks[e.SourcePath()]--
		half := bytes.NewReader(content[:len(content)/2])
		return io.NopCloser(io.MultiReader(half, brokenReader{})), nil
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

// Fetched returns the source paths fetched so far, in order.
func (f *Fake) Fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

// Pings returns how many times Ping was called.
func (f *Fake) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// Factory returns a source.Factory that always yields f.
func (f *Fake) Factory() source.Factory {
	return func(*models.Connection, secrets.Credential) source.Registry { return f }
}
