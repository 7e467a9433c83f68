// Package source reads inventories and content from external artifact registries.
package source

import (
	"context"
	"io"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
	"github.com/rflorenc/artifact-migration-workbench/internal/secrets"
)

// Entry is one unit of source inventory: an artifact or a repository
// metadata record.
type Entry struct {
	Repository  string
	Path        string // relative to the repository; empty for metadata
	Type        models.ItemType
	Size        int64
	SHA256      string
	DownloadURL string // absolute or relative to the connection URL
}

// SourcePath is the stable, registry-independent identifier of the entry.
func (e Entry) SourcePath() string {
	if e.Type == models.ItemMetadata {
		return e.Repository
	}
	return e.Repository + "/" + e.Path
}

// Repository describes a source repository.
type Repository struct {
	Name   string
	Format string
}

// Filter decides whether a repository is enumerated. A nil Filter includes all.
type Filter func(repo string) bool

// Inventory is the result of a full enumeration.
type Inventory struct {
	Repositories []Repository
	Entries      []Entry
}

// Registry defines the operations the workbench needs from a source registry.
type Registry interface {
	// Ping verifies reachability and credentials. Returns the remote version.
	Ping(ctx context.Context) (string, error)

	// Enumerate lists repositories and their content in a stable order.
	// Each included repository yields a metadata entry followed by its artifacts.
	Enumerate(ctx context.Context, filter Filter) (*Inventory, error)

	// Fetch opens the content of an entry. The caller closes the reader.
	Fetch(ctx context.Context, e Entry) (io.ReadCloser, error)
}

// New creates the appropriate Registry implementation for a connection.
func New(conn *models.Connection, cred secrets.Credential, opts Options) Registry {
	client := NewClient(conn, cred, opts)
	switch conn.Kind {
	case models.KindNexus:
		return NewNexus(client)
	default:
		return NewArtifactory(client)
	}
}

// Factory builds a Registry for a connection. Services depend on it so tests
// can substitute fake registries.
type Factory func(conn *models.Connection, cred secrets.Credential) Registry

// NewFactory returns a Factory that applies opts to every registry it builds.
func NewFactory(opts Options) Factory {
	return func(conn *models.Connection, cred secrets.Credential) Registry {
		return New(conn, cred, opts)
	}
}

func (f Filter) includes(repo string) bool {
	return f == nil || f(repo)
}
