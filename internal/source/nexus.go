package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
)

// Nexus implements Registry for Sonatype Nexus Repository 3.
type Nexus struct {
	client *Client

	mu sync.Mutex
	// repository definitions captured during Enumerate, served by Fetch
	definitions map[string][]byte
}

func NewNexus(client *Client) *Nexus {
	return &Nexus{client: client, definitions: make(map[string][]byte)}
}

type nexusRepo struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Type   string `json:"type"`
	URL    string `json:"url"`
}

type nexusAssetPage struct {
	Items []struct {
		DownloadURL string            `json:"downloadUrl"`
		Path        string            `json:"path"`
		Repository  string            `json:"repository"`
		Checksum    map[string]string `json:"checksum"`
		FileSize    int64             `json:"fileSize"`
	} `json:"items"`
	ContinuationToken *string `json:"continuationToken"`
}

// Ping lists repositories (authenticated) and reads the version from the
// Server header, e.g. "Nexus/3.61.0-02 (OSS)".
func (n *Nexus) Ping(ctx context.Context) (string, error) {
	var repos []nexusRepo
	header, err := n.client.GetJSON(ctx, "/service/rest/v1/repositories", nil, &repos)
	if err != nil {
		return "", err
	}
	return parseNexusServer(header.Get("Server")), nil
}

func parseNexusServer(server string) string {
	if !strings.HasPrefix(server, "Nexus/") {
		return "unknown"
	}
	v := strings.TrimPrefix(server, "Nexus/")
	if i := strings.IndexByte(v, ' '); i >= 0 {
		v = v[:i]
	}
	return v
}

// Enumerate lists hosted repositories and pages through their assets.
func (n *Nexus) Enumerate(ctx context.Context, filter Filter) (*Inventory, error) {
	var repos []nexusRepo
	if _, err := n.client.GetJSON(ctx, "/service/rest/v1/repositories", nil, &repos); err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}

	inv := &Inventory{}
	for _, r := range repos {
		if r.Type != "hosted" || !filter.includes(r.Name) {
			continue
		}
		def, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encoding definition of %s: %w", r.Name, err)
		}
		n.remember(r.Name, def)

		inv.Repositories = append(inv.Repositories, Repository{Name: r.Name, Format: r.Format})
		inv.Entries = append(inv.Entries, Entry{
			Repository: r.Name,
			Type:       models.ItemMetadata,
			Size:       int64(len(def)),
		})

		assets, err := n.listAssets(ctx, r.Name)
		if err != nil {
			return nil, err
		}
		inv.Entries = append(inv.Entries, assets...)
	}
	return inv, nil
}

// listAssets follows continuation tokens until the last page.
func (n *Nexus) listAssets(ctx context.Context, repo string) ([]Entry, error) {
	var entries []Entry
	params := url.Values{"repository": {repo}}
	for {
		var page nexusAssetPage
		if _, err := n.client.GetJSON(ctx, "/service/rest/v1/assets", params, &page); err != nil {
			return nil, fmt.Errorf("listing assets of %s: %w", repo, err)
		}
		for _, a := range page.Items {
			entries = append(entries, Entry{
				Repository:  repo,
				Path:        strings.TrimPrefix(a.Path, "/"),
				Type:        models.ItemArtifact,
				Size:        a.FileSize,
				SHA256:      a.Checksum["sha256"],
				DownloadURL: a.DownloadURL,
			})
		}
		if page.ContinuationToken == nil || *page.ContinuationToken == "" {
			return entries, nil
		}
		params.Set("continuationToken", *page.ContinuationToken)
	}
}

// Fetch streams an asset. Metadata entries are served from the definition
// captured during enumeration, re-reading the repository list if needed.
func (n *Nexus) Fetch(ctx context.Context, e Entry) (io.ReadCloser, error) {
	if e.Type != models.ItemMetadata {
		return n.client.Open(ctx, e.DownloadURL)
	}
	n.mu.Lock()
	def, ok := n.definitions[e.Repository]
	n.mu.Unlock()
	if !ok {
		var repos []nexusRepo
		if _, err := n.client.GetJSON(ctx, "/service/rest/v1/repositories", nil, &repos); err != nil {
			return nil, err
		}
		for _, r := range repos {
			if r.Name == e.Repository {
				b, err := json.Marshal(r)
				if err != nil {
					return nil, err
				}
				def = b
				n.remember(r.Name, b)
				break
			}
		}
		if def == nil {
			return nil, &models.TransferError{Path: e.SourcePath(), Err: fmt.Errorf("repository no longer exists")}
		}
	}
	return io.NopCloser(bytes.NewReader(def)), nil
}

func (n *Nexus) remember(repo string, def []byte) {
	n.mu.Lock()
	n.definitions[repo] = def
	n.mu.Unlock()
}
