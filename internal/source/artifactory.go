package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
)

// Artifactory implements Registry for JFrog Artifactory.
type Artifactory struct {
	client *Client
}

func NewArtifactory(client *Client) *Artifactory {
	return &Artifactory{client: client}
}

type artifactoryVersion struct {
	Version  string `json:"version"`
	Revision string `json:"revision"`
}

type artifactoryRepo struct {
	Key         string `json:"key"`
	Type        string `json:"type"`
	PackageType string `json:"packageType"`
}

type artifactoryFileList struct {
	URI   string `json:"uri"`
	Files []struct {
		URI    string `json:"uri"`
		Size   int64  `json:"size"`
		Folder bool   `json:"folder"`
		SHA2   string `json:"sha2"`
	} `json:"files"`
}

// Ping calls the authenticated version endpoint.
func (a *Artifactory) Ping(ctx context.Context) (string, error) {
	var v artifactoryVersion
	if _, err := a.client.GetJSON(ctx, "/api/system/version", nil, &v); err != nil {
		return "", err
	}
	if v.Version == "" {
		return "", fmt.Errorf("version response missing version field")
	}
	return v.Version, nil
}

// Enumerate lists local repositories and their files with a deep file list.
func (a *Artifactory) Enumerate(ctx context.Context, filter Filter) (*Inventory, error) {
	var repos []artifactoryRepo
	if _, err := a.client.GetJSON(ctx, "/api/repositories", url.Values{"type": {"local"}}, &repos); err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}

	inv := &Inventory{}
	for _, r := range repos {
		if !filter.includes(r.Key) {
			continue
		}
		inv.Repositories = append(inv.Repositories, Repository{Name: r.Key, Format: strings.ToLower(r.PackageType)})
		inv.Entries = append(inv.Entries, Entry{
			Repository:  r.Key,
			Type:        models.ItemMetadata,
			DownloadURL: "/api/repositories/" + url.PathEscape(r.Key),
		})

		var list artifactoryFileList
		params := url.Values{"list": {""}, "deep": {"1"}, "listFolders": {"0"}}
		if _, err := a.client.GetJSON(ctx, "/api/storage/"+url.PathEscape(r.Key), params, &list); err != nil {
			return nil, fmt.Errorf("listing %s: %w", r.Key, err)
		}
		for _, f := range list.Files {
			if f.Folder {
				continue
			}
			p := strings.TrimPrefix(f.URI, "/")
			inv.Entries = append(inv.Entries, Entry{
				Repository:  r.Key,
				Path:        p,
				Type:        models.ItemArtifact,
				Size:        f.Size,
				SHA256:      f.SHA2,
				DownloadURL: "/" + r.Key + "/" + p,
			})
		}
	}
	return inv, nil
}

func (a *Artifactory) Fetch(ctx context.Context, e Entry) (io.ReadCloser, error) {
	return a.client.Open(ctx, e.DownloadURL)
}
