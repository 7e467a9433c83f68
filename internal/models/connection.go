package models

import (
	"net/url"
	"strings"
	"time"
)

// RegistryKind identifies the flavour of a source registry.
type RegistryKind string

const (
	KindArtifactory RegistryKind = "artifactory"
	KindNexus       RegistryKind = "nexus"
)

// AuthType is how the workbench authenticates against a source registry.
type AuthType string

const (
	AuthAPIToken  AuthType = "api_token"
	AuthBasicAuth AuthType = "basic_auth"
)

// Connection represents a user-configured source registry.
// Sealed credentials are stored alongside but never serialized.
type Connection struct {
	ID            string       `json:"id" gorm:"column:id;primaryKey"`
	Name          string       `json:"name" gorm:"column:name;not null;uniqueIndex"`
	URL           string       `json:"url" gorm:"column:url;not null"`
	Kind          RegistryKind `json:"kind" gorm:"column:kind;not null"`
	AuthType      AuthType     `json:"auth_type" gorm:"column:auth_type;not null"`
	Credentials   []byte       `json:"-" gorm:"column:credentials_enc"`
	Insecure      bool         `json:"insecure" gorm:"column:insecure"` // skip TLS verification
	RemoteVersion string       `json:"remote_version,omitempty" gorm:"column:remote_version"`
	VerifiedAt    *time.Time   `json:"verified_at" gorm:"column:verified_at"`
	CreatedAt     time.Time    `json:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time    `json:"updated_at" gorm:"column:updated_at"`

	HasCredentials bool `json:"has_credentials" gorm:"-"`
}

func (Connection) TableName() string { return "connections" }

// BaseURL returns the endpoint without a trailing slash.
func (c *Connection) BaseURL() string {
	return strings.TrimRight(c.URL, "/")
}

// Verified reports whether the connection has passed at least one test.
func (c *Connection) Verified() bool {
	return c.VerifiedAt != nil
}

// ValidateEndpoint checks that raw is an absolute http(s) URL with a host.
func ValidateEndpoint(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ValidationError{Field: "url", Reason: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "url", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}
	if u.Host == "" || u.Hostname() == "" {
		return &ValidationError{Field: "url", Reason: "host is required"}
	}
	return nil
}

// ParseRegistryKind returns the kind for s, defaulting to Artifactory when empty.
func ParseRegistryKind(s string) (RegistryKind, error) {
	switch RegistryKind(strings.ToLower(s)) {
	case "", KindArtifactory:
		return KindArtifactory, nil
	case KindNexus:
		return KindNexus, nil
	}
	return "", &ValidationError{Field: "kind", Reason: "unknown registry kind " + s}
}

// ParseAuthType validates s as an AuthType.
func ParseAuthType(s string) (AuthType, error) {
	switch AuthType(s) {
	case AuthAPIToken, AuthBasicAuth:
		return AuthType(s), nil
	}
	return "", &ValidationError{Field: "auth_type", Reason: "must be api_token or basic_auth"}
}
