// Package secrets seals source-registry credentials at rest and hands them
// back only as a capability that can authorize requests.
package secrets

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
)

const (
	keySize   = 32
	nonceSize = 24
)

// ErrDecrypt is returned when a sealed blob cannot be opened with the vault key.
var ErrDecrypt = errors.New("secrets: cannot open sealed credentials")

// Credentials is the plaintext form accepted from callers on create/update.
type Credentials struct {
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Validate checks the fields required by the auth type.
func (c Credentials) Validate(auth models.AuthType) error {
	switch auth {
	case models.AuthAPIToken:
		if c.Token == "" {
			return &models.ValidationError{Field: "credentials.token", Reason: "is required for api_token"}
		}
	case models.AuthBasicAuth:
		if c.Username == "" || c.Password == "" {
			return &models.ValidationError{Field: "credentials", Reason: "username and password are required for basic_auth"}
		}
	default:
		return &models.ValidationError{Field: "auth_type", Reason: "must be api_token or basic_auth"}
	}
	return nil
}

// Empty reports whether no credential field was supplied.
func (c Credentials) Empty() bool {
	return c.Token == "" && c.Username == "" && c.Password == ""
}

// Credential authorizes outgoing requests without exposing the secret.
type Credential interface {
	Authorize(req *http.Request)
}

type tokenCredential struct{ token string }

func (t tokenCredential) Authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+t.token)
}

type basicCredential struct{ username, password string }

func (b basicCredential) Authorize(req *http.Request) {
	req.SetBasicAuth(b.username, b.password)
}

type anonymous struct{}

func (anonymous) Authorize(*http.Request) {}

// Anonymous is a credential that leaves requests untouched.
var Anonymous Credential = anonymous{}

// Vault seals and opens credentials with a single symmetric key.
type Vault struct {
	key [keySize]byte
}

// NewVault builds a vault from a 32-byte key.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("secrets: key must be %d bytes, got %d", keySize, len(key))
	}
	v := &Vault{}
	copy(v.key[:], key)
	return v, nil
}

// LoadOrCreateKey reads the key file at path, creating it with random bytes
// on first use.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != keySize {
			return nil, fmt.Errorf("secrets: key file %s has %d bytes, want %d", path, len(key), keySize)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	key = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return key, nil
}

// Seal encrypts creds; the nonce is prepended to the box.
func (v *Vault) Seal(creds Credentials) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshaling credentials: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &v.key), nil
}

// Open decrypts a sealed blob into a capability for the given auth type.
func (v *Vault) Open(auth models.AuthType, sealed []byte) (Credential, error) {
	if len(sealed) == 0 {
		return Anonymous, nil
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		return nil, ErrDecrypt
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, ErrDecrypt
	}
	switch auth {
	case models.AuthBasicAuth:
		return basicCredential{username: creds.Username, password: creds.Password}, nil
	default:
		return tokenCredential{token: creds.Token}, nil
	}
}
