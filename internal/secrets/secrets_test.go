package secrets

import (
	"bytes"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(bytes.Repeat([]byte{7}, keySize))
	require.NoError(t, err)
	return v
}

func TestVault_SealOpenToken(t *testing.T) {
	v := testVault(t)
	sealed, err := v.Seal(Credentials{Token: "t1"})
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "t1")

	cred, err := v.Open(models.AuthAPIToken, sealed)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "http://example.com", nil)
	cred.Authorize(req)
	assert.Equal(t, "Bearer t1", req.Header.Get("Authorization"))
}

func TestVault_SealOpenBasic(t *testing.T) {
	v := testVault(t)
	sealed, err := v.Seal(Credentials{Username: "admin", Password: "secret"})
	require.NoError(t, err)

	cred, err := v.Open(models.AuthBasicAuth, sealed)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "http://example.com", nil)
	cred.Authorize(req)
	user, pass, ok := req.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "secret", pass)
}

func TestVault_OpenWrongKey(t *testing.T) {
	sealed, err := testVault(t).Seal(Credentials{Token: "t1"})
	require.NoError(t, err)

	other, err := NewVault(bytes.Repeat([]byte{9}, keySize))
	require.NoError(t, err)
	_, err = other.Open(models.AuthAPIToken, sealed)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = other.Open(models.AuthAPIToken, []byte("short"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewVault_KeySize(t *testing.T) {
	_, err := NewVault([]byte("too short"))
	assert.Error(t, err)
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "secret.key")
	first, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Len(t, first, keySize)

	second, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCredentials_Validate(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		auth    models.AuthType
		wantErr bool
	}{
		{"token ok", Credentials{Token: "t"}, models.AuthAPIToken, false},
		{"token missing", Credentials{}, models.AuthAPIToken, true},
		{"basic ok", Credentials{Username: "u", Password: "p"}, models.AuthBasicAuth, false},
		{"basic missing password", Credentials{Username: "u"}, models.AuthBasicAuth, true},
		{"unknown auth", Credentials{Token: "t"}, models.AuthType("oauth"), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.creds.Validate(tc.auth)
			if tc.wantErr {
				var verr *models.ValidationError
				assert.ErrorAs(t, err, &verr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
