package models

import (
	"errors"
	"testing"
)

func TestBaseURL(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		expect string
	}{
		{"no trailing slash", "https://artifactory.lab.local/artifactory", "https://artifactory.lab.local/artifactory"},
		{"trailing slash", "https://nexus.lab.local/", "https://nexus.lab.local"},
		{"custom port", "http://localhost:8081//", "http://localhost:8081"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &Connection{URL: tc.url}
			if got := c.BaseURL(); got != tc.expect {
				t.Errorf("BaseURL() = %q, want %q", got, tc.expect)
			}
		})
	}
}

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		valid bool
	}{
		{"https", "https://artifactory.lab.local/artifactory", true},
		{"http with port", "http://localhost:8081", true},
		{"empty", "  ", false},
		{"relative", "/artifactory", false},
		{"ftp", "ftp://files.lab.local", false},
		{"no host", "https://", false},
		{"garbage", "http://[::1", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEndpoint(tc.raw)
			if tc.valid {
				if err != nil {
					t.Errorf("ValidateEndpoint(%q) = %v, want nil", tc.raw, err)
				}
				return
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) || vErr.Field != "url" {
				t.Errorf("ValidateEndpoint(%q) = %v, want url ValidationError", tc.raw, err)
			}
		})
	}
}

func TestParseRegistryKind(t *testing.T) {
	tests := []struct {
		in     string
		expect RegistryKind
		ok     bool
	}{
		{"", KindArtifactory, true},
		{"artifactory", KindArtifactory, true},
		{"Nexus", KindNexus, true},
		{"quay", "", false},
	}
	for _, tc := range tests {
		got, err := ParseRegistryKind(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("ParseRegistryKind(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.expect {
			t.Errorf("ParseRegistryKind(%q) = %q, want %q", tc.in, got, tc.expect)
		}
	}
}

func TestParseAuthType(t *testing.T) {
	for _, s := range []string{"api_token", "basic_auth"} {
		if _, err := ParseAuthType(s); err != nil {
			t.Errorf("ParseAuthType(%q) = %v", s, err)
		}
	}
	if _, err := ParseAuthType("oauth"); err == nil {
		t.Error("ParseAuthType(oauth) succeeded")
	}
}

func TestVerified(t *testing.T) {
	c := &Connection{}
	if c.Verified() {
		t.Error("new connection reports verified")
	}
}
