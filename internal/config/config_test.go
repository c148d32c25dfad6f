package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("STORAGE_PROVIDER", "memory")
	defer os.Unsetenv("STORAGE_PROVIDER")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Server.Listen != ":8080" {
		t.Errorf("Expected default listen :8080, got %s", cfg.Server.Listen)
	}
	if cfg.Cache.DefaultMaxAge != 24*time.Hour {
		t.Errorf("Expected default cache max age 24h, got %v", cfg.Cache.DefaultMaxAge)
	}
	if cfg.Cache.DataPrefix != "cache/data/" {
		t.Errorf("Expected default data prefix cache/data/, got %s", cfg.Cache.DataPrefix)
	}
	if cfg.Users.Path != "cache/users.json" {
		t.Errorf("Expected default users path cache/users.json, got %s", cfg.Users.Path)
	}
	if cfg.Users.RefreshInterval != 5*time.Minute {
		t.Errorf("Expected default refresh interval 5m, got %v", cfg.Users.RefreshInterval)
	}
	if cfg.Users.CredentialPolicy != "plaintext" {
		t.Errorf("Expected default credential policy plaintext, got %s", cfg.Users.CredentialPolicy)
	}
	if cfg.Session.DefaultTTL != 24*time.Hour {
		t.Errorf("Expected default session TTL 24h, got %v", cfg.Session.DefaultTTL)
	}
	if cfg.Session.RememberTTL != 720*time.Hour {
		t.Errorf("Expected remember session TTL 720h, got %v", cfg.Session.RememberTTL)
	}
	if cfg.Session.Prefix != "cache/sessions/" {
		t.Errorf("Expected default session prefix cache/sessions/, got %s", cfg.Session.Prefix)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Setenv("STORAGE_PROVIDER", "filesystem")
	os.Setenv("FS_BASE_DIR", "/tmp/objects")
	os.Setenv("SERVER_LISTEN", ":9090")
	os.Setenv("SESSION_DEFAULT_TTL", "12h")
	defer func() {
		os.Unsetenv("STORAGE_PROVIDER")
		os.Unsetenv("FS_BASE_DIR")
		os.Unsetenv("SERVER_LISTEN")
		os.Unsetenv("SESSION_DEFAULT_TTL")
	}()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Server.Listen != ":9090" {
		t.Errorf("Expected listen :9090, got %s", cfg.Server.Listen)
	}
	if cfg.Storage.FileSystem == nil || cfg.Storage.FileSystem.BaseDir != "/tmp/objects" {
		t.Errorf("Expected filesystem base dir /tmp/objects, got %+v", cfg.Storage.FileSystem)
	}
	if cfg.Session.DefaultTTL != 12*time.Hour {
		t.Errorf("Expected session TTL 12h, got %v", cfg.Session.DefaultTTL)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"s3 without bucket", map[string]string{"STORAGE_PROVIDER": "s3"}},
		{"azure without container", map[string]string{"STORAGE_PROVIDER": "azure"}},
		{"azure without credentials", map[string]string{
			"STORAGE_PROVIDER": "azure",
			"AZURE_CONTAINER":  "variant",
		}},
		{"filesystem without base dir", map[string]string{"STORAGE_PROVIDER": "filesystem"}},
		{"unknown provider", map[string]string{"STORAGE_PROVIDER": "carrier-pigeon"}},
		{"bad credential policy", map[string]string{
			"STORAGE_PROVIDER":        "memory",
			"USERS_CREDENTIAL_POLICY": "md5",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				os.Setenv(k, v)
			}
			defer func() {
				for k := range tc.env {
					os.Unsetenv(k)
				}
			}()

			if _, err := Load(""); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}
