// Package secrets resolves the cookie signing secret: static config
// first, then Vault when enabled, then a generated ephemeral value as a
// last resort.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/sirupsen/logrus"

	"github.com/variantgroup/variant-analytics/internal/config"
)

// CookieSecret returns the secret used to sign session cookies. An
// ephemeral secret means cookies stop validating after a restart, so the
// fallback is loudly logged.
func CookieSecret(cfg *config.Config) ([]byte, error) {
	logger := logrus.WithField("component", "secrets")

	if cfg.Session.CookieSecret != "" {
		return []byte(cfg.Session.CookieSecret), nil
	}

	if cfg.Vault.Enabled {
		secret, err := readVaultSecret(cfg.Vault)
		if err != nil {
			return nil, fmt.Errorf("failed to read cookie secret from Vault: %w", err)
		}
		logger.Info("cookie secret loaded from Vault")
		return secret, nil
	}

	ephemeral := make([]byte, 32)
	if _, err := rand.Read(ephemeral); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral secret: %w", err)
	}
	logger.Warn("no cookie secret configured, using an ephemeral one; sessions will not survive a restart")
	return []byte(base64.StdEncoding.EncodeToString(ephemeral)), nil
}

func readVaultSecret(cfg config.VaultConfig) ([]byte, error) {
	clientCfg := vaultapi.DefaultConfig()
	if cfg.Address != "" {
		clientCfg.Address = cfg.Address
	}

	client, err := vaultapi.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	token, err := resolveVaultToken(cfg)
	if err != nil {
		return nil, err
	}
	client.SetToken(token)

	secret, err := client.Logical().Read(cfg.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", cfg.SecretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret at %s", cfg.SecretPath)
	}

	data := secret.Data
	// KV v2 nests the payload under "data".
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	value, ok := data[cfg.SecretKey].(string)
	if !ok || value == "" {
		return nil, fmt.Errorf("secret at %s has no %q key", cfg.SecretPath, cfg.SecretKey)
	}
	return []byte(value), nil
}

func resolveVaultToken(cfg config.VaultConfig) (string, error) {
	if cfg.Token != "" {
		return cfg.Token, nil
	}
	if cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return "", fmt.Errorf("failed to read Vault token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("no Vault token configured")
}
