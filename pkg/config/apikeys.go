package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// APIKeyEntry is one static credential from the API key file.
type APIKeyEntry struct {
	Key       string   `yaml:"key"`
	TenantID  string   `yaml:"tenant_id"`
	Principal string   `yaml:"principal"`
	Roles     []string `yaml:"roles,omitempty"`
}

type apiKeyFile struct {
	Keys []APIKeyEntry `yaml:"keys"`
}

// LoadAPIKeys reads the YAML API key file. Every entry must carry a key,
// a tenant binding, and a principal.
func LoadAPIKeys(path string) ([]APIKeyEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load api keys %q: %w", path, err)
	}

	var file apiKeyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse api keys %q: %w", path, err)
	}

	for i, entry := range file.Keys {
		if entry.Key == "" || entry.TenantID == "" || entry.Principal == "" {
			return nil, fmt.Errorf("api key entry %d: key, tenant_id and principal are required", i)
		}
	}
	return file.Keys, nil
}
