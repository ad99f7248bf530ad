package resolver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	userConfigFile = "config.user.json"
	auxConfigFile  = "config.aux.json"
	fullConfigFile = "config.full.json"
	rnodeConfFile  = "files/rnode.conf"
	nodeKeyFile    = "files/node.key.pem"
)

func readJSONFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("resolver: parsing %s: %w", path, err)
	}
	return m, nil
}

func writeJSONFile(path string, data map[string]any) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("resolver: marshaling %s: %w", path, err)
	}
	return os.WriteFile(path, raw, 0o600)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func ensureDirs(dataDir, filesDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("resolver: creating data dir: %w", err)
	}
	if err := os.MkdirAll(filesDir, 0o700); err != nil {
		return fmt.Errorf("resolver: creating files dir: %w", err)
	}
	return nil
}

// persist writes the five artifacts a successful full resolve produces.
func persist(dataDir string, userOverlay, aux, full map[string]any) error {
	filesDir := filepath.Join(dataDir, "files")
	if err := ensureDirs(dataDir, filesDir); err != nil {
		return err
	}

	if len(userOverlay) > 0 {
		if err := writeJSONFile(filepath.Join(dataDir, userConfigFile), userOverlay); err != nil {
			return err
		}
	}

	if err := writeJSONFile(filepath.Join(dataDir, auxConfigFile), aux); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(dataDir, fullConfigFile), full); err != nil {
		return err
	}

	rnodeConf, _ := full["rnode_conf"].(map[string]any)
	if rnodeConf == nil {
		rnodeConf = map[string]any{}
	}
	if err := writeJSONFile(filepath.Join(dataDir, rnodeConfFile), rnodeConf); err != nil {
		return err
	}

	keyPEM, _ := full["rnode_tls_key"].(string)
	if err := os.WriteFile(filepath.Join(dataDir, nodeKeyFile), []byte(keyPEM), 0o600); err != nil {
		return fmt.Errorf("resolver: writing node key: %w", err)
	}

	return nil
}
