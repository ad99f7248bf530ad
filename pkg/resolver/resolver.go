// Package resolver implements the Config Resolver: it merges the
// user/global/skeleton/template layers into one effective per-node
// config, injects generated secrets into the aux store, computes
// derived fields, and persists the resulting artifacts.
package resolver

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/imdario/mergo"

	"github.com/nodefleet/controller/pkg/identity"
	"github.com/nodefleet/controller/pkg/metrics"
)

// Input describes one resolve request for a node.
type Input struct {
	Name         string
	DataDir      string
	TemplatesDir string
	// UserOverlay is the user-supplied overlay for this load. A nil or
	// empty overlay on a node with a persisted config.full.json takes
	// the fast path.
	UserOverlay map[string]any
	// Global is the operator-configured node_config_global layer.
	Global map[string]any
}

// Result is the effective, persisted configuration for a node.
type Result struct {
	Config map[string]any
	Aux    map[string]any
}

// Resolve produces the effective config for a node, persisting it and
// its companion artifacts, or — on the fast path — reads the previously
// resolved config verbatim.
func Resolve(in Input) (*Result, error) {
	fullPath := filepath.Join(in.DataDir, fullConfigFile)
	if len(in.UserOverlay) == 0 && fileExists(fullPath) {
		full, err := readJSONFile(fullPath)
		if err != nil {
			return nil, err
		}
		aux, err := readJSONFile(filepath.Join(in.DataDir, auxConfigFile))
		if err != nil {
			return nil, err
		}
		metrics.ConfigResolutionsTotal.WithLabelValues("fast").Inc()
		return &Result{Config: full, Aux: aux}, nil
	}

	layers := []map[string]any{in.UserOverlay, in.Global, Skeleton()}
	layers = normalizeLayers(layers)

	expanded, err := expandTemplates(layers, in.TemplatesDir)
	if err != nil {
		return nil, err
	}

	merged, err := deepMerge(expanded)
	if err != nil {
		return nil, err
	}

	aux, err := readJSONFile(filepath.Join(in.DataDir, auxConfigFile))
	if err != nil {
		return nil, err
	}
	if aux == nil {
		aux = map[string]any{}
	}

	if err := injectAux(merged, aux); err != nil {
		return nil, err
	}

	if err := deriveFields(merged, in.Name); err != nil {
		return nil, err
	}

	// cookie_exec is regenerated on every successful full resolve.
	cookie, err := randomHex(8)
	if err != nil {
		return nil, err
	}
	merged["cookie_exec"] = cookie

	if err := persist(in.DataDir, in.UserOverlay, aux, merged); err != nil {
		return nil, err
	}

	metrics.ConfigResolutionsTotal.WithLabelValues("full").Inc()
	return &Result{Config: merged, Aux: aux}, nil
}

func normalizeLayers(layers []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(layers))
	for _, l := range layers {
		if l == nil {
			l = map[string]any{}
		}
		out = append(out, l)
	}
	return out
}

// deepMerge folds layers from lowest precedence (end of the slice)
// toward highest (start), so earlier layers win on leaf conflicts while
// mappings merge recursively. Precedence is decided by key presence
// alone: an explicit false/0/"" leaf in a higher layer still replaces a
// lower layer's value, hence WithOverwriteWithEmptyValue on top of
// WithOverride.
func deepMerge(layers []map[string]any) (map[string]any, error) {
	merged := map[string]any{}
	for i := len(layers) - 1; i >= 0; i-- {
		if err := mergo.Merge(&merged, layers[i], mergo.WithOverride, mergo.WithOverwriteWithEmptyValue); err != nil {
			return nil, fmt.Errorf("resolver: merging layer %d: %w", i, err)
		}
	}
	return merged, nil
}

// injectAux fills rnode_conf.casper.validator-private-key and
// rnode_tls_key from the aux store, generating and persisting a fresh
// value the first time either is needed. Once a secret exists in aux it
// is never regenerated.
func injectAux(merged, aux map[string]any) error {
	for _, path := range auxPaths {
		if _, ok := getPath(merged, path); ok {
			continue
		}

		if v, ok := getPath(aux, path); ok {
			setPath(merged, path, v)
			continue
		}

		value, err := generateSecret(path)
		if err != nil {
			return err
		}
		setPath(aux, path, value)
		setPath(merged, path, value)
	}
	return nil
}

func generateSecret(path string) (string, error) {
	switch path {
	case "rnode_tls_key":
		pemKey, _, err := identity.GenerateTLSKeypair()
		if err != nil {
			return "", fmt.Errorf("resolver: generating tls key: %w", err)
		}
		return pemKey, nil
	default:
		return randomHex(32)
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("resolver: generating random value: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// deriveFields fills rnode_id, resources_name, hostname, and rnode_addr
// when absent after merge+aux.
func deriveFields(merged map[string]any, name string) error {
	if _, ok := merged["rnode_id"]; !ok {
		pemKey, _ := merged["rnode_tls_key"].(string)
		id, err := identity.NodeIDOf(pemKey)
		if err != nil {
			return fmt.Errorf("resolver: deriving rnode_id: %w", err)
		}
		merged["rnode_id"] = id
	}

	if _, ok := merged["resources_name"]; !ok {
		prefix, _ := merged["resources_name_prefix"].(string)
		merged["resources_name"] = prefix + name
	}

	if _, ok := merged["hostname"]; !ok {
		suffix, _ := merged["hostname_suffix"].(string)
		merged["hostname"] = name + suffix
	}

	if hostname, _ := merged["hostname"].(string); !strings.HasSuffix(hostname, ".") {
		merged["hostname"] = hostname + "."
	}

	if _, ok := merged["rnode_addr"]; !ok {
		hostname, _ := merged["hostname"].(string)
		rnodeID, _ := merged["rnode_id"].(string)
		port := nestedNumberField(merged, "rnode_conf", "server", "port")
		kademliaPort := nestedNumberField(merged, "rnode_conf", "server", "port-kademlia")
		merged["rnode_addr"] = fmt.Sprintf(
			"rnode://%s@%s?protocol=%s&discovery=%s",
			rnodeID, hostname, port, kademliaPort,
		)
	}

	return nil
}

func nestedNumberField(merged map[string]any, outer, group, key string) string {
	outerSection, _ := merged[outer].(map[string]any)
	if outerSection == nil {
		return ""
	}
	section, _ := outerSection[group].(map[string]any)
	if section == nil {
		return ""
	}
	switch v := section[key].(type) {
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	default:
		return ""
	}
}
