package resolver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDirs(t *testing.T) (dataDir, templatesDir string) {
	t.Helper()
	root := t.TempDir()
	dataDir = filepath.Join(root, "node")
	templatesDir = filepath.Join(root, "templates")
	require.NoError(t, os.MkdirAll(templatesDir, 0o700))
	return dataDir, templatesDir
}

func TestResolveDerivesFieldsOnFirstResolve(t *testing.T) {
	dataDir, templatesDir := newTestDirs(t)

	result, err := Resolve(Input{
		Name:         "node-a",
		DataDir:      dataDir,
		TemplatesDir: templatesDir,
		UserOverlay:  map[string]any{},
	})
	require.NoError(t, err)

	require.Equal(t, "node-a.", result.Config["hostname"])
	require.Len(t, result.Config["rnode_id"], 40)
	require.Contains(t, result.Config["rnode_addr"], "rnode://")
	require.Contains(t, result.Config["rnode_addr"], "node-a.")
	require.Contains(t, result.Config["rnode_addr"], "protocol=40400")
	require.Contains(t, result.Config["rnode_addr"], "discovery=40404")
	require.NotEmpty(t, result.Config["cookie_exec"])

	require.FileExists(t, filepath.Join(dataDir, fullConfigFile))
	require.FileExists(t, filepath.Join(dataDir, auxConfigFile))
	require.FileExists(t, filepath.Join(dataDir, "files", "rnode.conf"))
	require.FileExists(t, filepath.Join(dataDir, "files", "node.key.pem"))
	require.NoFileExists(t, filepath.Join(dataDir, userConfigFile))
}

func TestResolveSecretStability(t *testing.T) {
	dataDir, templatesDir := newTestDirs(t)

	first, err := Resolve(Input{Name: "node-a", DataDir: dataDir, TemplatesDir: templatesDir,
		UserOverlay: map[string]any{"x": "1"}})
	require.NoError(t, err)
	firstKey := first.Config["rnode_tls_key"]

	second, err := Resolve(Input{Name: "node-a", DataDir: dataDir, TemplatesDir: templatesDir,
		UserOverlay: map[string]any{"x": "2"}})
	require.NoError(t, err)

	require.Equal(t, firstKey, second.Config["rnode_tls_key"])
}

func TestResolveCookieExecRegeneratesEveryFullResolve(t *testing.T) {
	dataDir, templatesDir := newTestDirs(t)

	first, err := Resolve(Input{Name: "node-a", DataDir: dataDir, TemplatesDir: templatesDir,
		UserOverlay: map[string]any{"x": "1"}})
	require.NoError(t, err)

	second, err := Resolve(Input{Name: "node-a", DataDir: dataDir, TemplatesDir: templatesDir,
		UserOverlay: map[string]any{"x": "2"}})
	require.NoError(t, err)

	require.NotEqual(t, first.Config["cookie_exec"], second.Config["cookie_exec"])
}

func TestResolveFastPathSkipsReresolve(t *testing.T) {
	dataDir, templatesDir := newTestDirs(t)

	first, err := Resolve(Input{Name: "node-a", DataDir: dataDir, TemplatesDir: templatesDir,
		UserOverlay: map[string]any{"x": "1"}})
	require.NoError(t, err)

	second, err := Resolve(Input{Name: "node-a", DataDir: dataDir, TemplatesDir: templatesDir})
	require.NoError(t, err)

	require.Equal(t, first.Config["cookie_exec"], second.Config["cookie_exec"])
	require.Equal(t, first.Config["rnode_tls_key"], second.Config["rnode_tls_key"])
}

func TestResolveUserOverlayWins(t *testing.T) {
	dataDir, templatesDir := newTestDirs(t)

	result, err := Resolve(Input{
		Name:         "node-a",
		DataDir:      dataDir,
		TemplatesDir: templatesDir,
		UserOverlay:  map[string]any{"hostname_suffix": ".custom."},
	})
	require.NoError(t, err)
	require.Equal(t, "node-a.custom.", result.Config["hostname"])
}

func TestResolveExplicitZeroValueOverrides(t *testing.T) {
	dataDir, templatesDir := newTestDirs(t)

	result, err := Resolve(Input{
		Name:         "node-a",
		DataDir:      dataDir,
		TemplatesDir: templatesDir,
		Global:       map[string]any{"data_disk_ssd": true},
		UserOverlay: map[string]any{
			"hostname_ttl":  float64(0),
			"data_disk_ssd": false,
		},
	})
	require.NoError(t, err)
	require.Equal(t, float64(0), result.Config["hostname_ttl"],
		"an explicit zero must replace a lower-precedence default")
	require.Equal(t, false, result.Config["data_disk_ssd"],
		"an explicit false must replace a lower-precedence true")
}

func TestResolveHostnameTerminatorAppliesToSuppliedHostname(t *testing.T) {
	dataDir, templatesDir := newTestDirs(t)

	result, err := Resolve(Input{
		Name:         "node-a",
		DataDir:      dataDir,
		TemplatesDir: templatesDir,
		UserOverlay:  map[string]any{"hostname": "node-a.example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, "node-a.example.com.", result.Config["hostname"],
		"a hostname supplied without a trailing dot must still get one appended")
}

func TestResolvePersistsPortsIntoRnodeConf(t *testing.T) {
	dataDir, templatesDir := newTestDirs(t)

	_, err := Resolve(Input{
		Name:         "node-a",
		DataDir:      dataDir,
		TemplatesDir: templatesDir,
		UserOverlay:  map[string]any{},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dataDir, "files", "rnode.conf"))
	require.NoError(t, err)

	var rnodeConf map[string]any
	require.NoError(t, json.Unmarshal(raw, &rnodeConf))

	server, ok := rnodeConf["server"].(map[string]any)
	require.True(t, ok, "files/rnode.conf must carry the server port block the node agent needs")
	require.Equal(t, float64(40400), server["port"])
	require.Equal(t, float64(40404), server["port-kademlia"])

	grpc, ok := rnodeConf["grpc"].(map[string]any)
	require.True(t, ok, "files/rnode.conf must carry the grpc port block the node agent needs")
	require.Equal(t, float64(40401), grpc["port-external"])

	casper, ok := rnodeConf["casper"].(map[string]any)
	require.True(t, ok)
	require.NotEmpty(t, casper["validator-private-key"])
}

func TestResolveTemplateExpansionIsFixedPoint(t *testing.T) {
	_, templatesDir := newTestDirs(t)

	tplA := `{"templates": ["b"], "color": "red"}`
	tplB := `{"shape": "circle"}`
	require.NoError(t, os.WriteFile(filepath.Join(templatesDir, "a.json"), []byte(tplA), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(templatesDir, "b.json"), []byte(tplB), 0o600))

	layers := []map[string]any{
		{"templates": []any{"a"}},
	}
	once, err := expandTemplates(layers, templatesDir)
	require.NoError(t, err)

	twice, err := expandTemplates(once, templatesDir)
	require.NoError(t, err)

	onceMerged, err := deepMerge(once)
	require.NoError(t, err)
	twiceMerged, err := deepMerge(twice)
	require.NoError(t, err)
	require.Equal(t, onceMerged, twiceMerged)
}

func TestResolveMissingTemplateIsFatal(t *testing.T) {
	dataDir, templatesDir := newTestDirs(t)
	_ = dataDir

	layers := []map[string]any{
		{"templates": []any{"does-not-exist"}},
	}
	_, err := expandTemplates(layers, templatesDir)
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestDottedPathGetSet(t *testing.T) {
	tree := map[string]any{}
	setPath(tree, "a.b.c", "value")

	v, ok := getPath(tree, "a.b.c")
	require.True(t, ok)
	require.Equal(t, "value", v)

	_, ok = getPath(tree, "a.b.missing")
	require.False(t, ok)
}
