package resolver

// Skeleton returns the fixed, lowest-precedence default layer every
// resolve starts from.
func Skeleton() map[string]any {
	return map[string]any{
		"rnode_conf": map[string]any{
			"server": map[string]any{
				"port":          float64(40400),
				"port-kademlia": float64(40404),
			},
			"grpc": map[string]any{
				"port-external": float64(40401),
			},
		},
		"hostname_suffix":        ".",
		"hostname_ttl":           float64(300),
		"resources_name_prefix":  "",
		"templates":              []any{},
		"timeout_heartbeat":      float64(300),
		"timeout_start_rnode":    float64(300),
		"timeout_start_host":     float64(300),
		"host_metadata":          map[string]any{},
		"compute_timeout":        float64(600),
		// rnode_package_url is operator-configured; empty means the node
		// agent falls back to its baked-in package source.
		"rnode_package_url": "",
	}
}

// auxPaths are the dotted paths the resolver injects from (or into) the
// aux secret store whenever the merged config lacks a value there.
var auxPaths = []string{
	"rnode_conf.casper.validator-private-key",
	"rnode_tls_key",
}
