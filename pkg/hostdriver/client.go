package hostdriver

import (
	"context"
	"time"

	"github.com/miekg/dns"
	compute "google.golang.org/api/compute/v1"
)

// CloudClient is the seam the Host Driver drives: one primitive per
// cloud-side resource kind. A production implementation wraps the GCP
// compute and DNS APIs (see gcpclient.go); tests swap in an in-memory
// fake. Every call blocks; callers go through workpool.Submit so a slow
// call never blocks the scheduler.
type CloudClient interface {
	// EnsureAddress reserves an external address named name in zone,
	// returning its IP literal. Absorbs CloudError{Kind: KindExists}.
	EnsureAddress(ctx context.Context, zone, name string) (string, error)
	// ReleaseAddress releases a reserved address. Absorbs KindNotFound.
	ReleaseAddress(ctx context.Context, zone, name string) error

	// EnsureDNSRecord creates an A record in zone for rr.Hdr.Name with
	// rr.Hdr.Ttl pointing at rr.A if none exists; an existing record is
	// left as it is. Absorbs KindExists.
	EnsureDNSRecord(ctx context.Context, zone string, rr *dns.A) error
	// DeleteDNSRecord removes the A record named fqdn from zone.
	// Absorbs KindNotFound.
	DeleteDNSRecord(ctx context.Context, zone, fqdn string) error

	// EnsureDisk creates a persistent disk if absent. Absorbs KindExists.
	EnsureDisk(ctx context.Context, zone string, disk *compute.Disk) error
	// DeleteDisk destroys a persistent disk. Absorbs KindNotFound.
	DeleteDisk(ctx context.Context, zone, name string) error

	// EnsureInstance creates a compute instance if absent. Absorbs
	// KindExists.
	EnsureInstance(ctx context.Context, zone string, inst *compute.Instance) error
	// AttachDisk attaches disk to instance. Absorbs KindInUse.
	AttachDisk(ctx context.Context, zone, instance, disk string) error
	// SetTags overwrites an instance's network tags.
	SetTags(ctx context.Context, zone, instance string, tags []string) error
	// SetMetadata overwrites an instance's metadata key/value pairs.
	SetMetadata(ctx context.Context, zone, instance string, metadata map[string]string) error
	// StartInstance starts a stopped instance. Absorbs nothing; an
	// already-running instance is expected to be a no-op success from
	// the underlying API.
	StartInstance(ctx context.Context, zone, instance string) error
	// StopInstance stops a running instance. Absorbs KindNotFound.
	StopInstance(ctx context.Context, zone, instance string) error
	// DeleteInstance destroys an instance and its boot disk. Absorbs
	// KindNotFound.
	DeleteInstance(ctx context.Context, zone, instance string) error
}

// Config is the subset of a node's resolved config the Host Driver
// consumes, extracted from the generic config tree by ConfigFromMap.
type Config struct {
	ResourcesName  string
	Hostname       string
	HostnameTTL    int
	ComputeZone    string
	DNSZone        string
	DataDiskSizeGB int64
	DataDiskSSD    bool
	MachineType    string
	BootImage      string
	ComputeNet     string
	ComputeSubnet  string
	ComputeTags    []string
	Metadata       map[string]string
	ComputeTimeout time.Duration
}

// DiskName is the data disk name derived from ResourcesName.
func (c Config) DiskName() string { return c.ResourcesName + "-data" }

// ConfigFromMap extracts a Config from a resolved generic config tree.
func ConfigFromMap(m map[string]any) Config {
	c := Config{
		ResourcesName:  stringField(m, "resources_name"),
		Hostname:       stringField(m, "hostname"),
		HostnameTTL:    int(numberField(m, "hostname_ttl", 300)),
		ComputeZone:    stringField(m, "cloud_compute_zone"),
		DNSZone:        stringField(m, "cloud_dns_zone"),
		DataDiskSizeGB: int64(numberField(m, "data_disk_size", 10)),
		DataDiskSSD:    boolField(m, "data_disk_ssd"),
		MachineType:    stringField(m, "machine_type"),
		BootImage:      stringField(m, "boot_image"),
		ComputeNet:     stringField(m, "cloud_compute_net"),
		ComputeSubnet:  stringField(m, "cloud_compute_subnet"),
		ComputeTimeout: time.Duration(numberField(m, "compute_timeout", 600)) * time.Second,
	}

	if tags, ok := m["cloud_compute_tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				c.ComputeTags = append(c.ComputeTags, s)
			}
		}
	}

	c.Metadata = map[string]string{}
	if meta, ok := m["host_metadata"].(map[string]any); ok {
		for k, v := range meta {
			if s, ok := v.(string); ok {
				c.Metadata[k] = s
			}
		}
	}

	return c
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func numberField(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}
