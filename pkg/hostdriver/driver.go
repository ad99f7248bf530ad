// Package hostdriver implements the Host Driver (C1): idempotent
// reconciliation of one node's cloud resources — reserved address, DNS
// A record, persistent data disk, compute instance, attach, tags,
// metadata, and graded start/stop/destroy.
package hostdriver

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	compute "google.golang.org/api/compute/v1"

	"github.com/nodefleet/controller/pkg/log"
	"github.com/nodefleet/controller/pkg/workpool"
)

// CleanLevel grades how much of a node's cloud footprint a stop tears
// down. The levels are strictly ordered: STOP < HOST < DATA < ALL.
type CleanLevel int

const (
	// CleanStop stops the instance only.
	CleanStop CleanLevel = iota
	// CleanHost stops and destroys the instance (and its boot disk);
	// the data disk, DNS record, and address survive.
	CleanHost
	// CleanData additionally destroys the data disk.
	CleanData
	// CleanAll additionally deletes the DNS record and releases the
	// address.
	CleanAll
)

func (c CleanLevel) String() string {
	switch c {
	case CleanStop:
		return "stop"
	case CleanHost:
		return "host"
	case CleanData:
		return "data"
	case CleanAll:
		return "all"
	default:
		return "unknown"
	}
}

// Driver reconciles one node's cloud resources against a CloudClient,
// offloading every blocking call through a workpool.Pool.
type Driver struct {
	client CloudClient
	pool   *workpool.Pool
}

// New creates a Driver bound to client, offloading calls through pool.
func New(client CloudClient, pool *workpool.Pool) *Driver {
	return &Driver{client: client, pool: pool}
}

// Start reconciles the node to running. Each step absorbs the
// idempotent-exists/in-use signal named in its doc comment; any other
// error aborts the run.
func (d *Driver) Start(ctx context.Context, cfg Config) error {
	runID := uuid.New().String()
	logger := log.WithComponent("hostdriver").With().
		Str("run_id", runID).
		Str("resources_name", cfg.ResourcesName).
		Logger()
	logger.Info().Msg("starting host reconciliation")

	stepCtx, cancel := context.WithTimeout(ctx, cfg.ComputeTimeout)
	defer cancel()

	addr, err := d.ensureAddress(stepCtx, cfg, logger)
	if err != nil {
		return err
	}
	if err := d.ensureDNS(stepCtx, cfg, addr, logger); err != nil {
		return err
	}
	if err := d.ensureDisk(stepCtx, cfg, logger); err != nil {
		return err
	}
	if err := d.ensureInstance(stepCtx, cfg, addr, logger); err != nil {
		return err
	}
	if err := d.attachDisk(stepCtx, cfg, logger); err != nil {
		return err
	}
	if err := d.setTagsAndMetadata(stepCtx, cfg, logger); err != nil {
		return err
	}
	if err := workpool.SubmitErr(stepCtx, d.pool, func() error {
		return d.client.StartInstance(stepCtx, cfg.ComputeZone, cfg.ResourcesName)
	}); err != nil {
		return fmt.Errorf("hostdriver: start instance: %w", err)
	}

	logger.Info().Msg("host reconciliation complete")
	return nil
}

func (d *Driver) ensureAddress(ctx context.Context, cfg Config, logger zerolog.Logger) (string, error) {
	addr, err := workpool.Submit(ctx, d.pool, func() (string, error) {
		return d.client.EnsureAddress(ctx, cfg.ComputeZone, cfg.ResourcesName)
	})
	if err != nil && !absorbed(err, KindExists) {
		return "", fmt.Errorf("hostdriver: ensure address: %w", err)
	}
	logger.Debug().Str("address", addr).Msg("address ensured")
	return addr, nil
}

func (d *Driver) ensureDNS(ctx context.Context, cfg Config, addr string, logger zerolog.Logger) error {
	rr := &dns.A{
		Hdr: dns.RR_Header{Name: cfg.Hostname, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: uint32(cfg.HostnameTTL)},
	}
	if ip := net.ParseIP(addr); ip != nil {
		rr.A = ip
	}
	err := workpool.SubmitErr(ctx, d.pool, func() error {
		return d.client.EnsureDNSRecord(ctx, cfg.DNSZone, rr)
	})
	if err != nil && !absorbed(err, KindExists) {
		return fmt.Errorf("hostdriver: ensure dns record: %w", err)
	}
	logger.Debug().Str("hostname", cfg.Hostname).Msg("dns record ensured")
	return nil
}

func (d *Driver) ensureDisk(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	diskType := "pd-standard"
	if cfg.DataDiskSSD {
		diskType = "pd-ssd"
	}
	disk := &compute.Disk{
		Name:   cfg.DiskName(),
		SizeGb: cfg.DataDiskSizeGB,
		Type:   diskType,
	}
	err := workpool.SubmitErr(ctx, d.pool, func() error {
		return d.client.EnsureDisk(ctx, cfg.ComputeZone, disk)
	})
	if err != nil && !absorbed(err, KindExists) {
		return fmt.Errorf("hostdriver: ensure data disk: %w", err)
	}
	logger.Debug().Str("disk", disk.Name).Msg("data disk ensured")
	return nil
}

func (d *Driver) ensureInstance(ctx context.Context, cfg Config, addr string, logger zerolog.Logger) error {
	inst := &compute.Instance{
		Name:        cfg.ResourcesName,
		MachineType: cfg.MachineType,
		Disks: []*compute.AttachedDisk{{
			Boot: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: cfg.BootImage,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network:    cfg.ComputeNet,
			Subnetwork: cfg.ComputeSubnet,
			AccessConfigs: []*compute.AccessConfig{{
				Type:  "ONE_TO_ONE_NAT",
				NatIP: addr,
			}},
		}},
	}
	err := workpool.SubmitErr(ctx, d.pool, func() error {
		return d.client.EnsureInstance(ctx, cfg.ComputeZone, inst)
	})
	if err != nil && !absorbed(err, KindExists) {
		return fmt.Errorf("hostdriver: ensure instance: %w", err)
	}
	logger.Debug().Str("instance", inst.Name).Msg("instance ensured")
	return nil
}

func (d *Driver) attachDisk(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	err := workpool.SubmitErr(ctx, d.pool, func() error {
		return d.client.AttachDisk(ctx, cfg.ComputeZone, cfg.ResourcesName, cfg.DiskName())
	})
	if err != nil && !absorbed(err, KindInUse) {
		return fmt.Errorf("hostdriver: attach data disk: %w", err)
	}
	logger.Debug().Msg("data disk attached")
	return nil
}

func (d *Driver) setTagsAndMetadata(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	if err := workpool.SubmitErr(ctx, d.pool, func() error {
		return d.client.SetTags(ctx, cfg.ComputeZone, cfg.ResourcesName, cfg.ComputeTags)
	}); err != nil {
		return fmt.Errorf("hostdriver: set tags: %w", err)
	}
	if err := workpool.SubmitErr(ctx, d.pool, func() error {
		return d.client.SetMetadata(ctx, cfg.ComputeZone, cfg.ResourcesName, cfg.Metadata)
	}); err != nil {
		return fmt.Errorf("hostdriver: set metadata: %w", err)
	}
	logger.Debug().Msg("tags and metadata set")
	return nil
}

// Stop tears down the node's cloud footprint to the given level. Each
// level subsumes the one below it; "not present" at any step is
// absorbed, never an error.
func (d *Driver) Stop(ctx context.Context, cfg Config, clean CleanLevel) error {
	logger := log.WithComponent("hostdriver").With().
		Str("resources_name", cfg.ResourcesName).
		Str("level", clean.String()).
		Logger()
	logger.Info().Msg("stopping host")

	stepCtx, cancel := context.WithTimeout(ctx, cfg.ComputeTimeout)
	defer cancel()

	if err := workpool.SubmitErr(stepCtx, d.pool, func() error {
		return d.client.StopInstance(stepCtx, cfg.ComputeZone, cfg.ResourcesName)
	}); err != nil && !absorbed(err, KindNotFound) {
		return fmt.Errorf("hostdriver: stop instance: %w", err)
	}
	if clean == CleanStop {
		return nil
	}

	if err := workpool.SubmitErr(stepCtx, d.pool, func() error {
		return d.client.DeleteInstance(stepCtx, cfg.ComputeZone, cfg.ResourcesName)
	}); err != nil && !absorbed(err, KindNotFound) {
		return fmt.Errorf("hostdriver: delete instance: %w", err)
	}
	if clean == CleanHost {
		return nil
	}

	if err := workpool.SubmitErr(stepCtx, d.pool, func() error {
		return d.client.DeleteDisk(stepCtx, cfg.ComputeZone, cfg.DiskName())
	}); err != nil && !absorbed(err, KindNotFound) {
		return fmt.Errorf("hostdriver: delete data disk: %w", err)
	}
	if clean == CleanData {
		return nil
	}

	if err := workpool.SubmitErr(stepCtx, d.pool, func() error {
		return d.client.DeleteDNSRecord(stepCtx, cfg.DNSZone, cfg.Hostname)
	}); err != nil && !absorbed(err, KindNotFound) {
		return fmt.Errorf("hostdriver: delete dns record: %w", err)
	}
	if err := workpool.SubmitErr(stepCtx, d.pool, func() error {
		return d.client.ReleaseAddress(stepCtx, cfg.ComputeZone, cfg.ResourcesName)
	}); err != nil && !absorbed(err, KindNotFound) {
		return fmt.Errorf("hostdriver: release address: %w", err)
	}

	logger.Info().Msg("host stopped")
	return nil
}
