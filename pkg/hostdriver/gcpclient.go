package hostdriver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/oauth2/google"
	compute "google.golang.org/api/compute/v1"
	gdns "google.golang.org/api/dns/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCPClient is the production CloudClient, backed by the GCP compute
// and DNS APIs. Credentials are loaded once from the service-account
// JSON file named by the controller's cloud_credentials_file setting.
type GCPClient struct {
	project string
	compute *compute.Service
	dns     *gdns.Service
}

// NewGCPClient loads credentials from credentialsFile and builds the
// compute and DNS service clients scoped to project.
func NewGCPClient(ctx context.Context, project, credentialsFile string) (*GCPClient, error) {
	raw, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("hostdriver: reading credentials file: %w", err)
	}

	creds, err := google.CredentialsFromJSON(ctx, raw, compute.ComputeScope, gdns.NdevClouddnsReadwriteScope)
	if err != nil {
		return nil, fmt.Errorf("hostdriver: parsing credentials: %w", err)
	}

	computeSvc, err := compute.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("hostdriver: building compute client: %w", err)
	}

	dnsSvc, err := gdns.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("hostdriver: building dns client: %w", err)
	}

	return &GCPClient{project: project, compute: computeSvc, dns: dnsSvc}, nil
}

func (c *GCPClient) EnsureAddress(ctx context.Context, zone, name string) (string, error) {
	region := regionOf(zone)
	if addr, err := c.compute.Addresses.Get(c.project, region, name).Context(ctx).Do(); err == nil {
		return addr.Address, nil
	}

	op, err := c.compute.Addresses.Insert(c.project, region, &compute.Address{Name: name}).Context(ctx).Do()
	if err != nil {
		if isGoogleStatus(err, 409) {
			return "", &CloudError{Kind: KindExists, Op: "ensure_address", Err: err}
		}
		return "", err
	}
	_ = op

	addr, err := c.compute.Addresses.Get(c.project, region, name).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}

func (c *GCPClient) ReleaseAddress(ctx context.Context, zone, name string) error {
	_, err := c.compute.Addresses.Delete(c.project, regionOf(zone), name).Context(ctx).Do()
	return c.absorbNotFound(err, "release_address")
}

func (c *GCPClient) EnsureDNSRecord(ctx context.Context, zone string, rr *dns.A) error {
	change := &gdns.Change{
		Additions: []*gdns.ResourceRecordSet{{
			Name:    rr.Hdr.Name,
			Type:    "A",
			Ttl:     int64(rr.Hdr.Ttl),
			Rrdatas: []string{rr.A.String()},
		}},
	}
	_, err := c.dns.Changes.Create(c.project, zone, change).Context(ctx).Do()
	if err != nil && isGoogleStatus(err, 409) {
		return &CloudError{Kind: KindExists, Op: "ensure_dns_record", Err: err}
	}
	return err
}

func (c *GCPClient) DeleteDNSRecord(ctx context.Context, zone, fqdn string) error {
	records, err := c.dns.ResourceRecordSets.List(c.project, zone).Name(fqdn).Type("A").Context(ctx).Do()
	if err != nil {
		return c.absorbNotFound(err, "delete_dns_record")
	}
	if len(records.Rrsets) == 0 {
		return &CloudError{Kind: KindNotFound, Op: "delete_dns_record"}
	}
	change := &gdns.Change{Deletions: records.Rrsets}
	_, err = c.dns.Changes.Create(c.project, zone, change).Context(ctx).Do()
	return c.absorbNotFound(err, "delete_dns_record")
}

func (c *GCPClient) EnsureDisk(ctx context.Context, zone string, disk *compute.Disk) error {
	_, err := c.compute.Disks.Insert(c.project, zone, disk).Context(ctx).Do()
	if err != nil && isGoogleStatus(err, 409) {
		return &CloudError{Kind: KindExists, Op: "ensure_disk", Err: err}
	}
	return err
}

func (c *GCPClient) DeleteDisk(ctx context.Context, zone, name string) error {
	_, err := c.compute.Disks.Delete(c.project, zone, name).Context(ctx).Do()
	return c.absorbNotFound(err, "delete_disk")
}

func (c *GCPClient) EnsureInstance(ctx context.Context, zone string, inst *compute.Instance) error {
	_, err := c.compute.Instances.Insert(c.project, zone, inst).Context(ctx).Do()
	if err != nil && isGoogleStatus(err, 409) {
		return &CloudError{Kind: KindExists, Op: "ensure_instance", Err: err}
	}
	return err
}

func (c *GCPClient) AttachDisk(ctx context.Context, zone, instance, disk string) error {
	source := fmt.Sprintf("projects/%s/zones/%s/disks/%s", c.project, zone, disk)
	_, err := c.compute.Instances.AttachDisk(c.project, zone, instance, &compute.AttachedDisk{
		Source: source,
	}).Context(ctx).Do()
	if err != nil && isGoogleStatus(err, 400) {
		return &CloudError{Kind: KindInUse, Op: "attach_disk", Err: err}
	}
	return err
}

func (c *GCPClient) SetTags(ctx context.Context, zone, instance string, tags []string) error {
	inst, err := c.compute.Instances.Get(c.project, zone, instance).Context(ctx).Do()
	if err != nil {
		return err
	}
	_, err = c.compute.Instances.SetTags(c.project, zone, instance, &compute.Tags{
		Items:       tags,
		Fingerprint: inst.Tags.Fingerprint,
	}).Context(ctx).Do()
	return err
}

func (c *GCPClient) SetMetadata(ctx context.Context, zone, instance string, metadata map[string]string) error {
	inst, err := c.compute.Instances.Get(c.project, zone, instance).Context(ctx).Do()
	if err != nil {
		return err
	}
	items := make([]*compute.MetadataItems, 0, len(metadata))
	for k, v := range metadata {
		val := v
		items = append(items, &compute.MetadataItems{Key: k, Value: &val})
	}
	_, err = c.compute.Instances.SetMetadata(c.project, zone, instance, &compute.Metadata{
		Items:       items,
		Fingerprint: inst.Metadata.Fingerprint,
	}).Context(ctx).Do()
	return err
}

func (c *GCPClient) StartInstance(ctx context.Context, zone, instance string) error {
	_, err := c.compute.Instances.Start(c.project, zone, instance).Context(ctx).Do()
	return err
}

func (c *GCPClient) StopInstance(ctx context.Context, zone, instance string) error {
	_, err := c.compute.Instances.Stop(c.project, zone, instance).Context(ctx).Do()
	return c.absorbNotFound(err, "stop_instance")
}

func (c *GCPClient) DeleteInstance(ctx context.Context, zone, instance string) error {
	_, err := c.compute.Instances.Delete(c.project, zone, instance).Context(ctx).Do()
	return c.absorbNotFound(err, "delete_instance")
}

func (c *GCPClient) absorbNotFound(err error, op string) error {
	if err != nil && isGoogleStatus(err, 404) {
		return &CloudError{Kind: KindNotFound, Op: op, Err: err}
	}
	return err
}

func isGoogleStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

// regionOf extracts a GCE region from a zone name ("us-central1-a" ->
// "us-central1"); addresses are regional resources, not zonal.
func regionOf(zone string) string {
	idx := strings.LastIndex(zone, "-")
	if idx < 0 {
		return zone
	}
	return zone[:idx]
}
