package supervisor

import (
	"context"

	"github.com/miekg/dns"
	compute "google.golang.org/api/compute/v1"
)

// nopClient implements hostdriver.CloudClient with every call a
// trivial success, so tests can embed it and override only the methods
// relevant to what they're exercising.
func (nopClient) EnsureAddress(context.Context, string, string) (string, error) { return "203.0.113.1", nil }
func (nopClient) ReleaseAddress(context.Context, string, string) error          { return nil }
func (nopClient) EnsureDNSRecord(context.Context, string, *dns.A) error         { return nil }
func (nopClient) DeleteDNSRecord(context.Context, string, string) error         { return nil }
func (nopClient) EnsureDisk(context.Context, string, *compute.Disk) error       { return nil }
func (nopClient) DeleteDisk(context.Context, string, string) error              { return nil }
func (nopClient) EnsureInstance(context.Context, string, *compute.Instance) error {
	return nil
}
func (nopClient) AttachDisk(context.Context, string, string, string) error { return nil }
func (nopClient) SetTags(context.Context, string, string, []string) error  { return nil }
func (nopClient) SetMetadata(context.Context, string, string, map[string]string) error {
	return nil
}
func (nopClient) StartInstance(context.Context, string, string) error { return nil }
func (nopClient) StopInstance(context.Context, string, string) error { return nil }
func (nopClient) DeleteInstance(context.Context, string, string) error { return nil }
