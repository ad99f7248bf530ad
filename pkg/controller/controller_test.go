package controller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	compute "google.golang.org/api/compute/v1"

	"github.com/nodefleet/controller/pkg/hostdriver"
	"github.com/nodefleet/controller/pkg/supervisor"
	"github.com/nodefleet/controller/pkg/workpool"
)

type nopClient struct{}

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
func (nopClient) StartInstance(context.Context, string, string) error  { return nil }
func (nopClient) StopInstance(context.Context, string, string) error   { return nil }
func (nopClient) DeleteInstance(context.Context, string, string) error { return nil }

func newTestController(t *testing.T, seed int64) *Controller {
	t.Helper()
	dataDir := t.TempDir()
	driver := hostdriver.New(nopClient{}, workpool.New(4))
	c := New(Config{
		DataDir:       dataDir,
		InitialDelay:  0,
		CheckInterval: time.Millisecond,
		Global:        map[string]any{},
	}, driver, seed)
	require.NoError(t, os.MkdirAll(c.nodesDataDir, 0o700))
	require.NoError(t, os.MkdirAll(c.templatesDir, 0o700))
	return c
}

func addNode(t *testing.T, c *Controller, name, genesis string) *supervisor.Node {
	t.Helper()
	return addNodeWithOverlay(t, c, name, genesis, nil)
}

func addNodeWithOverlay(t *testing.T, c *Controller, name, genesis string, overlay map[string]any) *supervisor.Node {
	t.Helper()
	node, err := supervisor.New(supervisor.Params{
		Name:         name,
		DataDir:      filepath.Join(c.nodesDataDir, name),
		TemplatesDir: c.templatesDir,
		Global:       c.cfg.Global,
		UserOverlay:  overlay,
		Driver:       c.driver,
		Registry:     c,
	})
	require.NoError(t, err)
	c.mu.Lock()
	c.nodes[name] = node
	c.mu.Unlock()

	// A first heartbeat brings the node up so it doesn't latch a start
	// timeout before it ever participates in a tick.
	_, ok := node.Heartbeat(supervisor.HeartbeatMsg{Genesis: genesis})
	require.True(t, ok)
	return node
}

func TestTickFirstBootMajorityOfOne(t *testing.T) {
	c := newTestController(t, 1)
	a := addNode(t, c, "a", "h1")

	c.Tick(context.Background(), time.Now())

	require.Equal(t, "a", c.leader)
	require.Equal(t, "", a.Follows())
}

func TestTickTwoVsOneGenesisSplit(t *testing.T) {
	c := newTestController(t, 1)
	a := addNode(t, c, "a", "h1")
	b := addNode(t, c, "b", "h1")
	cc := addNode(t, c, "c", "h2")

	c.Tick(context.Background(), time.Now())

	require.Contains(t, []string{"a", "b"}, c.leader)
	require.Equal(t, "", cc.Genesis())
	require.Equal(t, c.leader, cc.Follows())

	var leaderNode *supervisor.Node
	if c.leader == "a" {
		leaderNode = a
	} else {
		leaderNode = b
	}
	require.Equal(t, "", leaderNode.Follows())
}

func TestTickLeaderRetainedAcrossTicks(t *testing.T) {
	c := newTestController(t, 1)
	a := addNode(t, c, "a", "h1")
	addNode(t, c, "b", "h1")

	c.Tick(context.Background(), time.Now())
	first := c.leader

	// Run several more ticks; the leader should not flap while it
	// remains a member of the majority partition.
	for i := 0; i < 5; i++ {
		c.Tick(context.Background(), time.Now())
		require.Equal(t, first, c.leader)
	}
	_ = a
}

func TestTickTieSwitchesLeaderOverManyRuns(t *testing.T) {
	seenA, seenB := false, false
	for seed := int64(0); seed < 200 && !(seenA && seenB); seed++ {
		c := newTestController(t, seed)
		addNode(t, c, "a", "h1")
		addNode(t, c, "b", "h2")

		c.Tick(context.Background(), time.Now())
		if c.leader == "a" {
			seenA = true
		} else if c.leader == "b" {
			seenB = true
		}
	}
	require.True(t, seenA, "leader a must be chosen at least once across seeds")
	require.True(t, seenB, "leader b must be chosen at least once across seeds")
}

func TestTickFailedLeaderIsReplaced(t *testing.T) {
	c := newTestController(t, 1)
	addNode(t, c, "a", "h1")
	b := addNodeWithOverlay(t, c, "b", "", map[string]any{"timeout_heartbeat": float64(100000)})

	now := time.Now()
	c.Tick(context.Background(), now)
	require.Equal(t, "a", c.leader)

	// b reports the leader's genesis once its post-tick restart settles.
	require.Eventually(t, func() bool {
		_, ok := b.Heartbeat(supervisor.HeartbeatMsg{Genesis: "h1"})
		return ok
	}, time.Second, time.Millisecond)

	// a goes silent past its heartbeat timeout; the next tick must not
	// retain it on the strength of its last reported genesis.
	c.Tick(context.Background(), now.Add(400*time.Second))
	require.Equal(t, "b", c.leader)
	require.Equal(t, "", b.Follows())
}

func TestTickNoGenesisLogsAndReturns(t *testing.T) {
	c := newTestController(t, 1)
	addNode(t, c, "a", "")

	c.Tick(context.Background(), time.Now())
	require.Equal(t, "", c.leader)
}

func TestRegisterNodeCreatesThenUpdatesOnSecondPut(t *testing.T) {
	c := newTestController(t, 1)

	created, err := c.RegisterNode(context.Background(), "node-a", map[string]any{})
	require.NoError(t, err)
	require.True(t, created)

	created, err = c.RegisterNode(context.Background(), "node-a", map[string]any{"hostname_suffix": ".v2."})
	require.NoError(t, err)
	require.False(t, created)

	node, ok := c.Node("node-a")
	require.True(t, ok)
	v, _ := node.ConfigValue("hostname")
	require.Equal(t, "node-a.v2.", v)
}

func TestHeartbeatUnknownNodeNotFound(t *testing.T) {
	c := newTestController(t, 1)
	_, found := c.Heartbeat("ghost", supervisor.HeartbeatMsg{})
	require.False(t, found)
}
