// Package controller implements the Network Controller (C5): the node
// registry, the periodic reconciliation loop, leader election by
// majority over observed genesis identifiers, and restart ordering.
package controller

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodefleet/controller/pkg/hostdriver"
	"github.com/nodefleet/controller/pkg/log"
	"github.com/nodefleet/controller/pkg/metrics"
	"github.com/nodefleet/controller/pkg/supervisor"
)

// Config is the app-level configuration the controller needs to locate
// its data directories and pace its loop.
type Config struct {
	DataDir       string
	InitialDelay  time.Duration
	CheckInterval time.Duration
	Global        map[string]any
}

// Controller owns the node registry and drives bootstrap, HTTP-facing
// operations, and the periodic reconciliation tick. Exactly one
// Controller exists per process; it is created at startup and runs
// until the process exits (no graceful drain is required).
type Controller struct {
	cfg          Config
	nodesDataDir string
	templatesDir string
	driver       *hostdriver.Driver
	logger       zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.RWMutex
	nodes  map[string]*supervisor.Node
	leader string
}

// New creates a Controller. seed pins the leader-election RNG (tests
// pass a fixed seed for reproducibility; production seeds from the
// wall clock).
func New(cfg Config, driver *hostdriver.Driver, seed int64) *Controller {
	return &Controller{
		cfg:          cfg,
		nodesDataDir: filepath.Join(cfg.DataDir, "nodes"),
		templatesDir: filepath.Join(cfg.DataDir, "templates"),
		driver:       driver,
		logger:       log.WithComponent("controller"),
		rng:          rand.New(rand.NewSource(seed)),
		nodes:        map[string]*supervisor.Node{},
	}
}

// RnodeAddr implements supervisor.Registry: it resolves a node's own
// rnode_addr by name for a follower's heartbeat reply.
func (c *Controller) RnodeAddr(name string) (string, bool) {
	c.mu.RLock()
	n, ok := c.nodes[name]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	return n.RnodeAddr()
}

// Node looks up a node by name.
func (c *Controller) Node(name string) (*supervisor.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[name]
	return n, ok
}

// Bootstrap ensures the controller's data directories exist and creates
// one Node Supervisor per pre-existing directory entry under
// nodes_data_dir, issuing a start for each. Dotfile entries are skipped
// so .gitkeep-style artifacts don't become nodes.
func (c *Controller) Bootstrap(ctx context.Context) error {
	if err := os.MkdirAll(c.nodesDataDir, 0o700); err != nil {
		return fmt.Errorf("controller: creating nodes data dir: %w", err)
	}
	if err := os.MkdirAll(c.templatesDir, 0o700); err != nil {
		return fmt.Errorf("controller: creating templates dir: %w", err)
	}

	entries, err := os.ReadDir(c.nodesDataDir)
	if err != nil {
		return fmt.Errorf("controller: listing nodes data dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := e.Name()

		node, err := supervisor.New(supervisor.Params{
			Name:         name,
			DataDir:      filepath.Join(c.nodesDataDir, name),
			TemplatesDir: c.templatesDir,
			Global:       c.cfg.Global,
			Driver:       c.driver,
			Registry:     c,
		})
		if err != nil {
			c.logger.Error().Err(err).Str("node", name).Msg("failed to load node on bootstrap")
			continue
		}

		c.mu.Lock()
		c.nodes[name] = node
		c.mu.Unlock()

		node.TryStartAsync(ctx)
	}

	c.logger.Info().Int("nodes", len(entries)).Msg("bootstrap complete")
	return nil
}

// Run sleeps initial_delay, then runs a reconciliation tick every
// check_interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	select {
	case <-time.After(c.cfg.InitialDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Tick(ctx, time.Now())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RegisterNode handles PUT /nodes/{name}. If the node is already known,
// the overlay is applied as an update rather than rejected or ignored,
// and a start is (re-)issued either way; created reports whether this
// call created the node.
func (c *Controller) RegisterNode(ctx context.Context, name string, overlay map[string]any) (created bool, err error) {
	c.mu.Lock()
	if existing, ok := c.nodes[name]; ok {
		c.mu.Unlock()
		if err := existing.Refresh(c.templatesDir, c.cfg.Global, overlay); err != nil {
			return false, err
		}
		existing.TryStartAsync(ctx)
		return false, nil
	}
	c.mu.Unlock()

	node, err := supervisor.New(supervisor.Params{
		Name:         name,
		DataDir:      filepath.Join(c.nodesDataDir, name),
		TemplatesDir: c.templatesDir,
		Global:       c.cfg.Global,
		UserOverlay:  overlay,
		Driver:       c.driver,
		Registry:     c,
	})
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.nodes[name] = node
	c.mu.Unlock()

	node.TryStartAsync(ctx)
	return true, nil
}

// Heartbeat forwards POST /heartbeat/{name} to the named node. found is
// false iff the node is unknown (→ 404); a nil reply with found=true
// means the node is under maintenance and the heartbeat was a no-op.
func (c *Controller) Heartbeat(name string, msg supervisor.HeartbeatMsg) (reply *supervisor.HeartbeatReply, found bool) {
	c.mu.RLock()
	node, ok := c.nodes[name]
	c.mu.RUnlock()
	if !ok {
		metrics.HeartbeatsTotal.WithLabelValues("unknown_node").Inc()
		return nil, false
	}

	reply, accepted := node.Heartbeat(msg)
	if accepted {
		metrics.HeartbeatsTotal.WithLabelValues("accepted").Inc()
	} else {
		metrics.HeartbeatsTotal.WithLabelValues("locked").Inc()
	}
	return reply, true
}

// Tick runs one reconciliation cycle: failure detection, genesis
// partitioning, majority-set leader election, and follower restart
// ordering.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	c.mu.RLock()
	nodes := make([]*supervisor.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.mu.RUnlock()

	up, down := 0, 0
	for _, n := range nodes {
		if n.HostUp() {
			up++
		} else {
			down++
		}
	}
	metrics.NodesTotal.WithLabelValues("up").Set(float64(up))
	metrics.NodesTotal.WithLabelValues("down").Set(float64(down))

	// Step 1: failure detection excludes failed nodes from this tick's
	// election and schedules their restart.
	candidates := make([]*supervisor.Node, 0, len(nodes))
	for _, n := range nodes {
		if f := n.CheckFailure(now); f != supervisor.FailureNone {
			c.logger.Warn().Str("node", n.Name).Str("failure", string(f)).Msg("latched failure, scheduling restart")
			metrics.FailuresLatchedTotal.WithLabelValues(string(f)).Inc()
			n.TryRestartAsync(ctx, false)
			continue
		}
		candidates = append(candidates, n)
	}

	// Step 2: partition the candidates by genesis; unset genesis does
	// not participate in the partition.
	partitions := map[string][]*supervisor.Node{}
	for _, n := range candidates {
		g := n.Genesis()
		if g == "" {
			continue
		}
		partitions[g] = append(partitions[g], n)
	}

	if len(partitions) == 0 {
		c.logger.Info().Msg("no genesis")
		metrics.LeaderElectionsTotal.WithLabelValues("no_genesis").Inc()
		return
	}

	// Step 4: the majority set is every partition tied for largest.
	maxSize := 0
	for _, members := range partitions {
		if len(members) > maxSize {
			maxSize = len(members)
		}
	}
	var majorityGenesis []string
	for g, members := range partitions {
		if len(members) == maxSize {
			majorityGenesis = append(majorityGenesis, g)
		}
	}
	sort.Strings(majorityGenesis)

	// Step 5: leader retention. The leader survives only while it is a
	// member of a majority partition, so a leader that latched a failure
	// this tick (and sat out the partitioning) is cleared.
	c.mu.RLock()
	leaderName := c.leader
	c.mu.RUnlock()

	var leaderNode *supervisor.Node
	if leaderName != "" {
	retention:
		for _, g := range majorityGenesis {
			for _, m := range partitions[g] {
				if m.Name == leaderName {
					leaderNode = m
					break retention
				}
			}
		}
		if leaderNode == nil {
			leaderName = ""
			c.mu.Lock()
			c.leader = ""
			c.mu.Unlock()
		}
	}

	// Step 6: election on ties, only if no leader survived retention.
	reason := "retained"
	if leaderNode == nil {
		c.rngMu.Lock()
		chosenGenesis := majorityGenesis[c.rng.Intn(len(majorityGenesis))]
		members := partitions[chosenGenesis]
		leaderNode = members[c.rng.Intn(len(members))]
		c.rngMu.Unlock()

		leaderName = leaderNode.Name
		leaderNode.SetFollows("")
		reason = "elected"

		c.mu.Lock()
		c.leader = leaderName
		c.mu.Unlock()
	}
	metrics.LeaderElectionsTotal.WithLabelValues(reason).Inc()

	leaderGenesis := leaderNode.Genesis()

	// Step 7: bring every other node into the leader's fold. Failed
	// nodes are included too; their restart slot is already taken, so
	// the extra request is dropped by the maintenance lock.
	for _, n := range nodes {
		if n.Name == leaderName {
			continue
		}
		g := n.Genesis()
		switch {
		case g != "" && g != leaderGenesis:
			n.SetGenesis("")
			n.SetFollows(leaderName)
			n.TryRestartAsync(ctx, true)
		case n.Follows() != leaderName:
			n.SetFollows(leaderName)
			n.TryRestartAsync(ctx, false)
		}
	}
}
