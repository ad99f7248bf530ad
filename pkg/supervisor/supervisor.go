// Package supervisor implements the Node Supervisor (C4): per-node
// liveness, genesis/follow topology, maintenance serialization, the
// heartbeat handler, and the timeout-driven failure classifier.
package supervisor

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodefleet/controller/pkg/hostdriver"
	"github.com/nodefleet/controller/pkg/log"
	"github.com/nodefleet/controller/pkg/metrics"
	"github.com/nodefleet/controller/pkg/resolver"
)

// Failure is one of the latched timeout classifications, or FailureNone.
type Failure string

const (
	FailureNone              Failure = ""
	FailureTimeoutHeartbeat  Failure = "TIMEOUT_HEARTBEAT"
	FailureTimeoutStartRnode Failure = "TIMEOUT_START_RNODE"
	FailureTimeoutStartHost  Failure = "TIMEOUT_START_HOST"
)

// Registry resolves another node's rnode_addr by name, so a follower's
// heartbeat reply can report its leader's address without the Node
// holding a direct reference to another Node.
type Registry interface {
	RnodeAddr(name string) (string, bool)
}

// HeartbeatMsg is the payload of a POST /heartbeat/{name} request.
type HeartbeatMsg struct {
	CookieExec string
	CookieData string
	Genesis    string
}

// HeartbeatReply is the JSON body sent back to a node agent.
type HeartbeatReply struct {
	CookieExec      string `json:"cookie_exec"`
	CookieData      string `json:"cookie_data"`
	RnodePackageURL string `json:"rnode_package_url"`
	Mode            string `json:"mode"`
	Leader          string `json:"leader,omitempty"`
}

// Params constructs a new Node.
type Params struct {
	Name         string
	DataDir      string
	TemplatesDir string
	Global       map[string]any
	UserOverlay  map[string]any
	Driver       *hostdriver.Driver
	Registry     Registry
}

// Node holds one managed node's liveness, topology, cookie, and
// maintenance state.
type Node struct {
	Name     string
	DataDir  string
	FilesDir string

	driver   *hostdriver.Driver
	registry Registry
	logger   zerolog.Logger

	mu          sync.Mutex
	config      map[string]any
	aux         map[string]any
	hostUp      bool
	tsStart     int64
	tsHeartbeat int64
	genesis     string
	follows     string
	failure     Failure
	cookieExec  string
	cookieData  string

	maintenance atomic.Bool
}

// New resolves a node's effective config (creating it on first boot,
// reusing it on restart) and returns its Node Supervisor.
func New(p Params) (*Node, error) {
	result, err := resolver.Resolve(resolver.Input{
		Name:         p.Name,
		DataDir:      p.DataDir,
		TemplatesDir: p.TemplatesDir,
		UserOverlay:  p.UserOverlay,
		Global:       p.Global,
	})
	if err != nil {
		return nil, err
	}

	cookieExec, _ := result.Config["cookie_exec"].(string)

	return &Node{
		Name:       p.Name,
		DataDir:    p.DataDir,
		FilesDir:   filepath.Join(p.DataDir, "files"),
		driver:     p.Driver,
		registry:   p.Registry,
		logger:     log.WithNode(p.Name),
		config:     result.Config,
		aux:        result.Aux,
		cookieExec: cookieExec,
	}, nil
}

// Refresh re-resolves the node's config against a new user overlay; a
// PUT on an already-known node is treated as an update.
func (n *Node) Refresh(templatesDir string, global, userOverlay map[string]any) error {
	result, err := resolver.Resolve(resolver.Input{
		Name:         n.Name,
		DataDir:      n.DataDir,
		TemplatesDir: templatesDir,
		UserOverlay:  userOverlay,
		Global:       global,
	})
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.config = result.Config
	n.aux = result.Aux
	n.cookieExec, _ = result.Config["cookie_exec"].(string)
	return nil
}

// Heartbeat handles a node agent's periodic check-in. It returns
// ok=false, doing nothing, when maintenance is in progress.
func (n *Node) Heartbeat(msg HeartbeatMsg) (*HeartbeatReply, bool) {
	if n.maintenance.Load() {
		return nil, false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now().Unix()
	if !n.hostUp {
		n.hostUp = true
		n.tsStart = now
	}
	n.tsHeartbeat = now

	if n.cookieExec == "" && msg.CookieExec != "" {
		n.cookieExec = msg.CookieExec
	}
	if n.cookieData == "" && msg.CookieData != "" {
		n.cookieData = msg.CookieData
	}
	if msg.Genesis != "" && msg.Genesis != n.genesis {
		n.genesis = msg.Genesis
	}

	reply := &HeartbeatReply{
		CookieExec:      n.cookieExec,
		CookieData:      n.cookieData,
		RnodePackageURL: stringField(n.config, "rnode_package_url"),
	}
	if n.follows == "" {
		reply.Mode = "leader"
	} else {
		reply.Mode = "follower"
		if addr, ok := n.registry.RnodeAddr(n.follows); ok {
			reply.Leader = addr
		}
	}
	return reply, true
}

// CheckFailure evaluates the timeout ladder and latches the first
// match. It is a no-op while maintenance is held or a failure is
// already latched.
func (n *Node) CheckFailure(now time.Time) Failure {
	if n.maintenance.Load() {
		return FailureNone
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failure != FailureNone {
		return n.failure
	}

	nowSec := now.Unix()
	timeoutHeartbeat := int64(numberField(n.config, "timeout_heartbeat", 300))
	timeoutStartRnode := int64(numberField(n.config, "timeout_start_rnode", 300))
	timeoutStartHost := int64(numberField(n.config, "timeout_start_host", 300))

	switch {
	case n.hostUp && nowSec > n.tsHeartbeat+timeoutHeartbeat:
		n.failure = FailureTimeoutHeartbeat
	case n.hostUp && n.genesis == "" && nowSec > n.tsStart+timeoutStartRnode:
		n.failure = FailureTimeoutStartRnode
	case !n.hostUp && nowSec > n.tsStart+timeoutStartHost:
		n.failure = FailureTimeoutStartHost
	}
	return n.failure
}

// tryAcquireMaintenance implements the non-reentrant try-then-acquire
// semantics: at most one scheduled maintenance run per node.
func (n *Node) tryAcquireMaintenance() bool {
	return n.maintenance.CompareAndSwap(false, true)
}

func (n *Node) releaseMaintenance() {
	n.maintenance.Store(false)
}

// TryStartAsync spawns a maintenance task that runs the Host Driver's
// start() if maintenance is not already in progress; otherwise it drops
// the request silently.
func (n *Node) TryStartAsync(ctx context.Context) {
	if !n.tryAcquireMaintenance() {
		n.logger.Debug().Msg("start request dropped, maintenance already in progress")
		return
	}
	go func() {
		defer n.releaseMaintenance()
		timer := metrics.NewTimer()
		outcome := "ok"
		if err := n.driver.Start(ctx, n.hostConfig()); err != nil {
			outcome = "cloud_error"
			n.logger.Error().Err(err).Msg("host start failed")
		} else {
			n.markStarted()
		}
		metrics.MaintenanceRunsTotal.WithLabelValues("start", outcome).Inc()
		timer.ObserveDurationVec(metrics.MaintenanceDuration, "start")
	}()
}

// TryRestartAsync spawns a maintenance task that stops (gradedly, per
// cleanData) then starts the host, unless maintenance is already in
// progress. A cancellation observed during the stop phase skips start
// entirely; a cloud error during stop does not.
func (n *Node) TryRestartAsync(ctx context.Context, cleanData bool) {
	if !n.tryAcquireMaintenance() {
		n.logger.Debug().Msg("restart request dropped, maintenance already in progress")
		return
	}
	go func() {
		defer n.releaseMaintenance()
		timer := metrics.NewTimer()

		n.clearOnStop()
		cfg := n.hostConfig()

		level := hostdriver.CleanStop
		if cleanData {
			level = hostdriver.CleanData
		}

		stopErr := n.driver.Stop(ctx, cfg, level)
		if ctx.Err() != nil {
			n.logger.Warn().Msg("maintenance cancelled during stop, skipping start")
			metrics.MaintenanceRunsTotal.WithLabelValues("restart", "cancelled").Inc()
			timer.ObserveDurationVec(metrics.MaintenanceDuration, "restart")
			return
		}
		if stopErr != nil {
			n.logger.Error().Err(stopErr).Msg("host stop failed, proceeding to start")
		}

		outcome := "ok"
		if err := n.driver.Start(ctx, cfg); err != nil {
			outcome = "cloud_error"
			n.logger.Error().Err(err).Msg("host start failed")
		} else {
			n.markStarted()
		}
		metrics.MaintenanceRunsTotal.WithLabelValues("restart", outcome).Inc()
		timer.ObserveDurationVec(metrics.MaintenanceDuration, "restart")
	}()
}

// markStarted restamps ts_start after a successful host start so the
// start-timeout window is measured from this maintenance run, not from
// a previous boot. A heartbeat may have already flipped host_up by the
// time the start call returns; its own timestamp wins then.
func (n *Node) markStarted() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.hostUp {
		n.tsStart = time.Now().Unix()
	}
}

func (n *Node) clearOnStop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hostUp = false
	n.failure = FailureNone
}

func (n *Node) hostConfig() hostdriver.Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return hostdriver.ConfigFromMap(n.config)
}

// Genesis returns the node's currently observed genesis identifier, or
// "" if unset.
func (n *Node) Genesis() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.genesis
}

// SetGenesis overwrites the genesis identifier (used by the controller
// to force a minority node back to unset before a clean-data restart).
func (n *Node) SetGenesis(g string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.genesis = g
}

// Follows returns the name of the node this one follows, or "" if this
// node is a leader candidate.
func (n *Node) Follows() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.follows
}

// SetFollows sets the name of the node this one follows ("" clears it,
// marking this node a leader candidate). Invariant: name must never
// equal this node's own name (enforced by the controller, which is the
// only writer of cross-node topology).
func (n *Node) SetFollows(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.follows = name
}

// HostUp reports the node's last-known liveness as seen by heartbeats.
func (n *Node) HostUp() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hostUp
}

// RnodeAddr implements Registry-style lookups of this node's own
// resolved rnode_addr.
func (n *Node) RnodeAddr() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.config["rnode_addr"].(string)
	return v, ok
}

// ConfigValue reads a single top-level key from the resolved config.
func (n *Node) ConfigValue(key string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.config[key]
	return v, ok
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
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
