// Package lease keeps this session's view of the shared cluster pool and its single lease.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"pkt.systems/chaosdeck/internal/logx"
	"pkt.systems/chaosdeck/schema"
	"pkt.systems/pslog"
)

const (
	// DefaultPollInterval is how often the pool is refreshed.
	DefaultPollInterval = 60 * time.Second
	// DefaultUnloadTimeout bounds the release sent while shutting down.
	DefaultUnloadTimeout = 3 * time.Second
)

// PoolAPI is the backend cluster pool surface.
type PoolAPI interface {
	ListClusters(ctx context.Context, sessionID schema.SessionID) (schema.ClusterPool, error)
	ClaimCluster(ctx context.Context, sessionID schema.SessionID, preferred schema.ClusterName) (schema.ClaimClusterResponse, error)
	ReleaseCluster(ctx context.Context, sessionID schema.SessionID) error
}

// Listener receives pool changes and operator notifications.
type Listener interface {
	OnPool(ev schema.PoolEvent)
	OnNotification(n schema.Notification)
}

// Options configures a Coordinator.
type Options struct {
	API           PoolAPI
	Session       schema.SessionID
	Clock         clock.WithTicker
	Interval      time.Duration
	UnloadTimeout time.Duration
	Listener      Listener
	Logger        pslog.Logger
}

// Coordinator polls the pool and claims or releases this session's cluster.
type Coordinator struct {
	api           PoolAPI
	session       schema.SessionID
	clock         clock.WithTicker
	interval      time.Duration
	unloadTimeout time.Duration
	listener      Listener
	log           pslog.Logger

	mu       sync.Mutex
	pool     schema.ClusterPool
	mine     schema.ClusterName
	revision uint64
	loaded   bool
}

// New constructs a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.API == nil {
		return nil, errors.New("cluster pool api is required")
	}
	if opts.Session == "" {
		return nil, errors.New("session id is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	unload := opts.UnloadTimeout
	if unload <= 0 {
		unload = DefaultUnloadTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Coordinator{
		api:           opts.API,
		session:       opts.Session,
		clock:         clk,
		interval:      interval,
		unloadTimeout: unload,
		listener:      opts.Listener,
		log:           logger.With("session", opts.Session),
	}, nil
}

// Load refreshes the pool. The stored view is replaced only when its content changed.
func (c *Coordinator) Load(ctx context.Context) (schema.ClusterPool, error) {
	pool, err := c.api.ListClusters(ctx, c.session)
	if err != nil {
		c.log.Warn("cluster pool load failed", "err", err)
		return c.Pool(), fmt.Errorf("load cluster pool: %w", err)
	}
	c.mu.Lock()
	c.mine = pool.Mine
	changed := !c.loaded || !c.pool.Equal(pool)
	var ev schema.PoolEvent
	if changed {
		c.pool = pool.Clone()
		c.revision++
		ev = schema.PoolEvent{Pool: pool.Clone(), Revision: c.revision}
	}
	c.loaded = true
	c.mu.Unlock()
	if changed {
		c.log.Debug("cluster pool changed", "available", len(pool.Available), "used", len(pool.Used), "mine", pool.Mine)
		if c.listener != nil {
			c.listener.OnPool(ev)
		}
	}
	return pool, nil
}

// Claim asks for a cluster, preferring the named one, adopts the grant and re-polls.
func (c *Coordinator) Claim(ctx context.Context, preferred schema.ClusterName) (schema.ClaimClusterResponse, error) {
	log := logx.WithCluster(c.log, preferred)
	resp, err := c.api.ClaimCluster(ctx, c.session, preferred)
	if err != nil {
		log.Warn("cluster claim failed", "err", err)
		if errors.Is(err, schema.ErrNoClustersAvailable) {
			c.notify(schema.NotifyError, "No clusters available")
		} else {
			c.notify(schema.NotifyError, "Failed to claim cluster: "+err.Error())
		}
		return resp, fmt.Errorf("claim cluster: %w", err)
	}
	c.mu.Lock()
	c.mine = resp.Cluster
	c.mu.Unlock()
	logx.WithCluster(c.log, resp.Cluster).Info("cluster claim ok", "already_owned", resp.AlreadyOwned)
	c.notify(schema.NotifySuccess, "Cluster claimed: "+string(resp.Cluster))
	_, _ = c.Load(ctx)
	return resp, nil
}

// Release drops the lease. Failures are logged and otherwise ignored.
func (c *Coordinator) Release(ctx context.Context) {
	c.release(ctx)
	_, _ = c.Load(ctx)
}

func (c *Coordinator) release(ctx context.Context) {
	c.mu.Lock()
	held := c.mine
	c.mine = ""
	c.mu.Unlock()
	if err := c.api.ReleaseCluster(ctx, c.session); err != nil {
		logx.WithCluster(c.log, held).Debug("cluster release failed", "err", err)
		return
	}
	logx.WithCluster(c.log, held).Info("cluster release ok")
}

// OnTick is one poll interval elapsing.
func (c *Coordinator) OnTick(ctx context.Context) {
	_, _ = c.Load(ctx)
}

// Run loads the pool immediately and then on every tick until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	c.OnTick(ctx)
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.OnTick(ctx)
		}
	}
}

// OnUnload releases the lease on shutdown. It runs even when ctx is already cancelled.
func (c *Coordinator) OnUnload(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.unloadTimeout)
	defer cancel()
	c.release(ctx)
}

// Mine returns the cluster held by this session, or "".
func (c *Coordinator) Mine() schema.ClusterName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mine
}

// Pool returns a copy of the latest pool view.
func (c *Coordinator) Pool() schema.ClusterPool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.Clone()
}

// Revision increases every time the pool view changes.
func (c *Coordinator) Revision() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// Session returns the session the coordinator claims for.
func (c *Coordinator) Session() schema.SessionID {
	return c.session
}

func (c *Coordinator) notify(level schema.NotificationLevel, msg string) {
	if c.listener != nil {
		c.listener.OnNotification(schema.Notification{Level: level, Message: msg})
	}
}
