package sync

import (
	"context"
	"fmt"
	"net"
	gosync "sync"
	"time"

	"github.com/roelfdiedericks/codemem/internal/config"
	"github.com/roelfdiedericks/codemem/internal/store"
	. "github.com/roelfdiedericks/codemem/internal/logging"
)

// Daemon is the background replication service: it serves the sync
// protocol to peers and runs a periodic outbound pass against each of
// them. It is an explicitly constructed service — callers own its
// lifecycle and tests inject their own store/observer fakes.
type Daemon struct {
	st       *store.Store
	identity *Identity
	client   *Client
	server   *Server
	interval time.Duration

	mu      gosync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewDaemon wires the daemon from configuration: a server bound to
// sync_host:sync_port and a client ticking every sync_interval_s.
func NewDaemon(st *store.Store, identity *Identity, cfg config.Config, directory PeerDirectory) *Daemon {
	interval := time.Duration(cfg.SyncIntervalS) * time.Second
	if interval <= 0 {
		interval = 120 * time.Second
	}
	listenAddr := fmt.Sprintf("%s:%d", cfg.SyncHost, cfg.SyncPort)
	return &Daemon{
		st:       st,
		identity: identity,
		client:   NewClient(st, identity, directory),
		server:   NewServer(st, identity, listenAddr, AdvertiseAddresses(cfg)...),
		interval: interval,
	}
}

// AdvertiseAddresses resolves the sync_advertise config key into the
// address list carried in pairing payloads and /v1/status responses.
// "auto" advertises every non-loopback interface address; anything else
// is treated as a literal host.
func AdvertiseAddresses(cfg config.Config) []string {
	switch cfg.SyncAdvertise {
	case "", "auto":
		var out []string
		for _, ip := range nonLoopbackIPs() {
			out = append(out, fmt.Sprintf("http://%s:%d", ip, cfg.SyncPort))
		}
		return out
	default:
		return []string{fmt.Sprintf("http://%s:%d", cfg.SyncAdvertise, cfg.SyncPort)}
	}
}

// Start launches the sync server and the tick loop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("sync daemon already running")
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start sync server: %w", err)
	}

	L_info("sync: daemon started", "interval", d.interval)
	go d.runLoop(ctx)
	return nil
}

// Stop halts the tick loop (waiting for any in-flight tick to drain)
// and shuts the server down.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	<-d.doneCh
	if err := d.server.Stop(); err != nil {
		L_warn("sync: server stop failed", "error", err)
	}
	L_info("sync: daemon stopped")
}

func (d *Daemon) runLoop(ctx context.Context) {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// First tick immediately so a freshly-enabled daemon syncs without
	// waiting a full interval.
	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick runs preflight repairs and one pass per configured peer,
// recording the outcome in sync_daemon_state.
func (d *Daemon) tick(ctx context.Context) {
	if err := d.RunOnce(ctx); err != nil {
		L_warn("sync: tick failed", "error", err)
		if stateErr := d.st.UpdateDaemonState(false, err.Error()); stateErr != nil {
			L_error("sync: failed to record daemon error", "error", stateErr)
		}
		return
	}
	if err := d.st.UpdateDaemonState(true, ""); err != nil {
		L_error("sync: failed to record daemon success", "error", err)
	}
}

// RunOnce performs one full daemon tick synchronously: preflight, then
// a pass per peer. Exposed for the `sync once` CLI path and tests.
func (d *Daemon) RunOnce(ctx context.Context) error {
	if err := d.preflight(); err != nil {
		return fmt.Errorf("sync preflight: %w", err)
	}

	peers, err := d.st.Peers()
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}

	var firstErr error
	for _, peer := range peers {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := d.client.PeerPass(ctx, peer); err != nil {
			L_warn("sync: peer pass failed", "peer", peer.PeerDeviceID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("peer %s: %w", peer.PeerDeviceID, err)
			}
		}
	}
	return firstErr
}

// preflight repairs state that older builds may have left behind:
// legacy memory kinds and memory items written before op emission
// existed.
func (d *Daemon) preflight() error {
	if _, err := d.st.MigrateLegacyKeys(); err != nil {
		return err
	}
	if _, err := d.st.BackfillReplicationOps(d.identity.DeviceID); err != nil {
		return err
	}
	return nil
}

// Client exposes the daemon's sync client for one-shot CLI paths.
func (d *Daemon) Client() *Client {
	return d.client
}

func nonLoopbackIPs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		out = append(out, ipNet.IP.String())
	}
	return out
}
