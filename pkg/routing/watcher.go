package routing

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// pollInterval is the periodic refresh cadence absent a SIGHUP.
	pollInterval = 30 * time.Second

	// resolveConcurrency bounds parallel hostname lookups during one
	// refresh cycle, mirroring the liveness sweeper's bounded fan-out.
	resolveConcurrency = 8
)

type nodeMeta struct {
	port     uint16
	hostname string
}

// Watcher scans SystemdDir for gpt_node_{id}.service units, resolves
// each node's hostname from the registry, and keeps Table in sync.
type Watcher struct {
	table  *Table
	client *IndexClient
	log    zerolog.Logger

	mu    sync.Mutex
	cache map[uint64]nodeMeta
}

// NewWatcher builds a Watcher that publishes into table.
func NewWatcher(table *Table, client *IndexClient, log zerolog.Logger) *Watcher {
	return &Watcher{
		table:  table,
		client: client,
		log:    log,
		cache:  make(map[uint64]nodeMeta),
	}
}

// Run polls every pollInterval, or immediately whenever refresh
// receives a value, until ctx is cancelled. refresh is a bounded signal
// channel: the router's SIGHUP handler sends to it to collapse the next
// tick to "now".
func (w *Watcher) Run(ctx context.Context, refresh <-chan struct{}) {
	w.log.Info().Msg("routing watcher started")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := w.syncOnce(ctx); err != nil {
			w.log.Error().Err(err).Msg("routing table sync failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-refresh:
			w.log.Info().Msg("received refresh signal, syncing immediately")
		}
	}
}

// syncOnce scans the systemd directory, resolves any node missing a
// cached hostname, prunes stale entries, and atomically swaps the
// routing table.
func (w *Watcher) syncOnce(ctx context.Context) error {
	units, err := ListServiceUnits()
	if err != nil {
		return err
	}

	w.mu.Lock()
	active := make(map[uint64]struct{}, len(units))
	var toResolve []ServiceUnit
	for _, u := range units {
		active[u.NodeID] = struct{}{}
		meta, exists := w.cache[u.NodeID]
		if !exists || meta.port != u.Port {
			w.cache[u.NodeID] = nodeMeta{port: u.Port, hostname: meta.hostname}
		}
		if w.cache[u.NodeID].hostname == "" {
			toResolve = append(toResolve, u)
		}
	}
	// Prune nodes whose service unit disappeared.
	for id := range w.cache {
		if _, ok := active[id]; !ok {
			delete(w.cache, id)
		}
	}
	w.mu.Unlock()

	w.resolveHostnames(ctx, toResolve)

	w.mu.Lock()
	newTable := make(map[string]uint16, len(w.cache)*3)
	for id, meta := range w.cache {
		if meta.hostname == "" {
			continue
		}
		InsertNodeKeys(newTable, id, meta.hostname, meta.port)
	}
	w.mu.Unlock()

	oldLen := w.table.Len()
	w.table.Swap(newTable)
	if newLen := len(newTable); newLen != oldLen {
		w.log.Info().Int("old_keys", oldLen).Int("new_keys", newLen).Msg("routing table updated")
	}
	return nil
}

// resolveHostnames fetches provisioning info for every unit in
// toResolve concurrently, bounded by resolveConcurrency, writing
// successes back into the cache. A node that fails to resolve is logged
// and retried on the next cycle.
func (w *Watcher) resolveHostnames(ctx context.Context, toResolve []ServiceUnit) {
	if len(toResolve) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)

	for _, unit := range toResolve {
		unit := unit
		g.Go(func() error {
			info, err := w.client.GetProvisioningInfo(gctx, unit.NodeID)
			if err != nil {
				w.log.Warn().Err(err).Uint64("node_id", unit.NodeID).
					Msg("failed to resolve hostname, will retry next cycle")
				return nil
			}
			w.mu.Lock()
			if meta, ok := w.cache[unit.NodeID]; ok {
				meta.hostname = info.Hostname
				w.cache[unit.NodeID] = meta
				w.log.Info().Uint64("node_id", unit.NodeID).Str("hostname", info.Hostname).Msg("resolved node hostname")
			}
			w.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // errors are logged per-node above, never fatal to the cycle
}

// ListServiceUnits scans SystemdDir for gpt_node_{id}.service files and
// returns one ServiceUnit per match, port included. Exported so the host
// CLI's node-management subcommand can list what's already provisioned
// without duplicating the scan.
func ListServiceUnits() ([]ServiceUnit, error) {
	var units []ServiceUnit
	if _, err := os.Stat(SystemdDir); os.IsNotExist(err) {
		return units, nil
	}
	entries, err := os.ReadDir(SystemdDir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		m := serviceFileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		port, ok, err := AssignedPort(parseNodeID(m[1]))
		if err != nil || !ok {
			continue
		}
		units = append(units, ServiceUnit{NodeID: parseNodeID(m[1]), Port: port})
	}
	return units, nil
}

func parseNodeID(s string) uint64 {
	var id uint64
	for _, r := range s {
		id = id*10 + uint64(r-'0')
	}
	return id
}
