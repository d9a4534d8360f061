// Package routing implements the host side of the routing & liveness
// control plane: systemd-unit scanning, port allocation, the
// hostname-to-port dispatch table, and the reverse-proxy that reads it.
package routing

import (
	"strconv"
	"strings"
	"sync"
)

// Table is the hostname -> local-port dispatch table the proxy consults
// on every request. Readers take a read lock, the watcher swaps the
// whole map under a write lock, so a reader never observes a
// half-updated table.
type Table struct {
	mu      sync.RWMutex
	entries map[string]uint16
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]uint16)}
}

// Lookup resolves a Host header (already stripped of any ":port") to a
// local port.
func (t *Table) Lookup(hostKey string) (uint16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	port, ok := t.entries[hostKey]
	return port, ok
}

// Swap atomically replaces the entire table.
func (t *Table) Swap(entries map[string]uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = entries
}

// Len reports the number of routing keys currently installed.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns a copy of the current table, for diagnostics.
func (t *Table) Snapshot() map[string]uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]uint16, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// InsertNodeKeys adds the three routing keys for one node into dst: the
// full hostname, its first DNS label, and the decimal string of node_id.
func InsertNodeKeys(dst map[string]uint16, nodeID uint64, hostname string, port uint16) {
	if hostname != "" {
		dst[hostname] = port
		if label := firstLabel(hostname); label != "" && label != hostname {
			dst[label] = port
		}
	}
	dst[strconv.FormatUint(nodeID, 10)] = port
}

func firstLabel(hostname string) string {
	if i := strings.IndexByte(hostname, '.'); i >= 0 {
		return hostname[:i]
	}
	return hostname
}

// StripPort removes a trailing ":port" from a Host header value.
func StripPort(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
