package routing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onecompany/gpt/internal/gptlog"
	"github.com/onecompany/gpt/pkg/registry"
)

// fakeIndex serves GetProvisioningInfo for a mutable node_id -> hostname
// mapping, standing in for gpt-index.
func fakeIndex(t *testing.T, hostnames map[string]string) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	router.HandleFunc("/v1/nodes/{nodeID}/provisioning", func(w http.ResponseWriter, r *http.Request) {
		hostname, ok := hostnames[mux.Vars(r)["nodeID"]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(registry.ProvisioningInfo{Hostname: hostname, IsActive: true})
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func removeUnit(t *testing.T, dir string, nodeID int) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(dir, "gpt_node_"+strconv.Itoa(nodeID)+".service")))
}

// Units for nodes 7 and 8 on ports 8001/8002, registry resolves
// alpha/beta hostnames, one refresh installs all six routing keys.
func TestWatcher_SyncOnce_BuildsMultiKeyTable(t *testing.T) {
	dir := withSystemdDir(t)
	writeUnit(t, dir, 7, 8001)
	writeUnit(t, dir, 8, 8002)

	srv := fakeIndex(t, map[string]string{
		"7": "alpha.example.com",
		"8": "beta.example.com",
	})

	table := NewTable()
	w := NewWatcher(table, NewIndexClient(srv.URL), gptlog.Nop())
	require.NoError(t, w.syncOnce(context.Background()))

	assert.Equal(t, map[string]uint16{
		"alpha.example.com": 8001,
		"alpha":             8001,
		"7":                 8001,
		"beta.example.com":  8002,
		"beta":              8002,
		"8":                 8002,
	}, table.Snapshot())
}

// A node whose hostname lookup fails stays out of the table this cycle
// and is retried (and installed) on the next.
func TestWatcher_SyncOnce_ResolutionFailureRetriedNextCycle(t *testing.T) {
	dir := withSystemdDir(t)
	writeUnit(t, dir, 7, 8001)

	hostnames := map[string]string{}
	srv := fakeIndex(t, hostnames)

	table := NewTable()
	w := NewWatcher(table, NewIndexClient(srv.URL), gptlog.Nop())

	require.NoError(t, w.syncOnce(context.Background()))
	assert.Zero(t, table.Len(), "unresolved node must not be routed")

	hostnames["7"] = "alpha.example.com"
	require.NoError(t, w.syncOnce(context.Background()))
	assert.Equal(t, 3, table.Len())
}

// A removed service unit disappears from the table on the next sync.
func TestWatcher_SyncOnce_PrunesRemovedUnits(t *testing.T) {
	dir := withSystemdDir(t)
	writeUnit(t, dir, 7, 8001)

	srv := fakeIndex(t, map[string]string{"7": "alpha.example.com"})

	table := NewTable()
	w := NewWatcher(table, NewIndexClient(srv.URL), gptlog.Nop())
	require.NoError(t, w.syncOnce(context.Background()))
	require.Equal(t, 3, table.Len())

	removeUnit(t, dir, 7)
	require.NoError(t, w.syncOnce(context.Background()))
	assert.Zero(t, table.Len())
}
