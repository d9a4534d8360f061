package routing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTable_LookupMiss(t *testing.T) {
	table := NewTable()
	_, ok := table.Lookup("unknown.example.com")
	assert.False(t, ok)
}

func TestTable_SwapIsAtomic(t *testing.T) {
	table := NewTable()
	table.Swap(map[string]uint16{"a": 1})

	port, ok := table.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, uint16(1), port)

	table.Swap(map[string]uint16{"b": 2})
	_, ok = table.Lookup("a")
	assert.False(t, ok, "stale key must not survive a swap")
	port, ok = table.Lookup("b")
	assert.True(t, ok)
	assert.Equal(t, uint16(2), port)
}

// Any reader observes either the full pre-swap table or the full
// post-swap table, never a mix.
func TestTable_ReadersNeverSeeHalfSwap(t *testing.T) {
	table := NewTable()
	old := map[string]uint16{"alpha": 8001, "alpha.example.com": 8001, "7": 8001}
	table.Swap(old)

	var wg sync.WaitGroup
	results := make(chan map[string]uint16, 64)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- table.Snapshot()
		}()
	}
	next := map[string]uint16{"beta": 8002, "beta.example.com": 8002, "8": 8002}
	table.Swap(next)
	wg.Wait()
	close(results)

	for snapshot := range results {
		isOld := assert.ObjectsAreEqual(old, snapshot)
		isNew := assert.ObjectsAreEqual(next, snapshot)
		assert.True(t, isOld || isNew, "snapshot must match one complete table, got %v", snapshot)
	}
}

func TestInsertNodeKeys_ThreeKeysPerNode(t *testing.T) {
	dst := make(map[string]uint16)
	InsertNodeKeys(dst, 7, "alpha.example.com", 8001)
	InsertNodeKeys(dst, 8, "beta.example.com", 8002)

	assert.Equal(t, map[string]uint16{
		"alpha.example.com": 8001,
		"alpha":             8001,
		"7":                 8001,
		"beta.example.com":  8002,
		"beta":              8002,
		"8":                 8002,
	}, dst)
}

func TestInsertNodeKeys_NoHostnameYet(t *testing.T) {
	dst := make(map[string]uint16)
	InsertNodeKeys(dst, 42, "", 8042)
	assert.Equal(t, map[string]uint16{"42": 8042}, dst)
}

func TestStripPort(t *testing.T) {
	assert.Equal(t, "alpha.example.com", StripPort("alpha.example.com:443"))
	assert.Equal(t, "alpha.example.com", StripPort("alpha.example.com"))
}
