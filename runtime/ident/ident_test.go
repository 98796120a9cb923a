package ident

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionIDsUnique(t *testing.T) {
	gen := NewProduction()
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := gen.NewMessageID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestProductionMessageIDsTimeOrdered(t *testing.T) {
	gen := NewProduction()
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = gen.NewMessageID()
		time.Sleep(time.Millisecond)
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, ids, "UUIDv7 ids should sort in mint order")
}

func TestDeterministicSequence(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	gen := NewDeterministic("t1", start)

	assert.Equal(t, "run-t1-000001", gen.NewRunID())
	assert.Equal(t, "corr-t1-000002", gen.NewCorrelationID())
	assert.Equal(t, "msg-t1-000003", gen.NewMessageID())
	assert.Equal(t, start, gen.Now())

	gen.Advance(250 * time.Millisecond)
	assert.Equal(t, start.Add(250*time.Millisecond), gen.Now())
}

func TestDeterministicConcurrentMint(t *testing.T) {
	gen := NewDeterministic("race", time.Unix(0, 0))
	var wg sync.WaitGroup
	ids := make(chan string, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- gen.NewMessageID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{})
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 200)
}
