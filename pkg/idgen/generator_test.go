package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnowflakeGenerator_Unique(t *testing.T) {
	gen, err := NewSnowflakeGenerator(1)
	require.NoError(t, err)

	const workers, perWorker = 8, 500
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := gen.NewID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestNewSnowflakeGenerator_InvalidNode(t *testing.T) {
	_, err := NewSnowflakeGenerator(4096)
	assert.Error(t, err)
}
