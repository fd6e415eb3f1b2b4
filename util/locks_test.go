package util_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/powsubnet/util"
)

func TestKeyedLocks(t *testing.T) {
	t.Parallel()
	locks := util.NewKeyedLocks()

	var wg sync.WaitGroup
	counters := map[string]*int{"a": new(int), "b": new(int)}
	for range 50 {
		for key, counter := range counters {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := locks.Lock(key)
				defer unlock()
				*counter++
			}()
		}
	}
	wg.Wait()
	require.Equal(t, 50, *counters["a"])
	require.Equal(t, 50, *counters["b"])
	require.Zero(t, locks.Len())
}

func TestKeyedLocksAreIndependent(t *testing.T) {
	t.Parallel()
	locks := util.NewKeyedLocks()
	unlockA := locks.Lock("a")
	// Would deadlock if keys shared a lock.
	unlockB := locks.Lock("b")
	require.Equal(t, 2, locks.Len())
	unlockB()
	unlockA()
	require.Zero(t, locks.Len())
}
