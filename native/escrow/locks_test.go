package escrow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyedLocksSerialisePerKey(t *testing.T) {
	locks := newKeyedLocks()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("inv-1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 64, counter)
	require.Zero(t, locks.size())
}

func TestKeyedLocksIndependentKeys(t *testing.T) {
	locks := newKeyedLocks()
	unlockA := locks.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()
	<-done
	require.Equal(t, 1, locks.size())
	unlockA()
	require.Zero(t, locks.size())
}
