package orchestrator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hanchat/server/internal/logging"
)

func TestMailboxSerializesMutations(t *testing.T) {
	m := newMailbox(logging.Discard())
	defer m.close()

	counter := 0
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.call(func() { counter++ }))
		}()
	}
	wg.Wait()

	var got int
	require.NoError(t, m.call(func() { got = counter }))
	assert.Equal(t, 100, got)
	assert.Equal(t, int64(101), m.stats()["processed"])
}

func TestMailboxPostRunsInOrder(t *testing.T) {
	m := newMailbox(logging.Discard())
	defer m.close()

	var order []int
	for i := range 10 {
		require.NoError(t, m.post(func() { order = append(order, i) }))
	}
	var got []int
	require.NoError(t, m.call(func() { got = append(got, order...) }))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestMailboxClosed(t *testing.T) {
	m := newMailbox(logging.Discard())
	m.close()
	m.close()

	assert.ErrorIs(t, m.call(func() {}), ErrSessionClosed)
	assert.ErrorIs(t, m.post(func() {}), ErrSessionClosed)
}
