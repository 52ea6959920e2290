package broadcast

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotifyReachesAllSubscribersAndCoalesces(t *testing.T) {
	b := New()
	a, cancelA := b.Subscribe()
	c, cancelC := b.Subscribe()
	defer cancelA()
	defer cancelC()
	require.Equal(t, 2, b.Len())

	b.Notify()
	b.Notify()
	b.Notify()

	require.Len(t, a, 1)
	require.Len(t, c, 1)
	<-a
	<-c
	require.Len(t, a, 0)
}

func TestCancelUnsubscribes(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe()
	cancel()
	cancel()

	require.Zero(t, b.Len())
	b.Notify()
	require.Len(t, ch, 0)
}
