package ringchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := New[int](3)

	for i := 1; i <= 5; i++ {
		rc.Send(i)
	}

	require.Equal(t, 3, rc.Len())

	var got []int
	for i := 0; i < 3; i++ {
		got = append(got, <-rc.C())
	}
	assert.Equal(t, []int{3, 4, 5}, got)

	m := rc.GetMetrics()
	assert.Equal(t, int64(5), m.Written)
	assert.Equal(t, int64(2), m.Overwritten)
	assert.Zero(t, m.Dropped)
}

func TestRingChannel_SendReportsOverwrite(t *testing.T) {
	rc := New[string](1)

	assert.False(t, rc.Send("a"))
	assert.True(t, rc.Send("b"))
	assert.Equal(t, "b", <-rc.C())
}

func TestRingChannel_Close(t *testing.T) {
	rc := New[int](2)
	rc.Send(1)

	rc.Close()
	assert.NotPanics(t, rc.Close, "Close MUST be idempotent")
	assert.NotPanics(t, func() { rc.Send(2) }, "send after close MUST NOT panic")

	v, ok := <-rc.C()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = <-rc.C()
	assert.False(t, ok)

	assert.Equal(t, int64(1), rc.GetMetrics().Dropped)
}

func TestRingChannel_ConcurrentProducersNeverBlock(t *testing.T) {
	rc := New[int](4)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rc.Send(i)
			}
		}()
	}
	wg.Wait()

	m := rc.GetMetrics()
	assert.Equal(t, int64(800), m.Written)
	assert.Equal(t, 4, rc.Len())
	assert.Equal(t, m.Written-int64(rc.Len()), m.Overwritten)
}

func TestNew_PanicsOnInvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
