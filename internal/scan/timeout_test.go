package scan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blemq/internal/testutils"
)

func TestStaleTimeoutDoesNotStopNewerScan(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	adapter := testutils.NewFakeAdapter()
	ctrl := NewController(adapter, Options{Service: "180d", Timeout: time.Minute}, helper.Logger)
	t.Cleanup(func() {
		ctrl.StopScan()
		<-ctrl.Done()
	})

	require.NoError(t, ctrl.StartScan(context.Background()))
	ctrl.mu.Lock()
	first := ctrl.done
	ctrl.mu.Unlock()

	ctrl.StopScan()
	<-ctrl.Done()

	require.NoError(t, ctrl.StartScan(context.Background()))
	require.Eventually(t, adapter.IsScanning, testutils.EventTimeout, testutils.PollInterval)

	// the first scan's timer firing late
	assert.False(t, ctrl.stopIfCurrent(first))
	assert.Never(t, func() bool { return !ctrl.IsScanning() }, 4*testutils.ShortDelay, testutils.PollInterval)

	ctrl.mu.Lock()
	second := ctrl.done
	ctrl.mu.Unlock()
	assert.True(t, ctrl.stopIfCurrent(second))

	select {
	case <-ctrl.Done():
	case <-time.After(testutils.EventTimeout):
		t.Fatal("current scan did not stop")
	}
}
