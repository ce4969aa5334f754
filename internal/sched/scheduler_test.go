package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallAndFireInterval(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.InstallInterval("tick", time.Second, func() { runs.Add(1) }))
	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestInstallReplacesExistingJob(t *testing.T) {
	s := New()
	require.NoError(t, s.Install("job", "@every 1h", func() {}))
	require.NoError(t, s.Install("job", "@every 2h", func() {}))
	assert.Equal(t, []string{"job"}, s.Jobs())
}

func TestInstallRejectsBadSpec(t *testing.T) {
	s := New()
	require.Error(t, s.Install("bad", "not a spec", func() {}))
	assert.Empty(t, s.Jobs())
}

func TestRemoveAndRemovePrefix(t *testing.T) {
	s := New()
	require.NoError(t, s.Install("notification_global_1", "@every 1h", func() {}))
	require.NoError(t, s.Install("notification_global_2", "@every 1h", func() {}))
	require.NoError(t, s.Install("payments_pending", "@every 25s", func() {}))

	s.Remove("payments_pending")
	assert.Len(t, s.Jobs(), 2)
	s.Remove("payments_pending") // second remove is a no-op

	s.RemovePrefix("notification_global_")
	assert.Empty(t, s.Jobs())
}

func TestSingleFlightDropsOverlappingRuns(t *testing.T) {
	s := New()
	var entered atomic.Int32
	release := make(chan struct{})
	job := s.singleFlight("slow", func() {
		entered.Add(1)
		<-release
	})

	go job()
	require.Eventually(t, func() bool { return entered.Load() == 1 }, time.Second, 10*time.Millisecond)

	// Second tick while the first is still running must be dropped.
	job()
	assert.Equal(t, int32(1), entered.Load())

	close(release)
}

func TestCronTZSpecAccepted(t *testing.T) {
	s := New()
	require.NoError(t, s.Install("weekly", "CRON_TZ=Europe/Moscow 0 18 * * 5", func() {}))
}
