package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	p.HolderCreated()
	p.HolderCreated()
	p.HolderRemoved()
	p.TicketsChanged(3)
	p.Saved("chunk", 128)
	p.Saved("chunk", 64)
	p.SaveFailed("poi")
	p.Unloaded(4)
	p.StageCompleted("noise", 2*time.Millisecond)
	p.PropagationPass(true)
	p.QueueDepth("load", 7)

	require.Equal(t, 1.0, testutil.ToFloat64(p.holders))
	require.Equal(t, 3.0, testutil.ToFloat64(p.tickets))
	require.Equal(t, 2.0, testutil.ToFloat64(p.saves.WithLabelValues("chunk")))
	require.Equal(t, 192.0, testutil.ToFloat64(p.savedBytes.WithLabelValues("chunk")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.saveErrors.WithLabelValues("poi")))
	require.Equal(t, 4.0, testutil.ToFloat64(p.unloads))
	require.Equal(t, 7.0, testutil.ToFloat64(p.queueDepths.WithLabelValues("load")))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNop(t *testing.T) {
	c := OrNop(nil)
	c.HolderCreated()
	c.StageCompleted("full", time.Second)
}
