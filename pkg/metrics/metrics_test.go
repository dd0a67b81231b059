package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/campipeline/cam/pkg/metrics"
	"github.com/campipeline/cam/pkg/storage"
	"github.com/campipeline/cam/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, vec.WithLabelValues(labels...).Write(&m))
	return m.GetGauge().GetValue()
}

func TestTimer_ObservesNonNegativeDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_timer_duration_seconds"})
	timer := metrics.NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDuration(histogram)

	var m dto.Metric
	require.NoError(t, histogram.Write(&m))
	require.GreaterOrEqual(t, m.GetHistogram().GetSampleSum(), 0.0)
	require.EqualValues(t, 1, m.GetHistogram().GetSampleCount())
}

func TestHandler_ServesPrometheusFormat(t *testing.T) {
	srv := httptest.NewServer(metrics.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCollector_SamplesTaskAndWorkerCounts(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &types.Task{ID: "t-waiting", Status: types.TaskWaiting, Source: types.SourceScheduler}))
	require.NoError(t, store.CreateTask(ctx, &types.Task{ID: "t-queued", Status: types.TaskQueued, Source: types.SourceScheduler}))
	require.NoError(t, store.UpsertWorker(ctx, &types.Worker{ID: "w-1", Status: types.WorkerIdle, Mode: types.ModeDaemon}))

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	require.Eventually(t, func() bool {
		return gaugeValue(t, metrics.TasksByStatus, "waiting") == 1 &&
			gaugeValue(t, metrics.TasksByStatus, "queued") == 1 &&
			gaugeValue(t, metrics.WorkersByStatus, "idle", "daemon") == 1
	}, 2*time.Second, 10*time.Millisecond)
}
