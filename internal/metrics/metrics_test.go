package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Metrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TaskPolled()
		m.TaskFinished("ok")
		m.CacheInvalidated("vms")
		m.ToolCalled("vm_list", "ok")
		m.SetPending(3)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func Test_Metrics_Counters(t *testing.T) {
	m := New()

	m.TaskPolled()
	m.TaskPolled()
	m.TaskFinished("ok")
	m.TaskFinished("failed")
	m.TaskFinished("failed")
	m.CacheInvalidated("vms")
	m.ToolCalled("vm_start", "error")
	m.SetPending(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.taskPolls))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskResults.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.taskResults.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheInvalidations.WithLabelValues("vms")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("vm_start", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pendingActions))
}

func Test_Metrics_Handler(t *testing.T) {
	m := New()
	m.ToolCalled("vm_list", "ok")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `pve_mcp_tool_calls_total{result="ok",tool="vm_list"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
