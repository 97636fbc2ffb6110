package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/bucketdb/internal/bucketdb"
	"github.com/tunnelmesh/bucketdb/internal/metrics"
	"github.com/tunnelmesh/bucketdb/internal/tracing"
	"github.com/tunnelmesh/bucketdb/pkg/bucket"
)

func startServer(t *testing.T, dbs ...bucketdb.Database) *Server {
	t.Helper()
	server := NewServer(zerolog.Nop(), dbs...)
	require.NoError(t, server.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func get(t *testing.T, server *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + server.Addr() + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_HealthEndpoint(t *testing.T) {
	server := startServer(t)

	status, body := get(t, server, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "ok")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	old := metrics.Registry
	metrics.Registry = prometheus.NewRegistry()
	defer func() { metrics.Registry = old }()

	db := bucketdb.NewSortedDatabase(
		bucketdb.WithMetrics(bucketdb.NewMetrics(metrics.Registry)),
		bucketdb.WithName("admin"),
	)
	guard := db.AcquireReadGuard()
	defer func() { _ = guard.Release() }()

	server := startServer(t, db)
	status, body := get(t, server, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, strings.Contains(body, `bucketdb_active_guards{db="admin"} 1`), body)
}

func TestServer_StatsEndpoint(t *testing.T) {
	reg := bucketdb.NewMetrics(prometheus.NewRegistry())
	a := bucketdb.NewBTreeDatabase(bucketdb.WithMetrics(reg), bucketdb.WithName("a"))
	b := bucketdb.NewSortedDatabase(bucketdb.WithMetrics(reg), bucketdb.WithName("b"))
	for i := range uint64(3) {
		require.NoError(t, a.Update(bucketdb.Entry{Bucket: bucket.MustNew(8, i)}))
	}

	server := startServer(t, a, b)
	status, body := get(t, server, "/stats")
	require.Equal(t, http.StatusOK, status)

	var out []DatabaseStats
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Name)
	assert.Equal(t, "btree", out[0].Engine)
	assert.Equal(t, 3, out[0].Size)
	assert.Equal(t, uint64(3), out[0].Stats.Generation)
	assert.Equal(t, "b", out[1].Name)
	assert.Equal(t, "sorted", out[1].Engine)
	assert.Equal(t, 0, out[1].Size)
}

func TestServer_StartStop(t *testing.T) {
	server := NewServer(zerolog.Nop())
	assert.Empty(t, server.Addr())
	require.NoError(t, server.Start("127.0.0.1:0"))
	addr := server.Addr()

	_, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err, "server should be reachable")

	require.NoError(t, server.Stop())

	client := &http.Client{Timeout: 100 * time.Millisecond}
	_, err = client.Get("http://" + addr + "/health")
	assert.Error(t, err, "server should not be reachable after stop")
}

func TestServer_StartTwiceOnSameAddr(t *testing.T) {
	server := startServer(t)
	other := NewServer(zerolog.Nop())
	assert.Error(t, other.Start(server.Addr()))
}

func TestServer_NotFound(t *testing.T) {
	server := startServer(t)
	status, _ := get(t, server, "/nonexistent")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_TraceEndpoint(t *testing.T) {
	server := startServer(t)
	status, _ := get(t, server, "/debug/trace")
	assert.Equal(t, http.StatusServiceUnavailable, status)

	rec, err := tracing.Start(tracing.DefaultBufferSize, 0)
	require.NoError(t, err)
	defer rec.Stop()

	traced := NewServer(zerolog.Nop())
	traced.SetRecorder(rec)
	require.NoError(t, traced.Start("127.0.0.1:0"))
	defer func() { _ = traced.Stop() }()

	status, body := get(t, traced, "/debug/trace")
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body)
}
