package metrics

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/golemexec/internal/executor"
	"github.com/roach88/golemexec/internal/oplog"
)

func newCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	return c, reg
}

func TestNewCollector_RejectsDoubleRegistration(t *testing.T) {
	_, reg := newCollector(t)
	_, err := NewCollector(reg)
	assert.Error(t, err)
}

func TestCollector_OplogActivity(t *testing.T) {
	c, _ := newCollector(t)

	c.EntryAdded(oplog.KindCreate)
	c.EntryAdded(oplog.KindImportedFunctionInvoked)
	c.EntryAdded(oplog.KindImportedFunctionInvoked)
	c.FallibleAddFailed(oplog.KindBeginRemoteTransaction)
	c.Committed(3, 2*time.Millisecond)
	c.Committed(0, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.entriesAdded.WithLabelValues("ImportedFunctionInvoked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.entriesAdded.WithLabelValues("Create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fallibleFailures.WithLabelValues("BeginRemoteTransaction")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commits), "empty commits are not counted")
}

func TestCollector_ReplayAndWorkers(t *testing.T) {
	c, _ := newCollector(t)

	c.EntryReplayed(oplog.KindExportedFunctionInvoked)
	c.NonDeterminism()
	c.WorkerRetried(oplog.ErrUnknown)
	c.WorkerStatusChanged(executor.Idle, executor.Running)
	c.WorkerStatusChanged(executor.Running, executor.Idle)
	c.WorkerStatusChanged(executor.Idle, executor.Running)
	c.TransactionRecovered("committed")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.replayed.WithLabelValues("ExportedFunctionInvoked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nonDeterminism))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries.WithLabelValues("unknown")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.statusTransitions.WithLabelValues(executor.Running.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.statusTransitions.WithLabelValues(executor.Idle.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recoveries.WithLabelValues("committed")))
}

func TestCollector_Exposition(t *testing.T) {
	c, reg := newCollector(t)
	c.NonDeterminism()

	expected := `
# HELP golem_replay_nondeterminism_total Replays that diverged from the recorded oplog.
# TYPE golem_replay_nondeterminism_total counter
golem_replay_nondeterminism_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "golem_replay_nondeterminism_total"))
}

func TestServe(t *testing.T) {
	c, reg := newCollector(t)
	c.EntryAdded(oplog.KindCreate)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, reg, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		body = string(data)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, body, `golem_oplog_entries_added_total{kind="Create"} 1`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestStorageCollector(t *testing.T) {
	ctx := context.Background()
	storage := oplog.NewMemoryStorage()
	w := oplog.WorkerID{Name: "w1"}
	log, err := oplog.Open(ctx, w, storage, oplog.Options{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		log.Add(&oplog.NoOp{})
	}
	_, err = log.Commit(ctx, oplog.Immediate)
	require.NoError(t, err)
	_, err = log.DropPrefix(ctx, 2)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewStorageCollector(storage, time.Second))

	expected := `
# HELP golem_oplog_retained_entries Entries retained in the worker's oplog.
# TYPE golem_oplog_retained_entries gauge
golem_oplog_retained_entries{worker="00000000-0000-0000-0000-000000000000/w1"} 3
# HELP golem_oplog_workers Workers with a non-empty oplog.
# TYPE golem_oplog_workers gauge
golem_oplog_workers 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"golem_oplog_retained_entries", "golem_oplog_workers"))
}
