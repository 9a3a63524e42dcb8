package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/store"
	"github.com/roach88/golemexec/internal/testutil"
)

var (
	liveWorker   = oplog.WorkerID{ComponentID: testutil.ComponentID(1), Name: "w1"}
	exitedWorker = oplog.WorkerID{ComponentID: testutil.ComponentID(1), Name: "done"}
)

// fixture is a SQLite oplog database with two workers and a configuration
// file pointing at it.
type fixture struct {
	dbPath     string
	configPath string
	payload    oplog.ExternalPayload
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dbPath:     filepath.Join(dir, "oplog.db"),
		configPath: filepath.Join(dir, "golem.yaml"),
	}
	config := fmt.Sprintf(`storage:
  backend: sqlite
  path: %q
payloads:
  backend: sqlite
  inline_threshold: 16
logging:
  level: error
`, f.dbPath)
	require.NoError(t, os.WriteFile(f.configPath, []byte(config), 0o644))

	f.withStore(t, func(st *store.Store) {
		f.writeLiveWorker(t, st)
		f.writeExitedWorker(t, st)
	})
	return f
}

func (f *fixture) withStore(t *testing.T, fn func(st *store.Store)) {
	t.Helper()
	st, err := store.Open(f.dbPath)
	require.NoError(t, err)
	defer st.Close()
	fn(st)
}

func openLog(t *testing.T, st *store.Store, w oplog.WorkerID) *oplog.Oplog {
	t.Helper()
	log, err := oplog.Open(context.Background(), w, st, oplog.Options{
		Payloads:        st,
		InlineThreshold: 16,
		Now:             func() time.Time { return testutil.FakeEpoch },
	})
	require.NoError(t, err)
	return log
}

func commit(t *testing.T, log *oplog.Oplog) {
	t.Helper()
	_, err := log.Commit(context.Background(), oplog.Immediate)
	require.NoError(t, err)
}

// writeLiveWorker writes an invocation, a failed retry, and a crash.
func (f *fixture) writeLiveWorker(t *testing.T, st *store.Store) {
	log := openLog(t, st, liveWorker)
	log.Add(&oplog.Create{
		WorkerID:          liveWorker,
		ComponentVersion:  1,
		Args:              []string{"-v"},
		ComponentSize:     2048,
		InitialMemorySize: 65536,
	})
	log.Add(&oplog.ExportedFunctionInvoked{
		FunctionName:   "add",
		Request:        oplog.InlinePayload([]byte(`[2]`)),
		IdempotencyKey: "k1",
	})
	log.Add(&oplog.ImportedFunctionInvoked{
		FunctionName: "golem::api::now",
		Request:      oplog.InlinePayload([]byte(`null`)),
		Response:     oplog.InlinePayload([]byte(`{"ok":5}`)),
		FunctionType: oplog.ReadLocalFn(),
	})
	log.Add(&oplog.Log{Level: oplog.LogInfo, Context: "test", Message: "hello world"})
	log.Add(&oplog.ExportedFunctionCompleted{Response: oplog.InlinePayload([]byte(`2`)), ConsumedFuel: 3})
	log.Add(&oplog.Error{Error: oplog.WorkerError{Kind: oplog.ErrUnknown, Message: "out of fuel"}, RetryFrom: 2})
	log.Add(&oplog.Restart{})
	log.Add(&oplog.Jump{Jump: oplog.Region{Start: 3, End: 4}})
	commit(t, log)
}

// writeExitedWorker writes one invocation with an external request payload,
// then exits.
func (f *fixture) writeExitedWorker(t *testing.T, st *store.Store) {
	ctx := context.Background()
	log := openLog(t, st, exitedWorker)
	p, err := log.MakePayload(ctx, []byte(`"`+strings.Repeat("x", 64)+`"`))
	require.NoError(t, err)
	require.True(t, p.IsExternal())
	f.payload = *p.External

	log.Add(&oplog.Create{WorkerID: exitedWorker, ComponentVersion: 1, InitialMemorySize: 65536})
	log.Add(&oplog.ExportedFunctionInvoked{FunctionName: "add", Request: p, IdempotencyKey: "k2"})
	log.Add(&oplog.ExportedFunctionCompleted{Response: oplog.InlinePayload([]byte(`0`))})
	log.Add(&oplog.Exited{})
	commit(t, log)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return run(t, append(args, "--config", f.configPath)...)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "workers", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, "workers", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestWorkers_NoConfigIsEmpty(t *testing.T) {
	out, err := run(t, "workers")
	require.NoError(t, err)
	assert.Equal(t, "No workers found\n", out)
}

func TestWorkers_JSON(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "workers", "--format", "json")
	require.NoError(t, err)

	var summaries []WorkerSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 2)

	done := summaries[0]
	assert.Equal(t, exitedWorker.String(), done.Worker)
	assert.Equal(t, "exited", done.Status)
	assert.Equal(t, uint64(1), done.ComponentVersion)
	assert.Equal(t, uint64(4), done.Entries)
	assert.Equal(t, 1, done.Invocations)
	assert.Equal(t, uint64(65536), done.MemorySize)

	live := summaries[1]
	assert.Equal(t, liveWorker.String(), live.Worker)
	assert.Equal(t, uint64(1), live.FirstIndex)
	assert.Equal(t, uint64(8), live.LastIndex)
}

func TestWorkers_Text(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "workers", exitedWorker.String())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "WORKER"))
	assert.Equal(t, []string{exitedWorker.String(), "exited", "1", "1..4", "1", "0", "64", "KiB"}, strings.Fields(lines[1]))
}

func TestDump_Golden(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "dump", liveWorker.String())
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "dump_text", []byte(out))
}

func TestDump_FromAndLimit(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "dump", liveWorker.String(), "--from", "3", "--limit", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "3", strings.Fields(lines[0])[0])
	assert.Equal(t, "Log", strings.Fields(lines[1])[2])
}

func TestDump_JSONDownloadsExternalPayloads(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "dump", exitedWorker.String(), "--format", "json")
	require.NoError(t, err)

	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 4)
	request := entries[1]["details"].(map[string]any)["request"].(map[string]any)
	assert.Equal(t, strings.Repeat("x", 64), request["value"])
}

func TestDump_UnknownWorker(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "dump", testutil.ComponentID(9).String()+"/nobody")
	require.NoError(t, err)
	assert.Contains(t, out, "No entries found")

	_, err = f.run(t, "dump", "not-a-worker")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSearch(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "search", "kind:Exited")
	require.NoError(t, err)
	assert.Contains(t, out, exitedWorker.String())
	assert.NotContains(t, out, liveWorker.String())

	out, err = f.run(t, "search", "function:add", "--format", "json")
	require.NoError(t, err)
	var results []SearchResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	assert.Equal(t, exitedWorker.String(), results[0].Worker)

	out, err = f.run(t, "search", `"hello world"`, "--worker", liveWorker.String())
	require.NoError(t, err)
	assert.Contains(t, out, "[info] test: hello world")

	out, err = f.run(t, "search", "kind:Revert")
	require.NoError(t, err)
	assert.Equal(t, "No entries match kind:Revert\n", out)
}

func TestSearch_InvalidQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "search", "color:red")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid query")
}

func TestVerify_OK(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "ok "+exitedWorker.String()+" (4 entries, 1 external payloads)")
	assert.Contains(t, out, "2 workers checked, 0 failed")
}

func TestVerify_CorruptPayload(t *testing.T) {
	f := newFixture(t)
	f.withStore(t, func(st *store.Store) {
		require.NoError(t, st.PutPayload(context.Background(), exitedWorker, f.payload.ID, []byte("garbage")))
	})

	out, err := f.run(t, "verify", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var reports []VerifyReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 2)
	require.Len(t, reports[0].Problems, 1)
	assert.Contains(t, reports[0].Problems[0], "entry 2")
	assert.Contains(t, reports[0].Problems[0], "corrupted")
	assert.Empty(t, reports[1].Problems)
}

func TestVerify_MissingPayload(t *testing.T) {
	f := newFixture(t)
	f.withStore(t, func(st *store.Store) {
		require.NoError(t, st.DeletePayloads(context.Background(), exitedWorker))
	})

	out, err := f.run(t, "verify", exitedWorker.String())
	require.Error(t, err)
	assert.Contains(t, out, "FAILED "+exitedWorker.String())
	assert.Contains(t, out, "problem: entry 2: external payload is missing")
}

func TestVerify_Gap(t *testing.T) {
	f := newFixture(t)
	f.withStore(t, func(st *store.Store) {
		_, err := st.DB().Exec(`DELETE FROM oplog_entries WHERE worker_name = ? AND idx = 3`, liveWorker.Name)
		require.NoError(t, err)
	})

	out, err := f.run(t, "verify", liveWorker.String())
	require.Error(t, err)
	assert.Contains(t, out, "problem: expected index 3, found 4")
}

func TestCompact_RefusesWorkerThatMayRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "compact", liveWorker.String(), "--through", "3")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "only exited workers can be compacted")

	// The retained Jump skips [3, 4]; --force does not allow cutting into it.
	_, err = f.run(t, "compact", liveWorker.String(), "--through", "3", "--force")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, oplog.ErrSkippedRegion)

	out, err := f.run(t, "compact", liveWorker.String(), "--through", "4", "--force")
	require.NoError(t, err)
	assert.Equal(t, "Dropped 4 entries of "+liveWorker.String()+"; oplog now starts at 5\n", out)
}

func TestCompact_ExitedWorker(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "compact", exitedWorker.String(), "--through", "2", "--format", "json")
	require.NoError(t, err)

	var result CompactResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, CompactResult{Worker: exitedWorker.String(), Dropped: 2, FirstIndex: 3}, result)

	out, err = f.run(t, "workers", exitedWorker.String(), "--format", "json")
	require.NoError(t, err)
	var summaries []WorkerSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, StatusCompacted, summaries[0].Status)
	assert.Equal(t, uint64(2), summaries[0].Entries)

	_, err = f.run(t, "verify")
	assert.NoError(t, err, "a compacted log is still consistent")

	dumped, err := f.run(t, "dump", exitedWorker.String(), "--format", "json")
	require.NoError(t, err)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(dumped), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, float64(3), entries[0]["index"])
}

func TestCompact_RequiresThrough(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "compact", exitedWorker.String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}
