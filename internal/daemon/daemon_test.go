package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/gatekeeper/internal/local"
	"github.com/msageha/gatekeeper/internal/lock"
	"github.com/msageha/gatekeeper/internal/manager"
	"github.com/msageha/gatekeeper/internal/model"
)

const testLayout = `
tenant: example
pipelines:
  - name: check
    manager: independent
    trigger:
      - event: [patchset-created]
    success: [vote]
    failure: [vote]
    merge_failure: [vote]
  - name: gate
    manager: dependent
    trigger:
      - event: [comment-added]
        comment: '(?i)^approved$'
    success: [submit]
    failure: [vote]
    merge_failure: [vote]
jobs:
  - name: build
  - name: test
    dependencies: [build]
projects:
  - name: org/a
    pipelines:
      check:
        jobs: [build, test]
      gate:
        jobs: [build, test]
`

const checkOnlyLayout = `
tenant: example
pipelines:
  - name: check
    manager: independent
    trigger:
      - event: [patchset-created]
    success: [vote]
    failure: [vote]
jobs:
  - name: build
projects:
  - name: org/a
    pipelines:
      check:
        jobs: [build]
`

func newTestDaemon(t *testing.T, dry model.DryRunConfig) (*Daemon, model.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := model.Config{
		Tenant:     "example",
		LayoutFile: filepath.Join(root, "etc", "layout.yaml"),
		SpoolDir:   filepath.Join(root, "spool"),
		StateDir:   filepath.Join(root, "state"),
		Scheduler:  model.SchedulerConfig{ScanIntervalSec: 1, ShutdownTimeoutSec: 1},
		Logging:    model.LoggingConfig{Level: "debug"},
		DryRun:     dry,
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.LayoutFile), 0755))
	require.NoError(t, os.MkdirAll(cfg.SpoolDir, 0755))
	require.NoError(t, os.WriteFile(cfg.LayoutFile, []byte(testLayout), 0644))

	d, err := newDaemon(cfg, io.Discard, nil)
	require.NoError(t, err)
	return d, cfg
}

func spoolChange(number int) *model.Change {
	return &model.Change{
		Connection:      "gerrit",
		Project:         "org/a",
		Branch:          "main",
		Ref:             fmt.Sprintf("refs/changes/%d/1", number),
		Number:          number,
		Patchset:        1,
		URL:             fmt.Sprintf("https://review.example.com/%d", number),
		Files:           []string{"README"},
		Open:            true,
		CurrentPatchset: true,
		Approved:        true,
	}
}

func drop(t *testing.T, cfg model.Config, evType model.EventType, change *model.Change, mutate func(*SpoolFile)) string {
	t.Helper()
	sf := &SpoolFile{
		Event: model.TriggerEvent{
			Type:       evType,
			Connection: change.Connection,
			Project:    change.Project,
			Branch:     change.Branch,
		},
		Change: change,
	}
	if mutate != nil {
		mutate(sf)
	}
	path, err := WriteSpoolFile(cfg.SpoolDir, sf)
	require.NoError(t, err)
	return path
}

func reports(d *Daemon, reporter string) []local.Report {
	r, ok := d.Backend().Reporters[reporter]
	if !ok {
		return nil
	}
	return r.Reports()
}

func spoolEntries(t *testing.T, cfg model.Config) []string {
	t.Helper()
	entries, err := os.ReadDir(cfg.SpoolDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestNewDaemonRejectsMissingLayout(t *testing.T) {
	_, err := newDaemon(model.Config{LayoutFile: filepath.Join(t.TempDir(), "absent.yaml")}, io.Discard, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read layout")
}

func TestScanSpoolRunsCheckPipeline(t *testing.T) {
	d, cfg := newTestDaemon(t, model.DryRunConfig{})
	drop(t, cfg, model.EventPatchsetCreated, spoolChange(1), nil)

	d.ScanSpool(context.Background())
	assert.Empty(t, spoolEntries(t, cfg))
	assert.True(t, d.Sweep(context.Background()))

	got := reports(d, "vote")
	require.Len(t, got, 1)
	assert.Equal(t, manager.ActionSuccess, got[0].Action)
	assert.Equal(t, model.ResultSuccess, got[0].Result)
	assert.Equal(t, []string{"<Change org/a 1,1> build", "<Change org/a 1,1> test"}, d.Backend().Executor.History())
	assert.False(t, d.Sweep(context.Background()))
}

func TestGateMergesDependencyChain(t *testing.T) {
	d, cfg := newTestDaemon(t, model.DryRunConfig{})
	a := spoolChange(1)
	b := spoolChange(2)

	drop(t, cfg, model.EventCommentAdded, a, func(sf *SpoolFile) { sf.Event.Comment = "recheck" })
	drop(t, cfg, model.EventCommentAdded, b, func(sf *SpoolFile) {
		sf.Event.Comment = "Approved"
		sf.DependsOn = []string{a.URL}
	})

	d.ScanSpool(context.Background())
	d.Sweep(context.Background())

	source := d.Backend().Source
	assert.True(t, source.IsMerged(a))
	assert.True(t, source.IsMerged(b))
	assert.Len(t, reports(d, local.SubmitReporter), 2)
	assert.Equal(t, 0, d.Scheduler().ItemCount()["gate"])
}

func TestFailingJobViaSpool(t *testing.T) {
	d, cfg := newTestDaemon(t, model.DryRunConfig{FailJobs: []string{"test"}})
	drop(t, cfg, model.EventPatchsetCreated, spoolChange(3), nil)

	d.ScanSpool(context.Background())
	d.Sweep(context.Background())

	got := reports(d, "vote")
	require.Len(t, got, 1)
	assert.Equal(t, manager.ActionFailure, got[0].Action)
}

func TestEnqueueAndDequeueViaSpool(t *testing.T) {
	d, cfg := newTestDaemon(t, model.DryRunConfig{})
	change := spoolChange(4)

	drop(t, cfg, model.EventEnqueue, change, func(sf *SpoolFile) { sf.Event.Pipeline = "check" })
	d.ScanSpool(context.Background())
	require.Equal(t, 1, d.Scheduler().ItemCount()["check"])

	drop(t, cfg, model.EventDequeue, change, func(sf *SpoolFile) { sf.Event.Pipeline = "check" })
	d.ScanSpool(context.Background())
	assert.Equal(t, 0, d.Scheduler().ItemCount()["check"])
	assert.Empty(t, spoolEntries(t, cfg))

	drop(t, cfg, model.EventEnqueue, change, func(sf *SpoolFile) { sf.Event.Pipeline = "post" })
	d.ScanSpool(context.Background())
	assert.Empty(t, spoolEntries(t, cfg), "rejected events are consumed")
}

func TestAbandonViaSpool(t *testing.T) {
	d, cfg := newTestDaemon(t, model.DryRunConfig{})
	change := spoolChange(5)
	drop(t, cfg, model.EventPatchsetCreated, change, nil)
	d.ScanSpool(context.Background())
	require.Equal(t, 1, d.Scheduler().ItemCount()["check"])

	drop(t, cfg, model.EventChangeAbandoned, change, nil)
	d.ScanSpool(context.Background())
	assert.Equal(t, 0, d.Scheduler().ItemCount()["check"])

	d.Sweep(context.Background())
	assert.Empty(t, d.Backend().Executor.History())
}

func TestMalformedSpoolFileQuarantined(t *testing.T) {
	d, cfg := newTestDaemon(t, model.DryRunConfig{})
	bad := filepath.Join(cfg.SpoolDir, "0001-bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("schema_version: 1\nfile_type: trigger_event\nevent: [\n"), 0644))
	ignored := filepath.Join(cfg.SpoolDir, "notes.txt")
	require.NoError(t, os.WriteFile(ignored, []byte("hello"), 0644))

	d.ScanSpool(context.Background())

	assert.Equal(t, []string{"notes.txt"}, spoolEntries(t, cfg))
	quarantined, err := os.ReadDir(filepath.Join(cfg.StateDir, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 2, "file and reason")
}

func TestReloadLayout(t *testing.T) {
	d, cfg := newTestDaemon(t, model.DryRunConfig{})
	require.Equal(t, []string{"check", "gate"}, d.Scheduler().Pipelines())

	require.NoError(t, os.WriteFile(cfg.LayoutFile, []byte("pipelines: [\n"), 0644))
	require.Error(t, d.ReloadLayout())
	assert.Equal(t, []string{"check", "gate"}, d.Scheduler().Pipelines())

	require.NoError(t, os.WriteFile(cfg.LayoutFile, []byte(checkOnlyLayout), 0644))
	require.NoError(t, d.ReloadLayout())
	assert.Equal(t, []string{"check"}, d.Scheduler().Pipelines())

	drop(t, cfg, model.EventPatchsetCreated, spoolChange(6), nil)
	d.ScanSpool(context.Background())
	d.Sweep(context.Background())
	assert.Equal(t, []string{"<Change org/a 6,1> build"}, d.Backend().Executor.History())
}

func TestStatusSnapshot(t *testing.T) {
	d, cfg := newTestDaemon(t, model.DryRunConfig{})
	drop(t, cfg, model.EventPatchsetCreated, spoolChange(7), nil)
	d.ScanSpool(context.Background())
	d.writeStatus()

	st, err := ReadStatus(cfg.StateDir)
	require.NoError(t, err)
	assert.Equal(t, "example", st.Tenant)
	assert.Equal(t, os.Getpid(), st.PID)
	require.Len(t, st.Pipelines, 2)
	assert.Equal(t, "check", st.Pipelines[0].Name)
	require.NotEmpty(t, st.Pipelines[0].Queues)
	require.Len(t, st.Pipelines[0].Queues[0].Items, 1)
	assert.Equal(t, "<Change org/a 7,1>", st.Pipelines[0].Queues[0].Items[0].Change)

	_, err = ReadStatus(t.TempDir())
	assert.Error(t, err)
}

func TestRunProcessesSpoolAndStops(t *testing.T) {
	d, cfg := newTestDaemon(t, model.DryRunConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	lockPath := filepath.Join(cfg.StateDir, LockFileName)
	require.Eventually(t, func() bool { return lock.HolderPID(lockPath) == os.Getpid() }, 2*time.Second, 10*time.Millisecond)

	drop(t, cfg, model.EventPatchsetCreated, spoolChange(8), nil)
	require.Eventually(t, func() bool {
		got := reports(d, "vote")
		return len(got) == 1 && got[0].Action == manager.ActionSuccess
	}, 5*time.Second, 20*time.Millisecond)

	second, err := newDaemon(cfg, io.Discard, nil)
	require.NoError(t, err)
	err = second.Run(context.Background())
	require.ErrorIs(t, err, lock.ErrLocked)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))

	st, err := ReadStatus(cfg.StateDir)
	require.NoError(t, err)
	assert.Equal(t, "example", st.Tenant)
	_, err = os.Stat(filepath.Join(cfg.StateDir, ReportLogName))
	assert.NoError(t, err)
}

func TestShutdownIdempotent(t *testing.T) {
	d, _ := newTestDaemon(t, model.DryRunConfig{})
	d.Shutdown()
	d.Shutdown()
}
