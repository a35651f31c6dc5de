// Package daemon hosts the scheduler: it replays trigger events from the
// spool directory, sweeps the pipelines, hot-reloads the tenant layout and
// publishes a status snapshot and Prometheus metrics.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/gatekeeper/internal/events"
	"github.com/msageha/gatekeeper/internal/local"
	"github.com/msageha/gatekeeper/internal/lock"
	"github.com/msageha/gatekeeper/internal/manager"
	"github.com/msageha/gatekeeper/internal/metrics"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/scheduler"
	"github.com/msageha/gatekeeper/internal/semaphore"
	yamlutil "github.com/msageha/gatekeeper/internal/yaml"
)

const (
	LockFileName   = "gatekeeper.lock"
	StatusFileName = "status.yaml"
	ReportLogName  = "reports.jsonl"

	// maxRounds bounds one Sweep; completions delivered in the last round
	// are picked up by the next tick.
	maxRounds = 50
)

// Daemon is the gatekeeper host process.
type Daemon struct {
	config   model.Config
	logLevel model.LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock   *lock.FileLock
	spoolLocks *lock.MutexMap
	watcher    *fsnotify.Watcher

	backend    *local.Backend
	semaphores *semaphore.Handler
	scheduler  *scheduler.Scheduler
	stats      *metrics.Stats
	bus        *events.Bus
	reportLog  *events.ReportLog
	detach     []func()

	reload   singleflight.Group
	shutdown sync.Once
}

// New creates a daemon logging to cfg.Logging.File, or stderr when unset.
func New(cfg model.Config) (*Daemon, error) {
	if cfg.Logging.File == "" {
		return newDaemon(cfg, os.Stderr, nil)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	d, err := newDaemon(cfg, logFile, logFile)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	return d, nil
}

func newDaemon(cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	layout, err := loadLayout(cfg)
	if err != nil {
		return nil, err
	}

	logger := log.New(w, "", 0)
	level := model.ParseLogLevel(cfg.Logging.Level)

	backend := local.NewBackend(cfg.DryRun, logger, level)
	semaphores := semaphore.NewHandler(logger, level)
	sched := scheduler.New(layout, backend.Collaborators(layout, semaphores), logger, level)
	sched.SetRelativePriority(cfg.Scheduler.RelativePriority)

	stats := metrics.New()
	sched.SetStats(stats)
	bus := events.NewBus(256)
	sched.SetEventBus(bus)

	d := &Daemon{
		config:     cfg,
		logLevel:   level,
		logger:     logger,
		logFile:    closer,
		fileLock:   lock.NewFileLock(filepath.Join(cfg.StateDir, LockFileName)),
		spoolLocks: lock.NewMutexMap(),
		backend:    backend,
		semaphores: semaphores,
		scheduler:  sched,
		stats:      stats,
		bus:        bus,
	}
	d.detach = append(d.detach, stats.Attach(bus))
	return d, nil
}

func loadLayout(cfg model.Config) (*model.Layout, error) {
	layout, err := model.LoadLayout(cfg.LayoutFile)
	if err != nil {
		return nil, err
	}
	if layout.Tenant == "" {
		layout.Tenant = cfg.Tenant
	}
	return layout, nil
}

func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

func (d *Daemon) Backend() *local.Backend {
	return d.backend
}

func (d *Daemon) Stats() *metrics.Stats {
	return d.stats
}

// Run starts the daemon and blocks until ctx is canceled or a loop fails.
func (d *Daemon) Run(ctx context.Context) error {
	for _, dir := range []string{d.config.StateDir, d.config.SpoolDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	defer d.Shutdown()
	d.log(model.LogLevelInfo, "daemon_starting pid=%d tenant=%s", os.Getpid(), d.scheduler.Layout().Tenant)

	reportLog, err := events.NewReportLog(filepath.Join(d.config.StateDir, ReportLogName), 0)
	if err != nil {
		return err
	}
	d.reportLog = reportLog
	d.detach = append(d.detach, reportLog.Attach(d.bus))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	for _, dir := range []string{d.config.SpoolDir, filepath.Dir(d.config.LayoutFile)} {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	d.ScanSpool(ctx)
	d.Sweep(ctx)
	d.writeStatus()
	d.log(model.LogLevelInfo, "daemon_ready spool=%s pipelines=%s",
		d.config.SpoolDir, strings.Join(d.scheduler.Pipelines(), ","))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.sweepLoop(gctx) })
	g.Go(func() error { return d.watchLoop(gctx) })
	if d.config.Metrics.Enabled {
		g.Go(func() error { return d.serveMetrics(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// sweepLoop scans the spool on every tick and sweeps whenever the scheduler
// signals new work.
func (d *Daemon) sweepLoop(ctx context.Context) error {
	interval := time.Duration(d.config.Scheduler.ScanIntervalSec) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.log(model.LogLevelDebug, "periodic_scan")
			d.ScanSpool(ctx)
			d.Sweep(ctx)
			d.writeStatus()
		case <-d.scheduler.Wake():
			if d.Sweep(ctx) {
				d.writeStatus()
			}
		}
	}
}

// watchLoop feeds spool file and layout file changes to the daemon.
func (d *Daemon) watchLoop(ctx context.Context) error {
	layoutPath := filepath.Clean(d.config.LayoutFile)
	spoolDir := filepath.Clean(d.config.SpoolDir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Clean(event.Name)
			d.log(model.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, name)
			switch {
			case name == layoutPath:
				_ = d.ReloadLayout()
			case filepath.Dir(name) == spoolDir:
				d.processSpoolFile(ctx, name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.log(model.LogLevelError, "fsnotify error=%v", err)
		}
	}
}

func (d *Daemon) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.stats.Handler())
	srv := &http.Server{
		Addr:              d.config.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.log(model.LogLevelInfo, "metrics_listening addr=%s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Sweep processes the pipelines and delivers collaborator completions until
// both are idle. It reports whether anything happened.
func (d *Daemon) Sweep(ctx context.Context) bool {
	active := false
	for range maxRounds {
		changed := d.scheduler.Process(ctx)
		delivered := d.backend.Dispatcher.Deliver(d.scheduler)
		if !changed && delivered == 0 {
			return active
		}
		active = true
	}
	d.log(model.LogLevelDebug, "sweep_round_limit rounds=%d pending=%d", maxRounds, d.backend.Dispatcher.Pending())
	return active
}

// ScanSpool processes every spool file in name order.
func (d *Daemon) ScanSpool(ctx context.Context) {
	entries, err := os.ReadDir(d.config.SpoolDir)
	if err != nil {
		d.log(model.LogLevelError, "spool_scan_failed dir=%s error=%v", d.config.SpoolDir, err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		d.processSpoolFile(ctx, filepath.Join(d.config.SpoolDir, name))
	}
}

// processSpoolFile applies one spool file and removes it. Files that cannot
// be read are quarantined under the state directory.
func (d *Daemon) processSpoolFile(ctx context.Context, path string) {
	if yamlutil.IsTemp(path) || filepath.Ext(path) != ".yaml" {
		return
	}
	if !d.spoolLocks.TryLock(path) {
		return
	}
	defer d.spoolLocks.Unlock(path)

	if _, err := os.Stat(path); err != nil {
		return
	}

	sf, err := ReadSpoolFile(path)
	if err != nil {
		dst, qerr := yamlutil.Quarantine(d.config.StateDir, path, err.Error())
		if qerr != nil {
			d.log(model.LogLevelError, "spool_quarantine_failed file=%s error=%v", path, qerr)
			return
		}
		d.log(model.LogLevelWarn, "spool_file_quarantined file=%s dest=%s error=%v", path, dst, err)
		return
	}

	if err := d.apply(ctx, sf); err != nil {
		d.log(model.LogLevelWarn, "spool_event_rejected id=%s type=%s error=%v", sf.Event.ID, sf.Event.Type, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.log(model.LogLevelError, "spool_remove_failed file=%s error=%v", path, err)
	}
}

// apply registers the event's change with the source and hands the event
// to the scheduler.
func (d *Daemon) apply(ctx context.Context, sf *SpoolFile) error {
	ev := sf.Event
	change := sf.BuildChange()
	if ev.Type == model.EventChangeAbandoned {
		change.Open = false
	}

	d.scheduler.WithLock(func() {
		change = d.backend.Source.Register(change, sf.Config)
		if ev.Type == model.EventChangeMerged {
			d.backend.Source.MarkMerged(change)
		}
	})

	switch ev.Type {
	case model.EventEnqueue:
		if err := d.scheduler.Enqueue(ctx, ev.Pipeline, change, false); err != nil {
			return err
		}
		d.log(model.LogLevelInfo, "event_processed id=%s type=%s change=%s pipelines=%s", ev.ID, ev.Type, change, ev.Pipeline)
	case model.EventDequeue:
		if err := d.scheduler.Dequeue(ev.Pipeline, change); err != nil {
			return err
		}
		d.log(model.LogLevelInfo, "event_processed id=%s type=%s change=%s pipelines=%s", ev.ID, ev.Type, change, ev.Pipeline)
	default:
		enqueued := d.scheduler.HandleEvent(ctx, &ev, change)
		d.log(model.LogLevelInfo, "event_processed id=%s type=%s change=%s pipelines=%s",
			ev.ID, ev.Type, change, strings.Join(enqueued, ","))
	}
	return nil
}

// ReloadLayout re-reads the layout file and reconfigures the scheduler.
// Concurrent calls share one load. An invalid layout keeps the current one.
func (d *Daemon) ReloadLayout() error {
	_, err, _ := d.reload.Do("layout", func() (any, error) {
		layout, err := loadLayout(d.config)
		if err != nil {
			d.log(model.LogLevelError, "layout_reload_failed file=%s error=%v", d.config.LayoutFile, err)
			return nil, err
		}
		var c manager.Collaborators
		d.scheduler.WithLock(func() {
			c = d.backend.Collaborators(layout, d.semaphores)
		})
		d.scheduler.SetCollaborators(c)
		d.scheduler.Reconfigure(layout)
		d.log(model.LogLevelInfo, "layout_reloaded file=%s pipelines=%d", d.config.LayoutFile, len(layout.Pipelines))
		return layout, nil
	})
	return err
}

// StatusFile is the on-disk status snapshot.
type StatusFile struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	scheduler.Status      `yaml:",inline"`

	PID int `yaml:"pid"`
}

func (d *Daemon) writeStatus() {
	doc := StatusFile{
		SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypeStatus),
		Status:       d.scheduler.Status(),
		PID:          os.Getpid(),
	}
	path := filepath.Join(d.config.StateDir, StatusFileName)
	if err := yamlutil.AtomicWrite(path, doc); err != nil {
		d.log(model.LogLevelError, "status_write_failed file=%s error=%v", path, err)
	}
}

// ReadStatus loads the snapshot last written by a daemon using stateDir.
func ReadStatus(stateDir string) (*StatusFile, error) {
	path := filepath.Join(stateDir, StatusFileName)
	if err := yamlutil.ValidateSchemaHeader(path, yamlutil.FileTypeStatus); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	var st StatusFile
	if err := yamlutil.DecodeStrict(content, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (d *Daemon) shutdownTimeout() time.Duration {
	timeout := d.config.Scheduler.ShutdownTimeoutSec
	if timeout <= 0 {
		timeout = 10
	}
	return time.Duration(timeout) * time.Second
}

// Shutdown releases the daemon's resources. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(model.LogLevelInfo, "shutdown_started")
		if d.watcher != nil {
			d.watcher.Close()
		}
		d.writeStatus()
		for _, detach := range d.detach {
			detach()
		}
		d.bus.Close()
		if d.reportLog != nil {
			d.reportLog.Close()
		}
		d.fileLock.Unlock()
		d.log(model.LogLevelInfo, "daemon_stopped")
		if d.logFile != nil {
			d.logFile.Close()
		}
	})
}

func (d *Daemon) log(level model.LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level, msg)
}
