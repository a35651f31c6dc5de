// Package scheduler hosts one pipeline manager per configured pipeline and
// serializes every trigger event, result callback and queue sweep behind a
// single lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/msageha/gatekeeper/internal/events"
	"github.com/msageha/gatekeeper/internal/manager"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

var ErrUnknownPipeline = errors.New("unknown pipeline")

// maxSweeps bounds the number of back-to-back sweeps of one pipeline.
const maxSweeps = 100

// Scheduler owns the managers of one tenant.
type Scheduler struct {
	mu       sync.Mutex
	layout   *model.Layout
	c        manager.Collaborators
	managers map[string]*manager.Manager
	order    []string

	relativePriority bool
	stats            manager.StatsSink
	bus              *events.Bus

	wake chan struct{}

	logger   *log.Logger
	logLevel model.LogLevel
}

// New creates a manager for every pipeline of layout.
func New(layout *model.Layout, c manager.Collaborators, logger *log.Logger, logLevel model.LogLevel) *Scheduler {
	s := &Scheduler{
		layout:   layout,
		c:        c,
		managers: make(map[string]*manager.Manager),
		wake:     make(chan struct{}, 1),
		logger:   logger,
		logLevel: logLevel,
	}
	for i := range layout.Pipelines {
		s.addPipeline(&layout.Pipelines[i], layout)
	}
	return s
}

func (s *Scheduler) addPipeline(cfg *model.PipelineConfig, layout *model.Layout) *manager.Manager {
	m := manager.New(queue.NewPipeline(cfg, layout), s.c, s.logger, s.logLevel)
	m.SetPeers(s.peer)
	m.SetRelativePriority(s.relativePriority)
	m.SetStats(s.stats)
	m.SetEventBus(s.bus)
	s.managers[cfg.Name] = m
	s.order = append(s.order, cfg.Name)
	s.log(model.LogLevelInfo, "pipeline_added pipeline=%s manager=%s", cfg.Name, cfg.Manager)
	return m
}

// peer is only called by managers while s.mu is held.
func (s *Scheduler) peer(name string) *manager.Manager {
	return s.managers[name]
}

// SetCollaborators replaces the collaborators of every pipeline and of
// pipelines added later.
func (s *Scheduler) SetCollaborators(c manager.Collaborators) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c = c
	for _, m := range s.managers {
		m.SetCollaborators(c)
	}
}

// SetRelativePriority enables node request ranking in every pipeline.
func (s *Scheduler) SetRelativePriority(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relativePriority = enabled
	for _, m := range s.managers {
		m.SetRelativePriority(enabled)
	}
}

// SetStats wires the telemetry sink of every pipeline.
func (s *Scheduler) SetStats(stats manager.StatsSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
	for _, m := range s.managers {
		m.SetStats(stats)
	}
}

// SetEventBus wires the lifecycle event bus of every pipeline.
func (s *Scheduler) SetEventBus(bus *events.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = bus
	for _, m := range s.managers {
		m.SetEventBus(bus)
	}
}

// Wake receives a value whenever a callback changed state that the next
// sweep should look at.
func (s *Scheduler) Wake() <-chan struct{} {
	return s.wake
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Layout() *model.Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// Pipelines returns the pipeline names in layout order.
func (s *Scheduler) Pipelines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// WithLock runs fn while holding the scheduler lock, for callers that update
// change objects the pipelines may hold.
func (s *Scheduler) WithLock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// HandleEvent applies a trigger event for change and returns the names of
// the pipelines the change was enqueued into.
func (s *Scheduler) HandleEvent(ctx context.Context, ev *model.TriggerEvent, change *model.Change) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ArrivedAt.IsZero() {
		ev.ArrivedAt = time.Now()
	}
	s.log(model.LogLevelDebug, "trigger_event id=%s type=%s change=%s", ev.ID, ev.Type, change)

	switch ev.Type {
	case model.EventChangeAbandoned:
		for _, name := range s.order {
			s.managers[name].RemoveAbandonedChange(change)
		}
		s.notify()
		return nil
	case model.EventPatchsetCreated:
		for _, name := range s.order {
			s.managers[name].RemoveOldVersionsOfChange(change)
		}
	}

	var enqueued []string
	for _, name := range s.order {
		m := s.managers[name]
		if !m.EventMatches(ev) {
			continue
		}
		if m.AddChange(ctx, change, ev) {
			enqueued = append(enqueued, name)
		}
	}
	if len(enqueued) > 0 {
		s.notify()
	}
	s.log(model.LogLevelInfo, "trigger_event_handled id=%s change=%s pipelines=%v", ev.ID, change, enqueued)
	return enqueued
}

// Enqueue forces change into the named pipeline, bypassing triggers and
// pipeline requirements.
func (s *Scheduler) Enqueue(ctx context.Context, pipeline string, change *model.Change, quiet bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.managers[pipeline]
	if !ok {
		return fmt.Errorf("enqueue %s: %w: %s", change, ErrUnknownPipeline, pipeline)
	}
	ev := &model.TriggerEvent{
		ID:        fmt.Sprintf("enqueue-%d", time.Now().UnixNano()),
		Type:      model.EventEnqueue,
		Project:   change.Project,
		Branch:    change.Branch,
		Pipeline:  pipeline,
		Timestamp: time.Now(),
		ArrivedAt: time.Now(),
	}
	if !m.ForceChange(ctx, change, ev, quiet) {
		return fmt.Errorf("enqueue %s into %s: change not accepted", change, pipeline)
	}
	s.notify()
	return nil
}

// Dequeue removes the live item for change from the named pipeline.
func (s *Scheduler) Dequeue(pipeline string, change *model.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.managers[pipeline]
	if !ok {
		return fmt.Errorf("dequeue %s: %w: %s", change, ErrUnknownPipeline, pipeline)
	}
	m.RemoveAbandonedChange(change)
	s.notify()
	return nil
}

// Process sweeps every pipeline until none of them reports a change. It
// reports whether any sweep changed state.
func (s *Scheduler) Process(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, name := range s.order {
		m := s.managers[name]
		for i := 0; i < maxSweeps; i++ {
			if ctx.Err() != nil {
				return changed
			}
			if !m.ProcessQueue(ctx) {
				break
			}
			changed = true
			if i == maxSweeps-1 {
				s.log(model.LogLevelWarn, "sweep_limit_reached pipeline=%s sweeps=%d", name, maxSweeps)
			}
		}
	}
	return changed
}

// Reconfigure switches to a new tenant layout. Pipelines missing from the
// new layout are emptied and dropped; new pipelines get a fresh manager.
func (s *Scheduler) Reconfigure(layout *model.Layout) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldOrder := s.order
	s.order = nil
	kept := make(map[string]bool)
	for i := range layout.Pipelines {
		cfg := &layout.Pipelines[i]
		m, ok := s.managers[cfg.Name]
		if !ok {
			s.addPipeline(cfg, layout)
			continue
		}
		kept[cfg.Name] = true
		s.order = append(s.order, cfg.Name)
		m.Reconfigure(layout)
	}
	for _, name := range oldOrder {
		if kept[name] {
			continue
		}
		m := s.managers[name]
		if m == nil {
			continue
		}
		m.DequeueAll()
		delete(s.managers, name)
		s.log(model.LogLevelInfo, "pipeline_removed pipeline=%s", name)
	}
	s.layout = layout
	s.notify()
	s.log(model.LogLevelInfo, "tenant_reconfigured tenant=%s pipelines=%d", layout.Tenant, len(s.order))
}

// managerFor finds the manager owning item. Items of pipelines that were
// removed have none.
func (s *Scheduler) managerFor(item *queue.Item) *manager.Manager {
	if item == nil || item.Pipeline == nil {
		return nil
	}
	m, ok := s.managers[item.Pipeline.Name()]
	if !ok || m.Pipeline() != item.Pipeline {
		return nil
	}
	return m
}

func (s *Scheduler) managerForBuildSet(bs *queue.BuildSet) *manager.Manager {
	if bs == nil {
		return nil
	}
	return s.managerFor(bs.Item)
}

func (s *Scheduler) OnBuildStarted(build *queue.Build) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.managerForBuildSet(build.BuildSet); m != nil {
		m.OnBuildStarted(build)
	}
}

func (s *Scheduler) OnBuildPaused(build *queue.Build, resultData map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.managerForBuildSet(build.BuildSet); m != nil {
		m.OnBuildPaused(build, resultData)
		s.notify()
	}
}

func (s *Scheduler) OnBuildCompleted(build *queue.Build) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.managerForBuildSet(build.BuildSet)
	if m == nil {
		s.log(model.LogLevelDebug, "orphan_build_completed build=%s", build.UUID)
		return
	}
	m.OnBuildCompleted(build)
	s.notify()
}

// CompleteBuild records the outcome of a build reported by an executor
// that runs outside the scheduler lock, then applies it.
func (s *Scheduler) CompleteBuild(build *queue.Build, result model.Result, resultData map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	build.Result = result
	if resultData != nil {
		build.ResultData = resultData
	}
	m := s.managerForBuildSet(build.BuildSet)
	if m == nil {
		s.log(model.LogLevelDebug, "orphan_build_completed build=%s", build.UUID)
		return
	}
	m.OnBuildCompleted(build)
	s.notify()
}

// FulfillNodeRequest records the outcome of a node request handled outside
// the scheduler lock, then applies it.
func (s *Scheduler) FulfillNodeRequest(req *queue.NodeRequest, nodeSet *model.NodeSet, failed bool) {
	s.mu.Lock()
	if failed {
		req.State = queue.NodeRequestFailed
		req.Failed = true
	} else {
		req.State = queue.NodeRequestFulfilled
		req.NodeSet = nodeSet
	}
	s.mu.Unlock()
	s.OnNodesProvisioned(req)
}

func (s *Scheduler) OnFilesChangesCompleted(bs *queue.BuildSet, files []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.managerForBuildSet(bs); m != nil {
		m.OnFilesChangesCompleted(bs, files)
		s.notify()
	}
}

func (s *Scheduler) OnMergeCompleted(res manager.MergeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.managerForBuildSet(res.BuildSet); m != nil {
		m.OnMergeCompleted(res)
		s.notify()
	}
}

func (s *Scheduler) OnNodesProvisioned(req *queue.NodeRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.managerForBuildSet(req.BuildSet)
	if m == nil {
		if req.Fulfilled() && req.NodeSet != nil && s.c.Nodepool != nil {
			if err := s.c.Nodepool.ReturnNodeSet(req.NodeSet, req.BuildSet); err != nil {
				s.log(model.LogLevelWarn, "orphan_nodeset_return_failed request=%s err=%v", req.ID, err)
			}
		}
		return
	}
	m.OnNodesProvisioned(req)
	s.notify()
}

// Status is a point-in-time view of every pipeline.
type Status struct {
	Tenant      string           `yaml:"tenant"`
	GeneratedAt time.Time        `yaml:"generated_at"`
	Pipelines   []PipelineStatus `yaml:"pipelines"`
}

type PipelineStatus struct {
	Name                string                `yaml:"name"`
	Manager             string                `yaml:"manager"`
	Disabled            bool                  `yaml:"disabled,omitempty"`
	ConsecutiveFailures int                   `yaml:"consecutive_failures,omitempty"`
	Queues              []manager.QueueStatus `yaml:"queues"`
}

// Status describes every pipeline in layout order.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{GeneratedAt: time.Now().UTC()}
	if s.layout != nil {
		st.Tenant = s.layout.Tenant
	}
	for _, name := range s.order {
		m := s.managers[name]
		p := m.Pipeline()
		st.Pipelines = append(st.Pipelines, PipelineStatus{
			Name:                name,
			Manager:             p.Config.Manager,
			Disabled:            p.Disabled(),
			ConsecutiveFailures: p.ConsecutiveFailures(),
			Queues:              m.Snapshot(),
		})
	}
	return st
}

// ItemCount returns the number of items per pipeline.
func (s *Scheduler) ItemCount() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.managers))
	for name, m := range s.managers {
		out[name] = len(m.Pipeline().AllItems())
	}
	return out
}

// PipelinesFor lists the pipelines whose triggers select ev, sorted.
func (s *Scheduler) PipelinesFor(ev *model.TriggerEvent) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, m := range s.managers {
		if m.EventMatches(ev) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) log(level model.LogLevel, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s scheduler: %s", time.Now().Format(time.RFC3339), level, msg)
}
