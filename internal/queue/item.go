package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/gatekeeper/internal/jobgraph"
	"github.com/msageha/gatekeeper/internal/model"
)

// SemaphoreAcquirer decides whether a job may proceed past the node
// request (requestResources true) or run phase while holding its semaphore.
type SemaphoreAcquirer interface {
	Acquire(item *Item, job *jobgraph.Job, requestResources bool) bool
}

// Item is one change under test in one queue of a pipeline.
type Item struct {
	ID       string
	Pipeline *Pipeline
	Queue    *ChangeQueue
	Change   *model.Change
	Event    *model.TriggerEvent

	BuildSet    *BuildSet
	ItemAhead   *Item
	ItemsBehind []*Item

	EnqueueTime time.Time
	ReportTime  time.Time
	DequeueTime time.Time

	Reported        bool
	ReportedEnqueue bool
	ReportedStart   bool
	Quiet           bool
	// Active is set while the item is inside its queue's window.
	Active bool
	// Live items are reported; non-live items only provide a speculative
	// base for the items behind them.
	Live bool

	Layout          *model.Layout
	ProjectPipeline *model.ProjectPipelineConfig
	JobGraph        *jobgraph.JobGraph
	Bundle          *Bundle

	DequeuedNeedingChange bool
	DequeuedBundleFailing bool
}

func NewItem(q *ChangeQueue, change *model.Change, event *model.TriggerEvent) *Item {
	item := &Item{
		ID:       uuid.NewString(),
		Pipeline: q.Pipeline,
		Queue:    q,
		Change:   change,
		Event:    event,
		Live:     true,
	}
	item.BuildSet = NewBuildSet(item)
	return item
}

func (i *Item) String() string {
	pipeline := ""
	if i.Pipeline != nil {
		pipeline = i.Pipeline.Name()
	}
	return fmt.Sprintf("<Item %s for %s in %s>", shortID(i.ID), i.Change, pipeline)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ResetAllBuilds discards the build set, layout and job graph.
func (i *Item) ResetAllBuilds() {
	i.BuildSet = NewBuildSet(i)
	i.Layout = nil
	i.ProjectPipeline = nil
	i.JobGraph = nil
}

func (i *Item) AddBuild(b *Build) {
	i.BuildSet.AddBuild(b)
}

func (i *Item) SetReportedResult(result model.Result) {
	i.ReportTime = time.Now()
	i.BuildSet.Result = result
}

// Warning records a message that is included in the item's report.
func (i *Item) Warning(msg string) {
	i.BuildSet.Warnings = append(i.BuildSet.Warnings, msg)
}

func (i *Item) HasJobGraph() bool {
	return i.JobGraph != nil
}

// Jobs returns the jobs of a live item with a frozen job graph.
func (i *Item) Jobs() []*jobgraph.Job {
	if !i.Live || i.JobGraph == nil {
		return nil
	}
	return i.JobGraph.Jobs()
}

func (i *Item) Job(name string) *jobgraph.Job {
	if i.JobGraph == nil {
		return nil
	}
	return i.JobGraph.Job(name)
}

// FreezeJobGraph resolves the item's jobs from its layout. The graph is
// left unset when freezing fails.
func (i *Item) FreezeJobGraph() error {
	if i.Layout == nil {
		return fmt.Errorf("item %s has no layout", i)
	}
	i.ProjectPipeline = i.Layout.ProjectPipeline(i.Change.Project, i.Pipeline.Name())
	g, err := jobgraph.Freeze(i.Layout, i.Change, i.Pipeline.Name())
	if err != nil {
		i.ProjectPipeline = nil
		i.JobGraph = nil
		return err
	}
	i.JobGraph = g
	return nil
}

// ItemsAhead walks the item_ahead chain, nearest first.
func (i *Item) ItemsAhead() []*Item {
	var out []*Item
	for ahead := i.ItemAhead; ahead != nil; ahead = ahead.ItemAhead {
		out = append(out, ahead)
	}
	return out
}

// NonLiveItemsAhead returns the non-live items ahead, farthest first.
func (i *Item) NonLiveItemsAhead() []*Item {
	ahead := i.ItemsAhead()
	var out []*Item
	for idx := len(ahead) - 1; idx >= 0; idx-- {
		if !ahead[idx].Live {
			out = append(out, ahead[idx])
		}
	}
	return out
}

func (i *Item) HaveAllJobsStarted() bool {
	if i.JobGraph == nil {
		return false
	}
	for _, job := range i.Jobs() {
		b := i.BuildSet.Build(job.Name)
		if b == nil || b.StartTime.IsZero() {
			return false
		}
	}
	return true
}

// AreAllJobsComplete is true once every job has a result, or as soon as
// the item can no longer run jobs at all.
func (i *Item) AreAllJobsComplete() bool {
	if len(i.BuildSet.ConfigErrors) > 0 || i.BuildSet.UnableToMerge || i.BuildSet.ConfigPending {
		return true
	}
	if i.JobGraph == nil {
		return false
	}
	for _, job := range i.Jobs() {
		b := i.BuildSet.Build(job.Name)
		if b == nil || b.Result == "" {
			return false
		}
	}
	return true
}

// DidAllJobsSucceed ignores non-voting and skipped jobs, but an item whose
// jobs were all skipped did not succeed.
func (i *Item) DidAllJobsSucceed() bool {
	if i.JobGraph == nil {
		return false
	}
	allSkipped := true
	for _, job := range i.Jobs() {
		b := i.BuildSet.Build(job.Name)
		if b == nil {
			if job.Voting {
				return false
			}
			continue
		}
		if b.Result != model.ResultSkipped {
			allSkipped = false
		}
		if job.Voting && b.Result != model.ResultSuccess && b.Result != model.ResultSkipped {
			return false
		}
	}
	return !allSkipped
}

// HasAnyJobFailed considers finished voting jobs only.
func (i *Item) HasAnyJobFailed() bool {
	if i.JobGraph == nil {
		return false
	}
	for _, job := range i.Jobs() {
		if !job.Voting {
			continue
		}
		if b := i.BuildSet.Build(job.Name); b != nil && b.Failed() {
			return true
		}
	}
	return false
}

func (i *Item) DidMergerFail() bool {
	return i.BuildSet.UnableToMerge
}

func (i *Item) ConfigErrors() []model.ConfigError {
	return i.BuildSet.ConfigErrors
}

// IsBundleFailing checks the live bundle members in the same queue only;
// members in other queues are not waited for.
func (i *Item) IsBundleFailing() bool {
	if i.Bundle == nil {
		return false
	}
	if i.Bundle.FailedReporting {
		return true
	}
	for _, member := range i.Bundle.Items {
		if member.Live && member.Queue == i.Queue && (member.HasAnyJobFailed() || member.DidMergerFail()) {
			return true
		}
	}
	return false
}

func (i *Item) DidBundleFinish() bool {
	if i.Bundle == nil {
		return true
	}
	for _, member := range i.Bundle.Items {
		if member.Live && member.Queue == i.Queue && !member.AreAllJobsComplete() {
			return false
		}
	}
	return true
}

func (i *Item) DidBundleStartReporting() bool {
	return i.Bundle != nil && i.Bundle.StartedReporting
}

func (i *Item) CannotMergeBundle() bool {
	return i.Bundle != nil && i.Bundle.CannotMerge
}

// IncludesConfigUpdates reports whether this item, its bundle or any item
// ahead changes trusted or untrusted project configuration.
func (i *Item) IncludesConfigUpdates() (trusted, untrusted bool) {
	layout := i.Pipeline.Layout
	classify := func(c *model.Change) {
		if !c.UpdatesConfig(layout) {
			return
		}
		if pc := layout.Project(c.Project); pc != nil && pc.Trusted {
			trusted = true
		} else {
			untrusted = true
		}
	}
	if i.Bundle != nil {
		for _, member := range i.Bundle.Items {
			classify(member.Change)
			if trusted && untrusted {
				return
			}
		}
	}
	for item := i; item != nil; item = item.ItemAhead {
		classify(item.Change)
		if trusted && untrusted {
			return
		}
	}
	return
}

// IsHoldingFollowingChanges is true while a hold_following_changes job of
// this item, or of any live item ahead, has not succeeded.
func (i *Item) IsHoldingFollowingChanges() bool {
	if !i.Live || i.JobGraph == nil {
		return false
	}
	for _, job := range i.Jobs() {
		if !job.HoldFollowingChanges {
			continue
		}
		b := i.BuildSet.Build(job.Name)
		if b == nil || b.Result != model.ResultSuccess {
			return true
		}
	}
	if i.ItemAhead == nil {
		return false
	}
	return i.ItemAhead.IsHoldingFollowingChanges()
}

type jobStates struct {
	blocked map[string]bool
	ignored map[string]bool
}

// classifyJobs splits the graph into jobs that block their dependents
// (not run, running or failed) and jobs that were skipped.
func (i *Item) classifyJobs() jobStates {
	s := jobStates{
		blocked: make(map[string]bool),
		ignored: make(map[string]bool),
	}
	for _, job := range i.JobGraph.Jobs() {
		b := i.BuildSet.Build(job.Name)
		switch {
		case b == nil:
			s.blocked[job.Name] = true
		case b.Result == model.ResultSuccess || b.Paused:
		case b.Result == model.ResultSkipped:
			s.ignored[job.Name] = true
		default:
			s.blocked[job.Name] = true
		}
	}
	return s
}

// FindJobsToRun returns jobs whose nodes are provisioned and whose parents
// all succeeded (or paused), in graph order.
func (i *Item) FindJobsToRun(sem SemaphoreAcquirer) []*jobgraph.Job {
	if !i.Live || i.JobGraph == nil {
		return nil
	}
	if i.ItemAhead != nil && i.ItemAhead.IsHoldingFollowingChanges() {
		return nil
	}
	states := i.classifyJobs()
	var torun []*jobgraph.Job
	for _, job := range i.JobGraph.Jobs() {
		if i.BuildSet.Build(job.Name) != nil {
			continue
		}
		if !i.parentsReady(job, states) {
			continue
		}
		if i.BuildSet.JobNodeSet(job.Name) == nil {
			continue
		}
		if sem.Acquire(i, job, false) {
			torun = append(torun, job)
		}
	}
	return torun
}

// FindJobsToRequest returns jobs that need a node request: no build,
// request or nodes yet, and every dependency finished successfully.
func (i *Item) FindJobsToRequest(sem SemaphoreAcquirer) []*jobgraph.Job {
	if !i.Live || i.JobGraph == nil {
		return nil
	}
	if i.ItemAhead != nil && i.ItemAhead.IsHoldingFollowingChanges() {
		return nil
	}
	states := i.classifyJobs()
	var toreq []*jobgraph.Job
	for _, job := range i.JobGraph.Jobs() {
		if i.BuildSet.Build(job.Name) != nil {
			continue
		}
		if i.BuildSet.JobNodeSet(job.Name) != nil || i.BuildSet.JobNodeRequest(job.Name) != nil {
			continue
		}
		if !i.parentsReady(job, states) {
			continue
		}
		if sem.Acquire(i, job, true) {
			toreq = append(toreq, job)
		}
	}
	return toreq
}

// parentsReady requires every parent, soft or hard, to have succeeded or
// paused, and no hard parent to have been skipped.
func (i *Item) parentsReady(job *jobgraph.Job, s jobStates) bool {
	parents, err := i.JobGraph.ParentJobsRecursively(job.Name, false)
	if err != nil {
		return false
	}
	for _, parent := range parents {
		if s.blocked[parent.Name] {
			return false
		}
	}
	hard, err := i.JobGraph.ParentJobsRecursively(job.Name, true)
	if err != nil {
		return false
	}
	for _, parent := range hard {
		if s.ignored[parent.Name] {
			return false
		}
	}
	return true
}

// SetResult applies a finished build to the rest of the graph: a retried
// build is archived, a failed build skips its dependents, and a successful
// build may choose which children run through child_jobs.
func (i *Item) SetResult(b *Build) {
	if b.Retry {
		i.BuildSet.AddRetryBuild(b)
		i.BuildSet.RemoveBuild(b)
		return
	}
	if i.JobGraph == nil {
		return
	}
	var skipped []*jobgraph.Job
	childJobs, hasChildJobs := b.ChildJobs()
	switch {
	case (b.Result == model.ResultSuccess || b.Paused) && hasChildJobs:
		if len(childJobs) == 0 {
			skipped = append(skipped, i.JobGraph.DependentJobsRecursively(b.Job.Name, true)...)
			break
		}
		wanted := make(map[string]bool, len(childJobs))
		for _, name := range childJobs {
			wanted[name] = true
		}
		for _, name := range i.JobGraph.DirectDependentJobs(b.Job.Name, false) {
			if wanted[name] {
				continue
			}
			skipped = append(skipped, i.JobGraph.Job(name))
			skipped = append(skipped, i.JobGraph.DependentJobsRecursively(name, true)...)
		}
	case b.Result != model.ResultSuccess && !b.Paused:
		skipped = append(skipped, i.JobGraph.DependentJobsRecursively(b.Job.Name, false)...)
	}
	for _, job := range skipped {
		if i.BuildSet.Build(job.Name) == nil {
			fake := NewBuild(job, "")
			fake.Result = model.ResultSkipped
			i.AddBuild(fake)
		}
	}
}

func (i *Item) SetNodeRequestFailure(job *jobgraph.Job) {
	fake := NewBuild(job, "")
	fake.StartTime = time.Now()
	fake.EndTime = fake.StartTime
	i.AddBuild(fake)
	fake.Result = model.ResultNodeFailure
	i.SetResult(fake)
}

func (i *Item) SetDequeuedNeedingChange() {
	i.DequeuedNeedingChange = true
	i.setAllJobsSkipped()
}

func (i *Item) SetDequeuedBundleFailing() {
	i.DequeuedBundleFailing = true
	i.setMissingJobsSkipped()
}

func (i *Item) SetUnableToMerge() {
	i.BuildSet.UnableToMerge = true
	i.setAllJobsSkipped()
}

func (i *Item) SetConfigError(msg string) {
	i.SetConfigErrors([]model.ConfigError{{Message: msg}})
}

func (i *Item) SetConfigErrors(errs []model.ConfigError) {
	i.BuildSet.ConfigErrors = errs
	i.setAllJobsSkipped()
}

// SetConfigPending parks an item whose configuration is only valid once a
// config project change it depends on has merged. It is not a config error.
func (i *Item) SetConfigPending(msg string) {
	i.BuildSet.ConfigPending = true
	i.Warning(msg)
	i.setAllJobsSkipped()
}

func (i *Item) setAllJobsSkipped() {
	for _, job := range i.Jobs() {
		fake := NewBuild(job, "")
		fake.Result = model.ResultSkipped
		i.AddBuild(fake)
	}
}

func (i *Item) setMissingJobsSkipped() {
	for _, job := range i.Jobs() {
		if i.BuildSet.Build(job.Name) != nil {
			continue
		}
		fake := NewBuild(job, "")
		fake.Result = model.ResultSkipped
		i.AddBuild(fake)
	}
}
