package manager

import (
	"errors"
	"time"

	"github.com/msageha/gatekeeper/internal/jobgraph"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// ErrMergeFailure is returned by reportItem when a pipeline that merges
// changes finds the change did not land.
var ErrMergeFailure = errors.New("change failed to merge")

// LayoutLoader builds a speculative tenant layout for an item that changes
// configuration. It must not modify the tenant layout it starts from.
type LayoutLoader interface {
	CreateDynamicLayout(item *queue.Item, files model.RepoFiles, includeConfigProjects bool) (*model.Layout, error)
}

// Merger prepares speculative merges. Every call only dispatches work; the
// result arrives through OnMergeCompleted or OnFilesChangesCompleted.
type Merger interface {
	MergeChanges(items []model.MergerItem, bs *queue.BuildSet, files, dirs []string, precedence string) error
	GetRepoState(items []model.MergerItem, bs *queue.BuildSet, precedence string) error
	GetFilesChanges(change *model.Change, bs *queue.BuildSet) error
}

// Executor runs builds. Execute returns the build record for a dispatched
// job; its result is delivered later through the build callbacks.
type Executor interface {
	Execute(job *jobgraph.Job, item *queue.Item, dependentChanges []*model.Change, mergerItems []model.MergerItem) (*queue.Build, error)
	Cancel(build *queue.Build) (wasRunning bool, err error)
	ResumeBuild(build *queue.Build) error
}

// Nodepool provisions test nodes asynchronously; fulfilled requests are
// delivered through OnNodesProvisioned.
type Nodepool interface {
	RequestNodes(bs *queue.BuildSet, job *jobgraph.Job, relativePriority int) (*queue.NodeRequest, error)
	ReviseRequest(req *queue.NodeRequest, relativePriority int) error
	CancelRequest(req *queue.NodeRequest) error
	UseNodeSet(ns *model.NodeSet, bs *queue.BuildSet) error
	ReturnNodeSet(ns *model.NodeSet, bs *queue.BuildSet) error
}

// Source answers questions about changes in the code review system.
type Source interface {
	IsMerged(change *model.Change) bool
	CanMerge(change *model.Change) bool
	ChangesDependingOn(change *model.Change, projects []string) []*model.Change
	ChangeByURL(url string) (*model.Change, error)
}

// Reporter delivers one report for an item. action names the pipeline
// action list being reported (enqueue, start, success, ...).
type Reporter interface {
	Report(item *queue.Item, action string) error
}

type SemaphoreHandler interface {
	queue.SemaphoreAcquirer
	Release(item *queue.Item, job *jobgraph.Job)
}

// StatsSink receives pipeline telemetry. A nil sink disables stats.
type StatsSink interface {
	SetCurrentChanges(tenant, pipeline string, n int)
	ObserveResidentTime(tenant, pipeline, project, branch string, d time.Duration)
	ObserveEnqueue(tenant string, processing, elapsed time.Duration)
}

// Collaborators bundles the external services a Manager dispatches to.
type Collaborators struct {
	Loader     LayoutLoader
	Merger     Merger
	Executor   Executor
	Nodepool   Nodepool
	Source     Source
	Semaphores SemaphoreHandler
	// Reporters maps the reporter names used in pipeline action lists.
	Reporters map[string]Reporter
}

// MergeResult is the outcome of a merge or repo-state request.
type MergeResult struct {
	BuildSet *queue.BuildSet
	Merged   bool
	Updated  bool
	Commit   string
	// Files holds the config files seen after each merged item, in merge
	// order; the last entry is the view of the whole build set.
	Files     []model.RepoFiles
	RepoState model.RepoState
}

// mergeRepoFiles overlays per-item file views; later items win.
func mergeRepoFiles(views []model.RepoFiles) model.RepoFiles {
	out := model.RepoFiles{}
	for _, view := range views {
		for project, files := range view {
			if out[project] == nil {
				out[project] = make(map[string]string)
			}
			for path, content := range files {
				out[project][path] = content
			}
		}
	}
	return out
}
