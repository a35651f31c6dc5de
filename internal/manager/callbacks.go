package manager

import (
	"time"

	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// stale reports whether a callback for bs can be ignored: the item was
// reset since the work was dispatched, or it left the pipeline.
func (m *Manager) stale(bs *queue.BuildSet) bool {
	item := bs.Item
	if item == nil || item.BuildSet != bs {
		return true
	}
	return !m.containsItem(item)
}

// OnBuildStarted records the start of a build.
func (m *Manager) OnBuildStarted(build *queue.Build) {
	if build.BuildSet == nil || m.stale(build.BuildSet) {
		return
	}
	if build.StartTime.IsZero() {
		build.StartTime = time.Now()
	}
	m.log(model.LogLevelDebug, "build_started item=%s job=%s build=%s", build.BuildSet.Item, build.Job.Name, build.UUID)
}

// OnBuildPaused marks a build paused so its dependents can run against it.
func (m *Manager) OnBuildPaused(build *queue.Build, resultData map[string]any) {
	if build.BuildSet == nil || m.stale(build.BuildSet) {
		return
	}
	item := build.BuildSet.Item
	if resultData != nil {
		build.ResultData = resultData
	}
	build.Paused = true
	item.SetResult(build)
	m.log(model.LogLevelInfo, "build_paused item=%s job=%s", item, build.Job.Name)
	m.resumeBuilds(item)
}

// OnBuildCompleted applies a finished build to its item. Builds of a reset
// build set are ignored; their semaphore was released when they were
// canceled.
func (m *Manager) OnBuildCompleted(build *queue.Build) {
	bs := build.BuildSet
	if bs == nil || bs.Item == nil || bs.Item.BuildSet != bs {
		m.log(model.LogLevelDebug, "stale_build_ignored build=%s", build.UUID)
		return
	}
	item := bs.Item
	m.c.Semaphores.Release(item, build.Job)
	if !m.containsItem(item) {
		m.log(model.LogLevelDebug, "build_for_dequeued_item item=%s build=%s", item, build.UUID)
		return
	}
	if item.JobGraph == nil || !item.JobGraph.HasJob(build.Job.Name) {
		m.log(model.LogLevelWarn, "build_for_unknown_job item=%s job=%s", item, build.Job.Name)
		return
	}

	build.EndTime = time.Now()
	m.log(model.LogLevelInfo, "build_completed item=%s job=%s result=%s retry=%t", item, build.Job.Name, build.Result, build.Retry)
	item.SetResult(build)
	if build.Retry {
		bs.RemoveJobNodeSet(build.Job.Name)
		m.resetDependentBuilds(item, build)
	}
	m.resumeBuilds(item)

	if item.ProjectPipeline != nil && item.ProjectPipeline.FailFast &&
		build.Failed() && build.Job.Voting && !build.Retry {
		m.log(model.LogLevelInfo, "fail_fast item=%s job=%s", item, build.Job.Name)
		m.cancelRunningBuilds(item)
	}
}

// OnFilesChangesCompleted stores the changed files of an item's change.
func (m *Manager) OnFilesChangesCompleted(bs *queue.BuildSet, files []string) {
	if m.stale(bs) {
		return
	}
	item := bs.Item
	if files == nil {
		files = []string{}
	}
	item.Change.Files = files
	if err := bs.SetFilesState(model.StageComplete); err != nil {
		m.log(model.LogLevelError, "files_state_transition_failed item=%s err=%v", item, err)
	}
}

// OnMergeCompleted records the result of a speculative merge, or of the
// global repo state fetch once the merge itself has completed.
func (m *Manager) OnMergeCompleted(res MergeResult) {
	bs := res.BuildSet
	if bs == nil || m.stale(bs) {
		return
	}
	item := bs.Item

	if bs.MergeState() == model.StageComplete {
		if !res.Updated {
			m.log(model.LogLevelWarn, "repo_state_failed item=%s", item)
			item.SetUnableToMerge()
		} else {
			bs.RepoState.Update(res.RepoState)
		}
		if err := bs.SetRepoStateState(model.StageComplete); err != nil {
			m.log(model.LogLevelError, "repo_state_transition_failed item=%s err=%v", item, err)
		}
		return
	}

	if err := bs.SetMergeState(model.StageComplete); err != nil {
		m.log(model.LogLevelError, "merge_state_transition_failed item=%s err=%v", item, err)
		return
	}
	if res.RepoState != nil {
		bs.RepoState = res.RepoState
	}
	switch {
	case res.Merged:
		bs.Commit = res.Commit
		for idx, ahead := range item.NonLiveItemsAhead() {
			if idx < len(res.Files) {
				ahead.BuildSet.Files = mergeRepoFiles(res.Files[:idx+1])
			}
		}
		bs.Files = mergeRepoFiles(res.Files)
	case res.Updated:
		bs.Commit = item.Change.NewRev
		if bs.Commit == "" {
			bs.Commit = model.ZeroRev
		}
	}
	if bs.Commit == "" {
		m.log(model.LogLevelInfo, "merge_failed item=%s", item)
		item.SetUnableToMerge()
		return
	}
	m.log(model.LogLevelDebug, "merge_completed item=%s commit=%s", item, bs.Commit)
}

// OnNodesProvisioned hands a fulfilled or failed node request back to its
// item. Nodes of requests nobody is waiting for are returned.
func (m *Manager) OnNodesProvisioned(req *queue.NodeRequest) {
	bs := req.BuildSet
	if bs == nil || m.stale(bs) || req.Canceled || bs.JobNodeRequest(req.Job.Name) != req {
		m.log(model.LogLevelDebug, "unused_node_request request=%s", req.ID)
		if req.Fulfilled() && req.NodeSet != nil && bs != nil {
			m.returnNodeSet(req.NodeSet, bs)
		}
		return
	}
	item := bs.Item
	if err := bs.JobNodeRequestComplete(req.Job.Name, req.NodeSet); err != nil {
		m.log(model.LogLevelError, "node_request_complete_failed item=%s job=%s err=%v", item, req.Job.Name, err)
		return
	}
	if req.Failed || !req.Fulfilled() {
		m.log(model.LogLevelWarn, "node_request_failed item=%s job=%s request=%s", item, req.Job.Name, req.ID)
		bs.RemoveJobNodeSet(req.Job.Name)
		item.SetNodeRequestFailure(req.Job)
		m.resumeBuilds(item)
		m.c.Semaphores.Release(item, req.Job)
		return
	}
	m.log(model.LogLevelDebug, "nodes_provisioned item=%s job=%s request=%s", item, req.Job.Name, req.ID)
}
