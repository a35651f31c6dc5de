package manager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/gatekeeper/internal/events"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

func TestIndependentPipelineSuccess(t *testing.T) {
	h := newHarness(t, checkLayout(), "check")
	a := newChange("org/a", 1)

	require.True(t, h.add(a))
	require.Len(t, h.m.Pipeline().Queues, 1)
	q := h.m.Pipeline().Queues[0]
	assert.True(t, q.Dynamic)
	assert.Equal(t, "org/a", q.Name)
	assert.Equal(t, 5, q.Window)

	h.settle(true)

	require.Len(t, h.reports, 1)
	assert.Equal(t, report{reporter: "vote", action: ActionSuccess, change: 1, result: model.ResultSuccess}, h.reports[0])
	assert.Empty(t, h.m.Pipeline().Queues, "dynamic queue released")
	assert.Equal(t, 6, q.Window)
	assert.Equal(t, []string{"1:unit"}, h.executor.launched)
}

func TestAddChangeTwiceIsNoop(t *testing.T) {
	h := newHarness(t, checkLayout(), "check")
	a := newChange("org/a", 1)

	require.True(t, h.add(a))
	require.True(t, h.add(a))
	assert.Len(t, h.m.Pipeline().AllItems(), 1)
}

func TestAddChangeRequirements(t *testing.T) {
	layout := checkLayout()
	open := true
	layout.Pipelines[0].Require = model.RefFilter{Open: &open}
	h := newHarness(t, layout, "check")

	closed := newChange("org/a", 1)
	closed.Open = false
	assert.False(t, h.add(closed))
	assert.Empty(t, h.m.Pipeline().AllItems())

	assert.True(t, h.m.ForceChange(context.Background(), closed, &model.TriggerEvent{}, false))
	assert.Len(t, h.m.Pipeline().AllItems(), 1)
}

func TestProcessOneItemAdvancesNNFI(t *testing.T) {
	h := newHarness(t, checkLayout(), "check")
	require.True(t, h.add(newChange("org/a", 1)))
	item := h.item(1)

	_, nnfi := h.m.processOneItem(item, nil)
	assert.Same(t, item, nnfi)
	assert.True(t, item.Active)
	assert.Equal(t, model.StagePending, item.BuildSet.MergeState())
}

func TestRepeatedAdvancementDispatchesOneMerge(t *testing.T) {
	tests := []struct {
		name     string
		layout   *model.Layout
		pipeline string
	}{
		{"independent", checkLayout(), "check"},
		{"dependent", gateLayout(false), "gate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.layout, tt.pipeline)
			require.True(t, h.add(newChange("org/a", 1)))
			item := h.item(1)
			bs := item.BuildSet

			h.m.processOneItem(item, nil)
			h.m.processOneItem(item, nil)
			h.m.ProcessQueue(context.Background())

			require.Len(t, h.merger.merges, 1)
			assert.Same(t, bs, h.merger.merges[0].bs)
			assert.Same(t, bs, item.BuildSet)
			assert.Equal(t, model.StagePending, bs.MergeState())
			assert.Empty(t, h.executor.launched)
		})
	}
}

func TestGateDequeuesChangeNeedingFailedChange(t *testing.T) {
	h := newHarness(t, gateLayout(false), "gate")
	a := newChange("org/a", 1)
	b := newChange("org/b", 2)
	b.GitNeedsChanges = []*model.Change{a}

	require.True(t, h.add(a))
	require.True(t, h.add(b))
	require.Len(t, h.m.Pipeline().Queues, 1)
	q := h.m.Pipeline().Queues[0]
	assert.Equal(t, "integrated", q.Name)
	require.Len(t, q.Items, 2)
	itemB := q.Items[1]
	assert.Same(t, q.Items[0], itemB.ItemAhead)

	h.nodepool.hold[2] = true
	h.executor.results["1:unit"] = model.ResultFailure
	h.settle(true)

	require.Len(t, h.reports, 2)
	assert.Equal(t, ActionFailure, h.reports[0].action)
	assert.Equal(t, 1, h.reports[0].change)
	assert.Equal(t, model.ResultFailure, h.reports[0].result)
	assert.Equal(t, 2, h.reports[1].change)
	assert.Equal(t, model.ResultFailure, h.reports[1].result)

	assert.True(t, itemB.DequeuedNeedingChange)
	assert.Equal(t, []string{"1:unit"}, h.executor.launched)
	assert.Equal(t, 1, h.nodepool.canceled)
	assert.Empty(t, q.Items)
	assert.Less(t, q.Window, 20, "window shrinks on failure")
}

func cycleChanges(h *harness) (*model.Change, *model.Change) {
	a := newChange("org/a", 1)
	b := newChange("org/b", 2)
	a.Message = "Fix things\n\nDepends-On: " + b.URL + "\n"
	b.Message = "Fix other things\n\nDepends-On: " + a.URL + "\n"
	h.source.byURL[a.URL] = a
	h.source.byURL[b.URL] = b
	return a, b
}

func TestCycleEnqueuedAsBundle(t *testing.T) {
	h := newHarness(t, gateLayout(true), "gate")
	a, b := cycleChanges(h)

	require.True(t, h.add(a))
	itemA, itemB := h.item(1), h.item(2)
	require.NotNil(t, itemA)
	require.NotNil(t, itemB)
	require.NotNil(t, itemA.Bundle)
	assert.Same(t, itemA.Bundle, itemB.Bundle)
	assert.Len(t, itemA.Bundle.Items, 2)

	h.settle(false)
	require.True(t, h.completeBuilds("2:unit"))
	h.settle(false)
	assert.Empty(t, h.reports, "bundle waits for every member")

	h.settle(true)
	require.Len(t, h.reports, 2)
	for _, r := range h.reports {
		assert.Equal(t, ActionSuccess, r.action)
		assert.Equal(t, model.ResultSuccess, r.result)
	}
	assert.True(t, a.Merged)
	assert.True(t, b.Merged)
	assert.Empty(t, h.m.Pipeline().AllItems())
}

func TestCycleFailureFailsWholeBundle(t *testing.T) {
	h := newHarness(t, gateLayout(true), "gate")
	a, b := cycleChanges(h)
	h.executor.results["1:unit"] = model.ResultFailure

	require.True(t, h.add(a))
	h.settle(true)

	require.Len(t, h.reports, 2)
	for _, r := range h.reports {
		assert.Equal(t, ActionFailure, r.action)
		assert.Equal(t, model.ResultFailure, r.result)
	}
	assert.False(t, a.Merged)
	assert.False(t, b.Merged)
	assert.Empty(t, h.m.Pipeline().AllItems())
}

func TestCycleMemberThatDidNotMergeIsReportedAsFailure(t *testing.T) {
	layout := gateLayout(true)
	layout.Pipelines[0].Success = []string{"vote"}
	h := newHarness(t, layout, "gate")
	a, b := cycleChanges(h)

	require.True(t, h.add(a))
	h.settle(true)

	require.Len(t, h.reports, 3)
	successes := 0
	for _, r := range h.reports {
		if r.action == ActionSuccess {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "only the first member reported before the merge failed")
	for _, n := range []int{1, 2} {
		got := h.reportsFor(n)
		require.NotEmpty(t, got)
		last := got[len(got)-1]
		assert.Equal(t, ActionFailure, last.action, "change %d", n)
		assert.Equal(t, model.ResultFailure, last.result, "change %d", n)
	}
	assert.False(t, a.Merged)
	assert.False(t, b.Merged)
	assert.Empty(t, h.m.Pipeline().AllItems())
}

func TestCycleRejectedWhenQueueDisallowsIt(t *testing.T) {
	h := newHarness(t, gateLayout(false), "gate")
	a, _ := cycleChanges(h)

	assert.False(t, h.add(a))
	assert.Empty(t, h.m.Pipeline().AllItems())
	require.Len(t, h.reports, 1)
	assert.Equal(t, ActionFailure, h.reports[0].action)
	assert.Equal(t, model.ResultFailure, h.reports[0].result)
	assert.True(t, hasWarning(h.reports[0], "Dependency cycle detected"))
}

func TestFailedItemRestacksItemsBehind(t *testing.T) {
	layout := gateLayout(false)
	layout.Projects[0].Pipelines["gate"] = model.ProjectPipelineConfig{Jobs: []string{"unit", "integration"}}
	h := newHarness(t, layout, "gate")
	h.executor.results["1:unit"] = model.ResultFailure

	for n := 1; n <= 3; n++ {
		require.True(t, h.add(newChange("org/a", n)))
	}
	h.settle(false)
	c1, c2, c3 := h.item(1), h.item(2), h.item(3)
	oldC2, oldC3 := c2.BuildSet, c3.BuildSet
	require.Len(t, h.executor.running, 6)

	require.True(t, h.completeBuilds("1:unit"))
	h.m.ProcessQueue(context.Background())

	assert.Equal(t, []string{reasonJobFailed}, c1.BuildSet.FailingReasons)
	assert.Nil(t, c2.ItemAhead, "c2 moved to the head")
	assert.Same(t, c2, c3.ItemAhead)
	assert.Empty(t, c1.ItemsBehind)
	assert.NotSame(t, oldC2, c2.BuildSet)
	assert.NotSame(t, oldC3, c3.BuildSet)
	assert.False(t, h.executor.isRunning("2:unit"))
	assert.False(t, h.executor.isRunning("3:integration"))
	assert.True(t, h.executor.isRunning("1:integration"))

	h.settle(true)
	require.Len(t, h.reports, 3)
	assert.Equal(t, model.ResultFailure, h.reportsFor(1)[0].result)
	assert.Equal(t, model.ResultSuccess, h.reportsFor(2)[0].result)
	assert.Equal(t, model.ResultSuccess, h.reportsFor(3)[0].result)
	assert.NotNil(t, c3.JobGraph)
}

func TestWindowFollowsReportOutcome(t *testing.T) {
	tests := []struct {
		name       string
		window     *int
		success    []string
		result     model.Result
		wantBefore int
		wantAfter  int
	}{
		{"success and merged grows", nil, []string{"submit"}, model.ResultSuccess, 20, 21},
		{"success but not merged shrinks", nil, []string{"vote"}, model.ResultSuccess, 20, 10},
		{"failure shrinks", nil, []string{"submit"}, model.ResultFailure, 20, 10},
		{"failure at a window below the floor stays", intPtr(1), []string{"submit"}, model.ResultFailure, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout := gateLayout(false)
			layout.Pipelines[0].Window = tt.window
			layout.Pipelines[0].Success = tt.success
			h := newHarness(t, layout, "gate")
			h.executor.results["1:unit"] = tt.result

			require.True(t, h.add(newChange("org/a", 1)))
			require.Len(t, h.m.Pipeline().Queues, 1)
			q := h.m.Pipeline().Queues[0]
			require.Equal(t, tt.wantBefore, q.Window)

			h.settle(true)

			require.Len(t, h.reports, 1)
			assert.Equal(t, tt.wantAfter, q.Window)
		})
	}
}

func TestRelativePriorityRevisesNodeRequests(t *testing.T) {
	tests := []struct {
		name        string
		enabled     bool
		wantInitial int
		wantRevised []revision
	}{
		{"enabled", true, 1, []revision{{change: 2, job: "unit", priority: 0}}},
		{"disabled", false, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, checkLayout(), "check")
			h.m.SetRelativePriority(tt.enabled)
			h.nodepool.hold[1] = true
			h.nodepool.hold[2] = true
			a := newChange("org/a", 1)

			require.True(t, h.add(a))
			require.True(t, h.add(newChange("org/a", 2)))
			h.settle(false)

			reqs := h.item(2).BuildSet.NodeRequests()
			require.Len(t, reqs, 1)
			req := reqs[0]
			assert.Equal(t, tt.wantInitial, req.RelativePriority)
			assert.Empty(t, h.nodepool.revised)

			h.m.RemoveAbandonedChange(a)
			h.m.ProcessQueue(context.Background())

			assert.Equal(t, tt.wantRevised, h.nodepool.revised)
			assert.Equal(t, 0, req.RelativePriority)
		})
	}
}

func TestMergeConflictReportsMergeFailure(t *testing.T) {
	h := newHarness(t, gateLayout(false), "gate")
	h.merger.conflicts["org/a"] = true

	require.True(t, h.add(newChange("org/a", 1)))
	h.settle(true)

	require.Len(t, h.reports, 1)
	assert.Equal(t, ActionMergeFailure, h.reports[0].action)
	assert.Equal(t, model.ResultMergerFailure, h.reports[0].result)
	assert.Empty(t, h.executor.launched)
}

func TestConfigPendingOnUntrustedErrorsBehindConfigChange(t *testing.T) {
	h := newHarness(t, checkLayout(), "check")
	tc := newChange("org/config", 1)
	tc.Files = []string{"gatekeeper.yaml"}
	u := newChange("org/a", 2)
	u.Files = []string{".gatekeeper.yaml"}
	u.Message = "Use new job\n\nDepends-On: " + tc.URL
	h.source.byURL[tc.URL] = tc
	h.loader.fn = func(item *queue.Item, include bool) (*model.Layout, error) {
		if include {
			return h.layout, nil
		}
		return &model.Layout{
			Tenant:        "example",
			LoadingErrors: []model.ConfigError{{Project: "org/a", Branch: "main", Path: ".gatekeeper.yaml", Message: "job foo not defined"}},
		}, nil
	}

	require.True(t, h.add(u))
	itemT := h.item(1)
	require.NotNil(t, itemT)
	assert.False(t, itemT.Live)
	assert.Same(t, itemT, h.item(2).ItemAhead)

	h.settle(true)

	require.Len(t, h.reports, 1)
	r := h.reports[0]
	assert.Equal(t, 2, r.change)
	assert.Equal(t, ActionNoJobs, r.action)
	assert.Equal(t, model.ResultNoJobs, r.result)
	assert.True(t, hasWarning(r, "depends on a change to a config project"))
	assert.Empty(t, h.m.Pipeline().AllItems())
}

func TestConfigErrorReported(t *testing.T) {
	h := newHarness(t, checkLayout(), "check")
	u := newChange("org/a", 1)
	u.Files = []string{".gatekeeper.yaml"}
	h.loader.fn = func(*queue.Item, bool) (*model.Layout, error) {
		return &model.Layout{LoadingErrors: []model.ConfigError{{Project: "org/a", Branch: "main", Message: "syntax error"}}}, nil
	}

	require.True(t, h.add(u))
	h.settle(true)

	require.Len(t, h.reports, 1)
	assert.Equal(t, model.ResultConfigError, h.reports[0].result)
	assert.Empty(t, h.executor.launched)
}

func TestFailFastCancelsRunningBuilds(t *testing.T) {
	layout := checkLayout()
	layout.Projects[0].Pipelines["check"] = model.ProjectPipelineConfig{Jobs: []string{"unit", "integration"}, FailFast: true}
	h := newHarness(t, layout, "check")
	h.executor.results["1:unit"] = model.ResultFailure

	require.True(t, h.add(newChange("org/a", 1)))
	h.settle(false)
	item := h.item(1)
	integration := item.BuildSet.Build("integration")
	require.NotNil(t, integration)

	require.True(t, h.completeBuilds("1:unit"))
	assert.Equal(t, model.ResultCanceled, integration.Result)
	assert.False(t, h.executor.isRunning("1:integration"))

	h.settle(true)
	require.Len(t, h.reports, 1)
	assert.Equal(t, model.ResultFailure, h.reports[0].result)
}

func TestStaleBuildCompletionIgnored(t *testing.T) {
	h := newHarness(t, checkLayout(), "check")
	require.True(t, h.add(newChange("org/a", 1)))
	h.settle(false)
	item := h.item(1)
	build := item.BuildSet.Build("unit")
	require.NotNil(t, build)

	h.m.cancelJobs(item, true)
	released := h.semaphores.released
	require.NotSame(t, build.BuildSet, item.BuildSet)

	build.Result = model.ResultSuccess
	h.m.OnBuildCompleted(build)
	assert.Equal(t, released, h.semaphores.released)
	assert.Nil(t, item.BuildSet.Build("unit"))
}

func TestNodeFailureSkipsJob(t *testing.T) {
	h := newHarness(t, checkLayout(), "check")
	h.nodepool.fail["unit"] = true

	require.True(t, h.add(newChange("org/a", 1)))
	h.settle(true)

	require.Len(t, h.reports, 1)
	assert.Equal(t, model.ResultFailure, h.reports[0].result)
	assert.Empty(t, h.executor.launched)
}

func TestPipelineDisabledAfterConsecutiveFailures(t *testing.T) {
	layout := checkLayout()
	layout.Pipelines[0].DisableAt = 1
	h := newHarness(t, layout, "check")
	h.executor.results["1:unit"] = model.ResultFailure

	bus := events.NewBus(10)
	defer bus.Close()
	h.m.SetEventBus(bus)

	require.True(t, h.add(newChange("org/a", 1)))
	require.True(t, h.add(newChange("org/a", 2)))
	h.settle(true)

	require.Len(t, h.reports, 2)
	assert.Equal(t, "vote", h.reportsFor(1)[0].reporter)
	assert.Equal(t, "disabled", h.reportsFor(2)[0].reporter)
	assert.True(t, h.m.Pipeline().Disabled())
}

func TestRemoveOldVersionsOfChange(t *testing.T) {
	h := newHarness(t, checkLayout(), "check")
	ps1 := newChange("org/a", 1)
	require.True(t, h.add(ps1))
	h.settle(false)

	ps2 := newChange("org/a", 1)
	ps2.Patchset = 2
	h.m.RemoveOldVersionsOfChange(ps2)
	assert.Empty(t, h.m.Pipeline().AllItems())
	assert.Empty(t, h.executor.running)

	require.True(t, h.add(ps2))
	assert.Len(t, h.m.Pipeline().AllItems(), 1)
}

func TestRemoveAbandonedChange(t *testing.T) {
	h := newHarness(t, gateLayout(false), "gate")
	a := newChange("org/a", 1)
	require.True(t, h.add(a))
	require.True(t, h.add(newChange("org/b", 2)))
	h.settle(false)

	h.m.RemoveAbandonedChange(a)
	require.Len(t, h.m.Pipeline().AllItems(), 1)
	assert.Nil(t, h.item(2).ItemAhead)
	assert.False(t, h.executor.isRunning("1:unit"))
}

func TestReconfigureKeepsItemsAndDropsRemovedProjects(t *testing.T) {
	h := newHarness(t, gateLayout(false), "gate")
	require.True(t, h.add(newChange("org/a", 1)))
	require.True(t, h.add(newChange("org/b", 2)))
	h.settle(false)
	h.m.Pipeline().Queues[0].Window = 25

	next := gateLayout(false)
	next.Projects = next.Projects[:1]
	h.m.Reconfigure(next)

	require.Len(t, h.m.Pipeline().Queues, 1)
	q := h.m.Pipeline().Queues[0]
	require.Len(t, q.Items, 1)
	assert.Equal(t, 1, q.Items[0].Change.Number)
	assert.NotNil(t, q.Items[0].JobGraph)
	assert.Equal(t, 25, q.Window)
	assert.False(t, h.executor.isRunning("2:unit"))
	assert.True(t, h.executor.isRunning("1:unit"))

	h.settle(true)
	require.Len(t, h.reports, 1)
	assert.Equal(t, 1, h.reports[0].change)
	assert.Equal(t, model.ResultSuccess, h.reports[0].result)
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, gateLayout(false), "gate")
	require.True(t, h.add(newChange("org/a", 1)))
	require.True(t, h.add(newChange("org/b", 2)))
	h.settle(false)

	snap := h.m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "integrated", snap[0].Name)
	require.Len(t, snap[0].Items, 2)
	assert.Equal(t, "<Change org/a 1,1>", snap[0].Items[1].ItemAhead)
	assert.Equal(t, map[string]string{"unit": "RUNNING"}, snap[0].Items[0].Jobs)
	assert.True(t, snap[0].Items[0].Configured)
	assert.True(t, snap[0].Items[0].Started)

	fresh := newHarness(t, gateLayout(false), "gate")
	require.True(t, fresh.add(newChange("org/a", 1)))
	snap = fresh.m.Snapshot()
	require.Len(t, snap[0].Items, 1)
	assert.False(t, snap[0].Items[0].Configured, "no job graph before the merge")
	assert.False(t, snap[0].Items[0].Started)
}

func TestSupersededPipelineItemsDequeued(t *testing.T) {
	layout := checkLayout()
	layout.Pipelines = append(layout.Pipelines, model.PipelineConfig{
		Name:       "check-fast",
		Manager:    model.ManagerIndependent,
		Supercedes: []string{"check"},
	})
	h := newHarness(t, layout, "check")
	fastCfg := layout.Pipeline("check-fast")
	fast := New(queue.NewPipeline(fastCfg, layout), h.m.c, h.m.logger, model.LogLevelDebug)
	peers := map[string]*Manager{"check": h.m, "check-fast": fast}
	fast.SetPeers(func(name string) *Manager { return peers[name] })

	a := newChange("org/a", 1)
	require.True(t, h.add(a))
	require.True(t, fast.AddChange(context.Background(), a, &model.TriggerEvent{}))

	assert.Empty(t, h.m.Pipeline().AllItems())
	assert.Len(t, fast.Pipeline().AllItems(), 1)
}

func TestEventMatches(t *testing.T) {
	layout := checkLayout()
	layout.Pipelines[0].Triggers = []model.TriggerFilter{{Events: []model.EventType{model.EventPatchsetCreated}}}
	h := newHarness(t, layout, "check")

	assert.True(t, h.m.EventMatches(&model.TriggerEvent{Type: model.EventPatchsetCreated}))
	assert.False(t, h.m.EventMatches(&model.TriggerEvent{Type: model.EventCommentAdded}))
	assert.True(t, h.m.EventMatches(&model.TriggerEvent{Type: model.EventCommentAdded, Pipeline: "check"}))
	assert.False(t, h.m.EventMatches(&model.TriggerEvent{Type: model.EventPatchsetCreated, Pipeline: "gate"}))
}
