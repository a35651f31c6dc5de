package semaphore

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/msageha/gatekeeper/internal/jobgraph"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

func newTestHandler() *Handler {
	return NewHandler(log.New(&bytes.Buffer{}, "", 0), model.LogLevelDebug)
}

func newTestItem(layout *model.Layout, number int) *queue.Item {
	cfg := &model.PipelineConfig{Name: "gate", Manager: model.ManagerDependent}
	p := queue.NewPipeline(cfg, layout)
	q := queue.NewChangeQueue(p, "q", cfg.WindowPolicy(), false)
	item := q.EnqueueChange(&model.Change{Project: "org/a", Number: number, Patchset: 1}, nil)
	item.Layout = layout
	return item
}

func TestAcquireWithoutSemaphore(t *testing.T) {
	h := newTestHandler()
	item := newTestItem(&model.Layout{}, 1)
	assert.True(t, h.Acquire(item, &jobgraph.Job{Name: "build"}, true))
	assert.True(t, h.Acquire(item, &jobgraph.Job{Name: "build"}, false))
}

func TestAcquireRespectsMax(t *testing.T) {
	layout := &model.Layout{Semaphores: []model.SemaphoreConfig{{Name: "db", Max: 2}}}
	h := newTestHandler()
	job := &jobgraph.Job{Name: "migrate", Semaphore: "db"}
	a, b, c := newTestItem(layout, 1), newTestItem(layout, 2), newTestItem(layout, 3)

	assert.True(t, h.Acquire(a, job, true))
	assert.True(t, h.Acquire(a, job, false), "re-acquire by holder")
	assert.True(t, h.Acquire(b, job, true))
	assert.False(t, h.Acquire(c, job, true))
	assert.Len(t, h.Holders("db"), 2)

	h.Release(a, job)
	assert.True(t, h.Acquire(c, job, true))
}

func TestAcquireDefaultsToOne(t *testing.T) {
	h := newTestHandler()
	job := &jobgraph.Job{Name: "deploy", Semaphore: "prod"}
	a, b := newTestItem(&model.Layout{}, 1), newTestItem(&model.Layout{}, 2)
	assert.True(t, h.Acquire(a, job, false))
	assert.False(t, h.Acquire(b, job, false))
}

func TestResourcesFirstSkipsRequestPhase(t *testing.T) {
	h := newTestHandler()
	job := &jobgraph.Job{Name: "deploy", Semaphore: "prod", SemaphoreResourcesFirst: true}
	a, b := newTestItem(&model.Layout{}, 1), newTestItem(&model.Layout{}, 2)
	assert.True(t, h.Acquire(a, job, true))
	assert.True(t, h.Acquire(b, job, true))
	assert.Empty(t, h.Holders("prod"))

	assert.True(t, h.Acquire(a, job, false))
	assert.False(t, h.Acquire(b, job, false))
}

func TestReleaseIsIdempotent(t *testing.T) {
	h := newTestHandler()
	job := &jobgraph.Job{Name: "deploy", Semaphore: "prod"}
	a := newTestItem(&model.Layout{}, 1)

	h.Release(a, job)
	assert.True(t, h.Acquire(a, job, false))
	h.Release(a, job)
	h.Release(a, job)
	assert.Empty(t, h.Holders("prod"))
	h.Release(a, nil)
}
