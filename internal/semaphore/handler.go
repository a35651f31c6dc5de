// Package semaphore limits how many jobs holding a named resource run at
// once across all pipelines of a tenant.
package semaphore

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	xsemaphore "golang.org/x/sync/semaphore"

	"github.com/msageha/gatekeeper/internal/jobgraph"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

type entry struct {
	sem     *xsemaphore.Weighted
	max     int64
	holders map[string]bool
}

// Handler tracks holders of each named semaphore. A holder is an item and
// job pair; acquiring twice for the same pair is a no-op.
type Handler struct {
	mu       sync.Mutex
	entries  map[string]*entry
	logger   *log.Logger
	logLevel model.LogLevel
}

func NewHandler(logger *log.Logger, logLevel model.LogLevel) *Handler {
	return &Handler{
		entries:  make(map[string]*entry),
		logger:   logger,
		logLevel: logLevel,
	}
}

func holderKey(item *queue.Item, job string) string {
	return item.ID + "/" + job
}

// Acquire is called twice per job: before requesting nodes
// (requestResources true) and before running. A job with
// semaphore_resources_first only takes the semaphore in the run phase.
func (h *Handler) Acquire(item *queue.Item, job *jobgraph.Job, requestResources bool) bool {
	if job.Semaphore == "" {
		return true
	}
	if job.SemaphoreResourcesFirst && requestResources {
		return true
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	key := holderKey(item, job.Name)
	e := h.entries[job.Semaphore]
	if e != nil && e.holders[key] {
		return true
	}
	if e == nil {
		limit := maxCount(item, job.Semaphore)
		e = &entry{sem: xsemaphore.NewWeighted(limit), max: limit, holders: make(map[string]bool)}
		h.entries[job.Semaphore] = e
	}
	if !e.sem.TryAcquire(1) {
		h.log(model.LogLevelDebug, "semaphore_busy semaphore=%s job=%s item=%s holders=%d", job.Semaphore, job.Name, item, len(e.holders))
		return false
	}
	e.holders[key] = true
	h.log(model.LogLevelDebug, "semaphore_acquire semaphore=%s job=%s item=%s", job.Semaphore, job.Name, item)
	return true
}

// Release is safe to call for a job that does not hold its semaphore; the
// mismatch is logged and otherwise ignored.
func (h *Handler) Release(item *queue.Item, job *jobgraph.Job) {
	if job == nil || job.Semaphore == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	e := h.entries[job.Semaphore]
	key := holderKey(item, job.Name)
	if e == nil || !e.holders[key] {
		h.log(model.LogLevelDebug, "semaphore_release_not_held semaphore=%s job=%s item=%s", job.Semaphore, job.Name, item)
		return
	}
	delete(e.holders, key)
	e.sem.Release(1)
	if len(e.holders) == 0 {
		delete(h.entries, job.Semaphore)
	}
	h.log(model.LogLevelDebug, "semaphore_release semaphore=%s job=%s item=%s", job.Semaphore, job.Name, item)
}

// Holders returns the holder keys of a semaphore, sorted.
func (h *Handler) Holders(name string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := h.entries[name]
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.holders))
	for k := range e.holders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// maxCount reads the semaphore size from the item's layout, falling back
// to the tenant layout and then to one.
func maxCount(item *queue.Item, name string) int64 {
	layouts := []*model.Layout{item.Layout}
	if item.Pipeline != nil {
		layouts = append(layouts, item.Pipeline.Layout)
	}
	for _, layout := range layouts {
		if layout == nil {
			continue
		}
		if sc := layout.Semaphore(name); sc != nil && sc.Max > 0 {
			return int64(sc.Max)
		}
	}
	return 1
}

func (h *Handler) log(level model.LogLevel, format string, args ...any) {
	if level < h.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	h.logger.Printf("%s %s semaphore: %s", time.Now().Format(time.RFC3339), level, msg)
}
