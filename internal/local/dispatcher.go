// Package local provides in-process stand-ins for the merger, executor, node
// provider, code review source, layout loader and reporters, so the engine
// can run end to end without external services. Work dispatched to them is
// queued and only completes when Deliver is called.
package local

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/msageha/gatekeeper/internal/manager"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// Sink receives completions. The scheduler implements it.
type Sink interface {
	OnBuildStarted(build *queue.Build)
	CompleteBuild(build *queue.Build, result model.Result, resultData map[string]any)
	OnFilesChangesCompleted(bs *queue.BuildSet, files []string)
	OnMergeCompleted(res manager.MergeResult)
	FulfillNodeRequest(req *queue.NodeRequest, nodeSet *model.NodeSet, failed bool)
}

type completion struct {
	kind string
	fn   func(Sink)
}

// Dispatcher holds completions until they are delivered. Collaborators are
// called with the scheduler lock held, so they never call the sink
// directly.
type Dispatcher struct {
	mu      sync.Mutex
	pending []completion

	logger   *log.Logger
	logLevel model.LogLevel
}

func NewDispatcher(logger *log.Logger, logLevel model.LogLevel) *Dispatcher {
	return &Dispatcher{logger: logger, logLevel: logLevel}
}

func (d *Dispatcher) enqueue(kind string, fn func(Sink)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, completion{kind: kind, fn: fn})
}

// Pending returns the number of undelivered completions.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Deliver hands every queued completion to sink in dispatch order and
// returns how many were delivered. Completions queued while delivering wait
// for the next call.
func (d *Dispatcher) Deliver(sink Sink) int {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, c := range batch {
		d.log(model.LogLevelDebug, "deliver kind=%s", c.kind)
		c.fn(sink)
	}
	return len(batch)
}

func (d *Dispatcher) log(level model.LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s local: %s", time.Now().Format(time.RFC3339), level, msg)
}
