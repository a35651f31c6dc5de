package local

import (
	"log"
	"sort"

	"github.com/msageha/gatekeeper/internal/manager"
	"github.com/msageha/gatekeeper/internal/model"
)

// SubmitReporter is the reporter name that lands successful changes.
const SubmitReporter = "submit"

// Backend wires one set of in-process collaborators around a shared
// dispatcher.
type Backend struct {
	Dispatcher *Dispatcher
	Source     *Source
	Merger     *Merger
	Executor   *Executor
	Nodepool   *Nodepool
	Loader     *Loader
	Reporters  map[string]*Reporter
}

func NewBackend(cfg model.DryRunConfig, logger *log.Logger, logLevel model.LogLevel) *Backend {
	d := NewDispatcher(logger, logLevel)
	source := NewSource()
	return &Backend{
		Dispatcher: d,
		Source:     source,
		Merger:     NewMerger(d, source, cfg),
		Executor:   NewExecutor(d, cfg),
		Nodepool:   NewNodepool(d, cfg),
		Loader:     NewLoader(),
		Reporters:  make(map[string]*Reporter),
	}
}

// Collaborators returns manager collaborators with a reporter for every
// reporter name used by the layout's pipelines. Reporters created for an
// earlier layout are kept.
func (b *Backend) Collaborators(layout *model.Layout, semaphores manager.SemaphoreHandler) manager.Collaborators {
	for _, name := range ReporterNames(layout) {
		if _, ok := b.Reporters[name]; ok {
			continue
		}
		if name == SubmitReporter {
			b.Reporters[name] = NewSubmitReporter(name, b.Dispatcher, b.Source)
		} else {
			b.Reporters[name] = NewReporter(name, b.Dispatcher)
		}
	}
	reporters := make(map[string]manager.Reporter, len(b.Reporters))
	for name, r := range b.Reporters {
		reporters[name] = r
	}
	return manager.Collaborators{
		Loader:     b.Loader,
		Merger:     b.Merger,
		Executor:   b.Executor,
		Nodepool:   b.Nodepool,
		Source:     b.Source,
		Semaphores: semaphores,
		Reporters:  reporters,
	}
}

// ReporterNames lists the reporter names used in the action lists of every
// pipeline of layout.
func ReporterNames(layout *model.Layout) []string {
	seen := make(map[string]bool)
	for _, p := range layout.Pipelines {
		for _, actions := range [][]string{p.Enqueue, p.Start, p.Success, p.Failure, p.MergeFailure, p.NoJobs, p.Disabled, p.Dequeue} {
			for _, name := range actions {
				seen[name] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
