package local

import (
	"sync"
	"time"

	"github.com/msageha/gatekeeper/internal/manager"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// Report is one report delivered by a Reporter.
type Report struct {
	Reporter string       `yaml:"reporter"`
	Action   string       `yaml:"action"`
	Pipeline string       `yaml:"pipeline"`
	Change   string       `yaml:"change"`
	Result   model.Result `yaml:"result,omitempty"`
	Message  []string     `yaml:"message,omitempty"`
	Time     time.Time    `yaml:"time"`
}

// Reporter logs and records reports. A submitting reporter lands the
// change in its source when it reports success.
type Reporter struct {
	name   string
	d      *Dispatcher
	source *Source
	submit bool

	mu      sync.Mutex
	reports []Report
}

func NewReporter(name string, d *Dispatcher) *Reporter {
	return &Reporter{name: name, d: d}
}

// NewSubmitReporter returns a reporter that merges successful changes.
func NewSubmitReporter(name string, d *Dispatcher, source *Source) *Reporter {
	return &Reporter{name: name, d: d, source: source, submit: true}
}

func (r *Reporter) Report(item *queue.Item, action string) error {
	rep := Report{
		Reporter: r.name,
		Action:   action,
		Pipeline: item.Pipeline.Name(),
		Change:   item.Change.String(),
		Result:   item.BuildSet.Result,
		Time:     time.Now().UTC(),
	}
	rep.Message = append(rep.Message, item.BuildSet.FailingReasons...)
	rep.Message = append(rep.Message, item.BuildSet.Warnings...)

	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()

	r.d.log(model.LogLevelInfo, "report reporter=%s pipeline=%s action=%s change=%s result=%s",
		r.name, rep.Pipeline, action, rep.Change, rep.Result)
	if r.submit && action == manager.ActionSuccess {
		r.source.MarkMerged(item.Change)
	}
	return nil
}

func (r *Reporter) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}
