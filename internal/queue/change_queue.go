package queue

import (
	"fmt"
	"time"

	"github.com/msageha/gatekeeper/internal/model"
)

type projectBranch struct {
	project string
	branch  string
}

// ChangeQueue is an ordered sequence of items tested on top of each other.
// A dependent pipeline shares one queue between related projects; an
// independent pipeline gives every change its own dynamic queue.
type ChangeQueue struct {
	Name     string
	Pipeline *Pipeline
	Items    []*Item
	Dynamic  bool

	// AllowCircularDependencies permits cycles between changes of projects
	// served by this queue.
	AllowCircularDependencies bool

	Window int
	policy model.WindowPolicy

	projectBranches []projectBranch
}

func NewChangeQueue(pipeline *Pipeline, name string, policy model.WindowPolicy, dynamic bool) *ChangeQueue {
	return &ChangeQueue{
		Name:     name,
		Pipeline: pipeline,
		Dynamic:  dynamic,
		Window:   policy.Size,
		policy:   policy,
	}
}

func (q *ChangeQueue) String() string {
	return fmt.Sprintf("<ChangeQueue %s: %s>", q.Pipeline.Name(), q.Name)
}

// AddProject registers a project and branch with the queue. A queue that
// is not per branch is registered with an empty branch and must be looked
// up the same way.
func (q *ChangeQueue) AddProject(project, branch string) {
	pb := projectBranch{project: project, branch: branch}
	for _, existing := range q.projectBranches {
		if existing == pb {
			return
		}
	}
	q.projectBranches = append(q.projectBranches, pb)
	if q.Name == "" {
		q.Name = project
	}
}

func (q *ChangeQueue) Matches(project, branch string) bool {
	for _, pb := range q.projectBranches {
		if pb.project == project && pb.branch == branch {
			return true
		}
	}
	return false
}

func (q *ChangeQueue) Projects() []string {
	var out []string
	seen := make(map[string]bool)
	for _, pb := range q.projectBranches {
		if !seen[pb.project] {
			seen[pb.project] = true
			out = append(out, pb.project)
		}
	}
	return out
}

func (q *ChangeQueue) Len() int {
	return len(q.Items)
}

// EnqueueChange creates an item for change at the tail of the queue.
func (q *ChangeQueue) EnqueueChange(change *model.Change, event *model.TriggerEvent) *Item {
	item := NewItem(q, change, event)
	q.EnqueueItem(item)
	item.EnqueueTime = time.Now()
	return item
}

// EnqueueItem appends an existing item behind the current tail.
func (q *ChangeQueue) EnqueueItem(item *Item) {
	item.Pipeline = q.Pipeline
	item.Queue = q
	if len(q.Items) > 0 {
		item.ItemAhead = q.Items[len(q.Items)-1]
		item.ItemAhead.ItemsBehind = append(item.ItemAhead.ItemsBehind, item)
	}
	q.Items = append(q.Items, item)
}

// DequeueItem removes an item and links the items behind it to the item
// ahead of it.
func (q *ChangeQueue) DequeueItem(item *Item) {
	for i, existing := range q.Items {
		if existing == item {
			q.Items = append(q.Items[:i], q.Items[i+1:]...)
			break
		}
	}
	q.unlink(item)
	item.ItemAhead = nil
	item.ItemsBehind = nil
	item.DequeueTime = time.Now()
}

// MoveItem relinks item directly behind itemAhead without changing its
// position in Items. It reports whether anything changed.
func (q *ChangeQueue) MoveItem(item, itemAhead *Item) bool {
	if item.ItemAhead == itemAhead {
		return false
	}
	q.unlink(item)
	item.ItemAhead = itemAhead
	item.ItemsBehind = nil
	if itemAhead != nil {
		itemAhead.ItemsBehind = append(itemAhead.ItemsBehind, item)
	}
	return true
}

func (q *ChangeQueue) unlink(item *Item) {
	ahead := item.ItemAhead
	if ahead != nil {
		ahead.ItemsBehind = removeItem(ahead.ItemsBehind, item)
	}
	for _, behind := range item.ItemsBehind {
		if ahead != nil {
			ahead.ItemsBehind = append(ahead.ItemsBehind, behind)
		}
		behind.ItemAhead = ahead
	}
}

// IsActionable reports whether item is inside the window. Items of a
// bundle that finished their jobs and wait for the rest of the bundle do
// not count against the window.
func (q *ChangeQueue) IsActionable(item *Item) bool {
	if q.Window == 0 {
		return true
	}
	waiting := 0
	for _, i := range q.Items {
		if i.Bundle != nil && i.AreAllJobsComplete() {
			waiting++
		}
	}
	window := q.Window + waiting
	for idx, i := range q.Items {
		if idx >= window {
			return false
		}
		if i == item {
			return true
		}
	}
	return false
}

func (q *ChangeQueue) IncreaseWindowSize() {
	if q.Window == 0 {
		return
	}
	switch q.policy.IncreaseType {
	case model.WindowLinear:
		q.Window += q.policy.IncreaseFactor
	case model.WindowExponential:
		q.Window *= q.policy.IncreaseFactor
	}
}

func (q *ChangeQueue) DecreaseWindowSize() {
	if q.Window == 0 {
		return
	}
	switch q.policy.DecreaseType {
	case model.WindowLinear:
		q.Window = max(q.policy.Floor, q.Window-q.policy.DecreaseFactor)
	case model.WindowExponential:
		q.Window = max(q.policy.Floor, q.Window/q.policy.DecreaseFactor)
	}
}

// RestoreWindow carries a window size over from the queue this one
// replaces. A queue without a window keeps having none.
func (q *ChangeQueue) RestoreWindow(size int) {
	if q.Window == 0 || size <= 0 {
		return
	}
	q.Window = max(size, q.policy.Floor)
}

func removeItem(items []*Item, item *Item) []*Item {
	for i, existing := range items {
		if existing == item {
			return append(items[:i:i], items[i+1:]...)
		}
	}
	return items
}
