package local

import (
	"fmt"
	"slices"
	"sync"

	"github.com/msageha/gatekeeper/internal/jobgraph"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// Nodepool fulfills every node request with one node per label. Requests
// for jobs listed in DryRunConfig.NodeFailures fail.
type Nodepool struct {
	d        *Dispatcher
	failJobs []string

	mu       sync.Mutex
	canceled map[string]bool
	inUse    int
}

func NewNodepool(d *Dispatcher, cfg model.DryRunConfig) *Nodepool {
	return &Nodepool{d: d, failJobs: cfg.NodeFailures, canceled: make(map[string]bool)}
}

func (n *Nodepool) RequestNodes(bs *queue.BuildSet, job *jobgraph.Job, relativePriority int) (*queue.NodeRequest, error) {
	req := queue.NewNodeRequest(bs, job, relativePriority)
	failed := slices.Contains(n.failJobs, job.Name)
	ns := &model.NodeSet{Name: job.Name}
	for i, label := range req.Labels {
		ns.Nodes = append(ns.Nodes, model.Node{Name: fmt.Sprintf("%s-%d", label, i), Label: label})
	}
	n.d.log(model.LogLevelDebug, "node_request request=%s job=%s labels=%v", req.ID, job.Name, req.Labels)
	n.d.enqueue("nodes_provisioned", func(s Sink) {
		n.mu.Lock()
		canceled := n.canceled[req.ID]
		delete(n.canceled, req.ID)
		n.mu.Unlock()
		if canceled {
			return
		}
		s.FulfillNodeRequest(req, ns, failed)
	})
	return req, nil
}

func (n *Nodepool) ReviseRequest(req *queue.NodeRequest, relativePriority int) error {
	req.RelativePriority = relativePriority
	return nil
}

func (n *Nodepool) CancelRequest(req *queue.NodeRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.canceled[req.ID] = true
	return nil
}

func (n *Nodepool) UseNodeSet(ns *model.NodeSet, bs *queue.BuildSet) error {
	if ns == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inUse += len(ns.Nodes)
	return nil
}

func (n *Nodepool) ReturnNodeSet(ns *model.NodeSet, bs *queue.BuildSet) error {
	if ns == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inUse = max(0, n.inUse-len(ns.Nodes))
	return nil
}

// InUse returns the number of nodes handed to builds and not yet returned.
func (n *Nodepool) InUse() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inUse
}
