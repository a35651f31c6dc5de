package local

import (
	"crypto/sha1"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/msageha/gatekeeper/internal/manager"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

// Merger pretends to merge changes. Items of projects listed in
// DryRunConfig.MergeConflicts never merge.
type Merger struct {
	d         *Dispatcher
	source    *Source
	conflicts []string
}

func NewMerger(d *Dispatcher, source *Source, cfg model.DryRunConfig) *Merger {
	return &Merger{d: d, source: source, conflicts: cfg.MergeConflicts}
}

func (m *Merger) MergeChanges(items []model.MergerItem, bs *queue.BuildSet, files, dirs []string, precedence string) error {
	res := manager.MergeResult{BuildSet: bs, RepoState: model.RepoState{}}
	merged := true
	for _, it := range items {
		if slices.Contains(m.conflicts, it.Project) {
			merged = false
			break
		}
	}
	if merged {
		res.Merged = true
		parent := ""
		for _, it := range items {
			parent = fakeCommit(parent, it.Project, it.Ref, it.NewRev)
			res.Files = append(res.Files, model.RepoFiles{it.Project: m.filterConfig(it, files, dirs)})
			res.RepoState.Update(model.RepoState{
				it.Connection: {it.Project: {"refs/heads/" + it.Branch: parent}},
			})
		}
		res.Commit = parent
	}
	m.d.log(model.LogLevelDebug, "merge_requested buildset=%s items=%d merged=%t", bs.UUID, len(items), merged)
	m.d.enqueue("merge", func(s Sink) { s.OnMergeCompleted(res) })
	return nil
}

// filterConfig keeps the configuration files of an item that the pipeline
// asked for.
func (m *Merger) filterConfig(it model.MergerItem, files, dirs []string) map[string]string {
	out := make(map[string]string)
	for path, content := range m.source.configFor(it) {
		keep := slices.Contains(files, path)
		for _, dir := range dirs {
			if strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+"/") {
				keep = true
			}
		}
		if keep {
			out[path] = content
		}
	}
	return out
}

func (m *Merger) GetRepoState(items []model.MergerItem, bs *queue.BuildSet, precedence string) error {
	state := model.RepoState{}
	for _, it := range items {
		branch := it.Branch
		if branch == "" {
			branch = "main"
		}
		state.Update(model.RepoState{
			it.Connection: {it.Project: {"refs/heads/" + branch: fakeCommit("", it.Project, branch, "")}},
		})
	}
	res := manager.MergeResult{BuildSet: bs, Updated: true, RepoState: state}
	m.d.enqueue("repo_state", func(s Sink) { s.OnMergeCompleted(res) })
	return nil
}

func (m *Merger) GetFilesChanges(change *model.Change, bs *queue.BuildSet) error {
	var files []string
	if known := m.source.Lookup(change); known != nil {
		files = append(files, known.Files...)
	}
	if files == nil {
		for path := range m.source.ConfigFiles(change) {
			files = append(files, path)
		}
		slices.Sort(files)
	}
	m.d.enqueue("files_changes", func(s Sink) { s.OnFilesChangesCompleted(bs, files) })
	return nil
}

// fakeCommit derives a stable commit sha from its inputs.
func fakeCommit(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}
