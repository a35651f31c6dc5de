package manager

import (
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/queue"
)

const (
	configDependencyInvalid = "This change depends on a change with an invalid configuration."
	configUnknownError      = "Unknown configuration error"
	configPendingMessage    = "This change depends on a change to a config project. " +
		"The configuration of the change can not be tested until the config project change merges, " +
		"and the jobs of this change can not be used until that occurs."
)

// prepareItem advances the asynchronous setup of an item: changed files,
// speculative merge, layout, job graph and global repo state. It returns
// true once the item is ready to request nodes and run jobs.
func (m *Manager) prepareItem(item *queue.Item) bool {
	bs := item.BuildSet
	if bs.Ref() == "" {
		bs.SetConfiguration()
	}

	if item.ItemAhead != nil && len(item.ItemAhead.ConfigErrors()) > 0 {
		m.log(model.LogLevelDebug, "item_ahead_has_config_errors item=%s", item)
		item.SetConfigError(configDependencyInvalid)
		return false
	}

	switch bs.FilesState() {
	case model.StageNew:
		if !m.scheduleFilesChanges(item) {
			return false
		}
	case model.StagePending:
		return false
	}

	switch bs.MergeState() {
	case model.StageNew:
		if m.shouldMerge(item) {
			m.scheduleMerge(item)
			return false
		}
	case model.StagePending:
		return false
	}

	if len(bs.ConfigErrors) > 0 {
		return false
	}
	if item.Layout == nil {
		item.Layout = m.getLayout(item)
	}
	if item.Layout == nil {
		return false
	}

	if bs.UnableToMerge || len(bs.ConfigErrors) > 0 || bs.ConfigPending {
		return false
	}
	if !item.Live {
		return false
	}

	if item.JobGraph == nil {
		if err := item.FreezeJobGraph(); err != nil {
			m.log(model.LogLevelWarn, "freeze_job_graph_failed item=%s err=%v", item, err)
			item.SetConfigError("Unable to freeze job graph: " + err.Error())
			return false
		}
	}

	switch bs.RepoStateState() {
	case model.StageNew:
		if err := bs.SetRepoStateState(model.StagePending); err != nil {
			m.log(model.LogLevelError, "repo_state_transition_failed item=%s err=%v", item, err)
			return false
		}
		m.scheduleGlobalRepoState(item)
		return bs.RepoStateState() == model.StageComplete
	case model.StagePending:
		return false
	}
	return true
}

// shouldMerge decides whether an item needs a speculative merge of its own.
// Non-live items only merge when their configuration matters to the items
// behind them.
func (m *Manager) shouldMerge(item *queue.Item) bool {
	if item.Live {
		return true
	}
	layout := m.tenantLayout()
	if item.Change.UpdatesConfig(layout) {
		return true
	}
	return item.Bundle != nil && item.Bundle.UpdatesConfig(layout) && layout.Project(item.Change.Project) != nil
}

// scheduleFilesChanges asks the merger for the changed files of an item
// whose change does not carry them. It returns false while the request is
// outstanding.
func (m *Manager) scheduleFilesChanges(item *queue.Item) bool {
	bs := item.BuildSet
	if item.Change.Files != nil {
		_ = bs.SetFilesState(model.StageComplete)
		return true
	}
	if err := bs.SetFilesState(model.StagePending); err != nil {
		m.log(model.LogLevelError, "files_state_transition_failed item=%s err=%v", item, err)
		return false
	}
	if err := m.c.Merger.GetFilesChanges(item.Change, bs); err != nil {
		m.log(model.LogLevelWarn, "files_changes_dispatch_failed item=%s err=%v", item, err)
		_ = bs.SetFilesState(model.StageComplete)
		return true
	}
	m.log(model.LogLevelDebug, "files_changes_scheduled item=%s", item)
	return false
}

func (m *Manager) configFilesAndDirs(item *queue.Item) (files, dirs []string) {
	files = append(files, model.ConfigFiles...)
	dirs = append(dirs, model.ConfigDirs...)
	if pc := m.tenantLayout().Project(item.Change.Project); pc != nil {
		files = append(files, pc.ExtraConfigFiles...)
		dirs = append(dirs, pc.ExtraConfigDirs...)
	}
	return files, dirs
}

func (m *Manager) scheduleMerge(item *queue.Item) {
	bs := item.BuildSet
	if err := bs.SetMergeState(model.StagePending); err != nil {
		m.log(model.LogLevelError, "merge_state_transition_failed item=%s err=%v", item, err)
		return
	}
	files, dirs := m.configFilesAndDirs(item)
	if err := m.c.Merger.MergeChanges(bs.MergerItems, bs, files, dirs, m.precedence()); err != nil {
		m.log(model.LogLevelWarn, "merge_dispatch_failed item=%s err=%v", item, err)
		_ = bs.SetMergeState(model.StageComplete)
		item.SetUnableToMerge()
		return
	}
	m.log(model.LogLevelDebug, "merge_scheduled item=%s items=%d", item, len(bs.MergerItems))
}

// scheduleGlobalRepoState fetches the repo state of projects the jobs need
// that are not already part of the speculative merge.
func (m *Manager) scheduleGlobalRepoState(item *queue.Item) {
	bs := item.BuildSet
	layout := item.Layout
	var items []model.MergerItem
	for _, project := range item.JobGraph.AffectedProjects() {
		if bs.RepoState.HasProject(project) {
			continue
		}
		mi := model.MergerItem{Project: project}
		if pc := layout.Project(project); pc != nil {
			mi.Connection = pc.Connection
		}
		items = append(items, mi)
	}
	if len(items) == 0 {
		_ = bs.SetRepoStateState(model.StageComplete)
		return
	}
	if err := m.c.Merger.GetRepoState(items, bs, m.precedence()); err != nil {
		m.log(model.LogLevelWarn, "repo_state_dispatch_failed item=%s err=%v", item, err)
		_ = bs.SetRepoStateState(model.StageComplete)
		item.SetUnableToMerge()
		return
	}
	m.log(model.LogLevelDebug, "repo_state_scheduled item=%s projects=%d", item, len(items))
}

// getLayout returns the layout an item is tested with. It is nil while the
// layout can not be determined yet.
func (m *Manager) getLayout(item *queue.Item) *model.Layout {
	var fallback *model.Layout
	if item.ItemAhead != nil {
		fallback = item.ItemAhead.Layout
		if fallback == nil {
			return nil
		}
	} else {
		fallback = m.tenantLayout()
	}

	tenant := m.tenantLayout()
	if !item.Change.UpdatesConfig(tenant) && (item.Bundle == nil || !item.Bundle.UpdatesConfig(tenant)) {
		return fallback
	}
	if item.BuildSet.MergeState() != model.StageComplete {
		return nil
	}
	if item.BuildSet.UnableToMerge {
		return fallback
	}
	m.log(model.LogLevelDebug, "dynamic_layout_required item=%s", item)
	return m.loadDynamicLayout(item, fallback)
}

// loadDynamicLayout builds the layout of an item that changes configuration.
// Trusted and untrusted changes are loaded in separate phases so errors can
// be attributed to the right kind of project. Config project changes are
// validated but never used to run jobs before they merge.
func (m *Manager) loadDynamicLayout(item *queue.Item, fallback *model.Layout) *model.Layout {
	trusted, untrusted := item.IncludesConfigUpdates()
	files := item.BuildSet.Files

	var trustedLayout, untrustedLayout *model.Layout
	var err error
	if trusted {
		trustedLayout, err = m.c.Loader.CreateDynamicLayout(item, files, true)
		if err != nil {
			m.log(model.LogLevelWarn, "dynamic_layout_failed item=%s phase=trusted err=%v", item, err)
			item.SetConfigError(configUnknownError)
			return nil
		}
	}
	if untrusted {
		untrustedLayout, err = m.c.Loader.CreateDynamicLayout(item, files, false)
		if err != nil {
			m.log(model.LogLevelWarn, "dynamic_layout_failed item=%s phase=untrusted err=%v", item, err)
			item.SetConfigError(configUnknownError)
			return nil
		}
	}

	trustedErrors := trustedLayout != nil && len(trustedLayout.LoadingErrors) > 0
	untrustedErrors := untrustedLayout != nil && len(untrustedLayout.LoadingErrors) > 0

	if !trustedErrors && !untrustedErrors {
		if untrustedLayout != nil {
			return untrustedLayout
		}
		return fallback
	}

	if trustedLayout != nil && !trustedErrors && untrustedErrors {
		m.log(model.LogLevelInfo, "config_pending item=%s", item)
		item.SetConfigPending(configPendingMessage)
		return fallback
	}

	if untrustedErrors {
		relevant := m.findRelevantErrors(item, untrustedLayout)
		if len(relevant) > 0 {
			m.log(model.LogLevelInfo, "config_errors item=%s errors=%d", item, len(relevant))
			item.SetConfigErrors(relevant)
			return nil
		}
		m.log(model.LogLevelInfo, "config_errors_ignored item=%s phase=untrusted", item)
		return untrustedLayout
	}

	relevant := m.findRelevantErrors(item, trustedLayout)
	if len(relevant) > 0 {
		m.log(model.LogLevelInfo, "config_errors item=%s errors=%d", item, len(relevant))
		item.SetConfigErrors(relevant)
		return nil
	}
	m.log(model.LogLevelInfo, "config_errors_ignored item=%s phase=trusted", item)
	if untrustedLayout != nil {
		return untrustedLayout
	}
	return fallback
}

// findRelevantErrors keeps the loading errors the item introduced: errors
// not already present in the layout it builds on, plus any error in the
// item's own project and branch.
func (m *Manager) findRelevantErrors(item *queue.Item, layout *model.Layout) []model.ConfigError {
	parent := m.tenantLayout()
	if item.ItemAhead != nil && item.ItemAhead.Layout != nil {
		parent = item.ItemAhead.Layout
	}
	known := parent.ErrorKeys()
	var relevant []model.ConfigError
	for _, e := range layout.LoadingErrors {
		if !known[e.Key()] || (e.Project == item.Change.Project && e.Branch == item.Change.Branch) {
			relevant = append(relevant, e)
		}
	}
	return relevant
}
