package local

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/msageha/gatekeeper/internal/model"
)

// Source is an in-memory code review system. Changes become known when
// they are registered, usually from spool files.
type Source struct {
	mu      sync.Mutex
	byKey   map[string]*model.Change
	byURL   map[string]*model.Change
	config  map[string]map[string]string
	merged  map[string]bool
	ordered []*model.Change
}

func NewSource() *Source {
	return &Source{
		byKey:  make(map[string]*model.Change),
		byURL:  make(map[string]*model.Change),
		config: make(map[string]map[string]string),
		merged: make(map[string]bool),
	}
}

// Register records change and the configuration files it carries, keyed by
// path. A change registered again replaces the earlier object, which keeps
// its identity in queues that already hold it.
func (s *Source) Register(change *model.Change, config map[string]string) *model.Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := change.Key()
	if prev, ok := s.byKey[key]; ok {
		files := prev.Files
		*prev = *change
		if prev.Files == nil {
			prev.Files = files
		}
		change = prev
	} else {
		s.byKey[key] = change
		s.ordered = append(s.ordered, change)
	}
	if change.URL != "" {
		s.byURL[change.URL] = change
	}
	if len(config) > 0 {
		s.config[key] = config
		if change.Files == nil {
			for path := range config {
				change.Files = append(change.Files, path)
			}
			sort.Strings(change.Files)
		}
	}
	if change.Merged {
		s.merged[key] = true
	}
	return change
}

// Lookup returns the registered change with the same identity.
func (s *Source) Lookup(change *model.Change) *model.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKey[change.Key()]
}

// ConfigFiles returns the configuration files carried by change.
func (s *Source) ConfigFiles(change *model.Change) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config[change.Key()]
}

func (s *Source) configFor(item model.MergerItem) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, change := range s.byKey {
		if change.Project == item.Project && change.Number == item.Number &&
			change.Patchset == item.Patchset && change.Ref == item.Ref {
			return s.config[key]
		}
	}
	return nil
}

// MarkMerged records that change landed.
func (s *Source) MarkMerged(change *model.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merged[change.Key()] = true
	change.Merged = true
	change.Open = false
	if c, ok := s.byKey[change.Key()]; ok {
		c.Merged = true
		c.Open = false
	}
}

func (s *Source) IsMerged(change *model.Change) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return change.Merged || s.merged[change.Key()]
}

// CanMerge reports whether change is open, approved and not merged. Ref
// updates can always merge.
func (s *Source) CanMerge(change *model.Change) bool {
	if !change.IsChange() {
		return true
	}
	return change.Open && change.Approved && !s.IsMerged(change)
}

// ChangesDependingOn returns open changes in projects whose Depends-On
// headers name change, ordered by change number.
func (s *Source) ChangesDependingOn(change *model.Change, projects []string) []*model.Change {
	if change.URL == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Change
	for _, c := range s.ordered {
		if !c.Open || !c.CurrentPatchset || c.Equals(change) {
			continue
		}
		if len(projects) > 0 && !slices.Contains(projects, c.Project) {
			continue
		}
		if slices.Contains(model.DependsOnHeaders(c.Message), change.URL) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (s *Source) ChangeByURL(url string) (*model.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byURL[url]
	if !ok {
		return nil, fmt.Errorf("change %s not found", url)
	}
	return c, nil
}
