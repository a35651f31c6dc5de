package model

import (
	"fmt"
	"regexp"
	"strings"
)

// ZeroRev stands in for the commit of a ref update that carries no new revision.
const ZeroRev = "0000000000000000000000000000000000000000"

var (
	ConfigFiles = []string{"gatekeeper.yaml", ".gatekeeper.yaml"}
	ConfigDirs  = []string{"gatekeeper.d", ".gatekeeper.d"}
)

var dependsOnRegex = regexp.MustCompile(`(?mi)^Depends-On: (.*?)\s*$`)

// Change is either a proposed change (Number > 0) or a plain ref update.
// Files is nil until the changed-file list is known.
type Change struct {
	Connection string   `yaml:"connection"`
	Project    string   `yaml:"project"`
	Branch     string   `yaml:"branch"`
	Ref        string   `yaml:"ref"`
	OldRev     string   `yaml:"oldrev,omitempty"`
	NewRev     string   `yaml:"newrev,omitempty"`
	Number     int      `yaml:"number,omitempty"`
	Patchset   int      `yaml:"patchset,omitempty"`
	URL        string   `yaml:"url,omitempty"`
	Message    string   `yaml:"message,omitempty"`
	Files      []string `yaml:"files,omitempty"`

	Open            bool `yaml:"open"`
	CurrentPatchset bool `yaml:"current_patchset"`
	Merged          bool `yaml:"merged"`
	Approved        bool `yaml:"approved"`

	GitNeedsChanges    []*Change `yaml:"-"`
	CommitNeedsChanges []*Change `yaml:"-"`
	NeededByChanges    []*Change `yaml:"-"`
}

func (c *Change) IsChange() bool {
	return c.Number > 0
}

// Key identifies the change across object copies. Two changes with the same
// key are the same revision under test.
func (c *Change) Key() string {
	if c.IsChange() {
		return fmt.Sprintf("%s/%d,%d", c.Connection, c.Number, c.Patchset)
	}
	return fmt.Sprintf("%s/%s@%s:%s", c.Connection, c.Project, c.Ref, c.NewRev)
}

func (c *Change) Equals(other *Change) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.IsChange() != other.IsChange() {
		return false
	}
	if c.IsChange() {
		return c.Connection == other.Connection && c.Number == other.Number && c.Patchset == other.Patchset
	}
	return c.Project == other.Project && c.Ref == other.Ref && c.NewRev == other.NewRev
}

// IsUpdateOf reports whether c is a newer patchset of other.
func (c *Change) IsUpdateOf(other *Change) bool {
	if !c.IsChange() || !other.IsChange() {
		return false
	}
	return c.Project == other.Project && c.Number == other.Number && c.Patchset > other.Patchset
}

// NeedsChanges merges git parents and Depends-On dependencies, keeping order
// and dropping duplicates.
func (c *Change) NeedsChanges() []*Change {
	var out []*Change
	seen := make(map[string]bool)
	for _, group := range [][]*Change{c.GitNeedsChanges, c.CommitNeedsChanges} {
		for _, needed := range group {
			if needed == nil || seen[needed.Key()] {
				continue
			}
			seen[needed.Key()] = true
			out = append(out, needed)
		}
	}
	return out
}

func (c *Change) IsGitNeed(other *Change) bool {
	for _, needed := range c.GitNeedsChanges {
		if needed.Equals(other) {
			return true
		}
	}
	return false
}

// UpdatesConfig reports whether the change touches configuration of a
// project in the given tenant layout. Unknown files count as an update.
func (c *Change) UpdatesConfig(layout *Layout) bool {
	if layout == nil {
		return false
	}
	pc := layout.Project(c.Project)
	if pc == nil {
		return false
	}
	if c.Files == nil {
		return true
	}
	files := append(append([]string{}, ConfigFiles...), pc.ExtraConfigFiles...)
	dirs := append(append([]string{}, ConfigDirs...), pc.ExtraConfigDirs...)
	for _, fn := range c.Files {
		for _, f := range files {
			if fn == f {
				return true
			}
		}
		for _, d := range dirs {
			if strings.HasPrefix(fn, strings.TrimSuffix(d, "/")+"/") {
				return true
			}
		}
	}
	return false
}

func (c *Change) String() string {
	if c.IsChange() {
		return fmt.Sprintf("<Change %s %d,%d>", c.Project, c.Number, c.Patchset)
	}
	rev := c.NewRev
	if len(rev) > 7 {
		rev = rev[:7]
	}
	return fmt.Sprintf("<Ref %s %s %s>", c.Project, c.Ref, rev)
}

// DependsOnHeaders returns the unique Depends-On URLs in a commit message.
func DependsOnHeaders(message string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range dependsOnRegex.FindAllStringSubmatch(message, -1) {
		url := strings.TrimSpace(m[1])
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		out = append(out, url)
	}
	return out
}

// MergerItem is the description of one change handed to the merger and executor.
type MergerItem struct {
	Connection string `yaml:"connection"`
	Project    string `yaml:"project"`
	Branch     string `yaml:"branch"`
	Ref        string `yaml:"ref"`
	NewRev     string `yaml:"newrev,omitempty"`
	Number     int    `yaml:"number,omitempty"`
	Patchset   int    `yaml:"patchset,omitempty"`
	URL        string `yaml:"url,omitempty"`
}

func NewMergerItem(c *Change) MergerItem {
	return MergerItem{
		Connection: c.Connection,
		Project:    c.Project,
		Branch:     c.Branch,
		Ref:        c.Ref,
		NewRev:     c.NewRev,
		Number:     c.Number,
		Patchset:   c.Patchset,
		URL:        c.URL,
	}
}

// RepoState maps connection → project → ref → commit sha.
type RepoState map[string]map[string]map[string]string

// Update merges other into s, replacing refs that appear in both.
func (s RepoState) Update(other RepoState) {
	for conn, projects := range other {
		if s[conn] == nil {
			s[conn] = make(map[string]map[string]string)
		}
		for project, refs := range projects {
			if s[conn][project] == nil {
				s[conn][project] = make(map[string]string)
			}
			for ref, sha := range refs {
				s[conn][project][ref] = sha
			}
		}
	}
}

func (s RepoState) HasProject(project string) bool {
	for _, projects := range s {
		if _, ok := projects[project]; ok {
			return true
		}
	}
	return false
}

// RepoFiles holds configuration file contents fetched by the merger,
// keyed by project then path.
type RepoFiles map[string]map[string]string

type Node struct {
	Name  string `yaml:"name"`
	Label string `yaml:"label"`
}

type NodeSet struct {
	Name  string `yaml:"name"`
	Nodes []Node `yaml:"nodes"`
}
