package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLayout = `
tenant: example
pipelines:
  - name: check
    manager: independent
    trigger:
      - event: [patchset-created]
    success: [log]
    failure: [log]
  - name: gate
    manager: dependent
    window: 10
    supercedes: [check]
    require:
      branch: ['^main$']
      open: true
    success: [log]
    failure: [log]
queues:
  - name: integrated
    allow_circular_dependencies: true
semaphores:
  - name: db
    max: 1
jobs:
  - name: build
  - name: test
    dependencies:
      - build
      - name: lint
        soft: true
    semaphore: db
  - name: docs
    voting: false
projects:
  - name: org/a
    queue: integrated
    pipelines:
      check:
        jobs: [build, test]
      gate:
        jobs: [build, test, docs]
        fail_fast: true
  - name: org/config
    trusted: true
    pipelines:
      gate:
        jobs: [build]
        queue: configs
`

func TestParseLayout(t *testing.T) {
	layout, err := ParseLayout([]byte(testLayout))
	require.NoError(t, err)

	assert.Equal(t, "example", layout.Tenant)
	gate := layout.Pipeline("gate")
	require.NotNil(t, gate)
	assert.Equal(t, 10, gate.WindowPolicy().Size)
	assert.True(t, gate.DequeuesOnNewPatchset())

	test := layout.Job("test")
	require.NotNil(t, test)
	assert.Equal(t, []JobDependency{{Name: "build"}, {Name: "lint", Soft: true}}, test.Dependencies)
	assert.True(t, test.IsVoting())
	assert.False(t, layout.Job("docs").IsVoting())

	ppc := layout.ProjectPipeline("org/a", "gate")
	require.NotNil(t, ppc)
	assert.True(t, ppc.FailFast)
	assert.Nil(t, layout.ProjectPipeline("org/config", "check"))
	assert.Nil(t, layout.ProjectPipeline("org/unknown", "gate"))

	assert.Equal(t, "integrated", layout.QueueName("org/a", "gate"))
	assert.Equal(t, "configs", layout.QueueName("org/config", "gate"))
	assert.True(t, layout.Queue("integrated").AllowCircularDependencies)
}

func TestParseLayoutRejectsUnknownFields(t *testing.T) {
	_, err := ParseLayout([]byte("tenant: x\nbogus: 1\n"))
	assert.Error(t, err)
}

func TestLayoutValidate(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
	}{
		{"unknown manager", Layout{Pipelines: []PipelineConfig{{Name: "p", Manager: "serial"}}}},
		{"duplicate pipeline", Layout{Pipelines: []PipelineConfig{{Name: "p", Manager: "independent"}, {Name: "p", Manager: "independent"}}}},
		{"unknown supercedes", Layout{Pipelines: []PipelineConfig{{Name: "p", Manager: "independent", Supercedes: []string{"q"}}}}},
		{"hard dependency on missing job", Layout{Jobs: []JobConfig{{Name: "a", Dependencies: []JobDependency{{Name: "b"}}}}}},
		{"unknown semaphore", Layout{Jobs: []JobConfig{{Name: "a", Semaphore: "s"}}}},
		{"unknown project job", Layout{
			Pipelines: []PipelineConfig{{Name: "p", Manager: "independent"}},
			Projects:  []ProjectConfig{{Name: "x", Pipelines: map[string]ProjectPipelineConfig{"p": {Jobs: []string{"nope"}}}}},
		}},
		{"bad window type", Layout{Pipelines: []PipelineConfig{{Name: "p", Manager: "dependent", WindowIncreaseType: "quadratic"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.layout.Validate(); err == nil {
				t.Errorf("Validate() returned nil, want error")
			}
		})
	}

	ok := Layout{Jobs: []JobConfig{{Name: "a", Dependencies: []JobDependency{{Name: "missing", Soft: true}}}}}
	assert.NoError(t, ok.Validate())
}

func TestLoadLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testLayout), 0644))
	layout, err := LoadLayout(path)
	require.NoError(t, err)
	assert.Len(t, layout.Pipelines, 2)

	_, err = LoadLayout(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWindowPolicyDefaults(t *testing.T) {
	dep := PipelineConfig{Name: "gate", Manager: ManagerDependent}
	wp := dep.WindowPolicy()
	assert.Equal(t, WindowPolicy{Size: 20, Floor: 3, IncreaseType: WindowLinear, IncreaseFactor: 1, DecreaseType: WindowExponential, DecreaseFactor: 2}, wp)

	ind := PipelineConfig{Name: "check", Manager: ManagerIndependent}
	assert.Equal(t, 0, ind.WindowPolicy().Size)
}

func TestWindowPolicyFloorNeverAboveWindow(t *testing.T) {
	one := 1
	tests := []struct {
		name      string
		cfg       PipelineConfig
		wantFloor int
	}{
		{"window below default floor", PipelineConfig{Manager: ManagerDependent, Window: &one}, 1},
		{"window below explicit floor", PipelineConfig{Manager: ManagerDependent, Window: &one, WindowFloor: 5}, 1},
		{"default window keeps floor", PipelineConfig{Manager: ManagerDependent}, 3},
		{"unlimited window keeps floor", PipelineConfig{Manager: ManagerIndependent}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantFloor, tt.cfg.WindowPolicy().Floor)
		})
	}
}

func TestRefFilterMatches(t *testing.T) {
	yes := true
	f := RefFilter{Connection: "gerrit", Branches: []string{"^main$"}, Open: &yes}
	tests := []struct {
		name   string
		change *Change
		want   bool
	}{
		{"matches", &Change{Connection: "gerrit", Branch: "main", Number: 1, Open: true}, true},
		{"wrong branch", &Change{Connection: "gerrit", Branch: "stable", Number: 1, Open: true}, false},
		{"closed", &Change{Connection: "gerrit", Branch: "main", Number: 1}, false},
		{"other connection is not filtered", &Change{Connection: "github", Branch: "stable", Number: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Matches(tt.change)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	bad := RefFilter{Branches: []string{"("}}
	_, err := bad.Matches(&Change{Branch: "main"})
	assert.Error(t, err)
}

func TestTriggerFilterMatches(t *testing.T) {
	f := TriggerFilter{Events: []EventType{EventCommentAdded}, Comment: "(?i)^recheck$"}
	ok, err := f.Matches(&TriggerEvent{Type: EventCommentAdded, Comment: "recheck"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Matches(&TriggerEvent{Type: EventPatchsetCreated})
	require.NoError(t, err)
	assert.False(t, ok)
}
