package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/gatekeeper/internal/model"
	yamlutil "github.com/msageha/gatekeeper/internal/yaml"
)

// SpoolFile is one trigger event dropped into the spool directory. Change
// describes the change or ref the event is about; DependsOn URLs are added
// to its commit message as Depends-On headers. Config maps configuration
// file paths carried by the change to their content.
type SpoolFile struct {
	yamlutil.SchemaHeader `yaml:",inline"`

	Event     model.TriggerEvent `yaml:"event"`
	Change    *model.Change      `yaml:"change,omitempty"`
	DependsOn []string           `yaml:"depends_on,omitempty"`
	Config    map[string]string  `yaml:"config,omitempty"`
}

func ReadSpoolFile(path string) (*SpoolFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spool file: %w", err)
	}
	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypeTriggerEvent); err != nil {
		return nil, err
	}
	var sf SpoolFile
	if err := yamlutil.DecodeStrict(content, &sf); err != nil {
		return nil, err
	}
	if err := sf.validate(); err != nil {
		return nil, err
	}
	return &sf, nil
}

// WriteSpoolFile atomically drops sf into dir and returns its path. Names
// sort by creation time so a directory scan replays events in order.
func WriteSpoolFile(dir string, sf *SpoolFile) (string, error) {
	sf.SchemaHeader = yamlutil.NewHeader(yamlutil.FileTypeTriggerEvent)
	if sf.Event.ID == "" {
		sf.Event.ID = uuid.NewString()
	}
	if sf.Event.Timestamp.IsZero() {
		sf.Event.Timestamp = time.Now().UTC()
	}
	if err := sf.validate(); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%020d-%s.yaml", time.Now().UnixNano(), sf.Event.ID)
	path := filepath.Join(dir, name)
	if err := yamlutil.AtomicWrite(path, sf); err != nil {
		return "", err
	}
	return path, nil
}

func (sf *SpoolFile) validate() error {
	if sf.Event.Type == "" {
		return fmt.Errorf("event.type is required")
	}
	switch sf.Event.Type {
	case model.EventEnqueue, model.EventDequeue:
		if sf.Event.Pipeline == "" {
			return fmt.Errorf("event.pipeline is required for %s", sf.Event.Type)
		}
	}
	if sf.Change == nil && sf.Event.Project == "" {
		return fmt.Errorf("change or event.project is required")
	}
	return nil
}

// BuildChange returns the change the event is about. Events without an
// inline change describe a ref update of the event's project.
func (sf *SpoolFile) BuildChange() *model.Change {
	var c model.Change
	if sf.Change != nil {
		c = *sf.Change
	} else {
		c = model.Change{Ref: sf.Event.Ref}
	}
	if c.Connection == "" {
		c.Connection = sf.Event.Connection
	}
	if c.Project == "" {
		c.Project = sf.Event.Project
	}
	if c.Branch == "" {
		c.Branch = sf.Event.Branch
	}
	if c.Branch == "" {
		c.Branch = "main"
	}
	if c.Ref == "" && !c.IsChange() {
		c.Ref = "refs/heads/" + c.Branch
	}

	existing := model.DependsOnHeaders(c.Message)
	var lines []string
	for _, url := range sf.DependsOn {
		if !slices.Contains(existing, url) {
			lines = append(lines, "Depends-On: "+url)
		}
	}
	if len(lines) > 0 {
		msg := strings.TrimRight(c.Message, "\n")
		if msg != "" {
			msg += "\n\n"
		}
		c.Message = msg + strings.Join(lines, "\n") + "\n"
	}
	return &c
}
