package workflow

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

// DefaultName is the built-in content pipeline.
const DefaultName = "content"

// definition is the YAML shape of a workflow file.
type definition struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Start       string            `yaml:"start"`
	Stages      []stageDefinition `yaml:"stages"`
}

type stageDefinition struct {
	ID   string   `yaml:"id"`
	Next []string `yaml:"next"`
}

// Parse decodes and validates a YAML workflow definition.
func Parse(data []byte, source Source) (*Workflow, error) {
	var def definition
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&def); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("workflow definition missing required field: name")
	}
	if len(def.Stages) == 0 {
		return nil, fmt.Errorf("workflow %s: no stages defined", def.Name)
	}

	start := message.StageID(def.Start)
	if start == "" {
		// The first listed stage is the implicit start.
		start = message.StageID(def.Stages[0].ID)
	}

	edges := make(map[message.StageID][]message.StageID, len(def.Stages))
	for _, s := range def.Stages {
		id := message.StageID(s.ID)
		if _, dup := edges[id]; dup {
			return nil, fmt.Errorf("workflow %s: stage %q defined twice", def.Name, s.ID)
		}
		next := make([]message.StageID, 0, len(s.Next))
		for _, n := range s.Next {
			next = append(next, message.StageID(n))
		}
		edges[id] = next
	}

	wf, err := New(def.Name, start, edges)
	if err != nil {
		return nil, err
	}
	wf.description = def.Description
	wf.source = source
	return wf, nil
}

// LoadFile reads a user workflow definition from disk.
func LoadFile(filePath string) (*Workflow, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // path comes from user configuration
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}
	wf, err := Parse(data, SourceUser)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	wf.path = filePath
	return wf, nil
}

// LoadBuiltin returns every built-in workflow, sorted by name.
func LoadBuiltin() ([]*Workflow, error) {
	return loadFromFS(builtinTemplates, "templates", SourceBuiltIn)
}

// Builtin returns the built-in workflow with the given name.
func Builtin(name string) (*Workflow, error) {
	data, err := fs.ReadFile(builtinTemplates, path.Join("templates", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("unknown built-in workflow %q", name)
	}
	return Parse(data, SourceBuiltIn)
}

// Default returns the built-in content workflow.
func Default() *Workflow {
	wf, err := Builtin(DefaultName)
	if err != nil {
		// The embedded definition is validated by tests.
		panic(fmt.Sprintf("built-in workflow: %v", err))
	}
	return wf
}

// Resolve picks a workflow by reference: an existing file path is loaded as a
// user workflow, anything else is looked up among the built-ins. An empty
// reference yields Default.
func Resolve(ref string) (*Workflow, error) {
	if ref == "" {
		return Default(), nil
	}
	if strings.HasSuffix(ref, ".yaml") || strings.HasSuffix(ref, ".yml") || strings.ContainsRune(ref, filepath.Separator) {
		return LoadFile(ref)
	}
	return Builtin(ref)
}

// LoadDir loads user workflows from dir. A missing directory is not an error.
// Files that fail to parse are returned in the error list and skipped.
func LoadDir(dir string) ([]*Workflow, []error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("checking workflow directory: %w", err)}
	}
	if !info.IsDir() {
		return nil, []error{fmt.Errorf("workflow path is not a directory: %s", dir)}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("reading workflow directory: %w", err)}
	}

	var (
		workflows []*Workflow
		errs      []error
	)
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		wf, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		workflows = append(workflows, wf)
	}
	sortByName(workflows)
	return workflows, errs
}

func loadFromFS(fsys fs.FS, dir string, source Source) ([]*Workflow, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading workflow directory: %w", err)
	}

	var workflows []*Workflow
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		// path.Join, not filepath.Join: embedded filesystems always use forward slashes.
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading workflow file %s: %w", entry.Name(), err)
		}
		wf, err := Parse(data, source)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		workflows = append(workflows, wf)
	}
	sortByName(workflows)
	return workflows, nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func sortByName(wfs []*Workflow) {
	sort.Slice(wfs, func(i, j int) bool { return wfs[i].name < wfs[j].name })
}
