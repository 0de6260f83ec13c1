package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

func TestDefault_IsContentPipeline(t *testing.T) {
	wf := Default()
	require.Equal(t, DefaultName, wf.Name())
	require.Equal(t, SourceBuiltIn, wf.Source())
	require.Equal(t, []message.StageID{
		message.StageResearcher,
		message.StageWriter,
		message.StageEditor,
		message.StageSEO,
		message.StageImage,
		message.StagePublisher,
	}, wf.Stages())
	require.True(t, wf.IsTerminal(message.StagePublisher))
	require.NotEmpty(t, wf.Description())
}

func TestLoadBuiltin(t *testing.T) {
	wfs, err := LoadBuiltin()
	require.NoError(t, err)
	require.Len(t, wfs, 2)
	require.Equal(t, "content", wfs[0].Name())
	require.Equal(t, "draft", wfs[1].Name())
}

func TestBuiltin_Unknown(t *testing.T) {
	_, err := Builtin("nope")
	require.Error(t, err)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		yaml        string
		wantStages  []message.StageID
		errContains string
	}{
		{
			name: "implicit start",
			yaml: `
name: short
stages:
  - id: writer
    next: [editor]
  - id: editor
`,
			wantStages: []message.StageID{"writer", "editor"},
		},
		{
			name:        "missing name",
			yaml:        "stages: [{id: a}]",
			errContains: "name",
		},
		{
			name:        "no stages",
			yaml:        "name: empty",
			errContains: "no stages",
		},
		{
			name:        "duplicate stage",
			yaml:        "name: d\nstages: [{id: a}, {id: a}]",
			errContains: "defined twice",
		},
		{
			name:        "unknown field",
			yaml:        "name: d\nworkers: 3\nstages: [{id: a}]",
			errContains: "parsing YAML",
		},
		{
			name:        "invalid graph",
			yaml:        "name: d\nstart: a\nstages: [{id: a, next: [b]}]",
			errContains: "unknown successor",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf, err := Parse([]byte(tt.yaml), SourceUser)
			if tt.errContains != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantStages, wf.Stages())
		})
	}
}

func TestLoadDirAndResolve(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "quick.yaml")
	require.NoError(t, os.WriteFile(good, []byte("name: quick\nstages: [{id: researcher, next: [writer]}, {id: writer}]\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("name: [\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	wfs, errs := LoadDir(dir)
	require.Len(t, wfs, 1)
	require.Len(t, errs, 1)
	require.Equal(t, "quick", wfs[0].Name())
	require.Equal(t, SourceUser, wfs[0].Source())
	require.Equal(t, good, wfs[0].Path())

	missing, errs := LoadDir(filepath.Join(dir, "missing"))
	require.Nil(t, missing)
	require.Nil(t, errs)

	wf, err := Resolve(good)
	require.NoError(t, err)
	require.Equal(t, "quick", wf.Name())

	wf, err = Resolve("draft")
	require.NoError(t, err)
	require.Equal(t, message.StageEditor, wf.Terminals()[0])

	wf, err = Resolve("")
	require.NoError(t, err)
	require.Equal(t, DefaultName, wf.Name())
}
