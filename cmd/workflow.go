package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/zjrosen/quill/internal/config"
	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/workflow"
	"github.com/zjrosen/quill/internal/presentation"
)

var workflowJSON bool

var workflowCmd = &cobra.Command{
	Use:   "workflow [name|file]",
	Short: "List workflows or print one workflow's stages",
	Long: `Without arguments, list the built-in workflows and any user workflows in
~/.config/quill/workflows. With a name or YAML path, print that workflow.

Examples:
  quill workflow
  quill workflow content
  quill workflow ./my-flow.yaml --json | jq '.stages'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter := presentation.NewFormatter(cmd.OutOrStdout(), workflowJSON)
		if len(args) == 1 {
			wf, err := workflow.Resolve(args[0])
			if err != nil {
				return err
			}
			if workflowJSON {
				return formatter.JSON(presentation.FromWorkflow(wf))
			}
			return formatter.Workflows([]presentation.WorkflowDTO{presentation.FromWorkflow(wf)})
		}

		wfs, err := listWorkflows(config.WorkflowDir())
		if err != nil {
			return err
		}
		dtos := make([]presentation.WorkflowDTO, len(wfs))
		for i, wf := range wfs {
			dtos[i] = presentation.FromWorkflow(wf)
		}
		return formatter.Workflows(dtos)
	},
}

func init() {
	workflowCmd.Flags().BoolVar(&workflowJSON, "json", false, "Print as JSON")
	rootCmd.AddCommand(workflowCmd)
}

// listWorkflows returns built-ins followed by the user workflows in dir.
// Unparseable user files are logged and skipped.
func listWorkflows(dir string) ([]*workflow.Workflow, error) {
	wfs, err := workflow.LoadBuiltin()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return wfs, nil
	}
	user, errs := workflow.LoadDir(dir)
	for _, err := range errs {
		log.Warn(log.CatConfig, "Skipping workflow file", "error", err)
	}
	if len(user) == 0 && len(errs) > 0 {
		return wfs, errors.Join(errs...)
	}
	return append(wfs, user...), nil
}
