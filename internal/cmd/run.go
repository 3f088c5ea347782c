package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ahoyland/flotilla/internal/engine"
	"github.com/ahoyland/flotilla/internal/errors"
	"github.com/ahoyland/flotilla/internal/runner"
	"github.com/ahoyland/flotilla/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]...",
	Short: "Run agent tasks concurrently in isolated worktrees",
	Long: `Run one agent task per prompt, each in its own git worktree and
branch. Tasks run concurrently up to the configured bound; completed
branches are left in place for 'flotilla sync'.

Tasks with dependencies can be described in a JSON file instead:

  flotilla run --file tasks.json

where tasks.json is an array of {"id", "type", "prompt", "depends_on"}.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("file", "f", "", "JSON file describing tasks")
	runCmd.Flags().Int("max-concurrent", -1, "override the configured concurrency bound")
}

// taskDef is the on-disk shape of one task in a --file run.
type taskDef struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Prompt    string   `json:"prompt"`
	DependsOn []string `json:"depends_on"`
}

func runRun(cmd *cobra.Command, args []string) error {
	cmdCtx, err := newCommandContext()
	if err != nil {
		return err
	}
	defer cmdCtx.Close()

	defs, err := collectTaskDefs(cmd, args)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		return errors.New("no tasks given: pass prompts as arguments or use --file")
	}

	maxConcurrent := cmdCtx.cfg.Engine.MaxConcurrent
	if override, _ := cmd.Flags().GetInt("max-concurrent"); override >= 0 {
		maxConcurrent = override
	}

	agent := runner.New(cmdCtx.cfg.Runner, cmdCtx.logger)
	eng := engine.New(agent,
		engine.WithMaxConcurrent(maxConcurrent),
		engine.WithLogger(cmdCtx.logger),
		engine.WithTaskTimeout(cmdCtx.cfg.Engine.TaskTimeout()))
	defer eng.Close()

	worktreeDir := cmdCtx.cfg.Paths.ResolveWorktreeDir(cmdCtx.git.RepoDir())
	if err := os.MkdirAll(worktreeDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create worktree directory")
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Running %d task(s), %d concurrent", len(defs), maxConcurrent)))

	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		id := def.ID
		if id == "" {
			id = uuid.NewString()[:8]
		}

		branch := fmt.Sprintf("%s/%s", cmdCtx.cfg.Branch.Prefix, id)
		wtPath := filepath.Join(worktreeDir, id)
		if err := cmdCtx.git.Create(wtPath, branch); err != nil {
			return err
		}

		if err := cmdCtx.records.Save(store.ExecutionRecord{
			ID:           id,
			StreamID:     id,
			WorktreePath: wtPath,
			BranchName:   branch,
		}); err != nil {
			return err
		}

		taskID, err := eng.Submit(engine.Task{
			ID:           id,
			Type:         def.Type,
			Prompt:       def.Prompt,
			WorkDir:      wtPath,
			Dependencies: def.DependsOn,
			MaxRetries:   cmdCtx.cfg.Engine.MaxRetries,
		})
		if err != nil {
			return err
		}
		ids = append(ids, taskID)
		fmt.Printf("  %s %s\n", dimStyle.Render(taskID), def.Prompt)
	}

	results, waitErr := eng.WaitForAll(context.Background(), ids)
	if waitErr != nil {
		reportRunFailure(cmdCtx, eng, ids)
		return waitErr
	}

	fmt.Println()
	for _, result := range results {
		rec, err := cmdCtx.records.Get(result.TaskID)
		if err != nil {
			continue
		}
		// Capture anything the agent left uncommitted so the branch holds
		// the complete change.
		if err := cmdCtx.git.CommitAll(rec.WorktreePath, fmt.Sprintf("Task %s", result.TaskID)); err != nil {
			fmt.Println(warnStyle.Render(fmt.Sprintf("  %s: failed to commit leftover changes: %v", result.TaskID, err)))
		}
		fmt.Printf("%s %s %s\n", okStyle.Render("done"), result.TaskID, dimStyle.Render(rec.BranchName))
	}

	m := eng.Metrics()
	fmt.Println()
	fmt.Println(dimStyle.Render(fmt.Sprintf("completed=%d failed=%d spawns=%d avg=%s",
		m.CompletedTasks, m.FailedTasks, m.SpawnCount, m.AverageDuration.Round(time.Millisecond))))
	fmt.Println("Reconcile branches with: " + titleStyle.Render("flotilla sync preview <id>"))
	return nil
}

// collectTaskDefs reads tasks from --file when given, otherwise treats each
// positional argument as one task prompt.
func collectTaskDefs(cmd *cobra.Command, args []string) ([]taskDef, error) {
	file, _ := cmd.Flags().GetString("file")
	if file == "" {
		defs := make([]taskDef, 0, len(args))
		for _, prompt := range args {
			defs = append(defs, taskDef{Prompt: prompt})
		}
		return defs, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read task file")
	}
	var defs []taskDef
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, errors.Wrap(err, "failed to parse task file")
	}
	return defs, nil
}

// reportRunFailure prints the per-task outcome after a failed run.
func reportRunFailure(cmdCtx *commandContext, eng *engine.Engine, ids []string) {
	fmt.Println()
	for _, id := range ids {
		status, err := eng.Status(id)
		if err != nil {
			continue
		}
		switch status.State {
		case engine.StateCompleted:
			fmt.Printf("%s %s\n", okStyle.Render("done"), id)
		case engine.StateFailed:
			fmt.Printf("%s %s %s\n", errStyle.Render("fail"), id,
				dimStyle.Render(fmt.Sprintf("after %d attempt(s)", status.Attempt)))
		default:
			fmt.Printf("%s %s %s\n", warnStyle.Render(string(status.State)), id, "")
		}
	}
}
