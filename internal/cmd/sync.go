package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahoyland/flotilla/internal/conflict"
	"github.com/ahoyland/flotilla/internal/merge"
	"github.com/ahoyland/flotilla/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile an execution's branch onto the target branch",
}

var syncPreviewCmd = &cobra.Command{
	Use:   "preview <execution-id>",
	Short: "Assess sync risk without touching the repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncPreview,
}

var syncCommitCmd = &cobra.Command{
	Use:   "commit <execution-id>",
	Short: "Squash the execution's branch onto the target branch",
	Long: `Collapse the execution branch's history into a single change on the
target branch. A rollback tag is created before anything destructive;
structured entity logs that conflict are merged automatically, any other
conflict aborts the sync and rolls the target back.`,
	Args: cobra.ExactArgs(1),
	RunE: runSyncCommit,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncPreviewCmd)
	syncCmd.AddCommand(syncCommitCmd)
}

func newSyncer(cmdCtx *commandContext) *syncer.Syncer {
	detector := conflict.NewDetector(cmdCtx.git.RepoDir(),
		conflict.WithMatcher(conflict.NewMatcher(cmdCtx.cfg.Conflict.StructuredLogs)),
		conflict.WithLogger(cmdCtx.logger))

	return syncer.New(cmdCtx.git, detector, merge.New(), cmdCtx.records,
		syncer.WithTargetBranch(cmdCtx.cfg.Sync.TargetBranch),
		syncer.WithBackupTagPrefix(cmdCtx.cfg.Sync.BackupTagPrefix),
		syncer.WithLogger(cmdCtx.logger))
}

func runSyncPreview(cmd *cobra.Command, args []string) error {
	cmdCtx, err := newCommandContext()
	if err != nil {
		return err
	}
	defer cmdCtx.Close()

	assessment, err := newSyncer(cmdCtx).Preview(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if assessment.CanSync {
		fmt.Println(okStyle.Render("Sync can proceed"))
	} else {
		fmt.Println(errStyle.Render("Sync cannot proceed"))
	}
	for _, warning := range assessment.Warnings {
		fmt.Printf("  %s %s\n", warnStyle.Render("!"), warning)
	}
	return nil
}

func runSyncCommit(cmd *cobra.Command, args []string) error {
	cmdCtx, err := newCommandContext()
	if err != nil {
		return err
	}
	defer cmdCtx.Close()

	result, err := newSyncer(cmdCtx).Squash(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	for _, warning := range result.Warnings {
		fmt.Printf("  %s %s\n", warnStyle.Render("!"), warning)
	}
	if !result.Success {
		fmt.Println(errStyle.Render("Sync did not land; target branch unchanged"))
		return nil
	}

	fmt.Println(okStyle.Render("Sync landed"))
	fmt.Printf("  Rollback tag: %s\n", dimStyle.Render(result.BackupTag))
	return nil
}
