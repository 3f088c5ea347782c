package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recorded executions and their branches",
	Long:  `Display every recorded execution, its branch, and whether it has been synced.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cmdCtx, err := newCommandContext()
	if err != nil {
		return err
	}
	defer cmdCtx.Close()

	records, err := cmdCtx.records.List()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No recorded executions")
		return nil
	}

	target := cmdCtx.targetBranch()
	fmt.Println(titleStyle.Render(fmt.Sprintf("%d execution(s), target branch %s", len(records), target)))
	fmt.Println()

	for _, rec := range records {
		state := dimStyle.Render("branch missing")
		if rec.AfterCommit != "" {
			state = okStyle.Render("synced " + shortSHA(rec.AfterCommit))
		} else if cmdCtx.git.BranchExists(rec.BranchName) {
			commits, err := cmdCtx.git.CountCommitsBetween(target, rec.BranchName)
			switch {
			case err != nil:
				state = warnStyle.Render("unknown")
			case commits == 0:
				state = dimStyle.Render("nothing to sync")
			default:
				state = warnStyle.Render(fmt.Sprintf("%d commit(s) ahead", commits))
			}
		}

		fmt.Printf("%s  %s\n", rec.ID, state)
		fmt.Printf("    Branch:   %s\n", rec.BranchName)
		fmt.Printf("    Worktree: %s\n", rec.WorktreePath)
		fmt.Printf("    Created:  %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Println()
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
