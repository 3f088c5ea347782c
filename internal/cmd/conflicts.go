package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahoyland/flotilla/internal/conflict"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts <branch-a> <branch-b>",
	Short: "Classify the conflicts between two branches",
	Long: `Compare two branches relative to their common ancestor and report,
per conflicting file, whether it can be auto-resolved (structured entity
logs) or needs a human (everything else).`,
	Args: cobra.ExactArgs(2),
	RunE: runConflicts,
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
}

func runConflicts(cmd *cobra.Command, args []string) error {
	cmdCtx, err := newCommandContext()
	if err != nil {
		return err
	}
	defer cmdCtx.Close()

	detector := conflict.NewDetector(cmdCtx.git.RepoDir(),
		conflict.WithMatcher(conflict.NewMatcher(cmdCtx.cfg.Conflict.StructuredLogs)),
		conflict.WithLogger(cmdCtx.logger))

	report, err := detector.Detect(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}

	renderReport(report)
	return nil
}

func renderReport(report *conflict.Report) {
	if !report.HasConflicts {
		fmt.Println(okStyle.Render(report.Summary))
		return
	}

	fmt.Println(titleStyle.Render(report.Summary))
	fmt.Println()

	for _, jc := range report.JsonlConflicts {
		fmt.Printf("%s %s %s\n",
			okStyle.Render("auto"),
			jc.FilePath,
			dimStyle.Render(fmt.Sprintf("(%s log)", jc.EntityType)))
	}
	for _, cc := range report.CodeConflicts {
		fmt.Printf("%s %s\n", errStyle.Render("manual"), cc.FilePath)
		fmt.Printf("       %s\n", dimStyle.Render(cc.Description))
		fmt.Printf("       %s\n", dimStyle.Render(cc.ResolutionStrategy))
	}
}
