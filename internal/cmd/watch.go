package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ahoyland/flotilla/internal/conflict"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch live worktrees for overlapping file edits",
	Long: `Monitor every recorded execution's worktree and flag files modified
in more than one of them. Overlapping edits are the earliest warning that
a later sync will conflict.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cmdCtx, err := newCommandContext()
	if err != nil {
		return err
	}
	defer cmdCtx.Close()

	records, err := cmdCtx.records.List()
	if err != nil {
		return err
	}

	watcher, err := conflict.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Stop()

	watched := 0
	for _, rec := range records {
		if rec.WorktreePath == "" {
			continue
		}
		if _, statErr := os.Stat(rec.WorktreePath); statErr != nil {
			continue
		}
		if err := watcher.AddWorktree(rec.ID, rec.WorktreePath); err != nil {
			fmt.Println(warnStyle.Render(fmt.Sprintf("cannot watch %s: %v", rec.WorktreePath, err)))
			continue
		}
		watched++
	}
	if watched == 0 {
		fmt.Println("No live worktrees to watch")
		return nil
	}

	watcher.SetOverlapCallback(func(overlaps []conflict.Overlap) {
		for _, overlap := range overlaps {
			fmt.Printf("%s %s %s\n",
				warnStyle.Render("overlap"),
				overlap.RelativePath,
				dimStyle.Render(fmt.Sprintf("edited by %v", overlap.Executions)))
		}
	})
	watcher.Start()

	fmt.Println(titleStyle.Render(fmt.Sprintf("Watching %d worktree(s), ctrl-c to stop", watched)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	return nil
}
