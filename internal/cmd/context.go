package cmd

import (
	"os"

	"github.com/ahoyland/flotilla/internal/config"
	"github.com/ahoyland/flotilla/internal/errors"
	"github.com/ahoyland/flotilla/internal/logging"
	"github.com/ahoyland/flotilla/internal/store"
	"github.com/ahoyland/flotilla/internal/worktree"
)

// commandContext bundles the collaborators every subcommand needs: resolved
// configuration, the repository's worktree manager, the execution record
// store, and a logger writing to the state directory.
type commandContext struct {
	cfg      *config.Config
	git      *worktree.Manager
	records  *store.ExecutionStore
	logger   *logging.Logger
	stateDir string
}

// newCommandContext resolves the repository containing the working directory
// and wires the shared collaborators.
func newCommandContext() (*commandContext, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get current directory")
	}

	git, err := worktree.New(cwd)
	if err != nil {
		return nil, err
	}

	stateDir := cfg.Paths.ResolveStateDir(git.RepoDir())

	var logger *logging.Logger
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(stateDir, cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
	} else {
		logger = logging.NopLogger()
	}

	records, err := store.NewExecutionStore(stateDir)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	return &commandContext{
		cfg:      cfg,
		git:      git,
		records:  records,
		logger:   logger,
		stateDir: stateDir,
	}, nil
}

// Close releases the context's resources.
func (c *commandContext) Close() {
	_ = c.logger.Close()
}

// targetBranch resolves the branch syncs land on.
func (c *commandContext) targetBranch() string {
	if c.cfg.Sync.TargetBranch != "" {
		return c.cfg.Sync.TargetBranch
	}
	return c.git.FindMainBranch()
}
