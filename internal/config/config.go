package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete flotilla configuration
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Conflict ConflictConfig `mapstructure:"conflict"`
	Branch   BranchConfig   `mapstructure:"branch"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Paths    PathsConfig    `mapstructure:"paths"`
}

// EngineConfig controls the task execution engine
type EngineConfig struct {
	// MaxConcurrent is the maximum number of tasks running at once.
	// Zero means tasks queue but never run (useful for inspection).
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// MaxRetries is the default number of additional attempts after a
	// failed first attempt. Tasks may override this per-task.
	MaxRetries int `mapstructure:"max_retries"`
	// TaskTimeoutMinutes is the maximum runtime per attempt in minutes
	// (0 = no timeout).
	TaskTimeoutMinutes int `mapstructure:"task_timeout_minutes"`
}

// TaskTimeout returns the per-attempt timeout as a duration.
func (c *EngineConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMinutes) * time.Minute
}

// RunnerConfig controls how agent processes are spawned
type RunnerConfig struct {
	// Command is the agent executable to run for each task.
	Command string `mapstructure:"command"`
	// Args are arguments passed before the task prompt.
	Args []string `mapstructure:"args"`
	// UsePTY allocates a pseudo-terminal for the agent process.
	// Some agents refuse to run or degrade without a TTY.
	UsePTY bool `mapstructure:"use_pty"`
	// PromptViaStdin delivers the prompt on stdin instead of as the
	// final argument.
	PromptViaStdin bool `mapstructure:"prompt_via_stdin"`
}

// SyncConfig controls worktree synchronization
type SyncConfig struct {
	// TargetBranch is the branch that squash syncs land on.
	// If empty, the repository's main branch (main or master) is used.
	TargetBranch string `mapstructure:"target_branch"`
	// BackupTagPrefix is the prefix for rollback tags created before each
	// squash. The full tag is <prefix>/<execution-id>-<unix-timestamp>.
	BackupTagPrefix string `mapstructure:"backup_tag_prefix"`
}

// ConflictConfig controls conflict classification
type ConflictConfig struct {
	// StructuredLogs maps append-only entity-log basenames to their entity
	// type. Conflicts confined to these files are auto-resolved via
	// line-based three-way merge; everything else needs a human.
	StructuredLogs map[string]string `mapstructure:"structured_logs"`
}

// BranchConfig controls branch naming conventions
type BranchConfig struct {
	// Prefix is the branch name prefix for task branches (default: "flotilla")
	Prefix string `mapstructure:"prefix"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// PathsConfig controls where flotilla stores data
type PathsConfig struct {
	// StateDir is where execution records and logs are kept.
	// If empty, defaults to ".flotilla" relative to the repository root.
	// Supports ~ for home directory expansion.
	StateDir string `mapstructure:"state_dir"`
	// WorktreeDir is the directory where git worktrees are created.
	// If empty, defaults to ".flotilla/worktrees" relative to the
	// repository root.
	WorktreeDir string `mapstructure:"worktree_dir"`
}

// ResolveStateDir returns the state directory, resolving relative paths and
// ~ against baseDir and the home directory respectively.
func (p *PathsConfig) ResolveStateDir(baseDir string) string {
	return resolveDir(p.StateDir, baseDir, ".flotilla")
}

// ResolveWorktreeDir returns the worktree directory, resolved like
// ResolveStateDir.
func (p *PathsConfig) ResolveWorktreeDir(baseDir string) string {
	return resolveDir(p.WorktreeDir, baseDir, filepath.Join(".flotilla", "worktrees"))
}

func resolveDir(dir, baseDir, fallback string) string {
	if dir == "" {
		return filepath.Join(baseDir, fallback)
	}
	if dir[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, dir[1:])
		}
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(baseDir, dir)
}

// Default returns a Config populated with default values
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrent:      3,
			MaxRetries:         2,
			TaskTimeoutMinutes: 0,
		},
		Runner: RunnerConfig{
			Command:        "claude",
			Args:           []string{"-p"},
			UsePTY:         false,
			PromptViaStdin: false,
		},
		Sync: SyncConfig{
			TargetBranch:    "",
			BackupTagPrefix: "flotilla-backup",
		},
		Conflict: ConflictConfig{
			StructuredLogs: map[string]string{
				"issues.jsonl": "issue",
				"specs.jsonl":  "spec",
			},
		},
		Branch: BranchConfig{
			Prefix: "flotilla",
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
		Paths: PathsConfig{},
	}
}

// SetDefaults registers all default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("engine.max_concurrent", defaults.Engine.MaxConcurrent)
	viper.SetDefault("engine.max_retries", defaults.Engine.MaxRetries)
	viper.SetDefault("engine.task_timeout_minutes", defaults.Engine.TaskTimeoutMinutes)

	viper.SetDefault("runner.command", defaults.Runner.Command)
	viper.SetDefault("runner.args", defaults.Runner.Args)
	viper.SetDefault("runner.use_pty", defaults.Runner.UsePTY)
	viper.SetDefault("runner.prompt_via_stdin", defaults.Runner.PromptViaStdin)

	viper.SetDefault("sync.target_branch", defaults.Sync.TargetBranch)
	viper.SetDefault("sync.backup_tag_prefix", defaults.Sync.BackupTagPrefix)

	viper.SetDefault("conflict.structured_logs", defaults.Conflict.StructuredLogs)

	viper.SetDefault("branch.prefix", defaults.Branch.Prefix)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)

	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	viper.SetDefault("paths.worktree_dir", defaults.Paths.WorktreeDir)
}

// Load unmarshals the current viper state into a validated Config
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the directory where the flotilla config file lives
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "flotilla")
}
