package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/KeywordPlanner/internal/config"
	"github.com/TobiSchelling/KeywordPlanner/internal/database"
	"github.com/TobiSchelling/KeywordPlanner/internal/logging"
	"github.com/TobiSchelling/KeywordPlanner/internal/notify"
	"github.com/TobiSchelling/KeywordPlanner/internal/pipeline"
)

var version = "dev"

var (
	verbose     bool
	configPath  string
	projectFlag string
	cfg         *config.Config
	logger      *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kwplanner",
	Short:   "SEO keyword research",
	Long:    "kwplanner imports keyword exports, groups them into content clusters, scores every keyword with an LLM and projects traffic, conversions and revenue.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			logger = zap.NewNop()
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger, err = logging.New(cfg.Logging.Level, verbose || cfg.Logging.Verbose)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "p", "", "Project ID or name (defaults to the one chosen with 'project use')")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(keywordsCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(serpCmd)
	rootCmd.AddCommand(trendsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("kwplanner", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/kwplanner/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the LLM provider, search API key and default business context.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and provider status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stdout)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", a.db.Path())
		fmt.Println("Contents:")
		fmt.Printf("  Projects: %d\n", stats.Projects)
		fmt.Printf("  Keywords: %d\n", stats.Keywords)
		fmt.Printf("  Clusters: %d\n", stats.Clusters)
		fmt.Printf("  Analyses: %d\n", stats.Analyses)
		fmt.Printf("  Search signals: %d\n", stats.SerpSignals)
		fmt.Println("\nUsers:")
		for _, s := range []string{database.StatusApproved, database.StatusPending, database.StatusRejected} {
			fmt.Printf("  %s: %d\n", s, stats.UsersByStatus[s])
		}

		fmt.Println("\nLLM:")
		if a.pipe.Provider() == nil {
			fmt.Printf("  %s: not configured\n", cfg.LLM.Provider)
		} else {
			model := a.pipe.Model()
			if model == "" {
				model = cfg.LLM.Model
			}
			fmt.Printf("  %s (%s)\n", cfg.LLM.Provider, model)
		}

		if ref, _ := currentProject(a.db); ref != "" {
			if p, err := a.db.ResolveProject(ref); err == nil && p != nil {
				fmt.Printf("\nCurrent project: %s\n", p.Name)
			}
		}
		return nil
	},
}

// app bundles what most commands need.
type app struct {
	db   *database.DB
	pipe *pipeline.Pipeline
}

func newApp(out io.Writer) (*app, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	notifier := notify.NewWriter(out, cfg.Context.Language, logger)
	provider := pipeline.NewProvider(cfg, logger)
	return &app{db: db, pipe: pipeline.New(cfg, db, provider, notifier, logger)}, nil
}

func (a *app) Close() {
	a.db.Close()
}

// project returns the project the command works on: --project, else the
// stored current project. An empty ref makes the pipeline report that no
// project is selected.
func (a *app) project() (*database.Project, error) {
	ref := projectFlag
	if ref == "" {
		ref, _ = currentProject(a.db)
	}
	return a.pipe.Project(ref)
}

func currentProject(db *database.DB) (string, error) {
	ref, _, err := db.GetSetting(database.SettingCurrentProject)
	return ref, err
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "kwplanner.db")
	return database.Open(dbPath, logger)
}
