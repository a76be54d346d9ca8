package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/KeywordPlanner/internal/database"
	"github.com/TobiSchelling/KeywordPlanner/internal/importer"
	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
)

// --- project command ---

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectDescription string

var projectCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a project with the default business context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stdout)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.db.CreateProject(args[0], projectDescription, a.pipe.DefaultContext())
		if err != nil {
			return err
		}
		if err := a.db.SetSetting(database.SettingCurrentProject, p.ID); err != nil {
			return err
		}
		fmt.Printf("Created project %s (%s)\n", p.Name, p.ID)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stdout)
		if err != nil {
			return err
		}
		defer a.Close()

		projects, err := a.db.ListProjects()
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Println("No projects yet. Create one with: kwplanner project create")
			return nil
		}

		current, _ := currentProject(a.db)
		for _, p := range projects {
			marker := " "
			if p.ID == current {
				marker = "*"
			}
			n, err := a.db.CountKeywords(p.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s %-30s %6d keywords  updated %s  %s\n",
				marker, p.Name, n, humanize.Time(p.UpdatedAt), p.ID)
		}
		return nil
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a project overview",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stdout)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.project()
		if err != nil {
			return err
		}
		s, err := a.pipe.Summary(p.ID)
		if err != nil {
			return err
		}

		fmt.Printf("%s (%s)\n", p.Name, p.ID)
		if p.Description != "" {
			fmt.Printf("  %s\n", p.Description)
		}
		fmt.Println("\nKeywords:")
		fmt.Printf("  Count: %d\n", s.Stats.Count)
		fmt.Printf("  Total volume: %s\n", humanize.Comma(int64(s.Stats.TotalVolume)))
		fmt.Printf("  Average difficulty: %d\n", s.Stats.AvgDifficulty)
		fmt.Printf("  Rising: %d\n", s.Rising)
		fmt.Println("\nProjection:")
		fmt.Printf("  Traffic: %s\n", humanize.Comma(int64(s.Stats.Metrics.PotentialTraffic)))
		fmt.Printf("  Conversions: %s\n", humanize.Comma(int64(s.Stats.Metrics.PotentialConversions)))
		fmt.Printf("  Revenue: %s\n", humanize.Comma(int64(s.Stats.Metrics.PotentialRevenue)))
		fmt.Println("\nResearch:")
		fmt.Printf("  Clusters: %d\n", s.Clusters)
		fmt.Printf("  Analyses: %d\n", s.Analyses)
		fmt.Printf("  Search signals: %d\n", s.Signals)
		return nil
	},
}

var projectUseCmd = &cobra.Command{
	Use:   "use [project]",
	Short: "Choose the project later commands work on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stdout)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.pipe.Project(args[0])
		if err != nil {
			return err
		}
		if err := a.db.SetSetting(database.SettingCurrentProject, p.ID); err != nil {
			return err
		}
		fmt.Printf("Now working on %s\n", p.Name)
		return nil
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete [project]",
	Short: "Delete a project and everything stored for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stdout)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.pipe.Project(args[0])
		if err != nil {
			return err
		}
		if err := a.db.DeleteProject(p.ID); err != nil {
			return err
		}
		if current, _ := currentProject(a.db); current == p.ID {
			if err := a.db.SetSetting(database.SettingCurrentProject, ""); err != nil {
				return err
			}
		}
		fmt.Printf("Deleted project %s\n", p.Name)
		return nil
	},
}

func init() {
	projectCreateCmd.Flags().StringVarP(&projectDescription, "description", "d", "", "Project description")

	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectUseCmd)
	projectCmd.AddCommand(projectDeleteCmd)
}

// --- import command ---

var (
	importMerge bool
	importWatch bool
	watchDir    string
)

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a keyword export (CSV, TSV or one keyword per line)",
	Long: "Import a keyword export into --project, or into a project named after the file. " +
		"With --watch, files dropped into the watch directory are merged into the project named after them.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stdout)
		if err != nil {
			return err
		}
		defer a.Close()

		if importWatch {
			dir := watchDir
			if dir == "" {
				dir = cfg.GetWatchDir()
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating watch directory: %w", err)
			}
			ctx, stop := signalContext()
			defer stop()

			fmt.Printf("Watching %s for keyword files. Press Ctrl+C to stop\n", dir)
			return importer.NewWatcher(dir, a.pipe.WatchHandler(), logger).Run(ctx)
		}

		if len(args) == 0 {
			return fmt.Errorf("a file to import is required without --watch")
		}
		res, err := a.pipe.Import(projectFlag, args[0], importMerge)
		if err != nil {
			return err
		}
		if res.Created {
			if err := a.db.SetSetting(database.SettingCurrentProject, res.Project.ID); err != nil {
				return err
			}
			fmt.Printf("Created project %s\n", res.Project.Name)
		}
		fmt.Printf("Rows read: %d\n", res.Report.Rows)
		fmt.Printf("  Keywords: %d\n", len(res.Report.Keywords))
		fmt.Printf("  Duplicates skipped: %d\n", res.Report.Duplicates)
		fmt.Printf("  Invalid rows skipped: %d\n", res.Report.Invalid)
		return nil
	},
}

func init() {
	importCmd.Flags().BoolVarP(&importMerge, "merge", "m", false, "Add to the project's keywords instead of replacing them")
	importCmd.Flags().BoolVarP(&importWatch, "watch", "w", false, "Watch a directory and import files dropped into it")
	importCmd.Flags().StringVar(&watchDir, "dir", "", "Directory to watch (defaults to import.watch_dir)")
}

// --- context command ---

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Show or change the business context of a project",
}

var contextShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the business context",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stdout)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.project()
		if err != nil {
			return err
		}
		c, err := a.pipe.Context(p.ID)
		if err != nil {
			return err
		}
		printContext(c)
		return nil
	},
}

var ctxFlags struct {
	conversionRate float64
	orderValue     float64
	description    string
	brand          string
	category       string
	sessions       int
	requiredVolume int
	salesGoal      float64
	language       string
}

var contextSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change fields of the business context",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stdout)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.project()
		if err != nil {
			return err
		}
		c, err := a.pipe.Context(p.ID)
		if err != nil {
			return err
		}

		f := cmd.Flags()
		if f.Changed("conversion-rate") {
			c.ConversionRate = ctxFlags.conversionRate
		}
		if f.Changed("order-value") {
			c.AverageOrderValue = ctxFlags.orderValue
		}
		if f.Changed("description") {
			c.Description = ctxFlags.description
		}
		if f.Changed("brand") {
			c.Brand = ctxFlags.brand
		}
		if f.Changed("category") {
			c.Category = ctxFlags.category
		}
		if f.Changed("sessions") {
			c.CurrentSessions = ctxFlags.sessions
		}
		if f.Changed("required-volume") {
			c.RequiredVolume = ctxFlags.requiredVolume
		}
		if f.Changed("sales-goal") {
			c.SalesGoal = ctxFlags.salesGoal
		}
		if f.Changed("language") {
			c.Language = ctxFlags.language
		}

		if err := a.db.SetContext(p.ID, c); err != nil {
			return err
		}
		fmt.Printf("Updated business context of %s\n\n", p.Name)
		printContext(c)
		return nil
	},
}

func init() {
	f := contextSetCmd.Flags()
	f.Float64Var(&ctxFlags.conversionRate, "conversion-rate", 0, "Conversion rate in percent")
	f.Float64Var(&ctxFlags.orderValue, "order-value", 0, "Average order value")
	f.StringVar(&ctxFlags.description, "description", "", "What the business sells")
	f.StringVar(&ctxFlags.brand, "brand", "", "Brand name")
	f.StringVar(&ctxFlags.category, "category", "", "Product category")
	f.IntVar(&ctxFlags.sessions, "sessions", 0, "Current monthly organic sessions")
	f.IntVar(&ctxFlags.requiredVolume, "required-volume", 0, "Monthly search volume needed")
	f.Float64Var(&ctxFlags.salesGoal, "sales-goal", 0, "Monthly sales goal")
	f.StringVar(&ctxFlags.language, "language", "", "Language of generated text, e.g. pt or en")

	contextCmd.AddCommand(contextShowCmd)
	contextCmd.AddCommand(contextSetCmd)
}

func printContext(c keyword.BusinessContext) {
	fmt.Printf("Conversion rate: %.2f%%\n", c.ConversionRate)
	fmt.Printf("Average order value: %.2f\n", c.AverageOrderValue)
	printOptional("Business", c.Description)
	printOptional("Brand", c.Brand)
	printOptional("Category", c.Category)
	if c.CurrentSessions > 0 {
		fmt.Printf("Current sessions: %s\n", humanize.Comma(int64(c.CurrentSessions)))
	}
	if c.RequiredVolume > 0 {
		fmt.Printf("Required volume: %s\n", humanize.Comma(int64(c.RequiredVolume)))
	}
	if c.SalesGoal > 0 {
		fmt.Printf("Sales goal: %.2f\n", c.SalesGoal)
	}
	printOptional("Language", c.Language)
}

func printOptional(label, value string) {
	if value != "" {
		fmt.Printf("%s: %s\n", label, value)
	}
}

// --- keywords command ---

var (
	keywordsSort  string
	keywordsLimit int
)

var keywordsCmd = &cobra.Command{
	Use:   "keywords",
	Short: "List the keywords of a project with their projections",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stdout)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.project()
		if err != nil {
			return err
		}
		c, err := a.pipe.Context(p.ID)
		if err != nil {
			return err
		}
		kws, err := a.db.GetKeywords(p.ID)
		if err != nil {
			return err
		}

		switch keywordsSort {
		case "volume":
			sort.SliceStable(kws, func(i, j int) bool { return kws[i].Volume > kws[j].Volume })
		case "difficulty":
			sort.SliceStable(kws, func(i, j int) bool { return kws[i].Difficulty < kws[j].Difficulty })
		case "revenue":
			sort.SliceStable(kws, func(i, j int) bool {
				return keyword.Calculate(kws[i], c).PotentialRevenue > keyword.Calculate(kws[j], c).PotentialRevenue
			})
		case "", "import":
		default:
			return fmt.Errorf("unknown sort %q (volume, difficulty, revenue, import)", keywordsSort)
		}
		if keywordsLimit > 0 && len(kws) > keywordsLimit {
			kws = kws[:keywordsLimit]
		}

		fmt.Printf("%-40s %8s %4s %8s %6s %9s  %s\n", "KEYWORD", "VOLUME", "KD", "TRAFFIC", "CONV", "REVENUE", "TREND")
		for _, k := range kws {
			m := keyword.Calculate(k, c)
			fmt.Printf("%-40s %8s %4d %8s %6d %9s  %s\n",
				truncate(k.Text, 40), humanize.Comma(int64(k.Volume)), k.Difficulty,
				humanize.Comma(int64(m.PotentialTraffic)), m.PotentialConversions,
				humanize.Comma(int64(m.PotentialRevenue)), k.Trend)
		}
		return nil
	},
}

func init() {
	keywordsCmd.Flags().StringVarP(&keywordsSort, "sort", "s", "volume", "Sort by volume, difficulty, revenue or import")
	keywordsCmd.Flags().IntVarP(&keywordsLimit, "limit", "n", 0, "Show at most n keywords")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
