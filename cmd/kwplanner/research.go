package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
	"github.com/TobiSchelling/KeywordPlanner/internal/pipeline"
	"github.com/TobiSchelling/KeywordPlanner/internal/progress"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// progressPrinter prints progress on one line and each enriched cluster on
// its own.
func progressPrinter(w io.Writer) progress.Sink {
	return progress.SinkFunc(func(e progress.Event) {
		if e.Cluster != nil {
			fmt.Fprintf(w, "\r  + %s [%s, %s] %d keywords, volume %s\n",
				e.Cluster.Name, e.Cluster.Funnel, e.Cluster.PageType,
				len(e.Cluster.Keywords), humanize.Comma(int64(e.Cluster.TotalVolume)))
		}
		fmt.Fprintf(w, "\r  %3.0f%%", e.Percent)
		if e.Done {
			fmt.Fprintln(w)
		}
	})
}

// --- cluster command ---

var clusterEnrich bool

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Group similar keywords; with --enrich, label each group with the LLM",
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

		if !clusterEnrich {
			groups, err := a.pipe.Preview(p.ID)
			if err != nil {
				return err
			}
			for i, g := range groups {
				fmt.Printf("%d. %s (%d keywords, volume %s)\n",
					i+1, g[0].Text, len(g), humanize.Comma(int64(keyword.TotalVolume(g))))
				for _, k := range g[1:] {
					fmt.Printf("     %s\n", k.Text)
				}
			}
			fmt.Printf("\n%d groups. Run with --enrich to turn them into clusters.\n", len(groups))
			return nil
		}

		ctx, stop := signalContext()
		defer stop()

		fmt.Printf("Clustering keywords of %s...\n", p.Name)
		res, err := a.pipe.Enrich(ctx, p.ID, progressPrinter(os.Stdout))
		fmt.Println()
		if res != nil {
			fmt.Printf("Created %d clusters from %d groups (%d keywords, %d groups skipped)\n",
				len(res.Clusters), res.GroupCount, res.KeywordCount, res.Skipped)
		}
		return err
	},
}

func init() {
	clusterCmd.Flags().BoolVarP(&clusterEnrich, "enrich", "e", false, "Label groups as clusters with the LLM and save them")
}

// --- analyze command ---

var analyzeKeywords []string

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Score every keyword of a project with the LLM",
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

		ctx, stop := signalContext()
		defer stop()

		fmt.Printf("Analyzing keywords of %s...\n", p.Name)
		results, err := a.pipe.Analyze(ctx, p.ID, analyzeKeywords, progressPrinter(os.Stdout))
		fmt.Printf("Saved %d analyses\n", len(results))
		return err
	},
}

func init() {
	analyzeCmd.Flags().StringSliceVarP(&analyzeKeywords, "keyword", "k", nil, "Only analyze these keywords (repeatable)")
}

// --- serp command ---

var (
	serpKeywords []string
	serpPages    bool
)

var serpCmd = &cobra.Command{
	Use:   "serp",
	Short: "Check search results and keyword golden ratio",
	Long:  "Check the top search results of the highest-volume keywords, or of --keyword, and store the title matches and KGR.",
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

		ctx, stop := signalContext()
		defer stop()

		checks, err := a.pipe.Serp(ctx, p.ID, serpKeywords, serpPages)
		for _, c := range checks {
			// Checks never reached after an abort are left zero.
			if c.Err != nil || c.Signal.Keyword == "" {
				continue
			}
			kgr := "-"
			if c.Signal.KGR != nil {
				kgr = fmt.Sprintf("%.2f", *c.Signal.KGR)
			}
			fmt.Printf("%-40s title matches %2d  KGR %s\n", truncate(c.Signal.Keyword, 40), c.Signal.TitleMatches, kgr)
			if c.Pages != nil {
				fmt.Printf("    %d pages read, %d failed, %d skipped, average %s words\n",
					c.Pages.Fetched, c.Pages.Failed, c.Pages.Skipped,
					humanize.Comma(int64(c.Pages.AverageWordCount())))
				for _, page := range c.Pages.Pages {
					fmt.Printf("    %-30s %6d words %2d mentions  %s\n",
						truncate(page.Domain, 30), page.WordCount, page.Mentions, truncate(page.Title, 50))
				}
			}
		}
		return err
	},
}

func init() {
	serpCmd.Flags().StringSliceVarP(&serpKeywords, "keyword", "k", nil, "Keywords to check (defaults to the highest-volume ones)")
	serpCmd.Flags().BoolVar(&serpPages, "pages", false, "Also read the ranking pages and summarize their content")
}

// --- trends command ---

var trendsCmd = &cobra.Command{
	Use:   "trends",
	Short: "Mark keywords matching trending searches as rising",
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

		ctx, stop := signalContext()
		defer stop()

		n, topics, err := a.pipe.Trends(ctx, p.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%d trending searches:\n", len(topics))
		for i, t := range topics {
			if i == 10 {
				fmt.Printf("  ... and %d more\n", len(topics)-10)
				break
			}
			fmt.Printf("  %-40s %8s  %s\n", truncate(t.Query, 40), humanize.Comma(int64(t.Traffic)), t.Source)
		}
		fmt.Printf("\n%d keywords of %s marked rising\n", n, p.Name)
		return nil
	},
}

// --- run command ---

var dryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full research: trends -> cluster -> analyze",
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

		ctx, stop := signalContext()
		defer stop()

		if dryRun {
			printSteps(a.pipe.DryRun(p.ID).Steps)
			return nil
		}

		result := a.pipe.Run(ctx, p.ID, progressPrinter(os.Stdout))
		printSteps(result.Steps)
		fmt.Println("\nResearch complete! Run 'kwplanner report' or 'kwplanner serve' to review it.")
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without calling any service")
}

func printSteps(steps []pipeline.StepResult) {
	for i, step := range steps {
		fmt.Printf("\nStep %d/%d: %s\n", i+1, len(steps), step.Name)
		if step.Err != nil {
			fmt.Printf("  Error: %v\n", step.Err)
		} else {
			fmt.Printf("  %s\n", step.Summary)
		}
	}
}

// --- report and export commands ---

var outputPath string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write the Markdown cluster report",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.project()
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		rep, err := a.pipe.Report(ctx, p.ID)
		if err != nil {
			return err
		}
		return writeOutput(outputPath, func(w io.Writer) error {
			_, err := io.WriteString(w, rep.Markdown())
			return err
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export keywords with projections, clusters and priorities as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.project()
		if err != nil {
			return err
		}
		return writeOutput(outputPath, func(w io.Writer) error {
			return a.pipe.ExportCSV(p.ID, w)
		})
	},
}

func init() {
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write to this file instead of stdout")
	exportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write to this file instead of stdout")
}

func writeOutput(path string, write func(io.Writer) error) error {
	if path == "" {
		return write(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Wrote %s\n", path)
	return nil
}
