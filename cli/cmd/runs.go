package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"shipyard/api/model"
	"shipyard/cli/api"
	"shipyard/cli/style"
)

var runsFilter api.RunFilter

var runsCmd = &cobra.Command{
	Use:     "runs [run-id]",
	Short:   "List recent runs or show one run's report",
	Aliases: []string{"history"},
	Args:    cobra.MaximumNArgs(1),
	RunE:    runRuns,
}

func init() {
	runsCmd.Flags().StringVarP(&runsFilter.Service, "service", "s", "", "only runs for this service")
	runsCmd.Flags().StringVarP(&runsFilter.Category, "category", "c", "", "only runs in this category (succeeded, unhealthy, rejected, not_started)")
	runsCmd.Flags().IntVarP(&runsFilter.Limit, "limit", "n", 20, "number of runs")
	runsCmd.Flags().IntVar(&runsFilter.Offset, "offset", 0, "skip this many runs")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		rep, err := client.GetRun(args[0])
		if err != nil {
			return fmt.Errorf("failed to fetch run: %w", err)
		}
		fmt.Println(style.Banner.Render("⚡ SHIPYARD RUN"))
		printReport(rep)
		return nil
	}

	page, err := client.ListRuns(runsFilter)
	if err != nil {
		return fmt.Errorf("failed to fetch runs: %w", err)
	}
	if len(page.Runs) == 0 {
		fmt.Println(style.DimText.Render("No runs recorded."))
		return nil
	}

	fmt.Println(style.Banner.Render("⚡ SHIPYARD RUNS") + style.DimText.Render(fmt.Sprintf("  %d of %d", len(page.Runs), page.Total)))
	header := fmt.Sprintf("  %-36s %-16s %-12s %-12s %-12s %s", "RUN", "SERVICE", "RESULT", "CATEGORY", "STARTED", "BY")
	fmt.Println(style.TableHeader.Render(header))
	for _, r := range page.Runs {
		printRunRow(r)
	}
	fmt.Println()
	return nil
}

var cell = lipgloss.NewStyle().Width(13)

func printRunRow(r model.Run) {
	result := string(r.Result)
	if r.FinishedAt == nil {
		result = ""
	}
	fmt.Printf("  %s %s %s%s%s %s\n",
		style.Accent.Render(padRight(r.ID, 36)),
		style.Bold.Render(padRight(r.Service, 16)),
		cell.Render(style.Result(result)),
		cell.Render(style.Category(string(r.Category))),
		style.DimText.Render(padRight(ago(r.StartedAt), 12)),
		style.DimText.Render(r.TriggeredBy),
	)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "—"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Format("2006-01-02")
}
