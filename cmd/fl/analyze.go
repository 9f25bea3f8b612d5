package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowlens/internal/ai"
	"flowlens/internal/app"
	"flowlens/internal/domain"
	"flowlens/internal/workload"
)

func analyzeCmd() *cobra.Command {
	var file string
	a := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze an entity file (JSON or YAML)",
		Long:  "The entity file lists teams, projects, cards and users. Use --file - to read from stdin.",
	}
	a.PersistentFlags().StringVarP(&file, "file", "f", "entities.yml", "entity file")
	a.AddCommand(analyzeAllCmd(&file))
	a.AddCommand(analyzeGlobalCmd(&file))
	a.AddCommand(analyzeBottlenecksCmd(&file))
	a.AddCommand(analyzeWorkloadCmd(&file))
	a.AddCommand(analyzeCoordinationCmd(&file))
	return a
}

func withEntities(cmd *cobra.Command, file *string, fn func(context.Context, *app.App, domain.Entities) error) error {
	ents, err := app.LoadEntities(*file)
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		return fn(ctx, a, ents)
	})
}

func analyzeAllCmd(file *string) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run every analysis and store the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEntities(cmd, file, func(ctx context.Context, a *app.App, ents domain.Entities) error {
				res := a.Engine.Analyze(ctx, ents)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("analysis %s: max severity %s\n\n", res.ID, res.MaxSeverity)
				printFindings(res.Findings())
				fmt.Println()
				printAI(res.AI)
				return nil
			})
		},
	}
}

func analyzeGlobalCmd(file *string) *cobra.Command {
	return &cobra.Command{
		Use:   "global",
		Short: "Run the generative global analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEntities(cmd, file, func(ctx context.Context, a *app.App, ents domain.Entities) error {
				res := a.Engine.AnalyzeGlobal(ctx, ents)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printAI(res.Result)
				return nil
			})
		},
	}
}

func analyzeBottlenecksCmd(file *string) *cobra.Command {
	return &cobra.Command{
		Use:   "bottlenecks",
		Short: "Detect review and blocked accumulation per team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEntities(cmd, file, func(ctx context.Context, a *app.App, ents domain.Entities) error {
				items := a.Engine.Bottlenecks(ctx, ents)
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Team", "Type", "Severity", "Count", "Recommendation"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.TeamID, b.Type, b.Severity, b.Count, b.Recommendation})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func analyzeWorkloadCmd(file *string) *cobra.Command {
	return &cobra.Command{
		Use:   "workload",
		Short: "Classify user utilization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEntities(cmd, file, func(ctx context.Context, a *app.App, ents domain.Entities) error {
				res := a.Engine.OptimizeWorkload(ctx, ents)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printWorkload(res)
				return nil
			})
		},
	}
}

func analyzeCoordinationCmd(file *string) *cobra.Command {
	return &cobra.Command{
		Use:   "coordination",
		Short: "Detect divergence on multi-team projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEntities(cmd, file, func(ctx context.Context, a *app.App, ents domain.Entities) error {
				res := a.Engine.Coordinate(ctx, ents)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Project", "Severity", "Divergence", "Description"})
				for _, s := range res.Issues {
					tw.AppendRow(table.Row{s.ProjectID, s.Severity, s.Divergence, s.Description})
				}
				tw.Render()
				fmt.Printf("%d multi-team projects checked\n", res.MultiTeamProjects)
				return nil
			})
		},
	}
}

func printFindings(findings []domain.Finding) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Kind", "Severity", "Description"})
	for _, f := range findings {
		desc := ""
		switch v := f.(type) {
		case domain.Bottleneck:
			desc = v.Description
		case domain.SyncIssue:
			desc = v.Description
		case domain.WorkloadRecommendation:
			desc = v.Description
		}
		tw.AppendRow(table.Row{f.FindingKind(), f.FindingSeverity(), desc})
	}
	tw.Render()
}

func printWorkload(res workload.Assessment) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"User", "Load h", "Capacity h", "Utilization", "Cards"})
	for _, u := range res.Users {
		name := u.UserID
		if u.Name != "" {
			name = u.Name
		}
		tw.AppendRow(table.Row{name, u.CurrentLoad, u.WeeklyCapacity, u.Utilization, u.CardsCount})
	}
	tw.Render()
	for _, r := range res.Recommendations {
		fmt.Printf("[%s] %s: %s\n", r.Priority, r.Description, r.Action)
	}
}

func printAI(res ai.Result) {
	fmt.Printf("provider: %s (%s)\n", res.Provider, res.Duration.Round(time.Millisecond))
	if res.Failed() {
		fmt.Println("error:", res.Error)
	}
	fmt.Println(res.Payload.Analysis)
	for _, in := range res.Payload.Insights {
		fmt.Printf("- insight [%s] %s: %s\n", in.Severity, in.Title, in.Description)
	}
	for _, r := range res.Payload.Risks {
		fmt.Printf("- risk [%s] %s\n", r.Severity, r.Title)
	}
	if len(res.Payload.Recommendations) > 0 {
		texts := make([]string, 0, len(res.Payload.Recommendations))
		for _, r := range res.Payload.Recommendations {
			texts = append(texts, r.Text)
		}
		fmt.Println("recommendations:\n  " + strings.Join(texts, "\n  "))
	}
}
