package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"staticboost/internal/regen"
	"staticboost/internal/staticboost"
)

var regenerateCmd = &cobra.Command{
	Use:          "regenerate",
	Short:        "Capture every cacheable URL",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []regen.RunOption
		if resume, _ := cmd.Flags().GetBool("resume"); resume {
			opts = append(opts, regen.WithResume())
		}
		if clear, _ := cmd.Flags().GetBool("clear"); clear {
			opts = append(opts, regen.WithClear())
		}
		return withService(func(ctx context.Context, svc *staticboost.Service) error {
			sum, err := svc.RegenerateAll(ctx, opts...)
			printSummary(sum)
			return err
		})
	},
}

var preloadCmd = &cobra.Command{
	Use:          "preload",
	Short:        "Capture the site root and the newest pages",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}
		return withService(func(ctx context.Context, svc *staticboost.Service) error {
			sum, err := svc.Preload(ctx, limit)
			printSummary(sum)
			return err
		})
	},
}

var statsCmd = &cobra.Command{
	Use:          "stats",
	Short:        "Show the artifact tree totals",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *staticboost.Service) error {
			rep, err := svc.Report()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "pages\t%d\n", rep.Artifacts.Files)
			fmt.Fprintf(tw, "size\t%s\n", humanize.IBytes(uint64(rep.Artifacts.Bytes)))
			if !rep.Artifacts.LastGenerated.IsZero() {
				fmt.Fprintf(tw, "last generated\t%s (%s)\n", rep.Artifacts.LastGenerated.Format("2006-01-02 15:04:05"), humanize.Time(rep.Artifacts.LastGenerated))
			}
			if r := rep.LastRun; r != nil {
				fmt.Fprintf(tw, "last regeneration\t%d/%d ok, %d failed, %s\n", r.Succeeded, r.Total, r.Failed, humanize.Time(r.Finished))
			}
			return tw.Flush()
		})
	},
}

var clearCmd = &cobra.Command{
	Use:          "clear",
	Short:        "Remove every stored page",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *staticboost.Service) error {
			return svc.ClearAll()
		})
	},
}

var invalidateCmd = &cobra.Command{
	Use:          "invalidate <url>...",
	Short:        "Delete the stored pages of the given URLs",
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *staticboost.Service) error {
			res := svc.Invalidate(ctx, args)
			for _, p := range res.Paths {
				fmt.Println(p)
			}
			return res.Err
		})
	},
}

func init() {
	regenerateCmd.Flags().Bool("resume", false, "skip URLs an interrupted run already captured (needs journal.path)")
	regenerateCmd.Flags().Bool("clear", false, "empty the artifact tree first")
	preloadCmd.Flags().Int("limit", 0, "number of newest pages (default regen.preloadLimit)")
}

func printSummary(sum regen.Summary) {
	if sum.Started.IsZero() {
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sum)
}
